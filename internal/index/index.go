// Package index implements the question index: an append-only bank of
// exam questions with embeddings and aggregate solve statistics.
//
// Question content is immutable after ingest. The index owns only the
// statistics (attempt counts, solve rate, variance); learner state
// lives in the state store. Search is an in-process cosine scan over
// the candidate set, which is plenty for bank sizes in the tens of
// thousands.
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jeeprep/internal/embedding"
	"jeeprep/internal/logging"
	"jeeprep/internal/types"

	_ "modernc.org/sqlite"
)

// QuestionIndex is the sqlite-backed question bank.
type QuestionIndex struct {
	db     *sql.DB
	mu     sync.RWMutex
	engine embedding.Engine
}

// NewQuestionIndex opens (or creates) the index at path. The engine is
// used at ingest time; Search takes a pre-computed query vector so hot
// paths never block on an embedding call they didn't ask for.
func NewQuestionIndex(path string, engine embedding.Engine) (*QuestionIndex, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open question index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &QuestionIndex{db: db, engine: engine}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Index("question index opened at %s", path)
	return idx, nil
}

func (idx *QuestionIndex) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		question_id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL,
		subtopic TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		text TEXT NOT NULL,
		options_json TEXT,
		answer TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		expected_secs INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		solve_rate REAL NOT NULL DEFAULT 0,
		solve_m2 REAL NOT NULL DEFAULT 0,
		ingest_seq INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_questions_tier ON questions(tier, subject, topic);`

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := idx.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (idx *QuestionIndex) Close() error {
	return idx.db.Close()
}

// Count returns the number of questions in the bank.
func (idx *QuestionIndex) Count() (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var n int64
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM questions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count questions: %w", err)
	}
	return n, nil
}

// Add inserts a single question with its embedding already populated.
// Duplicate ids are rejected; the bank is append-only and content is
// never overwritten.
func (idx *QuestionIndex) Add(q types.Question) error {
	if q.QuestionID == "" {
		return types.NewValidationError("question_id", "empty")
	}
	if !types.ValidTier(q.Tier) {
		return types.NewValidationError("tier", fmt.Sprintf("unknown tier %q", q.Tier))
	}
	if len(q.Embedding) == 0 {
		return types.NewValidationError("embedding", "missing embedding")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.addLocked(q)
}

func (idx *QuestionIndex) addLocked(q types.Question) error {
	var exists int
	err := idx.db.QueryRow("SELECT 1 FROM questions WHERE question_id = ?", q.QuestionID).Scan(&exists)
	if err == nil {
		return types.NewValidationError("question_id", "duplicate question id "+q.QuestionID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check question id: %w", err)
	}

	var seq sql.NullInt64
	if err := idx.db.QueryRow("SELECT MAX(ingest_seq) FROM questions").Scan(&seq); err != nil {
		return fmt.Errorf("failed to read ingest sequence: %w", err)
	}

	embJSON, err := json.Marshal(q.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	var optsJSON []byte
	if len(q.Options) > 0 {
		optsJSON, _ = json.Marshal(q.Options)
	}

	_, err = idx.db.Exec(
		`INSERT INTO questions (question_id, subject, topic, subtopic, tier, text, options_json, answer,
			embedding_json, expected_secs, ingest_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuestionID, q.Subject, q.Topic, q.Subtopic, string(q.Tier), q.Text,
		string(optsJSON), q.Answer, string(embJSON), q.ExpectedSecs,
		seq.Int64+1, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert question: %w", err)
	}
	return nil
}

// Get returns a question by id, or (nil, nil) when unknown.
func (idx *QuestionIndex) Get(questionID string) (*types.Question, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	row := idx.db.QueryRow(
		`SELECT question_id, subject, topic, subtopic, tier, text, options_json, answer,
			embedding_json, expected_secs, attempts, solve_rate, solve_m2, ingest_seq
		 FROM questions WHERE question_id = ?`, questionID)

	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load question: %w", err)
	}
	return q, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (*types.Question, error) {
	var q types.Question
	var tier, optsJSON, embJSON string
	var m2 float64
	err := row.Scan(&q.QuestionID, &q.Subject, &q.Topic, &q.Subtopic, &tier, &q.Text,
		&optsJSON, &q.Answer, &embJSON, &q.ExpectedSecs, &q.Attempts, &q.SolveRate, &m2, &q.IngestSeq)
	if err != nil {
		return nil, err
	}
	q.Tier = types.Tier(tier)
	if optsJSON != "" {
		json.Unmarshal([]byte(optsJSON), &q.Options)
	}
	if err := json.Unmarshal([]byte(embJSON), &q.Embedding); err != nil {
		return nil, fmt.Errorf("corrupt embedding for %s: %w", q.QuestionID, err)
	}
	if q.Attempts > 0 {
		q.SolveRateVar = m2 / float64(q.Attempts)
	}
	return &q, nil
}

// SearchFilter narrows a Search to a tier and optionally a taxonomy
// slice. ExcludeIDs is a hard filter: excluded questions never appear
// in results regardless of score.
type SearchFilter struct {
	Tier       types.Tier
	Subject    string
	Topic      string
	ExcludeIDs []string
	Limit      int
}

// ScoredQuestion pairs a candidate with its query similarity.
type ScoredQuestion struct {
	Question   types.Question
	Similarity float64
}

// Search returns the candidates matching the filter ranked by cosine
// similarity to queryVec, best first. A nil queryVec ranks candidates
// by ingest order instead.
func (idx *QuestionIndex) Search(queryVec []float32, filter SearchFilter) ([]ScoredQuestion, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	query := `SELECT question_id, subject, topic, subtopic, tier, text, options_json, answer,
			embedding_json, expected_secs, attempts, solve_rate, solve_m2, ingest_seq
		 FROM questions WHERE 1=1`
	var args []interface{}
	if filter.Tier != "" {
		query += " AND tier = ?"
		args = append(args, string(filter.Tier))
	}
	if filter.Subject != "" {
		query += " AND subject = ?"
		args = append(args, filter.Subject)
	}
	if filter.Topic != "" {
		query += " AND topic = ?"
		args = append(args, filter.Topic)
	}
	query += " ORDER BY ingest_seq"

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search questions: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]bool, len(filter.ExcludeIDs))
	for _, id := range filter.ExcludeIDs {
		excluded[id] = true
	}

	var candidates []types.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if excluded[q.QuestionID] {
			continue
		}
		candidates = append(candidates, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if queryVec == nil {
		results := make([]ScoredQuestion, 0, len(candidates))
		for _, q := range candidates {
			results = append(results, ScoredQuestion{Question: q})
		}
		if filter.Limit > 0 && len(results) > filter.Limit {
			results = results[:filter.Limit]
		}
		return results, nil
	}

	// Candidates arrive in ingest order, so the stable top-K sort keeps
	// ingest order as the tie-break for equal similarities.
	vecs := make([][]float32, len(candidates))
	for i := range candidates {
		vecs[i] = candidates[i].Embedding
	}
	k := filter.Limit
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	hits := embedding.FindTopK(queryVec, vecs, k)
	results := make([]ScoredQuestion, 0, len(hits))
	for _, h := range hits {
		results = append(results, ScoredQuestion{Question: candidates[h.Index], Similarity: h.Similarity})
	}
	return results, nil
}

// RecordOutcome folds one attempt into the question's running solve
// statistics using Welford's online update. Unknown ids are a
// validation error so stat drift from bad wiring is loud.
func (idx *QuestionIndex) RecordOutcome(questionID string, correct bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var attempts int64
	var mean, m2 float64
	err := idx.db.QueryRow(
		"SELECT attempts, solve_rate, solve_m2 FROM questions WHERE question_id = ?",
		questionID,
	).Scan(&attempts, &mean, &m2)
	if err == sql.ErrNoRows {
		return types.NewValidationError("question_id", "unknown question "+questionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read question stats: %w", err)
	}

	x := 0.0
	if correct {
		x = 1.0
	}
	attempts++
	delta := x - mean
	mean += delta / float64(attempts)
	m2 += delta * (x - mean)

	_, err = idx.db.Exec(
		"UPDATE questions SET attempts = ?, solve_rate = ?, solve_m2 = ? WHERE question_id = ?",
		attempts, mean, m2, questionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update question stats: %w", err)
	}
	logging.IndexDebug("outcome for %s: attempts=%d rate=%.3f", questionID, attempts, mean)
	return nil
}
