package store

import (
	"database/sql"
	"fmt"

	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// GetFacts returns the learner's live facts. At most one live fact
// exists per semantic key; superseded versions are archived.
func (s *StateStore) GetFacts(learnerID string) ([]types.Fact, error) {
	return s.queryFacts(learnerID, false)
}

// AllFacts returns live and archived facts, newest first. Audit path.
func (s *StateStore) AllFacts(learnerID string) ([]types.Fact, error) {
	return s.queryFacts(learnerID, true)
}

func (s *StateStore) queryFacts(learnerID string, includeArchived bool) ([]types.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT fact_id, semantic_key, statement, confidence, version, session_id, archived, created_at
		 FROM facts WHERE learner_id = ?`
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY semantic_key, version DESC"

	rows, err := s.db.Query(query, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	defer rows.Close()

	var facts []types.Fact
	for rows.Next() {
		f := types.Fact{LearnerID: learnerID}
		var archived int
		if err := rows.Scan(&f.FactID, &f.SemanticKey, &f.Statement, &f.Confidence, &f.Version, &f.SessionID, &archived, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		f.Archived = archived != 0
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// LiveFact returns the live fact for a semantic key, or (nil, nil).
func (s *StateStore) LiveFact(learnerID, semanticKey string) (*types.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := types.Fact{LearnerID: learnerID, SemanticKey: semanticKey}
	err := s.db.QueryRow(
		`SELECT fact_id, statement, confidence, version, session_id, created_at
		 FROM facts WHERE learner_id = ? AND semantic_key = ? AND archived = 0`,
		learnerID, semanticKey,
	).Scan(&f.FactID, &f.Statement, &f.Confidence, &f.Version, &f.SessionID, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live fact: %w", err)
	}
	return &f, nil
}

// UpsertFact installs fact as the live version for its semantic key.
// Any existing live fact for the key is archived (not overwritten) and
// the new fact gets its version + 1. The swap is transactional.
func (s *StateStore) UpsertFact(fact types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fact upsert: %w", err)
	}

	var prevVersion int
	err = tx.QueryRow(
		"SELECT version FROM facts WHERE learner_id = ? AND semantic_key = ? AND archived = 0",
		fact.LearnerID, fact.SemanticKey,
	).Scan(&prevVersion)
	switch {
	case err == sql.ErrNoRows:
		prevVersion = 0
	case err != nil:
		tx.Rollback()
		return fmt.Errorf("failed to read live fact: %w", err)
	default:
		if _, err := tx.Exec(
			"UPDATE facts SET archived = 1 WHERE learner_id = ? AND semantic_key = ? AND archived = 0",
			fact.LearnerID, fact.SemanticKey,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to archive superseded fact: %w", err)
		}
	}

	created := fact.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := tx.Exec(
		`INSERT INTO facts (fact_id, learner_id, semantic_key, statement, confidence, version, session_id, archived, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		fact.FactID, fact.LearnerID, fact.SemanticKey, fact.Statement,
		fact.Confidence, prevVersion+1, fact.SessionID, created,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fact upsert commit failed: %w", err)
	}
	logging.Memory("fact %s/%s now at version %d (confidence %.2f)",
		fact.LearnerID, fact.SemanticKey, prevVersion+1, fact.Confidence)
	return nil
}

// ArchiveFact inserts fact directly as an archived minority
// observation, leaving the live fact for its key untouched.
func (s *StateStore) ArchiveFact(fact types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := fact.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.execRetry(
		`INSERT INTO facts (fact_id, learner_id, semantic_key, statement, confidence, version, session_id, archived, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, 1, ?)`,
		fact.FactID, fact.LearnerID, fact.SemanticKey, fact.Statement,
		fact.Confidence, fact.SessionID, created,
	)
	return err
}
