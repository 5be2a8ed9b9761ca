package index

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"testing"

	"jeeprep/internal/types"
)

// hashEngine produces deterministic unit vectors from text so search
// tests can control similarity without a real embedding backend.
type hashEngine struct {
	fail bool
}

func (e *hashEngine) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("engine down")
	}
	return hashVec(text), nil
}

func (e *hashEngine) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("engine down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVec(t)
	}
	return out, nil
}

func (e *hashEngine) Dimensions() int { return 8 }
func (e *hashEngine) Name() string    { return "hash" }

func hashVec(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, 8)
	var norm float64
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int64(seed>>33)%1000) / 1000
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func newTestIndex(t *testing.T) *QuestionIndex {
	t.Helper()
	idx, err := NewQuestionIndex(":memory:", &hashEngine{})
	if err != nil {
		t.Fatalf("NewQuestionIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func bankQuestion(id string, tier types.Tier, topic string) types.Question {
	return types.Question{
		QuestionID: id,
		Subject:    "physics",
		Topic:      topic,
		Tier:       tier,
		Text:       "question " + id,
		Answer:     "A",
	}
}

func TestIngestAndGet(t *testing.T) {
	idx := newTestIndex(t)

	qs := make([]types.Question, 0, 40)
	for i := 0; i < 40; i++ {
		qs = append(qs, bankQuestion(fmt.Sprintf("q%02d", i), types.TierEasy, "kinematics"))
	}
	result, err := idx.Ingest(context.Background(), qs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Added != 40 || result.Skipped != 0 {
		t.Fatalf("ingest result = %+v, want 40 added", result)
	}

	q, err := idx.Get("q07")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q == nil || q.Topic != "kinematics" || len(q.Embedding) != 8 {
		t.Fatalf("round-tripped question = %+v", q)
	}

	n, err := idx.Count()
	if err != nil || n != 40 {
		t.Fatalf("Count = %d, %v; want 40", n, err)
	}
}

func TestIngestSkipsDuplicates(t *testing.T) {
	idx := newTestIndex(t)

	qs := []types.Question{bankQuestion("q1", types.TierEasy, "optics")}
	if _, err := idx.Ingest(context.Background(), qs); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	result, err := idx.Ingest(context.Background(), []types.Question{
		bankQuestion("q1", types.TierEasy, "optics"),
		bankQuestion("q2", types.TierEasy, "optics"),
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if result.Added != 1 || result.Skipped != 1 {
		t.Errorf("re-ingest result = %+v, want 1 added 1 skipped", result)
	}
}

func TestIngestFailsClosedOnEngineError(t *testing.T) {
	idx, err := NewQuestionIndex(":memory:", &hashEngine{fail: true})
	if err != nil {
		t.Fatalf("NewQuestionIndex: %v", err)
	}
	defer idx.Close()

	_, err = idx.Ingest(context.Background(), []types.Question{bankQuestion("q1", types.TierEasy, "optics")})
	if err == nil {
		t.Fatal("expected ingest to fail when embedding fails")
	}
	if n, _ := idx.Count(); n != 0 {
		t.Errorf("failed ingest left %d rows behind", n)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	idx := newTestIndex(t)

	q := bankQuestion("q1", types.TierEasy, "optics")
	q.Embedding = hashVec(q.Text)
	if err := idx.Add(q); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add(q); !types.IsValidation(err) {
		t.Errorf("duplicate Add = %v, want validation error", err)
	}

	bad := bankQuestion("q2", types.Tier("impossible"), "optics")
	bad.Embedding = hashVec(bad.Text)
	if err := idx.Add(bad); !types.IsValidation(err) {
		t.Errorf("bad tier Add = %v, want validation error", err)
	}
}

func TestSearchFiltersAndExcludes(t *testing.T) {
	idx := newTestIndex(t)
	qs := []types.Question{
		bankQuestion("e1", types.TierEasy, "kinematics"),
		bankQuestion("h1", types.TierHard, "kinematics"),
		bankQuestion("h2", types.TierHard, "kinematics"),
		bankQuestion("h3", types.TierHard, "thermodynamics"),
	}
	if _, err := idx.Ingest(context.Background(), qs); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	query := hashVec("question h2")
	results, err := idx.Search(query, SearchFilter{Tier: types.TierHard, Topic: "kinematics"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want the 2 hard kinematics questions", len(results))
	}
	if results[0].Question.QuestionID != "h2" {
		t.Errorf("self-similar question should rank first, got %s", results[0].Question.QuestionID)
	}

	results, err = idx.Search(query, SearchFilter{Tier: types.TierHard, Topic: "kinematics", ExcludeIDs: []string{"h2"}})
	if err != nil {
		t.Fatalf("Search with exclusion: %v", err)
	}
	for _, r := range results {
		if r.Question.QuestionID == "h2" {
			t.Fatal("excluded question appeared in results")
		}
	}

	// Nil query vector falls back to ingest order.
	results, err = idx.Search(nil, SearchFilter{Tier: types.TierHard, Limit: 2})
	if err != nil {
		t.Fatalf("Search without query: %v", err)
	}
	if len(results) != 2 || results[0].Question.QuestionID != "h1" {
		t.Errorf("ingest-order fallback broken: %+v", results)
	}
}

func TestRecordOutcomeWelford(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Ingest(context.Background(), []types.Question{bankQuestion("q1", types.TierMedium, "optics")}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// 3 correct, 1 incorrect: rate 0.75, population variance 0.1875.
	for _, correct := range []bool{true, true, false, true} {
		if err := idx.RecordOutcome("q1", correct); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	q, err := idx.Get("q1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if q.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", q.Attempts)
	}
	if math.Abs(q.SolveRate-0.75) > 1e-9 {
		t.Errorf("solve rate = %v, want 0.75", q.SolveRate)
	}
	if math.Abs(q.SolveRateVar-0.1875) > 1e-9 {
		t.Errorf("solve rate variance = %v, want 0.1875", q.SolveRateVar)
	}

	if err := idx.RecordOutcome("nope", true); !types.IsValidation(err) {
		t.Errorf("unknown question outcome = %v, want validation error", err)
	}
}
