// Package memory distills session transcripts into durable learner
// facts. Consolidation is asynchronous and idempotent: re-running it
// over the same session converges to the same fact set, and a fact is
// only ever superseded by archiving the old version, never by
// destroying it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"jeeprep/internal/config"
	"jeeprep/internal/logging"
	"jeeprep/internal/reasoner"
	"jeeprep/internal/types"

	"github.com/google/uuid"
)

// FactStore is the slice of the state store consolidation touches.
type FactStore interface {
	GetSession(sessionID string) (*types.Session, error)
	Turns(sessionID string) ([]types.Turn, error)
	SessionEvents(sessionID string) ([]types.PracticeEvent, error)
	LiveFact(learnerID, semanticKey string) (*types.Fact, error)
	UpsertFact(fact types.Fact) error
	ArchiveFact(fact types.Fact) error
}

// MemoryCurator extracts facts from a session and merges them into
// the learner's long-term memory.
type MemoryCurator struct {
	store FactStore
	model reasoner.Reasoner
	cfg   config.MemoryConfig
}

// NewMemoryCurator wires the curator.
func NewMemoryCurator(store FactStore, model reasoner.Reasoner, cfg config.MemoryConfig) *MemoryCurator {
	return &MemoryCurator{store: store, model: model, cfg: cfg}
}

const extractionRole = `You distill tutoring session transcripts into durable facts about the learner.
Extract only stable, learner-specific observations: recurring mistakes, conceptual gaps,
strengths, study habits, goals. Skip anything session-transient.
Key each fact with a stable semantic_key (kebab-case, category:subject) so that a later
observation about the same thing carries the same key.`

func extractionSchema() *reasoner.Schema {
	return &reasoner.Schema{
		Name: "fact-extraction",
		Fields: []reasoner.Field{
			{Name: "facts", Type: reasoner.FieldArray, Required: true,
				Items: &reasoner.Field{Type: reasoner.FieldObject}},
		},
	}
}

type extractedFact struct {
	SemanticKey string  `json:"semantic_key"`
	Statement   string  `json:"statement"`
	Confidence  float64 `json:"confidence"`
}

// Consolidate extracts facts from the session transcript and merges
// them. Unknown sessions are a no-op, not an error, so a queued job
// that outlives a reset does no harm.
func (mc *MemoryCurator) Consolidate(ctx context.Context, sessionID string) error {
	timer := logging.StartTimer(logging.CategoryMemory, "Consolidate")
	defer timer.Stop()

	sess, err := mc.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		logging.Memory("consolidation skipped: unknown session %s", sessionID)
		return nil
	}

	payload, empty, err := mc.transcript(sessionID)
	if err != nil {
		return err
	}
	if empty {
		logging.Memory("consolidation skipped: session %s has no content", sessionID)
		return nil
	}

	raw, err := mc.model.Invoke(ctx, extractionRole, payload, extractionSchema())
	if err != nil {
		return fmt.Errorf("fact extraction for session %s: %w", sessionID, err)
	}

	var out struct {
		Facts []extractedFact `json:"facts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("fact extraction for session %s: %w", sessionID, err)
	}

	merged := 0
	for _, ef := range out.Facts {
		if ef.SemanticKey == "" || ef.Statement == "" {
			continue
		}
		changed, err := mc.merge(sess.LearnerID, sessionID, ef)
		if err != nil {
			return err
		}
		if changed {
			merged++
		}
	}
	logging.Memory("consolidated session %s: %d facts extracted, %d merged", sessionID, len(out.Facts), merged)
	return nil
}

func (mc *MemoryCurator) transcript(sessionID string) (payload string, empty bool, err error) {
	turns, err := mc.store.Turns(sessionID)
	if err != nil {
		return "", false, err
	}
	events, err := mc.store.SessionEvents(sessionID)
	if err != nil {
		return "", false, err
	}
	if len(turns) == 0 && len(events) == 0 {
		return "", true, nil
	}

	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	if len(events) > 0 {
		b.WriteString("\nPractice outcomes:\n")
		for _, ev := range events {
			result := "incorrect"
			if ev.Correct {
				result = "correct"
			}
			fmt.Fprintf(&b, "- %s (%s): %s in %ds\n", ev.QuestionID, ev.Topic, result, ev.LatencyMS/1000)
		}
	}
	return b.String(), false, nil
}

// merge applies one extracted fact against the live fact for its key.
// The merge is deterministic: equal inputs produce equal outcomes, so
// replayed consolidations converge instead of accumulating versions.
func (mc *MemoryCurator) merge(learnerID, sessionID string, ef extractedFact) (bool, error) {
	live, err := mc.store.LiveFact(learnerID, ef.SemanticKey)
	if err != nil {
		return false, err
	}

	fact := types.Fact{
		FactID:      uuid.NewString(),
		LearnerID:   learnerID,
		SemanticKey: ef.SemanticKey,
		Statement:   ef.Statement,
		Confidence:  ef.Confidence,
		SessionID:   sessionID,
	}

	if live == nil {
		return true, mc.store.UpsertFact(fact)
	}
	if live.Statement == ef.Statement {
		// Already known. Re-consolidation must not mint a new version.
		return false, nil
	}
	if ef.Confidence >= live.Confidence-mc.cfg.ConfidenceTolerance {
		return true, mc.store.UpsertFact(fact)
	}
	// A markedly less confident contradiction is kept as history, the
	// established fact stays live.
	return true, mc.store.ArchiveFact(fact)
}
