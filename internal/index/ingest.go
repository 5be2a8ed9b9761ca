package index

import (
	"context"
	"fmt"
	"time"

	"jeeprep/internal/logging"
	"jeeprep/internal/types"

	"golang.org/x/sync/errgroup"
)

// embedBatchSize is how many question texts go into one embedding
// request. Kept small so a single failed batch loses little work.
const embedBatchSize = 16

// embedWorkers bounds concurrent embedding requests during ingest.
const embedWorkers = 4

// IngestResult summarizes one ingest run.
type IngestResult struct {
	Added    int
	Skipped  int
	Duration time.Duration
}

// Ingest embeds and inserts a batch of questions. Questions whose id
// already exists are skipped, not overwritten. Embedding runs in
// bounded parallel batches; any batch failure aborts the whole run
// before anything from the failed batch is inserted.
func (idx *QuestionIndex) Ingest(ctx context.Context, questions []types.Question) (*IngestResult, error) {
	start := time.Now()
	if idx.engine == nil {
		return nil, fmt.Errorf("question index has no embedding engine")
	}

	for i := range questions {
		if questions[i].QuestionID == "" {
			return nil, types.NewValidationError("question_id", fmt.Sprintf("question %d has no id", i))
		}
		if !types.ValidTier(questions[i].Tier) {
			return nil, types.NewValidationError("tier",
				fmt.Sprintf("question %s has unknown tier %q", questions[i].QuestionID, questions[i].Tier))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for lo := 0; lo < len(questions); lo += embedBatchSize {
		lo := lo
		hi := lo + embedBatchSize
		if hi > len(questions) {
			hi = len(questions)
		}
		g.Go(func() error {
			texts := make([]string, 0, hi-lo)
			for _, q := range questions[lo:hi] {
				texts = append(texts, q.Text)
			}
			vecs, err := idx.engine.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding batch %d-%d: %w", lo, hi, err)
			}
			if len(vecs) != hi-lo {
				return fmt.Errorf("embedding batch %d-%d: got %d vectors for %d texts", lo, hi, len(vecs), hi-lo)
			}
			for i, v := range vecs {
				questions[lo+i].Embedding = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	result := &IngestResult{}
	for _, q := range questions {
		err := idx.addLocked(q)
		if types.IsValidation(err) {
			logging.IndexDebug("skipping %s: %v", q.QuestionID, err)
			result.Skipped++
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Added++
	}
	result.Duration = time.Since(start)
	logging.Index("ingested %d questions (%d skipped) in %v", result.Added, result.Skipped, result.Duration)
	return result, nil
}
