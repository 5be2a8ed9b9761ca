// Package curator selects the next practice question for a learner.
//
// Selection is a pure ranking over index candidates: semantic
// similarity to the learner's weak areas, blended with how rarely the
// bank's population solves the question. Recency is a hard filter,
// not a score penalty; a recently seen question is re-served only
// when the learner has exhausted the entire matching slice, and that
// relaxation happens exactly once per selection.
package curator

import (
	"context"
	"strings"

	"jeeprep/internal/config"
	"jeeprep/internal/index"
	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// LearnerSource is the slice of the state store the curator reads.
type LearnerSource interface {
	EnsureProfile(learnerID string) (*types.LearnerProfile, error)
	RecentQuestionIDs(learnerID string, sessionWindow int) ([]string, error)
}

// Searcher is the slice of the question index the curator reads.
type Searcher interface {
	Search(queryVec []float32, filter index.SearchFilter) ([]index.ScoredQuestion, error)
}

// QueryEmbedder embeds the learner's weak-area summary for retrieval.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Curator picks questions. It holds no per-learner state of its own;
// everything it needs comes from the store and index on each call.
type Curator struct {
	learners LearnerSource
	idx      Searcher
	embedder QueryEmbedder
	cfg      config.TutorConfig
}

// NewCurator wires the curator's read-only dependencies.
func NewCurator(learners LearnerSource, idx Searcher, embedder QueryEmbedder, cfg config.TutorConfig) *Curator {
	return &Curator{learners: learners, idx: idx, embedder: embedder, cfg: cfg}
}

// Retune swaps the tuning parameters. Called from the config watcher.
func (c *Curator) Retune(cfg config.TutorConfig) {
	c.cfg = cfg
}

// SelectQuestion returns the next question for the learner, honoring
// the tier progression and the non-repeat window. topicFilter narrows
// selection to one topic; empty means "wherever the learner is
// weakest". When the filtered candidate set is empty the non-repeat
// window is lifted once before giving up with ErrIndexExhausted.
func (c *Curator) SelectQuestion(ctx context.Context, learnerID, topicFilter string) (*types.Question, error) {
	profile, err := c.learners.EnsureProfile(learnerID)
	if err != nil {
		return nil, err
	}

	topic := topicFilter
	weakest := profile.WeakestTopics(3)
	if topic == "" && len(weakest) > 0 {
		topic = weakest[0].Topic
	}
	tier := c.tierFor(profile, topic)

	queryVec := c.weakAreaQuery(ctx, profile, topic)

	exclude, err := c.learners.RecentQuestionIDs(learnerID, c.cfg.Curator.RecencyWindow)
	if err != nil {
		return nil, err
	}

	filter := index.SearchFilter{
		Tier:       tier,
		Topic:      topic,
		ExcludeIDs: exclude,
		Limit:      c.cfg.Curator.CandidateLimit,
	}
	candidates, err := c.idx.Search(queryVec, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// One relaxation: lift the non-repeat window. Tier and topic
		// stay fixed; repeating a seen question beats going off-target.
		logging.Curator("learner %s: %s/%s slice fully seen, lifting the non-repeat window", learnerID, tier, topic)
		filter.ExcludeIDs = nil
		candidates, err = c.idx.Search(queryVec, filter)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, types.ErrIndexExhausted
	}

	best := pickBest(candidates, c.cfg.Curator)
	logging.CuratorDebug("learner %s: selected %s (tier=%s topic=%s candidates=%d)",
		learnerID, best.QuestionID, best.Tier, best.Topic, len(candidates))
	return best, nil
}

// tierFor maps topic mastery to a difficulty tier. Unknown topics and
// fresh learners start easy; the thresholds come from tuning config.
func (c *Curator) tierFor(profile *types.LearnerProfile, topic string) types.Tier {
	tm, ok := profile.Mastery[topic]
	if !ok || tm.Attempts == 0 {
		return types.TierEasy
	}
	switch {
	case tm.Mastery >= c.cfg.HardAbove:
		return types.TierHard
	case tm.Mastery < c.cfg.EasyBelow:
		return types.TierEasy
	default:
		return types.TierMedium
	}
}

// weakAreaQuery embeds a short summary of the learner's weak areas.
// A failed embedding degrades to ingest-order selection rather than
// failing the turn.
func (c *Curator) weakAreaQuery(ctx context.Context, profile *types.LearnerProfile, topic string) []float32 {
	var parts []string
	if topic != "" {
		parts = append(parts, topic)
	}
	for _, tm := range profile.WeakestTopics(3) {
		if tm.Topic != topic {
			parts = append(parts, tm.Topic)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	vec, err := c.embedder.EmbedQuery(ctx, "practice questions on "+strings.Join(parts, ", "))
	if err != nil {
		logging.Curator("weak-area embedding failed, falling back to ingest order: %v", err)
		return nil
	}
	return vec
}

// pickBest ranks candidates by the blended score. Ties go to the
// higher solve-rate variance (more discriminating question), then to
// ingest order so selection is deterministic.
func pickBest(candidates []index.ScoredQuestion, cfg config.CuratorConfig) *types.Question {
	best := 0
	bestScore := score(candidates[0], cfg)
	for i := 1; i < len(candidates); i++ {
		s := score(candidates[i], cfg)
		switch {
		case s > bestScore:
			best, bestScore = i, s
		case s == bestScore:
			bi, ci := candidates[best].Question, candidates[i].Question
			if ci.SolveRateVar > bi.SolveRateVar ||
				(ci.SolveRateVar == bi.SolveRateVar && ci.IngestSeq < bi.IngestSeq) {
				best = i
			}
		}
	}
	q := candidates[best].Question
	return &q
}

func score(c index.ScoredQuestion, cfg config.CuratorConfig) float64 {
	return cfg.SimilarityWeight*c.Similarity + cfg.SolveRateWeight*(1-c.Question.SolveRate)
}
