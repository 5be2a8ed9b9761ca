// Package types defines the shared domain model for the adaptive
// exam-prep orchestrator: learner profiles, sessions, questions,
// practice events, and long-term memory facts.
//
// These types are persistence-agnostic. Ownership rules:
//   - LearnerProfile is owned by the state store and mutated only
//     through explicit store operations.
//   - Question is immutable after ingest; the index owns its
//     embedding and aggregate statistics.
//   - Turn and PracticeEvent records are append-only.
package types

import (
	"math"
	"time"
)

// Tier is the discrete difficulty bucket for a question.
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

// ValidTier reports whether t is one of the known difficulty tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierEasy, TierMedium, TierHard:
		return true
	}
	return false
}

// Intent is the classification of a learner turn. A single turn may
// carry more than one intent; the coordinator sequences them in a
// fixed priority order.
type Intent string

const (
	IntentPlan       Intent = "plan-request"
	IntentPractice   Intent = "practice-request"
	IntentAnswer     Intent = "answer-submission"
	IntentStuck      Intent = "stuck-signal"
	IntentFreeform   Intent = "free-form-question"
	IntentSessionEnd Intent = "session-end"
)

// TopicMastery tracks a learner's competence in one topic.
// Mastery is always in [0,1]; a single practice event never moves it
// by more than the configured step bound.
type TopicMastery struct {
	Topic    string    `json:"topic"`
	Mastery  float64   `json:"mastery"`
	Attempts int       `json:"attempts"`
	LastSeen time.Time `json:"last_seen"`
}

// LearnerProfile is the durable per-learner record.
type LearnerProfile struct {
	LearnerID  string                  `json:"learner_id"`
	Name       string                  `json:"name"`
	ExamDate   time.Time               `json:"exam_date"`
	DailyHours float64                 `json:"daily_hours"`
	Mastery    map[string]TopicMastery `json:"mastery"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// DaysToExam returns the days remaining until the exam date. A part
// day still counts: with the exam tomorrow morning there is one day
// left to use, not zero.
func (p *LearnerProfile) DaysToExam(now time.Time) int {
	return int(math.Ceil(p.ExamDate.Sub(now).Hours() / 24))
}

// WeakestTopics returns up to n topics ordered by ascending mastery.
func (p *LearnerProfile) WeakestTopics(n int) []TopicMastery {
	out := make([]TopicMastery, 0, len(p.Mastery))
	for _, tm := range p.Mastery {
		out = append(out, tm)
	}
	// insertion sort; mastery maps are small
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Mastery < out[j-1].Mastery; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Session is an append-only conversation log owned by exactly one learner.
// A session is closed, never deleted, once its turn count or idle time
// exceeds the configured policy.
type Session struct {
	SessionID string     `json:"session_id"`
	LearnerID string     `json:"learner_id"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	TurnCount int        `json:"turn_count"`
	LastTurn  time.Time  `json:"last_turn"`

	// In-flight question, persisted so a served question survives the
	// process that served it. Empty PendingQuestionID means none.
	PendingQuestionID string    `json:"pending_question_id,omitempty"`
	PendingServedAt   time.Time `json:"pending_served_at,omitempty"`
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.ClosedAt != nil }

// Turn is one recorded exchange inside a session.
type Turn struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"` // "learner" or "tutor"
	Content   string    `json:"content"`
	Units     []string  `json:"units,omitempty"` // units that contributed to this turn
	Failed    bool      `json:"failed,omitempty"`
	Failure   string    `json:"failure,omitempty"` // audit note when a unit degraded
	CreatedAt time.Time `json:"created_at"`
}

// PracticeEvent is an immutable record of one question attempt.
type PracticeEvent struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	LearnerID  string    `json:"learner_id"`
	QuestionID string    `json:"question_id"`
	Topic      string    `json:"topic"`
	Correct    bool      `json:"correct"`
	LatencyMS  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fact is a learner-scoped, versioned long-term memory statement.
// Facts are keyed by a stable semantic key so that updates replace
// rather than duplicate; superseded facts are archived, not destroyed.
type Fact struct {
	FactID      string    `json:"fact_id"`
	LearnerID   string    `json:"learner_id"`
	SemanticKey string    `json:"semantic_key"`
	Statement   string    `json:"statement"`
	Confidence  float64   `json:"confidence"`
	Version     int       `json:"version"`
	SessionID   string    `json:"session_id"` // provenance
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
}

// Question is an immutable bank entry. The index owns Embedding and the
// aggregate solve statistics; the content payload never changes after
// ingest.
type Question struct {
	QuestionID string    `json:"question_id"`
	Subject    string    `json:"subject"`
	Topic      string    `json:"topic"`
	Subtopic   string    `json:"subtopic,omitempty"`
	Tier       Tier      `json:"tier"`
	Text       string    `json:"text"`
	Options    []string  `json:"options,omitempty"`
	Answer     string    `json:"answer"`
	Embedding  []float32 `json:"-"`

	// Aggregate statistics, maintained by the index.
	Attempts     int64   `json:"attempts"`
	SolveRate    float64 `json:"solve_rate"`
	SolveRateVar float64 `json:"solve_rate_var"`
	IngestSeq    int64   `json:"-"` // stable insertion order for deterministic tie-breaks
	ExpectedSecs int     `json:"expected_secs,omitempty"`
}

// TopicPath returns the taxonomy path "subject/topic[/subtopic]".
func (q *Question) TopicPath() string {
	p := q.Subject + "/" + q.Topic
	if q.Subtopic != "" {
		p += "/" + q.Subtopic
	}
	return p
}

// Intervention is a well-being recommendation surfaced by the monitor.
type Intervention struct {
	Level   int    `json:"level"` // 1..5 escalation ladder
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Response is the learner-visible result of one coordinator turn.
// Worst case it is a degraded apology; it is never a raw error.
type Response struct {
	TurnID       string        `json:"turn_id"`
	SessionID    string        `json:"session_id"`
	Text         string        `json:"text"`
	Intents      []Intent      `json:"intents"`
	Question     *Question     `json:"question,omitempty"`
	Intervention *Intervention `json:"intervention,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
}
