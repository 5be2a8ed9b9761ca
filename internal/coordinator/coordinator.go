// Package coordinator owns the turn loop: it validates the request,
// routes intents to units, watches signals on every turn, and commits
// the whole turn atomically. Unit failures degrade the response; they
// never lose the turn record.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jeeprep/internal/config"
	"jeeprep/internal/logging"
	"jeeprep/internal/monitor"
	"jeeprep/internal/reasoner"
	"jeeprep/internal/store"
	"jeeprep/internal/types"
	"jeeprep/internal/units"

	"github.com/google/uuid"
)

// QuestionSelector is the curator as the coordinator sees it.
type QuestionSelector interface {
	SelectQuestion(ctx context.Context, learnerID, topicFilter string) (*types.Question, error)
}

// QuestionBank is the question index as the coordinator sees it: it
// resolves persisted in-flight question ids and takes graded outcomes.
type QuestionBank interface {
	Get(questionID string) (*types.Question, error)
	RecordOutcome(questionID string, correct bool) error
}

// PlanUnit builds daily plans.
type PlanUnit interface {
	Plan(ctx context.Context, profile *types.LearnerProfile, facts []types.Fact, now time.Time) (*units.DailyPlan, error)
}

// CoachUnit unblocks stuck learners.
type CoachUnit interface {
	Unblock(ctx context.Context, question *types.Question, attempt string, facts []types.Fact) (*units.Hint, error)
}

// Consolidator schedules memory consolidation off the turn path.
type Consolidator interface {
	Enqueue(sessionID string) bool
}

// TurnRequest is one learner message.
type TurnRequest struct {
	LearnerID string
	SessionID string
	Content   string
}

// sessionState is the coordinator's in-memory view of one open
// session: the question in flight between the serving turn and the
// answering turn, and whether a critical intervention awaits the
// learner's acknowledgment.
type sessionState struct {
	pending     *types.Question
	servedAt    time.Time
	awaitingAck bool
}

// Coordinator routes turns. One instance serves all learners; turns
// for the same learner are serialized, everything else runs in
// parallel.
type Coordinator struct {
	store    *store.StateStore
	selector QuestionSelector
	bank     QuestionBank
	planner  PlanUnit
	coach    CoachUnit
	signals  *monitor.SignalMonitor
	model    reasoner.Reasoner
	memory   Consolidator
	cfg      *config.Config

	locks *learnerLocks

	mu       sync.Mutex
	sessions map[string]*sessionState // by session id

	now func() time.Time
}

// New wires a coordinator.
func New(st *store.StateStore, selector QuestionSelector, bank QuestionBank,
	planner PlanUnit, coach CoachUnit, signals *monitor.SignalMonitor,
	model reasoner.Reasoner, mem Consolidator, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:    st,
		selector: selector,
		bank:     bank,
		planner:  planner,
		coach:    coach,
		signals:  signals,
		model:    model,
		memory:   mem,
		cfg:      cfg,
		locks:    newLearnerLocks(),
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// turnOutcome accumulates what one turn will commit and say.
type turnOutcome struct {
	sections []string
	unitsRun []string
	event    *types.PracticeEvent
	mastery  *store.MasteryDelta
	close    bool
	degraded bool
	failures []string
	question *types.Question
	interv   *types.Intervention
}

func (o *turnOutcome) say(text string)   { o.sections = append(o.sections, text) }
func (o *turnOutcome) ran(unit string)   { o.unitsRun = append(o.unitsRun, unit) }
func (o *turnOutcome) degrade(unit string, err error) {
	o.degraded = true
	o.failures = append(o.failures, types.NewUnitFailure(unit, err).Error())
	logging.Session("unit %s degraded: %v", unit, err)
}

// HandleTurn processes one learner message end to end. The returned
// response is always learner-presentable; hard errors are limited to
// validation failures and storage being unavailable.
func (c *Coordinator) HandleTurn(ctx context.Context, req TurnRequest) (*types.Response, error) {
	if req.LearnerID == "" {
		return nil, types.NewValidationError("learner_id", "empty")
	}
	if req.SessionID == "" {
		return nil, types.NewValidationError("session_id", "empty")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, types.NewValidationError("content", "empty message")
	}

	unlock := c.locks.acquire(req.LearnerID)
	defer unlock()

	profile, err := c.store.EnsureProfile(req.LearnerID)
	if err != nil {
		return nil, err
	}
	sess, err := c.store.EnsureSession(req.SessionID, req.LearnerID)
	if err != nil {
		return nil, err
	}
	if sess.Closed() {
		return nil, types.NewValidationError("session_id", "session is closed, start a new one")
	}

	seq, err := c.store.NextTurnSeq(req.SessionID)
	if err != nil {
		return nil, err
	}
	if seq == 1 {
		// Fresh session; stress does not carry over from the last one.
		c.signals.Reset(req.LearnerID)
	}

	pending, servedAt := c.beginTurn(sess, req.LearnerID)

	intents := ClassifyIntents(req.Content, pending != nil)
	outcome := &turnOutcome{}
	for _, intent := range intents {
		switch intent {
		case types.IntentAnswer:
			c.gradeAnswer(req, pending, servedAt, outcome)
			pending = nil
		case types.IntentStuck:
			c.unblock(ctx, req, pending, outcome)
		case types.IntentPlan:
			c.plan(ctx, profile, outcome)
		case types.IntentPractice:
			c.serveQuestion(ctx, req, outcome)
		case types.IntentSessionEnd:
			outcome.close = true
			outcome.say("Good work today. I'll remember where we left off.")
		case types.IntentFreeform:
			c.freeform(ctx, req, outcome)
		}
	}

	if outcome.interv == nil {
		// Every turn is a passive signal, answered or not. Session
		// duration is judged against the learner's declared daily budget.
		sig := monitor.TurnSignal{
			SessionElapsed: c.now().Sub(sess.CreatedAt),
			DailyBudget:    time.Duration(profile.DailyHours * float64(time.Hour)),
		}
		if iv := c.signals.ObserveTurn(req.LearnerID, sig); iv != nil {
			outcome.interv = iv
			outcome.say(iv.Message)
		}
	}

	policy := c.closePolicy()
	if !outcome.close && c.store.ShouldClose(sess, policy) {
		outcome.close = true
		outcome.say("We've covered a lot in this session, so I'm wrapping it up here. Start a new one whenever you're ready.")
	}

	text := strings.Join(outcome.sections, "\n\n")
	if text == "" {
		outcome.degraded = true
		text = "I hit a problem handling that. Your progress is saved; please try again."
	}

	learnerTurn := types.Turn{
		TurnID: uuid.NewString(), SessionID: req.SessionID, Seq: seq,
		Role: "learner", Content: req.Content, CreatedAt: c.now(),
	}
	tutorTurn := types.Turn{
		TurnID: uuid.NewString(), SessionID: req.SessionID, Seq: seq,
		Role: "tutor", Content: text, Units: outcome.unitsRun,
		Failed: outcome.degraded, Failure: strings.Join(outcome.failures, "; "),
		CreatedAt: c.now(),
	}
	var pendingUpdate *store.PendingQuestion
	switch {
	case outcome.question != nil:
		pendingUpdate = &store.PendingQuestion{QuestionID: outcome.question.QuestionID, ServedAt: c.now()}
	case outcome.event != nil:
		// Answered: clear the persisted in-flight question.
		pendingUpdate = &store.PendingQuestion{}
	}

	err = c.store.CommitTurn(store.TurnCommit{
		LearnerID:    req.LearnerID,
		LearnerTurn:  learnerTurn,
		TutorTurn:    tutorTurn,
		Event:        outcome.event,
		Mastery:      outcome.mastery,
		Pending:      pendingUpdate,
		CloseSession: outcome.close,
	})
	if err != nil {
		return nil, err
	}

	c.afterCommit(req.SessionID, seq, outcome)

	return &types.Response{
		TurnID:       tutorTurn.TurnID,
		SessionID:    req.SessionID,
		Text:         text,
		Intents:      intents,
		Question:     outcome.question,
		Intervention: outcome.interv,
		Degraded:     outcome.degraded,
	}, nil
}

// beginTurn snapshots the session's in-flight question and settles any
// intervention awaiting acknowledgment: the learner replying at all is
// the acknowledgment.
func (c *Coordinator) beginTurn(sess *types.Session, learnerID string) (*types.Question, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sessions[sess.SessionID]
	if !ok {
		st = c.rebuildSession(sess, learnerID)
		c.sessions[sess.SessionID] = st
	}
	if st.awaitingAck {
		c.signals.Acknowledge(learnerID)
		st.awaitingAck = false
	}
	return st.pending, st.servedAt
}

// rebuildSession restores the in-memory view of a session this process
// never touched: the persisted in-flight question, and the monitor
// window replayed from the session's practice events. A CLI invocation
// is one process per turn, so resuming mid-session is the common case,
// not the exception. A brand-new session rebuilds to an empty state.
func (c *Coordinator) rebuildSession(sess *types.Session, learnerID string) *sessionState {
	st := &sessionState{}
	if sess.PendingQuestionID != "" {
		q, err := c.bank.Get(sess.PendingQuestionID)
		if err != nil || q == nil {
			logging.Session("in-flight question %s not restored: %v", sess.PendingQuestionID, err)
		} else {
			st.pending = q
			st.servedAt = sess.PendingServedAt
		}
	}
	if sess.TurnCount > 0 {
		events, err := c.store.SessionEvents(sess.SessionID)
		if err != nil {
			logging.Session("monitor window not restored for session %s: %v", sess.SessionID, err)
		} else if len(events) > 0 {
			c.signals.Reset(learnerID)
			c.signals.Seed(learnerID, events, 0)
		}
	}
	return st
}

// afterCommit runs the post-turn triggers: pending-question bookkeeping
// and consolidation scheduling. Nothing here can fail the turn.
func (c *Coordinator) afterCommit(sessionID string, seq int, outcome *turnOutcome) {
	c.mu.Lock()
	if st := c.sessions[sessionID]; st != nil {
		if outcome.event != nil {
			st.pending = nil
		}
		if outcome.question != nil {
			st.pending = outcome.question
			st.servedAt = c.now()
		}
		if outcome.interv != nil && outcome.interv.Level >= 4 {
			st.awaitingAck = true
		}
		if outcome.close {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()

	every := c.cfg.Tutor.Memory.ConsolidateEvery
	if outcome.close || (every > 0 && seq%every == 0) {
		c.memory.Enqueue(sessionID)
	}
}

// gradeAnswer scores the submission against the pending question and
// stages the practice event, mastery delta, and monitor observation.
func (c *Coordinator) gradeAnswer(req TurnRequest, pending *types.Question, servedAt time.Time, outcome *turnOutcome) {
	if pending == nil {
		outcome.say("I don't have an open question for you. Say \"practice\" and I'll serve one.")
		return
	}
	outcome.ran("grader")

	q := *pending
	submitted := ExtractAnswer(req.Content)
	correct := strings.EqualFold(submitted, strings.TrimSpace(q.Answer))

	var latency int64
	if !servedAt.IsZero() {
		latency = c.now().Sub(servedAt).Milliseconds()
	}
	ev := &types.PracticeEvent{
		EventID:    uuid.NewString(),
		SessionID:  req.SessionID,
		LearnerID:  req.LearnerID,
		QuestionID: q.QuestionID,
		Topic:      q.Topic,
		Correct:    correct,
		LatencyMS:  latency,
		CreatedAt:  c.now(),
	}
	outcome.event = ev
	outcome.mastery = &store.MasteryDelta{Topic: q.Topic, Correct: correct, Step: c.cfg.Tutor.MasteryStep}

	if err := c.bank.RecordOutcome(q.QuestionID, correct); err != nil {
		// Index stats are advisory; a failed update never blocks grading.
		logging.Session("outcome recording failed for %s: %v", q.QuestionID, err)
	}

	if correct {
		outcome.say(fmt.Sprintf("Correct. %s is the answer.", q.Answer))
	} else {
		outcome.say(fmt.Sprintf("Not quite. The answer is %s. Worth redoing this one from the setup.", q.Answer))
	}

	outcome.ran("monitor")
	if iv := c.signals.Observe(req.LearnerID, *ev, q.ExpectedSecs); iv != nil {
		outcome.interv = iv
		outcome.say(iv.Message)
	}
}

func (c *Coordinator) serveQuestion(ctx context.Context, req TurnRequest, outcome *turnOutcome) {
	outcome.ran("curator")
	q, err := c.selector.SelectQuestion(ctx, req.LearnerID, "")
	if errors.Is(err, types.ErrIndexExhausted) {
		outcome.say("You've worked through everything I have at your level right now. Let's revise instead, or load a fresh question set.")
		return
	}
	if err != nil {
		outcome.degrade("curator", err)
		return
	}

	outcome.question = q
	text := fmt.Sprintf("[%s, %s] %s", q.TopicPath(), q.Tier, q.Text)
	if len(q.Options) > 0 {
		labels := []string{"A", "B", "C", "D", "E", "F"}
		var b strings.Builder
		b.WriteString(text)
		for i, opt := range q.Options {
			if i < len(labels) {
				fmt.Fprintf(&b, "\n%s) %s", labels[i], opt)
			}
		}
		text = b.String()
	}
	outcome.say(text)
}

func (c *Coordinator) unblock(ctx context.Context, req TurnRequest, pending *types.Question, outcome *turnOutcome) {
	if pending == nil {
		return
	}
	outcome.ran("coach")

	facts, err := c.store.GetFacts(req.LearnerID)
	if err != nil {
		outcome.degrade("coach", err)
		return
	}
	hint, err := c.coach.Unblock(ctx, pending, req.Content, facts)
	if err != nil {
		outcome.degrade("coach", err)
		outcome.say("I can't put a good hint together right now. Try writing down what's given and what's asked; that alone often unsticks it.")
		return
	}
	outcome.say(hint.Text)
}

func (c *Coordinator) plan(ctx context.Context, profile *types.LearnerProfile, outcome *turnOutcome) {
	outcome.ran("planner")

	facts, err := c.store.GetFacts(profile.LearnerID)
	if err != nil {
		outcome.degrade("planner", err)
		return
	}
	plan, err := c.planner.Plan(ctx, profile, facts, c.now())
	if err != nil {
		outcome.degrade("planner", err)
		outcome.say("I couldn't build today's plan. Default to your weakest topic for the first hour and we'll take it from there.")
		return
	}
	outcome.say(plan.Render())
}

const tutorRole = `You are a JEE preparation tutor in an ongoing conversation.
Answer the learner's question directly and briefly. Stay on exam-relevant ground.`

func replySchema() *reasoner.Schema {
	return &reasoner.Schema{
		Name: "reply",
		Fields: []reasoner.Field{
			{Name: "reply", Type: reasoner.FieldString, Required: true},
		},
	}
}

func (c *Coordinator) freeform(ctx context.Context, req TurnRequest, outcome *turnOutcome) {
	outcome.ran("tutor")

	raw, err := c.model.Invoke(ctx, tutorRole, req.Content, replySchema())
	if err != nil {
		outcome.degrade("tutor", err)
		outcome.say("I couldn't process that just now, but your session is intact. Ask again, or say \"practice\" to keep working.")
		return
	}
	var out struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Reply == "" {
		outcome.degrade("tutor", fmt.Errorf("empty reply"))
		outcome.say("I couldn't process that just now, but your session is intact. Ask again, or say \"practice\" to keep working.")
		return
	}
	outcome.say(out.Reply)
}

func (c *Coordinator) closePolicy() store.ClosePolicy {
	idle, err := c.cfg.SessionIdleTimeout()
	if err != nil {
		idle = 6 * time.Hour
	}
	return store.ClosePolicy{MaxTurns: c.cfg.Tutor.Session.MaxTurns, IdleTimeout: idle}
}
