package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"jeeprep/internal/config"
	"jeeprep/internal/monitor"
	"jeeprep/internal/reasoner"
	"jeeprep/internal/store"
	"jeeprep/internal/types"
	"jeeprep/internal/units"
)

type fakeSelector struct {
	queue []types.Question
	err   error
}

func (f *fakeSelector) SelectQuestion(_ context.Context, _, _ string) (*types.Question, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return nil, types.ErrIndexExhausted
	}
	q := f.queue[0]
	f.queue = f.queue[1:]
	return &q, nil
}

type fakeBank struct {
	mu        sync.Mutex
	questions map[string]types.Question
	outcomes  map[string]bool
}

func (f *fakeBank) Get(questionID string) (*types.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (f *fakeBank) RecordOutcome(questionID string, correct bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]bool)
	}
	f.outcomes[questionID] = correct
	return nil
}

type fakePlanner struct{ err error }

func (f *fakePlanner) Plan(context.Context, *types.LearnerProfile, []types.Fact, time.Time) (*units.DailyPlan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &units.DailyPlan{
		Summary: "Mechanics first.",
		Blocks:  []units.PlanBlock{{Topic: "rotational-dynamics", Focus: "torque", Minutes: 45}},
	}, nil
}

type fakeCoach struct{ err error }

func (f *fakeCoach) Unblock(context.Context, *types.Question, string, []types.Fact) (*units.Hint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &units.Hint{Mode: units.HintFormula, Text: "Start from the torque balance."}, nil
}

type fakeModel struct{ err error }

func (f *fakeModel) Invoke(context.Context, string, string, *reasoner.Schema) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"reply":"Kinetic energy is frame dependent, yes."}`), nil
}

type fakeConsolidator struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeConsolidator) Enqueue(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, sessionID)
	return true
}

func (f *fakeConsolidator) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enqueued...)
}

type fixture struct {
	coord    *Coordinator
	store    *store.StateStore
	selector *fakeSelector
	bank     *fakeBank
	planner  *fakePlanner
	coach    *fakeCoach
	model    *fakeModel
	memory   *fakeConsolidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewStateStore(":memory:")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	f := &fixture{
		store:    s,
		selector: &fakeSelector{},
		bank:     &fakeBank{questions: make(map[string]types.Question)},
		planner:  &fakePlanner{},
		coach:    &fakeCoach{},
		model:    &fakeModel{},
		memory:   &fakeConsolidator{},
	}
	f.coord = New(s, f.selector, f.bank, f.planner, f.coach,
		monitor.NewSignalMonitor(cfg.Tutor.Monitor, 15*time.Minute),
		f.model, f.memory, cfg)
	return f
}

// restart builds a second coordinator over the same store, the way
// each CLI invocation starts a fresh process.
func (f *fixture) restart() *Coordinator {
	cfg := config.DefaultConfig()
	return New(f.store, f.selector, f.bank, f.planner, f.coach,
		monitor.NewSignalMonitor(cfg.Tutor.Monitor, 15*time.Minute),
		f.model, f.memory, cfg)
}

func question(id, topic, answer string) types.Question {
	return types.Question{
		QuestionID: id, Subject: "physics", Topic: topic, Tier: types.TierMedium,
		Text: "Compute the thing.", Options: []string{"1", "2", "3", "4"}, Answer: answer,
		ExpectedSecs: 120,
	}
}

func turn(t *testing.T, f *fixture, session, content string) *types.Response {
	t.Helper()
	resp, err := f.coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "rahul", SessionID: session, Content: content,
	})
	if err != nil {
		t.Fatalf("HandleTurn(%q): %v", content, err)
	}
	return resp
}

func TestPracticeAnswerFlow(t *testing.T) {
	f := newFixture(t)
	f.selector.queue = []types.Question{question("q1", "kinematics", "B")}

	resp := turn(t, f, "sess-1", "give me a question")
	if resp.Question == nil || resp.Question.QuestionID != "q1" {
		t.Fatalf("practice turn did not serve a question: %+v", resp)
	}
	if !strings.Contains(resp.Text, "Compute the thing.") {
		t.Errorf("question text missing from response: %q", resp.Text)
	}

	resp = turn(t, f, "sess-1", "B")
	if !strings.Contains(resp.Text, "Correct") {
		t.Errorf("correct answer not acknowledged: %q", resp.Text)
	}

	events, err := f.store.SessionEvents("sess-1")
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %d, %v; want 1", len(events), err)
	}
	if !events[0].Correct || events[0].QuestionID != "q1" {
		t.Errorf("event = %+v", events[0])
	}

	p, _ := f.store.GetProfile("rahul")
	if tm := p.Mastery["kinematics"]; tm.Mastery <= 0 || tm.Attempts != 1 {
		t.Errorf("mastery not applied: %+v", tm)
	}
	if correct, ok := f.bank.outcomes["q1"]; !ok || !correct {
		t.Error("outcome not fed back to the question index")
	}

	turns, _ := f.store.Turns("sess-1")
	if len(turns) != 4 {
		t.Errorf("expected 4 turn records (2 exchanges), got %d", len(turns))
	}
}

func TestAnswerWithoutPendingQuestion(t *testing.T) {
	f := newFixture(t)
	// No question in flight: "my answer is C" is just conversation.
	resp := turn(t, f, "sess-1", "my answer is C")
	if containsIntent(resp.Intents, types.IntentAnswer) {
		t.Errorf("answer intent without a pending question: %v", resp.Intents)
	}
	if events, _ := f.store.SessionEvents("sess-1"); len(events) != 0 {
		t.Error("phantom practice event recorded")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.selector.queue = []types.Question{question("q1", "kinematics", "B")}

	turn(t, f, "sess-a", "practice please")
	// The question is pending in sess-a only; in sess-b this is not an
	// answer submission at all.
	resp := turn(t, f, "sess-b", "b")
	if containsIntent(resp.Intents, types.IntentAnswer) {
		t.Errorf("bare letter graded against another session's question: %+v", resp.Intents)
	}
	if events, _ := f.store.SessionEvents("sess-a"); len(events) != 0 {
		t.Error("cross-session answer produced an event")
	}

	// Back in sess-a, the question is still answerable.
	resp = turn(t, f, "sess-a", "b")
	if !containsIntent(resp.Intents, types.IntentAnswer) {
		t.Error("pending question lost")
	}
}

func TestDegradedTurnIsStillLogged(t *testing.T) {
	f := newFixture(t)
	f.model.err = types.ErrReasonerTimeout

	resp := turn(t, f, "sess-1", "why is the sky blue during revision breaks")
	if !resp.Degraded {
		t.Fatal("reasoner outage did not mark the response degraded")
	}
	if resp.Text == "" {
		t.Fatal("degraded response has no learner-facing text")
	}

	turns, _ := f.store.Turns("sess-1")
	if len(turns) != 2 {
		t.Fatalf("degraded turn not committed: %d rows", len(turns))
	}
	var tutor types.Turn
	for _, tr := range turns {
		if tr.Role == "tutor" {
			tutor = tr
		}
	}
	if !tutor.Failed || !strings.Contains(tutor.Failure, "tutor") {
		t.Errorf("tutor turn audit record = %+v", tutor)
	}
}

func TestStuckGetsHint(t *testing.T) {
	f := newFixture(t)
	f.selector.queue = []types.Question{question("q1", "kinematics", "B")}
	turn(t, f, "sess-1", "practice")

	resp := turn(t, f, "sess-1", "I'm stuck on this one")
	if !strings.Contains(resp.Text, "torque balance") {
		t.Errorf("hint missing: %q", resp.Text)
	}

	// The question is still pending after a hint.
	resp = turn(t, f, "sess-1", "B")
	if !containsIntent(resp.Intents, types.IntentAnswer) {
		t.Error("hint consumed the pending question")
	}
}

func TestPlanRequest(t *testing.T) {
	f := newFixture(t)
	resp := turn(t, f, "sess-1", "what should i study today, make me a plan")
	if !strings.Contains(resp.Text, "rotational-dynamics") {
		t.Errorf("plan missing: %q", resp.Text)
	}
	if !containsIntent(resp.Intents, types.IntentPlan) {
		t.Errorf("intents = %v", resp.Intents)
	}
}

func TestInterventionSurfacesOnRepeatedMisses(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.selector.queue = append(f.selector.queue, question("q"+string(rune('1'+i)), "kinematics", "B"))
	}

	var sawIntervention bool
	for i := 0; i < 4; i++ {
		turn(t, f, "sess-1", "practice")
		resp := turn(t, f, "sess-1", "A")
		if resp.Intervention != nil {
			sawIntervention = true
			if i == 3 && resp.Intervention.Level < 4 {
				t.Errorf("fourth straight miss: intervention level %d, want >= 4", resp.Intervention.Level)
			}
		}
	}
	if !sawIntervention {
		t.Error("no intervention across four straight misses")
	}
}

func TestPendingQuestionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	q := question("q1", "kinematics", "B")
	f.selector.queue = []types.Question{q}
	f.bank.questions["q1"] = q

	turn(t, f, "sess-1", "practice")
	sess, _ := f.store.GetSession("sess-1")
	if sess.PendingQuestionID != "q1" {
		t.Fatalf("served question not persisted: %q", sess.PendingQuestionID)
	}

	// The answering turn arrives in a fresh process.
	coord := f.restart()
	resp, err := coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "rahul", SessionID: "sess-1", Content: "B",
	})
	if err != nil {
		t.Fatalf("HandleTurn after restart: %v", err)
	}
	if !containsIntent(resp.Intents, types.IntentAnswer) {
		t.Fatalf("restart lost the in-flight question: intents %v", resp.Intents)
	}
	if !strings.Contains(resp.Text, "Correct") {
		t.Errorf("answer not graded after restart: %q", resp.Text)
	}

	events, _ := f.store.SessionEvents("sess-1")
	if len(events) != 1 || !events[0].Correct {
		t.Fatalf("events after restart = %+v", events)
	}
	sess, _ = f.store.GetSession("sess-1")
	if sess.PendingQuestionID != "" {
		t.Errorf("answered question still persisted as in flight: %q", sess.PendingQuestionID)
	}
}

func TestMonitorWindowSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		f.bank.questions[id] = question(id, "kinematics", "B")
	}

	// Three straight misses in the first process.
	for _, id := range ids[:3] {
		f.selector.queue = []types.Question{f.bank.questions[id]}
		turn(t, f, "sess-1", "practice")
		turn(t, f, "sess-1", "A")
	}

	// The fourth miss lands in a fresh process; the window must carry
	// over or the escalation never reaches the critical rung.
	coord := f.restart()
	f.selector.queue = []types.Question{f.bank.questions["m4"]}
	if _, err := coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "rahul", SessionID: "sess-1", Content: "practice",
	}); err != nil {
		t.Fatalf("practice after restart: %v", err)
	}
	resp, err := coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "rahul", SessionID: "sess-1", Content: "A",
	})
	if err != nil {
		t.Fatalf("answer after restart: %v", err)
	}
	if resp.Intervention == nil || resp.Intervention.Level < 4 {
		t.Fatalf("fourth straight miss across a restart: intervention %+v, want level >= 4", resp.Intervention)
	}
}

func TestSessionBudgetInterventionOnAnyTurn(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.EnsureProfile("rahul"); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	hours := 2.0
	if err := f.store.UpdateProfile("rahul", store.ProfileDelta{DailyHours: &hours}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	now := func() time.Time { return clock }
	f.store.SetClock(now)
	f.coord.SetClock(now)
	f.coord.signals.SetClock(now)

	resp := turn(t, f, "sess-1", "quick doubt about units")
	if resp.Intervention != nil {
		t.Fatalf("intervention inside the budget: %+v", resp.Intervention)
	}

	// Three hours into a two-hour budget; no question was ever answered,
	// but the turn itself is signal enough.
	clock = base.Add(3 * time.Hour)
	resp = turn(t, f, "sess-1", "one more doubt about logarithms")
	if resp.Intervention == nil || resp.Intervention.Level != 5 || resp.Intervention.Action != monitor.ActionTakeBreak {
		t.Fatalf("over budget: intervention %+v, want level 5 take_break", resp.Intervention)
	}
}

func TestSessionEndClosesAndConsolidates(t *testing.T) {
	f := newFixture(t)
	turn(t, f, "sess-1", "hello, quick doubt about units")
	resp := turn(t, f, "sess-1", "done for today, bye")
	if !containsIntent(resp.Intents, types.IntentSessionEnd) {
		t.Fatalf("intents = %v", resp.Intents)
	}

	sess, _ := f.store.GetSession("sess-1")
	if !sess.Closed() {
		t.Error("session not closed")
	}
	if got := f.memory.sessions(); len(got) == 0 || got[len(got)-1] != "sess-1" {
		t.Errorf("consolidation not enqueued on session end: %v", got)
	}

	// Turns on a closed session are rejected.
	_, err := f.coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "rahul", SessionID: "sess-1", Content: "one more thing",
	})
	if !types.IsValidation(err) {
		t.Errorf("turn on closed session: got %v, want validation error", err)
	}
}

func TestExhaustedBankDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	resp := turn(t, f, "sess-1", "next question please")
	if resp.Question != nil {
		t.Fatal("question invented from an empty bank")
	}
	if !strings.Contains(resp.Text, "worked through everything") {
		t.Errorf("got %q", resp.Text)
	}
	if resp.Degraded {
		t.Error("an exhausted bank is an answer, not a degradation")
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	cases := []TurnRequest{
		{LearnerID: "", SessionID: "s", Content: "hi"},
		{LearnerID: "rahul", SessionID: "", Content: "hi"},
		{LearnerID: "rahul", SessionID: "s", Content: "   "},
	}
	for _, req := range cases {
		if _, err := f.coord.HandleTurn(context.Background(), req); !types.IsValidation(err) {
			t.Errorf("req %+v: got %v, want validation error", req, err)
		}
	}

	// A session belongs to its first learner.
	turn(t, f, "sess-1", "hello")
	_, err := f.coord.HandleTurn(context.Background(), TurnRequest{
		LearnerID: "priya", SessionID: "sess-1", Content: "hello",
	})
	if !types.IsValidation(err) {
		t.Errorf("foreign session reuse: got %v", err)
	}
}

func TestPeriodicConsolidation(t *testing.T) {
	f := newFixture(t)
	every := f.coord.cfg.Tutor.Memory.ConsolidateEvery
	for i := 0; i < every; i++ {
		turn(t, f, "sess-1", "quick doubt about dimensional analysis")
	}
	if got := f.memory.sessions(); len(got) == 0 {
		t.Errorf("no consolidation after %d turns", every)
	}
}

func TestConcurrentTurnsDifferentLearners(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for _, learner := range []string{"rahul", "priya"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(l string) {
				defer wg.Done()
				_, err := f.coord.HandleTurn(context.Background(), TurnRequest{
					LearnerID: l, SessionID: "sess-" + l, Content: "a quick doubt",
				})
				if err != nil {
					errs <- err
				}
			}(learner)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent turn failed: %v", err)
	}

	for _, l := range []string{"rahul", "priya"} {
		turns, _ := f.store.Turns("sess-" + l)
		if len(turns) != 20 {
			t.Errorf("learner %s: %d turn rows, want 20", l, len(turns))
		}
		seen := make(map[int]int)
		for _, tr := range turns {
			seen[tr.Seq]++
		}
		for seq, n := range seen {
			if n != 2 {
				t.Errorf("learner %s seq %d has %d rows, want a learner+tutor pair", l, seq, n)
			}
		}
	}
}

func containsIntent(intents []types.Intent, want types.Intent) bool {
	for _, in := range intents {
		if in == want {
			return true
		}
	}
	return false
}
