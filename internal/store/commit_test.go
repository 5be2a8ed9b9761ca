package store

import (
	"testing"
	"time"

	"jeeprep/internal/types"
)

func TestCommitTurnAppliesEverything(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureProfile("rahul"); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if _, err := s.EnsureSession("sess-1", "rahul"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	err := s.CommitTurn(TurnCommit{
		LearnerID:   "rahul",
		LearnerTurn: types.Turn{TurnID: "t1", SessionID: "sess-1", Seq: 1, Role: "learner", Content: "answer: B"},
		TutorTurn:   types.Turn{TurnID: "t2", SessionID: "sess-1", Seq: 1, Role: "tutor", Content: "correct"},
		Event: &types.PracticeEvent{
			EventID: "ev1", SessionID: "sess-1", LearnerID: "rahul",
			QuestionID: "q1", Topic: "thermodynamics", Correct: true, LatencyMS: 42000,
		},
		Mastery: &MasteryDelta{Topic: "thermodynamics", Correct: true, Step: 0.05},
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}

	turns, err := s.Turns("sess-1")
	if err != nil || len(turns) != 2 {
		t.Fatalf("turns after commit = %d, %v; want 2", len(turns), err)
	}
	events, err := s.SessionEvents("sess-1")
	if err != nil || len(events) != 1 {
		t.Fatalf("events after commit = %d, %v; want 1", len(events), err)
	}
	p, err := s.GetProfile("rahul")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	tm, ok := p.Mastery["thermodynamics"]
	if !ok || tm.Mastery <= 0 || tm.Attempts != 1 {
		t.Errorf("mastery not applied in commit: %+v", tm)
	}
	sess, _ := s.GetSession("sess-1")
	if sess.TurnCount != 2 {
		t.Errorf("turn_count = %d, want 2", sess.TurnCount)
	}
}

func TestCommitTurnRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureProfile("rahul"); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if _, err := s.EnsureSession("sess-1", "rahul"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := s.AppendTurn(types.Turn{TurnID: "t0", SessionID: "sess-1", Seq: 1, Role: "tutor", Content: "hi"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	// The tutor turn collides with (session, seq, role) already present.
	// The learner turn and event committed earlier in the same tx must
	// roll back with it.
	err := s.CommitTurn(TurnCommit{
		LearnerID:   "rahul",
		LearnerTurn: types.Turn{TurnID: "t1", SessionID: "sess-1", Seq: 1, Role: "learner", Content: "q"},
		TutorTurn:   types.Turn{TurnID: "t2", SessionID: "sess-1", Seq: 1, Role: "tutor", Content: "dup"},
		Event: &types.PracticeEvent{
			EventID: "ev1", SessionID: "sess-1", LearnerID: "rahul",
			QuestionID: "q1", Topic: "optics", Correct: false,
		},
		Mastery: &MasteryDelta{Topic: "optics", Correct: false, Step: 0.05},
	})
	if err == nil {
		t.Fatal("expected duplicate turn to fail the commit")
	}

	turns, _ := s.Turns("sess-1")
	if len(turns) != 1 {
		t.Errorf("partial commit visible: %d turns, want only the pre-existing 1", len(turns))
	}
	events, _ := s.SessionEvents("sess-1")
	if len(events) != 0 {
		t.Errorf("partial commit visible: %d events, want 0", len(events))
	}
	p, _ := s.GetProfile("rahul")
	if _, ok := p.Mastery["optics"]; ok {
		t.Error("partial commit visible: mastery row written despite rollback")
	}
}

func TestCommitTurnPersistsPendingQuestion(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureSession("sess-1", "rahul"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	served := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	err := s.CommitTurn(TurnCommit{
		LearnerID:   "rahul",
		LearnerTurn: types.Turn{TurnID: "t1", SessionID: "sess-1", Seq: 1, Role: "learner", Content: "practice"},
		TutorTurn:   types.Turn{TurnID: "t2", SessionID: "sess-1", Seq: 1, Role: "tutor", Content: "here is one"},
		Pending:     &PendingQuestion{QuestionID: "q1", ServedAt: served},
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.PendingQuestionID != "q1" || !sess.PendingServedAt.Equal(served) {
		t.Fatalf("pending = %q at %v, want q1 at %v", sess.PendingQuestionID, sess.PendingServedAt, served)
	}

	// A nil update leaves the in-flight question alone.
	err = s.CommitTurn(TurnCommit{
		LearnerID:   "rahul",
		LearnerTurn: types.Turn{TurnID: "t3", SessionID: "sess-1", Seq: 2, Role: "learner", Content: "stuck"},
		TutorTurn:   types.Turn{TurnID: "t4", SessionID: "sess-1", Seq: 2, Role: "tutor", Content: "hint"},
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	sess, _ = s.GetSession("sess-1")
	if sess.PendingQuestionID != "q1" {
		t.Errorf("hint turn cleared the in-flight question: %q", sess.PendingQuestionID)
	}

	// An empty id clears it.
	err = s.CommitTurn(TurnCommit{
		LearnerID:   "rahul",
		LearnerTurn: types.Turn{TurnID: "t5", SessionID: "sess-1", Seq: 3, Role: "learner", Content: "B"},
		TutorTurn:   types.Turn{TurnID: "t6", SessionID: "sess-1", Seq: 3, Role: "tutor", Content: "correct"},
		Pending:     &PendingQuestion{},
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	sess, _ = s.GetSession("sess-1")
	if sess.PendingQuestionID != "" {
		t.Errorf("answered question still in flight: %q", sess.PendingQuestionID)
	}
}

func TestCommitTurnClosesSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureSession("sess-1", "rahul"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	err := s.CommitTurn(TurnCommit{
		LearnerID:    "rahul",
		LearnerTurn:  types.Turn{TurnID: "t1", SessionID: "sess-1", Seq: 1, Role: "learner", Content: "bye"},
		TutorTurn:    types.Turn{TurnID: "t2", SessionID: "sess-1", Seq: 1, Role: "tutor", Content: "see you"},
		CloseSession: true,
	})
	if err != nil {
		t.Fatalf("CommitTurn: %v", err)
	}
	sess, _ := s.GetSession("sess-1")
	if !sess.Closed() {
		t.Error("session not closed by commit")
	}
}
