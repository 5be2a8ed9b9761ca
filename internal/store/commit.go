package store

import (
	"fmt"
	"time"

	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// MasteryDelta is the bounded mastery effect of one answered question.
type MasteryDelta struct {
	Topic   string
	Correct bool
	Step    float64
}

// PendingQuestion is the session's in-flight question update. An empty
// QuestionID clears it (the question was answered or abandoned).
type PendingQuestion struct {
	QuestionID string
	ServedAt   time.Time
}

// TurnCommit is everything a single coordinator turn persists. The
// whole commit is applied in one transaction: a cancelled or failed
// turn is never observable as a partial update.
type TurnCommit struct {
	LearnerID    string
	LearnerTurn  types.Turn
	TutorTurn    types.Turn
	Event        *types.PracticeEvent
	Mastery      *MasteryDelta
	Pending      *PendingQuestion // nil leaves the in-flight question untouched
	CloseSession bool
}

// CommitTurn atomically persists one turn's state: the learner and
// tutor turn records, at most one practice event, the bounded mastery
// update, and the optional session close. Transient contention is
// retried a bounded number of times; persistent contention surfaces as
// a StoreWriteConflict and nothing is committed.
func (s *StateStore) CommitTurn(commit TurnCommit) error {
	timer := logging.StartTimer(logging.CategoryStore, "CommitTurn")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = s.commitTurnOnce(commit)
		if err == nil || !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		if isBusy(err) {
			return &types.StoreWriteConflict{Op: "commit_turn", Err: err}
		}
		return err
	}
	return nil
}

func (s *StateStore) commitTurnOnce(commit TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin turn commit: %w", err)
	}

	if err := s.appendTurnTx(tx, commit.LearnerTurn); err != nil {
		tx.Rollback()
		return err
	}
	if err := s.appendTurnTx(tx, commit.TutorTurn); err != nil {
		tx.Rollback()
		return err
	}

	if commit.Event != nil {
		if err := s.appendEventTx(tx, *commit.Event); err != nil {
			tx.Rollback()
			return err
		}
	}

	if commit.Mastery != nil {
		if err := s.applyMasteryTx(tx, commit.LearnerID, commit.Mastery.Topic, commit.Mastery.Correct, commit.Mastery.Step, s.now()); err != nil {
			tx.Rollback()
			return err
		}
	}

	if commit.Pending != nil {
		if _, err := tx.Exec(
			"UPDATE sessions SET pending_question_id = ?, pending_served_at = ? WHERE session_id = ?",
			commit.Pending.QuestionID, commit.Pending.ServedAt, commit.LearnerTurn.SessionID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update pending question: %w", err)
		}
	}

	if commit.CloseSession {
		if _, err := tx.Exec(
			"UPDATE sessions SET closed_at = ? WHERE session_id = ? AND closed_at IS NULL",
			s.now(), commit.LearnerTurn.SessionID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to close session in commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("turn commit failed: %w", err)
	}
	logging.StoreDebug("turn commit for session %s (event=%v mastery=%v close=%v)",
		commit.LearnerTurn.SessionID, commit.Event != nil, commit.Mastery != nil, commit.CloseSession)
	return nil
}
