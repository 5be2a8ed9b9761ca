package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// ProfileDelta is a field-level profile update. Nil fields are left
// untouched; this is what keeps concurrent sessions from overwriting
// each other's changes with stale whole records.
type ProfileDelta struct {
	Name       *string
	ExamDate   *time.Time
	DailyHours *float64
}

// GetProfile returns the learner profile, or (nil, nil) when the
// learner is unknown.
func (s *StateStore) GetProfile(learnerID string) (*types.LearnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProfileLocked(s.db, learnerID)
}

type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *StateStore) getProfileLocked(q querier, learnerID string) (*types.LearnerProfile, error) {
	p := &types.LearnerProfile{LearnerID: learnerID, Mastery: make(map[string]types.TopicMastery)}

	var examDate sql.NullTime
	err := q.QueryRow(
		"SELECT name, exam_date, daily_hours, created_at, updated_at FROM learners WHERE learner_id = ?",
		learnerID,
	).Scan(&p.Name, &examDate, &p.DailyHours, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if examDate.Valid {
		p.ExamDate = examDate.Time
	}

	rows, err := q.Query(
		"SELECT topic, mastery, attempts, last_seen FROM topic_mastery WHERE learner_id = ?",
		learnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load mastery: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tm types.TopicMastery
		var lastSeen sql.NullTime
		if err := rows.Scan(&tm.Topic, &tm.Mastery, &tm.Attempts, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan mastery row: %w", err)
		}
		if lastSeen.Valid {
			tm.LastSeen = lastSeen.Time
		}
		p.Mastery[tm.Topic] = tm
	}
	return p, rows.Err()
}

// EnsureProfile returns the profile for learnerID, creating a fresh one
// on first contact.
func (s *StateStore) EnsureProfile(learnerID string) (*types.LearnerProfile, error) {
	if learnerID == "" {
		return nil, types.NewValidationError("learner_id", "empty")
	}

	if p, err := s.GetProfile(learnerID); err != nil || p != nil {
		return p, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// INSERT OR IGNORE: another goroutine may have won the race.
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO learners (learner_id, created_at, updated_at) VALUES (?, ?, ?)",
		learnerID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	logging.Store("created profile for learner %s", learnerID)
	return s.getProfileLocked(s.db, learnerID)
}

// UpdateProfile applies a field-level delta to an existing profile.
func (s *StateStore) UpdateProfile(learnerID string, delta ProfileDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := "updated_at = ?"
	args := []interface{}{s.now()}
	if delta.Name != nil {
		sets += ", name = ?"
		args = append(args, *delta.Name)
	}
	if delta.ExamDate != nil {
		sets += ", exam_date = ?"
		args = append(args, *delta.ExamDate)
	}
	if delta.DailyHours != nil {
		sets += ", daily_hours = ?"
		args = append(args, *delta.DailyHours)
	}
	args = append(args, learnerID)

	res, err := s.execRetry("UPDATE learners SET "+sets+" WHERE learner_id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewValidationError("learner_id", "unknown learner "+learnerID)
	}
	return nil
}

// boundedMastery computes the post-event mastery for a topic. Correct
// answers move the estimate toward 1, incorrect toward 0, by at most
// step per event; the result is clamped to [0,1].
func boundedMastery(current float64, correct bool, step float64) float64 {
	var next float64
	if correct {
		next = current + step*(1-current)
	} else {
		next = current - step*current
	}
	// The multiplicative form already moves less than step, but clamp
	// against misconfigured inputs.
	next = math.Max(current-step, math.Min(current+step, next))
	return math.Max(0, math.Min(1, next))
}

// applyMasteryTx upserts a topic mastery row inside an open transaction.
func (s *StateStore) applyMasteryTx(tx *sql.Tx, learnerID, topic string, correct bool, step float64, now time.Time) error {
	var current float64
	var attempts int
	err := tx.QueryRow(
		"SELECT mastery, attempts FROM topic_mastery WHERE learner_id = ? AND topic = ?",
		learnerID, topic,
	).Scan(&current, &attempts)
	if err == sql.ErrNoRows {
		current, attempts = 0, 0
	} else if err != nil {
		return fmt.Errorf("failed to read mastery: %w", err)
	}

	next := boundedMastery(current, correct, step)
	_, err = tx.Exec(
		`INSERT INTO topic_mastery (learner_id, topic, mastery, attempts, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(learner_id, topic) DO UPDATE SET
		 mastery = excluded.mastery,
		 attempts = excluded.attempts,
		 last_seen = excluded.last_seen`,
		learnerID, topic, next, attempts+1, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mastery: %w", err)
	}
	logging.StoreDebug("mastery %s/%s: %.3f -> %.3f (correct=%v)", learnerID, topic, current, next, correct)
	return nil
}

// ResetLearner removes the learner's profile and mastery map. Explicit
// reset is the only way profile data is ever deleted; sessions, turns,
// events and facts are kept for audit.
func (s *StateStore) ResetLearner(learnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	for _, stmt := range []string{
		"DELETE FROM topic_mastery WHERE learner_id = ?",
		"DELETE FROM learners WHERE learner_id = ?",
	} {
		if _, err := tx.Exec(stmt, learnerID); err != nil {
			tx.Rollback()
			return fmt.Errorf("reset failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset commit failed: %w", err)
	}
	logging.Store("learner %s reset", learnerID)
	return nil
}

// execRetry runs a write with bounded retries on transient contention.
func (s *StateStore) execRetry(query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		res, err = s.db.Exec(query, args...)
		if err == nil || !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		if isBusy(err) {
			return nil, &types.StoreWriteConflict{Op: "exec", Err: err}
		}
		return nil, fmt.Errorf("store write failed: %w", err)
	}
	return res, nil
}
