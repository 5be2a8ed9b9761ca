package store

import (
	"database/sql"
	"fmt"

	"jeeprep/internal/types"
)

// AppendPracticeEvent records a question attempt outside a turn commit.
// The coordinator normally writes events through CommitTurn; this is
// for ingest/backfill paths.
func (s *StateStore) AppendPracticeEvent(ev types.PracticeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin event append: %w", err)
	}
	if err := s.appendEventTx(tx, ev); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *StateStore) appendEventTx(tx *sql.Tx, ev types.PracticeEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := tx.Exec(
		`INSERT INTO practice_events (event_id, session_id, learner_id, question_id, topic, correct, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, ev.LearnerID, ev.QuestionID, ev.Topic,
		boolToInt(ev.Correct), ev.LatencyMS, created,
	)
	if err != nil {
		return fmt.Errorf("failed to append practice event: %w", err)
	}
	return nil
}

// SessionEvents returns the session's practice events in order.
func (s *StateStore) SessionEvents(sessionID string) ([]types.PracticeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT event_id, learner_id, question_id, topic, correct, latency_ms, created_at
		 FROM practice_events WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load practice events: %w", err)
	}
	defer rows.Close()

	var events []types.PracticeEvent
	for rows.Next() {
		ev := types.PracticeEvent{SessionID: sessionID}
		var correct int
		if err := rows.Scan(&ev.EventID, &ev.LearnerID, &ev.QuestionID, &ev.Topic, &correct, &ev.LatencyMS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan practice event: %w", err)
		}
		ev.Correct = correct != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentEvents returns the learner's latest n practice events across
// sessions, newest first. Feeds the signal monitor's rolling window.
func (s *StateStore) RecentEvents(learnerID string, n int) ([]types.PracticeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = 20
	}
	rows, err := s.db.Query(
		`SELECT event_id, session_id, question_id, topic, correct, latency_ms, created_at
		 FROM practice_events WHERE learner_id = ? ORDER BY created_at DESC LIMIT ?`,
		learnerID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}
	defer rows.Close()

	var events []types.PracticeEvent
	for rows.Next() {
		ev := types.PracticeEvent{LearnerID: learnerID}
		var correct int
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.QuestionID, &ev.Topic, &correct, &ev.LatencyMS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan practice event: %w", err)
		}
		ev.Correct = correct != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}
