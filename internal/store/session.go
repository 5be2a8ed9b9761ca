package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"jeeprep/internal/logging"
	"jeeprep/internal/types"
)

// ClosePolicy is the session close threshold pair. A session is closed
// (never deleted) once either bound is exceeded.
type ClosePolicy struct {
	MaxTurns    int
	IdleTimeout time.Duration
}

// EnsureSession returns the session, creating it when sessionID is new.
// Reusing a session id continues that conversation; a fresh id starts a
// new isolated one. A session always belongs to exactly one learner;
// reusing another learner's session id is a validation error.
func (s *StateStore) EnsureSession(sessionID, learnerID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, types.NewValidationError("session_id", "empty")
	}

	if sess, err := s.GetSession(sessionID); err != nil {
		return nil, err
	} else if sess != nil {
		if sess.LearnerID != learnerID {
			return nil, types.NewValidationError("session_id", "session belongs to another learner")
		}
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO sessions (session_id, learner_id, created_at, last_turn) VALUES (?, ?, ?, ?)",
		sessionID, learnerID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logging.Session("created session %s for learner %s", sessionID, learnerID)
	return s.getSessionLocked(sessionID)
}

// GetSession returns the session, or (nil, nil) when unknown.
func (s *StateStore) GetSession(sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSessionLocked(sessionID)
}

func (s *StateStore) getSessionLocked(sessionID string) (*types.Session, error) {
	sess := &types.Session{SessionID: sessionID}
	var closedAt, lastTurn, servedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT learner_id, created_at, closed_at, turn_count, last_turn, pending_question_id, pending_served_at
		 FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&sess.LearnerID, &sess.CreatedAt, &closedAt, &sess.TurnCount, &lastTurn, &sess.PendingQuestionID, &servedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	if lastTurn.Valid {
		sess.LastTurn = lastTurn.Time
	}
	if servedAt.Valid {
		sess.PendingServedAt = servedAt.Time
	}
	return sess, nil
}

// ShouldClose reports whether the close policy applies to the session.
func (s *StateStore) ShouldClose(sess *types.Session, policy ClosePolicy) bool {
	if sess.Closed() {
		return false
	}
	if policy.MaxTurns > 0 && sess.TurnCount >= policy.MaxTurns {
		return true
	}
	if policy.IdleTimeout > 0 && !sess.LastTurn.IsZero() && s.now().Sub(sess.LastTurn) > policy.IdleTimeout {
		return true
	}
	return false
}

// CloseSession marks the session closed. Idempotent.
func (s *StateStore) CloseSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.execRetry(
		"UPDATE sessions SET closed_at = ? WHERE session_id = ? AND closed_at IS NULL",
		s.now(), sessionID,
	)
	if err != nil {
		return err
	}
	logging.Session("closed session %s", sessionID)
	return nil
}

// AppendTurn records a single turn outside a CommitTurn transaction.
// Used for audit records of degraded turns when the full commit path
// is unavailable.
func (s *StateStore) AppendTurn(turn types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	if err := s.appendTurnTx(tx, turn); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *StateStore) appendTurnTx(tx *sql.Tx, turn types.Turn) error {
	created := turn.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := tx.Exec(
		`INSERT INTO turns (turn_id, session_id, seq, role, content, units_json, failed, failure, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.SessionID, turn.Seq, turn.Role, turn.Content,
		marshalJSON(turn.Units), boolToInt(turn.Failed), turn.Failure, created,
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	_, err = tx.Exec(
		"UPDATE sessions SET turn_count = turn_count + 1, last_turn = ? WHERE session_id = ?",
		created, turn.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to bump session turn count: %w", err)
	}
	return nil
}

// Turns returns the session's turns in order.
func (s *StateStore) Turns(sessionID string) ([]types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT turn_id, seq, role, content, units_json, failed, failure, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq, created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		t := types.Turn{SessionID: sessionID}
		var unitsJSON string
		var failed int
		if err := rows.Scan(&t.TurnID, &t.Seq, &t.Role, &t.Content, &unitsJSON, &failed, &t.Failure, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Failed = failed != 0
		if unitsJSON != "" {
			json.Unmarshal([]byte(unitsJSON), &t.Units)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// NextTurnSeq returns the next turn sequence number for a session.
func (s *StateStore) NextTurnSeq(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(seq) FROM turns WHERE session_id = ?", sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read turn seq: %w", err)
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return int(maxSeq.Int64) + 1, nil
}

// RecentQuestionIDs returns the distinct question ids the learner has
// seen in their most recent sessionWindow sessions (including open
// ones). This is the curator's hard non-repeat exclusion set.
func (s *StateStore) RecentQuestionIDs(learnerID string, sessionWindow int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sessionWindow <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT DISTINCT pe.question_id
		 FROM practice_events pe
		 WHERE pe.learner_id = ?
		   AND pe.session_id IN (
			SELECT session_id FROM sessions
			WHERE learner_id = ?
			ORDER BY created_at DESC
			LIMIT ?)`,
		learnerID, learnerID, sessionWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent questions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
