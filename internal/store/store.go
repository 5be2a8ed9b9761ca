// Package store implements the durable state store for learners:
// profiles with per-topic mastery, append-only session/turn logs,
// practice events, and versioned long-term memory facts.
//
// The store is the only component allowed to mutate learner state.
// Profile updates are merged per field, never by whole-record
// overwrite, so two sessions of the same learner cannot erase each
// other's effects. Per-turn writes go through CommitTurn, which is
// all-or-nothing.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jeeprep/internal/logging"

	_ "modernc.org/sqlite"
)

// busyRetries bounds how often a busy/locked write is retried with a
// re-read before surfacing a StoreWriteConflict.
const busyRetries = 3

// StateStore is the sqlite-backed learner state store.
type StateStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string

	// now is swappable for tests.
	now func() time.Time
}

// NewStateStore opens (or creates) the database at path. Use ":memory:"
// for tests.
func NewStateStore(path string) (*StateStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between this
	// process's own connections; cross-process writers still retry.
	db.SetMaxOpenConns(1)

	s := &StateStore{db: db, path: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("state store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *StateStore) initialize() error {
	learners := `
	CREATE TABLE IF NOT EXISTS learners (
		learner_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		exam_date TIMESTAMP,
		daily_hours REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	mastery := `
	CREATE TABLE IF NOT EXISTS topic_mastery (
		learner_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		mastery REAL NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP,
		PRIMARY KEY (learner_id, topic)
	);
	CREATE INDEX IF NOT EXISTS idx_mastery_learner ON topic_mastery(learner_id);`

	sessions := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP,
		turn_count INTEGER NOT NULL DEFAULT 0,
		last_turn TIMESTAMP,
		pending_question_id TEXT NOT NULL DEFAULT '',
		pending_served_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_learner ON sessions(learner_id, created_at);`

	turns := `
	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		units_json TEXT,
		failed INTEGER NOT NULL DEFAULT 0,
		failure TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, seq, role)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);`

	events := `
	CREATE TABLE IF NOT EXISTS practice_events (
		event_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		correct INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON practice_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_learner ON practice_events(learner_id, created_at);`

	facts := `
	CREATE TABLE IF NOT EXISTS facts (
		fact_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		semantic_key TEXT NOT NULL,
		statement TEXT NOT NULL,
		confidence REAL NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		session_id TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_learner ON facts(learner_id, semantic_key);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_live
		ON facts(learner_id, semantic_key) WHERE archived = 0;`

	for _, stmt := range []string{learners, mastery, sessions, turns, events, facts} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's time source. Test hook.
func (s *StateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Stats returns row counts per table.
func (s *StateStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"learners", "topic_mastery", "sessions", "turns", "practice_events", "facts"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// isBusy reports whether err is a transient sqlite contention error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
