// Package store persists session records in a local SQLite database.
//
// The turn log is append-only: turns are never updated or deleted, and the
// per-session sequence never reorders. Compaction appends a summary turn;
// windowed loads simply stop at the newest compaction boundary.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"codeward/internal/logging"
)

var (
	// ErrSessionNotFound means no stored session matched.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrAmbiguousSessionID means a partial ID matched more than one
	// session; the caller must disambiguate, never guess.
	ErrAmbiguousSessionID = errors.New("store: ambiguous session id")
)

// Store is the session database. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// parent directory and schema as needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategorySession, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.SessionDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.SessionDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.SessionDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Session("Session store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL DEFAULT '',
		parent_session TEXT NOT NULL DEFAULT '',
		git_branch     TEXT NOT NULL DEFAULT '',
		git_commit     TEXT NOT NULL DEFAULT '',
		working_dir    TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		session_id    TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		tool_call_id  TEXT NOT NULL DEFAULT '',
		is_compaction INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_turns_compaction
		ON turns(session_id, is_compaction, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: initialize schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.SessionDebug("Closing session store at %s", s.dbPath)
	return s.db.Close()
}
