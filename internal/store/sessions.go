package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeward/internal/logging"
)

// Session is one conversation's metadata record.
type Session struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ParentSession string    `json:"parent_session,omitempty"`
	GitBranch     string    `json:"git_branch,omitempty"`
	GitCommit     string    `json:"git_commit,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BeginSession creates a new session record and returns its ID. Git
// metadata is captured best-effort; a non-repository working dir just
// leaves the fields empty.
func (s *Store) BeginSession(ctx context.Context, title, parentSession string) (string, error) {
	id := uuid.NewString()
	branch, commit := gitMetadata(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, parent_session, git_branch, git_commit, working_dir)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, title, parentSession, branch, commit, workingDir(),
	)
	if err != nil {
		return "", fmt.Errorf("store: begin session: %w", err)
	}
	logging.Session("Began session %s (branch=%s)", id, branch)
	return id, nil
}

// GetSession loads one session's metadata.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, parent_session, git_branch, git_commit, working_dir, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.ParentSession, &sess.GitBranch,
		&sess.GitCommit, &sess.WorkingDir, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the most recently updated sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, parent_session, git_branch, git_commit, working_dir, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.ParentSession, &sess.GitBranch,
			&sess.GitCommit, &sess.WorkingDir, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Resume matches a partial session ID against stored sessions. An exact
// match wins outright; otherwise prefix matches are tried, then substring
// matches. More than one candidate at the winning tier fails with
// ErrAmbiguousSessionID rather than silently picking one.
func (s *Store) Resume(ctx context.Context, partialID string) (string, error) {
	if partialID == "" {
		return "", fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var exact string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = ?`, partialID).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: resume: %w", err)
	}

	// The fragment is literal text, so LIKE metacharacters in it must not
	// widen the match.
	escaped := escapeLike(partialID)
	for _, pattern := range []string{escaped + "%", "%" + escaped + "%"} {
		ids, err := s.matchSessionIDs(ctx, pattern)
		if err != nil {
			return "", err
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			return ids[0], nil
		default:
			return "", fmt.Errorf("%w: %q matches %s", ErrAmbiguousSessionID, partialID, strings.Join(ids, ", "))
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSessionNotFound, partialID)
}

// escapeLike backslash-escapes LIKE metacharacters in a literal fragment.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) matchSessionIDs(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE id LIKE ? ESCAPE '\' ORDER BY id`, pattern)
	if err != nil {
		return nil, fmt.Errorf("store: resume: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: resume: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// gitMetadata captures the current branch and commit, best-effort.
func gitMetadata(ctx context.Context) (branch, commit string) {
	branch = gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	commit = gitOutput(ctx, "rev-parse", "HEAD")
	return branch, commit
}

func gitOutput(ctx context.Context, args ...string) string {
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func workingDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}
