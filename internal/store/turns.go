package store

import (
	"context"
	"fmt"
	"time"

	"codeward/internal/logging"
)

// Turn is one appended record in a session's log.
type Turn struct {
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Compaction bool      `json:"compaction,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Append adds one turn to the end of a session's log and returns its
// sequence number. Existing turns are never touched.
func (s *Store) Append(ctx context.Context, turn Turn) (int64, error) {
	if turn.SessionID == "" {
		return 0, fmt.Errorf("store: append: empty session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, turn.SessionID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, turn.SessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, turn.SessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}

	compaction := 0
	if turn.Compaction {
		compaction = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, role, content, tool_call_id, is_compaction)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, seq, turn.Role, turn.Content, turn.ToolCallID, compaction); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, turn.SessionID); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: append: %w", err)
	}

	logging.SessionDebug("Appended turn %d to session %s (role=%s)", seq, turn.SessionID, turn.Role)
	return seq, nil
}

// AppendText is the convenience form used by delegation session records.
func (s *Store) AppendText(ctx context.Context, sessionID, role, content string) error {
	_, err := s.Append(ctx, Turn{SessionID: sessionID, Role: role, Content: content})
	return err
}

// AppendCompaction appends a summary turn that replaces everything before
// it. Compacted turns stay in the database untouched; LoadWindow just
// stops returning them.
func (s *Store) AppendCompaction(ctx context.Context, sessionID, summary string) (int64, error) {
	seq, err := s.Append(ctx, Turn{
		SessionID:  sessionID,
		Role:       "summary",
		Content:    summary,
		Compaction: true,
	})
	if err != nil {
		return 0, err
	}
	logging.Session("Compacted session %s at seq %d", sessionID, seq)
	return seq, nil
}

// LoadWindow returns up to count turns ending just before beforeCursor
// (0 means "from the end"), in ascending sequence order, plus a cursor
// for the next older page. A zero cursor means there is nothing older.
// Turns at or before the newest compaction boundary are never returned;
// the compaction summary turn itself is.
func (s *Store) LoadWindow(ctx context.Context, sessionID string, count int, beforeCursor int64) ([]Turn, int64, error) {
	if count <= 0 {
		count = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest compaction seq, if any; older turns are compacted away.
	var boundary int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ? AND is_compaction = 1`,
		sessionID).Scan(&boundary); err != nil {
		return nil, 0, fmt.Errorf("store: load window: %w", err)
	}

	cursor := beforeCursor
	if cursor <= 0 {
		cursor = int64(^uint64(0) >> 1)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, role, content, tool_call_id, is_compaction, created_at
		 FROM turns
		 WHERE session_id = ? AND seq < ? AND seq >= ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		sessionID, cursor, boundary, count)
	if err != nil {
		return nil, 0, fmt.Errorf("store: load window: %w", err)
	}
	defer rows.Close()

	var window []Turn
	for rows.Next() {
		var t Turn
		var compaction int
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.Role, &t.Content, &t.ToolCallID, &compaction, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: load window: %w", err)
		}
		t.Compaction = compaction == 1
		window = append(window, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Rows came newest-first; flip to reading order.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}

	oldest := boundary
	if oldest == 0 {
		oldest = 1
	}
	var next int64
	if len(window) > 0 && window[0].Seq > oldest {
		next = window[0].Seq
	}
	return window, next, nil
}
