package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func beginSession(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.BeginSession(context.Background(), "test session", "")
	if err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	return id
}

func TestAppendAndLoadWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := beginSession(t, s)

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(ctx, Turn{SessionID: id, Role: "user", Content: fmt.Sprintf("turn %d", i)})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if seq != int64(i) {
			t.Errorf("Expected seq %d, got %d", i, seq)
		}
	}

	window, cursor, err := s.LoadWindow(ctx, id, 3, 0)
	if err != nil {
		t.Fatalf("LoadWindow failed: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("Expected 3 turns, got %d", len(window))
	}
	if window[0].Content != "turn 3" || window[2].Content != "turn 5" {
		t.Errorf("Window out of order: %q .. %q", window[0].Content, window[2].Content)
	}
	if cursor != 3 {
		t.Errorf("Expected cursor 3, got %d", cursor)
	}

	// Older page via the cursor.
	older, cursor, err := s.LoadWindow(ctx, id, 3, cursor)
	if err != nil {
		t.Fatalf("LoadWindow (older) failed: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("Expected 2 older turns, got %d", len(older))
	}
	if older[0].Content != "turn 1" {
		t.Errorf("Expected oldest turn first, got %q", older[0].Content)
	}
	if cursor != 0 {
		t.Errorf("Expected exhausted cursor, got %d", cursor)
	}
}

func TestAppendRequiresSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(context.Background(), Turn{SessionID: "missing", Role: "user", Content: "x"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestLoadWindowHonorsCompaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := beginSession(t, s)

	for i := 1; i <= 4; i++ {
		if _, err := s.Append(ctx, Turn{SessionID: id, Role: "user", Content: fmt.Sprintf("old %d", i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	boundary, err := s.AppendCompaction(ctx, id, "summary of 1-4")
	if err != nil {
		t.Fatalf("AppendCompaction failed: %v", err)
	}
	if _, err := s.Append(ctx, Turn{SessionID: id, Role: "user", Content: "new 1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	window, cursor, err := s.LoadWindow(ctx, id, 50, 0)
	if err != nil {
		t.Fatalf("LoadWindow failed: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("Expected summary + 1 turn, got %d turns", len(window))
	}
	if !window[0].Compaction || window[0].Seq != boundary {
		t.Errorf("Expected window to start at the compaction summary, got seq %d", window[0].Seq)
	}
	if window[1].Content != "new 1" {
		t.Errorf("Expected post-compaction turn, got %q", window[1].Content)
	}
	if cursor != 0 {
		t.Errorf("Compacted turns must not be reachable; got cursor %d", cursor)
	}
}

func TestResumeExactAndPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := beginSession(t, s)

	got, err := s.Resume(ctx, id)
	if err != nil || got != id {
		t.Fatalf("Exact resume failed: %v (got %q)", err, got)
	}

	got, err = s.Resume(ctx, id[:8])
	if err != nil || got != id {
		t.Fatalf("Prefix resume failed: %v (got %q)", err, got)
	}
}

func TestResumeAmbiguous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// UUIDs share no guaranteed prefix, so force colliding IDs directly.
	for _, id := range []string{"deadbeef-1", "deadbeef-2"} {
		if _, err := s.db.Exec(`INSERT INTO sessions (id) VALUES (?)`, id); err != nil {
			t.Fatalf("Seed session failed: %v", err)
		}
	}

	_, err := s.Resume(ctx, "deadbeef")
	if !errors.Is(err, ErrAmbiguousSessionID) {
		t.Errorf("Expected ErrAmbiguousSessionID, got %v", err)
	}
}

func TestResumeTreatsFragmentLiterally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// "a_c" must not match "abc-1" through the LIKE underscore wildcard.
	for _, id := range []string{"abc-1", "a_c-9"} {
		if _, err := s.db.Exec(`INSERT INTO sessions (id) VALUES (?)`, id); err != nil {
			t.Fatalf("Seed session failed: %v", err)
		}
	}

	got, err := s.Resume(ctx, "a_c")
	if err != nil || got != "a_c-9" {
		t.Fatalf("Literal fragment resume failed: %v (got %q)", err, got)
	}

	if _, err := s.Resume(ctx, "%"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Bare wildcard fragment must not match; got %v", err)
	}
}

func TestResumeNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resume(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestResumeSubstringFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO sessions (id) VALUES ('abc-unique-xyz')`); err != nil {
		t.Fatalf("Seed session failed: %v", err)
	}

	got, err := s.Resume(ctx, "unique")
	if err != nil || got != "abc-unique-xyz" {
		t.Fatalf("Substring resume failed: %v (got %q)", err, got)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := beginSession(t, s)
	second := beginSession(t, s)

	// Touch the first session so it sorts newest.
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = datetime('now', '+1 hour') WHERE id = ?`, first); err != nil {
		t.Fatalf("Touch session failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != first || sessions[1].ID != second {
		t.Errorf("Expected update-time ordering, got %q then %q", sessions[0].ID, sessions[1].ID)
	}
}
