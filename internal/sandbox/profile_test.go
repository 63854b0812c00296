package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeRejectsEmptyProfile(t *testing.T) {
	_, err := Profile{}.Normalize()
	if !errors.Is(err, ErrEmptyProfile) {
		t.Fatalf("expected ErrEmptyProfile, got %v", err)
	}
}

func TestNormalizeProtectsGitMetadata(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := Profile{WritableRoots: []string{repo}}.Normalize()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{filepath.Join(repo, ".git")}
	if diff := cmp.Diff(want, p.ReadOnlyOverrides); diff != "" {
		t.Errorf("read-only overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeResolvesGitFileIndirection(t *testing.T) {
	base := t.TempDir()
	worktree := filepath.Join(base, "wt")
	realGit := filepath.Join(base, "repo", ".git", "worktrees", "wt")
	if err := os.MkdirAll(worktree, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(realGit, 0o755); err != nil {
		t.Fatal(err)
	}
	pointer := "gitdir: " + realGit + "\n"
	if err := os.WriteFile(filepath.Join(worktree, ".git"), []byte(pointer), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := Profile{WritableRoots: []string{worktree}}.Normalize()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, ro := range p.ReadOnlyOverrides {
		if ro == realGit {
			found = true
		}
	}
	if !found {
		t.Errorf("resolved gitdir %s not in read-only overrides %v", realGit, p.ReadOnlyOverrides)
	}
	if p.AllowsWrite(filepath.Join(realGit, "HEAD")) {
		t.Error("write inside resolved git metadata should be denied")
	}
}

func TestNormalizeProtectsStateDir(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(root, ".codeward")
	if err := os.MkdirAll(state, 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := Profile{WritableRoots: []string{root}, StateDir: state}.Normalize()
	if err != nil {
		t.Fatal(err)
	}

	if p.AllowsWrite(filepath.Join(state, "config.json")) {
		t.Error("state directory must stay read-only even under a writable root")
	}
	if !p.AllowsWrite(filepath.Join(root, "main.go")) {
		t.Error("regular file under writable root should be writable")
	}
}

func TestAllowsWrite(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "vendor")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := Profile{
		WritableRoots:     []string{root},
		ReadOnlyOverrides: []string{sub},
	}.Normalize()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "a.txt"), true},
		{filepath.Join(root, "deep", "nested", "b.txt"), true},
		{filepath.Join(sub, "c.txt"), false},
		{filepath.Join(os.TempDir(), "outside.txt"), false},
		{"/etc/passwd", false},
	}
	for _, tc := range cases {
		if got := p.AllowsWrite(tc.path); got != tc.want {
			t.Errorf("AllowsWrite(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestAllowsWriteDeniesUnNormalizedProfile(t *testing.T) {
	root := t.TempDir()
	p := Profile{WritableRoots: []string{root}}

	// Without Normalize the mandatory read-only set is absent, so the
	// predicate refuses everything rather than enforcing a weaker policy.
	if p.AllowsWrite(filepath.Join(root, "a.txt")) {
		t.Error("un-normalized profile must deny all writes")
	}

	n, err := p.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if !n.AllowsWrite(filepath.Join(root, "a.txt")) {
		t.Error("normalized profile should allow writes under its root")
	}
}

func TestNormalizeDeduplicatesRoots(t *testing.T) {
	root := t.TempDir()
	p, err := Profile{WritableRoots: []string{root, root, root + string(filepath.Separator)}}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.WritableRoots) != 1 {
		t.Errorf("expected 1 deduplicated root, got %v", p.WritableRoots)
	}
}
