package sandbox

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptyProfile is returned when a profile declares no writable roots.
var ErrEmptyProfile = errors.New("sandbox: profile has no writable roots")

// Profile declares where a confined process may write. Everything outside
// WritableRoots is read-only; ReadOnlyOverrides carve read-only islands out
// of the writable roots. Version-control metadata and the tool's own state
// directory are always read-only regardless of what the profile declares.
type Profile struct {
	// WritableRoots are directories the confined process may write under.
	WritableRoots []string `json:"writable_roots"`

	// ReadOnlyOverrides are paths inside writable roots that stay read-only.
	ReadOnlyOverrides []string `json:"read_only_overrides"`

	// StateDir is the tool's own configuration/state directory. It is
	// forced read-only even when it falls under a writable root.
	StateDir string `json:"state_dir,omitempty"`

	// normalized records that Normalize folded in the mandatory read-only
	// set. AllowsWrite denies everything until it is set.
	normalized bool
}

// Normalize returns a copy with absolute, cleaned, deduplicated paths and
// the mandatory read-only set folded into ReadOnlyOverrides. Confine calls
// it internally, and AllowsWrite refuses profiles that skipped it.
func (p Profile) Normalize() (Profile, error) {
	if len(p.WritableRoots) == 0 {
		return Profile{}, ErrEmptyProfile
	}

	roots := make([]string, 0, len(p.WritableRoots))
	seen := make(map[string]bool)
	for _, r := range p.WritableRoots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return Profile{}, fmt.Errorf("sandbox: bad writable root %q: %w", r, err)
		}
		abs = filepath.Clean(abs)
		if !seen[abs] {
			seen[abs] = true
			roots = append(roots, abs)
		}
	}

	overrides := make(map[string]bool)
	for _, o := range p.ReadOnlyOverrides {
		abs, err := filepath.Abs(o)
		if err != nil {
			return Profile{}, fmt.Errorf("sandbox: bad read-only override %q: %w", o, err)
		}
		overrides[filepath.Clean(abs)] = true
	}

	for _, path := range mandatoryReadOnly(roots, p.StateDir) {
		overrides[path] = true
	}

	out := Profile{
		WritableRoots: roots,
		StateDir:      p.StateDir,
		normalized:    true,
	}
	for path := range overrides {
		out.ReadOnlyOverrides = append(out.ReadOnlyOverrides, path)
	}
	sort.Strings(out.ReadOnlyOverrides)
	return out, nil
}

// AllowsWrite reports whether the profile permits writing to path. It is the
// reference predicate every platform mechanism must agree with, and the
// only check the degraded sandbox can offer. A profile that has not been
// through Normalize denies every path, since without normalization the
// mandatory read-only set is missing.
func (p Profile) AllowsWrite(path string) bool {
	if !p.normalized {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)

	for _, ro := range p.ReadOnlyOverrides {
		if abs == ro || strings.HasPrefix(abs, ro+string(filepath.Separator)) {
			return false
		}
	}
	for _, root := range p.WritableRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// mandatoryReadOnly computes the paths that are read-only no matter what the
// profile says: version-control metadata under each writable root and the
// tool's own state directory.
func mandatoryReadOnly(roots []string, stateDir string) []string {
	var paths []string
	for _, root := range roots {
		if vcs, ok := vcsMetadataDir(root); ok {
			paths = append(paths, vcs)
		}
	}
	if stateDir != "" {
		if abs, err := filepath.Abs(stateDir); err == nil {
			paths = append(paths, filepath.Clean(abs))
		}
	}
	return paths
}

// vcsMetadataDir locates the version-control metadata directory for root.
// A .git entry may be a plain directory or, in worktrees and submodules, a
// file containing "gitdir: <path>"; the indirection is resolved so the real
// metadata directory is protected, not just the pointer file.
func vcsMetadataDir(root string) (string, bool) {
	gitPath := filepath.Join(root, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		return gitPath, true
	}
	target, err := resolveGitFile(gitPath)
	if err != nil {
		// Protect the pointer file itself if the target cannot be read.
		return gitPath, true
	}
	return target, true
}

// resolveGitFile reads a .git pointer file and returns the directory it
// names, resolved relative to the pointer's location.
func resolveGitFile(gitFile string) (string, error) {
	f, err := os.Open(gitFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "gitdir:") {
			continue
		}
		target := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
		if target == "" {
			break
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(gitFile), target)
		}
		return filepath.Clean(target), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("sandbox: %s has no gitdir entry", gitFile)
}
