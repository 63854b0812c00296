package sandbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDegradedSandboxReportsItself(t *testing.T) {
	sb := &degradedSandbox{config: DefaultConfig(), detail: "test"}
	cap := sb.Capability()
	if !cap.Degraded {
		t.Error("degraded sandbox must set the Degraded flag")
	}
	if cap.WriteConfinement || cap.SyscallFiltering {
		t.Error("degraded sandbox must not claim enforcement it cannot provide")
	}
}

func TestConfineIsSideEffectFree(t *testing.T) {
	sb := &degradedSandbox{config: DefaultConfig()}
	proc, err := sb.Confine(Command{Binary: "true"}, Profile{WritableRoots: []string{t.TempDir()}})
	if err != nil {
		t.Fatal(err)
	}

	// Nothing spawned yet: signalling must report the process as not started.
	if err := proc.Interrupt(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Interrupt before Start = %v, want ErrNotStarted", err)
	}
	if err := proc.Kill(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Kill before Start = %v, want ErrNotStarted", err)
	}
	if _, err := proc.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait before Start = %v, want ErrNotStarted", err)
	}
}

func TestConfineRejectsEmptyProfile(t *testing.T) {
	sb := &degradedSandbox{config: DefaultConfig()}
	_, err := sb.Confine(Command{Binary: "true"}, Profile{})
	if !errors.Is(err, ErrEmptyProfile) {
		t.Fatalf("expected ErrEmptyProfile, got %v", err)
	}
}

func newTestLimitedWriter(max int64) *limitedWriter {
	return &limitedWriter{buf: &bytes.Buffer{}, max: max}
}

func TestLimitedWriterTruncates(t *testing.T) {
	lw := newTestLimitedWriter(10)

	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Errorf("Write reported %d bytes, want 16 to avoid short-write errors", n)
	}
	if got := lw.String(); got != "0123456789" {
		t.Errorf("captured %q, want first 10 bytes", got)
	}
	if !lw.truncated {
		t.Error("truncated flag not set")
	}

	// Further writes are discarded entirely.
	if _, err := lw.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if got := lw.String(); got != "0123456789" {
		t.Errorf("captured %q after overflow write", got)
	}
}

func TestLimitedWriterUnderLimit(t *testing.T) {
	lw := newTestLimitedWriter(100)
	payload := strings.Repeat("x", 50)
	if _, err := lw.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	if lw.truncated {
		t.Error("truncated flag set below the limit")
	}
	if lw.String() != payload {
		t.Error("payload not captured verbatim")
	}
}

func TestBuildEnvironmentFiltersHost(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "hunter2")

	env := buildEnvironment([]string{"EXTRA=1"})
	var sawPath, sawExtra bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "SECRET_TOKEN=") {
			t.Error("unlisted host variable leaked into the sandbox environment")
		}
		if kv == "PATH=/usr/bin" {
			sawPath = true
		}
		if kv == "EXTRA=1" {
			sawExtra = true
		}
	}
	if !sawPath {
		t.Error("PATH not inherited")
	}
	if !sawExtra {
		t.Error("command environment entry dropped")
	}
}
