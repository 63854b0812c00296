package sandbox

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"codeward/internal/logging"
)

// ErrNotStarted is returned when a process operation is attempted before Start.
var ErrNotStarted = errors.New("sandbox: process not started")

// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
const DefaultMaxOutputBytes = 10 * 1024 * 1024

// Command describes a process to confine. It carries no platform details;
// the sandbox implementation decides how to wrap it.
type Command struct {
	Binary string
	Args   []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env entries are appended to the filtered base environment.
	Env []string

	// Stdin, when non-empty, is fed to the process on standard input.
	Stdin string

	// MaxOutputBytes caps each captured stream. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int64
}

// Result holds what a confined process produced.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Capability Capability
}

// ConfinedProcess is a single prepared process under a confinement context.
// Nothing touches the OS until Start; after Start, Interrupt delivers a
// cooperative termination signal and Kill tears down the whole process group.
type ConfinedProcess struct {
	mu sync.Mutex

	cmd        *exec.Cmd
	profile    Profile
	capability Capability

	stdout *limitedWriter
	stderr *limitedWriter

	started   bool
	startedAt time.Time
}

// newConfinedProcess wires up an exec.Cmd for the given wrapper binary and
// argv without starting it.
func newConfinedProcess(cmd Command, profile Profile, cap Capability, binary string, args []string) *ConfinedProcess {
	maxOutput := cmd.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	execCmd := exec.Command(binary, args...)
	execCmd.Dir = cmd.Dir
	execCmd.Env = buildEnvironment(cmd.Env)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout := &limitedWriter{buf: &bytes.Buffer{}, max: maxOutput}
	stderr := &limitedWriter{buf: &bytes.Buffer{}, max: maxOutput}
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	setupProcessGroup(execCmd)

	return &ConfinedProcess{
		cmd:        execCmd,
		profile:    profile,
		capability: cap,
		stdout:     stdout,
		stderr:     stderr,
	}
}

// Profile returns the normalized profile this process runs under.
func (p *ConfinedProcess) Profile() Profile { return p.profile }

// Capability returns the enforcement the process actually has.
func (p *ConfinedProcess) Capability() Capability { return p.capability }

// Start spawns the process.
func (p *ConfinedProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("sandbox: process already started")
	}
	if err := p.cmd.Start(); err != nil {
		return err
	}
	p.started = true
	p.startedAt = time.Now()
	logging.SandboxDebug("Spawned pid %d under %q", p.cmd.Process.Pid, p.capability.Name)
	return nil
}

// Interrupt asks the process to stop cooperatively.
func (p *ConfinedProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	return interruptProcessGroup(p.cmd)
}

// Kill forcefully terminates the process and its children.
func (p *ConfinedProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	return killProcessGroup(p.cmd)
}

// Wait blocks until the process exits and returns its result. A non-zero
// exit is not an error; only spawn or wait infrastructure failures are.
func (p *ConfinedProcess) Wait() (Result, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return Result{}, ErrNotStarted
	}
	cmd := p.cmd
	startedAt := p.startedAt
	p.mu.Unlock()

	err := cmd.Wait()
	finished := time.Now()

	res := Result{
		ExitCode:   -1,
		Stdout:     p.stdout.String(),
		Stderr:     p.stderr.String(),
		Truncated:  p.stdout.truncated || p.stderr.truncated,
		StartedAt:  startedAt,
		FinishedAt: finished,
		Duration:   finished.Sub(startedAt),
		Capability: p.capability,
	}

	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// allowedEnvironment lists host variables a confined process inherits.
var allowedEnvironment = []string{
	"PATH", "HOME", "USER", "SHELL", "LANG", "LC_ALL", "TERM", "TMPDIR",
}

// buildEnvironment filters the host environment down to the allow list and
// appends command-specific entries.
func buildEnvironment(extra []string) []string {
	env := make([]string, 0, len(allowedEnvironment)+len(extra))
	for _, key := range allowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	return append(env, extra...)
}

// limitedWriter caps total bytes written, discarding the rest while still
// reporting full writes to avoid short-write errors from the copier.
type limitedWriter struct {
	buf       *bytes.Buffer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.buf.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.buf.Write(p)
	lw.written += int64(written)
	return written, err
}

func (lw *limitedWriter) String() string { return lw.buf.String() }
