//go:build linux

package sandbox

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"codeward/internal/logging"
)

// bubblewrapSandbox confines processes with bwrap. The whole filesystem is
// bind-mounted read-only, writable roots are re-bound writable, and
// read-only overrides are re-bound read-only on top of them. PID, IPC and
// UTS namespaces are always unshared; mount operations and cross-process
// ptrace are unavailable to the confined process because it runs in an
// unprivileged user namespace with no capabilities.
type bubblewrapSandbox struct {
	config  Config
	binPath string
}

// newPlatformSandbox returns the strongest mechanism available on Linux:
// bubblewrap when installed and working, otherwise a degraded sandbox.
func newPlatformSandbox(cfg Config) Sandbox {
	if path, ok := detectBubblewrap(); ok {
		return &bubblewrapSandbox{config: cfg, binPath: path}
	}
	return &degradedSandbox{
		config: cfg,
		detail: "bwrap not found; filesystem writes are not confined",
	}
}

// detectBubblewrap checks that bwrap exists and can create a sandbox at all
// (user namespaces may be disabled kernel-side).
func detectBubblewrap() (string, bool) {
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := exec.CommandContext(ctx, path,
		"--ro-bind", "/", "/",
		"--unshare-pid",
		"--die-with-parent",
		"/bin/true")
	if err := probe.Run(); err != nil {
		logging.SandboxDebug("bwrap probe failed: %v", err)
		return "", false
	}
	return path, true
}

func (s *bubblewrapSandbox) Capability() Capability {
	return Capability{
		Name:             "bubblewrap",
		Platform:         runtime.GOOS,
		WriteConfinement: true,
		SyscallFiltering: true,
		NetworkIsolation: true,
	}
}

func (s *bubblewrapSandbox) Confine(cmd Command, profile Profile) (*ConfinedProcess, error) {
	profile, err := profile.Normalize()
	if err != nil {
		return nil, err
	}

	args := s.buildArgs(cmd, profile)
	logging.SandboxDebug("bwrap confinement for %s: %d writable roots, %d read-only overrides",
		cmd.Binary, len(profile.WritableRoots), len(profile.ReadOnlyOverrides))
	return newConfinedProcess(cmd, profile, s.Capability(), s.binPath, args), nil
}

// buildArgs translates a profile into bwrap mount arguments. Bind order
// matters: later binds shadow earlier ones, so overrides come last.
func (s *bubblewrapSandbox) buildArgs(cmd Command, profile Profile) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--new-session",
	}

	if !s.config.AllowNetwork {
		args = append(args, "--unshare-net")
	}

	for _, root := range profile.WritableRoots {
		args = append(args, "--bind", root, root)
	}
	for _, ro := range profile.ReadOnlyOverrides {
		args = append(args, "--ro-bind-try", ro, ro)
	}

	if cmd.Dir != "" {
		args = append(args, "--chdir", cmd.Dir)
	}

	args = append(args, "--")
	args = append(args, cmd.Binary)
	args = append(args, cmd.Args...)
	return args
}
