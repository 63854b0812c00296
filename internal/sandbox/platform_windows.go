//go:build windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// newPlatformSandbox has no native confinement mechanism on Windows; the
// caller's fallback policy decides between degraded execution and refusal.
func newPlatformSandbox(cfg Config) Sandbox {
	return &degradedSandbox{
		config: cfg,
		detail: "no confinement mechanism on windows; working directory restriction only",
	}
}

// setupProcessGroup creates the process in a new group so Ctrl events and
// kills do not leak to the parent console.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// interruptProcessGroup has no reliable cooperative signal on Windows;
// callers fall through to Kill after the grace period.
func interruptProcessGroup(cmd *exec.Cmd) error {
	return nil
}

// killProcessGroup terminates the process.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
