//go:build darwin

package sandbox

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"codeward/internal/logging"
)

// seatbeltSandbox confines processes with sandbox-exec and a generated
// profile. Writes are denied everywhere except the writable roots, with
// read-only overrides denied again on top; later rules win in seatbelt, so
// rule order encodes the precedence directly.
type seatbeltSandbox struct {
	config  Config
	binPath string
}

// newPlatformSandbox returns the seatbelt mechanism when sandbox-exec is
// present, otherwise a degraded sandbox.
func newPlatformSandbox(cfg Config) Sandbox {
	path, err := exec.LookPath("sandbox-exec")
	if err != nil {
		return &degradedSandbox{
			config: cfg,
			detail: "sandbox-exec not found; filesystem writes are not confined",
		}
	}
	return &seatbeltSandbox{config: cfg, binPath: path}
}

func (s *seatbeltSandbox) Capability() Capability {
	return Capability{
		Name:             "seatbelt",
		Platform:         runtime.GOOS,
		WriteConfinement: true,
		SyscallFiltering: true,
		NetworkIsolation: true,
	}
}

func (s *seatbeltSandbox) Confine(cmd Command, profile Profile) (*ConfinedProcess, error) {
	profile, err := profile.Normalize()
	if err != nil {
		return nil, err
	}

	sbpl := s.buildProfile(profile)
	logging.SandboxDebug("seatbelt confinement for %s: %d writable roots, %d read-only overrides",
		cmd.Binary, len(profile.WritableRoots), len(profile.ReadOnlyOverrides))

	args := []string{"-p", sbpl, cmd.Binary}
	args = append(args, cmd.Args...)
	return newConfinedProcess(cmd, profile, s.Capability(), s.binPath, args), nil
}

// buildProfile renders the seatbelt policy. Everything is allowed by
// default, then writes are denied globally, re-allowed under writable
// roots, and denied once more for the read-only overrides.
func (s *seatbeltSandbox) buildProfile(profile Profile) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(allow default)\n")
	b.WriteString("(deny file-write*)\n")

	for _, root := range profile.WritableRoots {
		fmt.Fprintf(&b, "(allow file-write* (subpath %s))\n", sbplQuote(root))
	}
	for _, ro := range profile.ReadOnlyOverrides {
		fmt.Fprintf(&b, "(deny file-write* (subpath %s))\n", sbplQuote(ro))
	}

	// Dangerous operation classes independent of the filesystem policy.
	b.WriteString("(deny process-exec (literal \"/usr/bin/sandbox-exec\"))\n")
	b.WriteString("(deny system-socket)\n")
	if !s.config.AllowNetwork {
		b.WriteString("(deny network*)\n")
	}
	return b.String()
}

// sbplQuote produces a seatbelt string literal.
func sbplQuote(path string) string {
	escaped := strings.ReplaceAll(path, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
