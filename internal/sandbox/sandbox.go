// Package sandbox confines shell and tool processes to a declared set of
// writable filesystem roots. Each platform provides its own enforcement
// mechanism; a platform that cannot enforce anything reports itself as
// degraded instead of pretending parity.
package sandbox

import (
	"errors"
	"fmt"
	"runtime"

	"codeward/internal/logging"
)

// ErrUnavailable is returned when no confinement mechanism exists on this
// platform and the fallback policy forbids degraded execution.
var ErrUnavailable = errors.New("sandbox: no confinement available on this platform")

// FallbackPolicy controls what happens when the platform cannot provide
// real confinement.
type FallbackPolicy string

const (
	// FallbackDegrade runs the process anyway with best-effort restrictions
	// and a degraded capability flag the caller can inspect.
	FallbackDegrade FallbackPolicy = "degrade"

	// FallbackRefuse rejects execution outright.
	FallbackRefuse FallbackPolicy = "refuse"
)

// Capability describes what a Sandbox implementation actually enforces.
type Capability struct {
	// Name identifies the mechanism ("bubblewrap", "seatbelt", "degraded").
	Name string

	// Platform is the GOOS this capability was probed on.
	Platform string

	// WriteConfinement is true when writes outside the profile's writable
	// roots are blocked by the OS, not merely discouraged.
	WriteConfinement bool

	// SyscallFiltering is true when dangerous syscall classes (mounts,
	// ptrace, raw binds) are restricted for the confined process.
	SyscallFiltering bool

	// NetworkIsolation is true when the mechanism can cut network access.
	NetworkIsolation bool

	// Degraded is true when the sandbox runs processes without real
	// confinement. Callers surface this to the user.
	Degraded bool

	// Detail is a human-readable note about the degradation or mechanism.
	Detail string
}

// Sandbox builds confined processes. Implementations are selected once at
// startup and are safe for concurrent use; each Confine call produces an
// independent confinement context.
type Sandbox interface {
	// Capability reports what this sandbox enforces.
	Capability() Capability

	// Confine prepares cmd for execution under profile. It performs no
	// side effects: nothing is spawned, mounted, or written until the
	// returned process is started.
	Confine(cmd Command, profile Profile) (*ConfinedProcess, error)
}

// Config controls sandbox selection.
type Config struct {
	// Fallback decides between degraded execution and refusal when the
	// platform has no native mechanism.
	Fallback FallbackPolicy `json:"fallback"`

	// AllowNetwork keeps network access available inside the sandbox.
	// Tool processes routinely need it, so the default is true.
	AllowNetwork bool `json:"allow_network"`
}

// DefaultConfig returns the standard sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Fallback:     FallbackDegrade,
		AllowNetwork: true,
	}
}

// New selects the strongest confinement mechanism this platform offers.
// With FallbackRefuse it returns ErrUnavailable instead of a degraded
// sandbox.
func New(cfg Config) (Sandbox, error) {
	sb := newPlatformSandbox(cfg)
	cap := sb.Capability()

	if cap.Degraded && cfg.Fallback == FallbackRefuse {
		logging.SandboxWarn("No native confinement on %s and policy is refuse", runtime.GOOS)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, cap.Detail)
	}

	if cap.Degraded {
		logging.SandboxWarn("Running degraded: %s", cap.Detail)
	} else {
		logging.Sandbox("Selected sandbox %q (syscall filtering=%v, network isolation=%v)",
			cap.Name, cap.SyscallFiltering, cap.NetworkIsolation)
	}
	return sb, nil
}

// degradedSandbox executes commands without OS-level confinement. The only
// restriction it applies is the working directory of the spawned process.
// Every platform falls back to it when nothing stronger is available.
type degradedSandbox struct {
	config Config
	detail string
}

func (s *degradedSandbox) Capability() Capability {
	return Capability{
		Name:     "degraded",
		Platform: runtime.GOOS,
		Degraded: true,
		Detail:   s.detail,
	}
}

func (s *degradedSandbox) Confine(cmd Command, profile Profile) (*ConfinedProcess, error) {
	profile, err := profile.Normalize()
	if err != nil {
		return nil, err
	}
	logging.SandboxDebug("Degraded confinement for %s (no enforcement)", cmd.Binary)
	return newConfinedProcess(cmd, profile, s.Capability(), cmd.Binary, cmd.Args), nil
}
