package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeward/internal/logging"
	"codeward/internal/sandbox"
	"codeward/internal/tools"
)

// ShellToolName is the builtin shell tool identifier.
const ShellToolName = "shell"

// NewShellTool builds the descriptor for the confined shell tool. Every
// invocation gets its own confinement context; the handler drives the
// cooperative-cancel-then-kill ladder when its context dies.
func NewShellTool(box sandbox.Sandbox, profile sandbox.Profile, grace time.Duration) *tools.Descriptor {
	if grace <= 0 {
		grace = DefaultConfig().GracePeriod
	}
	return &tools.Descriptor{
		Name:        ShellToolName,
		Origin:      tools.OriginBuiltin,
		Description: "Run a shell command inside the sandbox.",
		Schema: tools.Schema{
			Required: []string{"command"},
			Properties: map[string]tools.Property{
				"command": {Type: "string", Description: "Command line passed to sh -c"},
				"workdir": {Type: "string", Description: "Working directory (defaults to the first writable root)"},
			},
		},
		Handler:      shellHandler(box, profile, grace),
		NeedsProcess: true,
		WritesFiles:  true,
	}
}

func shellHandler(box sandbox.Sandbox, profile sandbox.Profile, grace time.Duration) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		command, _ := args["command"].(string)
		if command == "" {
			return "", fmt.Errorf("command is required")
		}

		dir, _ := args["workdir"].(string)
		if dir == "" && len(profile.WritableRoots) > 0 {
			dir = profile.WritableRoots[0]
		}

		proc, err := box.Confine(sandbox.Command{
			Binary: "/bin/sh",
			Args:   []string{"-c", command},
			Dir:    dir,
		}, profile)
		if err != nil {
			return "", err
		}
		if err := proc.Start(); err != nil {
			return "", fmt.Errorf("spawn failed: %w", err)
		}

		type waitResult struct {
			res sandbox.Result
			err error
		}
		done := make(chan waitResult, 1)
		go func() {
			res, err := proc.Wait()
			done <- waitResult{res, err}
		}()

		select {
		case w := <-done:
			return formatShellOutput(w.res), w.err
		case <-ctx.Done():
		}

		// Deadline or turn cancellation: SIGTERM the group, wait out the
		// grace period, then SIGKILL.
		if err := proc.Interrupt(); err != nil {
			logging.ExecutorWarn("Interrupt failed for shell call: %v", err)
		}
		select {
		case <-done:
		case <-time.After(grace):
			proc.Kill()
			<-done
		}
		return "", ctx.Err()
	}
}

// formatShellOutput renders a completed process for the model: combined
// output plus the exit code when non-zero.
func formatShellOutput(res sandbox.Result) string {
	var b strings.Builder
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(res.Stderr)
	}
	if res.Truncated {
		b.WriteString("\n[output truncated]")
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&b, "\n[exit code %d]", res.ExitCode)
	}
	return b.String()
}
