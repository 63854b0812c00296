package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeward/internal/approval"
	"codeward/internal/mcp"
	"codeward/internal/permission"
	"codeward/internal/sandbox"
	"codeward/internal/tools"
)

func newTestRegistry(t *testing.T, descriptors ...*tools.Descriptor) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, d := range descriptors {
		require.NoError(t, r.Register(d))
	}
	r.Seal()
	return r
}

func builtinTool(name string, handler tools.Handler) *tools.Descriptor {
	return &tools.Descriptor{Name: name, Origin: tools.OriginBuiltin, Handler: handler}
}

// gateFor compiles a rule config into a gate with no interactive approver.
func gateFor(t *testing.T, cfg permission.Config) *approval.Gate {
	t.Helper()
	rules, err := permission.NewRuleSet(cfg)
	require.NoError(t, err)
	return approval.NewGate(rules, nil, nil)
}

func allowAllGate(t *testing.T) *approval.Gate {
	return gateFor(t, permission.Config{EnabledTools: []string{"*"}})
}

func TestExecuteOk(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("echo", func(ctx context.Context, args map[string]any) (string, error) {
		return fmt.Sprint(args["message"]), nil
	}))
	exec := New(registry, allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "echo", CallID: "c1", Arguments: map[string]any{"message": "hi"}})
	assert.Equal(t, StatusOk, res.Status)
	assert.Equal(t, "hi", res.Output)
	assert.Empty(t, res.Error)
}

func TestExecuteRequiresCallID(t *testing.T) {
	exec := New(newTestRegistry(t), allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "echo"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "call id")
}

func TestExecuteRejectsDuplicateCallID(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("echo", func(ctx context.Context, args map[string]any) (string, error) {
		return "", nil
	}))
	exec := New(registry, allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	first := turn.Execute(Request{Tool: "echo", CallID: "c1"})
	require.Equal(t, StatusOk, first.Status)

	dup := turn.Execute(Request{Tool: "echo", CallID: "c1"})
	assert.Equal(t, StatusError, dup.Status)
	assert.Contains(t, dup.Error, "duplicate call id")

	// A fresh turn starts a fresh id space.
	next := exec.NewTurn(context.Background())
	defer next.Cancel()
	assert.Equal(t, StatusOk, next.Execute(Request{Tool: "echo", CallID: "c1"}).Status)
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := New(newTestRegistry(t), allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "ghost", CallID: "c1"})
	assert.Equal(t, StatusError, res.Status)
}

func TestExecutePermissionDenied(t *testing.T) {
	var ran bool
	registry := newTestRegistry(t, builtinTool("forbidden", func(ctx context.Context, args map[string]any) (string, error) {
		ran = true
		return "", nil
	}))
	gate := gateFor(t, permission.Config{Tools: map[string]permission.Level{"forbidden": permission.LevelNever}})
	exec := New(registry, gate, DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "forbidden", CallID: "c1"})
	assert.Equal(t, StatusPermissionDenied, res.Status)
	assert.False(t, ran, "handler must not run after a denial")
}

func TestExecuteTimesOut(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("slow", func(ctx context.Context, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	exec := New(registry, allowAllGate(t), Config{DefaultTimeout: time.Minute, GracePeriod: 50 * time.Millisecond})
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "slow", CallID: "c1", Timeout: 20 * time.Millisecond})
	assert.Equal(t, StatusTimedOut, res.Status)
}

func TestTurnCancelWinsOverDeadline(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("slow", func(ctx context.Context, args map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	exec := New(registry, allowAllGate(t), Config{DefaultTimeout: time.Minute, GracePeriod: 50 * time.Millisecond})
	turn := exec.NewTurn(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		turn.Cancel()
	}()
	res := turn.Execute(Request{Tool: "slow", CallID: "c1"})
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestExecuteRecoversPanic(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("boom", func(ctx context.Context, args map[string]any) (string, error) {
		panic("kaboom")
	}))
	exec := New(registry, allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "boom", CallID: "c1"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "tool panicked")
}

func TestClassifyInfrastructureSentinels(t *testing.T) {
	registry := newTestRegistry(t,
		builtinTool("shelly", func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("confine: %w", sandbox.ErrUnavailable)
		}),
		builtinTool("remote", func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("mcp notes degraded: %w", mcp.ErrConnectionUnavailable)
		}),
	)
	exec := New(registry, allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	assert.Equal(t, StatusSandboxUnavailable, turn.Execute(Request{Tool: "shelly", CallID: "c1"}).Status)
	assert.Equal(t, StatusConnectionUnavailable, turn.Execute(Request{Tool: "remote", CallID: "c2"}).Status)
}

func TestExecuteValidatesRequiredArgs(t *testing.T) {
	registry := newTestRegistry(t, &tools.Descriptor{
		Name:   "needy",
		Origin: tools.OriginBuiltin,
		Schema: tools.Schema{Required: []string{"path"}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", nil
		},
	})
	exec := New(registry, allowAllGate(t), DefaultConfig())
	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()

	res := turn.Execute(Request{Tool: "needy", CallID: "c1"})
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorContains(t, errors.New(res.Error), "path")
}

func TestAuditEvents(t *testing.T) {
	registry := newTestRegistry(t, builtinTool("echo", func(ctx context.Context, args map[string]any) (string, error) {
		return "", nil
	}))
	gate := gateFor(t, permission.Config{
		EnabledTools: []string{"echo"},
		Tools:        map[string]permission.Level{"secret": permission.LevelNever},
	})
	exec := New(registry, gate, DefaultConfig())

	var mu sync.Mutex
	var events []Event
	exec.SetAuditCallback(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	turn := exec.NewTurn(context.Background())
	defer turn.Cancel()
	turn.Execute(Request{Tool: "echo", CallID: "c1"})
	turn.Execute(Request{Tool: "echo", CallID: ""})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventComplete, events[1].Type)
	assert.Equal(t, StatusOk, events[1].Status)
	assert.Equal(t, EventRejected, events[2].Type)
}
