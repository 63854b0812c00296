package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codeward/internal/approval"
	"codeward/internal/logging"
	"codeward/internal/mcp"
	"codeward/internal/sandbox"
	"codeward/internal/tools"
)

// Config controls execution timing.
type Config struct {
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// GracePeriod is how long a cooperatively-cancelled operation gets to
	// wind down before it is abandoned or force-killed.
	GracePeriod time.Duration `json:"grace_period"`
}

// DefaultConfig returns the standard executor timing.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
		GracePeriod:    5 * time.Second,
	}
}

// Executor runs tool calls for a session. It is safe for concurrent use;
// calls share no mutable state beyond the approval gate's always-cache.
type Executor struct {
	registry *tools.Registry
	gate     *approval.Gate
	config   Config

	mu            sync.RWMutex
	auditCallback func(Event)
}

// New creates an executor over a sealed registry and an approval gate.
func New(registry *tools.Registry, gate *approval.Gate, config Config) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultConfig().GracePeriod
	}
	return &Executor{
		registry: registry,
		gate:     gate,
		config:   config,
	}
}

// SetAuditCallback registers a callback for execution audit events.
func (e *Executor) SetAuditCallback(callback func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *Executor) emitAudit(event Event) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()
	if callback != nil {
		callback(event)
	}
}

// Turn scopes a batch of tool calls to one conversation turn. Call IDs are
// unique within a turn, and cancelling the turn propagates to every
// in-flight call.
type Turn struct {
	exec   *Executor
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	seen map[string]bool
}

// NewTurn begins a turn under the given parent context.
func (e *Executor) NewTurn(ctx context.Context) *Turn {
	turnCtx, cancel := context.WithCancel(ctx)
	return &Turn{
		exec:   e,
		ctx:    turnCtx,
		cancel: cancel,
		seen:   make(map[string]bool),
	}
}

// Cancel interrupts every running call in the turn. Idempotent.
func (t *Turn) Cancel() {
	t.cancel()
}

// Execute runs one tool call to a typed result. It never panics and never
// returns an error: every failure mode is a Result status.
func (t *Turn) Execute(req Request) Result {
	start := time.Now()
	res := Result{CallID: req.CallID, Tool: req.Tool}

	fail := func(status Status, format string, args ...any) Result {
		res.Status = status
		res.Error = fmt.Sprintf(format, args...)
		res.Duration = time.Since(start)
		t.exec.emitAudit(Event{Type: EventRejected, Tool: req.Tool, CallID: req.CallID, Status: status, Timestamp: time.Now()})
		return res
	}

	if req.CallID == "" {
		return fail(StatusError, "call id is required")
	}
	t.mu.Lock()
	if t.seen[req.CallID] {
		t.mu.Unlock()
		return fail(StatusError, "duplicate call id %q in turn", req.CallID)
	}
	t.seen[req.CallID] = true
	t.mu.Unlock()

	desc, err := t.exec.registry.Get(req.Tool)
	if err != nil {
		return fail(StatusError, "%v", err)
	}
	if err := desc.ValidateArgs(req.Arguments); err != nil {
		return fail(StatusError, "%v", err)
	}

	// Approval happens before any confinement setup so a denial costs
	// nothing but the prompt.
	if err := t.exec.gate.RequestApproval(t.ctx, req.Tool, req.CallID); err != nil {
		switch {
		case errors.Is(err, approval.ErrPermissionDenied):
			return fail(StatusPermissionDenied, "%v", err)
		case errors.Is(err, context.Canceled):
			return fail(StatusCancelled, "turn cancelled during approval")
		default:
			return fail(StatusError, "approval failed: %v", err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.exec.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	t.exec.emitAudit(Event{Type: EventStart, Tool: req.Tool, CallID: req.CallID, Timestamp: time.Now()})
	logging.ExecutorDebug("Executing %s (call=%s, timeout=%s)", req.Tool, req.CallID, timeout)

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := desc.Handler(execCtx, req.Arguments)
		done <- outcome{output: output, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		// The handler saw the cancellation through its context; give it the
		// grace period to wind down (confined processes use it to go from
		// SIGTERM to SIGKILL), then stop waiting.
		select {
		case out = <-done:
		case <-time.After(t.exec.config.GracePeriod):
			out = outcome{err: execCtx.Err()}
			logging.ExecutorWarn("Tool %s (call=%s) ignored cancellation past the grace period", req.Tool, req.CallID)
		}
	}

	res.Duration = time.Since(start)
	res.Output = out.output
	t.classify(&res, out.err, execCtx)

	eventType := EventComplete
	if res.Status == StatusTimedOut || res.Status == StatusCancelled {
		eventType = EventKilled
	}
	t.exec.emitAudit(Event{Type: eventType, Tool: req.Tool, CallID: req.CallID, Status: res.Status, Timestamp: time.Now()})
	logging.Executor("Tool %s (call=%s) -> %s in %s", req.Tool, req.CallID, res.Status, res.Duration)
	return res
}

// classify maps a handler error onto the result taxonomy. Turn cancellation
// wins over the per-call deadline when both contexts are dead.
func (t *Turn) classify(res *Result, err error, execCtx context.Context) {
	switch {
	case err == nil:
		res.Status = StatusOk
	case errors.Is(err, sandbox.ErrUnavailable):
		res.Status = StatusSandboxUnavailable
		res.Error = err.Error()
	case errors.Is(err, mcp.ErrConnectionUnavailable):
		res.Status = StatusConnectionUnavailable
		res.Error = err.Error()
	case t.ctx.Err() != nil && errors.Is(t.ctx.Err(), context.Canceled):
		res.Status = StatusCancelled
		res.Error = "turn cancelled"
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimedOut
		res.Error = "deadline exceeded"
	default:
		res.Status = StatusError
		res.Error = err.Error()
	}
}
