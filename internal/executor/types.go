// Package executor runs single tool invocations under the approval gate and
// sandbox, converting every failure mode into a typed result. Nothing
// panics or errors across the Execute boundary.
package executor

import (
	"time"
)

// Status classifies how a tool call ended.
type Status string

const (
	// StatusOk means the tool completed and produced output.
	StatusOk Status = "ok"

	// StatusError means the tool ran but failed.
	StatusError Status = "error"

	// StatusTimedOut means the deadline elapsed; the operation was
	// cooperatively cancelled, then force-terminated after the grace period.
	StatusTimedOut Status = "timed_out"

	// StatusCancelled means the turn was interrupted by the user.
	StatusCancelled Status = "cancelled"

	// StatusPermissionDenied means rules or the human denied the call; the
	// tool never executed.
	StatusPermissionDenied Status = "permission_denied"

	// StatusSandboxUnavailable means confinement could not be provided and
	// policy forbade degraded execution.
	StatusSandboxUnavailable Status = "sandbox_unavailable"

	// StatusConnectionUnavailable means the MCP server backing the tool is
	// degraded or closed.
	StatusConnectionUnavailable Status = "connection_unavailable"
)

// Request is a single tool invocation within a turn.
type Request struct {
	// Tool is the fully-qualified tool name.
	Tool string

	// Arguments are the tool's call arguments.
	Arguments map[string]any

	// CallID correlates the asynchronous completion; unique per turn.
	CallID string

	// Timeout bounds the call. Zero means the executor default.
	Timeout time.Duration
}

// Result is what every tool call produces, success or not.
type Result struct {
	CallID   string
	Tool     string
	Status   Status
	Output   string
	Error    string
	Duration time.Duration

	// SideEffects lists externally visible effects the call reported,
	// e.g. files written.
	SideEffects []string
}

// EventType classifies executor audit events.
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventKilled   EventType = "killed"
	EventRejected EventType = "rejected"
)

// Event is an audit record for one execution lifecycle point.
type Event struct {
	Type      EventType
	Tool      string
	CallID    string
	Status    Status
	Timestamp time.Time
}
