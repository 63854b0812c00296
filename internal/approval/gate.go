// Package approval turns "ask" permission verdicts into blocking requests to an
// external approver, with per-session memoization of "always allow" grants.
// The always-cache lives for the process lifetime only and is never persisted.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"codeward/internal/logging"
	"codeward/internal/permission"
)

// ErrPermissionDenied is returned when the resolver or the approver rejects a call.
var ErrPermissionDenied = errors.New("permission denied")

// Scope indicates how long a grant applies.
type Scope string

const (
	// ScopeOnce applies to the single call that prompted.
	ScopeOnce Scope = "once"

	// ScopeAlwaysForSession applies to every later call of the same tool
	// within this session.
	ScopeAlwaysForSession Scope = "always"
)

// Request describes one approval prompt sent to the external approver.
type Request struct {
	Tool   string
	CallID string
	Detail string // human-readable summary of what the tool will do
}

// Response is the approver's answer to a Request.
type Response struct {
	Granted bool
	Scope   Scope
}

// Approver is the external decision surface (interactive UI, test stub, or an
// automatic policy). Approve blocks until the user answers or ctx is done.
type Approver interface {
	Approve(ctx context.Context, req Request) (Response, error)
}

// EventType categorizes gate audit events.
type EventType string

const (
	EventPromptIssued EventType = "prompt_issued"
	EventGranted      EventType = "granted"
	EventDenied       EventType = "denied"
	EventCacheHit     EventType = "cache_hit"
	EventAutoApproved EventType = "auto_approved"
)

// Event is an audit record emitted for every gate decision.
type Event struct {
	Type      EventType
	Tool      string
	CallID    string
	Scope     Scope
	Timestamp time.Time
}

// Gate mediates between permission resolution and tool execution.
// It serializes prompts (one outstanding approval request at a time) while
// letting calls that need no prompt pass through concurrently.
type Gate struct {
	rules    *permission.RuleSet
	approver Approver
	audit    func(Event)

	// promptMu serializes outstanding prompts. Calls resolved from the
	// always-cache or by auto-approve never take it.
	promptMu sync.Mutex

	mu          sync.Mutex
	always      map[string]bool // lowercased tool name -> session-scoped grant
	autoApprove bool
}

// NewGate creates an approval gate over the given rule set and approver.
// audit may be nil.
func NewGate(rules *permission.RuleSet, approver Approver, audit func(Event)) *Gate {
	return &Gate{
		rules:    rules,
		approver: approver,
		audit:    audit,
		always:   make(map[string]bool),
	}
}

// SetAutoApprove toggles the global auto-approve mode. Toggling does not
// retroactively resolve prompts already outstanding; a pending prompt resolves
// under the mode in effect at the moment its answer arrives.
func (g *Gate) SetAutoApprove(on bool) {
	g.mu.Lock()
	g.autoApprove = on
	g.mu.Unlock()
	logging.Approval("auto-approve mode: %v", on)
}

// AutoApprove reports the current auto-approve mode.
func (g *Gate) AutoApprove() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoApprove
}

// HasAlwaysGrant reports whether tool has a session-scoped "always" grant.
func (g *Gate) HasAlwaysGrant(tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.always[strings.ToLower(tool)]
}

// RequestApproval resolves the tool through the rule set and, on an "ask"
// verdict, blocks until the approver answers. A nil error means the call may
// proceed. ErrPermissionDenied (possibly wrapped) means it must not execute.
func (g *Gate) RequestApproval(ctx context.Context, tool, callID string) error {
	name := strings.ToLower(tool)

	switch g.rules.Resolve(name) {
	case permission.DecisionAllow:
		logging.PermissionDebug("tool %s allowed by rules", name)
		return nil
	case permission.DecisionDeny:
		g.emit(EventDenied, name, callID, "")
		return fmt.Errorf("tool %q: %w (disabled by rule set)", tool, ErrPermissionDenied)
	}

	// Ask path. Auto-approve bypasses the prompt entirely but is recorded
	// as an audit event so the session log shows what really happened.
	if g.AutoApprove() {
		g.emit(EventAutoApproved, name, callID, ScopeOnce)
		return nil
	}

	g.mu.Lock()
	cached := g.always[name]
	g.mu.Unlock()
	if cached {
		logging.ApprovalDebug("tool %s resolved from always-cache", name)
		g.emit(EventCacheHit, name, callID, ScopeAlwaysForSession)
		return nil
	}

	if g.approver == nil {
		g.emit(EventDenied, name, callID, "")
		return fmt.Errorf("tool %q: %w (no approver configured)", tool, ErrPermissionDenied)
	}

	// Serialization point: one outstanding prompt at a time.
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	// A grant may have landed while this call waited for its turn to prompt.
	g.mu.Lock()
	cached = g.always[name]
	g.mu.Unlock()
	if cached {
		g.emit(EventCacheHit, name, callID, ScopeAlwaysForSession)
		return nil
	}

	g.emit(EventPromptIssued, name, callID, "")
	resp, err := g.approver.Approve(ctx, Request{Tool: name, CallID: callID})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("approval for %q failed: %w", tool, err)
	}

	// The mode in effect at answer time governs: if auto-approve was switched
	// on while this prompt was outstanding, the answer resolves as a grant.
	if g.AutoApprove() {
		g.emit(EventAutoApproved, name, callID, ScopeOnce)
		return nil
	}

	if !resp.Granted {
		g.emit(EventDenied, name, callID, resp.Scope)
		return fmt.Errorf("tool %q: %w (rejected by user)", tool, ErrPermissionDenied)
	}

	if resp.Scope == ScopeAlwaysForSession {
		g.mu.Lock()
		g.always[name] = true
		g.mu.Unlock()
	}
	g.emit(EventGranted, name, callID, resp.Scope)
	return nil
}

func (g *Gate) emit(typ EventType, tool, callID string, scope Scope) {
	if g.audit == nil {
		return
	}
	g.audit(Event{
		Type:      typ,
		Tool:      tool,
		CallID:    callID,
		Scope:     scope,
		Timestamp: time.Now(),
	})
}
