// Package subagent runs capability-restricted delegated tasks. A delegated
// task sees a strict subset of the parent's tools, never writes files or
// prompts the user, records its own session, and hands back text only.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"codeward/internal/logging"
	"codeward/internal/tools"
)

// DelegationToolName is the tool the parent conversation invokes to spawn
// subagents. It is never part of a subagent's capability set.
const DelegationToolName = "delegate"

var (
	// ErrRecursiveDelegation rejects a subagent trying to spawn subagents.
	ErrRecursiveDelegation = errors.New("subagent: recursive delegation rejected")

	// ErrCapabilityNotSubset rejects a task whose declared capability set
	// is not a delegable subset of the parent's: unknown names, or tools
	// that write files or prompt the user. Checked at construction, never
	// at execution time.
	ErrCapabilityNotSubset = errors.New("subagent: requested capability is not a subset of the parent's")

	// ErrUnknownProfile means the task named a profile that is not loaded.
	ErrUnknownProfile = errors.New("subagent: unknown profile")
)

// Task is one delegated unit of work.
type Task struct {
	// Prompt is the instruction handed to the subagent conversation.
	Prompt string

	// Profile optionally names a loaded Profile supplying the tool list.
	Profile string

	// Tools is the requested capability set when no Profile is named.
	Tools []string

	// Timeout bounds the subagent run. Zero means the scheduler default.
	Timeout time.Duration
}

// TaskResult is the outcome of one delegated task. Only Text crosses back
// to the parent; tool-call history stays in the subagent's own session.
type TaskResult struct {
	SessionID string
	Text      string
	Err       error
	Duration  time.Duration
}

// Runner executes a subagent conversation to completion against the
// restricted registry. The conversation loop collaborator provides it.
type Runner func(ctx context.Context, sessionID, prompt string, registry *tools.Registry) (string, error)

// Recorder persists subagent session records. Satisfied by the session
// store; kept narrow so the scheduler does not own storage concerns.
type Recorder interface {
	BeginSession(ctx context.Context, title, parentSession string) (string, error)
	AppendText(ctx context.Context, sessionID, role, content string) error
}

// Config controls scheduler-wide limits.
type Config struct {
	// MaxConcurrent bounds simultaneously running subagents.
	MaxConcurrent int64 `json:"max_concurrent"`

	// DefaultTimeout applies to tasks that carry none.
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// DefaultConfig returns the standard scheduler limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 10 * time.Minute,
	}
}

// Scheduler spawns delegated tasks against restricted tool registries.
type Scheduler struct {
	parent   *tools.Registry
	profiles map[string]Profile
	runner   Runner
	recorder Recorder
	config   Config
	sem      *semaphore.Weighted
}

// NewScheduler builds a scheduler over the parent's sealed registry.
// recorder may be nil; profiles may be nil.
func NewScheduler(parent *tools.Registry, profiles map[string]Profile, runner Runner, recorder Recorder, config Config) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	return &Scheduler{
		parent:   parent,
		profiles: profiles,
		runner:   runner,
		recorder: recorder,
		config:   config,
		sem:      semaphore.NewWeighted(config.MaxConcurrent),
	}
}

// restrict resolves a task's capability set into a sealed child registry.
// All static checks live here so a bad task fails before anything runs.
func (s *Scheduler) restrict(task Task) (*tools.Registry, time.Duration, error) {
	names := task.Tools
	timeout := task.Timeout

	if task.Profile != "" {
		profile, ok := s.profiles[task.Profile]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownProfile, task.Profile)
		}
		names = profile.Tools
		if timeout <= 0 {
			timeout = profile.Timeout
		}
	}
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	for _, name := range names {
		if name == DelegationToolName {
			return nil, 0, ErrRecursiveDelegation
		}
	}

	child, err := s.parent.Subset(names)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCapabilityNotSubset, err)
	}
	return child, timeout, nil
}

// Delegate runs one task to completion and returns its textual summary.
func (s *Scheduler) Delegate(ctx context.Context, task Task) (string, error) {
	res := s.run(ctx, task)
	return res.Text, res.Err
}

// DelegateAll runs tasks concurrently under the scheduler's concurrency
// bound. Results come back in task order; one task failing does not stop
// the others.
func (s *Scheduler) DelegateAll(ctx context.Context, tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i] = s.run(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) run(ctx context.Context, task Task) TaskResult {
	start := time.Now()
	fail := func(err error) TaskResult {
		return TaskResult{Err: err, Duration: time.Since(start)}
	}

	child, timeout, err := s.restrict(task)
	if err != nil {
		return fail(err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fail(err)
	}
	defer s.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sessionID := uuid.NewString()
	res := TaskResult{SessionID: sessionID}
	if s.recorder != nil {
		id, err := s.recorder.BeginSession(runCtx, delegationTitle(task), "")
		if err != nil {
			logging.SubagentWarn("Session record for delegated task unavailable: %v", err)
		} else {
			res.SessionID = id
			sessionID = id
		}
		s.record(runCtx, sessionID, "user", task.Prompt)
	}

	logging.Subagent("Delegating task (session=%s, tools=%d, timeout=%s)", sessionID, child.Count(), timeout)
	text, err := s.runner(runCtx, sessionID, task.Prompt, child)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("subagent task failed: %w", err)
		s.record(ctx, sessionID, "system", res.Err.Error())
		return res
	}

	res.Text = text
	s.record(ctx, sessionID, "assistant", text)
	logging.Subagent("Delegated task done (session=%s) in %s", sessionID, res.Duration)
	return res
}

func (s *Scheduler) record(ctx context.Context, sessionID, role, content string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.AppendText(ctx, sessionID, role, content); err != nil {
		logging.SubagentWarn("Append to subagent session %s failed: %v", sessionID, err)
	}
}

func delegationTitle(task Task) string {
	title := strings.TrimSpace(task.Prompt)
	if len(title) > 80 {
		title = title[:80]
	}
	if task.Profile != "" {
		return fmt.Sprintf("[%s] %s", task.Profile, title)
	}
	return title
}
