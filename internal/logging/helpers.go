package logging

import "time"

// Convenience helpers per category, matching the call sites' common pattern
// logging.Executor("..."), logging.MCPDebug("..."), etc.

// Permission logs an info message to the permission category.
func Permission(format string, args ...interface{}) {
	Get(CategoryPermission).Info(format, args...)
}

// PermissionDebug logs a debug message to the permission category.
func PermissionDebug(format string, args ...interface{}) {
	Get(CategoryPermission).Debug(format, args...)
}

// Approval logs an info message to the approval category.
func Approval(format string, args ...interface{}) {
	Get(CategoryApproval).Info(format, args...)
}

// ApprovalDebug logs a debug message to the approval category.
func ApprovalDebug(format string, args ...interface{}) {
	Get(CategoryApproval).Debug(format, args...)
}

// Tools logs an info message to the tools category.
func Tools(format string, args ...interface{}) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsDebug logs a debug message to the tools category.
func ToolsDebug(format string, args ...interface{}) {
	Get(CategoryTools).Debug(format, args...)
}

// Sandbox logs an info message to the sandbox category.
func Sandbox(format string, args ...interface{}) {
	Get(CategorySandbox).Info(format, args...)
}

// SandboxDebug logs a debug message to the sandbox category.
func SandboxDebug(format string, args ...interface{}) {
	Get(CategorySandbox).Debug(format, args...)
}

// SandboxWarn logs a warning to the sandbox category.
func SandboxWarn(format string, args ...interface{}) {
	Get(CategorySandbox).Warn(format, args...)
}

// Executor logs an info message to the executor category.
func Executor(format string, args ...interface{}) {
	Get(CategoryExecutor).Info(format, args...)
}

// ExecutorDebug logs a debug message to the executor category.
func ExecutorDebug(format string, args ...interface{}) {
	Get(CategoryExecutor).Debug(format, args...)
}

// ExecutorWarn logs a warning to the executor category.
func ExecutorWarn(format string, args ...interface{}) {
	Get(CategoryExecutor).Warn(format, args...)
}

// MCP logs an info message to the mcp category.
func MCP(format string, args ...interface{}) {
	Get(CategoryMCP).Info(format, args...)
}

// MCPDebug logs a debug message to the mcp category.
func MCPDebug(format string, args ...interface{}) {
	Get(CategoryMCP).Debug(format, args...)
}

// MCPWarn logs a warning to the mcp category.
func MCPWarn(format string, args ...interface{}) {
	Get(CategoryMCP).Warn(format, args...)
}

// Subagent logs an info message to the subagent category.
func Subagent(format string, args ...interface{}) {
	Get(CategorySubagent).Info(format, args...)
}

// SubagentDebug logs a debug message to the subagent category.
func SubagentDebug(format string, args ...interface{}) {
	Get(CategorySubagent).Debug(format, args...)
}

// Session logs an info message to the session category.
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs a debug message to the session category.
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// SubagentWarn logs a warning to the subagent category.
func SubagentWarn(format string, args ...interface{}) {
	Get(CategorySubagent).Warn(format, args...)
}

// Config logs an info message to the config category.
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigWarn logs a warning to the config category.
func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

// Timer measures operation duration for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category:  category,
		operation: operation,
		start:     time.Now(),
	}
}

// Stop ends timing and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level if the operation exceeded the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s took %v", t.operation, elapsed)
	}
	return elapsed
}
