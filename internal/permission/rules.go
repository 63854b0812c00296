// Package permission implements pattern-based permission resolution for tool calls.
// Resolution is pure: a RuleSet is compiled once at session start and is safe for
// concurrent use without locking.
package permission

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"codeward/internal/logging"
)

// Decision is the outcome of resolving a tool name against a rule set.
type Decision string

const (
	// DecisionAllow permits the call without prompting.
	DecisionAllow Decision = "allow"

	// DecisionAsk requires an approval round-trip before the call proceeds.
	DecisionAsk Decision = "ask"

	// DecisionDeny rejects the call outright.
	DecisionDeny Decision = "deny"
)

// Level is an explicit per-tool permission setting.
type Level string

const (
	// LevelAlways grants the tool for the whole session without prompting.
	LevelAlways Level = "always"

	// LevelAsk prompts on every use (unless an "always" grant was cached).
	LevelAsk Level = "ask"

	// LevelNever denies the tool unconditionally.
	LevelNever Level = "never"
)

// regexPrefix marks a pattern as a regular expression rather than a glob.
const regexPrefix = "re:"

// pattern is a single compiled match rule. Exact match is tried first,
// then glob, then anchored regex - partial regex matches are never accepted.
type pattern struct {
	raw     string
	exact   string         // lowercased literal, empty if the pattern has meta characters
	glob    string         // lowercased glob, empty for regex patterns
	regex   *regexp.Regexp // compiled anchored regex, nil for non-regex patterns
}

// compilePattern parses one pattern string.
func compilePattern(raw string) (pattern, error) {
	p := pattern{raw: raw}

	if rest, ok := strings.CutPrefix(raw, regexPrefix); ok {
		// Anchor explicitly so "write" can never match "overwrite_file".
		re, err := regexp.Compile("(?i)^(?:" + rest + ")$")
		if err != nil {
			return pattern{}, fmt.Errorf("invalid regex pattern %q: %w", raw, err)
		}
		p.regex = re
		return p, nil
	}

	lowered := strings.ToLower(raw)
	if strings.ContainsAny(lowered, "*?[{") {
		if !doublestar.ValidatePattern(lowered) {
			return pattern{}, fmt.Errorf("invalid glob pattern %q", raw)
		}
		p.glob = lowered
		return p, nil
	}

	p.exact = lowered
	return p, nil
}

// matches reports whether the (already lowercased) tool name matches this pattern.
func (p pattern) matches(name string) bool {
	switch {
	case p.exact != "":
		return name == p.exact
	case p.glob != "":
		ok, err := doublestar.Match(p.glob, name)
		return err == nil && ok
	case p.regex != nil:
		return p.regex.MatchString(name)
	}
	return false
}

// RuleSet is the compiled form of a session's permission configuration.
// Immutable after NewRuleSet; safe for concurrent use.
type RuleSet struct {
	enabled  []pattern
	disabled []pattern
	perTool  map[string]Level // keyed by lowercased tool name
}

// Config is the raw, serializable rule configuration supplied by the
// configuration collaborator at session start.
type Config struct {
	// EnabledTools is an allow-list of patterns. When non-empty, tools not
	// matching any pattern are denied (unless overridden per-tool).
	EnabledTools []string `json:"enabled_tools,omitempty"`

	// DisabledTools patterns always win over everything else.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// Tools maps a tool name to an explicit permission level.
	Tools map[string]Level `json:"tools,omitempty"`
}

// NewRuleSet compiles a Config into an immutable RuleSet.
// Invalid patterns or unknown levels are configuration errors.
func NewRuleSet(cfg Config) (*RuleSet, error) {
	rs := &RuleSet{perTool: make(map[string]Level, len(cfg.Tools))}

	for _, raw := range cfg.EnabledTools {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("enabled_tools: %w", err)
		}
		rs.enabled = append(rs.enabled, p)
	}

	for _, raw := range cfg.DisabledTools {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("disabled_tools: %w", err)
		}
		rs.disabled = append(rs.disabled, p)
	}

	for name, level := range cfg.Tools {
		switch level {
		case LevelAlways, LevelAsk, LevelNever:
		default:
			return nil, fmt.Errorf("tool %q: unknown permission level %q", name, level)
		}
		rs.perTool[strings.ToLower(name)] = level
	}

	logging.Permission("Compiled rule set: %d enabled, %d disabled, %d per-tool levels",
		len(rs.enabled), len(rs.disabled), len(rs.perTool))
	return rs, nil
}

// matchesAny reports whether name matches any pattern in the list.
func matchesAny(patterns []pattern, name string) bool {
	for _, p := range patterns {
		if p.matches(name) {
			return true
		}
	}
	return false
}
