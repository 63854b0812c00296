package permission

import "strings"

// Resolve maps a tool name to a policy decision.
//
// Precedence:
//  1. A disabled pattern match denies, no matter what else is configured.
//  2. An explicit per-tool level applies (always -> allow, ask -> ask, never -> deny).
//  3. With a non-empty enabled allow-list, only matching tools are allowed;
//     everything else is denied.
//  4. Otherwise the safe default is ask.
//
// Tool name matching is case-insensitive. Resolve is pure and never mutates
// the rule set, so it may be called from any goroutine.
func (rs *RuleSet) Resolve(toolName string) Decision {
	name := strings.ToLower(toolName)

	if matchesAny(rs.disabled, name) {
		return DecisionDeny
	}

	if level, ok := rs.perTool[name]; ok {
		switch level {
		case LevelAlways:
			return DecisionAllow
		case LevelNever:
			return DecisionDeny
		default:
			return DecisionAsk
		}
	}

	if len(rs.enabled) > 0 {
		if matchesAny(rs.enabled, name) {
			return DecisionAllow
		}
		return DecisionDeny
	}

	return DecisionAsk
}
