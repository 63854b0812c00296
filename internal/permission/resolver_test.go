package permission

import (
	"testing"
)

func mustRuleSet(t *testing.T, cfg Config) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet(cfg)
	if err != nil {
		t.Fatalf("NewRuleSet failed: %v", err)
	}
	return rs
}

func TestDefaultIsAsk(t *testing.T) {
	rs := mustRuleSet(t, Config{})
	if got := rs.Resolve("read_file"); got != DecisionAsk {
		t.Errorf("Resolve(read_file) = %v, want ask", got)
	}
}

func TestDisableWinsOverExplicitAlways(t *testing.T) {
	rs := mustRuleSet(t, Config{
		DisabledTools: []string{"write_file"},
		Tools:         map[string]Level{"write_file": LevelAlways},
	})
	if got := rs.Resolve("write_file"); got != DecisionDeny {
		t.Errorf("Resolve(write_file) = %v, want deny (disable wins)", got)
	}
}

func TestDisableWinsOverEnabled(t *testing.T) {
	rs := mustRuleSet(t, Config{
		EnabledTools:  []string{"*"},
		DisabledTools: []string{"bash"},
	})
	if got := rs.Resolve("bash"); got != DecisionDeny {
		t.Errorf("Resolve(bash) = %v, want deny", got)
	}
	if got := rs.Resolve("grep"); got != DecisionAllow {
		t.Errorf("Resolve(grep) = %v, want allow", got)
	}
}

func TestExplicitLevels(t *testing.T) {
	rs := mustRuleSet(t, Config{
		Tools: map[string]Level{
			"read_file":  LevelAlways,
			"bash":       LevelAsk,
			"write_file": LevelNever,
		},
	})

	cases := []struct {
		tool string
		want Decision
	}{
		{"read_file", DecisionAllow},
		{"bash", DecisionAsk},
		{"write_file", DecisionDeny},
		{"READ_FILE", DecisionAllow}, // case-insensitive
	}
	for _, tc := range cases {
		if got := rs.Resolve(tc.tool); got != tc.want {
			t.Errorf("Resolve(%s) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}

func TestEnabledAllowListDeniesOutsiders(t *testing.T) {
	rs := mustRuleSet(t, Config{
		EnabledTools: []string{"read_file", "grep"},
	})
	if got := rs.Resolve("read_file"); got != DecisionAllow {
		t.Errorf("Resolve(read_file) = %v, want allow", got)
	}
	if got := rs.Resolve("write_file"); got != DecisionDeny {
		t.Errorf("Resolve(write_file) = %v, want deny", got)
	}
}

func TestExplicitLevelOverridesAllowListMembership(t *testing.T) {
	rs := mustRuleSet(t, Config{
		EnabledTools: []string{"read_file"},
		Tools:        map[string]Level{"bash": LevelAlways},
	})
	// bash is not on the allow-list, but the explicit entry wins over
	// allow-list membership.
	if got := rs.Resolve("bash"); got != DecisionAllow {
		t.Errorf("Resolve(bash) = %v, want allow (explicit entry)", got)
	}
}

func TestGlobPatterns(t *testing.T) {
	rs := mustRuleSet(t, Config{
		DisabledTools: []string{"github_*"},
	})
	if got := rs.Resolve("github_create_issue"); got != DecisionDeny {
		t.Errorf("Resolve(github_create_issue) = %v, want deny", got)
	}
	if got := rs.Resolve("gitlab_create_issue"); got != DecisionAsk {
		t.Errorf("Resolve(gitlab_create_issue) = %v, want ask", got)
	}
}

func TestRegexPatternsAreFullMatch(t *testing.T) {
	rs := mustRuleSet(t, Config{
		DisabledTools: []string{"re:write"},
	})
	// A bare regex must not partially match inside a longer name.
	if got := rs.Resolve("overwrite_file"); got != DecisionAsk {
		t.Errorf("Resolve(overwrite_file) = %v, want ask (no partial regex match)", got)
	}
	if got := rs.Resolve("write"); got != DecisionDeny {
		t.Errorf("Resolve(write) = %v, want deny", got)
	}
}

func TestRegexAlternation(t *testing.T) {
	rs := mustRuleSet(t, Config{
		DisabledTools: []string{"re:(bash|shell|exec.*)"},
	})
	for _, tool := range []string{"bash", "shell", "exec_command"} {
		if got := rs.Resolve(tool); got != DecisionDeny {
			t.Errorf("Resolve(%s) = %v, want deny", tool, got)
		}
	}
}

func TestInvalidPatternsRejected(t *testing.T) {
	if _, err := NewRuleSet(Config{EnabledTools: []string{"re:("}}); err == nil {
		t.Error("expected error for invalid regex pattern")
	}
	if _, err := NewRuleSet(Config{Tools: map[string]Level{"x": "sometimes"}}); err == nil {
		t.Error("expected error for unknown permission level")
	}
}
