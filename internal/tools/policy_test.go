package tools

import "testing"

func TestPolicy_DenyWins(t *testing.T) {
	policy := ToolPolicy{
		Deny:  []string{"filesystem.delete"},
		Allow: []string{"filesystem.*"},
	}

	if got := policy.Decide(ToolCall{Tool: "filesystem.delete"}); got != DecisionDeny {
		t.Errorf("Decide(filesystem.delete) = %v, want deny", got)
	}
	if got := policy.Decide(ToolCall{Tool: "filesystem.read"}); got != DecisionAllow {
		t.Errorf("Decide(filesystem.read) = %v, want allow", got)
	}
}

func TestPolicy_DefaultDeny(t *testing.T) {
	policy := ToolPolicy{Allow: []string{"web.*"}}
	decision, reason := policy.Explain(ToolCall{Tool: "process.exec"})
	if decision != DecisionDeny {
		t.Errorf("Explain() = %v, want deny", decision)
	}
	if reason == "" {
		t.Error("expected non-empty reason")
	}
}

func TestPolicy_AskTier(t *testing.T) {
	policy := ToolPolicy{
		Ask:   []string{"process.*"},
		Allow: []string{"*"},
	}
	if got := policy.Decide(ToolCall{Tool: "process.exec"}); got != DecisionAsk {
		t.Errorf("Decide(process.exec) = %v, want ask", got)
	}
}

func TestPolicy_CommandGlob(t *testing.T) {
	policy := ToolPolicy{
		Deny:  []string{"terminal.exec:rm *"},
		Allow: []string{"terminal.exec"},
	}

	rm := ToolCall{Tool: "terminal.exec", Args: map[string]any{"command": "rm -rf /tmp/x"}}
	if got := policy.Decide(rm); got != DecisionDeny {
		t.Errorf("Decide(rm) = %v, want deny", got)
	}
	ls := ToolCall{Tool: "terminal.exec", Args: map[string]any{"command": "ls -la"}}
	if got := policy.Decide(ls); got != DecisionAllow {
		t.Errorf("Decide(ls) = %v, want allow", got)
	}
	cmd := ToolCall{Tool: "terminal.exec", Args: map[string]any{"cmd": "rm file"}}
	if got := policy.Decide(cmd); got != DecisionDeny {
		t.Errorf("Decide(cmd alias) = %v, want deny", got)
	}
}
