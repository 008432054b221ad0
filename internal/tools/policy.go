package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision is a policy tier outcome.
type Decision string

// Policy tiers, evaluated in order; first match wins, no match means deny.
const (
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
	DecisionAllow Decision = "allow"
)

// ErrPolicyDenied reports a deny (or unapproved ask) decision.
var ErrPolicyDenied = errors.New("tool policy denied")

// ToolPolicy holds ordered glob lists over tool names. A pattern of the form
// "tool:command-glob" matches only when the call's args.command (or args.cmd)
// matches the command glob.
type ToolPolicy struct {
	Deny  []string
	Ask   []string
	Allow []string
}

// Decide evaluates the tiers in deny, ask, allow order.
func (p ToolPolicy) Decide(call ToolCall) Decision {
	decision, _ := p.Explain(call)
	return decision
}

// Explain is Decide plus the matching pattern (or the default-deny reason).
func (p ToolPolicy) Explain(call ToolCall) (Decision, string) {
	if pattern := firstMatch(call, p.Deny); pattern != "" {
		return DecisionDeny, fmt.Sprintf("matched deny rule: %s", pattern)
	}
	if pattern := firstMatch(call, p.Ask); pattern != "" {
		return DecisionAsk, fmt.Sprintf("matched ask rule: %s", pattern)
	}
	if pattern := firstMatch(call, p.Allow); pattern != "" {
		return DecisionAllow, fmt.Sprintf("matched allow rule: %s", pattern)
	}
	return DecisionDeny, "no allow rule matched, default deny"
}

func firstMatch(call ToolCall, patterns []string) string {
	for _, pattern := range patterns {
		if matchesPattern(call, pattern) {
			return pattern
		}
	}
	return ""
}

func matchesPattern(call ToolCall, pattern string) bool {
	prefix := call.Tool + ":"
	if command := callCommand(call); command != "" && len(pattern) > len(prefix) && pattern[:len(prefix)] == prefix {
		// Command globs are shell-style: '*' also spans '/' inside the command.
		ok, err := doublestar.Match(strings.ReplaceAll(pattern[len(prefix):], "/", "\x00"), strings.ReplaceAll(command, "/", "\x00"))
		return err == nil && ok
	}
	ok, err := doublestar.Match(pattern, call.Tool)
	return err == nil && ok
}

func callCommand(call ToolCall) string {
	if command, ok := call.Args["command"].(string); ok && command != "" {
		return command
	}
	if command, ok := call.Args["cmd"].(string); ok && command != "" {
		return command
	}
	return ""
}
