// Package events defines the process-wide event model and the emitter that
// fans events out to the global JSONL log, per-project logs, and the hook
// dispatcher.
package events

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Scope values recognized by the runtime.
const (
	ScopeProject    = "project"
	ScopeJob        = "job"
	ScopeSchedule   = "schedule"
	ScopeTool       = "tool"
	ScopePolicy     = "policy"
	ScopeChatRouter = "chat.router"
)

// Risk levels attached to events.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Event is an immutable record produced by any component. EventID and TS are
// assigned at emission and never mutated afterwards.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Scope     string         `json:"scope"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Risk      string         `json:"risk,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	TS        string         `json:"ts,omitempty"`
}

// Lookup resolves a dotted path (e.g. "payload.path") against the event and
// reports whether the value exists. Scalars come back with their JSON types
// preserved (string, float64, bool); objects and arrays come back as
// map[string]any / []any.
func (e Event) Lookup(path string) (any, bool) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Timestamp parses the event's TS field, returning the zero time when unset
// or unparseable.
func (e Event) Timestamp() time.Time {
	if e.TS == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, e.TS)
	if err != nil {
		return time.Time{}
	}
	return ts
}
