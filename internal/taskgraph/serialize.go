package taskgraph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dumps serializes a validated graph deterministically: sorted keys, compact
// separators. Two identical graphs dump to byte-equal JSON.
func Dumps(graph *Graph) (string, error) {
	if err := Validate(graph); err != nil {
		return "", err
	}
	structured, err := json.Marshal(graph)
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}
	// Round-trip through a generic map so keys marshal in sorted order.
	var generic map[string]any
	if err := json.Unmarshal(structured, &generic); err != nil {
		return "", fmt.Errorf("normalize graph: %w", err)
	}
	sorted, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal normalized graph: %w", err)
	}
	return string(sorted), nil
}

// Loads parses a graph from raw text, tolerating LLM chatter: code-fence
// wrappers are stripped, and when the text is not itself a JSON object the
// first balanced outer object (honoring string escapes) is extracted. The
// result is strictly validated.
func Loads(text string) (*Graph, error) {
	candidate := stripCodeFences(text)
	object, ok := extractOuterObject(candidate)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidGraph)
	}

	var graph Graph
	if err := json.Unmarshal([]byte(object), &graph); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if err := Validate(&graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

var fenceHeaders = map[string]bool{
	"```": true, "```json": true, "```jsonc": true, "```javascript": true,
}

func stripCodeFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") || !strings.HasSuffix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) < 2 {
		return cleaned
	}
	if fenceHeaders[strings.ToLower(strings.TrimSpace(lines[0]))] {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return cleaned
}

// extractOuterObject returns text itself when it already parses as a JSON
// object, otherwise the first balanced top-level {…} span that does.
func extractOuterObject(text string) (string, bool) {
	if isJSONObject(text) {
		return text, true
	}

	start := strings.IndexByte(text, '{')
	for start != -1 {
		depth := 0
		inString := false
		escape := false
	scan:
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escape:
					escape = false
				case c == '\\':
					escape = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					snippet := text[start : i+1]
					if isJSONObject(snippet) {
						return snippet, true
					}
					break scan
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next == -1 {
			break
		}
		start = start + 1 + next
	}
	return "", false
}

func isJSONObject(text string) bool {
	var payload map[string]any
	return json.Unmarshal([]byte(text), &payload) == nil
}

// UnmarshalJSON applies the schema defaults for omitted output fields.
func (o *NodeOutput) UnmarshalJSON(data []byte) error {
	type alias NodeOutput
	raw := alias{Type: OutputText, Extract: ExtractBestEffort}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		raw.Type = OutputText
	}
	if raw.Extract == "" {
		raw.Extract = ExtractBestEffort
	}
	*o = NodeOutput(raw)
	return nil
}

// UnmarshalJSON applies the schema defaults for omitted guardrail fields.
func (g *NodeGuardrails) UnmarshalJSON(data []byte) error {
	type alias struct {
		AllowInterrupt       *bool    `json:"allow_interrupt"`
		RequireHumanApproval bool     `json:"require_human_approval"`
		Boundaries           []string `json:"boundaries"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.AllowInterrupt = true
	if raw.AllowInterrupt != nil {
		g.AllowInterrupt = *raw.AllowInterrupt
	}
	g.RequireHumanApproval = raw.RequireHumanApproval
	g.Boundaries = raw.Boundaries
	return nil
}

// UnmarshalJSON applies the schema defaults for omitted retry fields.
func (r *NodeRetry) UnmarshalJSON(data []byte) error {
	type alias NodeRetry
	raw := alias{MaxAttempts: 1, BackoffS: 1.0}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.MaxAttempts == 0 {
		raw.MaxAttempts = 1
	}
	if raw.BackoffS == 0 {
		raw.BackoffS = 1.0
	}
	*r = NodeRetry(raw)
	return nil
}

// UnmarshalJSON applies the schema defaults for omitted timeout fields.
func (t *NodeTimeout) UnmarshalJSON(data []byte) error {
	type alias NodeTimeout
	raw := alias{InactivityS: 60, HardS: 300}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.InactivityS == 0 {
		raw.InactivityS = 60
	}
	if raw.HardS == 0 {
		raw.HardS = 300
	}
	*t = NodeTimeout(raw)
	return nil
}

// UnmarshalJSON applies sub-object defaults when whole blocks are absent.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID          string            `json:"id"`
		Title       string            `json:"title"`
		Kind        string            `json:"kind"`
		Description string            `json:"description"`
		Role        string            `json:"role"`
		Reads       []string          `json:"reads"`
		Writes      map[string]string `json:"writes"`
		LLM         NodeLLM           `json:"llm"`
		Tools       []NodeTool        `json:"tools"`
		Steps       []Step            `json:"steps"`
		Output      *NodeOutput       `json:"output"`
		Guardrails  *NodeGuardrails   `json:"guardrails"`
		Retry       *NodeRetry        `json:"retry"`
		Timeout     *NodeTimeout      `json:"timeout"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	n.ID = raw.ID
	n.Title = raw.Title
	n.Kind = raw.Kind
	n.Description = raw.Description
	n.Role = raw.Role
	n.Reads = raw.Reads
	n.Writes = raw.Writes
	n.LLM = raw.LLM
	n.Tools = raw.Tools
	n.Steps = raw.Steps

	n.Output = NodeOutput{Type: OutputText, Extract: ExtractBestEffort}
	if raw.Output != nil {
		n.Output = *raw.Output
	}
	n.Guardrails = NodeGuardrails{AllowInterrupt: true}
	if raw.Guardrails != nil {
		n.Guardrails = *raw.Guardrails
	}
	n.Retry = NodeRetry{MaxAttempts: 1, BackoffS: 1.0}
	if raw.Retry != nil {
		n.Retry = *raw.Retry
	}
	n.Timeout = NodeTimeout{InactivityS: 60, HardS: 300}
	if raw.Timeout != nil {
		n.Timeout = *raw.Timeout
	}
	return nil
}

// NewNode builds a node with schema defaults applied, for programmatic graph
// construction.
func NewNode(id, title, kind, description string) Node {
	return Node{
		ID:          id,
		Title:       title,
		Kind:        kind,
		Description: description,
		Output:      NodeOutput{Type: OutputText, Extract: ExtractBestEffort},
		Guardrails:  NodeGuardrails{AllowInterrupt: true},
		Retry:       NodeRetry{MaxAttempts: 1, BackoffS: 1.0},
		Timeout:     NodeTimeout{InactivityS: 60, HardS: 300},
	}
}
