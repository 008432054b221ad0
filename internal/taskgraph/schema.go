// Package taskgraph defines the TaskGraph 2.0 schema, its validation rules,
// deterministic serialization, and the tolerant parser that extracts a graph
// from LLM output.
package taskgraph

import (
	"errors"
	"fmt"
)

// SchemaVersion is the only accepted graph schema version.
const SchemaVersion = "2.0"

// Output types and extraction modes.
const (
	OutputJSON     = "json"
	OutputMarkdown = "md"
	OutputText     = "text"
	OutputArtifact = "artifact"

	ExtractStrict     = "strict"
	ExtractBestEffort = "best_effort"
)

// KindTooling marks nodes whose tools list is dispatched as tool steps.
const KindTooling = "tooling"

// ErrInvalidGraph reports a schema violation.
var ErrInvalidGraph = errors.New("invalid task graph")

// NodeLLM holds per-node LLM call parameters.
type NodeLLM struct {
	Model       string   `json:"model,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	ToolChoice  string   `json:"tool_choice,omitempty"`
	EnableTools bool     `json:"enable_tools,omitempty"`
}

// NodeTool declares a tool available to a tooling node.
type NodeTool struct {
	Name           string         `json:"name"`
	WhenToUse      string         `json:"when_to_use,omitempty"`
	Required       bool           `json:"required,omitempty"`
	ArgsSchemaHint map[string]any `json:"args_schema_hint,omitempty"`
}

// Step is one ordered execution step inside a node.
type Step struct {
	Type     string         `json:"type"`
	ToolName string         `json:"tool_name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	StoreAs  string         `json:"store_as,omitempty"`
}

// NodeOutput controls output extraction and validation.
type NodeOutput struct {
	Type    string         `json:"type"`
	Extract string         `json:"extract"`
	Schema  map[string]any `json:"schema,omitempty"`
}

// NodeGuardrails holds execution guardrails.
type NodeGuardrails struct {
	AllowInterrupt       bool     `json:"allow_interrupt"`
	RequireHumanApproval bool     `json:"require_human_approval,omitempty"`
	Boundaries           []string `json:"boundaries,omitempty"`
}

// NodeRetry controls the retry loop of the node executor.
type NodeRetry struct {
	MaxAttempts int     `json:"max_attempts"`
	BackoffS    float64 `json:"backoff_s"`
	JitterS     float64 `json:"jitter_s"`
}

// NodeTimeout bounds node execution.
type NodeTimeout struct {
	InactivityS int `json:"inactivity_s"`
	HardS       int `json:"hard_s"`
}

// Node is one unit of work in a graph.
type Node struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Kind        string            `json:"kind"`
	Description string            `json:"description"`
	Role        string            `json:"role,omitempty"`
	Reads       []string          `json:"reads,omitempty"`
	Writes      map[string]string `json:"writes,omitempty"`
	LLM         NodeLLM           `json:"llm"`
	Tools       []NodeTool        `json:"tools,omitempty"`
	Steps       []Step            `json:"steps,omitempty"`
	Output      NodeOutput        `json:"output"`
	Guardrails  NodeGuardrails    `json:"guardrails"`
	Retry       NodeRetry         `json:"retry"`
	Timeout     NodeTimeout       `json:"timeout"`
}

// Edge connects two nodes, optionally gated by a condition label.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// Graph is a complete TaskGraph 2.0 definition.
type Graph struct {
	SchemaVersion   string         `json:"schema_version"`
	Objective       string         `json:"objective"`
	SessionDefaults map[string]any `json:"session_defaults"`
	Nodes           []Node         `json:"nodes"`
	Edges           []Edge         `json:"edges"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// UsesToolExecution reports whether a node dispatches as a tool node.
func (n Node) UsesToolExecution() bool {
	return len(n.Steps) > 0 || (n.Kind == KindTooling && len(n.Tools) > 0)
}

// ToolSteps returns the ordered tool steps of a node, synthesizing steps from
// the tools list for tooling nodes without explicit steps.
func (n Node) ToolSteps() []Step {
	if len(n.Steps) > 0 {
		var steps []Step
		for _, step := range n.Steps {
			if step.Type == "tool" {
				steps = append(steps, step)
			}
		}
		return steps
	}
	if n.Kind != KindTooling {
		return nil
	}
	var steps []Step
	for _, tool := range n.Tools {
		steps = append(steps, Step{
			Type:     "tool",
			ToolName: tool.Name,
			Args:     tool.ArgsSchemaHint,
		})
	}
	return steps
}

var allowedOutputTypes = map[string]bool{
	OutputJSON: true, OutputMarkdown: true, OutputText: true, OutputArtifact: true,
}

var allowedExtractModes = map[string]bool{
	ExtractStrict: true, ExtractBestEffort: true,
}

// Validate enforces the full schema: version pin, non-empty objective and
// nodes, unique node IDs, edge endpoints, tool-step tool names, retry/timeout
// bounds, and acyclicity.
func Validate(graph *Graph) error {
	if graph.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema_version must be %q, got %q", ErrInvalidGraph, SchemaVersion, graph.SchemaVersion)
	}
	if graph.Objective == "" {
		return fmt.Errorf("%w: objective must be non-empty", ErrInvalidGraph)
	}
	if len(graph.Nodes) == 0 {
		return fmt.Errorf("%w: nodes must be non-empty", ErrInvalidGraph)
	}

	nodeIDs := make(map[string]bool, len(graph.Nodes))
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if err := validateNode(node); err != nil {
			return err
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, node.ID)
		}
		nodeIDs[node.ID] = true
	}

	for _, edge := range graph.Edges {
		if !nodeIDs[edge.From] || !nodeIDs[edge.To] {
			return fmt.Errorf("%w: edge %s->%s references unknown node", ErrInvalidGraph, edge.From, edge.To)
		}
	}

	return ensureDAG(graph.Nodes, graph.Edges)
}

func validateNode(node *Node) error {
	if node.ID == "" {
		return fmt.Errorf("%w: node.id must be non-empty", ErrInvalidGraph)
	}
	if node.Title == "" {
		return fmt.Errorf("%w: node %s: title must be non-empty", ErrInvalidGraph, node.ID)
	}
	if node.Kind == "" {
		return fmt.Errorf("%w: node %s: kind must be non-empty", ErrInvalidGraph, node.ID)
	}
	if node.Description == "" {
		return fmt.Errorf("%w: node %s: description must be non-empty", ErrInvalidGraph, node.ID)
	}

	for i, step := range node.Steps {
		if step.Type != "tool" && step.Type != "llm" {
			return fmt.Errorf("%w: node %s: steps[%d].type %q invalid", ErrInvalidGraph, node.ID, i, step.Type)
		}
		if step.Type == "tool" && step.ToolName == "" {
			return fmt.Errorf("%w: node %s: steps[%d] requires tool_name", ErrInvalidGraph, node.ID, i)
		}
	}

	if !allowedOutputTypes[node.Output.Type] {
		return fmt.Errorf("%w: node %s: output.type %q invalid", ErrInvalidGraph, node.ID, node.Output.Type)
	}
	if !allowedExtractModes[node.Output.Extract] {
		return fmt.Errorf("%w: node %s: output.extract %q invalid", ErrInvalidGraph, node.ID, node.Output.Extract)
	}

	if node.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: node %s: retry.max_attempts must be >= 1", ErrInvalidGraph, node.ID)
	}
	if node.Retry.BackoffS <= 0 {
		return fmt.Errorf("%w: node %s: retry.backoff_s must be > 0", ErrInvalidGraph, node.ID)
	}
	if node.Retry.JitterS < 0 {
		return fmt.Errorf("%w: node %s: retry.jitter_s must be >= 0", ErrInvalidGraph, node.ID)
	}
	if node.Timeout.InactivityS <= 0 {
		return fmt.Errorf("%w: node %s: timeout.inactivity_s must be > 0", ErrInvalidGraph, node.ID)
	}
	if node.Timeout.HardS <= 0 {
		return fmt.Errorf("%w: node %s: timeout.hard_s must be > 0", ErrInvalidGraph, node.ID)
	}
	return nil
}

// ensureDAG runs Kahn's algorithm; remaining in-degree indicates a cycle.
func ensureDAG(nodes []Node, edges []Edge) error {
	indegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		indegree[node.ID] = 0
	}
	for _, edge := range edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		indegree[edge.To]++
	}

	queue := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodes) {
		return fmt.Errorf("%w: graph contains a cycle", ErrInvalidGraph)
	}
	return nil
}

// BuildAdjacency computes adjacency and in-degree maps for execution.
func BuildAdjacency(nodes []Node, edges []Edge) (map[string][]Edge, map[string]int) {
	adjacency := make(map[string][]Edge, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, node := range nodes {
		adjacency[node.ID] = nil
		indegree[node.ID] = 0
	}
	for _, edge := range edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge)
		indegree[edge.To]++
	}
	return adjacency, indegree
}
