package taskgraph

import (
	"errors"
	"reflect"
	"testing"
)

func twoNodeGraph() *Graph {
	n1 := NewNode("N1", "First", "analysis", "do the first step")
	n1.Writes = map[string]string{"first": "string"}
	n2 := NewNode("N2", "Second", "analysis", "do the second step")
	n2.Reads = []string{"first"}
	n2.Writes = map[string]string{"second": "string"}
	return &Graph{
		SchemaVersion:   SchemaVersion,
		Objective:       "two step objective",
		SessionDefaults: map[string]any{},
		Nodes:           []Node{n1, n2},
		Edges:           []Edge{{From: "N1", To: "N2"}},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(twoNodeGraph()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Graph)
	}{
		{"wrong version", func(g *Graph) { g.SchemaVersion = "1.0" }},
		{"empty objective", func(g *Graph) { g.Objective = "" }},
		{"no nodes", func(g *Graph) { g.Nodes = nil }},
		{"duplicate ids", func(g *Graph) { g.Nodes[1].ID = "N1"; g.Edges = nil }},
		{"dangling edge", func(g *Graph) { g.Edges = []Edge{{From: "N1", To: "ghost"}} }},
		{"cycle", func(g *Graph) { g.Edges = []Edge{{From: "N1", To: "N2"}, {From: "N2", To: "N1"}} }},
		{"bad output type", func(g *Graph) { g.Nodes[0].Output.Type = "xml" }},
		{"bad extract", func(g *Graph) { g.Nodes[0].Output.Extract = "fuzzy" }},
		{"zero attempts", func(g *Graph) { g.Nodes[0].Retry.MaxAttempts = 0 }},
		{"zero backoff", func(g *Graph) { g.Nodes[0].Retry.BackoffS = 0 }},
		{"zero hard timeout", func(g *Graph) { g.Nodes[0].Timeout.HardS = 0 }},
		{"tool step without name", func(g *Graph) { g.Nodes[0].Steps = []Step{{Type: "tool"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph := twoNodeGraph()
			tt.mutate(graph)
			if err := Validate(graph); !errors.Is(err, ErrInvalidGraph) {
				t.Errorf("Validate() = %v, want ErrInvalidGraph", err)
			}
		})
	}
}

func TestDumps_Deterministic(t *testing.T) {
	graph := twoNodeGraph()
	first, err := Dumps(graph)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	second, err := Dumps(graph)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	if first != second {
		t.Error("two dumps of the same graph differ")
	}
}

func TestLoads_RoundTrip(t *testing.T) {
	graph := twoNodeGraph()
	dumped, err := Dumps(graph)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	loaded, err := Loads(dumped)
	if err != nil {
		t.Fatalf("Loads() error = %v", err)
	}
	if !reflect.DeepEqual(graph, loaded) {
		t.Errorf("round trip mismatch:\n  in:  %+v\n  out: %+v", graph, loaded)
	}

	redumped, err := Dumps(loaded)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	if dumped != redumped {
		t.Error("Dumps(Loads(Dumps(g))) is not byte-stable")
	}
}

func TestLoads_CodeFenced(t *testing.T) {
	dumped, _ := Dumps(twoNodeGraph())
	fenced := "```json\n" + dumped + "\n```"
	if _, err := Loads(fenced); err != nil {
		t.Errorf("Loads(fenced) error = %v", err)
	}
}

func TestLoads_EmbeddedInChatter(t *testing.T) {
	dumped, _ := Dumps(twoNodeGraph())
	chatter := "Sure! Here is the graph you asked for: " + dumped + " — hope that helps {unbalanced"
	loaded, err := Loads(chatter)
	if err != nil {
		t.Fatalf("Loads(chatter) error = %v", err)
	}
	if loaded.Objective != "two step objective" {
		t.Errorf("objective = %q", loaded.Objective)
	}
}

func TestLoads_BracesInsideStrings(t *testing.T) {
	graph := twoNodeGraph()
	graph.Objective = `tricky { braces " and } everywhere \ in strings`
	dumped, err := Dumps(graph)
	if err != nil {
		t.Fatalf("Dumps() error = %v", err)
	}
	loaded, err := Loads("noise before " + dumped + " noise after")
	if err != nil {
		t.Fatalf("Loads() error = %v", err)
	}
	if loaded.Objective != graph.Objective {
		t.Errorf("objective = %q, want %q", loaded.Objective, graph.Objective)
	}
}

func TestLoads_NoObject(t *testing.T) {
	if _, err := Loads("nothing json-like here"); !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("Loads() = %v, want ErrInvalidGraph", err)
	}
}

func TestLoads_DefaultsApplied(t *testing.T) {
	raw := `{
		"schema_version": "2.0",
		"objective": "minimal",
		"session_defaults": {},
		"nodes": [{"id": "A", "title": "a", "kind": "analysis", "description": "minimal node"}],
		"edges": []
	}`
	graph, err := Loads(raw)
	if err != nil {
		t.Fatalf("Loads() error = %v", err)
	}
	node := graph.Nodes[0]
	if node.Output.Type != OutputText || node.Output.Extract != ExtractBestEffort {
		t.Errorf("output defaults = %+v", node.Output)
	}
	if node.Retry.MaxAttempts != 1 || node.Retry.BackoffS != 1.0 {
		t.Errorf("retry defaults = %+v", node.Retry)
	}
	if node.Timeout.InactivityS != 60 || node.Timeout.HardS != 300 {
		t.Errorf("timeout defaults = %+v", node.Timeout)
	}
	if !node.Guardrails.AllowInterrupt {
		t.Error("guardrails.allow_interrupt default must be true")
	}
}

func TestToolSteps(t *testing.T) {
	node := NewNode("T", "tool node", KindTooling, "run tools")
	node.Tools = []NodeTool{{Name: "filesystem.read", ArgsSchemaHint: map[string]any{"path": "a.txt"}}}
	steps := node.ToolSteps()
	if len(steps) != 1 || steps[0].ToolName != "filesystem.read" {
		t.Errorf("steps = %+v", steps)
	}

	explicit := NewNode("S", "steps node", "analysis", "steps")
	explicit.Steps = []Step{
		{Type: "tool", ToolName: "a"},
		{Type: "llm"},
		{Type: "tool", ToolName: "b"},
	}
	steps = explicit.ToolSteps()
	if len(steps) != 2 || steps[0].ToolName != "a" || steps[1].ToolName != "b" {
		t.Errorf("steps = %+v", steps)
	}

	if !node.UsesToolExecution() || !explicit.UsesToolExecution() {
		t.Error("tool nodes must report tool execution")
	}
	if NewNode("L", "llm", "analysis", "llm").UsesToolExecution() {
		t.Error("plain node must not report tool execution")
	}
}
