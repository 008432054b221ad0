package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/store"
	"github.com/haasonsaas/amon/internal/taskgraph"
	"github.com/haasonsaas/amon/internal/tools"
)

func llmGraph() *taskgraph.Graph {
	n1 := taskgraph.NewNode("N1", "First", "analysis", "write the first step")
	n1.Writes = map[string]string{"first": "string"}
	n2 := taskgraph.NewNode("N2", "Second", "analysis", "write the second step")
	n2.Reads = []string{"first"}
	n2.Writes = map[string]string{"second": "string"}
	return &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "two llm nodes",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{n1, n2},
		Edges:           []taskgraph.Edge{{From: "N1", To: "N2"}},
	}
}

func eventNames(t *testing.T, eventsPath string) []string {
	t.Helper()
	records, err := store.ReadJSONL(eventsPath)
	if err != nil {
		t.Fatalf("ReadJSONL() error = %v", err)
	}
	var names []string
	for _, record := range records {
		if name, ok := record["event"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestRun_TwoLLMNodes(t *testing.T) {
	projectDir := t.TempDir()
	client := &llm.StaticClient{Responses: []string{"第一步", "第二步"}}

	rt := New(projectDir, llmGraph(), client)
	result, err := rt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", result.State.Status)
	}

	first, err := os.ReadFile(filepath.Join(result.RunDir, "docs", "steps", "N1.md"))
	if err != nil || string(first) != "第一步" {
		t.Errorf("N1 output = %q, %v", first, err)
	}
	second, err := os.ReadFile(filepath.Join(result.RunDir, "docs", "steps", "N2.md"))
	if err != nil || string(second) != "第二步" {
		t.Errorf("N2 output = %q, %v", second, err)
	}

	if result.State.Session["first"] != "第一步" || result.State.Session["second"] != "第二步" {
		t.Errorf("session = %v", result.State.Session)
	}

	want := []string{"run_start", "node_start", "node_complete", "node_start", "node_complete", "run_complete"}
	got := eventNames(t, filepath.Join(result.RunDir, "events.jsonl"))
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	var persisted RunState
	if err := store.ReadJSON(filepath.Join(result.RunDir, "state.json"), &persisted); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if persisted.Status != StatusCompleted {
		t.Errorf("persisted status = %q", persisted.Status)
	}
	if _, err := os.Stat(filepath.Join(result.RunDir, "graph.resolved.json")); err != nil {
		t.Errorf("resolved graph missing: %v", err)
	}
}

func TestRun_RetryWithRepair(t *testing.T) {
	projectDir := t.TempDir()
	node := taskgraph.NewNode("J", "json node", "analysis", "emit json")
	node.Output = taskgraph.NodeOutput{
		Type:    taskgraph.OutputJSON,
		Extract: taskgraph.ExtractStrict,
		Schema:  map[string]any{"required_keys": []any{"ok"}},
	}
	node.Retry = taskgraph.NodeRetry{MaxAttempts: 2, BackoffS: 0.01}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "retry objective",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{node},
	}

	client := &llm.StaticClient{Responses: []string{"oops", `{"ok":true}`}}
	rt := New(projectDir, graph, client)
	result, err := rt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State.Status != StatusCompleted {
		t.Errorf("status = %q", result.State.Status)
	}

	names := eventNames(t, filepath.Join(result.RunDir, "events.jsonl"))
	retries := 0
	for _, name := range names {
		if name == "node_retry" {
			retries++
		}
	}
	if retries != 1 {
		t.Errorf("node_retry events = %d, want 1", retries)
	}
}

func TestRun_NodeFailureFailsRun(t *testing.T) {
	projectDir := t.TempDir()
	node := taskgraph.NewNode("J", "json node", "analysis", "emit json")
	node.Output = taskgraph.NodeOutput{Type: taskgraph.OutputJSON, Extract: taskgraph.ExtractStrict}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "failing objective",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{node},
	}

	client := &llm.StaticClient{Responses: []string{"never json"}}
	rt := New(projectDir, graph, client)
	result, err := rt.Run()
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if result.State.Status != StatusFailed {
		t.Errorf("status = %q, want failed", result.State.Status)
	}
	if result.State.Nodes["J"].Status != StatusFailed {
		t.Errorf("node status = %q", result.State.Nodes["J"].Status)
	}

	names := eventNames(t, filepath.Join(result.RunDir, "events.jsonl"))
	sawFailed := false
	for _, name := range names {
		if name == "run_failed" {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("missing run_failed event")
	}
}

func TestRun_CancelMidRun(t *testing.T) {
	projectDir := t.TempDir()

	slow := taskgraph.NewNode("N1", "slow", "analysis", "sleep a while")
	slow.Writes = map[string]string{"first": "string"}
	after := taskgraph.NewNode("N2", "after", "analysis", "never runs")
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "cancel objective",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{slow, after},
		Edges:           []taskgraph.Edge{{From: "N1", To: "N2"}},
	}

	client := llm.ClientFunc(func(ctx context.Context, messages []llm.Message, model string) (<-chan string, <-chan error) {
		tokens := make(chan string)
		errs := make(chan error, 1)
		go func() {
			defer close(tokens)
			defer close(errs)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}()
		return tokens, errs
	})

	rt := New(projectDir, graph, client)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.WriteJSON(filepath.Join(rt.RunDir(), "cancel.json"), map[string]any{"cancelled": true}) //nolint:errcheck
	}()

	start := time.Now()
	result, err := rt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
	if result.State.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", result.State.Status)
	}
	if result.State.Nodes["N1"].Status != StatusCanceled {
		t.Errorf("N1 status = %q, want canceled", result.State.Nodes["N1"].Status)
	}
	if result.State.Nodes["N2"].Status != StatusPending {
		t.Errorf("N2 status = %q, want pending (never started)", result.State.Nodes["N2"].Status)
	}

	starts := 0
	for _, name := range eventNames(t, filepath.Join(rt.RunDir(), "events.jsonl")) {
		if name == "node_start" {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("node_start events = %d, want 1", starts)
	}
}

func TestRun_HardTimeout(t *testing.T) {
	projectDir := t.TempDir()
	node := taskgraph.NewNode("T", "slow", "analysis", "sleep")
	node.Timeout = taskgraph.NodeTimeout{InactivityS: 1, HardS: 1}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "timeout objective",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{node},
	}

	client := llm.ClientFunc(func(ctx context.Context, messages []llm.Message, model string) (<-chan string, <-chan error) {
		tokens := make(chan string)
		errs := make(chan error, 1)
		go func() {
			defer close(tokens)
			defer close(errs)
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
		}()
		return tokens, errs
	})

	rt := New(projectDir, graph, client)
	result, err := rt.Run()
	if err == nil {
		t.Fatal("Run() expected timeout error")
	}
	if result.State.Status != StatusFailed {
		t.Errorf("status = %q, want failed", result.State.Status)
	}
}

func TestRun_ToolNode(t *testing.T) {
	projectDir := t.TempDir()

	node := taskgraph.NewNode("T", "tool node", "tooling", "dispatch tools")
	node.Writes = map[string]string{"listing": "string"}
	node.Steps = []taskgraph.Step{
		{Type: "tool", ToolName: "echoer", Args: map[string]any{"path": "{{ session.target }}"}, StoreAs: "listing"},
	}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "tool objective",
		SessionDefaults: map[string]any{"target": "docs/a.txt"},
		Nodes:           []taskgraph.Node{node},
	}

	var calls []tools.ToolCall
	dispatch := func(call tools.ToolCall) tools.ToolResult {
		calls = append(calls, call)
		return tools.TextResult("listing of " + call.Args["path"].(string))
	}

	rt := New(projectDir, graph, &llm.StaticClient{},
		WithProjectID("proj-7"),
		WithToolDispatcher(dispatch))
	result, err := rt.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].Args["path"] != "docs/a.txt" {
		t.Errorf("session template not rendered: %v", calls[0].Args)
	}
	if calls[0].ProjectID != "proj-7" {
		t.Errorf("call project_id = %q, want the short project id", calls[0].ProjectID)
	}
	if calls[0].ProjectDir != projectDir {
		t.Errorf("call project_dir = %q, want %q", calls[0].ProjectDir, projectDir)
	}
	if result.State.Session["listing"] != "listing of docs/a.txt" {
		t.Errorf("session = %v", result.State.Session)
	}

	names := eventNames(t, filepath.Join(result.RunDir, "events.jsonl"))
	sawRequest, sawResult := false, false
	for _, name := range names {
		switch name {
		case "tool_request":
			sawRequest = true
		case "tool_result":
			sawResult = true
		}
	}
	if !sawRequest || !sawResult {
		t.Errorf("missing tool events: %v", names)
	}
}

type auditCapture struct {
	records []tools.AuditRecord
}

func (c *auditCapture) Record(record tools.AuditRecord) { c.records = append(c.records, record) }

func TestRun_ToolNodeAuditCarriesProjectID(t *testing.T) {
	projectDir := t.TempDir()

	node := taskgraph.NewNode("T", "tool node", taskgraph.KindTooling, "dispatch tools")
	node.Steps = []taskgraph.Step{{Type: "tool", ToolName: "echoer"}}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "audited tool objective",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{node},
	}

	sink := &auditCapture{}
	registry := tools.NewRegistry(
		tools.WithPolicy(tools.ToolPolicy{Allow: []string{"*"}}),
		tools.WithAuditSink(sink),
	)
	registry.Register(tools.ToolSpec{Name: "echoer"}, func(ctx context.Context, call tools.ToolCall) (tools.ToolResult, error) {
		return tools.TextResult("ok"), nil
	})

	rt := New(projectDir, graph, &llm.StaticClient{},
		WithProjectID("proj-9"),
		WithToolDispatcher(func(call tools.ToolCall) tools.ToolResult {
			return registry.Call(context.Background(), call, false)
		}))
	if _, err := rt.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(sink.records))
	}
	if sink.records[0].ProjectID != "proj-9" {
		t.Errorf("audit project_id = %q, want proj-9", sink.records[0].ProjectID)
	}
	if strings.Contains(sink.records[0].ProjectID, projectDir) {
		t.Error("audit project_id leaked the project directory path")
	}
}

func TestRun_ToolNodeErrorFailsNode(t *testing.T) {
	projectDir := t.TempDir()
	node := taskgraph.NewNode("T", "tool node", "tooling", "dispatch tools")
	node.Steps = []taskgraph.Step{{Type: "tool", ToolName: "broken"}}
	graph := &taskgraph.Graph{
		SchemaVersion:   taskgraph.SchemaVersion,
		Objective:       "tool failure",
		SessionDefaults: map[string]any{},
		Nodes:           []taskgraph.Node{node},
	}

	dispatch := func(call tools.ToolCall) tools.ToolResult {
		return tools.ErrorResult("execution_failed", "kaput")
	}
	rt := New(projectDir, graph, &llm.StaticClient{}, WithToolDispatcher(dispatch))
	result, err := rt.Run()
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if result.State.Nodes["T"].Status != StatusFailed {
		t.Errorf("node status = %q", result.State.Nodes["T"].Status)
	}
}

func TestAPI_StartStatusCancel(t *testing.T) {
	projectDir := t.TempDir()
	dumped, err := taskgraph.Dumps(llmGraph())
	if err != nil {
		t.Fatal(err)
	}
	graphPath := filepath.Join(projectDir, "graph.json")
	if err := os.WriteFile(graphPath, []byte(dumped), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &llm.StaticClient{Responses: []string{"one", "two"}}
	api := NewAPI("proj-1", projectDir, client, nil, nil)

	runID, err := api.StartRun(graphPath, map[string]any{"seed": "x"})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := api.StatusRun(runID)
		if err == nil && (state.Status == StatusCompleted || state.Status == StatusFailed) {
			if state.Status != StatusCompleted {
				t.Errorf("status = %q", state.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := api.StatusRun("missing-run"); err == nil {
		t.Error("StatusRun(missing) expected error")
	}

	status, err := api.CancelRun(runID)
	if err != nil || status != "cancelled" {
		t.Errorf("CancelRun() = %q, %v", status, err)
	}
	if _, err := os.Stat(filepath.Join(config.RunDir(projectDir, runID), "cancel.json")); err != nil {
		t.Errorf("cancel.json missing: %v", err)
	}
}
