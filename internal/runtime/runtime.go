package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/store"
	"github.com/haasonsaas/amon/internal/taskgraph"
	"github.com/haasonsaas/amon/internal/tools"
)

// ToolDispatcher executes one tool call on behalf of a run.
type ToolDispatcher func(call tools.ToolCall) tools.ToolResult

// allowedOutputPrefixes are the only run-relative prefixes node outputs may
// resolve under.
var allowedOutputPrefixes = []string{"docs/", "audits/"}

const cancelPollInterval = 100 * time.Millisecond

// Runtime executes one TaskGraph run against a project directory.
type Runtime struct {
	projectDir string
	projectID  string
	graph      *taskgraph.Graph
	client     llm.Client
	dispatch   ToolDispatcher
	variables  map[string]any
	runID      string
	cancel     <-chan struct{}
	executor   *NodeExecutor
	logger     *slog.Logger
	now        func() time.Time

	runDir     string
	eventsPath string
	statePath  string
	cancelPath string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRunID pins the run identifier (used when the caller pre-materialized
// the run directory, e.g. for trigger lineage).
func WithRunID(runID string) RuntimeOption {
	return func(r *Runtime) {
		if runID != "" {
			r.runID = runID
		}
	}
}

// WithProjectID records the short project identifier stamped onto tool call
// lineage (the project directory stays a filesystem concern).
func WithProjectID(projectID string) RuntimeOption {
	return func(r *Runtime) { r.projectID = projectID }
}

// WithCancel installs the run's cancel token.
func WithCancel(cancel <-chan struct{}) RuntimeOption {
	return func(r *Runtime) { r.cancel = cancel }
}

// WithVariables merges caller variables into the run session.
func WithVariables(variables map[string]any) RuntimeOption {
	return func(r *Runtime) { r.variables = variables }
}

// WithToolDispatcher installs the tool dispatcher for tool nodes.
func WithToolDispatcher(dispatch ToolDispatcher) RuntimeOption {
	return func(r *Runtime) { r.dispatch = dispatch }
}

// WithNodeExecutor overrides the node executor.
func WithNodeExecutor(executor *NodeExecutor) RuntimeOption {
	return func(r *Runtime) {
		if executor != nil {
			r.executor = executor
		}
	}
}

// WithRuntimeLogger sets the diagnostic logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRuntimeNow overrides the clock for tests.
func WithRuntimeNow(now func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runtime for one run of graph within projectDir.
func New(projectDir string, graph *taskgraph.Graph, client llm.Client, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		projectDir: projectDir,
		graph:      graph,
		client:     client,
		executor:   NewNodeExecutor(),
		logger:     slog.Default().With("component", "runtime"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	r.runDir = config.RunDir(projectDir, r.runID)
	r.eventsPath = filepath.Join(r.runDir, "events.jsonl")
	r.statePath = filepath.Join(r.runDir, "state.json")
	r.cancelPath = filepath.Join(r.runDir, "cancel.json")
	return r
}

// RunID returns the run identifier.
func (r *Runtime) RunID() string { return r.runID }

// RunDir returns the run directory.
func (r *Runtime) RunDir() string { return r.runDir }

// Run executes the graph to a terminal state. A failed run returns the error
// after persisting state; a canceled run returns the canceled state without
// error.
func (r *Runtime) Run() (*Result, error) {
	if err := taskgraph.Validate(r.graph); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	state := &RunState{
		RunID:     r.runID,
		Status:    StatusRunning,
		StartedAt: r.nowISO(),
		Session:   map[string]any{},
		Variables: map[string]any{},
		Nodes:     map[string]*NodeState{},
	}
	for key, value := range r.graph.SessionDefaults {
		state.Session[key] = value
	}
	for key, value := range r.variables {
		state.Session[key] = value
	}
	for _, node := range r.graph.Nodes {
		state.Nodes[node.ID] = &NodeState{Status: StatusPending}
	}
	state.Variables = copyMap(state.Session)

	r.appendEvent(map[string]any{"event": "run_start", "run_id": r.runID})
	resolved, err := taskgraph.Dumps(r.graph)
	if err != nil {
		return nil, err
	}
	if err := store.WriteText(filepath.Join(r.runDir, "graph.resolved.json"), resolved); err != nil {
		return nil, fmt.Errorf("persist resolved graph: %w", err)
	}
	r.writeState(state)

	result := &Result{RunID: r.runID, RunDir: r.runDir, State: state}
	runErr := r.executeLoop(state)
	r.writeState(state)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (r *Runtime) executeLoop(state *RunState) error {
	nodesByID := make(map[string]taskgraph.Node, len(r.graph.Nodes))
	for _, node := range r.graph.Nodes {
		nodesByID[node.ID] = node
	}
	adjacency, indegree := taskgraph.BuildAdjacency(r.graph.Nodes, r.graph.Edges)

	var ready []string
	for _, node := range r.graph.Nodes {
		if indegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	completed := 0
	for len(ready) > 0 {
		if r.isCanceled() {
			state.Status = StatusCanceled
			state.EndedAt = r.nowISO()
			r.appendEvent(map[string]any{"event": "run_canceled", "run_id": r.runID})
			return nil
		}

		nodeID := ready[0]
		ready = ready[1:]
		node := nodesByID[nodeID]
		nodeState := state.Nodes[nodeID]

		nodeState.Status = StatusRunning
		nodeState.StartedAt = r.nowISO()
		r.writeState(state)
		r.appendEvent(map[string]any{"event": "node_start", "node_id": nodeID})

		outputText, outputPath, err := r.executeNode(node, state)
		if err != nil {
			nodeState.EndedAt = r.nowISO()
			if isCancelErr(err) {
				nodeState.Status = StatusCanceled
				state.Status = StatusCanceled
				state.EndedAt = r.nowISO()
				r.appendEvent(map[string]any{"event": "node_canceled", "node_id": nodeID})
				r.appendEvent(map[string]any{"event": "run_canceled", "run_id": r.runID})
				return nil
			}
			nodeState.Status = StatusFailed
			nodeState.Error = err.Error()
			state.Status = StatusFailed
			state.EndedAt = r.nowISO()
			state.Error = err.Error()
			r.appendEvent(map[string]any{"event": "node_failed", "node_id": nodeID, "error": err.Error()})
			r.appendEvent(map[string]any{"event": "run_failed", "run_id": r.runID, "error": err.Error()})
			return err
		}

		for key := range node.Writes {
			if _, present := state.Session[key]; !present {
				state.Session[key] = outputText
			}
		}
		state.Variables = copyMap(state.Session)

		nodeState.Status = StatusCompleted
		nodeState.EndedAt = r.nowISO()
		nodeState.OutputPath = outputPath
		r.writeState(state)
		r.appendEvent(map[string]any{"event": "node_complete", "node_id": nodeID, "output_path": outputPath})
		completed++

		for _, edge := range adjacency[nodeID] {
			indegree[edge.To]--
			if indegree[edge.To] == 0 {
				ready = append(ready, edge.To)
			}
		}
	}

	if completed != len(r.graph.Nodes) {
		var pending []string
		for _, node := range r.graph.Nodes {
			if state.Nodes[node.ID].Status == StatusPending {
				pending = append(pending, node.ID)
			}
		}
		err := fmt.Errorf("%w: nodes never became ready: %v", ErrExecutionFailed, pending)
		state.Status = StatusFailed
		state.EndedAt = r.nowISO()
		state.Error = err.Error()
		r.appendEvent(map[string]any{"event": "run_failed", "run_id": r.runID, "error": err.Error()})
		return err
	}

	state.Status = StatusCompleted
	state.EndedAt = r.nowISO()
	r.appendEvent(map[string]any{"event": "run_complete", "run_id": r.runID})
	return nil
}

func (r *Runtime) executeNode(node taskgraph.Node, state *RunState) (string, string, error) {
	if node.UsesToolExecution() {
		text, err := r.executeToolNode(node, state)
		if err != nil {
			return "", "", err
		}
		outputPath, err := r.resolveOutputPath(node.ID)
		if err != nil {
			return "", "", err
		}
		if err := store.WriteText(outputPath, text); err != nil {
			return "", "", fmt.Errorf("write node output: %w", err)
		}
		return text, outputPath, nil
	}
	return r.executeLLMNode(node, state)
}

func (r *Runtime) executeToolNode(node taskgraph.Node, state *RunState) (string, error) {
	if r.dispatch == nil {
		return "", fmt.Errorf("%w: tool dispatcher is not configured", ErrExecutionFailed)
	}

	var outputs []string
	for _, step := range node.ToolSteps() {
		if r.isCanceled() {
			return "", ErrCanceled
		}
		call := tools.ToolCall{
			Tool:       step.ToolName,
			Args:       renderStepArgs(step.Args, state.Session),
			Caller:     "taskgraph",
			ProjectID:  r.projectID,
			ProjectDir: r.projectDir,
			RunID:      r.runID,
			NodeID:     node.ID,
		}
		r.appendEvent(map[string]any{
			"event":   "tool_request",
			"node_id": node.ID,
			"tool":    call.Tool,
			"args":    call.Args,
			"meta":    map[string]any{"is_error": false, "status": "requested"},
		})
		result := r.dispatch(call)
		r.appendEvent(map[string]any{
			"event":   "tool_result",
			"node_id": node.ID,
			"tool":    call.Tool,
			"result":  result.Content,
			"meta":    map[string]any{"is_error": result.IsError, "status": result.Status()},
		})
		if result.IsError {
			return "", fmt.Errorf("%w: tool step %s: %s", ErrExecutionFailed, call.Tool, firstNonEmpty(result.AsText(), result.Status()))
		}

		text := result.AsText()
		outputs = append(outputs, text)
		if key := resolveStoreKey(node, step); key != "" {
			state.Session[key] = text
		}
	}

	var nonEmpty []string
	for _, part := range outputs {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.TrimSpace(strings.Join(nonEmpty, "\n")), nil
}

func (r *Runtime) executeLLMNode(node taskgraph.Node, state *RunState) (string, string, error) {
	baseMessages := buildMessages(node, state.Session)

	generate := func(messages []llm.Message) (string, error) {
		return r.generateWithDeadline(node, messages)
	}
	onRetry := func(attempt int, reason string) {
		r.appendEvent(map[string]any{
			"event":   "node_retry",
			"node_id": node.ID,
			"attempt": attempt,
			"reason":  reason,
		})
	}
	onWarning := func(warning map[string]any) {
		payload := map[string]any{"node_id": node.ID}
		for key, value := range warning {
			payload[key] = value
		}
		r.appendEvent(payload)
	}

	text, _, err := r.executor.RunLLMWithRetry(generate, baseMessages, node.Output, node.Retry, onRetry, onWarning)
	if err != nil {
		return "", "", err
	}

	outputPath, err := r.resolveOutputPath(node.ID)
	if err != nil {
		return "", "", err
	}
	if err := store.WriteText(outputPath, text); err != nil {
		return "", "", fmt.Errorf("write node output: %w", err)
	}
	return text, outputPath, nil
}

// generateWithDeadline offloads the streaming call and polls every 100ms for
// the cancel token, the cancel marker file, and the node hard timeout.
func (r *Runtime) generateWithDeadline(node taskgraph.Node, messages []llm.Message) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := llm.Collect(ctx, r.client, messages, node.LLM.Model)
		done <- outcome{text: text, err: err}
	}()

	hard := time.Duration(node.Timeout.HardS) * time.Second
	if hard < time.Second {
		hard = time.Second
	}
	deadline := r.now().Add(hard)

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case result := <-done:
			if result.err != nil {
				return "", fmt.Errorf("%w: %v", ErrExecutionFailed, result.err)
			}
			return result.text, nil
		case <-ticker.C:
			if r.isCanceled() {
				cancel()
				return "", ErrCanceled
			}
			if r.now().After(deadline) {
				cancel()
				return "", fmt.Errorf("%w: node hard timeout: node_id=%s", ErrTimeout, node.ID)
			}
		}
	}
}

// buildMessages assembles the node's message batch: the role as system prompt
// when set, then the description plus every read session key.
func buildMessages(node taskgraph.Node, session map[string]any) []llm.Message {
	var messages []llm.Message
	if role := strings.TrimSpace(node.Role); role != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: role})
	}

	parts := []string{strings.TrimSpace(node.Description)}
	for _, key := range node.Reads {
		value, ok := session[key]
		if !ok || value == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("[session:%s]\n%v", key, value))
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: strings.TrimSpace(strings.Join(parts, "\n\n")),
	})
	return messages
}

func resolveStoreKey(node taskgraph.Node, step taskgraph.Step) string {
	if key := strings.TrimSpace(step.StoreAs); key != "" {
		return key
	}
	if _, ok := node.Writes[step.ToolName]; ok {
		return step.ToolName
	}
	if len(node.Writes) == 1 {
		for key := range node.Writes {
			return key
		}
	}
	return ""
}

var sessionTemplateRe = regexp.MustCompile(`\{\{\s*session\.([a-zA-Z0-9_.]+)\s*\}\}`)

// renderStepArgs substitutes {{ session.key }} placeholders in string args
// against the run session.
func renderStepArgs(args map[string]any, session map[string]any) map[string]any {
	rendered := make(map[string]any, len(args))
	for key, value := range args {
		text, ok := value.(string)
		if !ok {
			rendered[key] = value
			continue
		}
		rendered[key] = sessionTemplateRe.ReplaceAllStringFunc(text, func(match string) string {
			groups := sessionTemplateRe.FindStringSubmatch(match)
			if value, ok := session[groups[1]]; ok {
				return fmt.Sprintf("%v", value)
			}
			return ""
		})
	}
	return rendered
}

// resolveOutputPath confines a node's default output file under docs/.
func (r *Runtime) resolveOutputPath(nodeID string) (string, error) {
	safeID, err := store.ValidateRelativePath(nodeID)
	if err != nil {
		return "", err
	}
	relative := "docs/steps/" + safeID + ".md"
	allowed := false
	for _, prefix := range allowedOutputPrefixes {
		if strings.HasPrefix(relative, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("output path outside allowed prefixes: %s", relative)
	}
	resolved, err := store.Canonicalize(filepath.Join(r.runDir, relative), []string{r.projectDir})
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func (r *Runtime) isCanceled() bool {
	select {
	case <-r.cancelTokenChan():
		return true
	default:
	}
	if _, err := os.Stat(r.cancelPath); err == nil {
		return true
	}
	return false
}

func (r *Runtime) cancelTokenChan() <-chan struct{} {
	if r.cancel == nil {
		return make(chan struct{})
	}
	return r.cancel
}

func (r *Runtime) appendEvent(payload map[string]any) {
	record := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		record[key] = value
	}
	record["timestamp"] = r.nowISO()
	if err := store.AppendJSONL(r.eventsPath, record); err != nil {
		r.logger.Error("append run event failed", "error", err, "run_id", r.runID)
	}
}

func (r *Runtime) writeState(state *RunState) {
	if err := store.WriteJSON(r.statePath, state); err != nil {
		r.logger.Error("write run state failed", "error", err, "run_id", r.runID)
	}
}

func (r *Runtime) nowISO() string {
	return r.now().Format(time.RFC3339)
}

func isCancelErr(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
