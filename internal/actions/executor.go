package actions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/hooks"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/metrics"
	"github.com/haasonsaas/amon/internal/runtime"
	"github.com/haasonsaas/amon/internal/store"
	"github.com/haasonsaas/amon/internal/taskgraph"
	"github.com/haasonsaas/amon/internal/tools"
)

const defaultToolTimeout = 60 * time.Second

// Executor runs dequeued actions: tool calls through the registry, graph runs
// through the TaskGraph runtime. Every completion or failure decrements the
// originating hook's inflight counter.
type Executor struct {
	layout          config.Layout
	registry        *tools.Registry
	state           *hooks.StateStore
	client          llm.Client
	eventLog        *events.Log
	logger          *slog.Logger
	now             func() time.Time
	minCallInterval time.Duration
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the diagnostic logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorNow overrides the clock for tests.
func WithExecutorNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMinCallInterval spaces out successive LLM calls inside triggered runs.
func WithMinCallInterval(interval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.minCallInterval = interval
		}
	}
}

// NewExecutor wires the action executor.
func NewExecutor(layout config.Layout, registry *tools.Registry, state *hooks.StateStore, client llm.Client, eventLog *events.Log, opts ...ExecutorOption) *Executor {
	e := &Executor{
		layout:   layout,
		registry: registry,
		state:    state,
		client:   client,
		eventLog: eventLog,
		logger:   slog.Default().With("component", "actions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one action to completion. It never propagates failures to the
// worker; they land in the logs, the audit trail, and the metrics.
func (e *Executor) Execute(action Action) {
	defer func() {
		if action.HookID != "" && e.state != nil {
			e.state.DecrementInflight(action.HookID)
		}
	}()

	var err error
	switch action.Type {
	case hooks.ActionToolCall:
		err = e.executeToolCall(action)
	case hooks.ActionGraphRun:
		err = e.executeGraphRun(action)
	default:
		err = fmt.Errorf("unsupported action type %q", action.Type)
	}

	if err != nil {
		e.logger.Error("action failed",
			"action_id", action.ActionID,
			"hook_id", action.HookID,
			"action_type", action.Type,
			"error", err)
		metrics.ActionsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.ActionsTotal.WithLabelValues("executed").Inc()
}

func (e *Executor) executeToolCall(action Action) error {
	if action.Tool == "" {
		return fmt.Errorf("tool.call action missing tool")
	}

	if spec, ok := e.registry.Spec(action.Tool); ok {
		if validationErrors := tools.ValidateInputs(spec.InputSchema, action.Args); len(validationErrors) > 0 {
			e.emit(events.Event{
				Type:      "tool.validation_failed",
				Scope:     events.ScopeTool,
				Actor:     "system",
				Risk:      events.RiskMedium,
				ProjectID: action.Event.ProjectID,
				Tool:      action.Tool,
				Payload: map[string]any{
					"tool_name": action.Tool,
					"hook_id":   action.HookID,
					"event_id":  action.Event.EventID,
					"errors":    validationErrors,
				},
			})
			return fmt.Errorf("tool argument validation failed: %s", strings.Join(validationErrors, "; "))
		}
	}

	timeout := defaultToolTimeout
	if action.TimeoutS > 0 {
		timeout = time.Duration(action.TimeoutS) * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := e.registry.Call(ctx, tools.ToolCall{
		Tool:      action.Tool,
		Args:      action.Args,
		Caller:    "hook:" + action.HookID,
		ProjectID: action.Event.ProjectID,
		EventID:   action.Event.EventID,
	}, false)
	if result.IsError {
		return fmt.Errorf("tool call failed: %s: %s", result.Status(), result.AsText())
	}
	return nil
}

func (e *Executor) executeGraphRun(action Action) error {
	projectID, _ := action.Args["project_id"].(string)
	if projectID == "" {
		projectID = action.Event.ProjectID
	}
	if projectID == "" {
		return fmt.Errorf("graph.run requires project_id")
	}
	graphPathValue := firstStringArg(action.Args, "graph_path", "path")
	if graphPathValue == "" {
		return fmt.Errorf("graph.run requires graph_path")
	}

	projectDir := e.layout.ProjectDir(projectID)
	graphPath := graphPathValue
	if !filepath.IsAbs(graphPath) {
		graphPath = filepath.Join(projectDir, graphPath)
	}

	graph, err := loadGraphFile(graphPath)
	if err != nil {
		return err
	}

	if !action.AllowLLM {
		if err := e.guardLLMPolicy(graph, projectID, graphPath, action); err != nil {
			return err
		}
	}

	runID := strings.ReplaceAll(uuid.New().String(), "-", "")
	runDir := config.RunDir(projectDir, runID)
	trigger := map[string]any{
		"run_id":      runID,
		"hook_action": hooks.ActionGraphRun,
		"hook_args":   action.Args,
		"event_id":    action.Event.EventID,
		"event_type":  action.Event.Type,
		"created_at":  e.now().Format(time.RFC3339),
	}
	if err := store.WriteJSON(filepath.Join(runDir, "trigger.json"), trigger); err != nil {
		return fmt.Errorf("write trigger metadata: %w", err)
	}

	variables, _ := action.Args["variables"].(map[string]any)
	if variables == nil {
		variables, _ = action.Args["vars"].(map[string]any)
	}

	rt := runtime.New(projectDir, graph, e.client,
		runtime.WithRunID(runID),
		runtime.WithProjectID(projectID),
		runtime.WithVariables(variables),
		runtime.WithNodeExecutor(runtime.NewNodeExecutor(runtime.WithMinCallInterval(e.minCallInterval))),
		runtime.WithToolDispatcher(func(call tools.ToolCall) tools.ToolResult {
			ctx, cancel := context.WithTimeout(context.Background(), defaultToolTimeout)
			defer cancel()
			return e.registry.Call(ctx, call, false)
		}),
		runtime.WithRuntimeLogger(e.logger),
	)
	if _, err := rt.Run(); err != nil {
		return fmt.Errorf("graph run %s: %w", runID, err)
	}
	return nil
}

// guardLLMPolicy blocks daemon-dispatched graphs from reaching an LLM unless
// the action explicitly allows it. Tool-only graphs pass.
func (e *Executor) guardLLMPolicy(graph *taskgraph.Graph, projectID, graphPath string, action Action) error {
	allow, _ := action.Args["allow_llm"].(bool)
	if allow {
		return nil
	}
	for _, node := range graph.Nodes {
		if node.UsesToolExecution() {
			continue
		}
		e.emit(events.Event{
			Type:      "policy.llm_blocked",
			Scope:     events.ScopePolicy,
			Actor:     "system",
			Risk:      events.RiskMedium,
			ProjectID: projectID,
			NodeID:    node.ID,
			Payload: map[string]any{
				"hook_action": hooks.ActionGraphRun,
				"graph_path":  graphPath,
				"node_id":     node.ID,
			},
		})
		return fmt.Errorf("%w: graph node %s requires allow_llm=true", tools.ErrPolicyDenied, node.ID)
	}
	return nil
}

func (e *Executor) emit(event events.Event) {
	if e.eventLog != nil {
		e.eventLog.Emit(event, false)
	}
}

func loadGraphFile(path string) (*taskgraph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return taskgraph.Loads(string(data))
}

func firstStringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := args[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
