package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes a tool call. A returned error is normalized into an error
// result by the registry; handlers never terminate a worker.
type Handler func(ctx context.Context, call ToolCall) (ToolResult, error)

// Registry stores tool specs and handlers and dispatches calls through the
// policy, workspace guard, and audit sink.
type Registry struct {
	policy ToolPolicy
	guard  *WorkspaceGuard
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	specs    map[string]ToolSpec
	handlers map[string]Handler
}

// RegistryOption configures a registry.
type RegistryOption func(*Registry)

// WithPolicy sets the dispatch policy.
func WithPolicy(policy ToolPolicy) RegistryOption {
	return func(r *Registry) { r.policy = policy }
}

// WithWorkspaceGuard sets the filesystem confinement guard.
func WithWorkspaceGuard(guard *WorkspaceGuard) RegistryOption {
	return func(r *Registry) { r.guard = guard }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink AuditSink) RegistryOption {
	return func(r *Registry) {
		if sink != nil {
			r.audit = sink
		}
	}
}

// WithRegistryLogger sets the diagnostic logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		audit:    NullAuditSink{},
		logger:   slog.Default().With("component", "tools"),
		now:      time.Now,
		specs:    make(map[string]ToolSpec),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a tool spec and its handler by spec name.
func (r *Registry) Register(spec ToolSpec, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	r.handlers[spec.Name] = handler
}

// Spec returns the registered spec for a tool name.
func (r *Registry) Spec(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Specs lists all registered specs.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	return specs
}

// Call dispatches a tool call: unknown-tool check, policy decision, workspace
// guard, handler execution, audit. Every path through Call produces exactly
// one audit record.
func (r *Registry) Call(ctx context.Context, call ToolCall, requireApproval bool) ToolResult {
	start := r.now()

	r.mu.RLock()
	handler, known := r.handlers[call.Tool]
	spec := r.specs[call.Tool]
	r.mu.RUnlock()

	if !known {
		result := ErrorResult("unknown_tool", fmt.Sprintf("Unknown tool: %s", call.Tool))
		r.record(call, result, DecisionDeny, "unknown", start)
		return result
	}

	source := spec.Source()
	decision, reason := r.policy.Explain(call)
	switch decision {
	case DecisionDeny:
		result := ErrorResult("denied", fmt.Sprintf("Tool execution denied: %s", reason))
		r.record(call, result, decision, source, start)
		return result
	case DecisionAsk:
		status := "approval_missing"
		message := fmt.Sprintf("Tool execution not approved: %s", reason)
		if requireApproval {
			status = "approval_required"
			message = fmt.Sprintf("Tool execution requires approval: %s", reason)
		}
		result := ErrorResult(status, message)
		r.record(call, result, decision, source, start)
		return result
	}

	if err := r.applyGuard(call); err != nil {
		result := ErrorResult("workspace_violation", err.Error())
		r.record(call, result, DecisionAllow, source, start)
		return result
	}

	result, err := handler(ctx, call)
	if err != nil {
		result = ErrorResult("execution_failed", err.Error())
	}
	r.record(call, result, DecisionAllow, source, start)
	return result
}

// guardedCwdTools are process-like tools whose cwd argument is confined.
var guardedCwdTools = map[string]bool{
	"process.exec":           true,
	"terminal.exec":          true,
	"terminal.session.start": true,
}

func (r *Registry) applyGuard(call ToolCall) error {
	if r.guard == nil {
		return nil
	}
	if len(call.Tool) > len("filesystem.") && call.Tool[:len("filesystem.")] == "filesystem." {
		for _, key := range []string{"path", "root"} {
			if value, ok := call.Args[key].(string); ok && value != "" {
				if _, err := r.guard.AssertInWorkspace(value); err != nil {
					return err
				}
			}
		}
	}
	if guardedCwdTools[call.Tool] {
		if cwd, ok := call.Args["cwd"].(string); ok && cwd != "" {
			if _, err := r.guard.AssertInWorkspace(cwd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) record(call ToolCall, result ToolResult, decision Decision, source string, start time.Time) {
	r.audit.Record(AuditRecord{
		TS:           r.now().Format(time.RFC3339),
		Tool:         call.Tool,
		Caller:       call.Caller,
		ProjectID:    call.ProjectID,
		SessionID:    call.SessionID,
		Decision:     string(decision),
		IsError:      result.IsError,
		Status:       result.Status(),
		DurationMS:   r.now().Sub(start).Milliseconds(),
		Source:       source,
		ArgsSHA256:   hashPayload(call.Args),
		ResultSHA256: hashPayload(result.Content),
	})
}
