package actions

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/hooks"
	"github.com/haasonsaas/amon/internal/store"
)

// DispatchResult reports what happened to one matched hook.
type DispatchResult struct {
	HookID   string `json:"hook_id"`
	Status   string `json:"status"`
	ActionID string `json:"action_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Dispatcher matches events against loaded hooks and enqueues their actions.
// It runs synchronously inside the emitter but never calls user code: it only
// matches, updates hook state, and enqueues.
type Dispatcher struct {
	layout    config.Layout
	state     *hooks.StateStore
	queue     *Queue
	loadHooks func() []hooks.Hook
	allowLLM  bool
	logger    *slog.Logger
	now       func() time.Time
}

// DispatcherOption configures a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAllowLLM controls the allow_llm flag stamped onto enqueued actions.
func WithAllowLLM(allow bool) DispatcherOption {
	return func(d *Dispatcher) { d.allowLLM = allow }
}

// WithDispatcherLogger sets the diagnostic logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherNow overrides the clock for tests.
func WithDispatcherNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithHookSource overrides how hooks are loaded (tests inject fixed sets).
func WithHookSource(load func() []hooks.Hook) DispatcherOption {
	return func(d *Dispatcher) {
		if load != nil {
			d.loadHooks = load
		}
	}
}

// NewDispatcher wires a dispatcher over the hooks directory and the queue.
func NewDispatcher(layout config.Layout, state *hooks.StateStore, queue *Queue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		layout: layout,
		state:  state,
		queue:  queue,
		logger: slog.Default().With("component", "dispatcher"),
		now:    time.Now,
	}
	d.loadHooks = func() []hooks.Hook {
		return hooks.LoadHooks(layout.HooksDir(), d.logger)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessEvent matches the event and enqueues an action per matched hook.
// Hooks with require_confirm append a pending-confirmation record instead.
func (d *Dispatcher) ProcessEvent(event events.Event) []DispatchResult {
	matched := hooks.Match(d.loadHooks(), event, d.now(), d.state)
	var results []DispatchResult

	for _, hook := range matched {
		args := hooks.RenderArgs(hook.Action.Args, event)
		dedupeKey := hooks.DedupeKeyFor(hook, event)

		if hook.Policy.RequireConfirm {
			d.appendPendingAction(hook, event, args)
			d.state.RecordTrigger(hook.HookID, d.now(), dedupeKey)
			results = append(results, DispatchResult{HookID: hook.HookID, Status: "pending"})
			continue
		}

		d.state.IncrementInflight(hook.HookID)
		d.state.RecordTrigger(hook.HookID, d.now(), dedupeKey)
		actionID := d.queue.Enqueue(Action{
			HookID:   hook.HookID,
			Type:     hook.Action.Type,
			Tool:     hook.Action.Tool,
			Args:     args,
			Event:    event,
			AllowLLM: d.allowLLM,
		})
		results = append(results, DispatchResult{HookID: hook.HookID, Status: "queued", ActionID: actionID})
	}
	return results
}

// appendPendingAction records a require-confirm action for later UI approval.
func (d *Dispatcher) appendPendingAction(hook hooks.Hook, event events.Event, args map[string]any) {
	record := map[string]any{
		"hook_id":    hook.HookID,
		"event_id":   event.EventID,
		"event_type": event.Type,
		"action": map[string]any{
			"type": hook.Action.Type,
			"tool": hook.Action.Tool,
			"args": args,
		},
		"status":     "pending",
		"created_at": d.now().Format(time.RFC3339),
	}
	if err := store.AppendJSONL(d.layout.PendingActionsPath(), record); err != nil {
		d.logger.Error("append pending action failed", "hook_id", hook.HookID, "error", err)
	}
}
