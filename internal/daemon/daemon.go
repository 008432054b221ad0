// Package daemon wires the scheduler, resident jobs, event log, hook
// dispatcher, and action queue into the long-running automation loop.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/amon/internal/actions"
	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/hooks"
	"github.com/haasonsaas/amon/internal/jobs"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/sandbox"
	"github.com/haasonsaas/amon/internal/scheduler"
	"github.com/haasonsaas/amon/internal/tools"
)

// Daemon is the assembled automation loop over one home directory.
type Daemon struct {
	cfg      config.Config
	layout   config.Layout
	logger   *slog.Logger
	now      func() time.Time
	eventLog *events.Log
	queue    *actions.Queue
	engine   *scheduler.Engine
	jobs     *jobs.Runner
	state    *hooks.StateStore
	started  map[string]bool
}

// Option configures a daemon.
type Option func(*Daemon)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// unavailableClient surfaces a construction-time provider error on first use.
type unavailableClient struct {
	err error
}

func (c unavailableClient) GenerateStream(ctx context.Context, messages []llm.Message, model string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	close(tokens)
	errs <- c.err
	close(errs)
	return tokens, errs
}

// New assembles the daemon: tool registry with policy, guard and audit;
// action queue and executor; hook dispatcher; scheduler engine; job runner.
func New(home string, cfg config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		layout:  config.NewLayout(home),
		logger:  slog.Default().With("component", "daemon"),
		now:     time.Now,
		started: map[string]bool{},
	}
	for _, opt := range opts {
		opt(d)
	}

	d.state = hooks.NewStateStore(d.layout.HookStatePath())

	registry := tools.NewRegistry(
		tools.WithPolicy(tools.ToolPolicy{
			Deny:  cfg.Policy.Deny,
			Ask:   cfg.Policy.Ask,
			Allow: cfg.Policy.Allow,
		}),
		tools.WithWorkspaceGuard(tools.NewWorkspaceGuard(d.layout.ProjectsDir())),
		tools.WithAuditSink(tools.FileAuditSink{Path: d.layout.AuditLogPath(), Logger: d.logger}),
		tools.WithRegistryLogger(d.logger),
	)
	tools.RegisterBuiltins(registry, tools.NewWorkspaceGuard(d.layout.ProjectsDir()))
	sandbox.RegisterTool(registry, sandbox.NewClient(cfg.Sandbox.Runner))

	client, err := llm.Build(cfg)
	if err != nil {
		d.logger.Warn("llm provider unavailable", "error", err)
		client = unavailableClient{err: err}
	}

	// The event log dispatches through the hook dispatcher, which feeds the
	// queue, whose executor emits back onto the event log. The dispatcher
	// variable is bound after construction to close the cycle.
	var dispatcher *actions.Dispatcher
	d.eventLog = events.NewLog(d.layout,
		events.WithLogger(d.logger),
		events.WithNow(d.now),
		events.WithDispatcher(func(event events.Event) {
			if dispatcher != nil {
				dispatcher.ProcessEvent(event)
			}
		}))

	executor := actions.NewExecutor(d.layout, registry, d.state, client, d.eventLog,
		actions.WithExecutorLogger(d.logger),
		actions.WithMinCallInterval(time.Duration(cfg.Runtime.MinCallIntervalSeconds*float64(time.Second))))
	d.queue = actions.NewQueue(executor.Execute,
		actions.WithWorkers(cfg.Daemon.WorkerCount),
		actions.WithQueueLogger(d.logger))
	dispatcher = actions.NewDispatcher(d.layout, d.state, d.queue,
		actions.WithAllowLLM(false),
		actions.WithDispatcherLogger(d.logger),
		actions.WithDispatcherNow(d.now))

	d.engine = scheduler.NewEngine(d.layout.SchedulesPath(), scheduler.WithEngineLogger(d.logger))
	d.jobs = jobs.NewRunner(d.layout, d.queueEmitter, d.logger)
	return d
}

// EventLog exposes the daemon's event log (used by the CLI surface).
func (d *Daemon) EventLog() *events.Log { return d.eventLog }

// queueEmitter emits without synchronous dispatch; the daemon drains the
// queue on its own tick to keep producers non-blocking.
func (d *Daemon) queueEmitter(event events.Event) string {
	return d.eventLog.Emit(event, false)
}

// Run executes the daemon loop until the context is canceled. Every tick:
// start newly discovered jobs, tick the scheduler, drain the queued events
// into the hook dispatcher.
func (d *Daemon) Run(ctx context.Context) error {
	// A crashed worker can never decrement; no other process shares the
	// state file, so a startup reset is safe.
	d.state.ResetInflight()
	d.queue.Start()
	defer func() {
		d.jobs.StopAll()
		d.queue.Stop()
	}()

	interval := time.Duration(d.cfg.Daemon.TickIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.Tick()
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one daemon iteration: job discovery, scheduler tick, event
// drain. Failures are logged and never stop the loop.
func (d *Daemon) Tick() {
	d.ensureJobsStarted()
	d.engine.Tick(d.now(), func(event events.Event) string {
		return d.queueEmitter(event)
	})
	d.eventLog.Drain()
}

// WaitForIdle blocks until the action queue drained (tests and run-once).
func (d *Daemon) WaitForIdle(timeout time.Duration) bool {
	return d.queue.WaitForIdle(timeout)
}

func (d *Daemon) ensureJobsStarted() {
	for _, jobID := range d.jobs.List() {
		if d.started[jobID] {
			continue
		}
		if _, err := d.jobs.StartJob(jobID); err != nil {
			d.logger.Error("job start failed", "job_id", jobID, "error", err)
			continue
		}
		d.started[jobID] = true
		d.logger.Info("job started", "job_id", jobID)
	}
}
