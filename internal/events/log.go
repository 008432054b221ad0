package events

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/store"
)

// Dispatcher receives a fully-populated event synchronously at emission time.
// It must not block on user code; it only matches, enqueues, and updates hook
// state.
type Dispatcher func(Event)

// Log is the process-wide event emitter. It assigns IDs and timestamps,
// appends to the global JSONL log (and a per-project log when the project
// exists), and hands events to the dispatcher either synchronously or through
// a drainable queue.
type Log struct {
	layout     config.Layout
	logger     *slog.Logger
	now        func() time.Time
	dispatcher Dispatcher

	mu    sync.Mutex
	queue []Event
}

// Option configures the event log.
type Option func(*Log)

// WithLogger configures the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDispatcher configures the hook dispatcher invoked on emission.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Log) {
		l.dispatcher = d
	}
}

// NewLog creates an event log rooted at the given home layout.
func NewLog(layout config.Layout, opts ...Option) *Log {
	l := &Log{
		layout: layout,
		logger: slog.Default().With("component", "events"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit assigns event_id and ts, appends the event to the logs, and either
// dispatches it to hooks immediately (dispatchHooks=true) or parks it on the
// drain queue. Log-write failures never propagate to the caller; they degrade
// to diagnostic records.
func (l *Log) Emit(event Event, dispatchHooks bool) string {
	event.EventID = uuid.New().String()
	event.TS = l.now().Format(time.RFC3339)

	l.append(event)

	if dispatchHooks {
		if l.dispatcher != nil {
			l.dispatcher(event)
		}
		return event.EventID
	}

	l.mu.Lock()
	l.queue = append(l.queue, event)
	l.mu.Unlock()
	return event.EventID
}

// Drain removes all queued events and hands each to the dispatcher. Emitting
// with dispatchHooks=false followed by Drain is equivalent to emitting with
// dispatchHooks=true.
func (l *Log) Drain() []Event {
	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	if l.dispatcher != nil {
		for _, event := range queued {
			l.dispatcher(event)
		}
	}
	return queued
}

func (l *Log) append(event Event) {
	if err := store.AppendJSONL(l.layout.EventLogPath(), event); err != nil {
		l.logger.Error("append global event log failed", "error", err, "event_type", event.Type)
	}
	if event.ProjectID == "" {
		return
	}
	if _, err := os.Stat(l.layout.ProjectFile(event.ProjectID)); err != nil {
		return
	}
	path := l.layout.ProjectEventLogPath(event.ProjectID)
	if err := store.AppendJSONL(path, event); err != nil {
		l.logger.Error("append project event log failed", "error", err, "project_id", event.ProjectID)
	}
}
