// Package actions implements the asynchronous hook action queue: a single
// unbounded FIFO drained by a configurable worker pool, plus the dispatcher
// that feeds it from matched hooks.
package actions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/metrics"
)

// Action is one queued unit of hook work.
type Action struct {
	ActionID string
	HookID   string
	Type     string
	Tool     string
	Args     map[string]any
	Event    events.Event
	AllowLLM bool
	TimeoutS int
}

// ExecuteFunc runs one action to completion. Implementations never panic the
// worker; failures are logged and audited inside.
type ExecuteFunc func(action Action)

// Queue is an unbounded FIFO served by N workers.
type Queue struct {
	execute ExecuteFunc
	workers int
	logger  *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []Action
	unfinished int
	stopping   bool
	started    bool
	wg         sync.WaitGroup
}

// QueueOption configures a queue.
type QueueOption func(*Queue)

// WithWorkers sets the worker count (default 1).
func WithWorkers(workers int) QueueOption {
	return func(q *Queue) {
		if workers > 0 {
			q.workers = workers
		}
	}
}

// WithQueueLogger sets the diagnostic logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue creates a queue over the given executor.
func NewQueue(execute ExecuteFunc, opts ...QueueOption) *Queue {
	q := &Queue{
		execute: execute,
		workers: 1,
		logger:  slog.Default().With("component", "actions"),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool. Starting twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stopping = false
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(i)
	}
}

// Enqueue appends an action and returns its stable action ID.
func (q *Queue) Enqueue(action Action) string {
	if action.ActionID == "" {
		action.ActionID = uuid.New().String()
	}
	q.mu.Lock()
	q.pending = append(q.pending, action)
	q.unfinished++
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.cond.Signal()
	q.mu.Unlock()
	return action.ActionID
}

// WaitForIdle blocks until every enqueued action has finished or the timeout
// elapses. It reports whether the queue drained.
func (q *Queue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		idle := q.unfinished == 0
		q.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Stop signals workers to exit once the queue is drained and joins them with
// a timeout.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		q.logger.Warn("action workers did not stop in time")
	}

	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
}

func (q *Queue) workerLoop(index int) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.stopping {
			q.mu.Unlock()
			return
		}
		action := q.pending[0]
		q.pending = q.pending[1:]
		metrics.QueueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		q.runAction(action)

		q.mu.Lock()
		q.unfinished--
		q.mu.Unlock()
	}
}

// runAction shields the worker from executor panics.
func (q *Queue) runAction(action Action) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("action execution panicked", "action_id", action.ActionID, "panic", r)
			metrics.ActionsTotal.WithLabelValues("panic").Inc()
		}
	}()
	q.execute(action)
}
