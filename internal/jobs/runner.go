// Package jobs runs resident producers: filesystem watchers, polling
// emitters, and heartbeat writers described by job YAML files under
// <home>/jobs. Each started job owns up to three goroutines that feed the
// event log until stopped.
package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/store"
)

// Emitter sends an event and returns its assigned ID.
type Emitter func(event events.Event) string

// JobConfig is the YAML shape of <home>/jobs/<job_id>.yaml.
type JobConfig struct {
	WatchPaths               []string `yaml:"watch_paths"`
	PollingIntervalSeconds   int      `yaml:"polling_interval_seconds"`
	PollingEventType         string   `yaml:"polling_event_type"`
	DebounceSeconds          int      `yaml:"debounce_seconds"`
	WatchIntervalSeconds     int      `yaml:"watch_interval_seconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
}

// JobStatus is the durable job state at <home>/jobs/state/<job_id>.json.
type JobStatus struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	LastHeartbeatTS string `json:"last_heartbeat_ts,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

type jobHandle struct {
	jobID  string
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	status string
	err    string
}

func (h *jobHandle) recordError(context string, err error) {
	h.mu.Lock()
	h.err = fmt.Sprintf("%s: %v", context, err)
	h.mu.Unlock()
}

// Runner owns the resident jobs of one home directory.
type Runner struct {
	layout config.Layout
	emit   Emitter
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobHandle
}

// NewRunner creates a job runner emitting through emit.
func NewRunner(layout config.Layout, emit Emitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default().With("component", "jobs")
	}
	return &Runner{
		layout: layout,
		emit:   emit,
		logger: logger,
		jobs:   make(map[string]*jobHandle),
	}
}

// List returns the job IDs declared under <home>/jobs.
func (r *Runner) List() []string {
	entries, err := os.ReadDir(r.layout.JobsDir())
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		ids = append(ids, entry.Name()[:len(entry.Name())-len(".yaml")])
	}
	return ids
}

// StartJob loads the job descriptor and spawns its goroutines: a filesystem
// watcher when watch_paths is set, a polling producer when
// polling_interval_seconds is set, and always a heartbeat writer.
func (r *Runner) StartJob(jobID string) (JobStatus, error) {
	if jobID == "" {
		return JobStatus{}, fmt.Errorf("job_id must be non-empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.jobs[jobID]; running {
		return JobStatus{}, fmt.Errorf("job already started: %s", jobID)
	}

	cfg, err := r.loadConfig(jobID)
	if err != nil {
		return JobStatus{}, err
	}

	handle := &jobHandle{
		jobID:  jobID,
		stop:   make(chan struct{}),
		status: "running",
	}
	r.jobs[jobID] = handle

	if len(cfg.WatchPaths) > 0 {
		handle.wg.Add(1)
		go r.watchLoop(handle, cfg)
	}
	if cfg.PollingIntervalSeconds > 0 {
		handle.wg.Add(1)
		go r.pollLoop(handle, cfg)
	}
	handle.wg.Add(1)
	go r.heartbeatLoop(handle, cfg)

	return r.statusLocked(jobID), nil
}

// StopJob signals the job's goroutines, joins them with a timeout, and
// persists the final state.
func (r *Runner) StopJob(jobID string) JobStatus {
	r.mu.Lock()
	handle, running := r.jobs[jobID]
	if running {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	if !running {
		return r.readState(jobID)
	}

	handle.mu.Lock()
	handle.status = "stopped"
	handle.mu.Unlock()
	close(handle.stop)

	done := make(chan struct{})
	go func() {
		handle.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("job goroutines did not stop in time", "job_id", jobID)
	}

	r.writeState(handle)
	return r.readState(jobID)
}

// StopAll stops every running job.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.StopJob(id)
	}
}

// StatusJob reports a job's current status.
func (r *Runner) StatusJob(jobID string) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(jobID)
}

func (r *Runner) statusLocked(jobID string) JobStatus {
	handle, running := r.jobs[jobID]
	if !running {
		return r.readState(jobID)
	}
	persisted := r.readState(jobID)
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return JobStatus{
		JobID:           jobID,
		Status:          handle.status,
		LastHeartbeatTS: persisted.LastHeartbeatTS,
		LastError:       handle.err,
	}
}

func (r *Runner) loadConfig(jobID string) (JobConfig, error) {
	path := filepath.Join(r.layout.JobsDir(), jobID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return JobConfig{}, fmt.Errorf("read job config: %w", err)
	}
	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return JobConfig{}, fmt.Errorf("parse job config: %w", err)
	}
	if cfg.PollingEventType == "" {
		cfg.PollingEventType = "job.polling"
	}
	if cfg.DebounceSeconds <= 0 {
		cfg.DebounceSeconds = 1
	}
	if cfg.WatchIntervalSeconds <= 0 {
		cfg.WatchIntervalSeconds = 1
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 5
	}
	return cfg, nil
}

func (r *Runner) writeState(handle *jobHandle) {
	handle.mu.Lock()
	status := JobStatus{
		JobID:           handle.jobID,
		Status:          handle.status,
		LastHeartbeatTS: time.Now().Format(time.RFC3339),
		LastError:       handle.err,
	}
	handle.mu.Unlock()
	if err := store.WriteJSON(r.layout.JobStatePath(handle.jobID), status); err != nil {
		r.logger.Error("write job state failed", "job_id", handle.jobID, "error", err)
	}
}

func (r *Runner) readState(jobID string) JobStatus {
	var status JobStatus
	if err := store.ReadJSON(r.layout.JobStatePath(jobID), &status); err != nil {
		return JobStatus{JobID: jobID, Status: "unknown"}
	}
	return status
}
