package jobs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/amon/internal/events"
)

// fileMeta is the (mtime, size) snapshot entry per file.
type fileMeta struct {
	modTime time.Time
	size    int64
}

// watchLoop diffs (mtime, size) snapshots of the watched paths at every poll
// interval and emits doc.created/doc.updated/doc.deleted events with
// per-(path,type) debounce. An fsnotify watcher, when available, triggers an
// immediate rescan between polls; the snapshot diff stays the source of truth.
func (r *Runner) watchLoop(handle *jobHandle, cfg JobConfig) {
	defer handle.wg.Done()

	debounce := time.Duration(cfg.DebounceSeconds) * time.Second
	interval := time.Duration(cfg.WatchIntervalSeconds) * time.Second
	lastEmitted := map[[2]string]time.Time{}
	snapshot := scanPaths(cfg.WatchPaths)

	var notify <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		for _, path := range cfg.WatchPaths {
			_ = watcher.Add(path) //nolint:errcheck
		}
		notify = watcher.Events
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
		case <-notify:
		}

		next := scanPaths(cfg.WatchPaths)
		r.diffSnapshots(handle, snapshot, next, lastEmitted, debounce)
		snapshot = next
	}
}

func (r *Runner) diffSnapshots(handle *jobHandle, old, next map[string]fileMeta, lastEmitted map[[2]string]time.Time, debounce time.Duration) {
	now := time.Now()
	for path, meta := range next {
		previous, existed := old[path]
		switch {
		case !existed:
			r.emitFSEvent(handle, "doc.created", path, meta.size, lastEmitted, now, debounce)
		case previous != meta:
			r.emitFSEvent(handle, "doc.updated", path, meta.size, lastEmitted, now, debounce)
		}
	}
	for path := range old {
		if _, still := next[path]; !still {
			r.emitFSEvent(handle, "doc.deleted", path, 0, lastEmitted, now, debounce)
		}
	}
}

func (r *Runner) emitFSEvent(handle *jobHandle, eventType, path string, size int64, lastEmitted map[[2]string]time.Time, now time.Time, debounce time.Duration) {
	key := [2]string{path, eventType}
	if last, seen := lastEmitted[key]; seen && now.Sub(last) < debounce {
		return
	}
	lastEmitted[key] = now

	r.emit(events.Event{
		Type:  eventType,
		Scope: events.ScopeJob,
		Actor: "job:" + handle.jobID,
		Risk:  events.RiskLow,
		Payload: map[string]any{
			"job_id": handle.jobID,
			"path":   path,
			"size":   size,
		},
	})
}

// scanPaths snapshots every file under the watched paths. Unreadable entries
// are skipped.
func scanPaths(paths []string) map[string]fileMeta {
	snapshot := map[string]fileMeta{}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			snapshot[root] = fileMeta{modTime: info.ModTime(), size: info.Size()}
			continue
		}
		_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error { //nolint:errcheck
			if err != nil || entry.IsDir() {
				return nil
			}
			fileInfo, err := entry.Info()
			if err != nil {
				return nil
			}
			snapshot[path] = fileMeta{modTime: fileInfo.ModTime(), size: fileInfo.Size()}
			return nil
		})
	}
	return snapshot
}

// pollLoop emits the configured event type at the requested cadence.
func (r *Runner) pollLoop(handle *jobHandle, cfg JobConfig) {
	defer handle.wg.Done()

	ticker := time.NewTicker(time.Duration(cfg.PollingIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
			r.emit(events.Event{
				Type:  cfg.PollingEventType,
				Scope: events.ScopeJob,
				Actor: "job:" + handle.jobID,
				Risk:  events.RiskLow,
				Payload: map[string]any{
					"job_id": handle.jobID,
				},
			})
		}
	}
}

// heartbeatLoop persists the job state on every interval and once on exit.
func (r *Runner) heartbeatLoop(handle *jobHandle, cfg JobConfig) {
	defer handle.wg.Done()

	ticker := time.NewTicker(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second)
	defer ticker.Stop()
	r.writeState(handle)
	for {
		select {
		case <-handle.stop:
			r.writeState(handle)
			return
		case <-ticker.C:
			r.writeState(handle)
		}
	}
}
