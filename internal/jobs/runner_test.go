package jobs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/store"
)

type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) emit(event events.Event) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return "evt"
}

func (c *eventCollector) byType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []events.Event
	for _, event := range c.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func writeJobConfig(t *testing.T, layout config.Layout, jobID, body string) {
	t.Helper()
	path := filepath.Join(layout.JobsDir(), jobID+".yaml")
	if err := store.WriteText(path, body); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestStartJob_WatcherEmitsLifecycleEvents(t *testing.T) {
	home := t.TempDir()
	layout := config.NewLayout(home)
	watched := filepath.Join(home, "inbox")
	if err := os.MkdirAll(watched, 0o755); err != nil {
		t.Fatal(err)
	}
	writeJobConfig(t, layout, "watcher", "watch_paths:\n  - "+watched+"\nwatch_interval_seconds: 1\ndebounce_seconds: 1\n")

	collector := &eventCollector{}
	runner := NewRunner(layout, collector.emit, nil)
	if _, err := runner.StartJob("watcher"); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	defer runner.StopAll()

	target := filepath.Join(watched, "note.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(collector.byType("doc.created")) >= 1 })

	// Update past the debounce window.
	time.Sleep(1100 * time.Millisecond)
	if err := os.WriteFile(target, []byte("hello more content"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(collector.byType("doc.updated")) >= 1 })

	time.Sleep(1100 * time.Millisecond)
	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(collector.byType("doc.deleted")) >= 1 })

	created := collector.byType("doc.created")
	if created[0].Payload["path"] != target {
		t.Errorf("payload = %v", created[0].Payload)
	}
}

func TestStartJob_PollingProducer(t *testing.T) {
	home := t.TempDir()
	layout := config.NewLayout(home)
	writeJobConfig(t, layout, "poller", "polling_interval_seconds: 1\npolling_event_type: inbox.poll\n")

	collector := &eventCollector{}
	runner := NewRunner(layout, collector.emit, nil)
	if _, err := runner.StartJob("poller"); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	defer runner.StopAll()

	waitFor(t, 5*time.Second, func() bool { return len(collector.byType("inbox.poll")) >= 2 })
}

func TestStartJob_HeartbeatPersisted(t *testing.T) {
	home := t.TempDir()
	layout := config.NewLayout(home)
	writeJobConfig(t, layout, "hb", "heartbeat_interval_seconds: 1\n")

	collector := &eventCollector{}
	runner := NewRunner(layout, collector.emit, nil)
	if _, err := runner.StartJob("hb"); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		var status JobStatus
		if err := store.ReadJSON(layout.JobStatePath("hb"), &status); err != nil {
			return false
		}
		return status.Status == "running" && status.LastHeartbeatTS != ""
	})

	final := runner.StopJob("hb")
	if final.Status != "stopped" {
		t.Errorf("final status = %q, want stopped", final.Status)
	}
}

func TestStartJob_DoubleStartRejected(t *testing.T) {
	home := t.TempDir()
	layout := config.NewLayout(home)
	writeJobConfig(t, layout, "dup", "heartbeat_interval_seconds: 1\n")

	runner := NewRunner(layout, (&eventCollector{}).emit, nil)
	if _, err := runner.StartJob("dup"); err != nil {
		t.Fatal(err)
	}
	defer runner.StopAll()
	if _, err := runner.StartJob("dup"); err == nil {
		t.Error("second StartJob must fail")
	}
}

func TestList(t *testing.T) {
	home := t.TempDir()
	layout := config.NewLayout(home)
	writeJobConfig(t, layout, "a", "")
	writeJobConfig(t, layout, "b", "")

	runner := NewRunner(layout, (&eventCollector{}).emit, nil)
	ids := runner.List()
	if len(ids) != 2 {
		t.Errorf("ids = %v", ids)
	}
}
