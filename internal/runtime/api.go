package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/llm"
	"github.com/haasonsaas/amon/internal/store"
	"github.com/haasonsaas/amon/internal/taskgraph"
)

// ErrRunNotFound reports a missing run directory or state file.
var ErrRunNotFound = errors.New("run not found")

// API exposes the start/cancel/status surface over run directories.
type API struct {
	projectID  string
	projectDir string
	client     llm.Client
	dispatch   ToolDispatcher
	logger     *slog.Logger
}

// NewAPI creates the run API for one project. ProjectID is the short
// identifier; projectDir is its resolved directory.
func NewAPI(projectID, projectDir string, client llm.Client, dispatch ToolDispatcher, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default().With("component", "runapi")
	}
	return &API{projectID: projectID, projectDir: projectDir, client: client, dispatch: dispatch, logger: logger}
}

// StartRun loads the graph at graphPath, materializes the run directory, and
// executes the run on a background goroutine. It returns the run ID
// immediately.
func (a *API) StartRun(graphPath string, variables map[string]any) (string, error) {
	data, err := os.ReadFile(graphPath)
	if err != nil {
		return "", fmt.Errorf("read graph: %w", err)
	}
	graph, err := taskgraph.Loads(string(data))
	if err != nil {
		return "", err
	}

	rt := New(a.projectDir, graph, a.client,
		WithProjectID(a.projectID),
		WithVariables(variables),
		WithToolDispatcher(a.dispatch),
		WithRuntimeLogger(a.logger),
	)

	go func() {
		if _, err := rt.Run(); err != nil {
			a.logger.Error("run failed", "run_id", rt.RunID(), "error", err)
		}
	}()
	return rt.RunID(), nil
}

// StatusRun reads the durable state of a run.
func (a *API) StatusRun(runID string) (*RunState, error) {
	statePath := filepath.Join(config.RunDir(a.projectDir, runID), "state.json")
	if _, err := os.Stat(statePath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var state RunState
	if err := store.ReadJSON(statePath, &state); err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}
	return &state, nil
}

// CancelRun atomically creates the cancel marker for a run. The runtime
// observes the marker within one poll cycle.
func (a *API) CancelRun(runID string) (string, error) {
	runDir := config.RunDir(a.projectDir, runID)
	if _, err := os.Stat(runDir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	marker := map[string]any{"cancelled_at": time.Now().Format(time.RFC3339)}
	if err := store.WriteJSON(filepath.Join(runDir, "cancel.json"), marker); err != nil {
		return "", fmt.Errorf("write cancel marker: %w", err)
	}
	return "cancelled", nil
}
