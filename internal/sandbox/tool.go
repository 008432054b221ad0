package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/store"
	"github.com/haasonsaas/amon/internal/tools"
)

// RegisterTool registers sandbox.run_code on the registry. When a run
// directory is known from the call lineage, the request and result are
// persisted under <run_dir>/sandbox/<step_id>/ for audit.
func RegisterTool(registry *tools.Registry, client *Client) {
	registry.Register(tools.ToolSpec{
		Name:        "sandbox.run_code",
		Description: "Execute code in the remote sandbox runner.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language":  map[string]any{"type": "string"},
				"code":      map[string]any{"type": "string"},
				"timeout_s": map[string]any{"type": "integer"},
				"step_id":   map[string]any{"type": "string"},
			},
			"required": []any{"language", "code"},
		},
		Annotations: map[string]any{"builtin": true},
	}, func(ctx context.Context, call tools.ToolCall) (tools.ToolResult, error) {
		language, _ := call.Args["language"].(string)
		code, _ := call.Args["code"].(string)
		timeoutS := 0
		if v, ok := call.Args["timeout_s"].(float64); ok {
			timeoutS = int(v)
		}

		request := RunRequest{Language: language, Code: code, TimeoutS: timeoutS}
		result, err := client.RunCode(request)
		if err != nil {
			return tools.ToolResult{}, err
		}

		persistStepArtifacts(call, request, result)

		if result.TimedOut {
			return tools.ErrorResult("timeout", "sandbox execution timed out"), nil
		}
		if result.ExitCode != 0 {
			return tools.ErrorResult("execution_failed",
				fmt.Sprintf("exit %d: %s", result.ExitCode, result.Stderr)), nil
		}
		return tools.TextResult(result.Stdout), nil
	})
}

// EnsureStepDir creates (idempotently) and returns the per-step sandbox
// directory <project>/.amon/runs/<run_id>/sandbox/<step_id>.
func EnsureStepDir(projectDir, runID, stepID string) (string, error) {
	safeStep, err := store.ValidateRelativePath(stepID)
	if err != nil {
		return "", err
	}
	stepDir := filepath.Join(config.RunDir(projectDir, runID), "sandbox", safeStep)
	if err := os.MkdirAll(stepDir, 0o755); err != nil {
		return "", fmt.Errorf("create step directory: %w", err)
	}
	return stepDir, nil
}

// persistStepArtifacts writes request.json and result.json under the run's
// sandbox directory when the call carries run lineage. Best effort.
func persistStepArtifacts(call tools.ToolCall, request RunRequest, result *RunResult) {
	if call.ProjectDir == "" || call.RunID == "" {
		return
	}
	stepID, _ := call.Args["step_id"].(string)
	if stepID == "" {
		stepID = call.NodeID
	}
	if stepID == "" {
		return
	}
	stepDir, err := EnsureStepDir(call.ProjectDir, call.RunID, stepID)
	if err != nil {
		return
	}

	if data, err := json.MarshalIndent(request, "", "  "); err == nil {
		_ = store.WriteBytes(filepath.Join(stepDir, "request.json"), data) //nolint:errcheck
	}
	if data, err := json.MarshalIndent(result, "", "  "); err == nil {
		_ = store.WriteBytes(filepath.Join(stepDir, "result.json"), data) //nolint:errcheck
	}
}
