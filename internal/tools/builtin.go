package tools

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/haasonsaas/amon/internal/store"
)

// RegisterBuiltins registers the builtin filesystem tools, confined to the
// guard's workspace root. Process/terminal tools stay external; only their
// cwd contract is enforced by the registry.
func RegisterBuiltins(r *Registry, guard *WorkspaceGuard) {
	r.Register(ToolSpec{
		Name:        "filesystem.read",
		Description: "Read a UTF-8 text file from the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
		Annotations: map[string]any{"builtin": true},
	}, func(ctx context.Context, call ToolCall) (ToolResult, error) {
		resolved, err := guard.AssertInWorkspace(stringArg(call, "path"))
		if err != nil {
			return ToolResult{}, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return ToolResult{}, fmt.Errorf("read file: %w", err)
		}
		return TextResult(string(data)), nil
	})

	r.Register(ToolSpec{
		Name:        "filesystem.write",
		Description: "Atomically write a UTF-8 text file inside the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
		Annotations: map[string]any{"builtin": true},
	}, func(ctx context.Context, call ToolCall) (ToolResult, error) {
		resolved, err := guard.AssertInWorkspace(stringArg(call, "path"))
		if err != nil {
			return ToolResult{}, err
		}
		if err := store.WriteText(resolved, stringArg(call, "content")); err != nil {
			return ToolResult{}, fmt.Errorf("write file: %w", err)
		}
		return TextResult(resolved), nil
	})

	r.Register(ToolSpec{
		Name:        "filesystem.list",
		Description: "List directory entries inside the workspace.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
		Annotations: map[string]any{"builtin": true},
	}, func(ctx context.Context, call ToolCall) (ToolResult, error) {
		path := stringArg(call, "path")
		if path == "" {
			path = "."
		}
		resolved, err := guard.AssertInWorkspace(path)
		if err != nil {
			return ToolResult{}, err
		}
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return ToolResult{}, fmt.Errorf("list directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		var out string
		for _, name := range names {
			out += name + "\n"
		}
		return TextResult(out), nil
	})
}

func stringArg(call ToolCall, key string) string {
	value, _ := call.Args[key].(string)
	return value
}
