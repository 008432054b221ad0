package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func newBuiltinRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	registry := NewRegistry(
		WithPolicy(ToolPolicy{Allow: []string{"filesystem.*"}}),
		WithWorkspaceGuard(NewWorkspaceGuard(root)),
	)
	RegisterBuiltins(registry, NewWorkspaceGuard(root))
	return registry, root
}

func TestBuiltin_WriteThenRead(t *testing.T) {
	registry, _ := newBuiltinRegistry(t)
	ctx := context.Background()

	write := registry.Call(ctx, ToolCall{
		Tool: "filesystem.write",
		Args: map[string]any{"path": "docs/a.txt", "content": "hello"},
	}, false)
	if write.IsError {
		t.Fatalf("write failed: %+v", write)
	}

	read := registry.Call(ctx, ToolCall{
		Tool: "filesystem.read",
		Args: map[string]any{"path": "docs/a.txt"},
	}, false)
	if read.IsError || read.AsText() != "hello" {
		t.Errorf("read = %+v, want hello", read)
	}
}

func TestBuiltin_List(t *testing.T) {
	registry, root := newBuiltinRegistry(t)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := registry.Call(context.Background(), ToolCall{
		Tool: "filesystem.list",
		Args: map[string]any{"path": "."},
	}, false)
	if result.IsError {
		t.Fatalf("list failed: %+v", result)
	}
	text := result.AsText()
	if !strings.Contains(text, "b.txt") || !strings.Contains(text, "sub/") {
		t.Errorf("listing = %q", text)
	}
}
