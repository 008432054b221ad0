// Package store provides the filesystem substrate shared by every component:
// atomic temp-file+rename writes, append-only JSONL logs, and path safety
// primitives. Readers of files written through this package observe either the
// previous complete file or the new one, never a torn write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WriteText atomically writes content to path, creating parent directories as
// needed. The content is written to a sibling temp file in the same directory,
// fsynced, then renamed over the destination.
func WriteText(path string, content string) error {
	return WriteBytes(path, []byte(content))
}

// WriteBytes is WriteText for raw bytes.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteBytes(path, append(data, '\n'))
}

// ReadJSON reads path and unmarshals it into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal json %s: %w", path, err)
	}
	return nil
}

// appendLocks serializes appends per file path within this process.
var appendLocks sync.Map // path -> *sync.Mutex

func appendLock(path string) *sync.Mutex {
	mu, _ := appendLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
