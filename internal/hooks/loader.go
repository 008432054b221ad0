package hooks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// hookFile is the raw YAML shape of a hook definition.
type hookFile struct {
	EventTypes      []string       `yaml:"event_types"`
	Filter          HookFilter     `yaml:"filter"`
	Action          *HookAction    `yaml:"action"`
	Policy          HookPolicy     `yaml:"policy"`
	Enabled         *bool          `yaml:"enabled"`
	DedupeKey       string         `yaml:"dedupe_key"`
	CooldownSeconds int            `yaml:"cooldown_seconds"`
	MaxConcurrency  *int           `yaml:"max_concurrency"`
}

// LoadHook parses and validates a single hook file.
func LoadHook(path string) (Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hook{}, fmt.Errorf("read hook file: %w", err)
	}
	var raw hookFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Hook{}, fmt.Errorf("parse hook yaml: %w", err)
	}

	hookID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	hook := Hook{
		HookID:          hookID,
		EventTypes:      raw.EventTypes,
		Filters:         raw.Filter,
		Policy:          raw.Policy,
		Enabled:         true,
		DedupeKey:       raw.DedupeKey,
		CooldownSeconds: raw.CooldownSeconds,
	}
	if raw.Enabled != nil {
		hook.Enabled = *raw.Enabled
	}
	if raw.Action != nil {
		hook.Action = *raw.Action
	}
	if raw.MaxConcurrency != nil {
		if *raw.MaxConcurrency < 1 {
			return Hook{}, fmt.Errorf("hook %s: max_concurrency must be >= 1", hookID)
		}
		hook.MaxConcurrency = *raw.MaxConcurrency
	}

	if err := validateHook(hook); err != nil {
		return Hook{}, err
	}
	return hook, nil
}

func validateHook(hook Hook) error {
	if len(hook.EventTypes) == 0 {
		return fmt.Errorf("hook %s: event_types must be non-empty", hook.HookID)
	}
	switch hook.Action.Type {
	case ActionToolCall:
		if hook.Action.Tool == "" {
			return fmt.Errorf("hook %s: tool.call requires a tool name", hook.HookID)
		}
	case ActionGraphRun:
	case "":
		return fmt.Errorf("hook %s: action.type must be set", hook.HookID)
	default:
		return fmt.Errorf("hook %s: unsupported action.type %q", hook.HookID, hook.Action.Type)
	}
	if hook.CooldownSeconds < 0 {
		return fmt.Errorf("hook %s: cooldown_seconds must be >= 0", hook.HookID)
	}
	return nil
}

// LoadHooks reads every *.yaml hook under dir in lexical order. Malformed
// files are logged and dropped; the rest of the set loads normally.
func LoadHooks(dir string, logger *slog.Logger) []Hook {
	if logger == nil {
		logger = slog.Default().With("component", "hooks")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("read hooks directory failed", "dir", dir, "error", err)
		}
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	var hooks []Hook
	for _, path := range paths {
		hook, err := LoadHook(path)
		if err != nil {
			logger.Error("hook file dropped", "path", path, "error", err)
			continue
		}
		hooks = append(hooks, hook)
	}
	return hooks
}
