// Package config loads the global amon configuration and resolves the home
// directory layout under which all durable state lives.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvHome overrides the default home directory when set.
const EnvHome = "AMON_HOME"

// Config is the merged global configuration from <home>/config.yaml.
type Config struct {
	Daemon    DaemonConfig              `yaml:"daemon"`
	Runtime   RuntimeConfig             `yaml:"runtime"`
	Policy    PolicyConfig              `yaml:"policy"`
	Provider  string                    `yaml:"provider"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
}

// DaemonConfig controls the daemon loop and action queue.
type DaemonConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	WorkerCount         int `yaml:"worker_count"`
}

// RuntimeConfig controls TaskGraph execution.
type RuntimeConfig struct {
	MinCallIntervalSeconds float64 `yaml:"min_call_interval_s"`
}

// PolicyConfig holds the ordered glob tiers for tool dispatch.
type PolicyConfig struct {
	Deny  []string `yaml:"deny"`
	Ask   []string `yaml:"ask"`
	Allow []string `yaml:"allow"`
}

// ProviderConfig describes one LLM provider endpoint.
type ProviderConfig struct {
	Type         string `yaml:"type"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	TimeoutS     int    `yaml:"timeout_s"`
}

// SandboxConfig describes the remote code runner endpoint.
type SandboxConfig struct {
	Runner SandboxRunnerConfig `yaml:"runner"`
}

// SandboxRunnerConfig mirrors the sandbox.runner block of config.yaml.
type SandboxRunnerConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutS  int    `yaml:"timeout_s"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Default returns the built-in configuration, merged first on load.
func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			TickIntervalSeconds: 5,
			WorkerCount:         1,
		},
		Policy: PolicyConfig{
			Allow: []string{"filesystem.*", "sandbox.*"},
		},
		Provider: "openai",
		Providers: map[string]ProviderConfig{
			"openai": {
				Type:         "openai_compatible",
				BaseURL:      "https://api.openai.com/v1",
				APIKeyEnv:    "OPENAI_API_KEY",
				DefaultModel: "gpt-4o-mini",
				TimeoutS:     60,
			},
			"anthropic": {
				Type:         "anthropic",
				APIKeyEnv:    "ANTHROPIC_API_KEY",
				DefaultModel: "claude-sonnet-4-5",
				TimeoutS:     60,
			},
		},
		Sandbox: SandboxConfig{
			Runner: SandboxRunnerConfig{
				BaseURL:  "http://127.0.0.1:8088",
				TimeoutS: 30,
			},
		},
	}
}

// Home resolves the amon home directory: AMON_HOME when set, otherwise
// ~/.amon.
func Home() (string, error) {
	if env := os.Getenv(EnvHome); env != "" {
		return expandHome(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, ".amon"), nil
}

func expandHome(path string) (string, error) {
	if path == "~" || (len(path) > 1 && path[:2] == "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Load reads <home>/config.yaml over the defaults. A missing file yields the
// defaults unchanged.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	if cfg.Daemon.TickIntervalSeconds <= 0 {
		cfg.Daemon.TickIntervalSeconds = 5
	}
	if cfg.Daemon.WorkerCount < 1 {
		cfg.Daemon.WorkerCount = 1
	}
	return cfg, nil
}
