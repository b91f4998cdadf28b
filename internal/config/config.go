// Package config loads and persists vessel configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all vessel configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Language-model collaborator
	LLM LLMConfig `yaml:"llm"`

	// Isolation runtime
	Isolation IsolationConfig `yaml:"isolation"`

	// Memory store
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the remote language-model client.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	MaxTokens int    `yaml:"max_tokens"`

	// ToolServers are external tool-server declarations passed to the
	// API untouched; vessel does not interpret them.
	ToolServers []map[string]interface{} `yaml:"tool_servers"`
}

// IsolationConfig configures the isolation runtime backends.
type IsolationConfig struct {
	// Backend selects the realization: "container" or "vm".
	Backend string `yaml:"backend"`

	// Profile is the default profile tier applied at session start.
	Profile string `yaml:"profile"`

	// Container backend
	Image      string `yaml:"image"`
	EngineHost string `yaml:"engine_host"` // Docker Engine API socket, e.g. unix:///var/run/docker.sock
	SkillsDir  string `yaml:"skills_dir"`  // mounted read-only into every session
	SessionDir string `yaml:"session_dir"` // per-session read-write mount root

	// VM backend
	HelperPath string   `yaml:"helper_path"`
	HelperArgs []string `yaml:"helper_args"`

	// Execution defaults
	CommandTimeout string `yaml:"command_timeout"`
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	DataDir       string `yaml:"data_dir"`
	FlushInterval string `yaml:"flush_interval"`
	Watchexternal bool   `yaml:"watch_external"` // reload databases rewritten by an external sync agent
	TraceDB       string `yaml:"trace_db"`       // SQLite audit trail path
}

// LoggingConfig controls categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".vessel")

	return &Config{
		Name:    "vessel",
		Version: "1.0.0",
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-5-20250514",
			BaseURL:   "https://api.anthropic.com/v1",
			Timeout:   "10m",
			MaxTokens: 8192,
		},
		Isolation: IsolationConfig{
			Backend:        "container",
			Profile:        "balanced",
			Image:          "vessel-session:latest",
			EngineHost:     "unix:///var/run/docker.sock",
			SkillsDir:      filepath.Join(dataDir, "skills"),
			SessionDir:     filepath.Join(dataDir, "sessions"),
			CommandTimeout: "30s",
		},
		Memory: MemoryConfig{
			DataDir:       dataDir,
			FlushInterval: "60s",
			TraceDB:       filepath.Join(dataDir, "trace.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, applying defaults for missing fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnvOverrides lets environment variables win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VESSEL_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("VESSEL_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("VESSEL_BACKEND"); v != "" {
		cfg.Isolation.Backend = v
	}
	if v := os.Getenv("VESSEL_DATA_DIR"); v != "" {
		cfg.Memory.DataDir = v
	}
}

// CommandTimeout parses the configured default command timeout.
func (c *IsolationConfig) CommandTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// FlushIntervalDuration parses the configured autosave interval.
func (c *MemoryConfig) FlushIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
