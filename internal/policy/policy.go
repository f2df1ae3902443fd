// Package policy loads sub-agent configuration: job timing, worker spawning, inbox and model settings.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnvVar names the environment variable holding the config file path.
const ConfigEnvVar = "SUBAGENT_CONFIG"

// GlobalStateDir returns the default global state directory (~/.config/subagent).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "subagent")
}

// JobsConfig controls async job timing and the worker process.
type JobsConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatStaleSeconds    int `yaml:"heartbeat_stale_seconds"`
	KillGraceSeconds         int `yaml:"kill_grace_seconds"`
	MaxAttempts              int `yaml:"max_attempts"`
	StepMaxChars             int `yaml:"step_max_chars"`
	WatchdogIntervalSeconds  int `yaml:"watchdog_interval_seconds"`
	// WorkerCommand overrides the worker executable. Empty means "<this binary> worker".
	WorkerCommand []string `yaml:"worker_command"`
	// Env sets additional environment variables for the worker process.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `yaml:"env"`
	// InheritEnv is a list of glob patterns for env var names to inherit from the parent
	// process. By default all env vars are inherited. ["none"] gives a clean environment.
	InheritEnv []string `yaml:"inherit_env"`
}

// InboxConfig controls the run inbox used for live corrections.
type InboxConfig struct {
	Dir            string `yaml:"dir"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// ModelConfig is one configured model endpoint.
type ModelConfig struct {
	ID        string `yaml:"id"`
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"` // upstream model name; defaults to ID
}

// AgentConfig describes a sub-agent persona.
type AgentConfig struct {
	Model        string   `yaml:"model"`
	Category     string   `yaml:"category"`
	SystemPrompt string   `yaml:"system_prompt"`
	Skills       []string `yaml:"skills"`
}

// Config holds sub-agent configuration.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	SessionRoot   string `yaml:"session_root"`
	StateDir      string `yaml:"state_dir"`
	LogFile       string `yaml:"log_file"`
	EventLog      string `yaml:"event_log"`
	HTTPPort      int    `yaml:"http_port"`

	Jobs         JobsConfig             `yaml:"jobs"`
	Inbox        InboxConfig            `yaml:"inbox"`
	Models       []ModelConfig          `yaml:"models"`
	DefaultModel string                 `yaml:"default_model"`
	Agents       map[string]AgentConfig `yaml:"agents"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Jobs: JobsConfig{
			HeartbeatIntervalSeconds: 10,
			HeartbeatStaleSeconds:    120,
			KillGraceSeconds:         5,
			MaxAttempts:              40,
			StepMaxChars:             4000,
			WatchdogIntervalSeconds:  30,
		},
		Inbox: InboxConfig{
			PollIntervalMs: 1000,
		},
	}
}

// LoadConfig loads configuration from a YAML file. Zero-valued job settings fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Jobs.HeartbeatIntervalSeconds <= 0 {
		c.Jobs.HeartbeatIntervalSeconds = d.Jobs.HeartbeatIntervalSeconds
	}
	if c.Jobs.HeartbeatStaleSeconds <= 0 {
		c.Jobs.HeartbeatStaleSeconds = d.Jobs.HeartbeatStaleSeconds
	}
	if c.Jobs.KillGraceSeconds <= 0 {
		c.Jobs.KillGraceSeconds = d.Jobs.KillGraceSeconds
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = d.Jobs.MaxAttempts
	}
	if c.Jobs.StepMaxChars <= 0 {
		c.Jobs.StepMaxChars = d.Jobs.StepMaxChars
	}
	if c.Jobs.WatchdogIntervalSeconds <= 0 {
		c.Jobs.WatchdogIntervalSeconds = d.Jobs.WatchdogIntervalSeconds
	}
	if c.Inbox.PollIntervalMs <= 0 {
		c.Inbox.PollIntervalMs = d.Inbox.PollIntervalMs
	}
}

// HeartbeatInterval is how often a worker reports liveness.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Jobs.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatStaleThreshold is how long a running job may go silent before it is reported stale.
func (c *Config) HeartbeatStaleThreshold() time.Duration {
	return time.Duration(c.Jobs.HeartbeatStaleSeconds) * time.Second
}

// KillGrace is the wait between SIGTERM and SIGKILL on shutdown.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Jobs.KillGraceSeconds) * time.Second
}

// InboxPollInterval is the fallback poll interval for inbox listeners.
func (c *Config) InboxPollInterval() time.Duration {
	return time.Duration(c.Inbox.PollIntervalMs) * time.Millisecond
}

// ResolveStateDir returns the state directory, defaulting to GlobalStateDir.
func (c *Config) ResolveStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return GlobalStateDir()
}

// InboxDir returns the run inbox directory (default <state_dir>/inbox).
func (c *Config) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return filepath.Join(c.ResolveStateDir(), "inbox")
}

// EventLogPath returns the event log database path (default <state_dir>/events.sqlite).
// "none" or "off" disables it.
func (c *Config) EventLogPath() string {
	switch strings.ToLower(c.EventLog) {
	case "none", "off":
		return ""
	case "":
		return filepath.Join(c.ResolveStateDir(), "events.sqlite")
	}
	return c.EventLog
}

// LogFilePath returns the supervisor log file. "none" or "off" disables file logging.
func (c *Config) LogFilePath() string {
	if c.LogFile == "" {
		return filepath.Join(c.ResolveStateDir(), "subagent.log")
	}
	return c.LogFile
}

// FindModel returns the model config with the given id.
func (c *Config) FindModel(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ResolveAPIKey returns the model's API key, reading APIKeyEnv when APIKey is empty.
func (m ModelConfig) ResolveAPIKey() string {
	if m.APIKey != "" {
		return m.APIKey
	}
	if m.APIKeyEnv != "" {
		return os.Getenv(m.APIKeyEnv)
	}
	return ""
}

// UpstreamModel returns the model name sent to the provider.
func (m ModelConfig) UpstreamModel() string {
	if m.Model != "" {
		return m.Model
	}
	return m.ID
}

// MaskSecret keeps the first and last four characters of a secret.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// Loader caches the parsed config and re-reads the file when forced.
type Loader struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

// NewLoader creates a loader for path. An empty path yields DefaultConfig.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// NewStaticLoader returns a loader that always yields cfg.
func NewStaticLoader(cfg *Config) *Loader {
	return &Loader{cfg: cfg}
}

// Path returns the config file path (may be empty).
func (l *Loader) Path() string {
	return l.path
}

// Load returns the cached config, reading the file on first use or when force is set.
func (l *Loader) Load(force bool) (*Config, error) {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()
	if cfg != nil && (!force || l.path == "") {
		return cfg, nil
	}

	if l.path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, err = LoadConfig(l.path)
		if err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}
