// Package config provides configuration loading, validation, and defaults
// for the researchd service. Configuration comes from a YAML file with
// environment variable substitution for secrets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kind constants.
const (
	ProviderKindAnthropic = "anthropic"
	ProviderKindOpenAI    = "openai"
	ProviderKindOllama    = "ollama"
	ProviderKindGemini    = "gemini"
)

// Default tuning values applied when the config file leaves them unset.
const (
	DefaultListenAddr       = ":8080"
	DefaultDBPath           = "researchd.db"
	DefaultJournalDir       = "journal"
	DefaultWorkers          = 4
	DefaultQueueDepth       = 64
	DefaultMaxStageAttempts = 3
	DefaultToolTimeoutSec   = 30
	DefaultProbeTimeoutSec  = 5
)

// ProviderCfg configures one named AI backend variant.
type ProviderCfg struct {
	Kind      string `yaml:"kind"`     // anthropic, openai, ollama, gemini
	Model     string `yaml:"model"`    // backend model identifier
	APIKey    string `yaml:"api_key"`  // supports ${ENV_VAR} substitution
	Host      string `yaml:"host"`     // ollama only, e.g. http://localhost:11434
	MaxTokens int    `yaml:"max_tokens"`
}

// ToolCfg configures the external documentation/search tool endpoint.
type ToolCfg struct {
	Endpoint   string `yaml:"endpoint"`
	TimeoutSec int    `yaml:"timeout_sec"`
	CacheSize  int    `yaml:"cache_size"`
}

// HealthCfg configures the health aggregator.
type HealthCfg struct {
	ProbeTimeoutSec int    `yaml:"probe_timeout_sec"`
	Schedule        string `yaml:"schedule"`    // "nightly" or "off"
	SandboxURL      string `yaml:"sandbox_url"` // repo-analyzer container base URL
}

// PipelineCfg configures the workflow orchestrator.
type PipelineCfg struct {
	Workers          int     `yaml:"workers"`
	QueueDepth       int     `yaml:"queue_depth"`
	MaxStageAttempts int     `yaml:"max_stage_attempts"`
	BackoffInitialMS int     `yaml:"backoff_initial_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	DefaultProvider  string  `yaml:"default_provider"`
}

// MetricsCfg configures the optional Prometheus read-back side.
type MetricsCfg struct {
	// PrometheusURL is the base URL of a Prometheus server scraping this
	// service. Empty disables the session metrics query endpoint.
	PrometheusURL string `yaml:"prometheus_url"`
}

// AdminCfg configures operator-facing endpoints.
type AdminCfg struct {
	// PasswordHash is a bcrypt hash guarding mutating admin endpoints.
	// Empty disables auth (local development only).
	PasswordHash string `yaml:"password_hash"`
}

// Config is the root configuration for the researchd service.
type Config struct {
	ListenAddr string                 `yaml:"listen_addr"`
	DBPath     string                 `yaml:"db_path"`
	JournalDir string                 `yaml:"journal_dir"`
	Providers  map[string]ProviderCfg `yaml:"providers"`
	Tool       ToolCfg                `yaml:"tool"`
	Health     HealthCfg              `yaml:"health"`
	Pipeline   PipelineCfg            `yaml:"pipeline"`
	Metrics    MetricsCfg             `yaml:"metrics"`
	Admin      AdminCfg               `yaml:"admin"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string, which validation catches later.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.JournalDir == "" {
		c.JournalDir = DefaultJournalDir
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = DefaultWorkers
	}
	if c.Pipeline.QueueDepth <= 0 {
		c.Pipeline.QueueDepth = DefaultQueueDepth
	}
	if c.Pipeline.MaxStageAttempts <= 0 {
		c.Pipeline.MaxStageAttempts = DefaultMaxStageAttempts
	}
	if c.Pipeline.BackoffInitialMS <= 0 {
		c.Pipeline.BackoffInitialMS = 200
	}
	if c.Pipeline.BackoffFactor <= 1.0 {
		c.Pipeline.BackoffFactor = 2.0
	}
	if c.Tool.TimeoutSec <= 0 {
		c.Tool.TimeoutSec = DefaultToolTimeoutSec
	}
	if c.Tool.CacheSize <= 0 {
		c.Tool.CacheSize = 256
	}
	if c.Health.ProbeTimeoutSec <= 0 {
		c.Health.ProbeTimeoutSec = DefaultProbeTimeoutSec
	}
	if c.Health.Schedule == "" {
		c.Health.Schedule = "nightly"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case ProviderKindAnthropic, ProviderKindOpenAI, ProviderKindGemini:
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required for kind %s", name, p.Kind)
			}
		case ProviderKindOllama:
			if p.Host == "" {
				return fmt.Errorf("provider %s: host is required for kind ollama", name)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", name)
		}
	}
	if c.Pipeline.DefaultProvider != "" {
		if _, ok := c.Providers[c.Pipeline.DefaultProvider]; !ok {
			return fmt.Errorf("pipeline default_provider %q is not a configured provider", c.Pipeline.DefaultProvider)
		}
	}
	if c.Tool.Endpoint == "" {
		return fmt.Errorf("tool endpoint is required")
	}
	if c.Health.Schedule != "nightly" && c.Health.Schedule != "off" {
		return fmt.Errorf("health schedule must be \"nightly\" or \"off\", got %q", c.Health.Schedule)
	}
	return nil
}

// ToolTimeout returns the per-call tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tool.TimeoutSec) * time.Second
}

// ProbeTimeout returns the per-probe health timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSec) * time.Second
}

// BackoffInitial returns the initial stage retry backoff as a duration.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Pipeline.BackoffInitialMS) * time.Millisecond
}
