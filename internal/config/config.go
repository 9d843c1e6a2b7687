// Package config holds the immutable configuration record supplied to Init.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ApprovalMode decides where freshly captured reports land.
type ApprovalMode string

const (
	ApproveAll      ApprovalMode = "auto-approve-all"
	RequireApproval ApprovalMode = "require-explicit-approval"
)

// SenderMode selects how approved reports reach the sender.
type SenderMode string

const (
	// SenderInProcess delivers from a goroutine of the current process.
	SenderInProcess SenderMode = "in-process"
	// SenderProcess self-execs a dedicated sending-role process.
	SenderProcess SenderMode = "process"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultSenderSuffix     = ":crashsender"
	DefaultMaxAttempts      = 5
	DefaultInitialInterval  = 1 * time.Second
	DefaultMaxInterval      = 5 * time.Minute
	DefaultMultiplier       = 2.0
	DefaultJitter           = 0.25
	DefaultConcurrency      = 4
	DefaultCollectorTimeout = 10 * time.Second
	DefaultPollInterval     = 30 * time.Second
)

// Config is the full crash reporting configuration.
type Config struct {
	AppName    string `yaml:"app_name"`
	AppVersion string `yaml:"app_version"`

	// DataDir holds reports.db, its key, settings.yaml and crash output.
	DataDir string `yaml:"data_dir"`

	// LegacyDir is the flat pre-partition report directory. Empty = none.
	LegacyDir string `yaml:"legacy_dir"`

	// CaptureEnabledDefault applies when neither enable nor disable is set.
	CaptureEnabledDefault bool `yaml:"capture_enabled_default"`

	ApprovalMode ApprovalMode `yaml:"approval_mode"`

	Retry  RetryConfig  `yaml:"retry"`
	Triage TriageConfig `yaml:"triage"`

	// SenderProcessSuffix marks argv[0] of the sending-role process.
	SenderProcessSuffix string     `yaml:"sender_process_suffix"`
	SenderMode          SenderMode `yaml:"sender_mode"`

	// SenderPollInterval is how often the sending process rescans the store.
	SenderPollInterval time.Duration `yaml:"sender_poll_interval"`

	// SenderArgs are the arguments given to the self-exec'd sending process.
	// Empty means the current process's own arguments.
	SenderArgs []string `yaml:"sender_args"`

	Collector CollectorConfig `yaml:"collector"`

	// SuppressDefaultCrash stops Recover from re-panicking after capture.
	SuppressDefaultCrash bool `yaml:"suppress_default_crash"`
}

// RetryConfig is the delivery retry policy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	// Jitter is the randomization factor (0.25 = ±25%).
	Jitter      float64 `yaml:"jitter"`
	Concurrency int     `yaml:"concurrency"`
}

// TriageConfig toggles the startup triage steps.
type TriageConfig struct {
	DeleteStaleOnStart            bool `yaml:"delete_stale_on_start"`
	DeleteExcessUnapprovedOnStart bool `yaml:"delete_excess_unapproved_on_start"`
}

// CollectorConfig points at the remote report collector.
type CollectorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// APIKeyEnv names the environment variable holding the collector key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey returns the collector key resolved from the environment.
func (c CollectorConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		CaptureEnabledDefault: true,
		ApprovalMode:          RequireApproval,
		Retry: RetryConfig{
			MaxAttempts:     DefaultMaxAttempts,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultMultiplier,
			Jitter:          DefaultJitter,
			Concurrency:     DefaultConcurrency,
		},
		Triage: TriageConfig{
			DeleteStaleOnStart:            true,
			DeleteExcessUnapprovedOnStart: true,
		},
		SenderProcessSuffix: DefaultSenderSuffix,
		SenderMode:          SenderInProcess,
		SenderPollInterval:  DefaultPollInterval,
		Collector: CollectorConfig{
			Timeout: DefaultCollectorTimeout,
		},
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and enums.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.AppVersion == "" {
		return fmt.Errorf("app_version is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.ApprovalMode {
	case ApproveAll, RequireApproval:
	default:
		return fmt.Errorf("unknown approval_mode %q", c.ApprovalMode)
	}
	switch c.SenderMode {
	case SenderInProcess, SenderProcess:
	default:
		return fmt.Errorf("unknown sender_mode %q", c.SenderMode)
	}
	if c.SenderProcessSuffix == "" {
		return fmt.Errorf("sender_process_suffix is required")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry intervals must be positive and max >= initial")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Retry.Concurrency <= 0 {
		return fmt.Errorf("retry.concurrency must be positive")
	}
	if c.SenderPollInterval <= 0 {
		return fmt.Errorf("sender_poll_interval must be positive")
	}
	return nil
}

// CheckResources verifies the data directory can be created and written.
func (c *Config) CheckResources() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	check, err := os.CreateTemp(c.DataDir, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	name := check.Name()
	check.Close()
	return os.Remove(name)
}

// CrashDir is where the runtime writes fatal crash output.
func (c *Config) CrashDir() string {
	return filepath.Join(c.DataDir, "crash")
}

// SettingsPath is the user settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.yaml")
}

// MetricsPath is the Prometheus textfile written by the sender.
func (c *Config) MetricsPath() string {
	return filepath.Join(c.DataDir, "metrics.prom")
}
