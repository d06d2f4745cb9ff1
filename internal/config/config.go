// Package config loads and validates the daemon configuration from YAML,
// with environment overrides for secrets and a fingerprint for change
// detection.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the completion backend and its failover chain.
type LLMConfig struct {
	// Provider names the active backend: "google", "anthropic", "openai",
	// "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the key. Empty
	// falls back to the provider's conventional variable.
	APIKeyEnv string `yaml:"api_key_env"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	// FallbackProviders is the ordered list of backends to try when the
	// primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the consecutive-failure count before a
	// backend's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the wait before a tripped breaker
	// resets. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// KindConfig overlays the debate defaults for one debate kind. Nil fields
// inherit the default.
type KindConfig struct {
	MaxRounds             *int     `yaml:"max_rounds,omitempty"`
	DisagreementThreshold *float64 `yaml:"disagreement_threshold,omitempty"`
	MinConfidence         *float64 `yaml:"min_confidence,omitempty"`
	Aggregation           string   `yaml:"aggregation,omitempty"`
	Variants              []string `yaml:"variants,omitempty"`
}

// DebateConfig tunes the state machine and the invoker's retry policy.
type DebateConfig struct {
	MaxRounds             int     `yaml:"max_rounds"`             // >= 1, default 3
	DisagreementThreshold float64 `yaml:"disagreement_threshold"` // 0-100, default 20
	MinConfidence         float64 `yaml:"min_confidence"`         // 0-1, default 0.6
	Aggregation           string  `yaml:"aggregation"`            // "min" | "mean", default "min"

	RetryCount         int `yaml:"retry_count"`          // default 3
	RetryBackoffMillis int `yaml:"retry_backoff_ms"`     // default 2000
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"` // default 60

	// Kinds holds per-kind overrides; the disagreement threshold and
	// aggregation formula vary by decision type.
	Kinds map[string]KindConfig `yaml:"kinds"`
}

// SchedulerConfig tunes batch cycles.
type SchedulerConfig struct {
	Parallelism     int    `yaml:"parallelism"`     // default 8
	CacheTTLHours   int    `yaml:"cache_ttl_hours"` // default 168 (one week)
	FullCron        string `yaml:"full_cycle_cron"`
	IncrementalCron string `yaml:"incremental_cycle_cron"`
}

// TelemetryConfig tunes OTel export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" | "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir  string `yaml:"home_dir"`
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`

	// AuthTokenEnv names the env var holding the gateway bearer token.
	// Empty disables auth (local development).
	AuthTokenEnv string `yaml:"auth_token_env"`

	LLM       LLMConfig       `yaml:"llm"`
	Debate    DebateConfig    `yaml:"debate"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultHomeDir returns ~/.arbiter.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".arbiter")
}

// Load reads the config file at path, or returns defaults when the file
// does not exist. The result is validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HomeDir == "" {
		c.HomeDir = DefaultHomeDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8790"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "google"
	}
	if c.LLM.FailoverThreshold <= 0 {
		c.LLM.FailoverThreshold = 5
	}
	if c.LLM.FailoverCooldownSeconds <= 0 {
		c.LLM.FailoverCooldownSeconds = 300
	}
	if c.Debate.MaxRounds == 0 {
		c.Debate.MaxRounds = 3
	}
	if c.Debate.DisagreementThreshold == 0 {
		c.Debate.DisagreementThreshold = 20
	}
	if c.Debate.MinConfidence == 0 {
		c.Debate.MinConfidence = 0.6
	}
	if c.Debate.Aggregation == "" {
		c.Debate.Aggregation = "min"
	}
	if c.Debate.RetryCount == 0 {
		c.Debate.RetryCount = 3
	}
	if c.Debate.RetryBackoffMillis == 0 {
		c.Debate.RetryBackoffMillis = 2000
	}
	if c.Debate.CallTimeoutSeconds == 0 {
		c.Debate.CallTimeoutSeconds = 60
	}
	if c.Scheduler.Parallelism == 0 {
		c.Scheduler.Parallelism = 8
	}
	if c.Scheduler.CacheTTLHours == 0 {
		c.Scheduler.CacheTTLHours = 168
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "arbiter"
	}
}

// Validate rejects configurations the engine must never start with.
func (c *Config) Validate() error {
	if c.Debate.MaxRounds < 1 {
		return fmt.Errorf("debate.max_rounds must be >= 1, got %d", c.Debate.MaxRounds)
	}
	if c.Debate.DisagreementThreshold < 0 || c.Debate.DisagreementThreshold > 100 {
		return fmt.Errorf("debate.disagreement_threshold must be in [0,100], got %g", c.Debate.DisagreementThreshold)
	}
	if c.Debate.MinConfidence < 0 || c.Debate.MinConfidence > 1 {
		return fmt.Errorf("debate.min_confidence must be in [0,1], got %g", c.Debate.MinConfidence)
	}
	if agg := c.Debate.Aggregation; agg != "min" && agg != "mean" {
		return fmt.Errorf("debate.aggregation must be min or mean, got %q", agg)
	}
	if c.Scheduler.Parallelism < 1 {
		return fmt.Errorf("scheduler.parallelism must be >= 1, got %d", c.Scheduler.Parallelism)
	}
	for kind, kc := range c.Debate.Kinds {
		if kc.MaxRounds != nil && *kc.MaxRounds < 1 {
			return fmt.Errorf("debate.kinds.%s.max_rounds must be >= 1", kind)
		}
		if kc.DisagreementThreshold != nil && (*kc.DisagreementThreshold < 0 || *kc.DisagreementThreshold > 100) {
			return fmt.Errorf("debate.kinds.%s.disagreement_threshold must be in [0,100]", kind)
		}
		if kc.MinConfidence != nil && (*kc.MinConfidence < 0 || *kc.MinConfidence > 1) {
			return fmt.Errorf("debate.kinds.%s.min_confidence must be in [0,1]", kind)
		}
		if kc.Aggregation != "" && kc.Aggregation != "min" && kc.Aggregation != "mean" {
			return fmt.Errorf("debate.kinds.%s.aggregation must be min or mean", kind)
		}
	}
	return nil
}

// ResolvedDebate is the effective parameter set for one kind after the
// per-kind overlay.
type ResolvedDebate struct {
	MaxRounds             int
	DisagreementThreshold float64
	MinConfidence         float64
	Aggregation           string
	Variants              []string
}

// DebateParamsFor resolves the defaults plus any per-kind override.
func (c *Config) DebateParamsFor(kind string) ResolvedDebate {
	r := ResolvedDebate{
		MaxRounds:             c.Debate.MaxRounds,
		DisagreementThreshold: c.Debate.DisagreementThreshold,
		MinConfidence:         c.Debate.MinConfidence,
		Aggregation:           c.Debate.Aggregation,
	}
	kc, ok := c.Debate.Kinds[kind]
	if !ok {
		return r
	}
	if kc.MaxRounds != nil {
		r.MaxRounds = *kc.MaxRounds
	}
	if kc.DisagreementThreshold != nil {
		r.DisagreementThreshold = *kc.DisagreementThreshold
	}
	if kc.MinConfidence != nil {
		r.MinConfidence = *kc.MinConfidence
	}
	if kc.Aggregation != "" {
		r.Aggregation = kc.Aggregation
	}
	r.Variants = kc.Variants
	return r
}

// AuthToken resolves the gateway bearer token from the configured env var.
func (c *Config) AuthToken() string {
	if c.AuthTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.AuthTokenEnv))
}

// APIKey resolves the LLM key from the configured env var, if any.
func (c *LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// Fingerprint hashes the effective config for change detection; exposed in
// /v1/status so operators can confirm what a node is running.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
