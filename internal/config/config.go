// Package config provides the configuration structure for the
// voice-profile-service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/voice-profile-service/internal/dispatch"
	"github.com/book-expert/voice-profile-service/internal/maintenance"
	"github.com/book-expert/voice-profile-service/internal/quality"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
	"github.com/book-expert/voice-profile-service/internal/session"
	"github.com/book-expert/voice-profile-service/internal/synth"
)

// Synthesis backend kinds.
const (
	BackendHTTP    = "http"
	BackendCommand = "command"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	SubjectPrefix     string `toml:"subject_prefix"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// RecordingConfig holds the recording session settings.
type RecordingConfig struct {
	DefaultTotalSteps        int `toml:"default_total_steps"`
	InactivityTimeoutMinutes int `toml:"inactivity_timeout_minutes"`
}

// SynthesisConfig holds the synthesis backend and dispatch settings.
type SynthesisConfig struct {
	Backend            string   `toml:"backend"`
	BaseURL            string   `toml:"base_url"`
	Binary             string   `toml:"binary"`
	ModelPath          string   `toml:"model_path"`
	ExtraArgs          []string `toml:"extra_args"`
	MaxTextLength      int      `toml:"max_text_length"`
	SupportedLanguages []string `toml:"supported_languages"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	BusyPolicy         string   `toml:"busy_policy"`
	QueueWaitSeconds   int      `toml:"queue_wait_seconds"`
	BackendRPS         float64  `toml:"backend_rps"`
	BackendBurst       int      `toml:"backend_burst"`
}

// RateLimitConfig holds the per-operation quota settings.
type RateLimitConfig struct {
	SynthesizeCapacity      int `toml:"synthesize_capacity"`
	SynthesizeWindowSeconds int `toml:"synthesize_window_seconds"`
	DefaultCapacity         int `toml:"default_capacity"`
	DefaultWindowSeconds    int `toml:"default_window_seconds"`
}

// MaintenanceConfig holds the background sweep settings.
type MaintenanceConfig struct {
	IntervalSeconds        int `toml:"interval_seconds"`
	OutputRetentionHours   int `toml:"output_retention_hours"`
	BucketRetentionMinutes int `toml:"bucket_retention_minutes"`
}

// MetricsConfig holds the optional Prometheus listener settings.
type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS        NATSConfig        `toml:"nats"`
	Recording   RecordingConfig   `toml:"recording"`
	Quality     quality.Config    `toml:"quality"`
	Synthesis   SynthesisConfig   `toml:"synthesis"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Paths       PathsConfig       `toml:"paths"`
}

// Load loads the configuration for the voice-profile-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

// SubjectPrefix returns the configured NATS subject prefix, defaulting to
// "voice.profile".
func (c *Config) SubjectPrefix() string {
	if c.NATS.SubjectPrefix == "" {
		return "voice.profile"
	}

	return c.NATS.SubjectPrefix
}

// SessionConfig builds the recording session settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		DefaultTotalSteps: c.Recording.DefaultTotalSteps,
		InactivityTimeout: time.Duration(c.Recording.InactivityTimeoutMinutes) * time.Minute,
	}
}

// DispatchConfig builds the synthesis dispatch settings.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		MaxTextLength:      c.Synthesis.MaxTextLength,
		SupportedLanguages: c.Synthesis.SupportedLanguages,
		Timeout:            time.Duration(c.Synthesis.TimeoutSeconds) * time.Second,
		BusyPolicy:         c.Synthesis.BusyPolicy,
		QueueWait:          time.Duration(c.Synthesis.QueueWaitSeconds) * time.Second,
		BackendRPS:         c.Synthesis.BackendRPS,
		BackendBurst:       c.Synthesis.BackendBurst,
	}
}

// RateLimitPolicies builds the per-operation quota table and the fallback
// policy.
func (c *Config) RateLimitPolicies() (map[string]ratelimit.Policy, ratelimit.Policy) {
	policies := map[string]ratelimit.Policy{
		dispatch.OperationSynthesize: {
			Capacity: c.RateLimit.SynthesizeCapacity,
			Window:   time.Duration(c.RateLimit.SynthesizeWindowSeconds) * time.Second,
		},
	}

	fallback := ratelimit.Policy{
		Capacity: c.RateLimit.DefaultCapacity,
		Window:   time.Duration(c.RateLimit.DefaultWindowSeconds) * time.Second,
	}

	return policies, fallback
}

// MaintenanceConfig builds the background sweep settings.
func (c *Config) MaintenanceConfig() maintenance.Config {
	return maintenance.Config{
		Interval:        time.Duration(c.Maintenance.IntervalSeconds) * time.Second,
		OutputRetention: time.Duration(c.Maintenance.OutputRetentionHours) * time.Hour,
		BucketRetention: time.Duration(c.Maintenance.BucketRetentionMinutes) * time.Minute,
	}
}

// RemoteSynthConfig builds the HTTP backend settings.
func (c *Config) RemoteSynthConfig() synth.RemoteConfig {
	return synth.RemoteConfig{
		BaseURL: c.Synthesis.BaseURL,
		Timeout: time.Duration(c.Synthesis.TimeoutSeconds) * time.Second,
	}
}

// CommandSynthConfig builds the local binary backend settings.
func (c *Config) CommandSynthConfig() synth.CommandConfig {
	return synth.CommandConfig{
		Binary:    c.Synthesis.Binary,
		ModelPath: c.Synthesis.ModelPath,
		ExtraArgs: c.Synthesis.ExtraArgs,
	}
}
