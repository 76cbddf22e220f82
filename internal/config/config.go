// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// LLM provider
	LLMBaseURL string
	LLMAPIKey  string
	LLMTimeout time.Duration

	// Logging
	LogLevel string

	Pipeline Pipeline
}

// Pipeline holds the generation tunables. Values map one-to-one onto the
// keys of the optional YAML pipeline file.
type Pipeline struct {
	// Drafting loop bounds
	MaxRevisions      int `yaml:"max_revisions"`
	MaxExpandAttempts int `yaml:"max_expand_attempts"`

	// Beat splitting: scenes above the threshold are drafted in parts.
	BeatWordThreshold int `yaml:"beat_word_threshold"`
	BeatTargetWords   int `yaml:"beat_target_words"`

	// Polish validation. A polished text shorter than
	// min_length_ratio * draft length is rejected as chunk loss.
	PolishMinLengthRatio float64 `yaml:"polish_min_length_ratio"`

	// Agent invoker retry policy. Durations are milliseconds in the YAML
	// file, matching the *_MS convention of the environment variables.
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`

	// Event delivery
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`

	// Event log retention for completed runs. Active runs are never trimmed.
	EventRetentionHours int `yaml:"event_retention_hours"`

	// Semantic retrieval depth for prompt grounding
	RetrievalTopK int `yaml:"retrieval_top_k"`

	// Admission quota per project
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// Models the admission policy accepts. Empty = any.
	AllowedModels []string `yaml:"allowed_models"`
}

// InitialBackoff returns the first retry delay.
func (p Pipeline) InitialBackoff() time.Duration {
	return time.Duration(p.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (p Pipeline) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMS) * time.Millisecond
}

// HeartbeatInterval returns how long a stream poll blocks before a
// heartbeat is emitted.
func (p Pipeline) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalMS) * time.Millisecond
}

// EventRetention returns the trim horizon for completed runs' event logs.
func (p Pipeline) EventRetention() time.Duration {
	return time.Duration(p.EventRetentionHours) * time.Hour
}

// DefaultPipeline returns the built-in tunables.
func DefaultPipeline() Pipeline {
	return Pipeline{
		MaxRevisions:         2,
		MaxExpandAttempts:    2,
		BeatWordThreshold:    1800,
		BeatTargetWords:      1200,
		PolishMinLengthRatio: 0.7,
		MaxAttempts:          4,
		InitialBackoffMS:     1000,
		MaxBackoffMS:         30000,
		HeartbeatIntervalMS:  15000,
		EventRetentionHours:  72,
		RetrievalTopK:        5,
		MaxConcurrentRuns:    3,
	}
}

// Load loads configuration from environment variables. If PIPELINE_CONFIG
// names a YAML file, its values override the pipeline defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		DatabaseURL: getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		LLMBaseURL:  getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		LLMTimeout:  time.Duration(getEnvInt("LLM_TIMEOUT_MS", 300000)) * time.Millisecond,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Pipeline:    DefaultPipeline(),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := loadPipelineFile(path, &cfg.Pipeline); err != nil {
			return nil, fmt.Errorf("failed to load pipeline config: %w", err)
		}
	}
	return cfg, nil
}

func loadPipelineFile(path string, p *Pipeline) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
