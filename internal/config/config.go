// Package config defines the memvault configuration and its viper loader.
package config

import (
	"fmt"
	"time"
)

// Backend kinds.
const (
	BackendEmbedded   = "embedded"
	BackendRelational = "relational"
	BackendFilesystem = "filesystem"
	BackendCache      = "cache"
	BackendRedis      = "redis"
)

// Config represents the main memvault configuration
type Config struct {
	// Data directory for embedded and filesystem backends
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Storage     StorageConfig     `json:"storage" mapstructure:"storage"`
	Embedding   EmbeddingConfig   `json:"embedding" mapstructure:"embedding"`
	Capture     CaptureConfig     `json:"capture" mapstructure:"capture"`
	Recall      RecallConfig      `json:"recall" mapstructure:"recall"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
}

// StorageConfig selects one implementation per backend contract.
type StorageConfig struct {
	PersistenceBackend  string `json:"persistence_backend" mapstructure:"persistence_backend"` // embedded, relational, filesystem
	IndexBackend        string `json:"index_backend" mapstructure:"index_backend"`             // embedded, relational, cache, redis
	VectorBackend       string `json:"vector_backend" mapstructure:"vector_backend"`           // embedded, relational, cache, redis
	PoolMaxSize         int    `json:"pool_max_size" mapstructure:"pool_max_size"`
	BackendTimeoutMS    int    `json:"backend_timeout_ms" mapstructure:"backend_timeout_ms"`
	EmbeddingDimensions int    `json:"embedding_dimensions" mapstructure:"embedding_dimensions"`
	PostgresDSN         string `json:"postgres_dsn" mapstructure:"postgres_dsn"`
	RedisURL            string `json:"redis_url" mapstructure:"redis_url"`
	RedisPrefix         string `json:"redis_prefix" mapstructure:"redis_prefix"`
}

// BackendTimeout is the per-call timeout for networked backends.
func (s StorageConfig) BackendTimeout() time.Duration {
	return time.Duration(s.BackendTimeoutMS) * time.Millisecond
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider      string  `json:"provider" mapstructure:"provider"` // none, ollama, openai, hash
	Model         string  `json:"model" mapstructure:"model"`
	BaseURL       string  `json:"base_url" mapstructure:"base_url"`
	APIKey        string  `json:"api_key" mapstructure:"api_key"`
	TimeoutMS     int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	CacheSize     int     `json:"cache_size" mapstructure:"cache_size"`
	RatePerSecond float64 `json:"rate_per_second" mapstructure:"rate_per_second"`
	Concurrency   int     `json:"concurrency" mapstructure:"concurrency"`
}

// Timeout is the per-call embed timeout.
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// CaptureConfig bounds captured content.
type CaptureConfig struct {
	MaxContentBytes int `json:"max_content_bytes" mapstructure:"max_content_bytes"`
}

// RecallConfig tunes hybrid search.
type RecallConfig struct {
	DefaultMode         string  `json:"default_mode" mapstructure:"default_mode"`
	DefaultLimit        int     `json:"default_limit" mapstructure:"default_limit"`
	MaxLimit            int     `json:"max_limit" mapstructure:"max_limit"`
	RRFK                float64 `json:"rrf_k" mapstructure:"rrf_k"`
	CandidateMultiplier int     `json:"candidate_multiplier" mapstructure:"candidate_multiplier"`
	// BranchTimeoutMS bounds each search branch; 0 disables the bound.
	BranchTimeoutMS     int     `json:"branch_timeout_ms" mapstructure:"branch_timeout_ms"`

	// NamespaceWeights[intent][namespace] multiplies the fused score.
	// Missing entries weigh 1.
	NamespaceWeights map[string]map[string]float64 `json:"namespace_weights" mapstructure:"namespace_weights"`
}

// BranchTimeout is the per-branch search deadline.
func (r RecallConfig) BranchTimeout() time.Duration {
	return time.Duration(r.BranchTimeoutMS) * time.Millisecond
}

// MaintenanceConfig drives the background scheduler.
type MaintenanceConfig struct {
	PurgeEnabled      bool          `json:"purge_enabled" mapstructure:"purge_enabled"`
	PurgeSchedule     string        `json:"purge_schedule" mapstructure:"purge_schedule"`
	PurgeAfter        time.Duration `json:"purge_after" mapstructure:"purge_after"`
	ReconcileSchedule string        `json:"reconcile_schedule" mapstructure:"reconcile_schedule"`
	RebuildBatchSize  int           `json:"rebuild_batch_size" mapstructure:"rebuild_batch_size"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig configures the /metrics listener used by `maintain`.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			PersistenceBackend:  BackendEmbedded,
			IndexBackend:        BackendEmbedded,
			VectorBackend:       BackendEmbedded,
			PoolMaxSize:         20,
			BackendTimeoutMS:    5000,
			EmbeddingDimensions: 768,
			RedisURL:            "redis://localhost:6379/0",
			RedisPrefix:         "memvault",
		},
		Embedding: EmbeddingConfig{
			Provider:      "none",
			TimeoutMS:     10000,
			CacheSize:     512,
			RatePerSecond: 10,
			Concurrency:   4,
		},
		Capture: CaptureConfig{
			MaxContentBytes: 1 << 20,
		},
		Recall: RecallConfig{
			DefaultMode:         "hybrid",
			DefaultLimit:        10,
			MaxLimit:            100,
			RRFK:                60,
			CandidateMultiplier: 3,
			BranchTimeoutMS:     3000,
			NamespaceWeights: map[string]map[string]float64{
				"debug": {
					"learnings": 1.5,
					"blockers":  1.4,
					"tech-debt": 1.2,
					"testing":   1.2,
				},
				"decision": {
					"decisions": 1.5,
					"patterns":  1.2,
				},
				"howto": {
					"patterns": 1.5,
					"apis":     1.3,
					"config":   1.2,
				},
				"status": {
					"progress": 1.5,
					"blockers": 1.3,
					"context":  1.2,
				},
			},
		},
		Maintenance: MaintenanceConfig{
			PurgeEnabled:      false,
			PurgeSchedule:     "@daily",
			PurgeAfter:        30 * 24 * time.Hour,
			ReconcileSchedule: "@every 1h",
			RebuildBatchSize:  200,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Pretty: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Summary is a short human-readable description of the active backends.
func (c *Config) Summary() string {
	return fmt.Sprintf("persistence=%s index=%s vector=%s embedder=%s",
		c.Storage.PersistenceBackend, c.Storage.IndexBackend, c.Storage.VectorBackend, c.Embedding.Provider)
}
