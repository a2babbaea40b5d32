package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MEMVAULT_STORAGE_INDEX_BACKEND.
const EnvPrefix = "MEMVAULT"

// envKeys are the settings that may be overridden from the environment.
var envKeys = []string{
	"data_dir",
	"storage.persistence_backend",
	"storage.index_backend",
	"storage.vector_backend",
	"storage.pool_max_size",
	"storage.backend_timeout_ms",
	"storage.embedding_dimensions",
	"storage.postgres_dsn",
	"storage.redis_url",
	"storage.redis_prefix",
	"embedding.provider",
	"embedding.model",
	"embedding.base_url",
	"embedding.api_key",
	"embedding.timeout_ms",
	"embedding.cache_size",
	"embedding.rate_per_second",
	"embedding.concurrency",
	"capture.max_content_bytes",
	"recall.default_mode",
	"recall.default_limit",
	"recall.max_limit",
	"recall.rrf_k",
	"recall.candidate_multiplier",
	"recall.branch_timeout_ms",
	"maintenance.purge_enabled",
	"maintenance.purge_schedule",
	"maintenance.purge_after",
	"maintenance.reconcile_schedule",
	"maintenance.rebuild_batch_size",
	"logging.level",
	"logging.file",
	"logging.pretty",
	"metrics.addr",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// ConfigPath returns the config file path
func (l *Loader) ConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".memvault", "config.yaml")
}

// Load reads the optional config file, applies MEMVAULT_* overrides on top
// of Default and validates the result.
func (l *Loader) Load() (*Config, error) {
	return l.loadFrom(l.ConfigPath(), l.configPath != "")
}

// loadFrom reads path if it exists. A missing file is an error only when
// the caller named it explicitly.
func (l *Loader) loadFrom(path string, explicit bool) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".memvault")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
