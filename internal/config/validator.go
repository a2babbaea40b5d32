package config

import (
	"errors"
	"fmt"

	"github.com/rcliao/memvault/internal/model"
)

var (
	persistenceKinds = []string{BackendEmbedded, BackendRelational, BackendFilesystem}
	searchKinds      = []string{BackendEmbedded, BackendRelational, BackendCache, BackendRedis}
	embedProviders   = []string{"", "none", "ollama", "openai", "hash"}
)

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (allowed: %v)", field, value, allowed)
}

// Validate checks enums and ranges. It returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	s := c.Storage
	add(oneOf("storage.persistence_backend", s.PersistenceBackend, persistenceKinds))
	add(oneOf("storage.index_backend", s.IndexBackend, searchKinds))
	add(oneOf("storage.vector_backend", s.VectorBackend, searchKinds))
	if s.PoolMaxSize < 1 {
		add(fmt.Errorf("storage.pool_max_size must be >= 1"))
	}
	if s.BackendTimeoutMS < 0 {
		add(fmt.Errorf("storage.backend_timeout_ms must be >= 0"))
	}
	if s.EmbeddingDimensions < 1 {
		add(fmt.Errorf("storage.embedding_dimensions must be >= 1"))
	}
	usesPG := s.PersistenceBackend == BackendRelational || s.IndexBackend == BackendRelational || s.VectorBackend == BackendRelational
	if usesPG && s.PostgresDSN == "" {
		add(fmt.Errorf("storage.postgres_dsn is required for the relational backend"))
	}
	if (s.IndexBackend == BackendRedis || s.VectorBackend == BackendRedis) && s.RedisURL == "" {
		add(fmt.Errorf("storage.redis_url is required for the redis backend"))
	}

	e := c.Embedding
	add(oneOf("embedding.provider", e.Provider, embedProviders))
	if e.TimeoutMS < 0 {
		add(fmt.Errorf("embedding.timeout_ms must be >= 0"))
	}
	if e.RatePerSecond < 0 {
		add(fmt.Errorf("embedding.rate_per_second must be >= 0"))
	}

	if c.Capture.MaxContentBytes < 1 {
		add(fmt.Errorf("capture.max_content_bytes must be >= 1"))
	}

	r := c.Recall
	if _, err := model.ParseSearchMode(r.DefaultMode); err != nil {
		add(fmt.Errorf("recall.default_mode: %w", err))
	}
	if r.DefaultLimit < 1 || r.MaxLimit < r.DefaultLimit {
		add(fmt.Errorf("recall limits must satisfy 1 <= default_limit <= max_limit"))
	}
	if r.RRFK <= 0 {
		add(fmt.Errorf("recall.rrf_k must be > 0"))
	}
	if r.CandidateMultiplier < 1 {
		add(fmt.Errorf("recall.candidate_multiplier must be >= 1"))
	}
	if r.BranchTimeoutMS < 0 {
		add(fmt.Errorf("recall.branch_timeout_ms must be >= 0"))
	}
	for intent, weights := range r.NamespaceWeights {
		for ns, w := range weights {
			if _, err := model.ParseNamespace(ns); err != nil {
				add(fmt.Errorf("recall.namespace_weights.%s: %w", intent, err))
			}
			if w <= 0 {
				add(fmt.Errorf("recall.namespace_weights.%s.%s must be > 0", intent, ns))
			}
		}
	}

	if c.Maintenance.RebuildBatchSize < 1 {
		add(fmt.Errorf("maintenance.rebuild_batch_size must be >= 1"))
	}
	if c.Maintenance.PurgeAfter < 0 {
		add(fmt.Errorf("maintenance.purge_after must be >= 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
