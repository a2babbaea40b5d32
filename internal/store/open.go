package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/backend/cache"
	"github.com/rcliao/memvault/internal/backend/fsstore"
	"github.com/rcliao/memvault/internal/backend/postgres"
	"github.com/rcliao/memvault/internal/backend/redisstore"
	"github.com/rcliao/memvault/internal/backend/sqlite"
	"github.com/rcliao/memvault/internal/backend/sqlitevec"
	"github.com/rcliao/memvault/internal/config"
)

// Files under the data directory used by the embedded and filesystem backends.
const (
	PersistenceFile = "memvault.db"
	IndexFile       = "index.db"
	VectorFile      = "vectors.db"
	MemoriesDir     = "memories"
)

// opener lazily creates the shared networked clients so several layers can
// use one pool.
type opener struct {
	ctx    context.Context
	cfg    *config.Config
	logger zerolog.Logger

	pg    *postgres.DB
	redis *redisstore.Client
}

func (o *opener) postgres() (*postgres.DB, error) {
	if o.pg != nil {
		return o.pg, nil
	}
	db, err := postgres.Open(o.ctx, postgres.Options{
		DSN:         o.cfg.Storage.PostgresDSN,
		PoolMaxSize: o.cfg.Storage.PoolMaxSize,
		Timeout:     o.cfg.Storage.BackendTimeout(),
		Logger:      o.logger.With().Str("backend", "postgres").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	o.pg = db
	return db, nil
}

func (o *opener) redisClient() (*redisstore.Client, error) {
	if o.redis != nil {
		return o.redis, nil
	}
	c, err := redisstore.NewClient(o.ctx, redisstore.Options{
		URL:      o.cfg.Storage.RedisURL,
		Prefix:   o.cfg.Storage.RedisPrefix,
		PoolSize: o.cfg.Storage.PoolMaxSize,
		Timeout:  o.cfg.Storage.BackendTimeout(),
		Logger:   o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	o.redis = c
	return c, nil
}

func (o *opener) path(name string) string {
	return filepath.Join(o.cfg.DataDir, name)
}

func (o *opener) persistence() (backend.PersistenceBackend, error) {
	switch o.cfg.Storage.PersistenceBackend {
	case config.BackendEmbedded:
		p, err := sqlite.OpenPersistence(o.path(PersistenceFile), o.logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendRelational:
		db, err := o.postgres()
		if err != nil {
			return nil, err
		}
		return db.Persistence(), nil
	case config.BackendFilesystem:
		fs, err := fsstore.Open(o.path(MemoriesDir), o.logger)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, fmt.Errorf("unknown persistence backend %q", o.cfg.Storage.PersistenceBackend)
}

func (o *opener) index() (backend.IndexBackend, error) {
	switch o.cfg.Storage.IndexBackend {
	case config.BackendEmbedded:
		x, err := sqlite.OpenIndex(o.path(IndexFile), o.logger)
		if err != nil {
			return nil, err
		}
		return x, nil
	case config.BackendRelational:
		db, err := o.postgres()
		if err != nil {
			return nil, err
		}
		return db.Index(), nil
	case config.BackendCache:
		return cache.NewIndex(), nil
	case config.BackendRedis:
		c, err := o.redisClient()
		if err != nil {
			return nil, err
		}
		return redisstore.NewIndex(c), nil
	}
	return nil, fmt.Errorf("unknown index backend %q", o.cfg.Storage.IndexBackend)
}

func (o *opener) vectors() (backend.VectorBackend, error) {
	dims := o.cfg.Storage.EmbeddingDimensions
	switch o.cfg.Storage.VectorBackend {
	case config.BackendEmbedded:
		v, err := sqlitevec.Open(o.path(VectorFile), dims, o.logger)
		if err != nil {
			return nil, err
		}
		return v, nil
	case config.BackendRelational:
		db, err := o.postgres()
		if err != nil {
			return nil, err
		}
		return db.Vectors(dims), nil
	case config.BackendCache:
		return cache.NewVectors(dims), nil
	case config.BackendRedis:
		c, err := o.redisClient()
		if err != nil {
			return nil, err
		}
		return redisstore.NewVectors(c, dims), nil
	}
	return nil, fmt.Errorf("unknown vector backend %q", o.cfg.Storage.VectorBackend)
}

// Open builds the CompositeStorage described by cfg. On failure every
// backend opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*CompositeStorage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	o := &opener{ctx: ctx, cfg: cfg, logger: logger}
	s := &CompositeStorage{Kinds: Kinds{
		Persistence: cfg.Storage.PersistenceBackend,
		Index:       cfg.Storage.IndexBackend,
		Vector:      cfg.Storage.VectorBackend,
	}}
	fail := func(err error) (*CompositeStorage, error) {
		s.adoptShared(o)
		s.Close()
		return nil, err
	}

	var err error
	if s.Persistence, err = o.persistence(); err != nil {
		return fail(fmt.Errorf("persistence: %w", err))
	}
	if s.Index, err = o.index(); err != nil {
		return fail(fmt.Errorf("index: %w", err))
	}
	if s.Vectors, err = o.vectors(); err != nil {
		return fail(fmt.Errorf("vector: %w", err))
	}
	s.adoptShared(o)

	if _, err := s.warmCaches(ctx, logger); err != nil {
		s.Close()
		return nil, fmt.Errorf("load caches: %w", err)
	}

	logger.Debug().
		Str("persistence", s.Kinds.Persistence).
		Str("index", s.Kinds.Index).
		Str("vector", s.Kinds.Vector).
		Msg("storage opened")
	return s, nil
}

func (s *CompositeStorage) adoptShared(o *opener) {
	if o.pg != nil {
		s.extra = append(s.extra, o.pg.Close)
	}
	if o.redis != nil {
		s.extra = append(s.extra, o.redis.Close)
	}
}
