// Package postgres implements all three backends on one PostgreSQL database:
// memories (persistence), memory_index (tsvector text index) and
// memory_vectors (pgvector). Connections come from a bounded pgxpool and
// every call runs under its own timeout.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "memvault_schema_migrations"

// Options configures the shared pool.
type Options struct {
	DSN         string
	PoolMaxSize int
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// DB is the pool shared by the three postgres backends.
type DB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  zerolog.Logger
}

// Open migrates the schema and connects the pool.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if opts.PoolMaxSize <= 0 {
		opts.PoolMaxSize = 20
	}
	if err := migrateUp(opts.DSN); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = int32(opts.PoolMaxSize)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := backend.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	opts.Logger.Info().Int("pool_max_size", opts.PoolMaxSize).Msg("postgres connected")

	return &DB{pool: pool, timeout: opts.Timeout, logger: opts.Logger}, nil
}

func migrateUp(dsn string) error {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	defer sqlDB.Close()

	drv, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the pool. It is safe to call more than once.
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// withConn acquires a connection under the per-call timeout. Failing to get
// one before the deadline is ErrBusy.
func (d *DB) withConn(ctx context.Context, op, name string, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	ctx, cancel := backend.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("acquire connection: %w", backend.ErrBusy)
		}
		return backend.Classify(op, name, err, classify)
	}
	defer conn.Release()
	return backend.Classify(op, name, fn(ctx, conn), classify)
}

// inTx runs fn in a transaction on an acquired connection.
func (d *DB) inTx(ctx context.Context, op, name string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return d.withConn(ctx, op, name, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.ErrNotFound
	}
	if pgconn.Timeout(err) {
		return backend.ErrTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return backend.ErrConflict
		case pgErr.Code == "57014":
			return backend.ErrTimeout
		case pgErr.Code == "53300":
			return backend.ErrBusy
		case pgErr.Code == "22P02", pgErr.Code == "22000", pgErr.Code == "XX001":
			return backend.ErrCorruption
		}
	}
	return nil
}

func filterSQL(alias string) backend.FilterSQL {
	return backend.FilterSQL{
		Columns: backend.FilterColumns{
			Namespace: alias + ".namespace",
			Domain:    alias + ".domain",
			Status:    alias + ".status",
			CreatedAt: alias + ".created_at",
			TagHas:    "%s = ANY(" + alias + ".tags)",
		},
		Placeholder: backend.Dollar,
	}
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
