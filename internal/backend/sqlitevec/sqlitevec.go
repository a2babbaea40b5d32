// Package sqlitevec implements the embedded VectorBackend on SQLite with the
// sqlite-vec extension. Vectors live in a plain table next to their filterable
// metadata; search is an exact cosine scan with the filter in the WHERE clause.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

const name = "sqlite-vec"

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func init() {
	sqlite_vec.Auto()
}

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	id         TEXT PRIMARY KEY,
	embedding  BLOB NOT NULL,
	namespace  TEXT NOT NULL,
	domain     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_namespace ON vectors(namespace);
CREATE INDEX IF NOT EXISTS idx_vectors_status ON vectors(status);

CREATE TABLE IF NOT EXISTS vector_tags (
	vector_id TEXT NOT NULL REFERENCES vectors(id) ON DELETE CASCADE,
	tag       TEXT NOT NULL,
	PRIMARY KEY (vector_id, tag)
);
`

// Store is the sqlite-vec VectorBackend.
type Store struct {
	db     *sql.DB
	dims   int
	guard  *backend.Guard
	filter backend.FilterSQL
}

var _ backend.VectorBackend = (*Store)(nil)

// Open opens or creates the vector database at dbPath for vectors of length dims.
func Open(dbPath string, dims int, logger zerolog.Logger) (*Store, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dims)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	var version string
	if err := db.QueryRow(`SELECT vec_version()`).Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug().Str("backend", name).Str("vec_version", version).Msg("vector store opened")

	return &Store{
		db:    db,
		dims:  dims,
		guard: backend.NewGuard(name, logger.With().Str("backend", name).Logger()),
		filter: backend.FilterSQL{
			Columns: backend.FilterColumns{
				Namespace: "v.namespace",
				Domain:    "v.domain",
				Status:    "v.status",
				CreatedAt: "v.created_at",
				TagHas:    "EXISTS (SELECT 1 FROM vector_tags t WHERE t.vector_id = v.id AND t.tag = %s)",
			},
			Placeholder: backend.QuestionMark,
			EncodeTime:  func(t time.Time) any { return t.UTC().Format(timeLayout) },
		},
	}, nil
}

func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	err := s.guard.Do(op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
	return backend.Classify(op, name, err, classify)
}

func (s *Store) Dimensions() int { return s.dims }

func (s *Store) Upsert(ctx context.Context, id string, embedding []float32, meta model.VectorMetadata) error {
	if len(embedding) != s.dims {
		return backend.Validationf("embedding has %d dimensions, want %d", len(embedding), s.dims)
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return backend.Validationf("serialize embedding: %v", err)
	}
	return s.do(ctx, "upsert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vectors (id, embedding, namespace, domain, status, created_at) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				embedding = excluded.embedding,
				namespace = excluded.namespace,
				domain = excluded.domain,
				status = excluded.status,
				created_at = excluded.created_at`,
			id, blob, string(meta.Namespace), string(meta.Domain), string(meta.Status),
			meta.CreatedAt.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("upsert vector: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_tags WHERE vector_id = ?`, id); err != nil {
			return fmt.Errorf("clear tags: %w", err)
		}
		for _, tag := range meta.Tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO vector_tags (vector_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.do(ctx, "delete", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id)
		return err
	})
}

func (s *Store) Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if len(query) != s.dims {
		return nil, backend.Validationf("query has %d dimensions, want %d", len(query), s.dims)
	}
	if limit <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, backend.Validationf("serialize query: %v", err)
	}
	where, args := s.filter.Where(f, 1)
	args = append([]any{blob}, args...)
	args = append(args, limit)

	var out []backend.ScoredID
	err = s.do(ctx, "search", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance
			FROM vectors v
			WHERE `+where+`
			ORDER BY distance ASC, v.id
			LIMIT ?`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id       string
				distance float64
			)
			if err := rows.Scan(&id, &distance); err != nil {
				return err
			}
			// cosine distance is 1 - similarity
			out = append(out, backend.ScoredID{ID: id, Score: 1 - distance})
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, "count", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	})
	return n, err
}

func (s *Store) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_tags`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vectors`); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "constraint failed"):
		return backend.ErrConflict
	case strings.Contains(msg, "database is locked"):
		return backend.ErrBusy
	}
	return nil
}
