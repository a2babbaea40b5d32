package postgres

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

const vectorName = "pgvector"

// Vectors is the pgvector VectorBackend. The column is an untyped vector, so
// the dimension is enforced here rather than by the schema.
type Vectors struct {
	db     *DB
	dims   int
	filter backend.FilterSQL
}

var _ backend.VectorBackend = (*Vectors)(nil)

// Vectors returns the vector backend on this pool for vectors of length dims.
func (d *DB) Vectors(dims int) *Vectors {
	return &Vectors{db: d, dims: dims, filter: filterSQL("v")}
}

func (v *Vectors) Dimensions() int { return v.dims }

func (v *Vectors) Upsert(ctx context.Context, id string, embedding []float32, meta model.VectorMetadata) error {
	if len(embedding) != v.dims {
		return backend.Validationf("embedding has %d dimensions, want %d", len(embedding), v.dims)
	}
	return v.db.withConn(ctx, "upsert", vectorName, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO memory_vectors (id, embedding, namespace, domain, status, tags, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				namespace = EXCLUDED.namespace,
				domain = EXCLUDED.domain,
				status = EXCLUDED.status,
				tags = EXCLUDED.tags,
				created_at = EXCLUDED.created_at`,
			id, pgvector.NewVector(embedding), string(meta.Namespace), string(meta.Domain),
			string(meta.Status), nonNilTags(meta.Tags), meta.CreatedAt.UTC())
		return err
	})
}

func (v *Vectors) Delete(ctx context.Context, id string) error {
	return v.db.withConn(ctx, "delete", vectorName, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM memory_vectors WHERE id = $1`, id)
		return err
	})
}

func (v *Vectors) Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if len(query) != v.dims {
		return nil, backend.Validationf("query has %d dimensions, want %d", len(query), v.dims)
	}
	if limit <= 0 {
		return nil, nil
	}
	where, args := v.filter.Where(f, 1)
	args = append([]any{pgvector.NewVector(query)}, args...)
	args = append(args, limit)

	var out []backend.ScoredID
	err := v.db.withConn(ctx, "search", vectorName, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT v.id, 1 - (v.embedding <=> $1) AS similarity
			FROM memory_vectors v
			WHERE `+where+`
			ORDER BY v.embedding <=> $1, v.id
			LIMIT $`+strconv.Itoa(len(args)), args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.ScoredID, error) {
			var s backend.ScoredID
			err := row.Scan(&s.ID, &s.Score)
			return s, err
		})
		return err
	})
	return out, err
}

func (v *Vectors) Count(ctx context.Context) (int, error) {
	var n int
	err := v.db.withConn(ctx, "count", vectorName, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM memory_vectors`).Scan(&n)
	})
	return n, err
}

func (v *Vectors) Clear(ctx context.Context) error {
	return v.db.inTx(ctx, "clear", vectorName, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM memory_vectors`)
		return err
	})
}

func (v *Vectors) Close() error {
	return v.db.Close()
}
