package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/textrank"
)

const indexName = "postgres-fts"

// Index is the tsvector IndexBackend. Ranking uses ts_rank_cd, which is
// positive and higher-is-better.
type Index struct {
	db     *DB
	filter backend.FilterSQL
}

var _ backend.IndexBackend = (*Index)(nil)

// Index returns the text index backend on this pool.
func (d *DB) Index() *Index {
	return &Index{db: d, filter: filterSQL("d")}
}

func (x *Index) Index(ctx context.Context, m *model.Memory) error {
	return x.IndexBatch(ctx, []*model.Memory{m})
}

func (x *Index) IndexBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	docs := make([][]byte, len(ms))
	for i, m := range ms {
		c := m.Clone()
		c.Embedding = nil
		b, err := json.Marshal(c)
		if err != nil {
			return backend.Validationf("memory %s: %v", m.ID, err)
		}
		docs[i] = b
	}
	return x.db.inTx(ctx, "index", indexName, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, m := range ms {
			body := m.Content
			if m.Source != "" {
				body += "\n" + m.Source
			}
			batch.Queue(`
				INSERT INTO memory_index (id, namespace, domain, status, tags, created_at, doc, body)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					namespace = EXCLUDED.namespace,
					domain = EXCLUDED.domain,
					status = EXCLUDED.status,
					tags = EXCLUDED.tags,
					created_at = EXCLUDED.created_at,
					doc = EXCLUDED.doc,
					body = EXCLUDED.body`,
				m.ID, string(m.Namespace), string(m.Domain), string(m.Status), nonNilTags(m.Tags),
				m.CreatedAt.UTC(), docs[i], body)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (x *Index) Remove(ctx context.Context, id string) error {
	return x.db.withConn(ctx, "remove", indexName, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM memory_index WHERE id = $1`, id)
		return err
	})
}

// tsQuery ORs the query terms. Tokens are letters, digits and underscores
// only, so they need no escaping.
func tsQuery(query string) string {
	return strings.Join(textrank.QueryTerms(query), " | ")
}

func (x *Index) TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	q := tsQuery(query)
	if q == "" || limit <= 0 {
		return nil, nil
	}
	where, args := x.filter.Where(f, 1)
	args = append([]any{q}, args...)
	args = append(args, limit)
	limitPH := "$" + strconv.Itoa(len(args))

	var out []backend.ScoredID
	err := x.db.withConn(ctx, "text_search", indexName, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT d.id, ts_rank_cd(d.tsv, q) AS score
			FROM memory_index d, to_tsquery('english', $1) q
			WHERE d.tsv @@ q AND `+where+`
			ORDER BY score DESC, d.created_at DESC, d.id
			LIMIT `+limitPH, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.ScoredID, error) {
			var s backend.ScoredID
			var score float32
			err := row.Scan(&s.ID, &score)
			s.Score = float64(score)
			return s, err
		})
		return err
	})
	return out, err
}

func (x *Index) ListAll(ctx context.Context, f model.SearchFilter, limit int) ([]*model.Memory, error) {
	where, args := x.filter.Where(f, 0)
	q := `SELECT d.id, d.doc FROM memory_index d WHERE ` + where + ` ORDER BY d.created_at DESC, d.id DESC`
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}
	var docs map[string][]byte
	var order []string
	err := x.db.withConn(ctx, "list_all", indexName, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		order, docs, err = queryDocs(ctx, conn, q, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Memory, 0, len(order))
	var corrupt []string
	for _, id := range order {
		var m model.Memory
		if err := json.Unmarshal(docs[id], &m); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		out = append(out, &m)
	}
	if len(corrupt) > 0 {
		return out, &backend.CorruptionError{IDs: corrupt}
	}
	return out, nil
}

func (x *Index) GetMemoriesBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	out := make(map[string]*model.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var docs map[string][]byte
	err := x.db.withConn(ctx, "get_memories_batch", indexName, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		_, docs, err = queryDocs(ctx, conn, `SELECT id, doc FROM memory_index WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	var corrupt []string
	for id, b := range docs {
		var m model.Memory
		if err := json.Unmarshal(b, &m); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		out[id] = &m
	}
	if len(corrupt) > 0 {
		return out, &backend.CorruptionError{IDs: corrupt}
	}
	return out, nil
}

func queryDocs(ctx context.Context, conn *pgxpool.Conn, q string, args ...any) ([]string, map[string][]byte, error) {
	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var order []string
	docs := map[string][]byte{}
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, nil, fmt.Errorf("scan doc: %w", err)
		}
		order = append(order, id)
		docs[id] = doc
	}
	return order, docs, rows.Err()
}

func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.withConn(ctx, "count", indexName, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM memory_index`).Scan(&n)
	})
	return n, err
}

func (x *Index) Clear(ctx context.Context) error {
	return x.db.inTx(ctx, "clear", indexName, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM memory_index`)
		return err
	})
}

func (x *Index) Close() error {
	return x.db.Close()
}
