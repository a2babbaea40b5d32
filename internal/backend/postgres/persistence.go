package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

const persistenceName = "postgres"

const memoryColumns = `id, content, namespace, domain, tags, source, status, created_at, updated_at, tombstoned_at, embedding`

type memoryRow struct {
	ID           string     `db:"id"`
	Content      string     `db:"content"`
	Namespace    string     `db:"namespace"`
	Domain       string     `db:"domain"`
	Tags         []string   `db:"tags"`
	Source       string     `db:"source"`
	Status       string     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	TombstonedAt *time.Time `db:"tombstoned_at"`
	Embedding    []float32  `db:"embedding"`
}

func (r memoryRow) decode() (*model.Memory, error) {
	m := &model.Memory{
		ID:        r.ID,
		Content:   r.Content,
		Namespace: model.Namespace(r.Namespace),
		Domain:    model.Domain(r.Domain),
		Tags:      r.Tags,
		Source:    r.Source,
		Status:    model.Status(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Embedding: r.Embedding,
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if len(m.Embedding) == 0 {
		m.Embedding = nil
	}
	if r.TombstonedAt != nil {
		t := r.TombstonedAt.UTC()
		m.TombstonedAt = &t
	}
	if !model.ValidStatuses[m.Status] || !model.ValidNamespaces[m.Namespace] || !model.ValidDomains[m.Domain] {
		return nil, fmt.Errorf("unknown status %q, namespace %q or domain %q", m.Status, m.Namespace, m.Domain)
	}
	return m, nil
}

// Persistence is the relational PersistenceBackend.
type Persistence struct {
	db     *DB
	filter backend.FilterSQL
}

var _ backend.PersistenceBackend = (*Persistence)(nil)

// Persistence returns the memories backend on this pool.
func (d *DB) Persistence() *Persistence {
	return &Persistence{db: d, filter: filterSQL("m")}
}

func (p *Persistence) Store(ctx context.Context, m *model.Memory) error {
	return p.StoreBatch(ctx, []*model.Memory{m})
}

func (p *Persistence) StoreBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	return p.db.inTx(ctx, "store", persistenceName, func(ctx context.Context, tx pgx.Tx) error {
		for _, m := range ms {
			var emb []float32
			if len(m.Embedding) > 0 {
				emb = m.Embedding
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO memories (`+memoryColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (id) DO UPDATE SET
					content = EXCLUDED.content,
					namespace = EXCLUDED.namespace,
					domain = EXCLUDED.domain,
					tags = EXCLUDED.tags,
					source = EXCLUDED.source,
					status = EXCLUDED.status,
					created_at = EXCLUDED.created_at,
					updated_at = EXCLUDED.updated_at,
					tombstoned_at = EXCLUDED.tombstoned_at,
					embedding = EXCLUDED.embedding`,
				m.ID, m.Content, string(m.Namespace), string(m.Domain), nonNilTags(m.Tags), m.Source,
				string(m.Status), m.CreatedAt.UTC(), m.UpdatedAt.UTC(), m.TombstonedAt, emb); err != nil {
				return fmt.Errorf("upsert memory %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (p *Persistence) Get(ctx context.Context, id string) (*model.Memory, error) {
	var row memoryRow
	err := p.db.withConn(ctx, "get", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
		if err != nil {
			return err
		}
		row, err = pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[memoryRow])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, backend.NotFound(persistenceName, id)
	}
	if err != nil {
		return nil, err
	}
	m, err := row.decode()
	if err != nil {
		p.db.logger.Warn().Str("id", id).Err(err).Msg("corrupt memory record")
		return nil, &backend.Error{Op: "get", Backend: persistenceName, Kind: backend.ErrCorruption, Err: err}
	}
	return m, nil
}

func (p *Persistence) GetBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	out := make(map[string]*model.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []memoryRow
	err := p.db.withConn(ctx, "get_batch", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		r, err := conn.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		rows, err = pgx.CollectRows(r, pgx.RowToStructByName[memoryRow])
		return err
	})
	if err != nil {
		return nil, err
	}
	var corrupt []string
	for _, r := range rows {
		m, err := r.decode()
		if err != nil {
			p.db.logger.Warn().Str("id", r.ID).Err(err).Msg("skipping corrupt memory record")
			corrupt = append(corrupt, r.ID)
			continue
		}
		out[m.ID] = m
	}
	if len(corrupt) > 0 {
		return out, &backend.CorruptionError{IDs: corrupt}
	}
	return out, nil
}

func (p *Persistence) Delete(ctx context.Context, id string) (bool, error) {
	var n int64
	err := p.db.withConn(ctx, "delete", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
		n = tag.RowsAffected()
		return err
	})
	return n > 0, err
}

func (p *Persistence) ListIDs(ctx context.Context, f model.SearchFilter) ([]string, error) {
	where, args := p.filter.Where(f, 0)
	var ids []string
	err := p.db.withConn(ctx, "list_ids", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT m.id FROM memories m WHERE `+where+` ORDER BY m.created_at, m.id`, args...)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return ids, err
}

func (p *Persistence) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := p.db.withConn(ctx, "exists", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1)`, id).Scan(&ok)
	})
	return ok, err
}

func (p *Persistence) Count(ctx context.Context, f model.SearchFilter) (int, error) {
	where, args := p.filter.Where(f, 0)
	var n int
	err := p.db.withConn(ctx, "count", persistenceName, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `SELECT COUNT(*) FROM memories m WHERE `+where, args...).Scan(&n)
	})
	return n, err
}

func (p *Persistence) Close() error {
	return p.db.Close()
}
