package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

const persistenceName = "sqlite"

const persistenceSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	namespace     TEXT NOT NULL,
	domain        TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '[]',
	source        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	tombstoned_at TEXT,
	embedding     BLOB
);
CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at, id);

CREATE TABLE IF NOT EXISTS memory_tags (
	memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	tag       TEXT NOT NULL,
	PRIMARY KEY (memory_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);
`

const memoryColumns = `id, content, namespace, domain, tags, source, status, created_at, updated_at, tombstoned_at, embedding`

// memoryRow is the on-disk shape of a memory.
type memoryRow struct {
	ID           string         `db:"id"`
	Content      string         `db:"content"`
	Namespace    string         `db:"namespace"`
	Domain       string         `db:"domain"`
	Tags         string         `db:"tags"`
	Source       string         `db:"source"`
	Status       string         `db:"status"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
	TombstonedAt sql.NullString `db:"tombstoned_at"`
	Embedding    []byte         `db:"embedding"`
}

func toRow(m *model.Memory) (memoryRow, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return memoryRow{}, fmt.Errorf("marshal tags: %w", err)
	}
	return memoryRow{
		ID:           m.ID,
		Content:      m.Content,
		Namespace:    string(m.Namespace),
		Domain:       string(m.Domain),
		Tags:         string(b),
		Source:       m.Source,
		Status:       string(m.Status),
		CreatedAt:    formatTime(m.CreatedAt),
		UpdatedAt:    formatTime(m.UpdatedAt),
		TombstonedAt: nullTime(m.TombstonedAt),
		Embedding:    model.EncodeEmbedding(m.Embedding),
	}, nil
}

func (r memoryRow) decode() (*model.Memory, error) {
	m := &model.Memory{
		ID:        r.ID,
		Content:   r.Content,
		Namespace: model.Namespace(r.Namespace),
		Domain:    model.Domain(r.Domain),
		Source:    r.Source,
		Status:    model.Status(r.Status),
	}
	var err error
	if err = json.Unmarshal([]byte(r.Tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if m.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	if r.TombstonedAt.Valid {
		t, err := parseTime(r.TombstonedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode tombstoned_at: %w", err)
		}
		m.TombstonedAt = &t
	}
	if m.Embedding, err = model.DecodeEmbedding(r.Embedding); err != nil {
		return nil, err
	}
	if !model.ValidStatuses[m.Status] || !model.ValidNamespaces[m.Namespace] {
		return nil, fmt.Errorf("unknown status %q or namespace %q", m.Status, m.Namespace)
	}
	return m, nil
}

// Persistence is the embedded PersistenceBackend.
type Persistence struct {
	db     *sqlx.DB
	guard  *backend.Guard
	logger zerolog.Logger
	filter backend.FilterSQL
}

var _ backend.PersistenceBackend = (*Persistence)(nil)

// OpenPersistence opens or creates the memories tables in the database at dbPath.
func OpenPersistence(dbPath string, logger zerolog.Logger) (*Persistence, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(persistenceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger = logger.With().Str("backend", persistenceName).Logger()
	return &Persistence{
		db:     db,
		guard:  backend.NewGuard(persistenceName, logger),
		logger: logger,
		filter: filterSQL("m", "memory_tags", "memory_id"),
	}, nil
}

func (p *Persistence) do(ctx context.Context, op string, fn func() error) error {
	err := p.guard.Do(op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
	return backend.Classify(op, persistenceName, err, classifySQLite)
}

func (p *Persistence) Store(ctx context.Context, m *model.Memory) error {
	return p.StoreBatch(ctx, []*model.Memory{m})
}

func (p *Persistence) StoreBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	rows := make([]memoryRow, len(ms))
	for i, m := range ms {
		r, err := toRow(m)
		if err != nil {
			return backend.Validationf("memory %s: %v", m.ID, err)
		}
		rows[i] = r
	}
	return p.do(ctx, "store", func() error {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for i, r := range rows {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO memories (`+memoryColumns+`)
				VALUES (:id, :content, :namespace, :domain, :tags, :source, :status, :created_at, :updated_at, :tombstoned_at, :embedding)
				ON CONFLICT(id) DO UPDATE SET
					content = excluded.content,
					namespace = excluded.namespace,
					domain = excluded.domain,
					tags = excluded.tags,
					source = excluded.source,
					status = excluded.status,
					created_at = excluded.created_at,
					updated_at = excluded.updated_at,
					tombstoned_at = excluded.tombstoned_at,
					embedding = excluded.embedding`, r); err != nil {
				return fmt.Errorf("upsert memory %s: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, r.ID); err != nil {
				return fmt.Errorf("clear tags: %w", err)
			}
			for _, tag := range ms[i].Tags {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO memory_tags (memory_id, tag) VALUES (?, ?)`, r.ID, tag); err != nil {
					return fmt.Errorf("insert tag: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}

func (p *Persistence) Get(ctx context.Context, id string) (*model.Memory, error) {
	var row memoryRow
	err := p.do(ctx, "get", func() error {
		return p.db.GetContext(ctx, &row, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.NotFound(persistenceName, id)
	}
	if err != nil {
		return nil, err
	}
	m, err := row.decode()
	if err != nil {
		p.logger.Warn().Str("id", id).Err(err).Msg("corrupt memory record")
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
	err := p.do(ctx, "get_batch", func() error {
		for _, chunk := range batches(ids, maxBatchParams) {
			q, args, err := sqlx.In(`SELECT `+memoryColumns+` FROM memories WHERE id IN (?)`, chunk)
			if err != nil {
				return err
			}
			var part []memoryRow
			if err := p.db.SelectContext(ctx, &part, p.db.Rebind(q), args...); err != nil {
				return err
			}
			rows = append(rows, part...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, p.decodeInto(out, rows)
}

func (p *Persistence) decodeInto(out map[string]*model.Memory, rows []memoryRow) error {
	var corrupt []string
	for _, r := range rows {
		m, err := r.decode()
		if err != nil {
			p.logger.Warn().Str("id", r.ID).Err(err).Msg("skipping corrupt memory record")
			corrupt = append(corrupt, r.ID)
			continue
		}
		out[m.ID] = m
	}
	if len(corrupt) > 0 {
		return &backend.CorruptionError{IDs: corrupt}
	}
	return nil
}

func (p *Persistence) Delete(ctx context.Context, id string) (bool, error) {
	var n int64
	err := p.do(ctx, "delete", func() error {
		res, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

func (p *Persistence) ListIDs(ctx context.Context, f model.SearchFilter) ([]string, error) {
	where, args := p.filter.Where(f, 0)
	var ids []string
	err := p.do(ctx, "list_ids", func() error {
		return p.db.SelectContext(ctx, &ids,
			`SELECT m.id FROM memories m WHERE `+where+` ORDER BY m.created_at, m.id`, args...)
	})
	return ids, err
}

func (p *Persistence) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := p.do(ctx, "exists", func() error {
		return p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memories WHERE id = ?`, id)
	})
	return n > 0, err
}

func (p *Persistence) Count(ctx context.Context, f model.SearchFilter) (int, error) {
	where, args := p.filter.Where(f, 0)
	var n int
	err := p.do(ctx, "count", func() error {
		return p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memories m WHERE `+where, args...)
	})
	return n, err
}

func (p *Persistence) Close() error {
	return p.db.Close()
}

// classifySQLite maps engine errors that are not connectivity problems.
func classifySQLite(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "constraint failed"):
		return backend.ErrConflict
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return backend.ErrBusy
	case strings.Contains(msg, "malformed"):
		return backend.ErrCorruption
	}
	return nil
}
