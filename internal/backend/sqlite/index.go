package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/chunker"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/textrank"
)

const indexName = "sqlite-fts"

const indexSchema = `
CREATE TABLE IF NOT EXISTS docs (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	domain     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_docs_namespace ON docs(namespace);
CREATE INDEX IF NOT EXISTS idx_docs_status ON docs(status);
CREATE INDEX IF NOT EXISTS idx_docs_created ON docs(created_at DESC);

CREATE TABLE IF NOT EXISTS doc_tags (
	doc_id TEXT NOT NULL REFERENCES docs(id) ON DELETE CASCADE,
	tag    TEXT NOT NULL,
	PRIMARY KEY (doc_id, tag)
);

CREATE TABLE IF NOT EXISTS chunks (
	id         INTEGER PRIMARY KEY,
	doc_id     TEXT NOT NULL REFERENCES docs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	text       TEXT NOT NULL,
	start_line INTEGER,
	end_line   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content=chunks,
	content_rowid=id,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES('delete', old.id, old.text);
	INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;
`

// Index is the FTS5 IndexBackend. Each memory is one row in docs plus one
// FTS5 row per passage; a hit on any passage ranks the memory.
type Index struct {
	db     *sqlx.DB
	guard  *backend.Guard
	logger zerolog.Logger
	filter backend.FilterSQL
	chunks chunker.Options
}

var _ backend.IndexBackend = (*Index)(nil)

// OpenIndex opens or creates the FTS5 index in the database at dbPath.
func OpenIndex(dbPath string, logger zerolog.Logger) (*Index, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger = logger.With().Str("backend", indexName).Logger()
	return &Index{
		db:     db,
		guard:  backend.NewGuard(indexName, logger),
		logger: logger,
		filter: filterSQL("d", "doc_tags", "doc_id"),
		chunks: chunker.DefaultOptions(),
	}, nil
}

func (x *Index) do(ctx context.Context, op string, fn func() error) error {
	err := x.guard.Do(op, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	})
	return backend.Classify(op, indexName, err, classifySQLite)
}

// docJSON stores the memory without its embedding.
func docJSON(m *model.Memory) (string, error) {
	c := m.Clone()
	c.Embedding = nil
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (x *Index) Index(ctx context.Context, m *model.Memory) error {
	return x.IndexBatch(ctx, []*model.Memory{m})
}

func (x *Index) IndexBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	docs := make([]string, len(ms))
	for i, m := range ms {
		d, err := docJSON(m)
		if err != nil {
			return backend.Validationf("memory %s: %v", m.ID, err)
		}
		docs[i] = d
	}
	return x.do(ctx, "index", func() error {
		tx, err := x.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for i, m := range ms {
			if err := x.write(ctx, tx, m, docs[i]); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (x *Index) write(ctx context.Context, tx *sqlx.Tx, m *model.Memory, doc string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, m.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_tags WHERE doc_id = ?`, m.ID); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO docs (id, namespace, domain, status, created_at, doc) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace = excluded.namespace,
			domain = excluded.domain,
			status = excluded.status,
			created_at = excluded.created_at,
			doc = excluded.doc`,
		m.ID, string(m.Namespace), string(m.Domain), string(m.Status), formatTime(m.CreatedAt), doc); err != nil {
		return fmt.Errorf("upsert doc %s: %w", m.ID, err)
	}
	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO doc_tags (doc_id, tag) VALUES (?, ?)`, m.ID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	text := m.Content
	if m.Source != "" {
		text += "\n" + m.Source
	}
	for _, p := range chunker.Split(text, x.chunks) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (doc_id, seq, text, start_line, end_line) VALUES (?, ?, ?, ?, ?)`,
			m.ID, p.Seq, p.Text, p.StartLine, p.EndLine); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, id string) error {
	return x.do(ctx, "remove", func() error {
		tx, err := x.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, q := range []string{
			`DELETE FROM chunks WHERE doc_id = ?`,
			`DELETE FROM doc_tags WHERE doc_id = ?`,
			`DELETE FROM docs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ftsQuery turns free text into an OR of quoted FTS5 terms.
func ftsQuery(query string) string {
	terms := textrank.QueryTerms(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}

func (x *Index) TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	where, args := x.filter.Where(f, 1)
	args = append([]any{match}, args...)
	args = append(args, limit)

	var rows []struct {
		ID    string  `db:"id"`
		Score float64 `db:"score"`
	}
	// A memory ranks by its best passage, so limit counts memories.
	err := x.do(ctx, "text_search", func() error {
		return x.db.SelectContext(ctx, &rows, `
			SELECT id, MIN(score) AS score
			FROM (
				SELECT c.doc_id AS id, bm25(chunks_fts) AS score, d.created_at AS created_at
				FROM chunks_fts
				JOIN chunks c ON c.id = chunks_fts.rowid
				JOIN docs d ON d.id = c.doc_id
				WHERE chunks_fts MATCH ? AND `+where+`
			)
			GROUP BY id
			ORDER BY score, MAX(created_at) DESC, id
			LIMIT ?`, args...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]backend.ScoredID, len(rows))
	for i, r := range rows {
		// bm25() is lower-is-better.
		out[i] = backend.ScoredID{ID: r.ID, Score: -r.Score}
	}
	return out, nil
}

func (x *Index) ListAll(ctx context.Context, f model.SearchFilter, limit int) ([]*model.Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	where, args := x.filter.Where(f, 0)
	args = append(args, limit)
	var rows []struct {
		ID  string `db:"id"`
		Doc string `db:"doc"`
	}
	err := x.do(ctx, "list_all", func() error {
		return x.db.SelectContext(ctx, &rows,
			`SELECT d.id, d.doc FROM docs d WHERE `+where+` ORDER BY d.created_at DESC, d.id DESC LIMIT ?`, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Memory, 0, len(rows))
	var corrupt []string
	for _, r := range rows {
		var m model.Memory
		if err := json.Unmarshal([]byte(r.Doc), &m); err != nil {
			x.logger.Warn().Str("id", r.ID).Err(err).Msg("skipping corrupt index document")
			corrupt = append(corrupt, r.ID)
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
	var rows []struct {
		ID  string `db:"id"`
		Doc string `db:"doc"`
	}
	err := x.do(ctx, "get_memories_batch", func() error {
		for _, chunk := range batches(ids, maxBatchParams) {
			q, args, err := sqlx.In(`SELECT id, doc FROM docs WHERE id IN (?)`, chunk)
			if err != nil {
				return err
			}
			var part []struct {
				ID  string `db:"id"`
				Doc string `db:"doc"`
			}
			if err := x.db.SelectContext(ctx, &part, x.db.Rebind(q), args...); err != nil {
				return err
			}
			rows = append(rows, part...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var corrupt []string
	for _, r := range rows {
		var m model.Memory
		if err := json.Unmarshal([]byte(r.Doc), &m); err != nil {
			corrupt = append(corrupt, r.ID)
			continue
		}
		out[r.ID] = &m
	}
	if len(corrupt) > 0 {
		return out, &backend.CorruptionError{IDs: corrupt}
	}
	return out, nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.do(ctx, "count", func() error {
		return x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM docs`)
	})
	return n, err
}

func (x *Index) Clear(ctx context.Context) error {
	return x.do(ctx, "clear", func() error {
		tx, err := x.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, q := range []string{
			`DELETE FROM chunks`,
			`DELETE FROM doc_tags`,
			`DELETE FROM docs`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (x *Index) Close() error {
	return x.db.Close()
}
