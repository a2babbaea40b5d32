// Package sqlite implements the embedded PersistenceBackend and the FTS5
// IndexBackend on a single-file SQLite database (modernc.org/sqlite, no cgo).
// Every call runs under a backend.Guard because SQLite allows one writer.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memvault/internal/backend"
)

const driverName = "sqlite"

// timeLayout is fixed-width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// maxBatchParams keeps IN lists under SQLite's host parameter limit.
const maxBatchParams = 900

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

func openDB(dbPath string) (*sqlx.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sqlx.Open(driverName, dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func filterSQL(alias, tagTable, tagFK string) backend.FilterSQL {
	return backend.FilterSQL{
		Columns: backend.FilterColumns{
			Namespace: alias + ".namespace",
			Domain:    alias + ".domain",
			Status:    alias + ".status",
			CreatedAt: alias + ".created_at",
			TagHas:    fmt.Sprintf("EXISTS (SELECT 1 FROM %s t WHERE t.%s = %s.id AND t.tag = %%s)", tagTable, tagFK, alias),
		},
		Placeholder: backend.QuestionMark,
		EncodeTime:  func(t time.Time) any { return formatTime(t) },
	}
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
