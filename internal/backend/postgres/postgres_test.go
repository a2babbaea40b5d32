//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

// These tests need a PostgreSQL server with the pgvector extension:
//
//	MEMVAULT_TEST_PG_DSN=postgres://... go test -tags integration ./internal/backend/postgres/
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("MEMVAULT_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("MEMVAULT_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, Options{DSN: dsn, PoolMaxSize: 4, Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	for _, q := range []string{`DELETE FROM memories`, `DELETE FROM memory_index`, `DELETE FROM memory_vectors`} {
		_, err := db.pool.Exec(ctx, q)
		require.NoError(t, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testMemory(id, content string, ns model.Namespace, tags ...string) *model.Memory {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Memory{
		ID:        id,
		Content:   content,
		Namespace: ns,
		Domain:    model.DomainProject,
		Tags:      tags,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Embedding: []float32{1, 0, 0},
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	db := newTestDB(t)
	p := db.Persistence()
	ctx := context.Background()

	m := testMemory("01A", "Use PostgreSQL for storage", model.NSDecisions, "db")
	require.NoError(t, p.Store(ctx, m))

	got, err := p.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	batch, err := p.GetBatch(ctx, []string{"01A", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]*model.Memory{"01A": got}, batch)

	_, err = p.Get(ctx, "missing")
	assert.True(t, errors.Is(err, backend.ErrNotFound))

	ok, err := p.Delete(ctx, "01A")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIndexSearch(t *testing.T) {
	db := newTestDB(t)
	x := db.Index()
	ctx := context.Background()

	require.NoError(t, x.IndexBatch(ctx, []*model.Memory{
		testMemory("01A", "Use PostgreSQL for storage", model.NSDecisions),
		testMemory("01B", "Rust error handling patterns", model.NSPatterns, "rust"),
	}))
	require.NoError(t, x.Index(ctx, testMemory("01A", "Use PostgreSQL for storage", model.NSDecisions)))

	hits, err := x.TextSearch(ctx, "postgresql", model.SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "01A", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = x.TextSearch(ctx, "storage patterns", model.SearchFilter{Tags: []string{"rust"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "01B", hits[0].ID)

	require.NoError(t, x.Clear(ctx))
	n, _ := x.Count(ctx)
	assert.Zero(t, n)
}

func TestVectorSearch(t *testing.T) {
	db := newTestDB(t)
	v := db.Vectors(3)
	ctx := context.Background()

	meta := testMemory("x", "x", model.NSPatterns, "rust").Metadata()
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0, 0}, meta))
	require.NoError(t, v.Upsert(ctx, "b", []float32{0, 1, 0}, meta))
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0, 0}, meta))

	hits, err := v.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	err = v.Upsert(ctx, "c", []float32{1}, meta)
	assert.True(t, errors.Is(err, backend.ErrValidation))
}
