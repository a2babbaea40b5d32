package sqlitevec

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vectors.db"), 3, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func meta(ns model.Namespace, tags ...string) model.VectorMetadata {
	return model.VectorMetadata{
		Namespace: ns,
		Domain:    model.DomainProject,
		Tags:      tags,
		Status:    model.StatusActive,
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSearchOrdersBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "x", []float32{1, 0, 0}, meta(model.NSPatterns)))
	require.NoError(t, s.Upsert(ctx, "xy", []float32{1, 1, 0}, meta(model.NSPatterns)))
	require.NoError(t, s.Upsert(ctx, "z", []float32{0, 0, 1}, meta(model.NSPatterns)))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "x", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, "xy", hits[1].ID)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
	assert.Equal(t, "z", hits[2].ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-5)
}

func TestFilterAppliedBeforeLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The closest vectors are filtered out; the limit must still be filled.
	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, meta(model.NSDecisions, "go")))
	require.NoError(t, s.Upsert(ctx, "b", []float32{0.9, 0.1, 0}, meta(model.NSDecisions, "go")))
	require.NoError(t, s.Upsert(ctx, "c", []float32{0, 1, 0}, meta(model.NSPatterns, "rust")))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{
		Namespaces: []model.Namespace{model.NSPatterns},
		Tags:       []string{"rust"},
	}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].ID)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, meta(model.NSDecisions, "go")))
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Metadata is replaced, not merged.
	m := meta(model.NSDecisions, "rust")
	m.Status = model.StatusTombstoned
	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, m))

	hits, _ := s.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{}, 10)
	assert.Empty(t, hits)
	hits, _ = s.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{IncludeTombstoned: true, Tags: []string{"go"}}, 10)
	assert.Empty(t, hits)
	hits, _ = s.Search(ctx, []float32{1, 0, 0}, model.SearchFilter{IncludeTombstoned: true, Tags: []string{"rust"}}, 10)
	assert.Len(t, hits, 1)
}

func TestDimensionMismatchIsValidation(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), "a", []float32{1, 0}, meta(model.NSDecisions))
	assert.True(t, errors.Is(err, backend.ErrValidation))

	_, err = s.Search(context.Background(), []float32{1}, model.SearchFilter{}, 5)
	assert.True(t, errors.Is(err, backend.ErrValidation))
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, meta(model.NSDecisions)))
	require.NoError(t, s.Upsert(ctx, "b", []float32{0, 1, 0}, meta(model.NSDecisions)))

	require.NoError(t, s.Delete(ctx, "a"))
	n, _ := s.Count(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Clear(ctx))
	n, _ = s.Count(ctx)
	assert.Equal(t, 0, n)
}
