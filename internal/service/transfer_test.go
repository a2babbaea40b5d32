package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newHarness(t)
	ctx := context.Background()
	a := src.capture(t, model.NSDecisions, "adopt structured logging", "logging")
	b := src.capture(t, model.NSPatterns, "wrap errors with context")
	c := src.capture(t, model.NSProgress, "dropped the legacy api")
	_, err := src.engine.Tombstone(ctx, c.ID)
	require.NoError(t, err)

	exported, skipped, err := src.engine.Export(ctx, model.SearchFilter{IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Equal(t, []string{a.ID, b.ID, c.ID}, memoryIDs(exported))

	dst := newHarness(t)
	callsBefore := dst.embedder.calls.Load()
	n, err := dst.engine.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, callsBefore, dst.embedder.calls.Load(), "stored embeddings are reused")

	for _, want := range exported {
		got, err := dst.engine.Get(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Content, got.Content)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Tags, got.Tags)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	}

	res, err := dst.engine.Recall(ctx, RecallRequest{Query: "structured logging"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, a.ID, res.Hits[0].MemoryID)
	assert.NotContains(t, hitIDs(res.Hits), c.ID)
}

func TestExportFilterAndDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capture(t, model.NSDecisions, "one")
	p := h.capture(t, model.NSPatterns, "two")
	dead := h.capture(t, model.NSPatterns, "three")
	_, err := h.engine.Tombstone(ctx, dead.ID)
	require.NoError(t, err)

	out, _, err := h.engine.Export(ctx, model.SearchFilter{Namespaces: []model.Namespace{model.NSPatterns}})
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, memoryIDs(out))
}

func TestImportStopsAtFirstInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := &model.Memory{ID: "imported-1", Content: "kept", Namespace: model.NSContext}
	bad := &model.Memory{ID: "imported-2", Content: "", Namespace: model.NSContext}
	never := &model.Memory{ID: "imported-3", Content: "never reached", Namespace: model.NSContext}

	n, err := h.engine.Import(ctx, []*model.Memory{good, bad, never})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, backend.ErrValidation)

	got, err := h.engine.Get(ctx, "imported-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, model.DomainProject, got.Domain)
	assert.Len(t, got.Embedding, testDims, "missing embeddings are computed")

	_, err = h.engine.Get(ctx, "imported-3")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capture(t, model.NSDecisions, "one")
	h.capture(t, model.NSDecisions, "two")
	m := h.capture(t, model.NSPatterns, "three")
	_, err := h.engine.Archive(ctx, m.ID)
	require.NoError(t, err)

	st, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalMemories)
	assert.Equal(t, 2, st.ByStatus[model.StatusActive])
	assert.Equal(t, 1, st.ByStatus[model.StatusArchived])
	assert.Equal(t, 2, st.ByNamespace[model.NSDecisions])
	assert.Equal(t, 3, st.IndexedDocs)
	assert.Equal(t, 3, st.Vectors)
	assert.Equal(t, testDims, st.VectorDims)
	assert.Equal(t, "cache", st.Backends.Index)
	assert.Positive(t, st.DataDirBytes)
}
