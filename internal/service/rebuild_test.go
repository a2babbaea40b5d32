package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/model"
)

func TestRebuildIndexAfterFailedWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.index.failWrite.Store(true)
	a := h.capture(t, model.NSLearnings, "goroutine leak in the watcher")
	b := h.capture(t, model.NSLearnings, "watcher restarts on config reload")
	c := h.capture(t, model.NSLearnings, "config reload drops subscriptions")
	h.index.failWrite.Store(false)

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "watcher", Mode: model.ModeText})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	rep, err := h.engine.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 3, rep.Written)
	assert.Zero(t, rep.Failed)

	res, err = h.engine.Recall(ctx, RecallRequest{Query: "watcher", Mode: model.ModeText})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, hitIDs(res.Hits))

	res, err = h.engine.Recall(ctx, RecallRequest{Query: "subscriptions", Mode: model.ModeText})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, hitIDs(res.Hits))
}

func TestRebuildIndexIncludesTombstonesAndDropsStrays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.capture(t, model.NSConfig, "feature flag service url")
	_, err := h.engine.Tombstone(ctx, m.ID)
	require.NoError(t, err)

	stray := &model.Memory{ID: "stray", Content: "not in persistence", Namespace: model.NSConfig,
		Domain: model.DomainProject, Status: model.StatusActive, CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now()}
	require.NoError(t, h.index.Index(ctx, stray))

	_, err = h.engine.RebuildIndex(ctx)
	require.NoError(t, err)

	indexed, err := h.index.GetMemoriesBatch(ctx, []string{m.ID, "stray"})
	require.NoError(t, err)
	require.Contains(t, indexed, m.ID)
	assert.Equal(t, model.StatusTombstoned, indexed[m.ID].Status)
	assert.NotContains(t, indexed, "stray")
}

func TestRebuildIndexCountsCorruptAndFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bad := h.capture(t, model.NSTesting, "flaky integration suite")
	h.capture(t, model.NSTesting, "golden files live under testdata")
	h.persist.markCorrupt(bad.ID)

	rep, err := h.engine.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Written)

	h.index.failWrite.Store(true)
	rep, err = h.engine.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Written)
}

func TestRebuildVector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	with := h.capture(t, model.NSAPIs, "billing endpoint is idempotent")
	h.embedder.fail.Store(true)
	without := h.capture(t, model.NSAPIs, "orders endpoint paginates with cursors")
	h.embedder.fail.Store(false)
	require.False(t, without.HasEmbedding())

	callsBefore := h.embedder.calls.Load()
	rep, err := h.engine.RebuildVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 2, rep.Written)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, callsBefore+1, h.embedder.calls.Load(), "only the memory without a vector is embedded")

	n, err := h.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.engine.Get(ctx, without.ID)
	require.NoError(t, err)
	assert.Len(t, got.Embedding, testDims)
	assert.True(t, got.UpdatedAt.Equal(without.UpdatedAt), "write-back keeps UpdatedAt")

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "endpoint", Mode: model.ModeVector})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{with.ID, without.ID}, hitIDs(res.Hits))
}

func TestRebuildVectorWithoutEmbedder(t *testing.T) {
	h := newHarness(t, withoutEmbedder())
	ctx := context.Background()
	h.capture(t, model.NSAPIs, "no embeddings configured")

	rep, err := h.engine.RebuildVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NoEmbedding)
	assert.Zero(t, rep.Written)
}

func TestRebuildVectorEmbedFailuresAreCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.embedder.fail.Store(true)
	h.capture(t, model.NSAPIs, "first")
	h.capture(t, model.NSAPIs, "second")
	h.capture(t, model.NSAPIs, "third")

	rep, err := h.engine.RebuildVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Failed)
	assert.Zero(t, rep.Written)
}

func TestReconcileIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.capture(t, model.NSDecisions, "use ulid ids")
	h.index.failWrite.Store(true)
	missing := h.capture(t, model.NSDecisions, "store timestamps in utc")
	h.index.failWrite.Store(false)
	stale := h.capture(t, model.NSDecisions, "prefer table driven tests")

	// Status change that never reached the index.
	h.index.failWrite.Store(true)
	_, err := h.engine.Archive(ctx, stale.ID)
	require.NoError(t, err)
	h.index.failWrite.Store(false)

	rep, err := h.engine.ReconcileIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Written)

	indexed, err := h.index.GetMemoriesBatch(ctx, []string{missing.ID, stale.ID})
	require.NoError(t, err)
	assert.Contains(t, indexed, missing.ID)
	assert.Equal(t, model.StatusArchived, indexed[stale.ID].Status)

	rep, err = h.engine.ReconcileIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Written)
}

func TestRebuildVectorKeepsConcurrentUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.embedder.fail.Store(true)
	tagged := h.capture(t, model.NSAPIs, "webhook retries back off exponentially")
	h.embedder.fail.Store(false)

	var once sync.Once
	h.embedder.onEmbed = func(string) {
		once.Do(func() {
			_, err := h.engine.UpdateTags(ctx, tagged.ID, []string{"concurrent"}, nil)
			require.NoError(t, err)
		})
	}
	_, err := h.engine.RebuildVector(ctx)
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, tagged.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"concurrent"}, got.Tags, "tag update made during the rebuild survives")
}

func TestRebuildVectorDoesNotResurrectTombstones(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.embedder.fail.Store(true)
	m := h.capture(t, model.NSAPIs, "legacy export endpoint")
	h.embedder.fail.Store(false)

	var once sync.Once
	h.embedder.onEmbed = func(string) {
		once.Do(func() {
			_, err := h.engine.Tombstone(ctx, m.ID)
			require.NoError(t, err)
		})
	}
	_, err := h.engine.RebuildVector(ctx)
	require.NoError(t, err)

	got, err := h.engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTombstoned, got.Status)

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "legacy export endpoint", Mode: model.ModeVector})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(res.Hits), m.ID)
}

func TestReconcileIndexRepairsCorruptDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	broken := h.capture(t, model.NSDecisions, "use ulid ids")
	h.index.failWrite.Store(true)
	missing := h.capture(t, model.NSDecisions, "store timestamps in utc")
	h.index.failWrite.Store(false)
	h.index.markCorrupt(broken.ID)

	rep, err := h.engine.ReconcileIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Written)

	indexed, err := h.index.GetMemoriesBatch(ctx, []string{broken.ID, missing.ID})
	require.NoError(t, err)
	assert.Contains(t, indexed, broken.ID)
	assert.Contains(t, indexed, missing.ID)
}
