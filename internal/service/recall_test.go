package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

func seedRecall(t *testing.T, h *harness) (pool, cache, deploy *model.Memory) {
	t.Helper()
	pool = h.capture(t, model.NSDecisions, "postgres connection pool size is twenty per service", "postgres")
	cache = h.capture(t, model.NSPatterns, "cache invalidation uses redis pubsub channels", "redis")
	deploy = h.capture(t, model.NSProgress, "deploy pipeline waits for postgres migrations", "deploy")
	return
}

func TestRecallHybrid(t *testing.T) {
	h := newHarness(t)
	pool, _, deploy := seedRecall(t, h)

	res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "postgres pool"})
	require.NoError(t, err)
	assert.Equal(t, model.ModeHybrid, res.Mode)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.FailedBranches)
	require.NotEmpty(t, res.Hits)

	top := res.Hits[0]
	assert.Equal(t, pool.ID, top.MemoryID)
	assert.Equal(t, model.OriginBoth, top.Origin)
	assert.Equal(t, 1.0, top.Score)
	require.NotNil(t, top.Memory)
	assert.Equal(t, pool.Content, top.Memory.Content)
	assert.Contains(t, hitIDs(res.Hits), deploy.ID)

	for _, hit := range res.Hits {
		assert.GreaterOrEqual(t, hit.Score, 0.0)
		assert.LessOrEqual(t, hit.Score, 1.0)
		assert.Greater(t, hit.RawScore, 0.0)
	}
}

func TestRecallValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Recall(ctx, RecallRequest{Query: "  "})
	assert.ErrorIs(t, err, backend.ErrValidation)

	_, err = h.engine.Recall(ctx, RecallRequest{Query: "x", Offset: -1})
	assert.ErrorIs(t, err, backend.ErrValidation)
}

func TestRecallDegradation(t *testing.T) {
	tests := []struct {
		name        string
		mode        model.SearchMode
		failText    bool
		failVector  bool
		failEmbed   bool
		noEmbedder  bool
		wantMode    model.SearchMode
		wantDegrade bool
		wantFailed  []Branch
		wantErr     error
	}{
		{name: "healthy", mode: model.ModeHybrid, wantMode: model.ModeHybrid},
		{name: "text down", mode: model.ModeHybrid, failText: true, wantMode: model.ModeVector, wantDegrade: true, wantFailed: []Branch{BranchText}},
		{name: "vector down", mode: model.ModeHybrid, failVector: true, wantMode: model.ModeText, wantDegrade: true, wantFailed: []Branch{BranchVector}},
		{name: "embedder down", mode: model.ModeHybrid, failEmbed: true, wantMode: model.ModeText, wantDegrade: true, wantFailed: []Branch{BranchEmbedder}},
		{name: "both down", mode: model.ModeHybrid, failText: true, failVector: true, wantMode: model.ModeHybrid, wantDegrade: true,
			wantFailed: []Branch{BranchText, BranchVector}, wantErr: ErrSearchUnavailable},
		{name: "no embedder hybrid", mode: model.ModeHybrid, noEmbedder: true, wantMode: model.ModeText},
		{name: "no embedder vector", mode: model.ModeVector, noEmbedder: true, wantMode: model.ModeVector, wantDegrade: true,
			wantFailed: []Branch{BranchEmbedder}, wantErr: ErrSearchUnavailable},
		{name: "text mode ignores vector outage", mode: model.ModeText, failVector: true, wantMode: model.ModeText},
		{name: "vector mode text down", mode: model.ModeVector, failText: true, wantMode: model.ModeVector},
		{name: "text mode text down", mode: model.ModeText, failText: true, wantMode: model.ModeText, wantDegrade: true,
			wantFailed: []Branch{BranchText}, wantErr: ErrSearchUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []harnessOption
			if tt.noEmbedder {
				opts = append(opts, withoutEmbedder())
			}
			h := newHarness(t, opts...)
			seedRecall(t, h)
			h.index.failSearch.Store(tt.failText)
			h.vectors.failSearch.Store(tt.failVector)
			h.embedder.fail.Store(tt.failEmbed)

			res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "postgres pool", Mode: tt.mode})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, backend.ErrUnavailable)
				require.NotNil(t, res)
				assert.Empty(t, res.Hits)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, res.Hits)
			}
			assert.Equal(t, tt.wantMode, res.Mode)
			assert.Equal(t, tt.wantDegrade, res.Degraded)
			assert.Equal(t, tt.wantFailed, res.FailedBranches)
		})
	}
}

func TestRecallDegradedMatchesSingleBranch(t *testing.T) {
	h := newHarness(t)
	seedRecall(t, h)
	h.capture(t, model.NSLearnings, "pool exhaustion shows up as acquire timeouts")
	ctx := context.Background()

	text, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres pool timeouts", Mode: model.ModeText})
	require.NoError(t, err)

	h.vectors.failSearch.Store(true)
	degraded, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres pool timeouts", Mode: model.ModeHybrid})
	require.NoError(t, err)
	assert.True(t, degraded.Degraded)
	assert.Equal(t, hitIDs(text.Hits), hitIDs(degraded.Hits))
	for i := range text.Hits {
		assert.InDelta(t, text.Hits[i].Score, degraded.Hits[i].Score, 1e-12)
	}
}

func TestRecallExcludesTombstones(t *testing.T) {
	h := newHarness(t)
	pool, _, deploy := seedRecall(t, h)
	ctx := context.Background()

	_, err := h.engine.Tombstone(ctx, pool.ID)
	require.NoError(t, err)

	for _, mode := range []model.SearchMode{model.ModeText, model.ModeVector, model.ModeHybrid} {
		res, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres", Mode: mode})
		require.NoError(t, err)
		assert.NotContains(t, hitIDs(res.Hits), pool.ID, "mode %s", mode)
	}

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres", Mode: model.ModeText, Filter: model.SearchFilter{IncludeTombstoned: true}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pool.ID, deploy.ID}, hitIDs(res.Hits))
}

func TestRecallFilters(t *testing.T) {
	h := newHarness(t)
	pool, _, deploy := seedRecall(t, h)
	ctx := context.Background()

	res, err := h.engine.Recall(ctx, RecallRequest{
		Query:  "postgres",
		Filter: model.SearchFilter{Namespaces: []model.Namespace{model.NSProgress}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{deploy.ID}, hitIDs(res.Hits))

	res, err = h.engine.Recall(ctx, RecallRequest{
		Query:  "postgres",
		Filter: model.SearchFilter{Tags: []string{"Postgres"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{pool.ID}, hitIDs(res.Hits))
}

func TestRecallPagination(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 7; i++ {
		h.capture(t, model.NSLearnings, "sqlite busy timeout tuning note")
	}
	ctx := context.Background()

	all, err := h.engine.Recall(ctx, RecallRequest{Query: "sqlite timeout", Mode: model.ModeText, Limit: 7})
	require.NoError(t, err)
	require.Len(t, all.Hits, 7)

	var paged []string
	for offset := 0; offset < 7; offset += 3 {
		res, err := h.engine.Recall(ctx, RecallRequest{Query: "sqlite timeout", Mode: model.ModeText, Limit: 3, Offset: offset})
		require.NoError(t, err)
		paged = append(paged, hitIDs(res.Hits)...)
	}
	assert.Equal(t, hitIDs(all.Hits), paged)

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "sqlite timeout", Mode: model.ModeText, Limit: 3, Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestRecallDropsHitsMissingFromPersistence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kept := h.capture(t, model.NSPatterns, "retry with exponential backoff")

	ghost := &model.Memory{
		ID:        "ghost",
		Content:   "retry forever without backoff",
		Namespace: model.NSPatterns,
		Domain:    model.DomainProject,
		Status:    model.StatusActive,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}
	require.NoError(t, h.index.Index(ctx, ghost))

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "retry backoff", Mode: model.ModeText})
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID}, hitIDs(res.Hits))
}

func TestRecallSkipsCorruptRecords(t *testing.T) {
	h := newHarness(t)
	pool, _, deploy := seedRecall(t, h)
	h.persist.markCorrupt(pool.ID)

	res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "postgres", Mode: model.ModeText})
	require.NoError(t, err)
	assert.Equal(t, []string{deploy.ID}, hitIDs(res.Hits))
	assert.Equal(t, 1, res.Skipped)
}

func TestRecallHydrationFailureReturnsUnhydratedHits(t *testing.T) {
	h := newHarness(t)
	pool, _, _ := seedRecall(t, h)
	h.persist.failGetBatch.Store(true)

	res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "pool", Mode: model.ModeText})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, pool.ID, res.Hits[0].MemoryID)
	assert.Nil(t, res.Hits[0].Memory)
}

func TestRecallIntentWeighting(t *testing.T) {
	h := newHarness(t)
	learning := h.capture(t, model.NSLearnings, "websocket reconnect loop")
	decision := h.capture(t, model.NSDecisions, "websocket reconnect loop")
	ctx := context.Background()

	res, err := h.engine.Recall(ctx, RecallRequest{Query: "websocket reconnect bug"})
	require.NoError(t, err)
	assert.Equal(t, IntentDebug, res.Intent)
	assert.Equal(t, []string{learning.ID, decision.ID}, hitIDs(res.Hits))

	res, err = h.engine.Recall(ctx, RecallRequest{Query: "websocket reconnect bug", Intent: IntentDecision})
	require.NoError(t, err)
	assert.Equal(t, IntentDecision, res.Intent)
	assert.Equal(t, []string{decision.ID, learning.ID}, hitIDs(res.Hits))
}

func TestRecallLimitClamp(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.Recall.MaxLimit = 2
	for i := 0; i < 4; i++ {
		h.capture(t, model.NSContext, "monorepo layout notes")
	}

	res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "monorepo", Mode: model.ModeText, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
}

func TestRecallBranchTimeoutDegrades(t *testing.T) {
	tests := []struct {
		name     string
		stall    func(h *harness)
		failed   Branch
		servedBy model.SearchMode
	}{
		{"vector stalls", func(h *harness) { h.vectors.hangSearch.Store(true) }, BranchVector, model.ModeText},
		{"text stalls", func(h *harness) { h.index.hangSearch.Store(true) }, BranchText, model.ModeVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withBranchTimeout(50*time.Millisecond))
			ctx := context.Background()
			pool, _, _ := seedRecall(t, h)
			want, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres pool", Mode: tt.servedBy})
			require.NoError(t, err)

			tt.stall(h)
			start := time.Now()
			res, err := h.engine.Recall(ctx, RecallRequest{Query: "postgres pool"})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
			assert.True(t, res.Degraded)
			assert.Equal(t, []Branch{tt.failed}, res.FailedBranches)
			assert.Equal(t, tt.servedBy, res.Mode)
			assert.Equal(t, hitIDs(want.Hits), hitIDs(res.Hits))
			assert.Contains(t, hitIDs(res.Hits), pool.ID)
		})
	}
}

func TestRecallBothBranchesTimeOut(t *testing.T) {
	h := newHarness(t, withBranchTimeout(20*time.Millisecond))
	seedRecall(t, h)
	h.index.hangSearch.Store(true)
	h.vectors.hangSearch.Store(true)

	res, err := h.engine.Recall(context.Background(), RecallRequest{Query: "postgres pool"})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Hits)
}
