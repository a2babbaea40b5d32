package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/observability"
)

// RebuildReport summarizes a repair run.
type RebuildReport struct {
	Scanned int `json:"scanned"`
	Written int `json:"written"`
	// Skipped counts records that failed to decode.
	Skipped int `json:"skipped"`
	// Failed counts records the target layer rejected or that could not be
	// embedded.
	Failed int `json:"failed"`
	// NoEmbedding counts memories left without a vector because no
	// embedder is configured.
	NoEmbedding int           `json:"no_embedding,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// allStatuses matches every memory, tombstones included, so derived layers
// mirror persistence exactly.
var allStatuses = model.SearchFilter{IncludeTombstoned: true}

// eachBatch walks persistence in ListIDs order and calls fn with each batch
// of decodable records. Corrupt records are counted in rep.Skipped.
func (e *Engine) eachBatch(ctx context.Context, rep *RebuildReport, fn func(batch []*model.Memory) error) error {
	ids, err := e.storage.Persistence.ListIDs(ctx, allStatuses)
	rep.Skipped += backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		return fmt.Errorf("list memories: %w", err)
	}
	size := e.opts.RebuildBatchSize
	for start := 0; start < len(ids); start += size {
		batch := ids[start:min(start+size, len(ids))]
		mems, err := e.storage.Persistence.GetBatch(ctx, batch)
		rep.Skipped += backend.Skipped(err)
		if !backend.OnlyCorruption(err) {
			return fmt.Errorf("load batch: %w", err)
		}
		ms := make([]*model.Memory, 0, len(batch))
		for _, id := range batch {
			if m, ok := mems[id]; ok {
				ms = append(ms, m)
			}
		}
		rep.Scanned += len(ms)
		if err := fn(ms); err != nil {
			return err
		}
	}
	if rep.Skipped > 0 {
		observability.RecordCorruptRecords(rep.Skipped)
	}
	return nil
}

// RebuildIndex clears the text index and re-creates it from persistence.
func (e *Engine) RebuildIndex(ctx context.Context) (*RebuildReport, error) {
	start := time.Now()
	rep := &RebuildReport{}
	if err := e.storage.Index.Clear(ctx); err != nil {
		return rep, fmt.Errorf("clear index: %w", err)
	}
	err := e.eachBatch(ctx, rep, func(ms []*model.Memory) error {
		if len(ms) == 0 {
			return nil
		}
		if err := e.storage.Index.IndexBatch(ctx, ms); err != nil {
			e.logger.Warn().Int("batch", len(ms)).Err(err).Msg("index batch failed")
			rep.Failed += len(ms)
			return nil
		}
		rep.Written += len(ms)
		return nil
	})
	rep.Duration = time.Since(start)
	observability.RecordRebuild(LayerIndex, rep.Duration)
	e.logger.Info().Int("written", rep.Written).Int("failed", rep.Failed).Int("skipped", rep.Skipped).Msg("index rebuilt")
	return rep, err
}

// RebuildVector clears the vector index and re-creates it. Stored
// embeddings of the right length are reused; the rest are re-embedded with
// bounded concurrency under a rate limit and written back to persistence
// without touching UpdatedAt. A record that changed while it was being
// embedded keeps its newer state.
func (e *Engine) RebuildVector(ctx context.Context) (*RebuildReport, error) {
	start := time.Now()
	rep := &RebuildReport{}
	if err := e.storage.Vectors.Clear(ctx); err != nil {
		return rep, fmt.Errorf("clear vectors: %w", err)
	}

	limit := rate.Inf
	if e.opts.EmbedRate > 0 {
		limit = rate.Limit(e.opts.EmbedRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var mu sync.Mutex
	count := func(written, failed, missing int) {
		mu.Lock()
		rep.Written += written
		rep.Failed += failed
		rep.NoEmbedding += missing
		mu.Unlock()
	}

	err := e.eachBatch(ctx, rep, func(ms []*model.Memory) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.EmbedConcurrency)
		for _, m := range ms {
			switch {
			case len(m.Embedding) == e.dims:
				if err := e.storage.Vectors.Upsert(ctx, m.ID, m.Embedding, m.Metadata()); err != nil {
					e.layerFailed(m.ID, LayerVector, err)
					count(0, 1, 0)
					continue
				}
				count(1, 0, 0)
			case e.embedder == nil:
				count(0, 0, 1)
			default:
				g.Go(func() error {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
					vec, err := e.embedText(gctx, m.Content)
					if err != nil {
						e.logger.Warn().Str("id", m.ID).Str("layer", string(BranchEmbedder)).Err(err).Msg("re-embed failed")
						count(0, 1, 0)
						return nil
					}
					cur, err := e.storeEmbedding(gctx, m, vec)
					if err != nil {
						e.logger.Warn().Str("id", m.ID).Err(err).Msg("write-back of fresh embedding failed")
						cur = m.Clone()
						cur.Embedding = vec
					}
					if cur == nil {
						return nil
					}
					if err := e.storage.Vectors.Upsert(gctx, cur.ID, cur.Embedding, cur.Metadata()); err != nil {
						e.layerFailed(cur.ID, LayerVector, err)
						count(0, 1, 0)
						return nil
					}
					count(1, 0, 0)
					return nil
				})
			}
		}
		return g.Wait()
	})
	rep.Duration = time.Since(start)
	observability.RecordRebuild(LayerVector, rep.Duration)
	e.logger.Info().Int("written", rep.Written).Int("failed", rep.Failed).Int("no_embedding", rep.NoEmbedding).Msg("vector index rebuilt")
	return rep, err
}

// storeEmbedding re-reads loaded and writes vec back only if the record is
// unchanged since it was loaded. It returns the record the vector layer
// should mirror: the updated one, a concurrently re-embedded one, or nil
// when the record is gone or now has no usable vector.
func (e *Engine) storeEmbedding(ctx context.Context, loaded *model.Memory, vec []float32) (*model.Memory, error) {
	cur, err := e.storage.Persistence.Get(ctx, loaded.ID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sameInstant(cur.UpdatedAt, loaded.UpdatedAt) || cur.Content != loaded.Content {
		e.logger.Debug().Str("id", cur.ID).Msg("memory changed during re-embed, keeping its state")
		if len(cur.Embedding) == e.dims {
			return cur, nil
		}
		return nil, nil
	}
	cur.Embedding = vec
	if err := e.storage.Persistence.Store(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// ReconcileIndex indexes only the memories that are missing from the text
// index or whose indexed copy is older than the persisted one.
func (e *Engine) ReconcileIndex(ctx context.Context) (*RebuildReport, error) {
	start := time.Now()
	rep := &RebuildReport{}
	err := e.eachBatch(ctx, rep, func(ms []*model.Memory) error {
		if len(ms) == 0 {
			return nil
		}
		ids := make([]string, len(ms))
		for i, m := range ms {
			ids[i] = m.ID
		}
		// Corrupt index documents are absent from indexed and get rewritten.
		indexed, err := e.storage.Index.GetMemoriesBatch(ctx, ids)
		if !backend.OnlyCorruption(err) {
			return fmt.Errorf("read index: %w", err)
		}
		if n := backend.Skipped(err); n > 0 {
			e.logger.Warn().Int("corrupt", n).Msg("reindexing corrupt index documents")
		}
		var stale []*model.Memory
		for _, m := range ms {
			doc, ok := indexed[m.ID]
			if !ok || !sameInstant(doc.UpdatedAt, m.UpdatedAt) || doc.Status != m.Status {
				stale = append(stale, m)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		if err := e.storage.Index.IndexBatch(ctx, stale); err != nil {
			e.logger.Warn().Int("batch", len(stale)).Err(err).Msg("reconcile batch failed")
			rep.Failed += len(stale)
			return nil
		}
		rep.Written += len(stale)
		return nil
	})
	rep.Duration = time.Since(start)
	e.logger.Info().Int("reindexed", rep.Written).Int("scanned", rep.Scanned).Msg("index reconciled")
	return rep, err
}

// sameInstant compares at microsecond precision, the coarsest any
// persistence backend stores.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
