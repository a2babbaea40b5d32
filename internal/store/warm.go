package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/config"
	"github.com/rcliao/memvault/internal/model"
)

const warmBatchSize = 500

// warmReport counts what a cache warm-up loaded.
type warmReport struct {
	Indexed int
	Vectors int
	Skipped int
}

// warmCaches loads the in-process index and vector layers from
// persistence. Stored embeddings are reused as-is; memories without one
// stay out of the vector layer until the next vector rebuild.
func (s *CompositeStorage) warmCaches(ctx context.Context, logger zerolog.Logger) (*warmReport, error) {
	rep := &warmReport{}
	warmIndex := s.Kinds.Index == config.BackendCache
	warmVectors := s.Kinds.Vector == config.BackendCache
	if !warmIndex && !warmVectors {
		return rep, nil
	}

	ids, err := s.Persistence.ListIDs(ctx, model.SearchFilter{IncludeTombstoned: true})
	rep.Skipped += backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		return rep, fmt.Errorf("list memories: %w", err)
	}
	dims := s.Vectors.Dimensions()
	for start := 0; start < len(ids); start += warmBatchSize {
		batch := ids[start:min(start+warmBatchSize, len(ids))]
		mems, err := s.Persistence.GetBatch(ctx, batch)
		rep.Skipped += backend.Skipped(err)
		if !backend.OnlyCorruption(err) {
			return rep, fmt.Errorf("load batch: %w", err)
		}
		ms := make([]*model.Memory, 0, len(mems))
		for _, id := range batch {
			if m, ok := mems[id]; ok {
				ms = append(ms, m)
			}
		}

		if warmIndex && len(ms) > 0 {
			if err := s.Index.IndexBatch(ctx, ms); err != nil {
				return rep, fmt.Errorf("warm index: %w", err)
			}
			rep.Indexed += len(ms)
		}
		if warmVectors {
			for _, m := range ms {
				if len(m.Embedding) != dims {
					continue
				}
				if err := s.Vectors.Upsert(ctx, m.ID, m.Embedding, m.Metadata()); err != nil {
					return rep, fmt.Errorf("warm vectors: %w", err)
				}
				rep.Vectors++
			}
		}
	}

	logger.Debug().
		Int("indexed", rep.Indexed).
		Int("vectors", rep.Vectors).
		Int("skipped", rep.Skipped).
		Msg("in-process caches loaded")
	return rep, nil
}
