package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

// Get returns the authoritative record for id.
func (e *Engine) Get(ctx context.Context, id string) (*model.Memory, error) {
	return e.storage.Persistence.Get(ctx, id)
}

// ListRequest pages through stored memories, newest first.
type ListRequest struct {
	Filter model.SearchFilter
	Limit  int
	Offset int
}

// ListResult is one page of memories.
type ListResult struct {
	Memories []*model.Memory `json:"memories"`
	Total    int             `json:"total"`
	Skipped  int             `json:"skipped,omitempty"`
}

// List reads from the persistence layer, so it works even when the index
// is down.
func (e *Engine) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	ids, err := e.storage.Persistence.ListIDs(ctx, req.Filter.Normalized())
	skipped := backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		return nil, err
	}
	// newest first
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	res := &ListResult{Memories: []*model.Memory{}, Total: len(ids)}

	if req.Offset > len(ids) {
		req.Offset = len(ids)
	}
	ids = ids[req.Offset:]
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
	}
	if len(ids) == 0 {
		res.Skipped = skipped
		return res, nil
	}

	mems, err := e.storage.Persistence.GetBatch(ctx, ids)
	skipped += backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		return nil, err
	}
	for _, id := range ids {
		if m, ok := mems[id]; ok {
			res.Memories = append(res.Memories, m)
		}
	}
	res.Skipped = skipped
	return res, nil
}

// Tombstone soft-deletes a memory. It stays in storage, hidden from default
// searches, until purged.
func (e *Engine) Tombstone(ctx context.Context, id string) (*model.Memory, error) {
	return e.setStatus(ctx, id, model.StatusTombstoned)
}

// Archive hides nothing from default searches but marks the memory as no
// longer current.
func (e *Engine) Archive(ctx context.Context, id string) (*model.Memory, error) {
	return e.setStatus(ctx, id, model.StatusArchived)
}

// Restore makes a tombstoned or archived memory active again.
func (e *Engine) Restore(ctx context.Context, id string) (*model.Memory, error) {
	return e.setStatus(ctx, id, model.StatusActive)
}

func (e *Engine) setStatus(ctx context.Context, id string, to model.Status) (*model.Memory, error) {
	m, err := e.storage.Persistence.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == to {
		return m, nil
	}
	if !model.CanTransition(m.Status, to) {
		return nil, backend.Validationf("cannot move memory %s from %s to %s", id, m.Status, to)
	}
	now := e.now()
	m.Status = to
	m.UpdatedAt = now
	if to == model.StatusTombstoned {
		m.TombstonedAt = &now
	} else {
		m.TombstonedAt = nil
	}
	if _, err := e.write(ctx, m, false); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateTags adds and removes tags on an existing memory.
func (e *Engine) UpdateTags(ctx context.Context, id string, add, remove []string) (*model.Memory, error) {
	m, err := e.storage.Persistence.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	drop := map[string]bool{}
	for _, t := range model.NormalizeTags(remove) {
		drop[t] = true
	}
	var tags []string
	for _, t := range model.NormalizeTags(append(append([]string(nil), m.Tags...), add...)) {
		if !drop[t] {
			tags = append(tags, t)
		}
	}
	m.Tags = tags
	m.UpdatedAt = e.now()
	if err := m.Validate(e.opts.MaxContentBytes); err != nil {
		return nil, backend.Validationf("%v", err)
	}
	if _, err := e.write(ctx, m, false); err != nil {
		return nil, err
	}
	return m, nil
}

// Purge physically deletes tombstones older than olderThan. Persistence is
// deleted first; index and vector removals are best-effort. It returns the
// number of memories purged.
func (e *Engine) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, backend.Validationf("purge age must be >= 0")
	}
	cutoff := e.now().Add(-olderThan)
	ids, err := e.storage.Persistence.ListIDs(ctx, model.SearchFilter{Statuses: []model.Status{model.StatusTombstoned}})
	if !backend.OnlyCorruption(err) {
		return 0, fmt.Errorf("list tombstones: %w", err)
	}

	purged := 0
	for start := 0; start < len(ids); start += e.opts.RebuildBatchSize {
		batch := ids[start:min(start+e.opts.RebuildBatchSize, len(ids))]
		mems, err := e.storage.Persistence.GetBatch(ctx, batch)
		if !backend.OnlyCorruption(err) {
			return purged, fmt.Errorf("load tombstones: %w", err)
		}
		for _, id := range batch {
			m, ok := mems[id]
			if !ok || m.Status != model.StatusTombstoned || m.TombstonedAt == nil || !m.TombstonedAt.Before(cutoff) {
				continue
			}
			existed, err := e.storage.Persistence.Delete(ctx, id)
			if err != nil {
				return purged, fmt.Errorf("purge %s: %w", id, err)
			}
			if err := e.storage.Index.Remove(ctx, id); err != nil {
				e.layerFailed(id, LayerIndex, err)
			}
			if err := e.storage.Vectors.Delete(ctx, id); err != nil {
				e.layerFailed(id, LayerVector, err)
			}
			if existed {
				purged++
			}
		}
	}
	e.logger.Info().Int("purged", purged).Time("cutoff", cutoff).Msg("purge complete")
	return purged, nil
}
