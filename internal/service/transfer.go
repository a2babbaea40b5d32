package service

import (
	"context"
	"fmt"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/store"
)

// Export returns every memory matching f from persistence, in ListIDs
// order, along with the number of corrupt records skipped.
func (e *Engine) Export(ctx context.Context, f model.SearchFilter) ([]*model.Memory, int, error) {
	ids, err := e.storage.Persistence.ListIDs(ctx, f.Normalized())
	skipped := backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		return nil, 0, fmt.Errorf("list memories: %w", err)
	}
	out := make([]*model.Memory, 0, len(ids))
	size := e.opts.RebuildBatchSize
	for start := 0; start < len(ids); start += size {
		batch := ids[start:min(start+size, len(ids))]
		mems, err := e.storage.Persistence.GetBatch(ctx, batch)
		skipped += backend.Skipped(err)
		if !backend.OnlyCorruption(err) {
			return nil, skipped, fmt.Errorf("load batch: %w", err)
		}
		for _, id := range batch {
			if m, ok := mems[id]; ok {
				out = append(out, m)
			}
		}
	}
	if skipped > 0 {
		e.logger.Warn().Int("skipped", skipped).Msg("skipped corrupt records during export")
	}
	return out, skipped, nil
}

// Import stores exported memories with their ids, timestamps, status and
// embeddings preserved. Memories without an embedding are embedded when an
// embedder is configured. It stops at the first failure and returns how
// many were imported before it.
func (e *Engine) Import(ctx context.Context, ms []*model.Memory) (int, error) {
	imported := 0
	for i, src := range ms {
		m, err := e.importable(src)
		if err != nil {
			return imported, fmt.Errorf("import memory %d: %w", i, err)
		}
		if _, err := e.write(ctx, m, true); err != nil {
			return imported, fmt.Errorf("import %s: %w", m.ID, err)
		}
		imported++
	}
	e.logger.Info().Int("imported", imported).Msg("import complete")
	return imported, nil
}

func (e *Engine) importable(src *model.Memory) (*model.Memory, error) {
	if src == nil {
		return nil, backend.Validationf("memory is null")
	}
	m := src.Clone()
	if m.ID == "" {
		m.ID = model.NewID()
	}
	if m.Domain == "" {
		m.Domain = model.DomainProject
	}
	if m.Status == "" {
		m.Status = model.StatusActive
	}
	now := e.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == model.StatusTombstoned && m.TombstonedAt == nil {
		t := m.UpdatedAt
		m.TombstonedAt = &t
	}
	if m.Status != model.StatusTombstoned {
		m.TombstonedAt = nil
	}
	m.Tags = model.NormalizeTags(m.Tags)
	if len(m.Embedding) > 0 && len(m.Embedding) != e.dims {
		return nil, backend.Validationf("embedding has %d dimensions, want %d", len(m.Embedding), e.dims)
	}
	if err := m.Validate(e.opts.MaxContentBytes); err != nil {
		return nil, backend.Validationf("%v", err)
	}
	return m, nil
}

// Stats reports counts from every layer.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.storage.Stats(ctx, e.opts.DataDir)
}
