package cache

import (
	"context"
	"sync"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/embedding"
	"github.com/rcliao/memvault/internal/model"
)

type entry struct {
	vec  []float32
	meta model.VectorMetadata
	seq  uint64
}

// Vectors is an exact-cosine VectorBackend. Entries are immutable once
// stored; an upsert swaps the pointer under the write lock, so a reader sees
// either the old entry or the new one.
type Vectors struct {
	mu      sync.RWMutex
	dims    int
	entries map[string]*entry
	seq     uint64
}

var _ backend.VectorBackend = (*Vectors)(nil)

// NewVectors returns an empty store for vectors of length dims.
func NewVectors(dims int) *Vectors {
	return &Vectors{dims: dims, entries: map[string]*entry{}}
}

func (v *Vectors) Dimensions() int { return v.dims }

func (v *Vectors) Upsert(ctx context.Context, id string, vec []float32, meta model.VectorMetadata) error {
	if len(vec) != v.dims {
		return backend.Validationf("embedding has %d dimensions, want %d", len(vec), v.dims)
	}
	if err := ctx.Err(); err != nil {
		return backend.Classify("upsert", "cache", err)
	}
	e := &entry{
		vec:  append([]float32(nil), vec...),
		meta: meta,
	}
	e.meta.Tags = append([]string(nil), meta.Tags...)

	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.entries[id]; ok {
		e.seq = old.seq
	} else {
		v.seq++
		e.seq = v.seq
	}
	v.entries[id] = e
	return nil
}

func (v *Vectors) Delete(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, id)
	return nil
}

func (v *Vectors) Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if len(query) != v.dims {
		return nil, backend.Validationf("query has %d dimensions, want %d", len(query), v.dims)
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.Classify("search", "cache", err)
	}
	if limit <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	scores := make(map[string]float64, len(v.entries))
	for id, e := range v.entries {
		if !f.MatchesMeta(e.meta) {
			continue
		}
		scores[id] = embedding.CosineSimilarity(query, e.vec)
	}
	return rank(scores, func(id string) uint64 { return v.entries[id].seq }, limit), nil
}

func (v *Vectors) Count(context.Context) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries), nil
}

func (v *Vectors) Clear(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = map[string]*entry{}
	return nil
}

func (v *Vectors) Close() error { return nil }
