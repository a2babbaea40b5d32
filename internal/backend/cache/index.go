// Package cache implements in-process IndexBackend and VectorBackend
// implementations. They hold everything in memory and never touch the
// network; store.Open loads them from the persistence layer.
package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/textrank"
)

type doc struct {
	mem *model.Memory
	tf  map[string]int
	len int
	seq uint64
}

// Index is an in-memory BM25 IndexBackend.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]*doc
	postings map[string]map[string]int // term -> id -> tf
	totalLen int
	seq      uint64
}

var _ backend.IndexBackend = (*Index)(nil)

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{docs: map[string]*doc{}, postings: map[string]map[string]int{}}
}

func (x *Index) Index(ctx context.Context, m *model.Memory) error {
	return x.IndexBatch(ctx, []*model.Memory{m})
}

func (x *Index) IndexBatch(ctx context.Context, ms []*model.Memory) error {
	if err := ctx.Err(); err != nil {
		return backend.Classify("index", "cache", err)
	}
	built := make([]*doc, len(ms))
	for i, m := range ms {
		c := m.Clone()
		c.Embedding = nil
		text := c.Content
		if c.Source != "" {
			text += "\n" + c.Source
		}
		tf, n := textrank.TermFreqs(text)
		built[i] = &doc{mem: c, tf: tf, len: n}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range built {
		if old, ok := x.docs[d.mem.ID]; ok {
			d.seq = old.seq
		} else {
			x.seq++
			d.seq = x.seq
		}
		x.removeLocked(d.mem.ID)
		x.docs[d.mem.ID] = d
		x.totalLen += d.len
		for term, n := range d.tf {
			p := x.postings[term]
			if p == nil {
				p = map[string]int{}
				x.postings[term] = p
			}
			p[d.mem.ID] = n
		}
	}
	return nil
}

func (x *Index) removeLocked(id string) {
	d, ok := x.docs[id]
	if !ok {
		return
	}
	for term := range d.tf {
		p := x.postings[term]
		delete(p, id)
		if len(p) == 0 {
			delete(x.postings, term)
		}
	}
	x.totalLen -= d.len
	delete(x.docs, id)
}

func (x *Index) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	return nil
}

func (x *Index) TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Classify("text_search", "cache", err)
	}
	terms := textrank.QueryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	corpus := textrank.Corpus{Docs: len(x.docs)}
	if len(x.docs) > 0 {
		corpus.AvgLen = float64(x.totalLen) / float64(len(x.docs))
	}
	scores := map[string]float64{}
	for _, term := range terms {
		p := x.postings[term]
		for id, tf := range p {
			d := x.docs[id]
			if !f.Matches(d.mem) {
				continue
			}
			scores[id] += corpus.Term(tf, d.len, len(p))
		}
	}
	return rank(scores, func(id string) uint64 { return x.docs[id].seq }, limit), nil
}

// rank sorts by score descending; ties go to the earlier insertion.
func rank(scores map[string]float64, seq func(string) uint64, limit int) []backend.ScoredID {
	out := make([]backend.ScoredID, 0, len(scores))
	for id, s := range scores {
		out = append(out, backend.ScoredID{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return seq(out[i].ID) < seq(out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (x *Index) ListAll(_ context.Context, f model.SearchFilter, limit int) ([]*model.Memory, error) {
	x.mu.RLock()
	var out []*model.Memory
	for _, d := range x.docs {
		if f.Matches(d.mem) {
			out = append(out, d.mem.Clone())
		}
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *Index) GetMemoriesBatch(_ context.Context, ids []string) (map[string]*model.Memory, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]*model.Memory, len(ids))
	for _, id := range ids {
		if d, ok := x.docs[id]; ok {
			out[id] = d.mem.Clone()
		}
	}
	return out, nil
}

func (x *Index) Count(context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs), nil
}

func (x *Index) Clear(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = map[string]*doc{}
	x.postings = map[string]map[string]int{}
	x.totalLen = 0
	return nil
}

func (x *Index) Close() error { return nil }
