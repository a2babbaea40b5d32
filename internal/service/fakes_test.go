package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/backend/cache"
	"github.com/rcliao/memvault/internal/backend/sqlite"
	"github.com/rcliao/memvault/internal/embedding"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/store"
)

const testDims = 64

var errInjected = &backend.Error{Op: "test", Backend: "fake", Kind: backend.ErrUnavailable, Err: errors.New("injected failure")}

// flakyPersistence fails writes or batch reads on demand and can report
// chosen ids as corrupt.
type flakyPersistence struct {
	backend.PersistenceBackend
	failStore    atomic.Bool
	failGetBatch atomic.Bool

	mu      sync.Mutex
	corrupt map[string]bool
}

func (p *flakyPersistence) markCorrupt(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.corrupt == nil {
		p.corrupt = map[string]bool{}
	}
	for _, id := range ids {
		p.corrupt[id] = true
	}
}

func (p *flakyPersistence) Store(ctx context.Context, m *model.Memory) error {
	if p.failStore.Load() {
		return errInjected
	}
	return p.PersistenceBackend.Store(ctx, m)
}

func (p *flakyPersistence) GetBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	if p.failGetBatch.Load() {
		return nil, errInjected
	}
	out, err := p.PersistenceBackend.GetBatch(ctx, ids)
	if err != nil {
		return out, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var bad []string
	for _, id := range ids {
		if p.corrupt[id] {
			if _, ok := out[id]; ok {
				delete(out, id)
				bad = append(bad, id)
			}
		}
	}
	if len(bad) > 0 {
		return out, &backend.CorruptionError{IDs: bad}
	}
	return out, nil
}

// hang blocks until ctx is done, like a backend that stopped answering.
func hang(ctx context.Context, op string) error {
	<-ctx.Done()
	return &backend.Error{Op: op, Backend: "fake", Kind: backend.ErrTimeout, Err: ctx.Err()}
}

// flakyIndex fails or stalls searches and fails writes on demand. Documents
// marked corrupt are reported as undecodable until they are re-indexed.
type flakyIndex struct {
	backend.IndexBackend
	failSearch atomic.Bool
	hangSearch atomic.Bool
	failWrite  atomic.Bool

	mu      sync.Mutex
	corrupt map[string]bool
}

func (x *flakyIndex) markCorrupt(ids ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.corrupt == nil {
		x.corrupt = map[string]bool{}
	}
	for _, id := range ids {
		x.corrupt[id] = true
	}
}

func (x *flakyIndex) repaired(ms ...*model.Memory) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, m := range ms {
		delete(x.corrupt, m.ID)
	}
}

func (x *flakyIndex) Index(ctx context.Context, m *model.Memory) error {
	if x.failWrite.Load() {
		return errInjected
	}
	if err := x.IndexBackend.Index(ctx, m); err != nil {
		return err
	}
	x.repaired(m)
	return nil
}

func (x *flakyIndex) IndexBatch(ctx context.Context, ms []*model.Memory) error {
	if x.failWrite.Load() {
		return errInjected
	}
	if err := x.IndexBackend.IndexBatch(ctx, ms); err != nil {
		return err
	}
	x.repaired(ms...)
	return nil
}

func (x *flakyIndex) GetMemoriesBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	out, err := x.IndexBackend.GetMemoriesBatch(ctx, ids)
	if err != nil {
		return out, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	var bad []string
	for _, id := range ids {
		if _, ok := out[id]; ok && x.corrupt[id] {
			delete(out, id)
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		return out, &backend.CorruptionError{IDs: bad}
	}
	return out, nil
}

func (x *flakyIndex) Remove(ctx context.Context, id string) error {
	if x.failWrite.Load() {
		return errInjected
	}
	return x.IndexBackend.Remove(ctx, id)
}

func (x *flakyIndex) TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if x.failSearch.Load() {
		return nil, errInjected
	}
	if x.hangSearch.Load() {
		return nil, hang(ctx, "text_search")
	}
	return x.IndexBackend.TextSearch(ctx, query, f, limit)
}

// flakyVectors fails or stalls searches and fails writes on demand.
type flakyVectors struct {
	backend.VectorBackend
	failSearch atomic.Bool
	hangSearch atomic.Bool
	failWrite  atomic.Bool
}

func (v *flakyVectors) Upsert(ctx context.Context, id string, vec []float32, meta model.VectorMetadata) error {
	if v.failWrite.Load() {
		return errInjected
	}
	return v.VectorBackend.Upsert(ctx, id, vec, meta)
}

func (v *flakyVectors) Delete(ctx context.Context, id string) error {
	if v.failWrite.Load() {
		return errInjected
	}
	return v.VectorBackend.Delete(ctx, id)
}

func (v *flakyVectors) Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if v.failSearch.Load() {
		return nil, errInjected
	}
	if v.hangSearch.Load() {
		return nil, hang(ctx, "vector_search")
	}
	return v.VectorBackend.Search(ctx, query, f, limit)
}

// flakyEmbedder is a hash embedder that fails on demand and counts calls.
// onEmbed, when set, runs inside every call before the vector is returned.
type flakyEmbedder struct {
	next    embedding.Embedder
	fail    atomic.Bool
	calls   atomic.Int64
	onEmbed func(text string)
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, embedding.ErrEmbedderUnavailable
	}
	if f.onEmbed != nil {
		f.onEmbed(text)
	}
	return f.next.Embed(ctx, text)
}

func (f *flakyEmbedder) Dims() int { return f.next.Dims() }

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	engine   *Engine
	persist  *flakyPersistence
	index    *flakyIndex
	vectors  *flakyVectors
	embedder *flakyEmbedder
	clock    *fakeClock
	dataDir  string
}

type harnessOption func(*Options)

func withoutEmbedder() harnessOption {
	return func(o *Options) { o.Embedder = nil }
}

func withBranchTimeout(d time.Duration) harnessOption {
	return func(o *Options) { o.Recall.BranchTimeout = d }
}

// newHarness builds an engine over sqlite persistence and cache-backed
// index and vector layers, each wrapped so tests can inject failures.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	p, err := sqlite.OpenPersistence(filepath.Join(dir, store.PersistenceFile), zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		persist:  &flakyPersistence{PersistenceBackend: p},
		index:    &flakyIndex{IndexBackend: cache.NewIndex()},
		vectors:  &flakyVectors{VectorBackend: cache.NewVectors(testDims)},
		embedder: &flakyEmbedder{next: embedding.NewHashEmbedder(testDims)},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		dataDir:  dir,
	}
	s := store.New(h.persist, h.index, h.vectors, store.Kinds{Persistence: "embedded", Index: "cache", Vector: "cache"})
	t.Cleanup(func() { s.Close() })

	o := Options{
		Storage:          s,
		Embedder:         h.embedder,
		Dimensions:       testDims,
		RebuildBatchSize: 2,
		DataDir:          dir,
		Logger:           zerolog.Nop(),
		Now:              h.clock.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.engine = NewEngine(o)
	return h
}

// capture stores a memory and advances the clock a minute so creation
// order is deterministic.
func (h *harness) capture(t *testing.T, ns model.Namespace, content string, tags ...string) *model.Memory {
	t.Helper()
	m, err := h.engine.Capture(context.Background(), CaptureRequest{Content: content, Namespace: ns, Tags: tags})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return m
}

func hitIDs(hits []model.SearchHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	return ids
}
