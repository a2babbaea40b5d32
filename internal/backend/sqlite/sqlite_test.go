package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := OpenPersistence(filepath.Join(t.TempDir(), "memvault.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mem(id, content string, ns model.Namespace, age time.Duration, tags ...string) *model.Memory {
	created := base.Add(-age)
	return &model.Memory{
		ID:        id,
		Content:   content,
		Namespace: ns,
		Domain:    model.DomainProject,
		Tags:      tags,
		Status:    model.StatusActive,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	tomb := base.Add(time.Minute)
	m := mem("01A", "Use PostgreSQL for storage", model.NSDecisions, 0, "db", "storage")
	m.Source = "docs/adr/001.md"
	m.Embedding = []float32{0.1, 0.2, 0.3}
	m.TombstonedAt = &tomb
	m.Status = model.StatusTombstoned

	if err := p.Store(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := p.Get(ctx, "01A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, m)
	}
}

func TestPersistence_GetMissing(t *testing.T) {
	p := newTestPersistence(t)
	_, err := p.Get(context.Background(), "nope")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistence_UpsertLastWriteWins(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	m := mem("01A", "first", model.NSDecisions, 0, "a")
	if err := p.Store(ctx, m); err != nil {
		t.Fatal(err)
	}
	m2 := m.Clone()
	m2.Content = "second"
	m2.Tags = []string{"b"}
	m2.UpdatedAt = m.UpdatedAt.Add(time.Second)
	if err := p.Store(ctx, m2); err != nil {
		t.Fatal(err)
	}

	got, _ := p.Get(ctx, "01A")
	if got.Content != "second" {
		t.Errorf("content = %q", got.Content)
	}
	ids, _ := p.ListIDs(ctx, model.SearchFilter{Tags: []string{"a"}})
	if len(ids) != 0 {
		t.Errorf("stale tag still matches: %v", ids)
	}
	ids, _ = p.ListIDs(ctx, model.SearchFilter{Tags: []string{"b"}})
	if len(ids) != 1 {
		t.Errorf("new tag not indexed: %v", ids)
	}
}

func TestPersistence_GetBatchEquivalence(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	for _, m := range []*model.Memory{
		mem("01A", "one", model.NSDecisions, time.Hour),
		mem("01B", "two", model.NSPatterns, 0),
	} {
		if err := p.Store(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := p.GetBatch(ctx, []string{"01A", "01B", "missing"})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 records, got %d", len(batch))
	}
	for _, id := range []string{"01A", "01B"} {
		single, err := p.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(single, batch[id]) {
			t.Errorf("%s: batch %+v != get %+v", id, batch[id], single)
		}
	}
}

func TestPersistence_CorruptRecordSkipped(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	p.Store(ctx, mem("01A", "fine", model.NSDecisions, 0))
	p.Store(ctx, mem("01B", "broken", model.NSDecisions, 0))
	if _, err := p.db.Exec(`UPDATE memories SET embedding = X'010203' WHERE id = '01B'`); err != nil {
		t.Fatal(err)
	}

	got, err := p.GetBatch(ctx, []string{"01A", "01B"})
	if backend.Skipped(err) != 1 {
		t.Fatalf("expected 1 skipped record, got err %v", err)
	}
	if _, ok := got["01A"]; !ok || len(got) != 1 {
		t.Errorf("expected only 01A, got %v", got)
	}

	_, err = p.Get(ctx, "01B")
	if !errors.Is(err, backend.ErrCorruption) {
		t.Errorf("expected ErrCorruption, got %v", err)
	}
}

func TestPersistence_ListCountFilters(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	a := mem("01A", "rust patterns", model.NSPatterns, 3*time.Hour, "rust")
	b := mem("01B", "go patterns", model.NSPatterns, 2*time.Hour, "go")
	c := mem("01C", "rust decision", model.NSDecisions, time.Hour, "rust")
	d := mem("01D", "old rust", model.NSPatterns, 0, "rust")
	d.Status = model.StatusTombstoned
	if err := p.StoreBatch(ctx, []*model.Memory{a, b, c, d}); err != nil {
		t.Fatal(err)
	}

	ids, err := p.ListIDs(ctx, model.SearchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "01A,01B,01C" {
		t.Errorf("ids = %v", ids)
	}

	ids, _ = p.ListIDs(ctx, model.SearchFilter{
		Namespaces: []model.Namespace{model.NSPatterns},
		Tags:       []string{"rust"},
	})
	if strings.Join(ids, ",") != "01A" {
		t.Errorf("filtered ids = %v", ids)
	}

	ids, _ = p.ListIDs(ctx, model.SearchFilter{Tags: []string{"rust"}, IncludeTombstoned: true})
	if strings.Join(ids, ",") != "01A,01C,01D" {
		t.Errorf("with tombstones = %v", ids)
	}

	since := base.Add(-90 * time.Minute)
	n, _ := p.Count(ctx, model.SearchFilter{Since: &since})
	if n != 1 {
		t.Errorf("count since = %d, want 1", n)
	}
	n, _ = p.Count(ctx, model.SearchFilter{ExcludeTags: []string{"rust"}})
	if n != 1 {
		t.Errorf("count exclude = %d, want 1", n)
	}
}

func TestPersistence_DeleteExists(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	p.Store(ctx, mem("01A", "x", model.NSDecisions, 0, "t"))

	if ok, _ := p.Exists(ctx, "01A"); !ok {
		t.Fatal("expected exists")
	}
	deleted, err := p.Delete(ctx, "01A")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if ok, _ := p.Exists(ctx, "01A"); ok {
		t.Error("still exists after delete")
	}
	if deleted, _ := p.Delete(ctx, "01A"); deleted {
		t.Error("second delete reported true")
	}
}

func TestPersistence_CanceledContext(t *testing.T) {
	p := newTestPersistence(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Store(ctx, mem("01A", "x", model.NSDecisions, 0))
	if !errors.Is(err, backend.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestIndex_TextSearch(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	for _, m := range []*model.Memory{
		mem("01A", "Use PostgreSQL for storage", model.NSDecisions, 2*time.Hour, "db"),
		mem("01B", "Redis works as a cache in front of storage", model.NSPatterns, time.Hour, "cache"),
		mem("01C", "Unrelated note about the build", model.NSLearnings, 0),
	} {
		if err := x.Index(ctx, m); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	hits, err := x.TextSearch(ctx, "PostgreSQL", model.SearchFilter{}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "01A" {
		t.Fatalf("hits = %v", hits)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score should be positive, got %f", hits[0].Score)
	}

	// OR semantics across terms.
	hits, _ = x.TextSearch(ctx, "postgresql cache", model.SearchFilter{}, 10)
	if len(hits) != 2 {
		t.Errorf("expected 2 OR hits, got %v", hits)
	}

	hits, _ = x.TextSearch(ctx, "storage", model.SearchFilter{Namespaces: []model.Namespace{model.NSPatterns}}, 10)
	if len(hits) != 1 || hits[0].ID != "01B" {
		t.Errorf("namespace filtered hits = %v", hits)
	}

	hits, _ = x.TextSearch(ctx, "the a", model.SearchFilter{}, 10)
	if len(hits) != 0 {
		t.Errorf("stopword query returned %v", hits)
	}
}

func TestIndex_LimitCountsMemoriesNotPassages(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	var long strings.Builder
	for i := 0; i < 30; i++ {
		long.WriteString(strings.Repeat("postgres ", 40) + "tuning note.\n\n")
	}
	big := mem("01BIG", long.String(), model.NSLearnings, 0)
	small := mem("01SMALL", "postgres is the system of record for billing invoices and customer accounts", model.NSDecisions, time.Hour)
	for _, m := range []*model.Memory{big, small} {
		if err := x.Index(ctx, m); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	hits, err := x.TextSearch(ctx, "postgres", model.SearchFilter{}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected both matching memories, got %v", hits)
	}
	if hits[0].ID == hits[1].ID {
		t.Errorf("duplicate memory in hits: %v", hits)
	}
}

func TestIndex_IdempotentUpsert(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	m := mem("01A", strings.Repeat("storage engine notes. ", 100), model.NSDecisions, 0)

	for i := 0; i < 2; i++ {
		if err := x.Index(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	hits, _ := x.TextSearch(ctx, "storage", model.SearchFilter{}, 10)
	if len(hits) != 1 {
		t.Errorf("expected one hit per memory, got %v", hits)
	}
	if n, _ := x.Count(ctx); n != 1 {
		t.Errorf("count = %d", n)
	}
}

func TestIndex_TombstoneFilter(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	m := mem("01A", "flaky test in ci", model.NSTesting, 0)
	m.Status = model.StatusTombstoned
	x.Index(ctx, m)

	if hits, _ := x.TextSearch(ctx, "flaky", model.SearchFilter{}, 10); len(hits) != 0 {
		t.Errorf("tombstoned memory visible: %v", hits)
	}
	if hits, _ := x.TextSearch(ctx, "flaky", model.SearchFilter{IncludeTombstoned: true}, 10); len(hits) != 1 {
		t.Errorf("tombstoned memory hidden with include flag: %v", hits)
	}
}

func TestIndex_ListAllRemoveClear(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	if err := x.IndexBatch(ctx, []*model.Memory{
		mem("01A", "old", model.NSDecisions, time.Hour, "rust"),
		mem("01B", "new", model.NSDecisions, 0, "rust"),
		mem("01C", "other", model.NSDecisions, 0, "go"),
	}); err != nil {
		t.Fatal(err)
	}

	list, err := x.ListAll(ctx, model.SearchFilter{Tags: []string{"rust"}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "01B" {
		t.Errorf("list = %v", list)
	}

	got, _ := x.GetMemoriesBatch(ctx, []string{"01A", "missing"})
	if len(got) != 1 || got["01A"].Content != "old" {
		t.Errorf("batch = %v", got)
	}

	if err := x.Remove(ctx, "01A"); err != nil {
		t.Fatal(err)
	}
	if hits, _ := x.TextSearch(ctx, "old", model.SearchFilter{}, 10); len(hits) != 0 {
		t.Errorf("removed doc still searchable: %v", hits)
	}

	if err := x.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := x.Count(ctx); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	if hits, _ := x.TextSearch(ctx, "new", model.SearchFilter{}, 10); len(hits) != 0 {
		t.Errorf("cleared doc still searchable: %v", hits)
	}
}
