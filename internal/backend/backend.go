// Package backend defines the three storage contracts (persistence, text
// index, vector index), the shared error taxonomy and the helpers every
// implementation uses: the lock guard, per-call timeouts and the SQL
// filter compiler.
package backend

import (
	"context"

	"github.com/rcliao/memvault/internal/model"
)

// ScoredID is one ranked search result from an index or vector backend.
// Higher scores are better. Raw scores are backend-specific.
type ScoredID struct {
	ID    string
	Score float64
}

// PersistenceBackend is the authoritative record store. Absence here is the
// only authoritative absence.
type PersistenceBackend interface {
	// Store upserts a memory. Last write wins.
	Store(ctx context.Context, m *model.Memory) error

	// StoreBatch upserts all memories in a single transaction.
	StoreBatch(ctx context.Context, ms []*model.Memory) error

	// Get returns ErrNotFound when the id does not exist.
	Get(ctx context.Context, id string) (*model.Memory, error)

	// GetBatch fetches every existing id in one operation. Missing ids are
	// absent from the map. Undecodable records are skipped and reported
	// with a *CorruptionError alongside the rest.
	GetBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error)

	// Delete physically removes a memory and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListIDs returns matching ids ordered by created_at, then id.
	ListIDs(ctx context.Context, f model.SearchFilter) ([]string, error)

	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, f model.SearchFilter) (int, error)
	Close() error
}

// IndexBackend is the keyword search layer. It is a derived cache that can be
// rebuilt from the PersistenceBackend at any time.
type IndexBackend interface {
	// Index upserts one searchable document.
	Index(ctx context.Context, m *model.Memory) error

	// IndexBatch upserts many documents in one transaction.
	IndexBatch(ctx context.Context, ms []*model.Memory) error

	Remove(ctx context.Context, id string) error

	// TextSearch ranks documents matching any query term. The filter is
	// applied before limit.
	TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]ScoredID, error)

	// ListAll returns indexed documents, newest first.
	ListAll(ctx context.Context, f model.SearchFilter, limit int) ([]*model.Memory, error)

	// GetMemoriesBatch returns the indexed documents for ids. Ids that are not
	// indexed are absent from the map.
	GetMemoriesBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error)

	Count(ctx context.Context) (int, error)

	// Clear drops every document in one transaction.
	Clear(ctx context.Context) error
	Close() error
}

// VectorBackend is the semantic search layer over fixed-length embeddings.
type VectorBackend interface {
	// Upsert replaces the vector and metadata for id atomically.
	Upsert(ctx context.Context, id string, embedding []float32, meta model.VectorMetadata) error
	Delete(ctx context.Context, id string) error

	// Search returns ids by descending cosine similarity. The filter is
	// applied during the scan, so filtered-out entries never consume limit.
	Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]ScoredID, error)

	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	// Dimensions is the fixed embedding length this backend accepts.
	Dimensions() int
	Close() error
}
