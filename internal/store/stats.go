package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rcliao/memvault/internal/model"
)

// Stats holds storage statistics.
type Stats struct {
	Backends      Kinds                   `json:"backends"`
	TotalMemories int                     `json:"total_memories"`
	ByStatus      map[model.Status]int    `json:"by_status"`
	ByNamespace   map[model.Namespace]int `json:"by_namespace"`
	IndexedDocs   int                     `json:"indexed_docs"`
	Vectors       int                     `json:"vectors"`
	VectorDims    int                     `json:"vector_dims"`
	DataDirBytes  int64                   `json:"data_dir_bytes,omitempty"`
	IndexError    string                  `json:"index_error,omitempty"`
	VectorError   string                  `json:"vector_error,omitempty"`
}

// Stats counts memories by status and by namespace (tombstones excluded)
// and reports the derived layers' sizes. Index and vector failures are
// reported in the result rather than returned.
func (s *CompositeStorage) Stats(ctx context.Context, dataDir string) (*Stats, error) {
	st := &Stats{
		Backends:    s.Kinds,
		ByStatus:    map[model.Status]int{},
		ByNamespace: map[model.Namespace]int{},
		VectorDims:  s.Vectors.Dimensions(),
	}

	for _, status := range []model.Status{model.StatusActive, model.StatusArchived, model.StatusTombstoned} {
		n, err := s.Persistence.Count(ctx, model.SearchFilter{Statuses: []model.Status{status}})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", status, err)
		}
		if n > 0 {
			st.ByStatus[status] = n
		}
		st.TotalMemories += n
	}
	for ns := range model.ValidNamespaces {
		n, err := s.Persistence.Count(ctx, model.SearchFilter{Namespaces: []model.Namespace{ns}})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", ns, err)
		}
		if n > 0 {
			st.ByNamespace[ns] = n
		}
	}

	if n, err := s.Index.Count(ctx); err != nil {
		st.IndexError = err.Error()
	} else {
		st.IndexedDocs = n
	}
	if n, err := s.Vectors.Count(ctx); err != nil {
		st.VectorError = err.Error()
	} else {
		st.Vectors = n
	}

	if dataDir != "" {
		st.DataDirBytes = dirSize(dataDir)
	}
	return st, nil
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
