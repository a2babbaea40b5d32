// Package store binds one implementation of each backend contract into a
// CompositeStorage. Backend selection happens once, at Open.
package store

import (
	"errors"

	"github.com/rcliao/memvault/internal/backend"
)

// Kinds records which implementation backs each layer.
type Kinds struct {
	Persistence string `json:"persistence"`
	Index       string `json:"index"`
	Vector      string `json:"vector"`
}

// CompositeStorage is the storage handed to the services.
type CompositeStorage struct {
	Persistence backend.PersistenceBackend
	Index       backend.IndexBackend
	Vectors     backend.VectorBackend
	Kinds       Kinds

	// extra closes shared resources (connection pools) after the backends.
	extra []func() error
}

// New composes already-open backends.
func New(p backend.PersistenceBackend, x backend.IndexBackend, v backend.VectorBackend, kinds Kinds) *CompositeStorage {
	return &CompositeStorage{Persistence: p, Index: x, Vectors: v, Kinds: kinds}
}

// Close closes every backend and shared resource, returning all errors.
func (s *CompositeStorage) Close() error {
	var errs []error
	if s.Vectors != nil {
		errs = append(errs, s.Vectors.Close())
	}
	if s.Index != nil {
		errs = append(errs, s.Index.Close())
	}
	if s.Persistence != nil {
		errs = append(errs, s.Persistence.Close())
	}
	for _, fn := range s.extra {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
