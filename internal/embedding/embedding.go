// Package embedding turns text into fixed-length vectors. Providers sit
// behind the Embedder interface; New wires the configured one with lazy
// construction, a per-call deadline and an optional LRU cache.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// ErrEmbedderUnavailable means the provider could not be built or reached.
// Callers degrade to keyword search.
var ErrEmbedderUnavailable = errors.New("embedder unavailable")

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, aa, bb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		aa += float64(x) * float64(x)
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return dot / math.Sqrt(aa*bb)
}
