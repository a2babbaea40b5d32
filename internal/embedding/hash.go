package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/rcliao/memvault/internal/textrank"
)

// HashEmbedder is a deterministic feature-hashing embedder. It needs no
// network and gives texts that share terms a positive cosine similarity.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder producing dims-length vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make(Vector, e.dims)
	for _, tok := range textrank.Tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		v[sum%uint64(e.dims)] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }
