package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/embedding"
	"github.com/rcliao/memvault/internal/model"
)

const scanBatch = 256

// Vectors is an exact-cosine VectorBackend. Each vector and its metadata live
// in one hash, so an upsert is a single atomic HSET.
type Vectors struct {
	c    *Client
	dims int
}

var _ backend.VectorBackend = (*Vectors)(nil)

// NewVectors returns the vector backend on c for vectors of length dims.
func NewVectors(c *Client, dims int) *Vectors {
	return &Vectors{c: c, dims: dims}
}

func (v *Vectors) vecKey(id string) string { return v.c.key("vec", "v", id) }
func (v *Vectors) idsKey() string          { return v.c.key("vec", "ids") }

func (v *Vectors) Dimensions() int { return v.dims }

func (v *Vectors) Upsert(ctx context.Context, id string, vec []float32, meta model.VectorMetadata) error {
	if len(vec) != v.dims {
		return backend.Validationf("embedding has %d dimensions, want %d", len(vec), v.dims)
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return classify("upsert", err)
	}
	ctx, cancel := backend.WithTimeout(ctx, v.c.timeout)
	defer cancel()
	_, err = v.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, v.vecKey(id), "emb", model.EncodeEmbedding(vec), "meta", rawMeta)
		pipe.SAdd(ctx, v.idsKey(), id)
		return nil
	})
	return classify("upsert", err)
}

func (v *Vectors) Delete(ctx context.Context, id string) error {
	ctx, cancel := backend.WithTimeout(ctx, v.c.timeout)
	defer cancel()
	_, err := v.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, v.vecKey(id))
		pipe.SRem(ctx, v.idsKey(), id)
		return nil
	})
	return classify("delete", err)
}

// Search scans every stored vector, filtering on metadata before ranking.
func (v *Vectors) Search(ctx context.Context, query []float32, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	if len(query) != v.dims {
		return nil, backend.Validationf("query has %d dimensions, want %d", len(query), v.dims)
	}
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := backend.WithTimeout(ctx, v.c.timeout)
	defer cancel()

	ids, err := v.c.rdb.SMembers(ctx, v.idsKey()).Result()
	if err != nil {
		return nil, classify("search", err)
	}
	scores := make(map[string]float64, len(ids))
	for start := 0; start < len(ids); start += scanBatch {
		chunk := ids[start:min(start+scanBatch, len(ids))]
		cmds := make([]*redis.MapStringStringCmd, len(chunk))
		_, err := v.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range chunk {
				cmds[i] = pipe.HGetAll(ctx, v.vecKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, classify("search", err)
		}
		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			var meta model.VectorMetadata
			if err := json.Unmarshal([]byte(fields["meta"]), &meta); err != nil {
				v.c.logger.Warn().Str("id", chunk[i]).Err(err).Msg("skipping undecodable vector metadata")
				continue
			}
			if !f.MatchesMeta(meta) {
				continue
			}
			vec, err := model.DecodeEmbedding([]byte(fields["emb"]))
			if err != nil || len(vec) != v.dims {
				v.c.logger.Warn().Str("id", chunk[i]).Msg("skipping undecodable vector")
				continue
			}
			scores[chunk[i]] = embedding.CosineSimilarity(query, vec)
		}
	}
	return rank(scores, limit), nil
}

func (v *Vectors) Count(ctx context.Context) (int, error) {
	ctx, cancel := backend.WithTimeout(ctx, v.c.timeout)
	defer cancel()
	n, err := v.c.rdb.SCard(ctx, v.idsKey()).Result()
	if err != nil {
		return 0, classify("count", err)
	}
	return int(n), nil
}

func (v *Vectors) Clear(ctx context.Context) error {
	ctx, cancel := backend.WithTimeout(ctx, v.c.timeout)
	defer cancel()
	return classify("clear", v.c.deleteAll(ctx, v.c.key("vec", "*")))
}

func (v *Vectors) Close() error { return v.c.Close() }
