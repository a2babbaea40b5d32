package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/textrank"
)

// Index is a BM25 IndexBackend whose postings live in redis hashes.
type Index struct {
	c *Client
}

var _ backend.IndexBackend = (*Index)(nil)

// NewIndex returns the index backend on c.
func NewIndex(c *Client) *Index {
	return &Index{c: c}
}

func (x *Index) docKey(id string) string   { return x.c.key("idx", "doc", id) }
func (x *Index) termsKey(id string) string { return x.c.key("idx", "terms", id) }
func (x *Index) termKey(t string) string   { return x.c.key("idx", "term", t) }
func (x *Index) lenKey() string            { return x.c.key("idx", "len") }
func (x *Index) totLenKey() string         { return x.c.key("idx", "totlen") }
func (x *Index) idsKey() string            { return x.c.key("idx", "ids") }

type indexedDoc struct {
	id  string
	raw []byte
	tf  map[string]int
	n   int
}

func (x *Index) Index(ctx context.Context, m *model.Memory) error {
	return x.IndexBatch(ctx, []*model.Memory{m})
}

// IndexBatch writes every document in one MULTI/EXEC. Later duplicates of an
// id in ms win.
func (x *Index) IndexBatch(ctx context.Context, ms []*model.Memory) error {
	if len(ms) == 0 {
		return nil
	}
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()

	byID := make(map[string]int, len(ms))
	var docs []indexedDoc
	for _, m := range ms {
		c := m.Clone()
		c.Embedding = nil
		raw, err := json.Marshal(c)
		if err != nil {
			return classify("index", err)
		}
		text := c.Content
		if c.Source != "" {
			text += "\n" + c.Source
		}
		tf, n := textrank.TermFreqs(text)
		d := indexedDoc{id: c.ID, raw: raw, tf: tf, n: n}
		if i, ok := byID[c.ID]; ok {
			docs[i] = d
			continue
		}
		byID[c.ID] = len(docs)
		docs = append(docs, d)
	}

	watched := []string{x.lenKey()}
	for _, d := range docs {
		watched = append(watched, x.termsKey(d.id))
	}

	err := x.c.watch(ctx, func(tx *redis.Tx) error {
		old := make([][]string, len(docs))
		oldLen := make([]int64, len(docs))
		for i, d := range docs {
			terms, err := tx.SMembers(ctx, x.termsKey(d.id)).Result()
			if err != nil {
				return err
			}
			old[i] = terms
			n, err := tx.HGet(ctx, x.lenKey(), d.id).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			oldLen[i] = n
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			var delta int64
			for i, d := range docs {
				for _, t := range old[i] {
					if _, keep := d.tf[t]; !keep {
						pipe.HDel(ctx, x.termKey(t), d.id)
					}
				}
				pipe.Del(ctx, x.termsKey(d.id))
				if len(d.tf) > 0 {
					terms := make([]any, 0, len(d.tf))
					for t, n := range d.tf {
						pipe.HSet(ctx, x.termKey(t), d.id, n)
						terms = append(terms, t)
					}
					pipe.SAdd(ctx, x.termsKey(d.id), terms...)
				}
				pipe.HSet(ctx, x.lenKey(), d.id, d.n)
				pipe.Set(ctx, x.docKey(d.id), d.raw, 0)
				pipe.SAdd(ctx, x.idsKey(), d.id)
				delta += int64(d.n) - oldLen[i]
			}
			pipe.IncrBy(ctx, x.totLenKey(), delta)
			return nil
		})
		return err
	}, watched...)
	return classify("index", err)
}

func (x *Index) Remove(ctx context.Context, id string) error {
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()

	err := x.c.watch(ctx, func(tx *redis.Tx) error {
		terms, err := tx.SMembers(ctx, x.termsKey(id)).Result()
		if err != nil {
			return err
		}
		n, err := tx.HGet(ctx, x.lenKey(), id).Int64()
		if errors.Is(err, redis.Nil) {
			n = 0
		} else if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range terms {
				pipe.HDel(ctx, x.termKey(t), id)
			}
			pipe.Del(ctx, x.termsKey(id), x.docKey(id))
			pipe.HDel(ctx, x.lenKey(), id)
			pipe.SRem(ctx, x.idsKey(), id)
			if n != 0 {
				pipe.DecrBy(ctx, x.totLenKey(), n)
			}
			return nil
		})
		return err
	}, x.termsKey(id), x.lenKey())
	return classify("remove", err)
}

func (x *Index) TextSearch(ctx context.Context, query string, f model.SearchFilter, limit int) ([]backend.ScoredID, error) {
	terms := textrank.QueryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()

	postings := make([]*redis.MapStringStringCmd, len(terms))
	var (
		docCount *redis.IntCmd
		totLen   *redis.StringCmd
	)
	_, err := x.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, t := range terms {
			postings[i] = pipe.HGetAll(ctx, x.termKey(t))
		}
		docCount = pipe.SCard(ctx, x.idsKey())
		totLen = pipe.Get(ctx, x.totLenKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, classify("text_search", err)
	}

	var candidates []string
	seen := map[string]bool{}
	for _, p := range postings {
		for id := range p.Val() {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	docs, lens, err := x.fetch(ctx, candidates)
	if err != nil {
		return nil, classify("text_search", err)
	}

	corpus := textrank.Corpus{Docs: int(docCount.Val())}
	if corpus.Docs > 0 {
		total, _ := strconv.ParseInt(totLen.Val(), 10, 64)
		corpus.AvgLen = float64(total) / float64(corpus.Docs)
	}
	scores := map[string]float64{}
	for i := range terms {
		p := postings[i].Val()
		for id, raw := range p {
			m, ok := docs[id]
			if !ok || !f.Matches(m) {
				continue
			}
			tf, _ := strconv.Atoi(raw)
			scores[id] += corpus.Term(tf, lens[id], len(p))
		}
	}
	return rank(scores, limit), nil
}

// fetch loads documents and lengths for ids. Undecodable documents are
// logged and dropped; the index is rebuildable.
func (x *Index) fetch(ctx context.Context, ids []string) (map[string]*model.Memory, map[string]int, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = x.docKey(id)
	}
	var (
		docsCmd *redis.SliceCmd
		lensCmd *redis.SliceCmd
	)
	_, err := x.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		docsCmd = pipe.MGet(ctx, keys...)
		lensCmd = pipe.HMGet(ctx, x.lenKey(), ids...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	docs := make(map[string]*model.Memory, len(ids))
	lens := make(map[string]int, len(ids))
	for i, v := range docsCmd.Val() {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m model.Memory
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			x.c.logger.Warn().Str("id", ids[i]).Err(err).Msg("skipping undecodable index document")
			continue
		}
		docs[ids[i]] = &m
	}
	for i, v := range lensCmd.Val() {
		if s, ok := v.(string); ok {
			lens[ids[i]], _ = strconv.Atoi(s)
		}
	}
	return docs, lens, nil
}

// rank sorts by score descending, then id ascending.
func rank(scores map[string]float64, limit int) []backend.ScoredID {
	out := make([]backend.ScoredID, 0, len(scores))
	for id, s := range scores {
		out = append(out, backend.ScoredID{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (x *Index) ListAll(ctx context.Context, f model.SearchFilter, limit int) ([]*model.Memory, error) {
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()

	ids, err := x.c.rdb.SMembers(ctx, x.idsKey()).Result()
	if err != nil {
		return nil, classify("list_all", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	docs, _, err := x.fetch(ctx, ids)
	if err != nil {
		return nil, classify("list_all", err)
	}
	var out []*model.Memory
	for _, m := range docs {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
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

func (x *Index) GetMemoriesBatch(ctx context.Context, ids []string) (map[string]*model.Memory, error) {
	if len(ids) == 0 {
		return map[string]*model.Memory{}, nil
	}
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()
	docs, _, err := x.fetch(ctx, ids)
	if err != nil {
		return nil, classify("get_memories_batch", err)
	}
	return docs, nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()
	n, err := x.c.rdb.SCard(ctx, x.idsKey()).Result()
	if err != nil {
		return 0, classify("count", err)
	}
	return int(n), nil
}

func (x *Index) Clear(ctx context.Context) error {
	ctx, cancel := backend.WithTimeout(ctx, x.c.timeout)
	defer cancel()
	return classify("clear", x.c.deleteAll(ctx, x.c.key("idx", "*")))
}

func (x *Index) Close() error { return x.c.Close() }
