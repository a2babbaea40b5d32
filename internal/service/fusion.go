package service

import (
	"sort"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
)

type candidate struct {
	id     string
	raw    float64
	origin model.Origin
	mem    *model.Memory
}

// fuse combines ranked lists with Reciprocal Rank Fusion:
// score(d) = sum over lists of 1 / (k + rank(d)), ranks 1-based.
// Candidates come back in text-list order, then vector-only ids in vector
// order. A repeated id within one list keeps its first rank.
func fuse(k float64, text, vector []backend.ScoredID) []*candidate {
	byID := make(map[string]*candidate, len(text)+len(vector))
	out := make([]*candidate, 0, len(text)+len(vector))
	add := func(list []backend.ScoredID, origin model.Origin) {
		seen := make(map[string]bool, len(list))
		rank := 0
		for _, h := range list {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			rank++
			c, ok := byID[h.ID]
			if !ok {
				c = &candidate{id: h.ID, origin: origin}
				byID[h.ID] = c
				out = append(out, c)
			} else if c.origin != origin {
				c.origin = model.OriginBoth
			}
			c.raw += 1 / (k + float64(rank))
		}
	}
	add(text, model.OriginText)
	add(vector, model.OriginVector)
	return out
}

// sortCandidates orders by score descending. The sort is stable, so ties
// keep enumeration order.
func sortCandidates(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].raw > cs[j].raw
	})
}

// page returns cs[offset : offset+limit], clamped.
func page(cs []*candidate, offset, limit int) []*candidate {
	if offset >= len(cs) {
		return nil
	}
	end := offset + limit
	if end > len(cs) {
		end = len(cs)
	}
	return cs[offset:end]
}

// toHits builds hits with scores normalized by the batch maximum, so the
// top hit scores 1. RawScore keeps the fused value.
func toHits(cs []*candidate) []model.SearchHit {
	hits := make([]model.SearchHit, len(cs))
	var top float64
	for _, c := range cs {
		if c.raw > top {
			top = c.raw
		}
	}
	for i, c := range cs {
		score := 0.0
		if top > 0 {
			score = c.raw / top
		}
		hits[i] = model.SearchHit{
			MemoryID: c.id,
			Score:    score,
			RawScore: c.raw,
			Origin:   c.origin,
			Memory:   c.mem,
		}
	}
	return hits
}
