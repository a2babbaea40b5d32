package service

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rcliao/memvault/internal/model"
)

const (
	// DefaultContextBudget is the token budget used when none is given.
	DefaultContextBudget = 4000

	contextCandidates = 50
	charsPerToken     = 4
	minExcerptChars   = 100
)

// ContextRequest asks for the memories most worth putting in front of an
// assistant, packed into a token budget.
type ContextRequest struct {
	Query  string
	Filter model.SearchFilter
	Budget int // tokens
}

// ContextMemory is one packed memory.
type ContextMemory struct {
	ID        string          `json:"id"`
	Namespace model.Namespace `json:"namespace"`
	Tags      []string        `json:"tags,omitempty"`
	Content   string          `json:"content"`
	Score     float64         `json:"score"`
	Excerpt   bool            `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context. Used is in tokens.
type ContextResult struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Degraded bool            `json:"degraded,omitempty"`
	Memories []ContextMemory `json:"memories"`
}

// Context recalls candidates for the query, scores them by relevance and
// recency and packs them greedily into the budget.
func (e *Engine) Context(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	budget := req.Budget
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	res := &ContextResult{Budget: budget, Memories: []ContextMemory{}}

	var hits []model.SearchHit
	if strings.TrimSpace(req.Query) == "" {
		// No query: the newest memories are the context.
		list, err := e.List(ctx, ListRequest{Filter: req.Filter, Limit: contextCandidates})
		if err != nil {
			return nil, err
		}
		for _, m := range list.Memories {
			hits = append(hits, model.SearchHit{MemoryID: m.ID, Score: 1, Memory: m})
		}
	} else {
		rec, err := e.Recall(ctx, RecallRequest{
			Query:  req.Query,
			Filter: req.Filter,
			Limit:  contextCandidates,
		})
		if err != nil {
			return nil, err
		}
		hits = rec.Hits
		res.Degraded = rec.Degraded
	}

	now := e.now()
	type scored struct {
		m     *model.Memory
		score float64
	}
	cands := make([]scored, 0, len(hits))
	for _, h := range hits {
		if h.Memory == nil {
			continue
		}
		age := now.Sub(h.Memory.CreatedAt).Hours() / 24
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-0.1 * age)
		cands = append(cands, scored{m: h.Memory, score: 0.6*h.Score + 0.4*recency})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	charBudget := budget * charsPerToken
	used := 0
	for _, c := range cands {
		cm := ContextMemory{
			ID:        c.m.ID,
			Namespace: c.m.Namespace,
			Tags:      c.m.Tags,
			Content:   c.m.Content,
			Score:     math.Round(c.score*100) / 100,
		}
		if used+len(c.m.Content) <= charBudget {
			res.Memories = append(res.Memories, cm)
			used += len(c.m.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= minExcerptChars {
			cm.Content = truncateUTF8(c.m.Content, remaining) + "..."
			cm.Excerpt = true
			res.Memories = append(res.Memories, cm)
			used += len(cm.Content)
		}
		break
	}
	res.Used = used / charsPerToken
	return res, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
