package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/observability"
)

// Branch names a recall component that can fail independently.
type Branch string

const (
	BranchText     Branch = "text"
	BranchVector   Branch = "vector"
	BranchEmbedder Branch = "embedder"
)

// RecallRequest is a search over stored memories.
type RecallRequest struct {
	Query  string
	Filter model.SearchFilter
	Mode   model.SearchMode // empty means the configured default
	Limit  int
	Offset int
	Intent Intent // empty means detect from the query
}

// RecallResult holds one page of hits. Mode is the mode that actually
// served the request, which differs from the requested one after a
// fallback.
type RecallResult struct {
	Hits           []model.SearchHit `json:"hits"`
	Mode           model.SearchMode  `json:"mode"`
	Intent         Intent            `json:"intent"`
	Degraded       bool              `json:"degraded"`
	FailedBranches []Branch          `json:"failed_branches,omitempty"`
	Skipped        int               `json:"skipped,omitempty"`
}

type branchResult struct {
	hits []backend.ScoredID
	err  error
}

// Recall runs text and vector search concurrently, fuses the ranked lists
// with RRF, applies intent weights, hydrates and post-filters against the
// persistence layer, paginates and normalizes scores.
//
// A failed branch degrades the result instead of failing it. When no
// branch can serve the request the result is empty and degraded and the
// error is ErrSearchUnavailable.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) (*RecallResult, error) {
	ctx, span := e.tracer.Start(ctx, "memvault.recall")
	defer span.End()
	start := time.Now()

	res, err := e.recall(ctx, req)

	var failed []string
	if res != nil {
		for _, b := range res.FailedBranches {
			failed = append(failed, string(b))
		}
		span.SetAttributes(
			attribute.String("memvault.mode", string(res.Mode)),
			attribute.Bool("memvault.degraded", res.Degraded),
			attribute.Int("memvault.hits", len(res.Hits)),
		)
		observability.RecordRecall(string(res.Mode), time.Since(start), failed)
		observability.RecordCorruptRecords(res.Skipped)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) recall(ctx context.Context, req RecallRequest) (*RecallResult, error) {
	r := e.opts.Recall
	if strings.TrimSpace(req.Query) == "" {
		return nil, backend.Validationf("query is required")
	}
	if req.Offset < 0 {
		return nil, backend.Validationf("offset must be >= 0")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.DefaultLimit
	}
	if limit > r.MaxLimit {
		limit = r.MaxLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = r.DefaultMode
	}
	intent := req.Intent
	if intent == "" {
		intent = DetectIntent(req.Query)
	}
	f := req.Filter.Normalized()

	res := &RecallResult{Hits: []model.SearchHit{}, Mode: mode, Intent: intent}
	fail := func(b Branch) {
		res.FailedBranches = append(res.FailedBranches, b)
	}

	wantText := mode != model.ModeVector
	wantVector := mode != model.ModeText

	var query []float32
	if wantVector {
		switch {
		case e.embedder == nil && mode == model.ModeVector:
			res.Degraded = true
			fail(BranchEmbedder)
			return res, fmt.Errorf("vector search needs an embedder: %w", ErrSearchUnavailable)
		case e.embedder == nil:
			// Hybrid without embeddings is plain keyword search.
			wantVector = false
		default:
			vec, err := e.embedText(ctx, req.Query)
			if err != nil {
				e.logger.Warn().Str("layer", string(BranchEmbedder)).Err(err).Msg("query embedding failed")
				fail(BranchEmbedder)
				wantVector = false
			} else {
				query = vec
			}
		}
	}

	candidates := (limit + req.Offset) * r.CandidateMultiplier
	var text, vector branchResult
	var wg sync.WaitGroup
	if wantText {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, cancel := backend.WithTimeout(ctx, r.BranchTimeout)
			defer cancel()
			text.hits, text.err = e.storage.Index.TextSearch(bctx, req.Query, f, candidates)
		}()
	}
	if wantVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, cancel := backend.WithTimeout(ctx, r.BranchTimeout)
			defer cancel()
			vector.hits, vector.err = e.storage.Vectors.Search(bctx, query, f, candidates)
		}()
	}
	wg.Wait()

	if wantText && text.err != nil {
		e.logger.Warn().Str("layer", string(BranchText)).Err(text.err).Msg("text search failed")
		fail(BranchText)
		wantText = false
	}
	if wantVector && vector.err != nil {
		e.logger.Warn().Str("layer", string(BranchVector)).Err(vector.err).Msg("vector search failed")
		fail(BranchVector)
		wantVector = false
	}

	switch {
	case wantText && wantVector:
		res.Mode = model.ModeHybrid
	case wantText:
		res.Mode = model.ModeText
	case wantVector:
		res.Mode = model.ModeVector
	default:
		res.Degraded = true
		return res, ErrSearchUnavailable
	}
	res.Degraded = len(res.FailedBranches) > 0

	var textHits, vectorHits []backend.ScoredID
	if wantText {
		textHits = text.hits
	}
	if wantVector {
		vectorHits = vector.hits
	}
	cands := fuse(r.RRFK, textHits, vectorHits)

	cands, skipped := e.hydrate(ctx, cands, f)
	res.Skipped = skipped

	for _, c := range cands {
		if c.mem != nil {
			c.raw *= r.weightFor(intent, c.mem.Namespace)
		}
	}
	sortCandidates(cands)
	res.Hits = toHits(page(cands, req.Offset, limit))
	return res, nil
}

// hydrate attaches authoritative records and drops candidates that are gone
// or no longer pass f. If the batch fetch fails outright the candidates are
// returned unhydrated and unfiltered.
func (e *Engine) hydrate(ctx context.Context, cands []*candidate, f model.SearchFilter) ([]*candidate, int) {
	if len(cands) == 0 {
		return cands, 0
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	mems, err := e.storage.Persistence.GetBatch(ctx, ids)
	skipped := backend.Skipped(err)
	if !backend.OnlyCorruption(err) {
		e.logger.Warn().Err(err).Msg("hydration failed, returning unhydrated hits")
		return cands, 0
	}
	if skipped > 0 {
		e.logger.Warn().Int("skipped", skipped).Err(err).Msg("skipped corrupt records during recall")
	}

	out := cands[:0]
	for _, c := range cands {
		m, ok := mems[c.id]
		if !ok || !f.Matches(m) {
			continue
		}
		c.mem = m
		out = append(out, c)
	}
	return out, skipped
}
