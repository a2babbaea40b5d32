package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/observability"
)

// CaptureState is the write-path step a capture reached.
type CaptureState string

const (
	StateEmbedding       CaptureState = "embedding"
	StatePersisting      CaptureState = "persisting"
	StateIndexing        CaptureState = "indexing"
	StateVectorUpserting CaptureState = "vector_upserting"
	StateDone            CaptureState = "done"
)

// Layer names used in logs and metrics for best-effort writes.
const (
	LayerIndex  = "index"
	LayerVector = "vector"
)

// CaptureRequest describes a memory to store. ID is optional; an existing
// id is upserted.
type CaptureRequest struct {
	ID        string
	Content   string
	Namespace model.Namespace
	Domain    model.Domain
	Tags      []string
	Source    string

	// Embedding, when set, is used as-is and must match the configured
	// dimensions.
	Embedding []float32
}

// Capture validates, embeds and persists a memory, then writes the index
// and vector layers best-effort. Only validation and persistence failures
// are returned.
func (e *Engine) Capture(ctx context.Context, req CaptureRequest) (*model.Memory, error) {
	ctx, span := e.tracer.Start(ctx, "memvault.capture")
	defer span.End()

	m, err := e.prepare(ctx, req)
	if err != nil {
		observability.RecordCapture(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("memvault.id", m.ID),
		attribute.String("memvault.namespace", string(m.Namespace)),
	)

	state, err := e.write(ctx, m, req.Embedding == nil)
	span.SetAttributes(attribute.String("memvault.capture_state", string(state)))
	if err != nil {
		observability.RecordCapture(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	observability.RecordCapture(true)
	return m, nil
}

// prepare builds the memory to store: normalization, upsert timestamps and
// validation.
func (e *Engine) prepare(ctx context.Context, req CaptureRequest) (*model.Memory, error) {
	domain, err := model.ParseDomain(string(req.Domain))
	if err != nil {
		return nil, backend.Validationf("%v", err)
	}
	ns, err := model.ParseNamespace(string(req.Namespace))
	if err != nil {
		return nil, backend.Validationf("%v", err)
	}

	now := e.now()
	m := &model.Memory{
		ID:        req.ID,
		Content:   req.Content,
		Namespace: ns,
		Domain:    domain,
		Tags:      model.NormalizeTags(req.Tags),
		Source:    req.Source,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(req.Embedding) > 0 {
		if len(req.Embedding) != e.dims {
			return nil, backend.Validationf("embedding has %d dimensions, want %d", len(req.Embedding), e.dims)
		}
		m.Embedding = append([]float32(nil), req.Embedding...)
	}

	if m.ID == "" {
		m.ID = model.NewID()
	} else {
		prev, err := e.storage.Persistence.Get(ctx, m.ID)
		switch {
		case err == nil:
			m.CreatedAt = prev.CreatedAt
			if m.UpdatedAt.Before(m.CreatedAt) {
				m.UpdatedAt = m.CreatedAt
			}
		case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrCorruption):
		default:
			return nil, err
		}
	}

	if err := m.Validate(e.opts.MaxContentBytes); err != nil {
		return nil, backend.Validationf("%v", err)
	}
	return m, nil
}

// write runs the capture state machine on a validated memory. When embed is
// true and the memory has no embedding, the configured embedder is tried.
func (e *Engine) write(ctx context.Context, m *model.Memory, embed bool) (CaptureState, error) {
	state := StateEmbedding
	if embed && !m.HasEmbedding() && e.embedder != nil {
		vec, err := e.embedText(ctx, m.Content)
		if err != nil {
			e.logger.Warn().Str("id", m.ID).Str("layer", "embedder").Err(err).Msg("embedding failed, storing without vector")
		} else {
			m.Embedding = vec
		}
	}

	state = StatePersisting
	if err := e.storage.Persistence.Store(ctx, m); err != nil {
		e.logger.Error().Str("id", m.ID).Err(err).Msg("persist failed")
		return state, err
	}

	state = StateIndexing
	if err := e.storage.Index.Index(ctx, m); err != nil {
		e.layerFailed(m.ID, LayerIndex, err)
	}

	state = StateVectorUpserting
	if m.HasEmbedding() {
		if err := e.storage.Vectors.Upsert(ctx, m.ID, m.Embedding, m.Metadata()); err != nil {
			e.layerFailed(m.ID, LayerVector, err)
		}
	} else if err := e.storage.Vectors.Delete(ctx, m.ID); err != nil {
		// A vector left from an earlier version would rank stale content.
		e.layerFailed(m.ID, LayerVector, err)
	}
	return StateDone, nil
}

// embedText calls the embedder and checks the result's length.
func (e *Engine) embedText(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.dims {
		return nil, backend.Validationf("embedder returned %d dimensions, want %d", len(vec), e.dims)
	}
	e.logger.Debug().Dur("took", time.Since(start)).Msg("embedded text")
	return vec, nil
}

func (e *Engine) layerFailed(id, layer string, err error) {
	observability.RecordLayerFailure(layer)
	e.logger.Warn().Str("id", id).Str("layer", layer).Err(err).Msg("best-effort write failed")
}
