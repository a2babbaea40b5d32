// Package service implements the memory engine: the capture write path, the
// hybrid recall read path and the lifecycle and repair operations on top of
// a store.CompositeStorage.
package service

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/memvault/internal/backend"
	"github.com/rcliao/memvault/internal/config"
	"github.com/rcliao/memvault/internal/embedding"
	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/store"
)

// ErrSearchUnavailable means no search branch could serve a recall.
var ErrSearchUnavailable = fmt.Errorf("search unavailable: %w", backend.ErrUnavailable)

const tracerName = "github.com/rcliao/memvault/internal/service"

// RecallOptions tunes hybrid search.
type RecallOptions struct {
	DefaultMode         model.SearchMode
	DefaultLimit        int
	MaxLimit            int
	RRFK                float64
	CandidateMultiplier int
	// BranchTimeout bounds each search branch so a slow layer degrades
	// instead of stalling the query. Zero means no bound.
	BranchTimeout       time.Duration
	NamespaceWeights    map[Intent]map[model.Namespace]float64
}

// Options configures an Engine.
type Options struct {
	Storage *store.CompositeStorage

	// Embedder is nil when embeddings are disabled.
	Embedder   embedding.Embedder
	Dimensions int

	MaxContentBytes int
	Recall          RecallOptions

	RebuildBatchSize int
	EmbedRate        float64
	EmbedConcurrency int

	DataDir string
	Logger  zerolog.Logger

	// Now is the clock. Defaults to time.Now in UTC at microsecond precision.
	Now func() time.Time
}

// Engine is the upward-facing memory API.
type Engine struct {
	storage  *store.CompositeStorage
	embedder embedding.Embedder
	dims     int
	opts     Options
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// DefaultRecallOptions mirrors config.Default.
func DefaultRecallOptions() RecallOptions {
	return recallOptionsFrom(config.Default().Recall)
}

func recallOptionsFrom(r config.RecallConfig) RecallOptions {
	mode, err := model.ParseSearchMode(r.DefaultMode)
	if err != nil {
		mode = model.ModeHybrid
	}
	weights := make(map[Intent]map[model.Namespace]float64, len(r.NamespaceWeights))
	for intent, ws := range r.NamespaceWeights {
		m := make(map[model.Namespace]float64, len(ws))
		for ns, w := range ws {
			m[model.Namespace(ns)] = w
		}
		weights[Intent(intent)] = m
	}
	return RecallOptions{
		DefaultMode:         mode,
		DefaultLimit:        r.DefaultLimit,
		MaxLimit:            r.MaxLimit,
		RRFK:                r.RRFK,
		CandidateMultiplier: r.CandidateMultiplier,
		BranchTimeout:       r.BranchTimeout(),
		NamespaceWeights:    weights,
	}
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config, s *store.CompositeStorage, e embedding.Embedder, logger zerolog.Logger) Options {
	return Options{
		Storage:          s,
		Embedder:         e,
		Dimensions:       cfg.Storage.EmbeddingDimensions,
		MaxContentBytes:  cfg.Capture.MaxContentBytes,
		Recall:           recallOptionsFrom(cfg.Recall),
		RebuildBatchSize: cfg.Maintenance.RebuildBatchSize,
		EmbedRate:        cfg.Embedding.RatePerSecond,
		EmbedConcurrency: cfg.Embedding.Concurrency,
		DataDir:          cfg.DataDir,
		Logger:           logger,
	}
}

// NewEngine returns an engine over opts.Storage. Zero-valued options take
// their defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultRecallOptions()
	r := &opts.Recall
	if r.DefaultMode == "" {
		r.DefaultMode = def.DefaultMode
	}
	if r.DefaultLimit <= 0 {
		r.DefaultLimit = def.DefaultLimit
	}
	if r.MaxLimit <= 0 {
		r.MaxLimit = def.MaxLimit
	}
	if r.RRFK <= 0 {
		r.RRFK = def.RRFK
	}
	if r.CandidateMultiplier <= 0 {
		r.CandidateMultiplier = def.CandidateMultiplier
	}
	if r.NamespaceWeights == nil {
		r.NamespaceWeights = def.NamespaceWeights
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = model.DefaultMaxContentBytes
	}
	if opts.RebuildBatchSize <= 0 {
		opts.RebuildBatchSize = 200
	}
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 4
	}
	if opts.Dimensions <= 0 && opts.Storage != nil && opts.Storage.Vectors != nil {
		opts.Dimensions = opts.Storage.Vectors.Dimensions()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	return &Engine{
		storage:  opts.Storage,
		embedder: opts.Embedder,
		dims:     opts.Dimensions,
		opts:     opts,
		logger:   opts.Logger,
		tracer:   otel.Tracer(tracerName),
		now:      now,
	}
}

// Storage returns the underlying storage.
func (e *Engine) Storage() *store.CompositeStorage { return e.storage }

// EmbeddingsEnabled reports whether an embedder is configured.
func (e *Engine) EmbeddingsEnabled() bool { return e.embedder != nil }
