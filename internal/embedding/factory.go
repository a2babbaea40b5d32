package embedding

import (
	"fmt"
	"time"
)

// Provider names accepted by New.
const (
	ProviderNone   = "none"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// Config selects and tunes an embedder.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Dims      int
	Timeout   time.Duration
	CacheSize int
}

// New builds the configured embedder. It returns nil, nil when embeddings
// are disabled. Provider construction is deferred to first use, so a
// misconfigured provider surfaces as ErrEmbedderUnavailable at call time.
func New(cfg Config) (Embedder, error) {
	var build func() (Embedder, error)
	switch cfg.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOllama:
		build = func() (Embedder, error) {
			return NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dims), nil
		}
	case ProviderOpenAI:
		build = func() (Embedder, error) {
			if cfg.APIKey == "" {
				return nil, fmt.Errorf("openai provider needs an api key")
			}
			return NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dims), nil
		}
	case ProviderHash:
		build = func() (Embedder, error) {
			return NewHashEmbedder(cfg.Dims), nil
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	var e Embedder = NewLazy(cfg.Dims, build)
	e = WithTimeout(e, cfg.Timeout)
	if cfg.CacheSize > 0 {
		c, err := NewCached(e, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		e = c
	}
	return e, nil
}
