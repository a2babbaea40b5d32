package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Lazy defers construction of an embedder to its first use. Construction
// runs at most once; a failure or panic is remembered and every later call
// returns ErrEmbedderUnavailable.
type Lazy struct {
	dims int
	init func() (Embedder, error)

	once sync.Once
	e    Embedder
	err  error
}

// NewLazy wraps init. dims is reported before initialization.
func NewLazy(dims int, init func() (Embedder, error)) *Lazy {
	return &Lazy{dims: dims, init: init}
}

func (l *Lazy) get() (Embedder, error) {
	l.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				l.e, l.err = nil, fmt.Errorf("panic during init: %v", r)
			}
		}()
		l.e, l.err = l.init()
		if l.err == nil && l.e == nil {
			l.err = fmt.Errorf("no embedder constructed")
		}
	})
	if l.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, l.err)
	}
	return l.e, nil
}

func (l *Lazy) Embed(ctx context.Context, text string) (Vector, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, text)
}

func (l *Lazy) Dims() int { return l.dims }

// Cached memoizes embeddings by exact text.
type Cached struct {
	next  Embedder
	cache *lru.Cache[string, Vector]
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Embedder, size int) (*Cached, error) {
	c, err := lru.New[string, Vector](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := c.cache.Get(text); ok {
		return append(Vector(nil), v...), nil
	}
	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, append(Vector(nil), v...))
	return v, nil
}

func (c *Cached) Dims() int { return c.next.Dims() }

// Len is the number of cached entries.
func (c *Cached) Len() int { return c.cache.Len() }

type timeoutEmbedder struct {
	next Embedder
	d    time.Duration
}

// WithTimeout bounds every Embed call by d. A zero d returns next unchanged.
func WithTimeout(next Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return next
	}
	return &timeoutEmbedder{next: next, d: d}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Embed(ctx, text)
}

func (t *timeoutEmbedder) Dims() int { return t.next.Dims() }
