package backend

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Guard serializes access to an embedded engine that does not support
// concurrent writers. The lock is released even when fn panics; the panic is
// recovered, logged and returned as ErrUnavailable so later callers proceed.
type Guard struct {
	mu     sync.Mutex
	name   string
	logger zerolog.Logger
}

// NewGuard returns a guard for the named backend.
func NewGuard(name string, logger zerolog.Logger) *Guard {
	return &Guard{name: name, logger: logger}
}

// Do runs fn while holding the lock.
func (g *Guard) Do(op string, fn func() error) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().
				Str("backend", g.name).
				Str("op", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in critical section")
			err = &Error{Op: op, Backend: g.name, Kind: ErrUnavailable, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn()
}

// WithTimeout derives a per-call deadline. A zero timeout returns ctx as-is.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
