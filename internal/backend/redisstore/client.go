// Package redisstore implements IndexBackend and VectorBackend on a shared
// redis instance. Keys live under a configurable prefix:
//
//	<prefix>:idx:doc:<id>    JSON document (memory without embedding)
//	<prefix>:idx:terms:<id>  set of terms the document was indexed under
//	<prefix>:idx:term:<term> hash id -> term frequency
//	<prefix>:idx:len         hash id -> document length in tokens
//	<prefix>:idx:totlen      sum of document lengths
//	<prefix>:idx:ids         set of indexed ids
//	<prefix>:vec:v:<id>      hash {emb, meta}
//	<prefix>:vec:ids         set of ids with a vector
//
// Multi-key writes run inside MULTI/EXEC, guarded by WATCH where they read
// first.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcliao/memvault/internal/backend"
)

const (
	name          = "redis"
	defaultPrefix = "memvault"
	maxTxRetries  = 3
)

// Options configures the shared client.
type Options struct {
	URL      string
	Prefix   string
	PoolSize int
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Client wraps one go-redis client shared by the index and vector backends.
type Client struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, backend.Validationf("parse redis url: %v", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.Timeout > 0 {
		redisOpts.PoolTimeout = opts.Timeout
		redisOpts.ReadTimeout = opts.Timeout
		redisOpts.WriteTimeout = opts.Timeout
	}

	c := &Client{
		rdb:     redis.NewClient(redisOpts),
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		logger:  opts.Logger.With().Str("backend", name).Logger(),
	}

	pctx, cancel := backend.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := c.rdb.Ping(pctx).Err(); err != nil {
		c.rdb.Close()
		return nil, classify("connect", fmt.Errorf("ping redis: %w", err))
	}
	return c, nil
}

// Close is safe to call from both backends.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rdb.Close()
	})
	return c.closeErr
}

func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// scanKeys returns every key matching pattern.
func (c *Client) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// deleteAll drops every key under pattern in one transaction.
func (c *Client) deleteAll(ctx context.Context, pattern string) error {
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for start := 0; start < len(keys); start += 500 {
			end := min(start+500, len(keys))
			pipe.Del(ctx, keys[start:end]...)
		}
		return nil
	})
	return err
}

// watch runs fn under WATCH keys, retrying when another writer touched them.
func (c *Client) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = c.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		c.logger.Debug().Int("attempt", attempt+1).Msg("optimistic transaction retry")
	}
	return err
}

func classifyRedis(err error) error {
	if errors.Is(err, redis.Nil) {
		return backend.ErrNotFound
	}
	if errors.Is(err, redis.TxFailedErr) {
		return backend.ErrConflict
	}
	msg := err.Error()
	if strings.Contains(msg, "connection pool timeout") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "LOADING") {
		return backend.ErrBusy
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return backend.ErrTimeout
	}
	return nil
}

func classify(op string, err error) error {
	return backend.Classify(op, name, err, classifyRedis)
}
