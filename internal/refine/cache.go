package refine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"cfipolicy/internal/metrics"
)

// DefaultTimeout bounds a single engine query.
const DefaultTimeout = 5 * time.Second

// Cache memoizes Engine answers by input address for the lifetime of a run.
//
// Thread Safety:
//
//	Cache is safe for concurrent use. Concurrent misses for the same
//	address share one engine query.
type Cache struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Run

	flight  singleflight.Group
	mu      sync.RWMutex
	chains  map[uint64]uint64
	vtables map[uint64]uint64

	hits      atomic.Int64
	misses    atomic.Int64
	fallbacks atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTimeout bounds each engine query. Zero disables the bound.
func WithTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.timeout = d }
}

// WithLogger sets the logger for resolution fallbacks.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics reports query results to m.
func WithMetrics(m *metrics.Run) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache wraps engine.
func NewCache(engine Engine, opts ...CacheOption) *Cache {
	c := &Cache{
		engine:  engine,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		chains:  make(map[uint64]uint64),
		vtables: make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheStats summarizes cache activity.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Fallbacks int64
}

// Stats returns the counters accumulated so far.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}

// FunctionEntries forwards to the engine.
func (c *Cache) FunctionEntries(ctx context.Context) ([]uint64, error) {
	return c.engine.FunctionEntries(ctx)
}

// ResolveJumpChain returns the jump-chain target of addr, or addr itself when
// the engine fails or times out.
func (c *Cache) ResolveJumpChain(ctx context.Context, addr uint64) uint64 {
	return c.lookup(ctx, OpJumpChain, c.chains, addr, c.engine.ResolveJumpChain)
}

// FindNearestVTable returns the nearest vtable base at or above addr, or addr
// itself when none qualifies or the engine fails.
func (c *Cache) FindNearestVTable(ctx context.Context, addr uint64) uint64 {
	return c.lookup(ctx, OpVTable, c.vtables, addr, c.engine.FindNearestVTable)
}

type queryFunc func(ctx context.Context, addr uint64) (uint64, error)

func (c *Cache) lookup(ctx context.Context, op string, memo map[uint64]uint64, addr uint64, query queryFunc) uint64 {
	if v, ok := c.cached(memo, addr); ok {
		c.hits.Add(1)
		c.metrics.RefinerQuery(op, metrics.ResultHit)
		return v
	}

	key := op + ":" + strconv.FormatUint(addr, 16)
	v, _, _ := c.flight.Do(key, func() (any, error) {
		if v, ok := c.cached(memo, addr); ok {
			return v, nil
		}
		c.misses.Add(1)
		res := c.query(ctx, op, addr, query)
		c.mu.Lock()
		memo[addr] = res
		c.mu.Unlock()
		return res, nil
	})
	return v.(uint64)
}

func (c *Cache) cached(memo map[uint64]uint64, addr uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := memo[addr]
	return v, ok
}

func (c *Cache) query(ctx context.Context, op string, addr uint64, query queryFunc) uint64 {
	v, err := c.run(ctx, addr, query)
	switch {
	case err == nil:
		c.metrics.RefinerQuery(op, metrics.ResultResolved)
		return v
	case errors.Is(err, ErrNoMatch):
		c.metrics.RefinerQuery(op, metrics.ResultNoMatch)
		c.logger.Debug("refine: no match, keeping address",
			slog.String("op", op), slog.String("addr", hex(addr)))
	default:
		c.fallbacks.Add(1)
		c.metrics.RefinerQuery(op, metrics.ResultFallback)
		c.logger.Warn("refine: resolution failed, keeping address",
			slog.String("op", op), slog.String("addr", hex(addr)), slog.Any("error", err))
	}
	return addr
}

// run executes query under the cache timeout. The engine call keeps running
// in the background if it ignores its context past the deadline.
func (c *Cache) run(ctx context.Context, addr uint64, query queryFunc) (uint64, error) {
	if c.timeout <= 0 {
		return query(ctx, addr)
	}
	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		v   uint64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := query(qctx, addr)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-qctx.Done():
		return addr, errors.Join(ErrExternalResolution, qctx.Err())
	}
}

func hex(addr uint64) string { return "0x" + strconv.FormatUint(addr, 16) }
