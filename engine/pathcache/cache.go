// Package pathcache stores computed connection paths per (from, to) pair
// with an expiry. An in-process mirror sits in front of a persistent
// backend. Entries touching a person are dropped when that person's edges
// change. The cache only saves latency: a miss always falls through to live
// search.
package pathcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/metrics"
	"github.com/WessleyAI/warmpath/pkg/natsutil"
)

// DefaultTTL is how long an entry lives when Put is given no TTL.
const DefaultTTL = 24 * time.Hour

// InvalidateSubject carries Invalidation broadcasts between processes.
const InvalidateSubject = "warmpath.cache.invalidate"

var (
	// ErrMiss is returned by a Backend that holds no live entry.
	ErrMiss = errors.New("pathcache: miss")
	// ErrStale rejects a Put whose result was computed before an
	// invalidation that landed while it ran.
	ErrStale = errors.New("pathcache: stale entry")
)

// Backend is the persistent side of the cache.
type Backend interface {
	Get(ctx context.Context, from, to string, now time.Time) (domain.CachedPath, error)
	Put(ctx context.Context, e domain.CachedPath) error
	// DeleteTouching removes every entry whose paths include personID.
	DeleteTouching(ctx context.Context, personID string) (int, error)
	// DeleteExpired removes entries expired at now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Invalidation is broadcast when a person's edges change.
type Invalidation struct {
	PersonID string `json:"person_id"`
	Origin   string `json:"origin"`
}

type key struct{ from, to string }

// Cache is the mirror plus backend.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	pub     natsutil.Publisher
	origin  string
	metrics *metrics.Metrics
	log     *slog.Logger

	// writeMu orders backend writes against invalidations; epoch counts
	// invalidations and only moves while mu and writeMu are held.
	writeMu sync.Mutex
	epoch   atomic.Uint64

	mu       sync.RWMutex
	mirror   map[key]domain.CachedPath
	byPerson map[string]map[key]struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithPublisher broadcasts invalidations to other processes.
func WithPublisher(p natsutil.Publisher) Option { return func(c *Cache) { c.pub = p } }

// WithMetrics counts hits and misses.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.log = l } }

// New creates a cache over backend. A nil backend keeps entries in the
// mirror only.
func New(backend Backend, opts ...Option) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	c := &Cache{
		backend:  backend,
		ttl:      DefaultTTL,
		now:      time.Now,
		origin:   uuid.NewString(),
		log:      slog.Default(),
		mirror:   make(map[key]domain.CachedPath),
		byPerson: make(map[string]map[key]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Epoch is the invalidation counter. Read it before computing an entry and
// hand it to Put.
func (c *Cache) Epoch() uint64 { return c.epoch.Load() }

// Get returns the live entry for (from, to). Backend failures are logged
// and reported as a miss.
func (c *Cache) Get(ctx context.Context, from, to string) (domain.CachedPath, bool) {
	now := c.now()
	k := key{from, to}
	c.mu.RLock()
	e, ok := c.mirror[k]
	c.mu.RUnlock()
	if ok && !e.Expired(now) {
		c.metrics.CacheLookup("hit")
		return e, true
	}

	since := c.Epoch()
	e, err := c.backend.Get(ctx, from, to, now)
	switch {
	case err == nil && !e.Expired(now):
		if c.rememberSince(e, since) {
			c.metrics.CacheLookup("hit")
			return e, true
		}
	case err != nil && !errors.Is(err, ErrMiss):
		c.log.Warn("pathcache: backend get", "from", from, "to", to, "err", err)
	}
	c.metrics.CacheLookup("miss")
	return domain.CachedPath{}, false
}

// Put stores e.Path as the best route e.From -> e.To, with e.Ranked as the
// full list and e.Scope as the bounds it was computed under. ttl <= 0 uses
// the default. since is the Epoch read before the entry was computed; if
// an invalidation landed after it, nothing is written and ErrStale is
// returned.
func (c *Cache) Put(ctx context.Context, e domain.CachedPath, ttl time.Duration, since uint64) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e.Strength = e.Path.Strength
	e.Hops = e.Path.Hops
	e.ExpiresAt = c.now().Add(ttl)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Epoch() != since {
		return fmt.Errorf("pathcache: put %s->%s: %w", e.From, e.To, ErrStale)
	}
	if err := c.backend.Put(ctx, e); err != nil {
		return fmt.Errorf("pathcache: put %s->%s: %w", e.From, e.To, err)
	}
	c.rememberSince(e, since)
	return nil
}

// rememberSince mirrors e unless an invalidation landed after since.
func (c *Cache) rememberSince(e domain.CachedPath, since uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.Load() != since {
		return false
	}
	c.rememberLocked(e)
	return true
}

func (c *Cache) rememberLocked(e domain.CachedPath) {
	k := key{e.From, e.To}
	c.forgetLocked(k)
	c.mirror[k] = e
	for _, id := range touched(e) {
		set, ok := c.byPerson[id]
		if !ok {
			set = make(map[key]struct{})
			c.byPerson[id] = set
		}
		set[k] = struct{}{}
	}
}

func (c *Cache) forgetLocked(k key) {
	e, ok := c.mirror[k]
	if !ok {
		return
	}
	delete(c.mirror, k)
	for _, id := range touched(e) {
		if set := c.byPerson[id]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(c.byPerson, id)
			}
		}
	}
}

// touched lists every person on the entry's paths, plus its endpoints.
func touched(e domain.CachedPath) []string {
	seen := map[string]struct{}{e.From: {}, e.To: {}}
	out := []string{e.From, e.To}
	if e.From == e.To {
		out = out[:1]
	}
	add := func(p domain.ConnectionPath) {
		for _, n := range p.Nodes {
			if _, ok := seen[n.PersonID]; !ok {
				seen[n.PersonID] = struct{}{}
				out = append(out, n.PersonID)
			}
		}
	}
	add(e.Path)
	for _, p := range e.Ranked {
		add(p)
	}
	return out
}

// Invalidate drops every entry touching personID here and in the backend,
// then tells other processes.
func (c *Cache) Invalidate(ctx context.Context, personID string) error {
	if err := c.invalidateLocal(ctx, personID); err != nil {
		return err
	}
	if c.pub != nil {
		msg := Invalidation{PersonID: personID, Origin: c.origin}
		if err := natsutil.Publish(ctx, c.pub, InvalidateSubject, msg); err != nil {
			c.log.Warn("pathcache: broadcast invalidation", "person_id", personID, "err", err)
		}
	}
	return nil
}

func (c *Cache) invalidateLocal(ctx context.Context, personID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.epoch.Add(1)
	dropped := 0
	for k := range c.byPerson[personID] {
		c.forgetLocked(k)
		dropped++
	}
	c.mu.Unlock()

	n, err := c.backend.DeleteTouching(ctx, personID)
	if err != nil {
		return fmt.Errorf("pathcache: invalidate %s: %w", personID, err)
	}
	if dropped > 0 || n > 0 {
		c.log.Debug("pathcache: invalidated", "person_id", personID, "mirror", dropped, "backend", n)
	}
	return nil
}

// SubscribeInvalidations applies invalidations broadcast by other
// processes.
func (c *Cache) SubscribeInvalidations(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, InvalidateSubject, func(ctx context.Context, inv Invalidation) {
		if inv.Origin == c.origin || inv.PersonID == "" {
			return
		}
		if err := c.invalidateLocal(ctx, inv.PersonID); err != nil {
			c.log.Warn("pathcache: remote invalidation", "person_id", inv.PersonID, "err", err)
		}
	})
}

// Sweep removes expired entries from the mirror and the backend.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	dropped := 0
	for k, e := range c.mirror {
		if e.Expired(now) {
			c.forgetLocked(k)
			dropped++
		}
	}
	c.mu.Unlock()

	n, err := c.backend.DeleteExpired(ctx, now)
	if err != nil {
		return dropped, fmt.Errorf("pathcache: sweep: %w", err)
	}
	return max(dropped, n), nil
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := c.Sweep(ctx)
				if err != nil {
					c.log.Error("pathcache: sweep failed", "err", err)
					continue
				}
				if n > 0 {
					c.log.Info("pathcache: swept", "entries", n)
				}
			}
		}
	}()
}

// Len reports how many entries the mirror holds.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mirror)
}
