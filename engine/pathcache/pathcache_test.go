package pathcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/warmpath/engine/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func route(strength int, ids ...string) domain.ConnectionPath {
	p := domain.ConnectionPath{Hops: len(ids) - 1, Strength: strength, Strategy: domain.StrategyMultiHop}
	for _, id := range ids {
		p.Nodes = append(p.Nodes, domain.PathNode{PersonID: id})
	}
	return p
}

func put(ctx context.Context, c *Cache, from, to string, best domain.ConnectionPath, ranked []domain.ConnectionPath, ttl time.Duration) error {
	e := domain.CachedPath{From: from, To: to, Path: best, Ranked: ranked}
	return c.Put(ctx, e, ttl, c.Epoch())
}

func TestCache_GetPut(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	c := New(nil, WithClock(clk.Now), WithTTL(time.Hour))

	_, ok := c.Get(ctx, "u", "t")
	assert.False(t, ok)

	best := route(60, "u", "a", "t")
	require.NoError(t, put(ctx, c, "u", "t", best, []domain.ConnectionPath{best, route(40, "u", "b", "t")}, 0))

	got, ok := c.Get(ctx, "u", "t")
	require.True(t, ok)
	assert.Equal(t, 60, got.Strength)
	assert.Equal(t, 2, got.Hops)
	assert.Equal(t, t0.Add(time.Hour), got.ExpiresAt)
	assert.Len(t, got.Ranked, 2)

	clk.Advance(time.Hour)
	_, ok = c.Get(ctx, "u", "t")
	assert.False(t, ok, "entry must expire at its deadline")
}

func TestCache_FallsBackToBackend(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	backend := NewMemoryBackend()
	writer := New(backend, WithClock(clk.Now))
	require.NoError(t, put(ctx, writer, "u", "t", route(50, "u", "t"), nil, time.Minute))

	reader := New(backend, WithClock(clk.Now))
	assert.Equal(t, 0, reader.Len())
	_, ok := reader.Get(ctx, "u", "t")
	assert.True(t, ok)
	assert.Equal(t, 1, reader.Len())
}

type failingBackend struct{ MemoryBackend }

func (*failingBackend) Get(context.Context, string, string, time.Time) (domain.CachedPath, error) {
	return domain.CachedPath{}, errors.New("connection refused")
}

func TestCache_BackendErrorIsMiss(t *testing.T) {
	c := New(&failingBackend{MemoryBackend{entries: map[key]domain.CachedPath{}}})
	_, ok := c.Get(context.Background(), "u", "t")
	assert.False(t, ok)
}

func TestCache_InvalidateIntermediate(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	backend := NewMemoryBackend()
	c := New(backend, WithClock(clk.Now))

	require.NoError(t, put(ctx, c, "u", "t1", route(60, "u", "a", "t1"), nil, 0))
	require.NoError(t, put(ctx, c, "u", "t2", route(60, "u", "b", "t2"), []domain.ConnectionPath{route(30, "u", "a", "c", "t2")}, 0))
	require.NoError(t, put(ctx, c, "u", "t3", route(60, "u", "t3"), nil, 0))
	require.Equal(t, 3, c.Len())

	require.NoError(t, c.Invalidate(ctx, "a"))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(ctx, "u", "t1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "u", "t2")
	assert.False(t, ok, "a ranked alternative through a also invalidates")
	_, ok = c.Get(ctx, "u", "t3")
	assert.True(t, ok)

	_, err := backend.Get(ctx, "u", "t1", clk.Now())
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_PutAfterInvalidationIsDropped(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New(backend)

	since := c.Epoch()
	// A search reading the old graph is still running when m's edges change.
	require.NoError(t, c.Invalidate(ctx, "m"))
	err := c.Put(ctx, domain.CachedPath{From: "u", To: "t", Path: route(60, "u", "m", "t")}, 0, since)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 0, c.Len())
	_, err = backend.Get(ctx, "u", "t", time.Now())
	assert.ErrorIs(t, err, ErrMiss, "stale entry must not reach the backend")

	require.NoError(t, c.Put(ctx, domain.CachedPath{From: "u", To: "t", Path: route(60, "u", "m", "t")}, 0, c.Epoch()))
	_, ok := c.Get(ctx, "u", "t")
	assert.True(t, ok)
}

func TestCache_PutKeepsScope(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend())
	scope := domain.SearchScope{MultiHop: true, MaxHops: 3, MinStrength: 30}
	e := domain.CachedPath{From: "u", To: "t", Path: route(60, "u", "a", "t"), Scope: scope}
	require.NoError(t, c.Put(ctx, e, 0, c.Epoch()))

	got, ok := New(c.backend).Get(ctx, "u", "t")
	require.True(t, ok)
	assert.Equal(t, scope, got.Scope)
}

func TestCache_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	c := New(nil, WithClock(clk.Now))
	require.NoError(t, put(ctx, c, "u", "t1", route(60, "u", "t1"), nil, time.Minute))
	require.NoError(t, put(ctx, c, "u", "t2", route(60, "u", "t2"), nil, time.Hour))

	clk.Advance(2 * time.Minute)
	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Len())
}

func TestTouched(t *testing.T) {
	e := domain.CachedPath{
		From:   "u",
		To:     "t",
		Path:   route(60, "u", "a", "t"),
		Ranked: []domain.ConnectionPath{route(60, "u", "a", "t"), route(40, "u", "b", "c", "t")},
	}
	assert.Equal(t, []string{"u", "t", "a", "b", "c"}, touched(e))
	assert.Equal(t, []string{"u"}, touched(domain.CachedPath{From: "u", To: "u"}))
}

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b, err := OpenBadger(BadgerConfig{InMemory: true, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	put := func(from, to string, p domain.ConnectionPath, ttl time.Duration) {
		t.Helper()
		require.NoError(t, b.Put(ctx, domain.CachedPath{From: from, To: to, Path: p, Strength: p.Strength, Hops: p.Hops, ExpiresAt: now.Add(ttl)}))
	}
	put("u", "t1", route(60, "u", "a", "t1"), time.Hour)
	put("u", "t2", route(55, "u", "b", "t2"), time.Hour)
	put("u", "t3", route(70, "u", "a", "c", "t3"), time.Minute)

	got, err := b.Get(ctx, "u", "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Strength)
	assert.Equal(t, "u>a>t1", got.Path.Key())

	_, err = b.Get(ctx, "u", "missing", now)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = b.Get(ctx, "u", "t3", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrMiss)

	n, err := b.DeleteTouching(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = b.Get(ctx, "u", "t1", now)
	assert.ErrorIs(t, err, ErrMiss)
	_, err = b.Get(ctx, "u", "t2", now)
	assert.NoError(t, err)

	n, err = b.DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = b.Get(ctx, "u", "t2", now)
	assert.ErrorIs(t, err, ErrMiss)

	// Already expired on arrival: nothing is written.
	put("u", "t4", route(60, "u", "t4"), -time.Second)
	_, err = b.Get(ctx, "u", "t4", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

type fakeRow struct {
	payload []byte
	err     error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.payload
	return nil
}

type fakeDB struct {
	sql  []string
	args [][]any
	row  fakeRow
	tag  pgconn.CommandTag
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return f.tag, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return f.row
}

func TestPGBackend(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{tag: pgconn.NewCommandTag("DELETE 2")}
	b := &PGBackend{db: db}

	e := domain.CachedPath{From: "u", To: "t", Path: route(60, "u", "a", "t"), Strength: 60, Hops: 2, ExpiresAt: t0}
	require.NoError(t, b.Put(ctx, e))
	require.Len(t, db.args, 1)
	assert.Equal(t, putSQL, db.sql[0])
	assert.Equal(t, []string{"u", "t", "a"}, db.args[0][2])

	n, err := b.DeleteTouching(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, deleteTouchingSQL, db.sql[1])

	n, err = b.DeleteExpired(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	payload, err := json.Marshal(e)
	require.NoError(t, err)
	db.row = fakeRow{payload: payload}
	got, err := b.Get(ctx, "u", "t", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u>a>t", got.Path.Key())

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = b.Get(ctx, "u", "t", t0)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Migrate(ctx))
	assert.Equal(t, Schema, db.sql[len(db.sql)-1])
}

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	require.NoError(t, err)
	srv.Start()
	require.True(t, srv.ReadyForConnections(3*time.Second), "nats not ready")
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestCache_InvalidationBroadcast(t *testing.T) {
	ctx := context.Background()
	nc := startTestNATS(t)

	a := New(nil, WithPublisher(nc))
	b := New(nil)
	sub, err := b.SubscribeInvalidations(nc)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	require.NoError(t, put(ctx, a, "u", "t", route(60, "u", "m", "t"), nil, 0))
	require.NoError(t, put(ctx, b, "u", "t", route(60, "u", "m", "t"), nil, 0))
	require.NoError(t, put(ctx, b, "u", "x", route(60, "u", "x"), nil, 0))

	require.NoError(t, a.Invalidate(ctx, "m"))
	assert.Equal(t, 0, a.Len())
	require.Eventually(t, func() bool { return b.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := b.Get(ctx, "u", "x")
	assert.True(t, ok)
}
