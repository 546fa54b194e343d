package search

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/pathcache"
	"github.com/WessleyAI/warmpath/engine/pathfind"
	"github.com/WessleyAI/warmpath/engine/semantic"
)

func edge(a, b string, t domain.RelationshipType, strength int) domain.Edge {
	return domain.Edge{ID: a + b, From: a, To: b, Type: t, Strength: strength}
}

var persons = []domain.Person{
	{ID: "U", Name: "Uma Reed"},
	{ID: "A", Name: "Ana Cruz"},
	{ID: "B", Name: "Bo Lind"},
	{ID: "C", Name: "Cy Moss"},
	{ID: "T", Name: "Tom Hale", Company: "Globex"},
	{ID: "Z", Name: "Zed Lone"},
}

type fixture struct {
	net   *network.Network
	store *graph.MemoryStore
	cache *pathcache.Cache
}

// U-A coworker 80, A-B education 60, B-T coworker 70, plus an optional
// second route U-C family 90, C-T mentor 50. Z is isolated.
func setup(t *testing.T, secondRoute bool) fixture {
	t.Helper()
	ctx := context.Background()
	edges := []domain.Edge{
		edge("U", "A", domain.RelCoworker, 80),
		edge("A", "B", domain.RelEducation, 60),
		edge("B", "T", domain.RelCoworker, 70),
	}
	if secondRoute {
		edges = append(edges, edge("U", "C", domain.RelFamily, 90), edge("C", "T", domain.RelMentor, 50))
	}
	n, _, err := network.NewBuilder(nil, nil).Build(ctx, persons, edges)
	require.NoError(t, err)
	store := graph.NewMemoryStore()
	for _, p := range persons {
		_, err := store.UpsertPerson(ctx, p)
		require.NoError(t, err)
	}
	return fixture{net: n, store: store, cache: pathcache.New(pathcache.NewMemoryBackend())}
}

func (f fixture) service(opts ...Option) *Service {
	return New(pathfind.NewFinder(f.net), semantic.NewResolver(f.store), opts...)
}

func TestSearch_UABTScenario(t *testing.T) {
	f := setup(t, false)
	resp, err := f.service().Search(context.Background(), Request{
		SourceID:   "U",
		TargetName: "Tom Hale",
		Mode:       pathfind.ModeMultiHop,
		Options:    pathfind.Options{MaxHops: 3, MinStrength: 30},
	})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Len(t, resp.Paths, 1)

	p := resp.Paths[0]
	assert.Equal(t, "U>A>B>T", p.Key())
	assert.Equal(t, 60, p.Strength)
	assert.Equal(t, 3, p.Hops)
	assert.Contains(t, p.Explanation, "Ask Ana Cruz")
	assert.Equal(t, 1, resp.TotalResults)
	assert.Equal(t, semantic.MethodName, resp.ResolvedBy)
	assert.Contains(t, resp.Strategy, "3-hop multi-hop path to Tom Hale")
	assert.False(t, resp.Cached)
	assert.Empty(t, resp.SmartMatches)
}

func TestSearch_CacheTransparency(t *testing.T) {
	f := setup(t, true)
	svc := f.service(WithCache(f.cache))
	req := Request{SourceID: "U", TargetID: "T"}

	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Found)
	assert.False(t, first.Cached)
	require.Len(t, first.Alternatives, 1)
	assert.Equal(t, 1, f.cache.Len())

	second, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Found, second.Found)
	assert.Equal(t, first.Paths, second.Paths)
	assert.Equal(t, first.SmartMatches, second.SmartMatches)
	assert.Equal(t, first.Alternatives, second.Alternatives)
	assert.Equal(t, first.TotalResults, second.TotalResults)
	assert.Equal(t, first.Strategy, second.Strategy)

	// Invalidating an intermediary forces a live search.
	require.NoError(t, f.cache.Invalidate(context.Background(), "C"))
	third, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, first.Paths, third.Paths)
}

func TestSearch_CachedEntryMustFitRequest(t *testing.T) {
	f := setup(t, false)
	svc := f.service(WithCache(f.cache))
	_, err := svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T"})
	require.NoError(t, err)

	resp, err := svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T", Options: pathfind.Options{MaxHops: 2}})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Found)
}

func TestSearch_NarrowEntryDoesNotAnswerWiderSearch(t *testing.T) {
	ctx := context.Background()
	// U-C-T is the only route within two hops; U-A-B-T is stronger but needs three.
	n, _, err := network.NewBuilder(nil, nil).Build(ctx, persons, []domain.Edge{
		edge("U", "C", domain.RelCoworker, 35),
		edge("C", "T", domain.RelCoworker, 35),
		edge("U", "A", domain.RelCoworker, 90),
		edge("A", "B", domain.RelCoworker, 90),
		edge("B", "T", domain.RelCoworker, 90),
	})
	require.NoError(t, err)
	f := setup(t, false)
	cache := pathcache.New(pathcache.NewMemoryBackend())
	svc := New(pathfind.NewFinder(n), semantic.NewResolver(f.store), WithCache(cache))

	narrow, err := svc.Search(ctx, Request{SourceID: "U", TargetID: "T", Options: pathfind.Options{MaxHops: 2}})
	require.NoError(t, err)
	require.True(t, narrow.Found)
	assert.Equal(t, "U>C>T", narrow.Paths[0].Key())

	wide, err := svc.Search(ctx, Request{SourceID: "U", TargetID: "T", Options: pathfind.Options{MaxHops: 3}})
	require.NoError(t, err)
	assert.False(t, wide.Cached, "an entry computed with fewer hops cannot answer a wider search")
	keys := []string{wide.Paths[0].Key()}
	for _, p := range wide.Alternatives {
		keys = append(keys, p.Key())
	}
	assert.Contains(t, keys, "U>A>B>T")

	// The wider entry answers a repeat of the wider search.
	again, err := svc.Search(ctx, Request{SourceID: "U", TargetID: "T", Options: pathfind.Options{MaxHops: 3}})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, wide.Paths, again.Paths)
}

// invalidatingFinder stands in for an ingest that lands while a search runs.
type invalidatingFinder struct {
	inner *pathfind.Finder
	cache *pathcache.Cache
}

func (f invalidatingFinder) Find(ctx context.Context, source string, targets []string, mode pathfind.Mode, opts pathfind.Options) (pathfind.Outcome, error) {
	out, err := f.inner.Find(ctx, source, targets, mode, opts)
	if ierr := f.cache.Invalidate(ctx, "A"); ierr != nil {
		return out, ierr
	}
	return out, err
}

func TestSearch_ResultOvertakenByInvalidationIsNotCached(t *testing.T) {
	f := setup(t, false)
	svc := New(invalidatingFinder{inner: pathfind.NewFinder(f.net), cache: f.cache}, semantic.NewResolver(f.store), WithCache(f.cache))

	resp, err := svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T"})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, 0, f.cache.Len())
	_, ok := f.cache.Get(context.Background(), "U", "T")
	assert.False(t, ok)
}

func TestSearch_NoResult(t *testing.T) {
	f := setup(t, false)
	svc := f.service()

	resp, err := svc.Search(context.Background(), Request{SourceID: "U", TargetName: "Zed Lone", TargetCompany: "", Mode: pathfind.ModeMultiHop})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Empty(t, resp.Paths)
	assert.NotNil(t, resp.Paths)
	assert.True(t, strings.HasPrefix(resp.Strategy, NoResultStrategy), resp.Strategy)
	assert.NotEmpty(t, resp.Suggestions)
	assert.Contains(t, strings.Join(resp.Suggestions, " "), "comprehensive mode")

	resp, err = svc.Search(context.Background(), Request{SourceID: "U", TargetName: "Nobody", TargetCompany: "Initech"})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Equal(t, semantic.MethodNone, resp.ResolvedBy)
	assert.Contains(t, strings.Join(resp.Suggestions, " "), "company-only search for Initech")
}

func TestSearch_InvalidRequests(t *testing.T) {
	svc := setup(t, false).service()
	for name, req := range map[string]Request{
		"no source": {TargetName: "Tom Hale"},
		"no target": {SourceID: "U", TargetTitle: "CTO"},
		"bad mode":  {SourceID: "U", TargetName: "Tom Hale", Mode: "fast"},
		"bad hops":  {SourceID: "U", TargetName: "Tom Hale", Options: pathfind.Options{MaxHops: 9}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSearch_UnknownSource(t *testing.T) {
	_, err := setup(t, false).service().Search(context.Background(), Request{SourceID: "ghost", TargetID: "T"})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

type brokenResolver struct{}

func (brokenResolver) Resolve(context.Context, semantic.Target) (semantic.Resolution, error) {
	return semantic.Resolution{}, errors.New("neo4j: connection refused")
}

func TestSearch_StoreErrorIsNotEmptyResult(t *testing.T) {
	f := setup(t, false)
	_, err := New(pathfind.NewFinder(f.net), brokenResolver{}).Search(context.Background(), Request{SourceID: "U", TargetName: "Tom Hale"})
	assert.ErrorIs(t, err, ErrStore)
}

type partialFinder struct {
	inner *pathfind.Finder
	calls atomic.Int32
}

func (p *partialFinder) Find(ctx context.Context, source string, targets []string, mode pathfind.Mode, opts pathfind.Options) (pathfind.Outcome, error) {
	p.calls.Add(1)
	out, err := p.inner.Find(ctx, source, targets, mode, opts)
	out.Failed = append(out.Failed, domain.StrategyExternal)
	out.Warnings = append(out.Warnings, "external strategy failed: rate limited")
	return out, err
}

func TestSearch_PartialResultIsNotCached(t *testing.T) {
	f := setup(t, false)
	pf := &partialFinder{inner: pathfind.NewFinder(f.net)}
	svc := New(pf, semantic.NewResolver(f.store), WithCache(f.cache))

	resp, err := svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T"})
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Contains(t, resp.Warnings, "external strategy failed: rate limited")
	assert.Equal(t, 0, f.cache.Len())

	_, err = svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, pf.calls.Load())
}

func TestPrecompute(t *testing.T) {
	f := setup(t, false)
	svc := f.service(WithCache(f.cache), WithGraph(f.net))

	n, err := svc.Precompute(context.Background(), "U", nil, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, ok := f.cache.Get(context.Background(), "U", "T")
	require.True(t, ok)
	assert.Equal(t, "U>A>B>T", e.Path.Key())
	assert.NotEmpty(t, e.Path.Explanation)

	resp, err := svc.Search(context.Background(), Request{SourceID: "U", TargetID: "T", Mode: pathfind.ModeMultiHop})
	require.NoError(t, err)
	assert.True(t, resp.Cached)

	n, err = svc.Precompute(context.Background(), "U", []string{"Z"}, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrecompute_NeedsCache(t *testing.T) {
	_, err := setup(t, false).service().Precompute(context.Background(), "U", []string{"T"}, 3)
	assert.Error(t, err)
}
