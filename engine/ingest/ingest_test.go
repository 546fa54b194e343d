package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/pathcache"
	"github.com/WessleyAI/warmpath/engine/validate"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.ids {
		if x == id {
			return true
		}
	}
	return false
}

type fakeIndexer struct{ recorder }

func (f *fakeIndexer) IndexPerson(_ context.Context, p domain.Person) error {
	f.add(p.ID)
	return nil
}

type fakeCache struct{ recorder }

func (f *fakeCache) Invalidate(_ context.Context, id string) error {
	f.add(id)
	return nil
}

type fixture struct {
	svc     *Service
	store   *graph.MemoryStore
	net     *network.Network
	indexer *fakeIndexer
	cache   *fakeCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   graph.NewMemoryStore(),
		net:     network.New(),
		indexer: &fakeIndexer{},
		cache:   &fakeCache{},
	}
	f.svc = New(Deps{Store: f.store, Network: f.net, Indexer: f.indexer, Cache: f.cache})
	return f
}

func (f *fixture) persons(t *testing.T) int64 {
	t.Helper()
	st, err := f.store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st.Persons
}

func TestIngest_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := validate.RawPerson{Name: "Jane Doe", Email: "jane@x.com"}

	first, err := f.svc.Ingest(ctx, raw, "import")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Created || first.PersonID == "" {
		t.Fatalf("first: %+v", first)
	}
	second, err := f.svc.Ingest(ctx, raw, "import")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.Merged || second.PersonID != first.PersonID {
		t.Fatalf("second: %+v", second)
	}
	if !second.Match.IsDuplicate || second.Match.Confidence != 95 {
		t.Fatalf("match: %+v", second.Match)
	}
	if n := f.persons(t); n != 1 {
		t.Fatalf("persons = %d", n)
	}
	edges, _ := f.store.ListAllEdges(ctx)
	if len(edges) != 0 {
		t.Fatalf("edges: %+v", edges)
	}
	if !f.indexer.has(first.PersonID) || !f.cache.has(first.PersonID) {
		t.Fatal("index and cache not updated")
	}
}

func TestIngest_MergesNewAttributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.svc.Ingest(ctx, validate.RawPerson{Name: "Jane Doe", Email: "jane@x.com"}, "import")
	out, err := f.svc.Ingest(ctx, validate.RawPerson{
		Name: "Jane Doe", Email: "jane@x.com", Title: "cto",
		Education: []domain.Education{{School: "MIT"}},
	}, "enrich")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Merged || out.PersonID != first.PersonID {
		t.Fatalf("outcome: %+v", out)
	}
	p, _ := f.store.GetPerson(ctx, first.PersonID)
	if p.Title != "Chief Technology Officer" || len(p.Education) != 1 || p.Source != "import" {
		t.Fatalf("merged person: %+v", p)
	}
}

func TestIngest_Invalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), validate.RawPerson{Email: "nope"}, "import")
	var inv *InvalidRecordError
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, domain.ErrMissingName) || !errors.Is(err, domain.ErrInvalidEmail) {
		t.Fatalf("wrapped errors: %v", err)
	}
	if f.persons(t) != 0 {
		t.Fatal("invalid record stored")
	}
}

func TestIngest_UpdatesNetworkAndTriggers(t *testing.T) {
	f := newFixture(t)
	var newCompanies []string
	f.svc = New(Deps{Store: f.store, Network: f.net,
		OnNewCompany: func(_ context.Context, p domain.Person) { newCompanies = append(newCompanies, p.Company) }})
	ctx := context.Background()

	a, err := f.svc.Ingest(ctx, validate.RawPerson{Name: "Ann Lee", Company: "Acme Inc"}, "import")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.Ingest(ctx, validate.RawPerson{Name: "Bob Ray", Company: "ACME",
		Family: []domain.FamilyTie{{RelativeID: a.PersonID, Relation: "sibling"}}}, "import")
	if err != nil {
		t.Fatal(err)
	}
	if b.DerivedLinks[domain.RelCoworker] != 1 || b.FamilyEdges != 1 {
		t.Fatalf("outcome: %+v", b)
	}
	if !f.net.HasEdge(a.PersonID, b.PersonID, domain.RelCoworker) || !f.net.HasEdge(b.PersonID, a.PersonID, domain.RelFamily) {
		t.Fatal("network not updated")
	}
	edges, _ := f.store.ListEdges(ctx, a.PersonID)
	if len(edges) != 1 || edges[0].Type != domain.RelFamily {
		t.Fatalf("stored edges: %+v", edges)
	}
	if len(newCompanies) != 1 || newCompanies[0] != "Acme" {
		t.Fatalf("new company trigger: %v", newCompanies)
	}
}

func TestIngest_NewPeerLinksPurgeCachedPaths(t *testing.T) {
	ctx := context.Background()
	net := network.New()
	net.AddPerson(domain.Person{ID: "S", Name: "Sam Stone", Company: "Acme"})
	net.AddPerson(domain.Person{ID: "M", Name: "Mia Moss"})
	net.AddPerson(domain.Person{ID: "T", Name: "Tia Todd", Education: []domain.Education{{School: "MIT"}}})
	cache := pathcache.New(nil)
	cached := domain.CachedPath{From: "S", To: "T", Path: domain.ConnectionPath{
		Hops: 2, Strength: 35, Strategy: domain.StrategyMultiHop,
		Nodes: []domain.PathNode{{PersonID: "S"}, {PersonID: "M"}, {PersonID: "T"}},
	}}
	if err := cache.Put(ctx, cached, 0, cache.Epoch()); err != nil {
		t.Fatal(err)
	}

	svc := New(Deps{Store: graph.NewMemoryStore(), Network: net, Cache: cache})
	out, err := svc.Ingest(ctx, validate.RawPerson{Name: "Nina New", Company: "Acme",
		Education: []domain.Education{{School: "MIT"}}}, "import")
	if err != nil {
		t.Fatal(err)
	}
	if !net.HasEdge("S", out.PersonID, domain.RelCoworker) || !net.HasEdge(out.PersonID, "T", domain.RelEducation) {
		t.Fatalf("links not derived: %v", net.Peers(out.PersonID))
	}
	if _, ok := cache.Get(ctx, "S", "T"); ok {
		t.Fatal("S>M>T must be purged once S>N>T exists")
	}
}

func TestSymmetricDiff(t *testing.T) {
	got := symmetricDiff([]string{"a", "b", "d"}, []string{"b", "c", "d", "e"})
	want := []string{"a", "c", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if out := symmetricDiff(nil, nil); len(out) != 0 {
		t.Fatalf("empty: %v", out)
	}
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t)
	rep, err := f.svc.IngestBatch(context.Background(), []validate.RawPerson{
		{Name: "Jane Doe", Email: "jane@x.com"},
		{Name: "Jane D.", Email: "JANE@x.com"},
		{Name: "Bad", Email: "nope"},
		{Name: "Bob Stone", Company: "Globex"},
	}, "csv")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total != 4 || rep.Created != 2 || rep.Invalid != 1 || len(rep.Rejected) != 1 || rep.Rejected[0].Index != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if len(rep.PersonIDs) != 3 || rep.PersonIDs[2] != rep.PersonIDs[0] {
		t.Fatalf("ids: %v", rep.PersonIDs)
	}
	if f.persons(t) != 2 || len(f.net.Neighbors(rep.PersonIDs[1])) != 0 {
		t.Fatal("unexpected store or network state")
	}
	if !f.net.Has(rep.PersonIDs[0]) || !f.net.Has(rep.PersonIDs[1]) {
		t.Fatal("batch persons missing from network")
	}
}

func TestIngestEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hint := EdgeHint{
		From:     &validate.RawPerson{Name: "Ann Lee", Email: "ann@x.com"},
		To:       &validate.RawPerson{Name: "Ben Ko", Email: "ben@x.com"},
		Type:     "colleague",
		Evidence: domain.CompanyEvidence{Company: "Acme"},
	}
	rep, err := f.svc.IngestEdges(ctx, []EdgeHint{hint, hint}, "hints")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Created != 1 || rep.Duplicates != 1 {
		t.Fatalf("report: %+v", rep)
	}
	ann, _ := f.store.FindByEmail(ctx, "ann@x.com")
	ben, _ := f.store.FindByEmail(ctx, "ben@x.com")
	edges, _ := f.store.ListEdges(ctx, ann.ID)
	if len(edges) != 1 || edges[0].Type != domain.RelCoworker || edges[0].Strength != 70 || edges[0].To != ben.ID {
		t.Fatalf("edges: %+v", edges)
	}
	if !f.net.HasEdge(ben.ID, ann.ID, domain.RelCoworker) {
		t.Fatal("network edge missing")
	}
	if f.persons(t) != 2 {
		t.Fatal("endpoints duplicated")
	}

	rep, err = f.svc.IngestEdges(ctx, []EdgeHint{
		{FromID: ann.ID, ToID: ann.ID, Type: "mentor"},
		{FromID: ann.ID, ToID: ben.ID, Type: "astrology"},
		{FromID: "missing", ToID: ben.ID, Type: "mentor"},
		{FromID: ann.ID, ToID: ben.ID, Type: "mentor", Strength: 101},
		{FromID: ann.ID, ToID: ben.ID, Type: "mentor", Strength: 88},
	}, "hints")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rejected != 4 || rep.Created != 1 || len(rep.Errors) != 4 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	u := domain.Person{ID: "u", Name: "U"}
	g := domain.Person{ID: "g", Name: "G", IsGhost: true, TrustScore: 40}
	for _, p := range []domain.Person{u, g} {
		if _, err := store.UpsertPerson(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpsertEdge(ctx, domain.Edge{From: "u", To: "g", Type: domain.RelCoworker, Strength: 80, IsGhost: true}); err != nil {
		t.Fatal(err)
	}
	net := network.New()
	if _, err := network.NewBuilder(nil, nil).Rebuild(ctx, store, net); err != nil {
		t.Fatal(err)
	}
	if w := net.Neighbors("u")[0].Weight; w != 60 {
		t.Fatalf("ghost weight = %d", w)
	}

	svc := New(Deps{Store: store, Network: net})
	p, err := svc.Claim(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if p.IsGhost || p.ID != "g" || p.TrustScore != domain.ClaimedTrustFloor {
		t.Fatalf("claimed: %+v", p)
	}
	if l := net.Neighbors("u"); len(l) != 1 || l[0].Weight != 80 || l[0].Ghost {
		t.Fatalf("links after claim: %+v", l)
	}
	edges, _ := store.ListEdges(ctx, "g")
	if len(edges) != 1 {
		t.Fatalf("edges lost: %+v", edges)
	}
	if _, err := svc.Claim(ctx, "missing"); !graph.IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
}
