package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore().WithClock(func() time.Time { return testNow })
	ctx := context.Background()
	for _, p := range []domain.Person{
		{ID: "u", Name: "Uma User", Email: "uma@acme.com", Company: "Acme"},
		{ID: "a", Name: "Alan Able", Company: "ACME ", Education: []domain.Education{{School: "MIT"}}},
		{ID: "b", Name: "Bea Bold", Education: []domain.Education{{School: "mit"}, {School: ""}},
			Socials: []domain.SocialHandle{{Platform: "linkedin", URL: "https://www.linkedin.com/in/bea/"}}},
		{ID: "t", Name: "Tara Target", Company: "Globex", IsGhost: true},
	} {
		if _, err := s.UpsertPerson(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func edge(from, to string, typ domain.RelationshipType, strength int) domain.Edge {
	return domain.Edge{From: from, To: to, Type: typ, Strength: strength, Evidence: domain.NoteEvidence{Note: "test"}}
}

func assertSymmetric(t *testing.T, s Store) {
	t.Helper()
	all, err := s.ListAllEdges(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rows := make(map[string]domain.Edge, len(all))
	for _, e := range all {
		if e.From == e.To {
			t.Fatalf("self loop stored: %+v", e)
		}
		rows[e.Key()] = e
	}
	for _, e := range all {
		rev, ok := rows[e.Reverse().Key()]
		if !ok {
			t.Fatalf("missing mirror for %s", e.Key())
		}
		if !e.Mirrors(rev) {
			t.Fatalf("mirror differs: %+v vs %+v", e, rev)
		}
	}
}

func TestMemoryStore_UpsertEdgeWritesMirror(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if err := s.UpsertEdge(ctx, edge("u", "a", domain.RelCoworker, 80)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, edge("a", "b", domain.RelEducation, 60)); err != nil {
		t.Fatal(err)
	}
	assertSymmetric(t, s)

	out, _ := s.ListEdges(ctx, "a")
	if len(out) != 2 || out[0].To != "b" || out[1].To != "u" {
		t.Fatalf("unexpected edges of a: %+v", out)
	}
	if out[1].Evidence == nil || out[1].CreatedAt != testNow {
		t.Fatalf("mirror lost fields: %+v", out[1])
	}
}

func TestMemoryStore_DuplicateSuppression(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if err := s.UpsertEdge(ctx, edge("u", "a", domain.RelCoworker, 80)); err != nil {
		t.Fatal(err)
	}
	err := s.UpsertEdge(ctx, edge("a", "u", domain.RelCoworker, 70))
	if !errors.Is(err, domain.ErrDuplicateEdge) {
		t.Fatalf("expected ErrDuplicateEdge, got %v", err)
	}
	// different type between the same pair is allowed
	if err := s.UpsertEdge(ctx, edge("u", "a", domain.RelHometown, 35)); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ListAllEdges(ctx)
	if len(all) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(all))
	}
	assertSymmetric(t, s)
}

func TestMemoryStore_UpsertEdgeRejects(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if err := s.UpsertEdge(ctx, edge("u", "u", domain.RelOther, 10)); !errors.Is(err, domain.ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}
	if err := s.UpsertEdge(ctx, edge("u", "ghost", domain.RelOther, 10)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RepairsHalfPair(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	s.mu.Lock()
	s.putRowLocked(edge("u", "t", domain.RelFamily, 95))
	s.mu.Unlock()

	if err := s.UpsertEdge(ctx, edge("t", "u", domain.RelFamily, 50)); err != nil {
		t.Fatal(err)
	}
	assertSymmetric(t, s)
	out, _ := s.ListEdges(ctx, "t")
	if out[0].Strength != 95 {
		t.Fatalf("existing row must win, got %d", out[0].Strength)
	}
}

func TestMemoryStore_SetEdgeStrength(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	_ = s.UpsertEdge(ctx, edge("u", "a", domain.RelCoworker, 80))
	if err := s.SetEdgeStrength(ctx, "a", "u", domain.RelCoworker, 90); err != nil {
		t.Fatal(err)
	}
	assertSymmetric(t, s)
	if err := s.SetEdgeStrength(ctx, "a", "b", domain.RelCoworker, 90); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_BatchInsertAtomic(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	persons := []domain.Person{{ID: "n1", Name: "New One"}}
	bad := []domain.Edge{edge("n1", "u", domain.RelMentor, 75), edge("n1", "nobody", domain.RelMentor, 75)}
	if _, err := s.BatchInsert(ctx, persons, bad); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPerson(ctx, "n1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("failed batch must not write persons")
	}

	good := []domain.Edge{edge("n1", "u", domain.RelMentor, 75), edge("u", "n1", domain.RelMentor, 75)}
	res, err := s.BatchInsert(ctx, persons, good)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persons != 1 || res.Edges != 1 || res.DuplicateEdges != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertSymmetric(t, s)
}

func TestMemoryStore_Lookups(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	byCompany, _ := s.ListPersonsByAttribute(ctx, domain.DimCompany, "acme")
	if len(byCompany) != 2 || byCompany[0].ID != "a" || byCompany[1].ID != "u" {
		t.Fatalf("company lookup: %+v", byCompany)
	}
	bySchool, _ := s.ListPersonsByAttribute(ctx, domain.DimSchool, "MIT")
	if len(bySchool) != 2 {
		t.Fatalf("school lookup: %+v", bySchool)
	}

	p, err := s.FindByEmail(ctx, " UMA@acme.com")
	if err != nil || p.ID != "u" {
		t.Fatalf("email lookup: %+v %v", p, err)
	}
	p, err = s.FindByProfileURL(ctx, "http://linkedin.com/in/bea")
	if err != nil || p.ID != "b" {
		t.Fatalf("url lookup: %+v %v", p, err)
	}
	if _, err := s.FindByEmail(ctx, "nobody@x.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	named, _ := s.FindByName(ctx, "tara  target", 5)
	if len(named) != 1 || named[0].ID != "t" {
		t.Fatalf("name lookup: %+v", named)
	}
}

func TestMemoryStore_UpsertPreservesCreatedAt(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	later := testNow.Add(time.Hour)
	s.WithClock(func() time.Time { return later })
	p, _ := s.GetPerson(ctx, "t")
	p.Claim(later)
	got, _ := s.UpsertPerson(ctx, p)
	if !got.CreatedAt.Equal(testNow) || !got.UpdatedAt.Equal(later) || got.IsGhost {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestMemoryStore_ListPersonsPaging(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	page, _ := s.ListPersons(ctx, ListOpts{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "t" {
		t.Fatalf("page: %+v", page)
	}
	ghosts, _ := s.ListPersons(ctx, ListOpts{Filter: map[string]any{"is_ghost": true}})
	if len(ghosts) != 1 || ghosts[0].ID != "t" {
		t.Fatalf("ghost filter: %+v", ghosts)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	_ = s.UpsertEdge(ctx, edge("u", "a", domain.RelCoworker, 80))
	st, _ := s.Stats(ctx)
	if st.Persons != 4 || st.Ghosts != 1 || st.EdgeRows != 2 || st.EdgesByType[domain.RelCoworker] != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestNormalizeProfileURL(t *testing.T) {
	cases := map[string]string{
		"https://www.LinkedIn.com/in/Jane/": "linkedin.com/in/jane",
		"http://github.com/jane":            "github.com/jane",
		"":                                  "",
	}
	for in, want := range cases {
		if got := NormalizeProfileURL(in); got != want {
			t.Errorf("NormalizeProfileURL(%q) = %q, want %q", in, got, want)
		}
	}
}
