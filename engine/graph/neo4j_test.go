package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/repo"
)

// scriptedResult replays records for one Run call.
type scriptedResult struct {
	records []*neo4j.Record
	idx     int
}

func (r *scriptedResult) Next(context.Context) bool {
	if r.idx >= len(r.records) {
		return false
	}
	r.idx++
	return true
}

func (r *scriptedResult) Record() *neo4j.Record { return r.records[r.idx-1] }
func (r *scriptedResult) Err() error             { return nil }

type runCall struct {
	cypher string
	params map[string]any
}

// scriptedSession answers each Run with the next scripted reply and records
// every statement.
type scriptedSession struct {
	replies [][]*neo4j.Record
	runErr  error
	calls   []runCall
	writes  int
	closed  bool
}

func (s *scriptedSession) Run(_ context.Context, cypher string, params map[string]any) (repo.CypherResult, error) {
	s.calls = append(s.calls, runCall{cypher: cypher, params: params})
	if s.runErr != nil {
		return nil, s.runErr
	}
	var recs []*neo4j.Record
	if len(s.replies) > 0 {
		recs, s.replies = s.replies[0], s.replies[1:]
	}
	return &scriptedResult{records: recs}, nil
}

func (s *scriptedSession) ExecuteWrite(_ context.Context, work func(tx repo.CypherRunner) (any, error)) (any, error) {
	s.writes++
	return work(s)
}

func (s *scriptedSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type scriptedOpener struct{ sess *scriptedSession }

func (o scriptedOpener) OpenSession(context.Context) repo.CypherSession { return o.sess }

func newScripted(replies ...[]*neo4j.Record) (*GraphStore, *scriptedSession) {
	sess := &scriptedSession{replies: replies}
	g := NewWithOpener(scriptedOpener{sess: sess})
	g.now = func() time.Time { return testNow }
	return g, sess
}

func rec(keys []string, values ...any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func nodeRec(p domain.Person) *neo4j.Record {
	return rec([]string{"n"}, dbtype.Node{Labels: []string{"Person"}, Props: personToMap(p)})
}

func createdRec(b bool) *neo4j.Record {
	return rec([]string{"created"}, b)
}

func TestGraphStore_GetPersonRoundTrip(t *testing.T) {
	want := domain.Person{
		ID: "p1", Name: "Jane Doe", Email: "jane@acme.com", Company: "Acme",
		Education: []domain.Education{{School: "MIT", Degree: "BS", GraduationYear: 2010}},
		Socials:   []domain.SocialHandle{{Platform: "linkedin", URL: "https://linkedin.com/in/jane"}},
		Skills:    []string{"go"}, TrustScore: 70, CreatedAt: testNow, UpdatedAt: testNow,
	}
	g, sess := newScripted([]*neo4j.Record{nodeRec(want)})
	got, err := g.GetPerson(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != want.Name || got.Email != want.Email || got.TrustScore != 70 {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if len(got.Education) != 1 || got.Education[0].GraduationYear != 2010 {
		t.Fatalf("education lost: %+v", got.Education)
	}
	if got.ProfileURL() != "https://linkedin.com/in/jane" || !got.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected: %+v", got)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestGraphStore_GetPersonNotFound(t *testing.T) {
	g, _ := newScripted()
	_, err := g.GetPerson(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGraphStore_UpsertEdgeWritesBothRows(t *testing.T) {
	g, sess := newScripted([]*neo4j.Record{createdRec(true)}, []*neo4j.Record{createdRec(true)})
	err := g.UpsertEdge(context.Background(), edge("a", "b", domain.RelCoworker, 80))
	if err != nil {
		t.Fatal(err)
	}
	if sess.writes != 1 || len(sess.calls) != 2 {
		t.Fatalf("expected one tx with two statements, got %d/%d", sess.writes, len(sess.calls))
	}
	first, second := sess.calls[0].params, sess.calls[1].params
	if first["from"] != "a" || first["to"] != "b" || second["from"] != "b" || second["to"] != "a" {
		t.Fatalf("rows not mirrored: %v / %v", first, second)
	}
	if first["type"] != "coworker" || second["type"] != "coworker" {
		t.Fatalf("type mismatch: %v", first["type"])
	}
	if first["id"] == second["id"] {
		t.Error("rows must have distinct ids")
	}
	props := first["props"].(map[string]any)
	if !strings.Contains(props["evidence"].(string), `"kind":"note"`) || props["strength"] != int64(80) {
		t.Fatalf("props: %v", props)
	}
}

func TestGraphStore_UpsertEdgeDuplicate(t *testing.T) {
	g, _ := newScripted([]*neo4j.Record{createdRec(false)}, []*neo4j.Record{createdRec(false)})
	err := g.UpsertEdge(context.Background(), edge("a", "b", domain.RelCoworker, 80))
	if !errors.Is(err, domain.ErrDuplicateEdge) {
		t.Fatalf("expected ErrDuplicateEdge, got %v", err)
	}
}

func TestGraphStore_UpsertEdgeRepairsHalf(t *testing.T) {
	g, sess := newScripted([]*neo4j.Record{createdRec(false)}, []*neo4j.Record{createdRec(true)})
	if err := g.UpsertEdge(context.Background(), edge("a", "b", domain.RelCoworker, 80)); err != nil {
		t.Fatalf("half pair should be completed, got %v", err)
	}
	// The missing row copies the surviving mirror and keeps only its own id.
	c := sess.calls[1].cypher
	if !strings.Contains(c, "OPTIONAL MATCH (b)-[m:RELATED {type: $type}]->(a)") ||
		!strings.Contains(c, "coalesce(properties(m), $props), r.id = $id") {
		t.Fatalf("repair must copy the surviving row: %s", c)
	}
}

func TestGraphStore_UpsertEdgeMissingEndpoint(t *testing.T) {
	g, _ := newScripted()
	err := g.UpsertEdge(context.Background(), edge("a", "b", domain.RelCoworker, 80))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := g.UpsertEdge(context.Background(), edge("a", "a", domain.RelCoworker, 80)); !errors.Is(err, domain.ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}
}

func TestGraphStore_ListEdgesDecodesEvidence(t *testing.T) {
	e := edge("a", "b", domain.RelEducation, 60)
	e.Evidence = domain.SchoolEvidence{School: "MIT", SameYear: true}
	props, err := edgeProps(e)
	if err != nil {
		t.Fatal(err)
	}
	g, sess := newScripted([]*neo4j.Record{rec([]string{"from", "to", "r"}, "a", "b", props)})
	out, err := g.ListEdges(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].To != "b" || out[0].Strength != 60 {
		t.Fatalf("edges: %+v", out)
	}
	ev, ok := out[0].Evidence.(domain.SchoolEvidence)
	if !ok || ev.School != "MIT" || !ev.SameYear {
		t.Fatalf("evidence: %#v", out[0].Evidence)
	}
	if sess.calls[0].params["id"] != "a" {
		t.Fatalf("params: %v", sess.calls[0].params)
	}
}

func TestGraphStore_ListPersonsByAttribute(t *testing.T) {
	g, sess := newScripted([]*neo4j.Record{nodeRec(domain.Person{ID: "a", Name: "A"})})
	out, err := g.ListPersonsByAttribute(context.Background(), domain.DimSchool, "  MIT ")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("persons: %+v", out)
	}
	c := sess.calls[0]
	if !strings.Contains(c.cypher, "$value IN n.school_keys") || c.params["value"] != "mit" {
		t.Fatalf("call: %+v", c)
	}
	if _, err := g.ListPersonsByAttribute(context.Background(), "zodiac", "leo"); err == nil {
		t.Fatal("expected unknown dimension error")
	}
}

func TestGraphStore_BatchInsertCountsPairs(t *testing.T) {
	pairRec := func(pair int64, created bool) *neo4j.Record {
		return rec([]string{"pair", "created"}, pair, created)
	}
	g, sess := newScripted(
		nil, // persons UNWIND
		[]*neo4j.Record{pairRec(0, true), pairRec(0, true), pairRec(1, false), pairRec(1, false)},
	)
	res, err := g.BatchInsert(context.Background(),
		[]domain.Person{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}},
		[]domain.Edge{edge("a", "b", domain.RelCoworker, 80), edge("b", "a", domain.RelCoworker, 80)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Persons != 2 || res.Edges != 1 || res.DuplicateEdges != 1 {
		t.Fatalf("result: %+v", res)
	}
	rows := sess.calls[1].params["rows"].([]map[string]any)
	if len(rows) != 4 {
		t.Fatalf("expected 4 edge rows, got %d", len(rows))
	}
}

func TestGraphStore_BatchInsertUnmatchedEndpoint(t *testing.T) {
	g, _ := newScripted(nil, []*neo4j.Record{rec([]string{"pair", "created"}, int64(0), true)})
	_, err := g.BatchInsert(context.Background(), nil,
		[]domain.Edge{edge("a", "b", domain.RelCoworker, 80), edge("a", "zz", domain.RelCoworker, 80)})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGraphStore_FindByEmailNormalizes(t *testing.T) {
	g, sess := newScripted([]*neo4j.Record{nodeRec(domain.Person{ID: "p", Email: "jane@acme.com"})})
	p, err := g.FindByEmail(context.Background(), " Jane@ACME.com ")
	if err != nil || p.ID != "p" {
		t.Fatalf("got %+v %v", p, err)
	}
	if sess.calls[0].params["value"] != "jane@acme.com" {
		t.Fatalf("params: %v", sess.calls[0].params)
	}
	if _, err := g.FindByEmail(context.Background(), ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGraphStore_Stats(t *testing.T) {
	g, _ := newScripted(
		[]*neo4j.Record{rec([]string{"persons", "ghosts"}, int64(3), int64(1))},
		[]*neo4j.Record{
			rec([]string{"type", "count"}, "coworker", int64(4)),
			rec([]string{"type", "count"}, "family", int64(2)),
		},
	)
	s, err := g.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Persons != 3 || s.Ghosts != 1 || s.EdgeRows != 6 || s.EdgesByType[domain.RelFamily] != 2 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestGraphStore_EnsureSchema(t *testing.T) {
	g, sess := newScripted()
	if err := g.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sess.calls) != len(schemaStatements) {
		t.Fatalf("ran %d statements", len(sess.calls))
	}
	sess.runErr = errors.New("boom")
	if err := g.EnsureSchema(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
