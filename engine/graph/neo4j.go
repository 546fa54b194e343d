package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/repo"
)

// GraphStore is the Neo4j-backed Store. Persons are :Person nodes and each
// directed edge row is a :RELATED relationship carrying its type as a
// property, so one MERGE per (from, to, type) suppresses duplicates.
type GraphStore struct {
	opener  repo.SessionOpener
	persons *repo.Neo4jRepo[domain.Person, string]
	now     func() time.Time
}

var _ Store = (*GraphStore)(nil)

// New creates a GraphStore on a live driver.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return NewWithOpener(repo.NewDriverOpener(driver))
}

// NewWithOpener creates a GraphStore on any session opener.
func NewWithOpener(opener repo.SessionOpener) *GraphStore {
	return &GraphStore{
		opener:  opener,
		persons: repo.NewNeo4jRepo[domain.Person, string](opener, "Person", personToMap, personFromRecord),
		now:     time.Now,
	}
}

var schemaStatements = []string{
	`CREATE CONSTRAINT person_id IF NOT EXISTS FOR (n:Person) REQUIRE n.id IS UNIQUE`,
	`CREATE INDEX person_email IF NOT EXISTS FOR (n:Person) ON (n.email)`,
	`CREATE INDEX person_name_key IF NOT EXISTS FOR (n:Person) ON (n.name_key)`,
	`CREATE INDEX person_company_key IF NOT EXISTS FOR (n:Person) ON (n.company_key)`,
	`CREATE INDEX person_profile_url IF NOT EXISTS FOR (n:Person) ON (n.profile_url)`,
}

// EnsureSchema creates the constraint and lookup indexes. Safe to re-run.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, stmt := range schemaStatements {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graph: schema: %w", err)
		}
	}
	return nil
}

func (g *GraphStore) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	p, err := g.persons.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return domain.Person{}, fmt.Errorf("person %s: %w", id, domain.ErrNotFound)
		}
		return domain.Person{}, fmt.Errorf("graph: get person: %w", err)
	}
	return p, nil
}

func (g *GraphStore) ListPersons(ctx context.Context, opts ListOpts) ([]domain.Person, error) {
	return g.persons.List(ctx, opts)
}

var attributePredicates = map[domain.Dimension]string{
	domain.DimCompany:      `n.company_key = $value`,
	domain.DimSchool:       `$value IN n.school_keys`,
	domain.DimOrganization: `$value IN n.org_keys`,
	domain.DimHometown:     `$value IN n.hometown_keys`,
	domain.DimSocial:       `($value IN n.social_keys OR $value IN n.profile_urls)`,
	domain.DimEmail:        `n.email = $value`,
	domain.DimName:         `n.name_key = $value`,
}

func (g *GraphStore) ListPersonsByAttribute(ctx context.Context, dim domain.Dimension, value string) ([]domain.Person, error) {
	pred, ok := attributePredicates[dim]
	if !ok {
		return nil, fmt.Errorf("graph: unknown dimension %q", dim)
	}
	v := domain.NormalizeKey(value)
	if dim == domain.DimSocial {
		v = NormalizeProfileURL(value)
	}
	if v == "" {
		return nil, nil
	}
	return g.queryPersons(ctx, `MATCH (n:Person) WHERE `+pred+` RETURN n ORDER BY n.id`, map[string]any{"value": v})
}

func (g *GraphStore) queryPersons(ctx context.Context, cypher string, params map[string]any) ([]domain.Person, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: query persons: %w", err)
	}
	return repo.Collect(ctx, result, personFromRecord)
}

func (g *GraphStore) UpsertPerson(ctx context.Context, p domain.Person) (domain.Person, error) {
	now := g.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	props := personToMap(p)
	delete(props, "created_at")
	result, err := sess.Run(ctx, upsertPersonCypher, map[string]any{
		"id":         p.ID,
		"props":      props,
		"created_at": p.CreatedAt,
	})
	if err != nil {
		return domain.Person{}, fmt.Errorf("graph: upsert person: %w", err)
	}
	if !result.Next(ctx) {
		return domain.Person{}, fmt.Errorf("graph: upsert person %s: no row returned", p.ID)
	}
	return personFromRecord(result.Record())
}

const upsertPersonCypher = `MERGE (n:Person {id: $id})
ON CREATE SET n.created_at = $created_at
SET n += $props
RETURN n`

// upsertEdgeCypher creates a missing row from its mirror's properties when
// the mirror exists, so a surviving half of a pair always wins.
const upsertEdgeCypher = `MATCH (a:Person {id: $from}), (b:Person {id: $to})
OPTIONAL MATCH (b)-[m:RELATED {type: $type}]->(a)
MERGE (a)-[r:RELATED {type: $type}]->(b)
ON CREATE SET r += coalesce(properties(m), $props), r.id = $id
RETURN r.id = $id AS created`

// UpsertEdge writes both rows in one write transaction. A surviving half of
// a pair is completed from the surviving row.
func (g *GraphStore) UpsertEdge(ctx context.Context, e domain.Edge) error {
	if err := validateEdge(e); err != nil {
		return err
	}
	fwd, rev := g.rows(e)
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx repo.CypherRunner) (any, error) {
		created := 0
		for _, row := range []domain.Edge{fwd, rev} {
			ok, err := runEdgeMerge(ctx, tx, row)
			if err != nil {
				return nil, err
			}
			if ok {
				created++
			}
		}
		return created, nil
	})
	if err != nil {
		return fmt.Errorf("graph: upsert edge: %w", err)
	}
	if n, _ := out.(int); n == 0 {
		return fmt.Errorf("%s: %w", e.Key(), domain.ErrDuplicateEdge)
	}
	return nil
}

func (g *GraphStore) rows(e domain.Edge) (domain.Edge, domain.Edge) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = g.now()
	}
	rev := e.Reverse()
	rev.ID = uuid.NewString()
	return e, rev
}

func runEdgeMerge(ctx context.Context, tx repo.CypherRunner, e domain.Edge) (bool, error) {
	props, err := edgeProps(e)
	if err != nil {
		return false, err
	}
	result, err := tx.Run(ctx, upsertEdgeCypher, map[string]any{
		"from":  e.From,
		"to":    e.To,
		"type":  string(e.Type),
		"id":    e.ID,
		"props": props,
	})
	if err != nil {
		return false, err
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("edge endpoint %s or %s: %w", e.From, e.To, domain.ErrNotFound)
	}
	created, _ := result.Record().Get("created")
	b, _ := created.(bool)
	return b, nil
}

func (g *GraphStore) SetEdgeStrength(ctx context.Context, from, to string, t domain.RelationshipType, strength int) error {
	if strength < 0 || strength > 100 {
		return domain.ErrInvalidStrength
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	result, err := sess.Run(ctx, `MATCH (:Person {id: $from})-[r:RELATED {type: $type}]-(:Person {id: $to})
SET r.strength = $strength
RETURN count(r) AS n`, map[string]any{"from": from, "to": to, "type": string(t), "strength": int64(strength)})
	if err != nil {
		return fmt.Errorf("graph: set strength: %w", err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("n"); n == int64(0) {
			return fmt.Errorf("edge %s-%s %s: %w", from, to, t, domain.ErrNotFound)
		}
	}
	return nil
}

const edgeReturn = `RETURN a.id AS from, b.id AS to, properties(r) AS r`

func (g *GraphStore) ListEdges(ctx context.Context, personID string) ([]domain.Edge, error) {
	return g.queryEdges(ctx, `MATCH (a:Person {id: $id})-[r:RELATED]->(b:Person) `+edgeReturn+` ORDER BY to, r.type`, map[string]any{"id": personID})
}

func (g *GraphStore) ListAllEdges(ctx context.Context) ([]domain.Edge, error) {
	return g.queryEdges(ctx, `MATCH (a:Person)-[r:RELATED]->(b:Person) `+edgeReturn+` ORDER BY from, to, r.type`, nil)
}

func (g *GraphStore) queryEdges(ctx context.Context, cypher string, params map[string]any) ([]domain.Edge, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: query edges: %w", err)
	}
	return repo.Collect(ctx, result, edgeFromRecord)
}

const batchPersonsCypher = `UNWIND $rows AS row
MERGE (n:Person {id: row.id})
ON CREATE SET n.created_at = row.created_at
SET n += row.props`

const batchEdgesCypher = `UNWIND $rows AS row
MATCH (a:Person {id: row.from}), (b:Person {id: row.to})
MERGE (a)-[r:RELATED {type: row.type}]->(b)
ON CREATE SET r += row.props
RETURN row.pair AS pair, r.id = row.props.id AS created`

// BatchInsert writes persons and edge pairs in one write transaction.
func (g *GraphStore) BatchInsert(ctx context.Context, persons []domain.Person, edges []domain.Edge) (BatchResult, error) {
	now := g.now()
	personRows := make([]map[string]any, 0, len(persons))
	for i := range persons {
		p := &persons[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		props := personToMap(*p)
		delete(props, "created_at")
		personRows = append(personRows, map[string]any{"id": p.ID, "created_at": p.CreatedAt, "props": props})
	}
	edgeRows := make([]map[string]any, 0, 2*len(edges))
	for i, e := range edges {
		if err := validateEdge(e); err != nil {
			return BatchResult{}, fmt.Errorf("batch edge %s: %w", e.Key(), err)
		}
		fwd, rev := g.rows(e)
		for _, row := range []domain.Edge{fwd, rev} {
			props, err := edgeProps(row)
			if err != nil {
				return BatchResult{}, err
			}
			edgeRows = append(edgeRows, map[string]any{
				"pair": int64(i), "from": row.From, "to": row.To, "type": string(row.Type), "props": props,
			})
		}
	}

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	out, err := sess.ExecuteWrite(ctx, func(tx repo.CypherRunner) (any, error) {
		if len(personRows) > 0 {
			if _, err := tx.Run(ctx, batchPersonsCypher, map[string]any{"rows": personRows}); err != nil {
				return nil, err
			}
		}
		res := BatchResult{Persons: len(personRows)}
		if len(edgeRows) == 0 {
			return res, nil
		}
		result, err := tx.Run(ctx, batchEdgesCypher, map[string]any{"rows": edgeRows})
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]int, len(edges))
		createdPairs := make(map[int64]bool, len(edges))
		for result.Next(ctx) {
			rec := result.Record()
			pv, _ := rec.Get("pair")
			pair, _ := pv.(int64)
			seen[pair]++
			if c, _ := rec.Get("created"); c == true {
				createdPairs[pair] = true
			}
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		if len(seen) != len(edges) {
			return nil, fmt.Errorf("batch edges: %d of %d pairs matched endpoints: %w", len(seen), len(edges), domain.ErrNotFound)
		}
		res.Edges = len(createdPairs)
		res.DuplicateEdges = len(edges) - res.Edges
		return res, nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("graph: batch insert: %w", err)
	}
	res, _ := out.(BatchResult)
	return res, nil
}

func (g *GraphStore) FindByEmail(ctx context.Context, email string) (domain.Person, error) {
	return g.findOne(ctx, `MATCH (n:Person) WHERE n.email = $value RETURN n ORDER BY n.id LIMIT 1`, domain.NormalizeKey(email))
}

func (g *GraphStore) FindByProfileURL(ctx context.Context, url string) (domain.Person, error) {
	return g.findOne(ctx, `MATCH (n:Person) WHERE $value IN n.profile_urls RETURN n ORDER BY n.id LIMIT 1`, NormalizeProfileURL(url))
}

func (g *GraphStore) findOne(ctx context.Context, cypher, value string) (domain.Person, error) {
	if value == "" {
		return domain.Person{}, domain.ErrNotFound
	}
	ps, err := g.queryPersons(ctx, cypher, map[string]any{"value": value})
	if err != nil {
		return domain.Person{}, err
	}
	if len(ps) == 0 {
		return domain.Person{}, domain.ErrNotFound
	}
	return ps[0], nil
}

func (g *GraphStore) FindByName(ctx context.Context, name string, limit int) ([]domain.Person, error) {
	if limit <= 0 {
		limit = repo.DefaultListLimit
	}
	key := domain.NormalizeKey(name)
	if key == "" {
		return nil, nil
	}
	return g.queryPersons(ctx, `MATCH (n:Person) WHERE n.name_key = $value RETURN n ORDER BY n.id LIMIT $limit`,
		map[string]any{"value": key, "limit": int64(limit)})
}

// Stats counts persons, ghosts and edge rows by relationship type.
func (g *GraphStore) Stats(ctx context.Context) (Stats, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	s := Stats{EdgesByType: make(map[domain.RelationshipType]int64)}
	result, err := sess.Run(ctx, `MATCH (n:Person) RETURN count(n) AS persons, sum(CASE WHEN n.is_ghost THEN 1 ELSE 0 END) AS ghosts`, nil)
	if err != nil {
		return s, fmt.Errorf("graph: stats: %w", err)
	}
	if result.Next(ctx) {
		rec := result.Record().AsMap()
		s.Persons = int64(repo.IntProp(rec, "persons"))
		s.Ghosts = int64(repo.IntProp(rec, "ghosts"))
	}

	result, err = sess.Run(ctx, `MATCH ()-[r:RELATED]->() RETURN r.type AS type, count(*) AS count`, nil)
	if err != nil {
		return s, fmt.Errorf("graph: stats: %w", err)
	}
	for result.Next(ctx) {
		rec := result.Record().AsMap()
		n := int64(repo.IntProp(rec, "count"))
		s.EdgesByType[domain.RelationshipType(repo.StrProp(rec, "type"))] = n
		s.EdgeRows += n
	}
	return s, result.Err()
}
