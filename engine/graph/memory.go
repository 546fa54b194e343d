package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// MemoryStore is an in-process Store. It is the reference semantics for the
// Neo4j store and backs tests and STORE=memory deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	persons  map[string]domain.Person
	edges    map[string]domain.Edge // keyed by Edge.Key()
	outgoing map[string]map[string]struct{}
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		persons:  make(map[string]domain.Person),
		edges:    make(map[string]domain.Edge),
		outgoing: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// WithClock sets the timestamp source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetPerson(_ context.Context, id string) (domain.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return domain.Person{}, fmt.Errorf("person %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) ListPersons(_ context.Context, opts ListOpts) ([]domain.Person, error) {
	m.mu.RLock()
	all := make([]domain.Person, 0, len(m.persons))
	for _, p := range m.persons {
		if matchFilter(p, opts.Filter) {
			all = append(all, p)
		}
	}
	m.mu.RUnlock()
	sortPersons(all)
	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func matchFilter(p domain.Person, f map[string]any) bool {
	for k, v := range f {
		switch k {
		case "source":
			if s, _ := v.(string); s != p.Source {
				return false
			}
		case "is_ghost":
			if b, _ := v.(bool); b != p.IsGhost {
				return false
			}
		case "company":
			if s, _ := v.(string); domain.NormalizeKey(s) != domain.NormalizeKey(p.Company) {
				return false
			}
		}
	}
	return true
}

func (m *MemoryStore) ListPersonsByAttribute(_ context.Context, dim domain.Dimension, value string) ([]domain.Person, error) {
	want := domain.NormalizeKey(value)
	if dim == domain.DimSocial {
		want = NormalizeProfileURL(value)
	}
	if want == "" {
		return nil, nil
	}
	m.mu.RLock()
	var out []domain.Person
	for _, p := range m.persons {
		if hasKey(p, dim, want) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sortPersons(out)
	return out, nil
}

func hasKey(p domain.Person, dim domain.Dimension, want string) bool {
	if dim == domain.DimSocial {
		for _, s := range p.Socials {
			if s.Key() == want || (s.URL != "" && NormalizeProfileURL(s.URL) == want) {
				return true
			}
		}
		return false
	}
	keys, _ := p.Keys(dim)
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpsertPerson(_ context.Context, p domain.Person) (domain.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertPersonLocked(p), nil
}

func (m *MemoryStore) upsertPersonLocked(p domain.Person) domain.Person {
	now := m.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if old, ok := m.persons[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.persons[p.ID] = p
	return p
}

func (m *MemoryStore) UpsertEdge(_ context.Context, e domain.Edge) error {
	if err := validateEdge(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range []string{e.From, e.To} {
		if _, ok := m.persons[id]; !ok {
			return fmt.Errorf("edge endpoint %s: %w", id, domain.ErrNotFound)
		}
	}
	if !m.putPairLocked(e) {
		return fmt.Errorf("%s: %w", e.Key(), domain.ErrDuplicateEdge)
	}
	return nil
}

// putPairLocked writes whichever rows of the pair are missing and reports
// whether anything was written. An existing row wins over e so a half-written
// pair is repaired from the surviving row.
func (m *MemoryStore) putPairLocked(e domain.Edge) bool {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	fwd, fok := m.edges[e.Key()]
	rev, rok := m.edges[e.Reverse().Key()]
	switch {
	case fok && rok:
		return false
	case fok:
		r := fwd.Reverse()
		r.ID = uuid.NewString()
		m.putRowLocked(r)
	case rok:
		f := rev.Reverse()
		f.ID = uuid.NewString()
		m.putRowLocked(f)
	default:
		r := e.Reverse()
		r.ID = uuid.NewString()
		m.putRowLocked(e)
		m.putRowLocked(r)
	}
	return true
}

func (m *MemoryStore) putRowLocked(e domain.Edge) {
	k := e.Key()
	m.edges[k] = e
	set, ok := m.outgoing[e.From]
	if !ok {
		set = make(map[string]struct{})
		m.outgoing[e.From] = set
	}
	set[k] = struct{}{}
}

func (m *MemoryStore) SetEdgeStrength(_ context.Context, from, to string, t domain.RelationshipType, strength int) error {
	if strength < 0 || strength > 100 {
		return domain.ErrInvalidStrength
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	probe := domain.Edge{From: from, To: to, Type: t}
	fwd, ok := m.edges[probe.Key()]
	if !ok {
		return fmt.Errorf("edge %s: %w", probe.Key(), domain.ErrNotFound)
	}
	fwd.Strength = strength
	m.edges[fwd.Key()] = fwd
	if rev, ok := m.edges[probe.Reverse().Key()]; ok {
		rev.Strength = strength
		m.edges[rev.Key()] = rev
	}
	return nil
}

func (m *MemoryStore) ListEdges(_ context.Context, personID string) ([]domain.Edge, error) {
	m.mu.RLock()
	out := make([]domain.Edge, 0, len(m.outgoing[personID]))
	for k := range m.outgoing[personID] {
		out = append(out, m.edges[k])
	}
	m.mu.RUnlock()
	sortEdges(out)
	return out, nil
}

func (m *MemoryStore) ListAllEdges(_ context.Context) ([]domain.Edge, error) {
	m.mu.RLock()
	out := make([]domain.Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sortEdges(out)
	return out, nil
}

// BatchInsert validates the whole batch before writing any of it.
func (m *MemoryStore) BatchInsert(_ context.Context, persons []domain.Person, edges []domain.Edge) (BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]struct{}, len(persons))
	for i := range persons {
		if persons[i].ID == "" {
			persons[i].ID = uuid.NewString()
		}
		known[persons[i].ID] = struct{}{}
	}
	for _, e := range edges {
		if err := validateEdge(e); err != nil {
			return BatchResult{}, fmt.Errorf("batch edge %s: %w", e.Key(), err)
		}
		for _, id := range []string{e.From, e.To} {
			if _, ok := known[id]; ok {
				continue
			}
			if _, ok := m.persons[id]; !ok {
				return BatchResult{}, fmt.Errorf("batch edge endpoint %s: %w", id, domain.ErrNotFound)
			}
		}
	}

	var res BatchResult
	for _, p := range persons {
		m.upsertPersonLocked(p)
		res.Persons++
	}
	for _, e := range edges {
		if m.putPairLocked(e) {
			res.Edges++
		} else {
			res.DuplicateEdges++
		}
	}
	return res, nil
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (domain.Person, error) {
	want := domain.NormalizeKey(email)
	if want == "" {
		return domain.Person{}, domain.ErrNotFound
	}
	return m.findFirst(func(p domain.Person) bool { return domain.NormalizeKey(p.Email) == want })
}

func (m *MemoryStore) FindByProfileURL(_ context.Context, url string) (domain.Person, error) {
	want := NormalizeProfileURL(url)
	if want == "" {
		return domain.Person{}, domain.ErrNotFound
	}
	return m.findFirst(func(p domain.Person) bool {
		for _, s := range p.Socials {
			if s.URL != "" && NormalizeProfileURL(s.URL) == want {
				return true
			}
		}
		return false
	})
}

func (m *MemoryStore) findFirst(match func(domain.Person) bool) (domain.Person, error) {
	m.mu.RLock()
	var hits []domain.Person
	for _, p := range m.persons {
		if match(p) {
			hits = append(hits, p)
		}
	}
	m.mu.RUnlock()
	if len(hits) == 0 {
		return domain.Person{}, domain.ErrNotFound
	}
	sortPersons(hits)
	return hits[0], nil
}

func (m *MemoryStore) FindByName(ctx context.Context, name string, limit int) ([]domain.Person, error) {
	out, err := m.ListPersonsByAttribute(ctx, domain.DimName, name)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Persons:     int64(len(m.persons)),
		EdgeRows:    int64(len(m.edges)),
		EdgesByType: make(map[domain.RelationshipType]int64),
	}
	for _, p := range m.persons {
		if p.IsGhost {
			s.Ghosts++
		}
	}
	for _, e := range m.edges {
		s.EdgesByType[e.Type]++
	}
	return s, nil
}

func sortPersons(ps []domain.Person) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func sortEdges(es []domain.Edge) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From < es[j].From
		}
		if es[i].To != es[j].To {
			return es[i].To < es[j].To
		}
		return es[i].Type < es[j].Type
	})
}
