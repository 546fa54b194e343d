// Package network compiles persons and relationship rows into the in-memory
// adjacency structure searched by the path finder. Explicit edges come from
// the store; further edges are derived by grouping persons on shared
// attributes (company, school, organization, hometown, social handle).
package network

import (
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Link is one traversable direction of a relationship.
type Link struct {
	Neighbor string                  `json:"neighbor"`
	Type     domain.RelationshipType `json:"type"`
	Weight   int                     `json:"weight"`
	Evidence domain.Evidence         `json:"-"`
	Ghost    bool                    `json:"ghost"`
	Derived  bool                    `json:"derived"`
}

type linkKey struct {
	neighbor string
	typ      domain.RelationshipType
}

// group is the member set of one attribute value along one dimension.
type group struct {
	label   string
	members map[string]struct{}
}

type groupID struct {
	dim domain.Dimension
	key string
}

// settings are fixed per snapshot; incremental writes use the settings the
// snapshot was built with.
type settings struct {
	policy       domain.EdgeWeightPolicy
	maxGroupSize int
	sampleWindow int
}

// Network is a snapshot of the compiled graph. Readers share it freely;
// writers take short exclusive sections.
type Network struct {
	mu      sync.RWMutex
	adj     map[string]map[linkKey]Link
	persons map[string]domain.Person
	groups  map[groupID]*group
	cfg     settings
	builtAt time.Time
}

// Stats summarizes a snapshot.
type Stats struct {
	Persons     int                             `json:"persons"`
	Links       int                             `json:"links"`
	LinksByType map[domain.RelationshipType]int `json:"links_by_type"`
	Groups      int                             `json:"groups"`
	BuiltAt     time.Time                       `json:"built_at"`
}

func newNetwork(cfg settings) *Network {
	return &Network{
		adj:     make(map[string]map[linkKey]Link),
		persons: make(map[string]domain.Person),
		groups:  make(map[groupID]*group),
		cfg:     cfg,
	}
}

// New returns an empty network using the default policy and group limits.
func New() *Network {
	return newNetwork(settings{
		policy:       domain.DefaultEdgeWeightPolicy(),
		maxGroupSize: DefaultMaxGroupSize,
		sampleWindow: DefaultSampleWindow,
	})
}

// Person returns the person record held by the snapshot.
func (n *Network) Person(id string) (domain.Person, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.persons[id]
	return p, ok
}

// Has reports whether id is a node of the snapshot.
func (n *Network) Has(id string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.persons[id]
	return ok
}

// Neighbors returns the links of id ordered by descending weight, then
// neighbor ID and type. The slice is a copy.
func (n *Network) Neighbors(id string) []Link {
	n.mu.RLock()
	links := make([]Link, 0, len(n.adj[id]))
	for _, l := range n.adj[id] {
		links = append(links, l)
	}
	n.mu.RUnlock()
	sortLinks(links)
	return links
}

// Peers returns the distinct IDs id has a link to, sorted.
func (n *Network) Peers(id string) []string {
	n.mu.RLock()
	seen := make(map[string]struct{}, len(n.adj[id]))
	for k := range n.adj[id] {
		seen[k.neighbor] = struct{}{}
	}
	n.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasEdge reports whether a link of type t connects a and b.
func (n *Network) HasEdge(a, b string, t domain.RelationshipType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.adj[a][linkKey{b, t}]
	return ok
}

// Members returns the IDs sharing value along dim, sorted.
func (n *Network) Members(dim domain.Dimension, value string) []string {
	key := domain.NormalizeKey(value)
	n.mu.RLock()
	g, ok := n.groups[groupID{dim, key}]
	var out []string
	if ok {
		out = sortedMembers(g)
	}
	n.mu.RUnlock()
	return out
}

// Policy returns the weight policy this snapshot was built with.
func (n *Network) Policy() domain.EdgeWeightPolicy {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.policy
}

// Stats counts persons and directed links.
func (n *Network) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := Stats{
		Persons:     len(n.persons),
		LinksByType: make(map[domain.RelationshipType]int),
		Groups:      len(n.groups),
		BuiltAt:     n.builtAt,
	}
	for _, links := range n.adj {
		for _, l := range links {
			s.Links++
			s.LinksByType[l.Type]++
		}
	}
	return s
}

// Replace swaps in the contents of next. Readers see either the old or the
// new snapshot, never a mix.
func (n *Network) Replace(next *Network) {
	next.mu.RLock()
	adj, persons, groups, cfg, built := next.adj, next.persons, next.groups, next.cfg, next.builtAt
	next.mu.RUnlock()

	n.mu.Lock()
	n.adj, n.persons, n.groups, n.cfg, n.builtAt = adj, persons, groups, cfg, built
	n.mu.Unlock()
}

// AddPerson inserts or refreshes p and derives its attribute links against
// the existing groups. Returns the number of links created per type.
func (n *Network) AddPerson(p domain.Person) map[domain.RelationshipType]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.persons[p.ID]; ok {
		n.leaveGroupsLocked(p.ID)
		n.dropDerivedLocked(p.ID)
	}
	n.persons[p.ID] = p
	created := make(map[domain.RelationshipType]int)
	for _, dim := range domain.GroupingDimensions {
		keys, _ := p.Keys(dim)
		for _, k := range keys {
			g := n.joinGroupLocked(dim, k, labelFor(p, dim, k), p.ID)
			for _, other := range n.peersLocked(g, p.ID) {
				if n.linkDerivedLocked(p.ID, other, dim, g.label) {
					created[domain.RelationshipFor(dim)]++
				}
			}
		}
	}
	return created
}

// peersLocked picks who a newcomer to g is linked with. Small groups link
// everyone; large groups link the sampleWindow members on either side of the
// newcomer in ID order, the same neighborhood a full build would sample.
func (n *Network) peersLocked(g *group, id string) []string {
	members := sortedMembers(g)
	if len(members) <= n.cfg.maxGroupSize {
		out := make([]string, 0, len(members)-1)
		for _, m := range members {
			if m != id {
				out = append(out, m)
			}
		}
		return out
	}
	pos := sort.SearchStrings(members, id)
	var out []string
	for i := pos - n.cfg.sampleWindow; i <= pos+n.cfg.sampleWindow; i++ {
		if i >= 0 && i < len(members) && i != pos {
			out = append(out, members[i])
		}
	}
	return out
}

// AddEdge inserts or refreshes both directions of an explicit relationship
// row. The traversal weight comes from the snapshot's policy, and the ghost
// penalty follows the endpoints' current ghost flags rather than the flag
// stored on the row, so a claimed profile loses it. Returns false when an
// endpoint is unknown or the edge is a self-loop.
func (n *Network) AddEdge(e domain.Edge) bool {
	if e.From == e.To {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addExplicitLocked(e)
}

func (n *Network) addExplicitLocked(e domain.Edge) bool {
	a, aok := n.persons[e.From]
	b, bok := n.persons[e.To]
	if !aok || !bok {
		return false
	}
	ghost := a.IsGhost || b.IsGhost
	w := n.cfg.policy.Weigh(e.Type, e.Strength, ghost)
	n.putLocked(e.From, Link{Neighbor: e.To, Type: e.Type, Weight: w, Evidence: e.Evidence, Ghost: ghost})
	n.putLocked(e.To, Link{Neighbor: e.From, Type: e.Type, Weight: w, Evidence: e.Evidence, Ghost: ghost})
	return true
}

// linkDerivedLocked adds a grouping link pair unless a link of that type
// already joins the two persons.
func (n *Network) linkDerivedLocked(a, b string, dim domain.Dimension, label string) bool {
	t := domain.RelationshipFor(dim)
	if _, ok := n.adj[a][linkKey{b, t}]; ok {
		return false
	}
	pa, pb := n.persons[a], n.persons[b]
	ghost := pa.IsGhost || pb.IsGhost
	w := n.cfg.policy.Effective(t, ghost)
	ev := evidenceFor(dim, label)
	n.putLocked(a, Link{Neighbor: b, Type: t, Weight: w, Evidence: ev, Ghost: ghost, Derived: true})
	n.putLocked(b, Link{Neighbor: a, Type: t, Weight: w, Evidence: ev, Ghost: ghost, Derived: true})
	return true
}

func (n *Network) putLocked(from string, l Link) {
	m, ok := n.adj[from]
	if !ok {
		m = make(map[linkKey]Link)
		n.adj[from] = m
	}
	m[linkKey{l.Neighbor, l.Type}] = l
}

// RemovePerson drops id, its links in both directions and its group
// memberships.
func (n *Network) RemovePerson(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.persons[id]; !ok {
		return false
	}
	for k := range n.adj[id] {
		delete(n.adj[k.neighbor], linkKey{id, k.typ})
	}
	delete(n.adj, id)
	n.leaveGroupsLocked(id)
	delete(n.persons, id)
	return true
}

func (n *Network) dropDerivedLocked(id string) {
	for k, l := range n.adj[id] {
		if !l.Derived {
			continue
		}
		delete(n.adj[id], k)
		delete(n.adj[k.neighbor], linkKey{id, k.typ})
	}
}

func (n *Network) joinGroupLocked(dim domain.Dimension, key, label, id string) *group {
	gid := groupID{dim, key}
	g, ok := n.groups[gid]
	if !ok {
		g = &group{label: label, members: make(map[string]struct{})}
		n.groups[gid] = g
	}
	g.members[id] = struct{}{}
	return g
}

func (n *Network) leaveGroupsLocked(id string) {
	for gid, g := range n.groups {
		if _, ok := g.members[id]; !ok {
			continue
		}
		delete(g.members, id)
		if len(g.members) == 0 {
			delete(n.groups, gid)
		}
	}
}

func sortedMembers(g *group) []string {
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Weight != links[j].Weight {
			return links[i].Weight > links[j].Weight
		}
		if links[i].Neighbor != links[j].Neighbor {
			return links[i].Neighbor < links[j].Neighbor
		}
		return links[i].Type < links[j].Type
	})
}

// labelFor returns the display form of key as p carries it.
func labelFor(p domain.Person, dim domain.Dimension, key string) string {
	switch dim {
	case domain.DimCompany:
		return p.Company
	case domain.DimSchool:
		for _, e := range p.Education {
			if domain.NormalizeKey(e.School) == key {
				return e.School
			}
		}
	case domain.DimOrganization:
		for _, o := range p.Organizations {
			if domain.OrgKey(o) == key {
				if o.Chapter != "" {
					return o.Name + " (" + o.Chapter + ")"
				}
				return o.Name
			}
		}
	case domain.DimHometown:
		for _, h := range p.Hometowns {
			if h.Key() == key {
				return h.City
			}
		}
	case domain.DimSocial:
		for _, s := range p.Socials {
			if s.Key() == key {
				return s.Platform + ":" + firstNonEmpty(s.Handle, s.URL)
			}
		}
	}
	return key
}

func evidenceFor(dim domain.Dimension, label string) domain.Evidence {
	switch dim {
	case domain.DimCompany:
		return domain.CompanyEvidence{Company: label}
	case domain.DimSchool:
		return domain.SchoolEvidence{School: label}
	case domain.DimOrganization:
		return domain.OrgEvidence{Organization: label}
	case domain.DimHometown:
		return domain.HometownEvidence{Hometown: domain.Hometown{City: label}}
	case domain.DimSocial:
		return domain.PlatformEvidence{Platform: label}
	}
	return domain.NoteEvidence{Note: label}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
