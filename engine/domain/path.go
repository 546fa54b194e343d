package domain

import (
	"strings"
	"time"
)

// Strategy names a search procedure.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyMultiHop Strategy = "multi_hop"
	StrategyExternal Strategy = "external"
	StrategyCache    Strategy = "cache"
)

// PathNode is one person on a connection path.
type PathNode struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
	Company  string `json:"company,omitempty"`
	Title    string `json:"title,omitempty"`
	IsGhost  bool   `json:"is_ghost,omitempty"`
}

// PathEdge connects two consecutive nodes of a path.
type PathEdge struct {
	From     string           `json:"from"`
	To       string           `json:"to"`
	Type     RelationshipType `json:"type"`
	Weight   int              `json:"weight"`
	Evidence string           `json:"evidence,omitempty"`
}

// ConnectionPath is a computed, read-only chain from a source (first node) to
// a target (last node).
type ConnectionPath struct {
	Nodes       []PathNode `json:"nodes"`
	Edges       []PathEdge `json:"edges"`
	Hops        int        `json:"hops"`
	Strength    int        `json:"strength"`
	Score       float64    `json:"score"`
	Confidence  int        `json:"confidence"`
	Strategy    Strategy   `json:"strategy"`
	Explanation string     `json:"explanation,omitempty"`
}

// SourceID returns the first node's identifier.
func (p ConnectionPath) SourceID() string {
	if len(p.Nodes) == 0 {
		return ""
	}
	return p.Nodes[0].PersonID
}

// TargetID returns the last node's identifier.
func (p ConnectionPath) TargetID() string {
	if len(p.Nodes) == 0 {
		return ""
	}
	return p.Nodes[len(p.Nodes)-1].PersonID
}

// Key is the node sequence joined with ">", unique per route.
func (p ConnectionPath) Key() string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.PersonID
	}
	return strings.Join(ids, ">")
}

// WeakestLink returns the minimum edge weight, or 0 for an empty path.
func (p ConnectionPath) WeakestLink() int {
	if len(p.Edges) == 0 {
		return 0
	}
	m := p.Edges[0].Weight
	for _, e := range p.Edges[1:] {
		if e.Weight < m {
			m = e.Weight
		}
	}
	return m
}

// Validate checks that the path is cycle-free, its edges chain the nodes in
// order, and Hops matches the edge count.
func (p ConnectionPath) Validate() error {
	if len(p.Nodes) < 2 {
		return ErrInvalidPath
	}
	if len(p.Edges) != len(p.Nodes)-1 || p.Hops != len(p.Edges) {
		return ErrInvalidPath
	}
	seen := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		if _, ok := seen[n.PersonID]; ok {
			return ErrCyclicPath
		}
		seen[n.PersonID] = struct{}{}
	}
	for i, e := range p.Edges {
		if e.From != p.Nodes[i].PersonID || e.To != p.Nodes[i+1].PersonID {
			return ErrInvalidPath
		}
	}
	return nil
}

// SearchScope records the bounds a search ran under. A result computed
// under a scope is complete for every narrower scope.
type SearchScope struct {
	MultiHop    bool `json:"multi_hop"`
	External    bool `json:"external"`
	MaxHops     int  `json:"max_hops"`
	MinStrength int  `json:"min_strength"`
}

// Covers reports whether s is at least as broad as r.
func (s SearchScope) Covers(r SearchScope) bool {
	return s.MaxHops >= r.MaxHops && s.MinStrength <= r.MinStrength &&
		(s.MultiHop || !r.MultiHop) && (s.External || !r.External)
}

// CachedPath is a (from, to) keyed cache entry. Path is the best route;
// Ranked keeps the full ranked list it was chosen from under Scope.
type CachedPath struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	Path      ConnectionPath   `json:"path"`
	Ranked    []ConnectionPath `json:"ranked,omitempty"`
	Scope     SearchScope      `json:"scope"`
	Strength  int              `json:"strength"`
	Hops      int              `json:"hops"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (c CachedPath) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
