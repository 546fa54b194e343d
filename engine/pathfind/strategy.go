// Package pathfind searches the compiled network for introduction paths from
// a source person to one or more targets. Three strategies exist: direct
// neighbors and company matches, bounded multi-hop expansion, and
// externally reported connectors. Path strength is the weakest link.
package pathfind

import (
	"context"
	"errors"
	"math"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/network"
)

// ErrUnknownSource is returned when the source is not in the network.
var ErrUnknownSource = errors.New("pathfind: source not in network")

// Graph is the read side of network.Network used by the strategies.
type Graph interface {
	Person(id string) (domain.Person, bool)
	Neighbors(id string) []network.Link
	Policy() domain.EdgeWeightPolicy
}

// Query is one strategy invocation. Options are already normalized.
type Query struct {
	SourceID string
	Targets  []string
	Options  Options
}

func (q Query) targetSet() map[string]struct{} {
	set := make(map[string]struct{}, len(q.Targets))
	for _, t := range q.Targets {
		if t != q.SourceID {
			set[t] = struct{}{}
		}
	}
	return set
}

// SmartMatch is a single-hop introducer found outside full traversal: a
// direct connection of the source who works where the target works.
type SmartMatch struct {
	Path     domain.ConnectionPath `json:"path"`
	TargetID string                `json:"target_id"`
	Reason   string                `json:"reason"`
}

// Result is what one strategy produced.
type Result struct {
	Strategy     domain.Strategy
	Paths        []domain.ConnectionPath
	SmartMatches []SmartMatch
	// Truncated is set when the result cap stopped the search.
	Truncated bool
}

// Strategy is one search procedure.
type Strategy interface {
	Name() domain.Strategy
	Find(ctx context.Context, g Graph, q Query) (Result, error)
}

// hop is one traversed link.
type hop struct {
	From     string
	To       string
	Type     domain.RelationshipType
	Weight   int
	Evidence domain.Evidence
}

func hopOf(from string, l network.Link) hop {
	return hop{From: from, To: l.Neighbor, Type: l.Type, Weight: l.Weight, Evidence: l.Evidence}
}

// assemble turns a node chain and its hops into a ConnectionPath. Nodes the
// graph does not know are taken from extra.
func assemble(g Graph, ids []string, hops []hop, strategy domain.Strategy, extra map[string]domain.Person) domain.ConnectionPath {
	p := domain.ConnectionPath{
		Nodes:    make([]domain.PathNode, len(ids)),
		Edges:    make([]domain.PathEdge, len(hops)),
		Hops:     len(hops),
		Strategy: strategy,
	}
	for i, id := range ids {
		person, ok := g.Person(id)
		if !ok {
			person = extra[id]
		}
		p.Nodes[i] = domain.PathNode{
			PersonID: id,
			Name:     person.DisplayName(),
			Company:  person.Company,
			Title:    person.Title,
			IsGhost:  person.IsGhost,
		}
	}
	strength := math.MaxInt
	for i, h := range hops {
		pe := domain.PathEdge{From: h.From, To: h.To, Type: h.Type, Weight: h.Weight}
		if h.Evidence != nil {
			pe.Evidence = h.Evidence.Summary()
		}
		p.Edges[i] = pe
		strength = min(strength, h.Weight)
	}
	if len(hops) > 0 {
		p.Strength = strength
	}
	p.Confidence = confidenceOf(hops)
	return p
}

// strongest keeps the heaviest link per neighbor, preserving the
// weight-descending order Neighbors returns.
func strongest(links []network.Link) []network.Link {
	seen := make(map[string]struct{}, len(links))
	out := links[:0:0]
	for _, l := range links {
		if _, ok := seen[l.Neighbor]; ok {
			continue
		}
		seen[l.Neighbor] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Direct finds targets that are explicit or derived neighbors of the
// source, and smart matches: neighbors at a target's company.
type Direct struct{}

func (Direct) Name() domain.Strategy { return domain.StrategyDirect }

func (Direct) Find(ctx context.Context, g Graph, q Query) (Result, error) {
	res := Result{Strategy: domain.StrategyDirect}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	targets := q.targetSet()
	targetsByCompany := make(map[string][]string)
	for _, t := range q.Targets {
		if p, ok := g.Person(t); ok && p.Company != "" {
			key := domain.NormalizeKey(p.Company)
			targetsByCompany[key] = append(targetsByCompany[key], t)
		}
	}

	for _, l := range strongest(g.Neighbors(q.SourceID)) {
		if l.Weight < q.Options.MinStrength {
			continue
		}
		h := []hop{hopOf(q.SourceID, l)}
		if _, ok := targets[l.Neighbor]; ok {
			res.Paths = append(res.Paths, assemble(g, []string{q.SourceID, l.Neighbor}, h, domain.StrategyDirect, nil))
			continue
		}
		n, ok := g.Person(l.Neighbor)
		if !ok || n.Company == "" {
			continue
		}
		for _, t := range targetsByCompany[domain.NormalizeKey(n.Company)] {
			if t == q.SourceID {
				continue
			}
			res.SmartMatches = append(res.SmartMatches, SmartMatch{
				Path:     assemble(g, []string{q.SourceID, l.Neighbor}, h, domain.StrategyDirect, nil),
				TargetID: t,
				Reason:   n.DisplayName() + " works at " + n.Company,
			})
		}
	}
	return res, nil
}

// maxFrontier bounds the number of partial paths held between hops.
const maxFrontier = 200_000

// pathState is one path in progress. Each carries its own visited set so
// concurrent searches share no traversal state.
type pathState struct {
	ids      []string
	hops     []hop
	visited  map[string]struct{}
	strength int
}

func (s *pathState) extend(l network.Link) *pathState {
	next := &pathState{
		ids:      append(append(make([]string, 0, len(s.ids)+1), s.ids...), l.Neighbor),
		hops:     append(append(make([]hop, 0, len(s.hops)+1), s.hops...), hopOf(s.ids[len(s.ids)-1], l)),
		visited:  make(map[string]struct{}, len(s.visited)+1),
		strength: min(s.strength, l.Weight),
	}
	for id := range s.visited {
		next.visited[id] = struct{}{}
	}
	next.visited[l.Neighbor] = struct{}{}
	return next
}

// MultiHop expands breadth-first from the source up to MaxHops, pruning
// links weaker than MinStrength and never revisiting a node on the same
// path. A branch stops at the first target it reaches. The search ends when
// MaxResults paths are found. Cancellation is checked at every hop.
type MultiHop struct{}

func (MultiHop) Name() domain.Strategy { return domain.StrategyMultiHop }

func (MultiHop) Find(ctx context.Context, g Graph, q Query) (Result, error) {
	res := Result{Strategy: domain.StrategyMultiHop}
	targets := q.targetSet()
	if len(targets) == 0 {
		return res, nil
	}
	frontier := []*pathState{{
		ids:      []string{q.SourceID},
		visited:  map[string]struct{}{q.SourceID: {}},
		strength: math.MaxInt,
	}}

	for depth := 1; depth <= q.Options.MaxHops && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var next []*pathState
		for _, st := range frontier {
			last := st.ids[len(st.ids)-1]
			for _, l := range strongest(g.Neighbors(last)) {
				if l.Weight < q.Options.MinStrength {
					continue
				}
				if _, seen := st.visited[l.Neighbor]; seen {
					continue
				}
				ext := st.extend(l)
				if _, hit := targets[l.Neighbor]; hit {
					res.Paths = append(res.Paths, assemble(g, ext.ids, ext.hops, domain.StrategyMultiHop, nil))
					if len(res.Paths) >= q.Options.MaxResults {
						res.Truncated = true
						return res, nil
					}
					continue
				}
				if depth < q.Options.MaxHops && len(next) < maxFrontier {
					next = append(next, ext)
				}
			}
		}
		frontier = next
	}
	return res, nil
}
