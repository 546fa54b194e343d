// Package rank merges candidates from every search strategy into one
// deterministic, capped list with a single entry per target.
package rank

import (
	"sort"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/pathfind"
)

// DefaultLimit is the result size when none is given.
const DefaultLimit = 10

// Kind tells a graph path from a smart match.
type Kind string

const (
	KindPath       Kind = "path"
	KindSmartMatch Kind = "smart_match"
)

// Candidate is the unified shape of a ranked result.
type Candidate struct {
	TargetID string                `json:"target_id"`
	Kind     Kind                  `json:"kind"`
	Path     domain.ConnectionPath `json:"path"`
	Score    float64               `json:"score"`
	Hops     int                   `json:"hops"`
	Strategy domain.Strategy       `json:"strategy"`
	Reason   string                `json:"reason,omitempty"`
}

// FromPaths converts strategy paths. The target is the last node.
func FromPaths(paths []domain.ConnectionPath) []Candidate {
	out := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		out = append(out, Candidate{
			TargetID: p.TargetID(),
			Kind:     KindPath,
			Path:     p,
			Score:    p.Score,
			Hops:     p.Hops,
			Strategy: p.Strategy,
		})
	}
	return out
}

// FromSmartMatches converts smart matches. The target is the person the
// match introduces toward, not the last node of its path.
func FromSmartMatches(ms []pathfind.SmartMatch) []Candidate {
	out := make([]Candidate, 0, len(ms))
	for _, m := range ms {
		out = append(out, Candidate{
			TargetID: m.TargetID,
			Kind:     KindSmartMatch,
			Path:     m.Path,
			Score:    m.Path.Score,
			Hops:     m.Path.Hops,
			Strategy: m.Path.Strategy,
			Reason:   m.Reason,
		})
	}
	return out
}

// less orders by score descending, then hops, target ID and path key
// ascending. Kind breaks the last tie so paths precede smart matches.
func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Hops != b.Hops {
		return a.Hops < b.Hops
	}
	if a.TargetID != b.TargetID {
		return a.TargetID < b.TargetID
	}
	if ka, kb := a.Path.Key(), b.Path.Key(); ka != kb {
		return ka < kb
	}
	return a.Kind < b.Kind
}

// Merge unifies lists, keeps the best candidate per target and returns the
// top limit (DefaultLimit when limit <= 0). Identical inputs in any order
// give identical output.
func Merge(limit int, lists ...[]Candidate) []Candidate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	best := make(map[string]Candidate)
	for _, list := range lists {
		for _, c := range list {
			if c.TargetID == "" {
				continue
			}
			if cur, ok := best[c.TargetID]; !ok || less(c, cur) {
				best[c.TargetID] = c
			}
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Split separates merged candidates into paths and smart matches, keeping
// their order.
func Split(cs []Candidate) (paths []domain.ConnectionPath, smart []pathfind.SmartMatch) {
	for _, c := range cs {
		switch c.Kind {
		case KindSmartMatch:
			smart = append(smart, pathfind.SmartMatch{Path: c.Path, TargetID: c.TargetID, Reason: c.Reason})
		default:
			paths = append(paths, c.Path)
		}
	}
	return paths, smart
}

// Order sorts a copy of cs without merging by target, dropping repeated
// routes, and caps it at limit (no cap when limit <= 0).
func Order(cs []Candidate, limit int) []Candidate {
	seen := make(map[string]struct{}, len(cs))
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		k := string(c.Kind) + "|" + c.Path.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
