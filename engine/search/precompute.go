package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/explain"
	"github.com/WessleyAI/warmpath/engine/pathcache"
	"github.com/WessleyAI/warmpath/engine/pathfind"
	"github.com/WessleyAI/warmpath/engine/rank"
)

// PrecomputeMaxResults is the path cap of one precompute run.
const PrecomputeMaxResults = 1000

// Precompute runs a multi-hop search from sourceID and caches the best path
// and alternatives per reachable target. With no targets it caches toward
// the people within maxHops of the source, nearest first, up to
// PrecomputeTargets. It returns how many entries were written.
func (s *Service) Precompute(ctx context.Context, sourceID string, targetIDs []string, maxHops int) (int, error) {
	if s.cache == nil {
		return 0, errors.New("search: precompute needs a cache")
	}
	opts := pathfind.Options{MaxHops: maxHops, MaxResults: PrecomputeMaxResults}.Normalize()
	if len(targetIDs) == 0 {
		if s.graph == nil {
			return 0, errors.New("search: precompute without targets needs a graph")
		}
		targetIDs = around(s.graph, sourceID, opts.MaxHops, PrecomputeTargets)
	}
	if len(targetIDs) == 0 {
		return 0, nil
	}

	out, err := s.find(ctx, sourceID, targetIDs, pathfind.ModeMultiHop, opts)
	if err != nil {
		return 0, err
	}
	if len(out.Failed) > 0 {
		return 0, fmt.Errorf("search: precompute %s: %v", sourceID, out.Warnings)
	}
	if out.Truncated {
		s.log.Warn("search: precompute hit the result cap, nothing cached", "source_id", sourceID, "targets", len(targetIDs))
		return 0, nil
	}
	scope := s.scope(pathfind.ModeMultiHop, opts)

	byTarget := make(map[string][]domain.ConnectionPath)
	for _, p := range out.Paths {
		byTarget[p.TargetID()] = append(byTarget[p.TargetID()], p)
	}
	best := make([]domain.ConnectionPath, 0, len(byTarget))
	for _, c := range rank.Merge(len(byTarget), rank.FromPaths(out.Paths)) {
		best = append(best, c.Path)
	}
	explain.Annotate(ctx, s.explain, best, len(best), s.cfg.ExplainWorkers)

	written := 0
	for _, b := range best {
		e := domain.CachedPath{
			From:   sourceID,
			To:     b.TargetID(),
			Path:   b,
			Ranked: append([]domain.ConnectionPath{b}, alternatives(byTarget[b.TargetID()], b, s.cfg.Limit-1)...),
			Scope:  scope,
		}
		err := s.cache.Put(ctx, e, s.cfg.CacheTTL, out.epoch)
		if errors.Is(err, pathcache.ErrStale) {
			s.log.Debug("search: precompute stopped, graph changed", "source_id", sourceID, "cached", written)
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("search: precompute %s: %w", sourceID, err)
		}
		written++
	}
	s.log.Debug("search: precomputed", "source_id", sourceID, "targets", len(targetIDs), "cached", written)
	return written, nil
}

// around lists people within hops of source in breadth-first order.
func around(g pathfind.Graph, source string, hops, limit int) []string {
	seen := map[string]bool{source: true}
	frontier := []string{source}
	var out []string
	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, l := range g.Neighbors(id) {
				if seen[l.Neighbor] {
					continue
				}
				seen[l.Neighbor] = true
				next = append(next, l.Neighbor)
				out = append(out, l.Neighbor)
				if len(out) == limit {
					return out
				}
			}
		}
		frontier = next
	}
	return out
}
