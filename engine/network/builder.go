package network

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/pkg/metrics"
)

const (
	// DefaultMaxGroupSize is the largest group that is fully paired.
	DefaultMaxGroupSize = 50
	// DefaultSampleWindow is how many ID-order successors each member of an
	// oversized group is linked to.
	DefaultSampleWindow = 5

	loadPageSize = 1000
)

// BuildReport is what one full build produced.
type BuildReport struct {
	Persons            int                             `json:"persons"`
	EdgesByType        map[domain.RelationshipType]int `json:"edges_by_type"`
	SkippedByDimension map[domain.Dimension]int        `json:"skipped_by_dimension"`
	SkippedEdges       int                             `json:"skipped_edges"`
	CappedGroups       int                             `json:"capped_groups"`
	Duration           time.Duration                   `json:"duration"`
}

// Total is the number of relationship pairs in the build.
func (r BuildReport) Total() int {
	n := 0
	for _, c := range r.EdgesByType {
		n += c
	}
	return n
}

// Builder compiles Network snapshots. Set the group limits before the first
// build or through Apply.
type Builder struct {
	MaxGroupSize int
	SampleWindow int

	mu      sync.RWMutex
	policy  domain.EdgeWeightPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBuilder creates a builder with the default policy and limits.
func NewBuilder(logger *slog.Logger, m *metrics.Metrics) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		MaxGroupSize: DefaultMaxGroupSize,
		SampleWindow: DefaultSampleWindow,
		policy:       domain.DefaultEdgeWeightPolicy(),
		logger:       logger,
		metrics:      m,
	}
}

// SetPolicy replaces the weight policy. It applies from the next build.
func (b *Builder) SetPolicy(p domain.EdgeWeightPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()
	return nil
}

// Policy returns the policy the next build will use.
func (b *Builder) Policy() domain.EdgeWeightPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

func (b *Builder) settings() settings {
	b.mu.RLock()
	s := settings{policy: b.policy, maxGroupSize: b.MaxGroupSize, sampleWindow: b.SampleWindow}
	b.mu.RUnlock()
	if s.maxGroupSize < 2 {
		s.maxGroupSize = DefaultMaxGroupSize
	}
	if s.sampleWindow < 1 {
		s.sampleWindow = DefaultSampleWindow
	}
	return s
}

// Build compiles persons and explicit edges into a new snapshot. Malformed
// attribute values and dangling edges are skipped and counted.
func (b *Builder) Build(ctx context.Context, persons []domain.Person, edges []domain.Edge) (*Network, BuildReport, error) {
	start := time.Now()
	n := newNetwork(b.settings())
	rep := BuildReport{
		EdgesByType:        make(map[domain.RelationshipType]int),
		SkippedByDimension: make(map[domain.Dimension]int),
	}

	for _, p := range persons {
		if p.ID == "" {
			continue
		}
		n.persons[p.ID] = p
		for _, dim := range domain.GroupingDimensions {
			keys, malformed := p.Keys(dim)
			rep.SkippedByDimension[dim] += malformed
			for _, k := range keys {
				n.joinGroupLocked(dim, k, labelFor(p, dim, k), p.ID)
			}
		}
	}
	rep.Persons = len(n.persons)

	for _, e := range edges {
		// Stored rows come in mirrored pairs; the second row is redundant.
		if _, ok := n.adj[e.From][linkKey{e.To, e.Type}]; ok {
			continue
		}
		if e.From == e.To || !n.addExplicitLocked(e) {
			rep.SkippedEdges++
			continue
		}
		rep.EdgesByType[e.Type]++
	}

	ids := make([]groupID, 0, len(n.groups))
	for gid, g := range n.groups {
		if len(g.members) > 1 {
			ids = append(ids, gid)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].dim != ids[j].dim {
			return ids[i].dim < ids[j].dim
		}
		return ids[i].key < ids[j].key
	})
	for _, gid := range ids {
		if err := ctx.Err(); err != nil {
			return nil, rep, fmt.Errorf("network: build: %w", err)
		}
		g := n.groups[gid]
		members := sortedMembers(g)
		window := len(members)
		if len(members) > n.cfg.maxGroupSize {
			window = n.cfg.sampleWindow
			rep.CappedGroups++
		}
		t := domain.RelationshipFor(gid.dim)
		for i := range members {
			for j := i + 1; j < len(members) && j <= i+window; j++ {
				if n.linkDerivedLocked(members[i], members[j], gid.dim, g.label) {
					rep.EdgesByType[t]++
				}
			}
		}
	}
	n.builtAt = time.Now()
	rep.Duration = time.Since(start)

	byType := make(map[string]int, len(rep.EdgesByType))
	for t, c := range rep.EdgesByType {
		byType[string(t)] = c
	}
	b.metrics.GraphBuilt(byType, rep.Persons, rep.Duration)
	b.logger.Info("graph built",
		"persons", rep.Persons,
		"edges", rep.Total(),
		"skipped_edges", rep.SkippedEdges,
		"capped_groups", rep.CappedGroups,
		"duration", rep.Duration,
	)
	return n, rep, nil
}

// Load reads every person and edge row from store and builds a snapshot.
func (b *Builder) Load(ctx context.Context, store graph.Store) (*Network, BuildReport, error) {
	var persons []domain.Person
	for offset := 0; ; offset += loadPageSize {
		page, err := store.ListPersons(ctx, graph.ListOpts{Offset: offset, Limit: loadPageSize})
		if err != nil {
			return nil, BuildReport{}, fmt.Errorf("network: load persons: %w", err)
		}
		persons = append(persons, page...)
		if len(page) < loadPageSize {
			break
		}
	}
	edges, err := store.ListAllEdges(ctx)
	if err != nil {
		return nil, BuildReport{}, fmt.Errorf("network: load edges: %w", err)
	}
	return b.Build(ctx, persons, edges)
}

// Rebuild loads a fresh snapshot and swaps it into live.
func (b *Builder) Rebuild(ctx context.Context, store graph.Store, live *Network) (BuildReport, error) {
	next, rep, err := b.Load(ctx, store)
	if err != nil {
		return rep, err
	}
	live.Replace(next)
	return rep, nil
}
