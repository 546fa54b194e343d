package pathfind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/fn"
	"github.com/WessleyAI/warmpath/pkg/metrics"
)

// Outcome is the joined result of every strategy that ran.
type Outcome struct {
	Paths        []domain.ConnectionPath
	SmartMatches []SmartMatch
	Strategies   []domain.Strategy
	Failed       []domain.Strategy
	Warnings     []string
	Truncated    bool
}

// Finder runs the strategies a mode calls for concurrently and scores what
// they return.
type Finder struct {
	graph    Graph
	direct   Strategy
	multiHop Strategy
	external Strategy
	scorer   *Scorer
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// FinderOption configures a Finder.
type FinderOption func(*Finder)

// WithExternal enables the external strategy.
func WithExternal(s Strategy) FinderOption {
	return func(f *Finder) { f.external = s }
}

// WithScorer replaces the default scorer.
func WithScorer(s *Scorer) FinderOption {
	return func(f *Finder) { f.scorer = s }
}

// WithMetrics records strategy failures.
func WithMetrics(m *metrics.Metrics) FinderOption {
	return func(f *Finder) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FinderOption {
	return func(f *Finder) { f.log = l }
}

// NewFinder creates a Finder over g.
func NewFinder(g Graph, opts ...FinderOption) *Finder {
	f := &Finder{
		graph:    g,
		direct:   Direct{},
		multiHop: MultiHop{},
		scorer:   DefaultScorer(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Scorer returns the scorer in use.
func (f *Finder) Scorer() *Scorer { return f.scorer }

// Scope reports the bounds a Find with mode and opts searches. Every path
// it can return lies within them.
func (f *Finder) Scope(mode Mode, opts Options) domain.SearchScope {
	opts = opts.Normalize()
	return domain.SearchScope{
		MultiHop:    mode != ModeDirect,
		External:    mode != ModeDirect && f.external != nil && (mode == ModeComprehensive || opts.EnableExternal),
		MaxHops:     opts.MaxHops,
		MinStrength: opts.MinStrength,
	}
}

// strategies picks what runs for mode. Direct always runs; external runs in
// comprehensive mode or when asked for, and only if configured.
func (f *Finder) strategies(mode Mode, opts Options) []Strategy {
	out := []Strategy{f.direct}
	if mode == ModeDirect {
		return out
	}
	out = append(out, f.multiHop)
	if f.external != nil && (mode == ModeComprehensive || opts.EnableExternal) {
		out = append(out, f.external)
	}
	return out
}

// Find searches from sourceID toward targets. Finding nothing is not an
// error. A failing strategy is reported in Failed and Warnings while the
// others' results are kept; the error is returned only when every strategy
// failed or ctx ended.
func (f *Finder) Find(ctx context.Context, sourceID string, targets []string, mode Mode, opts Options) (Outcome, error) {
	if _, ok := f.graph.Person(sourceID); !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	q := Query{SourceID: sourceID, Targets: targets, Options: opts.Normalize()}
	strats := f.strategies(mode, q.Options)

	runs := make([]func() fn.Result[Result], len(strats))
	for i, s := range strats {
		stage := fn.TracedStage("pathfind."+string(s.Name()), func(ctx context.Context, q Query) fn.Result[Result] {
			return fn.FromPair(s.Find(ctx, f.graph, q))
		})
		runs[i] = func() (r fn.Result[Result]) {
			defer func() {
				if v := recover(); v != nil {
					r = fn.Errf[Result]("panic: %v", v)
				}
			}()
			return stage(ctx, q)
		}
	}
	results := fn.FanOut(runs...)

	var out Outcome
	var errs []error
	for i, r := range results {
		name := strats[i].Name()
		res, err := r.Unwrap()
		if err != nil {
			errs = append(errs, err)
			out.Failed = append(out.Failed, name)
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s strategy failed: %v", name, err))
			f.metrics.StrategyFailed(string(name))
			f.log.Warn("pathfind: strategy failed", "strategy", name, "source_id", sourceID, "err", err)
			continue
		}
		out.Strategies = append(out.Strategies, name)
		out.Truncated = out.Truncated || res.Truncated
		for _, p := range res.Paths {
			p.Score = f.scorer.Score(p)
			out.Paths = append(out.Paths, p)
		}
		for _, m := range res.SmartMatches {
			m.Path.Score = f.scorer.Score(m.Path)
			out.SmartMatches = append(out.SmartMatches, m)
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if len(out.Strategies) == 0 {
		return out, fmt.Errorf("pathfind: all strategies failed: %w", errors.Join(errs...))
	}
	f.log.Debug("pathfind: done", "source_id", sourceID, "targets", len(targets),
		"paths", len(out.Paths), "smart_matches", len(out.SmartMatches), "strategies", out.Strategies)
	return out, nil
}
