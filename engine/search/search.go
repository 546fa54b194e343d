// Package search answers warm-introduction queries: it resolves the target,
// consults the path cache, runs the path finder and ranks what comes back.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/explain"
	"github.com/WessleyAI/warmpath/engine/pathcache"
	"github.com/WessleyAI/warmpath/engine/pathfind"
	"github.com/WessleyAI/warmpath/engine/rank"
	"github.com/WessleyAI/warmpath/engine/semantic"
	"github.com/WessleyAI/warmpath/pkg/metrics"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultExplainTop = 3
	// PrecomputeTargets caps how many people one precompute run caches
	// paths toward when no targets are given.
	PrecomputeTargets = 200

	// NoResultStrategy starts the strategy text of an empty response.
	NoResultStrategy = "no warm connections found"
)

var (
	ErrInvalidRequest = errors.New("search: invalid request")
	ErrUnknownSource  = errors.New("search: unknown source")
	// ErrStore wraps backing-store failures. They fail the search; they are
	// never reported as an empty result.
	ErrStore = errors.New("search: store error")
)

// Request is one search.
type Request struct {
	SourceID      string           `json:"source_id" validate:"required,max=128"`
	TargetName    string           `json:"target_name,omitempty" validate:"required_without_all=TargetCompany TargetID,max=200"`
	TargetCompany string           `json:"target_company,omitempty" validate:"max=200"`
	TargetTitle   string           `json:"target_title,omitempty" validate:"max=200"`
	TargetID      string           `json:"target_id,omitempty" validate:"max=128"`
	Mode          pathfind.Mode    `json:"mode,omitempty" validate:"omitempty,oneof=direct multi_hop comprehensive"`
	Options       pathfind.Options `json:"options"`
	Limit         int              `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

// Response is a search result. A response with Found false is a valid
// answer, not a failure.
type Response struct {
	Found            bool                    `json:"found"`
	Paths            []domain.ConnectionPath `json:"paths"`
	SmartMatches     []pathfind.SmartMatch   `json:"smart_matches"`
	Alternatives     []domain.ConnectionPath `json:"alternatives,omitempty"`
	TotalResults     int                     `json:"total_results"`
	ProcessingTimeMS int64                   `json:"processing_time_ms"`
	Strategy         string                  `json:"strategy"`
	Strategies       []domain.Strategy       `json:"strategies,omitempty"`
	ResolvedBy       semantic.Method         `json:"resolved_by,omitempty"`
	Cached           bool                    `json:"cached"`
	Suggestions      []string                `json:"suggestions,omitempty"`
	Warnings         []string                `json:"warnings,omitempty"`
}

// Finder runs the search strategies.
type Finder interface {
	Find(ctx context.Context, sourceID string, targets []string, mode pathfind.Mode, opts pathfind.Options) (pathfind.Outcome, error)
}

// Resolver turns a target description into person IDs.
type Resolver interface {
	Resolve(ctx context.Context, t semantic.Target) (semantic.Resolution, error)
}

// Scoper is implemented by finders that can report the bounds a search
// covers. Without it the requested bounds are taken at face value.
type Scoper interface {
	Scope(mode pathfind.Mode, opts pathfind.Options) domain.SearchScope
}

// PathCache stores the best path and ranked alternatives per pair. Epoch
// is read before a search runs and handed back to Put, which drops the
// write if an invalidation landed in between.
type PathCache interface {
	Get(ctx context.Context, from, to string) (domain.CachedPath, bool)
	Put(ctx context.Context, e domain.CachedPath, ttl time.Duration, since uint64) error
	Epoch() uint64
}

// Config tunes a Service.
type Config struct {
	Limit          int           `mapstructure:"limit" yaml:"limit"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ExplainTop     int           `mapstructure:"explain_top" yaml:"explain_top"`
	ExplainWorkers int           `mapstructure:"explain_workers" yaml:"explain_workers"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// Service answers searches.
type Service struct {
	finder   Finder
	resolver Resolver
	graph    pathfind.Graph
	cache    PathCache
	explain  explain.Explainer
	cfg      Config
	validate *validator.Validate
	group    singleflight.Group
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the path cache.
func WithCache(c PathCache) Option { return func(s *Service) { s.cache = c } }

// WithExplainer writes explanations for the top paths.
func WithExplainer(e explain.Explainer) Option { return func(s *Service) { s.explain = e } }

// WithGraph lets Precompute discover targets around a source.
func WithGraph(g pathfind.Graph) Option { return func(s *Service) { s.graph = g } }

// WithConfig sets tuning values; zero fields keep their defaults.
func WithConfig(c Config) Option { return func(s *Service) { s.cfg = c } }

// WithMetrics records search latency.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// New creates a Service. Explanations default to the template.
func New(f Finder, r Resolver, opts ...Option) *Service {
	s := &Service{
		finder:   f,
		resolver: r,
		explain:  explain.Template{},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.Limit <= 0 {
		s.cfg.Limit = rank.DefaultLimit
	}
	if s.cfg.Timeout <= 0 {
		s.cfg.Timeout = DefaultTimeout
	}
	if s.cfg.ExplainTop <= 0 {
		s.cfg.ExplainTop = DefaultExplainTop
	}
	if s.cfg.ExplainWorkers <= 0 {
		s.cfg.ExplainWorkers = s.cfg.ExplainTop
	}
	return s
}

// Validate checks req without running it.
func (s *Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Search runs req.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := s.search(ctx, req)
	resp.ProcessingTimeMS = time.Since(start).Milliseconds()

	outcome := "found"
	switch {
	case err != nil:
		outcome = "error"
	case !resp.Found:
		outcome = "empty"
	}
	mode := req.Mode
	if mode == "" {
		mode = pathfind.ModeComprehensive
	}
	s.metrics.ObserveSearch(string(mode), outcome, start)
	if err != nil {
		s.log.Error("search failed", "source_id", req.SourceID, "target", req.TargetName, "err", err)
		return resp, err
	}
	s.log.Info("search done", "source_id", req.SourceID, "found", resp.Found,
		"results", resp.TotalResults, "cached", resp.Cached, "ms", resp.ProcessingTimeMS)
	return resp, nil
}

func (s *Service) search(ctx context.Context, req Request) (Response, error) {
	if err := s.Validate(req); err != nil {
		return Response{}, err
	}
	mode, err := pathfind.ParseMode(string(req.Mode))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Mode = mode
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, semantic.Target{
		ID:      req.TargetID,
		Name:    req.TargetName,
		Company: req.TargetCompany,
		Title:   req.TargetTitle,
	})
	switch {
	case errors.Is(err, semantic.ErrNoCriteria):
		return Response{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case err != nil:
		return Response{}, fmt.Errorf("%w: resolve target: %w", ErrStore, err)
	}
	targets := make([]string, 0, len(res.IDs))
	for _, id := range res.IDs {
		if id != req.SourceID {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		resp := s.empty(req, "no person matches the target")
		resp.ResolvedBy = res.Method
		return resp, nil
	}

	if len(targets) == 1 && s.cache != nil {
		if e, ok := s.cache.Get(ctx, req.SourceID, targets[0]); ok {
			if resp, ok := fromCache(e, s.scope(mode, req.Options), mode, req.Options.Normalize(), s.limit(req)); ok {
				resp.ResolvedBy = res.Method
				return resp, nil
			}
		}
	}

	out, err := s.find(ctx, req.SourceID, targets, mode, req.Options)
	if err != nil {
		return Response{}, err
	}
	resp := s.assemble(ctx, req, targets, out)
	resp.ResolvedBy = res.Method
	return resp, nil
}

func (s *Service) limit(req Request) int {
	if req.Limit > 0 {
		return req.Limit
	}
	return s.cfg.Limit
}

// scope is what a search with mode and opts covers.
func (s *Service) scope(mode pathfind.Mode, opts pathfind.Options) domain.SearchScope {
	if sc, ok := s.finder.(Scoper); ok {
		return sc.Scope(mode, opts)
	}
	opts = opts.Normalize()
	return domain.SearchScope{
		MultiHop:    mode != pathfind.ModeDirect,
		External:    mode != pathfind.ModeDirect && (mode == pathfind.ModeComprehensive || opts.EnableExternal),
		MaxHops:     opts.MaxHops,
		MinStrength: opts.MinStrength,
	}
}

// found is a finder outcome with the cache epoch read before it ran.
type found struct {
	pathfind.Outcome
	epoch uint64
}

// find runs the finder, sharing one run among identical concurrent calls.
func (s *Service) find(ctx context.Context, source string, targets []string, mode pathfind.Mode, opts pathfind.Options) (found, error) {
	key := fmt.Sprintf("%s|%s|%s|%+v", source, strings.Join(targets, ","), mode, opts.Normalize())
	v, err, _ := s.group.Do(key, func() (any, error) {
		var epoch uint64
		if s.cache != nil {
			epoch = s.cache.Epoch()
		}
		out, err := s.finder.Find(ctx, source, targets, mode, opts)
		return found{Outcome: out, epoch: epoch}, err
	})
	switch {
	case errors.Is(err, pathfind.ErrUnknownSource):
		return found{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	case err != nil:
		return found{}, fmt.Errorf("search: find: %w", err)
	}
	return v.(found), nil
}

// store caches best with its ranked alternatives. A write overtaken by an
// invalidation is skipped quietly.
func (s *Service) store(ctx context.Context, e domain.CachedPath, since uint64) error {
	err := s.cache.Put(ctx, e, s.cfg.CacheTTL, since)
	if errors.Is(err, pathcache.ErrStale) {
		s.log.Debug("search: cache put skipped, graph changed", "source_id", e.From, "target_id", e.To)
		return nil
	}
	return err
}

// assemble ranks an outcome into a response, explains the top paths and
// caches single-target answers.
func (s *Service) assemble(ctx context.Context, req Request, targets []string, out found) Response {
	limit := s.limit(req)
	merged := rank.Merge(limit, rank.FromPaths(out.Paths), rank.FromSmartMatches(out.SmartMatches))
	paths, smart := rank.Split(merged)
	explain.Annotate(ctx, s.explain, paths, s.cfg.ExplainTop, s.cfg.ExplainWorkers)

	resp := Response{
		Paths:        nonNil(paths),
		SmartMatches: nonNilMatches(smart),
		Strategies:   out.Strategies,
		Warnings:     out.Warnings,
	}
	if out.Truncated {
		resp.Warnings = append(resp.Warnings, "result cap reached; some paths may be missing")
	}
	if len(merged) == 0 {
		e := s.empty(req, "no path under current constraints")
		e.Strategies, e.Warnings = resp.Strategies, resp.Warnings
		return e
	}
	resp.Found = true
	resp.TotalResults = len(merged)
	resp.Strategy = describe(merged[0].Path, len(merged))

	if len(targets) != 1 || merged[0].Kind != rank.KindPath {
		return resp
	}
	resp.Alternatives = alternatives(out.Paths, paths[0], limit-1)
	if s.cache != nil && len(out.Failed) == 0 && !out.Truncated {
		e := domain.CachedPath{
			From:   req.SourceID,
			To:     targets[0],
			Path:   paths[0],
			Ranked: append([]domain.ConnectionPath{paths[0]}, resp.Alternatives...),
			Scope:  s.scope(req.Mode, req.Options),
		}
		if err := s.store(ctx, e, out.epoch); err != nil {
			s.log.Warn("search: cache put", "source_id", req.SourceID, "target_id", targets[0], "err", err)
		}
	}
	return resp
}

// alternatives are the other routes to best's target, best first.
func alternatives(all []domain.ConnectionPath, best domain.ConnectionPath, limit int) []domain.ConnectionPath {
	if limit <= 0 {
		return nil
	}
	var same []domain.ConnectionPath
	for _, p := range all {
		if p.TargetID() == best.TargetID() && p.Key() != best.Key() {
			same = append(same, p)
		}
	}
	var out []domain.ConnectionPath
	for _, c := range rank.Order(rank.FromPaths(same), limit) {
		out = append(out, c.Path)
	}
	return out
}

// fromCache rebuilds a response from a cache entry. The entry is used only
// if it was computed under bounds at least as broad as the request's and
// its best path still satisfies the request's mode and bounds.
func fromCache(e domain.CachedPath, scope domain.SearchScope, mode pathfind.Mode, opts pathfind.Options, limit int) (Response, bool) {
	if !e.Scope.Covers(scope) {
		return Response{}, false
	}
	fits := func(p domain.ConnectionPath) bool {
		if p.Hops > opts.MaxHops || p.Strength < opts.MinStrength {
			return false
		}
		if mode == pathfind.ModeDirect && p.Hops != 1 {
			return false
		}
		return p.Strategy != domain.StrategyExternal || mode == pathfind.ModeComprehensive || opts.EnableExternal
	}
	if !fits(e.Path) {
		return Response{}, false
	}
	var alts []domain.ConnectionPath
	for _, p := range e.Ranked {
		if p.Key() == e.Path.Key() || !fits(p) {
			continue
		}
		if len(alts) == limit-1 {
			break
		}
		alts = append(alts, p)
	}
	return Response{
		Found:        true,
		Paths:        []domain.ConnectionPath{e.Path},
		SmartMatches: []pathfind.SmartMatch{},
		Alternatives: alts,
		TotalResults: 1,
		Strategy:     describe(e.Path, 1),
		Strategies:   []domain.Strategy{domain.StrategyCache},
		Cached:       true,
	}, true
}

// empty is the no-result response with suggestions for req.
func (s *Service) empty(req Request, reason string) Response {
	resp := Response{
		Paths:        []domain.ConnectionPath{},
		SmartMatches: []pathfind.SmartMatch{},
		Strategy:     NoResultStrategy + ": " + reason + ", consider expanding the search",
	}
	opts := req.Options.Normalize()
	if opts.MaxHops < pathfind.MaxHopsLimit || !opts.IncludeWeakTies {
		resp.Suggestions = append(resp.Suggestions, "Broaden the search: allow more hops or include weak ties.")
	}
	if req.TargetName != "" && req.TargetCompany != "" {
		resp.Suggestions = append(resp.Suggestions, fmt.Sprintf("Try a company-only search for %s.", req.TargetCompany))
	}
	if req.Mode != pathfind.ModeComprehensive && !opts.EnableExternal {
		resp.Suggestions = append(resp.Suggestions, "Use comprehensive mode to include external enrichment.")
	}
	resp.Suggestions = append(resp.Suggestions, "Build more connections first: import contacts or link a social profile.")
	return resp
}

func describe(top domain.ConnectionPath, total int) string {
	noun := "connections"
	if total == 1 {
		noun = "connection"
	}
	target := top.TargetID()
	if n := len(top.Nodes); n > 0 && top.Nodes[n-1].Name != "" {
		target = top.Nodes[n-1].Name
	}
	return fmt.Sprintf("%d warm %s found; best is a %d-hop %s path to %s, weakest link %d/100",
		total, noun, top.Hops, strings.ReplaceAll(string(top.Strategy), "_", "-"), target, top.Strength)
}

func nonNil(ps []domain.ConnectionPath) []domain.ConnectionPath {
	if ps == nil {
		return []domain.ConnectionPath{}
	}
	return ps
}

func nonNilMatches(ms []pathfind.SmartMatch) []pathfind.SmartMatch {
	if ms == nil {
		return []pathfind.SmartMatch{}
	}
	return ms
}
