// Package app assembles the warmpath services from a config.Config. The API
// server, the worker and tests share it so every process wires the same
// graph, cache, search and job components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/warmpath/engine/enrich"
	"github.com/WessleyAI/warmpath/engine/explain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/engine/jobs"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/pathcache"
	"github.com/WessleyAI/warmpath/engine/pathfind"
	"github.com/WessleyAI/warmpath/engine/search"
	"github.com/WessleyAI/warmpath/engine/semantic"
	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/config"
	"github.com/WessleyAI/warmpath/pkg/metrics"
	"github.com/WessleyAI/warmpath/pkg/ollama"
	"github.com/WessleyAI/warmpath/pkg/resilience"
)

// MemoryStoreURL selects the in-process graph store instead of Neo4j.
const MemoryStoreURL = "memory"

// App holds the wired services of one process.
type App struct {
	Config  config.Config
	Log     *slog.Logger
	Metrics *metrics.Metrics

	Store    graph.Store
	Builder  *network.Builder
	Network  *network.Network
	Policies network.Policies
	Cache    *pathcache.Cache
	Limiter  *resilience.SourceLimiter
	Sources  *enrich.Registry
	Profiles *semantic.ProfileIndex
	Indexer  *semantic.Indexer
	Ingest   *ingest.Service
	Jobs     *jobs.Coordinator
	Search   *search.Service
	NATS     *nats.Conn

	closers []func(context.Context) error
}

// Option adjusts Open.
type Option func(*openOpts)

type openOpts struct {
	store   graph.Store
	metrics *metrics.Metrics
}

// WithStore uses s instead of connecting to the configured store.
func WithStore(s graph.Store) Option { return func(o *openOpts) { o.store = s } }

// WithMetrics shares a metrics registry.
func WithMetrics(m *metrics.Metrics) Option { return func(o *openOpts) { o.metrics = m } }

// Open connects to the configured backends and builds the in-memory
// network from the store. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	var o openOpts
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	a := &App{Config: cfg, Log: logger, Metrics: o.metrics}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.Store = o.store; a.Store == nil {
		if a.Store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if pool, err = pgxpool.New(ctx, cfg.Postgres.URL); err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("warmpath"))
		if err != nil {
			return nil, fmt.Errorf("app: nats: %w", err)
		}
		a.NATS = nc
		a.onClose(func(context.Context) error { return nc.Drain() })
	}

	if err := a.openCache(ctx, pool); err != nil {
		return nil, err
	}

	a.Policies = network.DefaultPolicies()
	if cfg.PolicyFile != "" {
		if a.Policies, err = network.LoadPolicies(cfg.PolicyFile); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	a.Builder = network.NewBuilder(logger, a.Metrics)
	if err := a.Builder.Apply(a.Policies); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	var rep network.BuildReport
	if a.Network, rep, err = a.Builder.Load(ctx, a.Store); err != nil {
		return nil, fmt.Errorf("app: cold start: %w", err)
	}
	logger.Info("network loaded", "persons", a.Network.Stats().Persons, "edges", rep.Total())

	a.buildSources()

	if err := a.openProfiles(ctx); err != nil {
		return nil, err
	}

	queue, err := a.openQueue(ctx, pool)
	if err != nil {
		return nil, err
	}
	a.Jobs = jobs.NewCoordinator(queue, a.coordinatorOpts()...)

	val := validate.New()
	dedup := validate.NewDeduplicator(a.Store, validate.Thresholds(cfg.Dedup))
	deps := ingest.Deps{
		Store:        a.Store,
		Network:      a.Network,
		Validator:    val,
		Dedup:        dedup,
		Cache:        a.Cache,
		OnNewCompany: a.Jobs.TriggerCompanyDomain(),
		Metrics:      a.Metrics,
		Logger:       logger,
	}
	if a.Indexer != nil {
		deps.Indexer = a.Indexer
	}
	a.Ingest = ingest.New(deps)

	a.Search, err = a.buildSearch(val, dedup)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context) (graph.Store, error) {
	cfg := a.Config.Neo4j
	if cfg.URL == MemoryStoreURL {
		a.Log.Warn("using in-memory graph store; data is lost on exit")
		return graph.NewMemoryStore(), nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.User, cfg.Pass, ""))
	if err != nil {
		return nil, fmt.Errorf("app: neo4j driver: %w", err)
	}
	a.onClose(driver.Close)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("app: neo4j: %w", err)
	}
	gs := graph.New(driver)
	if err := gs.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return gs, nil
}

func (a *App) openCache(ctx context.Context, pool *pgxpool.Pool) error {
	cfg := a.Config.Cache
	var backend pathcache.Backend
	switch cfg.Backend {
	case "badger":
		b, err := pathcache.OpenBadger(pathcache.BadgerConfig{Path: cfg.BadgerPath, Logger: a.Log})
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.onClose(func(context.Context) error { return b.Close() })
		backend = b
	case "postgres":
		if pool == nil {
			return errors.New("app: postgres cache backend needs postgres.url")
		}
		b := pathcache.NewPGBackend(pool)
		if err := b.Migrate(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		backend = b
	default:
		backend = pathcache.NewMemoryBackend()
	}
	opts := []pathcache.Option{
		pathcache.WithTTL(cfg.TTL),
		pathcache.WithMetrics(a.Metrics),
		pathcache.WithLogger(a.Log),
	}
	if a.NATS != nil {
		opts = append(opts, pathcache.WithPublisher(a.NATS))
	}
	a.Cache = pathcache.New(backend, opts...)
	return nil
}

func (a *App) openQueue(ctx context.Context, pool *pgxpool.Pool) (jobs.Queue, error) {
	if a.Config.Jobs.Queue != "postgres" {
		return jobs.NewMemoryQueue(), nil
	}
	if pool == nil {
		return nil, errors.New("app: postgres job queue needs postgres.url")
	}
	q := jobs.NewPGQueue(pool)
	if err := q.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return q, nil
}

func (a *App) coordinatorOpts() []jobs.Option {
	cfg := a.Config.Jobs
	opts := []jobs.Option{
		jobs.WithLimiter(a.Limiter),
		jobs.WithKindResolver(a.Sources),
		jobs.WithConcurrency(cfg.Concurrency),
		jobs.WithPollInterval(cfg.PollInterval),
		jobs.WithMaxAttempts(cfg.MaxAttempts),
		jobs.WithMetrics(a.Metrics),
		jobs.WithLogger(a.Log),
	}
	if a.NATS != nil {
		opts = append(opts, jobs.WithDeadLetter(a.NATS))
	}
	return opts
}

// buildSources registers one HTTP source per configured provider. Every
// fetch spends from a.Limiter, which the coordinator also checks before
// running a job.
func (a *App) buildSources() {
	budgets := make(map[string]resilience.Budget, len(a.Config.Sources))
	for _, s := range a.Config.Sources {
		budgets[s.Name] = s.Budget
	}
	a.Limiter = resilience.NewSourceLimiter(budgets, resilience.WithLimitedHook(a.Metrics.SourceLimited))
	a.Sources = enrich.NewRegistry(a.Limiter, a.Log)
	for _, s := range a.Config.Sources {
		kinds := make([]enrich.Kind, len(s.Kinds))
		for i, k := range s.Kinds {
			kinds[i] = enrich.Kind(k)
		}
		a.Sources.Register(enrich.NewHTTPSource(enrich.HTTPConfig{
			Name:       s.Name,
			BaseURL:    s.BaseURL,
			Path:       s.Path,
			APIKey:     s.APIKey,
			AuthHeader: s.AuthHeader,
			Kinds:      kinds,
			Timeout:    s.Timeout,
		}), kinds...)
	}
	if n := len(a.Config.Sources); n > 0 {
		a.Log.Info("enrichment sources registered", "sources", a.Sources.Names())
	}
}

func (a *App) openProfiles(ctx context.Context) error {
	cfg := a.Config.Qdrant
	if cfg.URL == "" {
		return nil
	}
	ix, err := semantic.New(cfg.URL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.onClose(func(context.Context) error { return ix.Close() })
	if cfg.Dims > 0 {
		if err := ix.EnsureCollection(ctx, cfg.Dims); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	a.Profiles = ix
	a.Indexer = semantic.NewIndexer(ollama.NewEmbedClient(a.Config.Ollama), ix, a.Log)
	return nil
}

func (a *App) buildSearch(val *validate.Validator, dedup *validate.Deduplicator) (*search.Service, error) {
	scorer, err := pathfind.NewScorer(a.Policies.Scoring)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	fopts := []pathfind.FinderOption{
		pathfind.WithScorer(scorer),
		pathfind.WithMetrics(a.Metrics),
		pathfind.WithLogger(a.Log),
	}
	if len(a.Sources.SourcesFor(enrich.KindPeopleSearch)) > 0 {
		fopts = append(fopts, pathfind.WithExternal(&pathfind.External{
			Search:    a.Sources,
			Validator: val,
			Dedup:     dedup,
			Logger:    a.Log,
		}))
	}

	var ropts []semantic.ResolverOption
	ropts = append(ropts, semantic.WithResolverLogger(a.Log))
	if a.Profiles != nil {
		ropts = append(ropts, semantic.WithSemantic(ollama.NewEmbedClient(a.Config.Ollama), a.Profiles))
	}

	var explainer explain.Explainer = explain.Template{}
	if oa := a.Config.OpenAI; oa.APIKey != "" || oa.BaseURL != "" {
		llm, err := explain.NewOpenAIExplainer(explain.OpenAIConfig{
			APIKey:  oa.APIKey,
			BaseURL: oa.BaseURL,
			Model:   oa.Model,
			Timeout: oa.Timeout,
		}, a.Log)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		explainer = explain.Fallback{Primary: llm, Logger: a.Log}
	}

	sc := a.Config.Search
	return search.New(
		pathfind.NewFinder(a.Network, fopts...),
		semantic.NewResolver(a.Store, ropts...),
		search.WithCache(a.Cache),
		search.WithExplainer(explainer),
		search.WithGraph(a.Network),
		search.WithConfig(search.Config{
			Limit:      sc.Limit,
			Timeout:    sc.Timeout,
			ExplainTop: sc.ExplainTop,
			CacheTTL:   a.Config.Cache.TTL,
		}),
		search.WithMetrics(a.Metrics),
		search.WithLogger(a.Log),
	), nil
}

// RegisterJobs installs the built-in job handlers on the coordinator.
func (a *App) RegisterJobs() []string {
	types := jobs.Register(a.Jobs, jobs.Deps{
		Store:       a.Store,
		Network:     a.Network,
		Builder:     a.Builder,
		Ingest:      a.Ingest,
		Sources:     a.Sources,
		Precomputer: a.Search,
		Cache:       a.Cache,
		Logger:      a.Log,
	})
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// WatchPolicies reloads the policy file on change and rebuilds the network
// under the new edge policy. It returns a stop function; with no policy
// file configured it does nothing.
func (a *App) WatchPolicies(ctx context.Context) (func() error, error) {
	if a.Config.PolicyFile == "" {
		return func() error { return nil }, nil
	}
	w, err := network.NewPolicyWatcher(a.Config.PolicyFile, a.Log)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	w.OnChange(func(p network.Policies) {
		if err := a.Builder.Apply(p); err != nil {
			a.Log.Error("policy rejected", "err", err)
			return
		}
		rep, err := a.Builder.Rebuild(ctx, a.Store, a.Network)
		if err != nil {
			a.Log.Error("rebuild after policy change failed", "err", err)
			return
		}
		a.Log.Info("network rebuilt under new policy", "edges", rep.Total())
	})
	return w.Close, nil
}
