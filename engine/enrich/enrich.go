// Package enrich is the boundary to third-party data sources: company and
// person enrichment, family records, social graphs and people search. Every
// call goes through a per-source rate limit and circuit breaker.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/resilience"
)

// Kind classifies what a source can answer.
type Kind string

const (
	KindCompany      Kind = "company"
	KindPerson       Kind = "person"
	KindFamily       Kind = "family"
	KindSocial       Kind = "social"
	KindPeopleSearch Kind = "people_search"
)

// Query is what a source is asked. Sources use the fields they understand.
type Query struct {
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Company  string   `json:"company,omitempty"`
	Domain   string   `json:"domain,omitempty"`
	Title    string   `json:"title,omitempty"`
	Schools  []string `json:"schools,omitempty"`
	PersonID string   `json:"person_id,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Source fetches raw person records from one external provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]validate.RawPerson, error)
}

var (
	// ErrUnknownSource is returned for a source name that was never
	// registered.
	ErrUnknownSource = errors.New("enrich: unknown source")
	// ErrBadQuery is returned when a source rejects the query itself.
	// Retrying it cannot succeed.
	ErrBadQuery = errors.New("enrich: bad query")
)

type entry struct {
	src     Source
	kinds   map[Kind]bool
	breaker *resilience.Breaker
}

// Registry holds the configured sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*entry
	limits  *resilience.SourceLimiter
	log     *slog.Logger
}

// NewRegistry creates an empty registry. A nil limiter leaves every source
// unlimited.
func NewRegistry(limits *resilience.SourceLimiter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if limits == nil {
		limits = resilience.NewSourceLimiter(nil)
	}
	return &Registry{sources: make(map[string]*entry), limits: limits, log: logger}
}

// Register adds src for the given kinds, replacing any source of the same
// name.
func (r *Registry) Register(src Source, kinds ...Kind) {
	e := &entry{src: src, kinds: make(map[Kind]bool, len(kinds))}
	for _, k := range kinds {
		e.kinds[k] = true
	}
	e.breaker = resilience.NewBreaker(resilience.BreakerOpts{
		Name: src.Name(),
		// Rate limits and bad queries say nothing about the source's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, resilience.ErrRateLimited) || errors.Is(err, ErrBadQuery)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			r.log.Warn("enrich: source breaker", "source", name, "from", from.String(), "to", to.String())
		},
	})
	r.mu.Lock()
	r.sources[src.Name()] = e
	r.mu.Unlock()
}

// Names lists registered sources, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for n := range r.sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SourcesFor lists the sources registered for kind, sorted.
func (r *Registry) SourcesFor(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, e := range r.sources {
		if e.kinds[kind] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Fetch calls one source. An exhausted budget fails fast with an error
// wrapping resilience.ErrRateLimited; an open circuit returns
// resilience.ErrCircuitOpen.
func (r *Registry) Fetch(ctx context.Context, source string, q Query) ([]validate.RawPerson, error) {
	r.mu.RLock()
	e, ok := r.sources[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if err := r.limits.Allow(source); err != nil {
		return nil, err
	}
	recs, err := resilience.Do(e.breaker, ctx, func(ctx context.Context) ([]validate.RawPerson, error) {
		return e.src.Fetch(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: %s: %w", source, err)
	}
	r.log.Debug("enrich: fetched", "source", source, "kind", q.Kind, "records", len(recs))
	return recs, nil
}

// FetchKind asks every source of q.Kind and concatenates their records.
// Failing sources are skipped and reported together in the error; records
// from the rest are still returned.
func (r *Registry) FetchKind(ctx context.Context, q Query) ([]validate.RawPerson, error) {
	var (
		out  []validate.RawPerson
		errs []error
	)
	for _, name := range r.SourcesFor(q.Kind) {
		recs, err := r.Fetch(ctx, name, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, recs...)
	}
	return out, errors.Join(errs...)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	SourceName string
	F          func(ctx context.Context, q Query) ([]validate.RawPerson, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Fetch(ctx context.Context, q Query) ([]validate.RawPerson, error) {
	return s.F(ctx, q)
}
