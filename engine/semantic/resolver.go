package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
)

const (
	DefaultLimit    = 20
	DefaultMinScore = 0.75
)

// Method says how a target was resolved.
type Method string

const (
	MethodID       Method = "id"
	MethodName     Method = "name"
	MethodCompany  Method = "company"
	MethodSemantic Method = "semantic"
	MethodNone     Method = "none"
)

// ErrNoCriteria means the target carries nothing to resolve by.
var ErrNoCriteria = errors.New("semantic: target has no id, name or company")

// Lookup is the part of the record store the resolver reads.
type Lookup interface {
	GetPerson(ctx context.Context, id string) (domain.Person, error)
	FindByName(ctx context.Context, name string, limit int) ([]domain.Person, error)
	ListPersonsByAttribute(ctx context.Context, dim domain.Dimension, value string) ([]domain.Person, error)
}

// Target describes who a search is looking for.
type Target struct {
	ID      string
	Name    string
	Company string
	Title   string
}

// Resolution is the outcome of resolving a Target.
type Resolution struct {
	IDs    []string
	Method Method
}

// Resolver turns a Target into person IDs: the store first, profile
// similarity second.
type Resolver struct {
	store    Lookup
	embed    Embedder
	index    profileStore
	limit    int
	minScore float32
	log      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSemantic enables the similarity fallback.
func WithSemantic(e Embedder, ix profileStore) ResolverOption {
	return func(r *Resolver) { r.embed, r.index = e, ix }
}

// WithLimit caps how many IDs a resolution returns.
func WithLimit(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithMinScore sets the similarity a fallback match needs.
func WithMinScore(s float32) ResolverOption {
	return func(r *Resolver) { r.minScore = s }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// NewResolver creates a Resolver over store.
func NewResolver(store Lookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, limit: DefaultLimit, minScore: DefaultMinScore, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the people t describes. An unresolvable target is an empty
// Resolution, not an error; store failures are errors. A failing
// similarity fallback is logged and treated as no match.
func (r *Resolver) Resolve(ctx context.Context, t Target) (Resolution, error) {
	if t.ID != "" {
		_, err := r.store.GetPerson(ctx, t.ID)
		switch {
		case err == nil:
			return Resolution{IDs: []string{t.ID}, Method: MethodID}, nil
		case graph.IsNotFound(err):
			return Resolution{Method: MethodNone}, nil
		default:
			return Resolution{}, fmt.Errorf("semantic: get %s: %w", t.ID, err)
		}
	}
	if strings.TrimSpace(t.Name) == "" && strings.TrimSpace(t.Company) == "" {
		return Resolution{}, ErrNoCriteria
	}

	var (
		persons []domain.Person
		method  Method
		err     error
	)
	if strings.TrimSpace(t.Name) != "" {
		method = MethodName
		persons, err = r.store.FindByName(ctx, t.Name, r.limit*4)
	} else {
		method = MethodCompany
		persons, err = r.store.ListPersonsByAttribute(ctx, domain.DimCompany, t.Company)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("semantic: lookup %s: %w", method, err)
	}
	if ids := r.filter(persons, t); len(ids) > 0 {
		return Resolution{IDs: ids, Method: method}, nil
	}

	ids := r.similar(ctx, t)
	if len(ids) == 0 {
		return Resolution{Method: MethodNone}, nil
	}
	return Resolution{IDs: ids, Method: MethodSemantic}, nil
}

// filter keeps persons consistent with t's company and title.
func (r *Resolver) filter(persons []domain.Person, t Target) []string {
	company := domain.NormalizeKey(t.Company)
	title := domain.NormalizeKey(t.Title)
	var ids []string
	for _, p := range persons {
		if company != "" && !strings.Contains(domain.NormalizeKey(p.Company), company) {
			continue
		}
		if title != "" && !strings.Contains(domain.NormalizeKey(p.Title), title) {
			continue
		}
		ids = append(ids, p.ID)
		if len(ids) == r.limit {
			break
		}
	}
	return ids
}

func (r *Resolver) similar(ctx context.Context, t Target) []string {
	if r.embed == nil || r.index == nil {
		return nil
	}
	text := ProfileText(domain.Person{Name: t.Name, Company: t.Company, Title: t.Title})
	vec, err := r.embed.Embed(ctx, text)
	if err != nil {
		r.log.Warn("semantic: embed target", "text", text, "err", err)
		return nil
	}
	var filters map[string]string
	if t.Company != "" {
		filters = map[string]string{"company_key": domain.NormalizeKey(t.Company)}
	}
	matches, err := r.index.SimilarProfiles(ctx, vec, r.limit, filters)
	if err != nil {
		r.log.Warn("semantic: similar profiles", "text", text, "err", err)
		return nil
	}
	var ids []string
	for _, m := range matches {
		if m.Score >= r.minScore {
			ids = append(ids, m.PersonID)
		}
	}
	return ids
}
