package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/enrich"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/validate"
)

// Fetcher is the enrichment boundary the handlers call.
type Fetcher interface {
	Fetch(ctx context.Context, source string, q enrich.Query) ([]validate.RawPerson, error)
	FetchKind(ctx context.Context, q enrich.Query) ([]validate.RawPerson, error)
}

// Precomputer computes and caches ranked paths from a source person.
type Precomputer interface {
	Precompute(ctx context.Context, sourceID string, targetIDs []string, maxHops int) (int, error)
}

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Invalidator drops cached paths touching a person.
type Invalidator interface {
	Invalidate(ctx context.Context, personID string) error
}

// Deps are the collaborators of the built-in handlers. A handler whose
// dependencies are missing is not registered.
type Deps struct {
	Store       graph.Store
	Network     *network.Network
	Builder     *network.Builder
	Ingest      *ingest.Service
	Sources     Fetcher
	Precomputer Precomputer
	Cache       interface {
		Sweeper
		Invalidator
	}
	Logger *slog.Logger
}

type handlers struct {
	Deps
	log *slog.Logger
}

// Register installs the built-in handlers on c and returns the job types
// that were registered.
func Register(c *Coordinator, d Deps) []domain.JobType {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{Deps: d, log: d.Logger}
	var types []domain.JobType
	add := func(t domain.JobType, f Handler) {
		c.Handle(t, f)
		types = append(types, t)
	}
	if d.Sources != nil && d.Ingest != nil {
		add(domain.JobCompanyEnrichment, h.companyEnrichment)
	}
	if d.Sources != nil && d.Ingest != nil && d.Store != nil {
		add(domain.JobPersonEnrichment, h.personEnrichment)
	}
	if d.Precomputer != nil {
		add(domain.JobPathPrecompute, h.pathPrecompute)
	}
	if d.Store != nil {
		add(domain.JobRelationshipReanalysis, h.reanalyze)
	}
	if d.Builder != nil && d.Store != nil && d.Network != nil {
		add(domain.JobGraphRebuild, h.rebuild)
	}
	if d.Cache != nil {
		add(domain.JobCacheSweep, h.sweep)
	}
	return types
}

func payloadAs[T domain.JobPayload](j domain.Job) (T, error) {
	p, ok := j.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: payload %T for %s", ErrPermanent, j.Payload, j.Type)
	}
	return p, nil
}

// fetch queries the named sources, or every source of q.Kind when via is
// empty. Partial results are returned with the joined errors.
func (h *handlers) fetch(ctx context.Context, via []string, q enrich.Query) ([]validate.RawPerson, error) {
	if len(via) == 0 {
		return h.Sources.FetchKind(ctx, q)
	}
	var (
		out  []validate.RawPerson
		errs []error
	)
	for _, name := range via {
		recs, err := h.Sources.Fetch(ctx, name, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, recs...)
	}
	return out, errors.Join(errs...)
}

// companyEnrichment imports the employees of a company domain. Records go
// through the dedup path, so a rerun merges instead of duplicating.
func (h *handlers) companyEnrichment(ctx context.Context, j domain.Job) error {
	p, err := payloadAs[domain.CompanyEnrichmentPayload](j)
	if err != nil {
		return err
	}
	if p.Domain == "" && p.Company == "" {
		return fmt.Errorf("%w: company enrichment needs a domain or company", ErrPermanent)
	}
	recs, ferr := h.fetch(ctx, p.Via, enrich.Query{Kind: enrich.KindCompany, Domain: p.Domain, Company: p.Company})
	if len(recs) == 0 {
		return ferr
	}
	rep, err := h.Ingest.IngestBatch(ctx, recs, "enrich:company")
	if err != nil {
		return err
	}
	h.log.Info("company enriched", "domain", p.Domain, "company", p.Company,
		"records", rep.Total, "created", rep.Created, "merged", rep.Merged, "invalid", rep.Invalid)
	if ferr != nil {
		h.log.Warn("company enrichment incomplete", "domain", p.Domain, "err", ferr)
	}
	return nil
}

// personEnrichment merges fresh profile data into a person and links the
// relatives and social contacts the sources report.
func (h *handlers) personEnrichment(ctx context.Context, j domain.Job) error {
	p, err := payloadAs[domain.PersonEnrichmentPayload](j)
	if err != nil {
		return err
	}
	person, err := h.Store.GetPerson(ctx, p.PersonID)
	if graph.IsNotFound(err) {
		return fmt.Errorf("%w: person %s: %w", ErrPermanent, p.PersonID, err)
	}
	if err != nil {
		return err
	}

	q := enrich.Query{
		Kind:     enrich.KindPerson,
		PersonID: person.ID,
		Name:     person.Name,
		Email:    person.Email,
		Company:  person.Company,
		Title:    person.Title,
	}
	for _, e := range person.Education {
		q.Schools = append(q.Schools, e.School)
	}

	recs, ferr := h.fetch(ctx, p.Via, q)
	merged := 0
	for _, r := range recs {
		out, err := h.Ingest.Ingest(ctx, r, "enrich:person")
		var inv *ingest.InvalidRecordError
		if errors.As(err, &inv) {
			h.log.Debug("enrichment record rejected", "person_id", person.ID, "err", err)
			continue
		}
		if err != nil {
			return err
		}
		if out.PersonID == person.ID {
			merged++
		}
	}

	// Related persons only come from sources picked by kind.
	var hints []ingest.EdgeHint
	if len(p.Via) == 0 {
		for _, rk := range []struct {
			kind enrich.Kind
			rel  domain.RelationshipType
		}{{enrich.KindFamily, domain.RelFamily}, {enrich.KindSocial, domain.RelSocialPlatform}} {
			q.Kind = rk.kind
			related, err := h.Sources.FetchKind(ctx, q)
			if err != nil {
				ferr = errors.Join(ferr, err)
			}
			for i := range related {
				hints = append(hints, ingest.EdgeHint{FromID: person.ID, To: &related[i], Type: string(rk.rel)})
			}
		}
	}
	var edges ingest.EdgeReport
	if len(hints) > 0 {
		if edges, err = h.Ingest.IngestEdges(ctx, hints, "enrich:person"); err != nil {
			return err
		}
	}
	h.log.Info("person enriched", "person_id", person.ID, "records", len(recs), "merged", merged,
		"edges", edges.Created, "duplicate_edges", edges.Duplicates)
	if len(recs) == 0 && len(hints) == 0 {
		return ferr
	}
	if ferr != nil {
		h.log.Warn("person enrichment incomplete", "person_id", person.ID, "err", ferr)
	}
	return nil
}

func (h *handlers) pathPrecompute(ctx context.Context, j domain.Job) error {
	p, err := payloadAs[domain.PathPrecomputePayload](j)
	if err != nil {
		return err
	}
	if p.PersonID == "" {
		return fmt.Errorf("%w: path precompute needs a person", ErrPermanent)
	}
	n, err := h.Precomputer.Precompute(ctx, p.PersonID, p.TargetIDs, p.MaxHops)
	if err != nil {
		return err
	}
	h.log.Info("paths precomputed", "person_id", p.PersonID, "cached", n)
	return nil
}

// reanalyze re-scores a person's stored relationships from their evidence.
// Strengths only move up: a stored strength above the evidence score was set
// on purpose.
func (h *handlers) reanalyze(ctx context.Context, j domain.Job) error {
	p, err := payloadAs[domain.RelationshipReanalysisPayload](j)
	if err != nil {
		return err
	}
	edges, err := h.Store.ListEdges(ctx, p.PersonID)
	if err != nil {
		return err
	}
	updated := 0
	touched := map[string]struct{}{p.PersonID: {}}
	for _, e := range edges {
		score := validate.ScoreRelationshipConfidence(e.Type, e.Evidence)
		if score > e.Strength {
			if err := h.Store.SetEdgeStrength(ctx, e.From, e.To, e.Type, score); err != nil {
				return fmt.Errorf("jobs: reanalyze %s: %w", e.Key(), err)
			}
			e.Strength = score
			updated++
		}
		// Re-adding also refreshes the ghost penalty from current flags.
		if h.Network != nil && h.Network.AddEdge(e) {
			touched[e.To] = struct{}{}
		}
	}
	if h.Cache != nil {
		for id := range touched {
			if err := h.Cache.Invalidate(ctx, id); err != nil {
				h.log.Warn("cache invalidate failed", "person_id", id, "err", err)
			}
		}
	}
	h.log.Info("relationships reanalyzed", "person_id", p.PersonID, "edges", len(edges), "updated", updated)
	return nil
}

func (h *handlers) rebuild(ctx context.Context, j domain.Job) error {
	p, err := payloadAs[domain.GraphRebuildPayload](j)
	if err != nil {
		return err
	}
	rep, err := h.Builder.Rebuild(ctx, h.Store, h.Network)
	if err != nil {
		return err
	}
	h.log.Info("graph rebuilt", "reason", p.Reason, "persons", rep.Persons, "links", rep.Total())
	return nil
}

func (h *handlers) sweep(ctx context.Context, _ domain.Job) error {
	n, err := h.Cache.Sweep(ctx)
	if err != nil {
		return err
	}
	h.log.Info("cache swept", "entries", n)
	return nil
}
