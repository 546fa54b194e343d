// Package ingest runs raw person records and relationship hints through
// validation, deduplication and persistence, keeping the compiled network,
// the profile index and the path cache in step with the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/network"
	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/fn"
	"github.com/WessleyAI/warmpath/pkg/metrics"
)

// ProfileIndexer keeps a searchable profile vector per person.
type ProfileIndexer interface {
	IndexPerson(ctx context.Context, p domain.Person) error
}

// CacheInvalidator drops cached paths touching a person.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, personID string) error
}

// Deps holds the collaborators of the ingestion service. Store is required;
// the rest are optional.
type Deps struct {
	Store     graph.Store
	Network   *network.Network
	Validator *validate.Validator
	Dedup     *validate.Deduplicator
	Indexer   ProfileIndexer
	Cache     CacheInvalidator
	// OnNewCompany is called after the first person of a company is created.
	OnNewCompany func(ctx context.Context, p domain.Person)
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service ingests persons and relationship hints.
type Service struct {
	deps     Deps
	log      *slog.Logger
	pipeline fn.Stage[Record, Outcome]

	// writeMu serializes dedup and persist so two copies of one person
	// arriving together cannot both be created.
	writeMu sync.Mutex
}

// New creates a Service, filling optional dependencies with defaults.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Validator == nil {
		deps.Validator = validate.New()
	}
	if deps.Dedup == nil {
		deps.Dedup = validate.NewDeduplicator(deps.Store, validate.Thresholds{})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{deps: deps, log: deps.Logger}
	s.pipeline = s.newPipeline()
	return s
}

// --- Pipeline Stages ---

// NewValidate creates the stage that normalizes a raw record.
func NewValidate(v *validate.Validator) fn.Stage[Record, Validated] {
	return func(_ context.Context, r Record) fn.Result[Validated] {
		p, warns, errs := v.Validate(r.Raw, r.Source)
		if len(errs) > 0 {
			return fn.Err[Validated](&InvalidRecordError{Errors: errs})
		}
		return fn.Ok(Validated{Record: r, Person: p, Warnings: warns})
	}
}

// NewDedupe creates the stage that looks for a stored duplicate.
func NewDedupe(dd *validate.Deduplicator) fn.Stage[Validated, Resolved] {
	return func(ctx context.Context, v Validated) fn.Result[Resolved] {
		m, err := dd.FindDuplicate(ctx, v.Person)
		if err != nil {
			return fn.Err[Resolved](fmt.Errorf("ingest: dedupe: %w", err))
		}
		return fn.Ok(Resolved{Validated: v, Match: m})
	}
}

// NewPersist creates the stage that writes a resolved record: duplicates are
// merged into the existing person, everything else is created.
func (s *Service) NewPersist() fn.Stage[Resolved, Outcome] {
	return func(ctx context.Context, r Resolved) fn.Result[Outcome] {
		if r.Match.IsDuplicate {
			return fn.FromPair(s.merge(ctx, r))
		}
		return fn.FromPair(s.create(ctx, r))
	}
}

// LoggedTap returns a stage that logs entry and exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		start := time.Now()
		log.Debug("stage.enter", "stage", name)
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

func (s *Service) newPipeline() fn.Stage[Record, Outcome] {
	validated := fn.Then(LoggedTap[Record]("validate", s.log),
		fn.TracedStage("ingest.validate", NewValidate(s.deps.Validator)))
	resolved := fn.Then(LoggedTap[Validated]("dedupe", s.log),
		fn.TracedStage("ingest.dedupe", NewDedupe(s.deps.Dedup)))
	persisted := fn.Then(LoggedTap[Resolved]("persist", s.log),
		fn.TracedStage("ingest.persist", s.NewPersist()))

	write := fn.Then(resolved, persisted)
	return fn.Then(validated, func(ctx context.Context, v Validated) fn.Result[Outcome] {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return write(ctx, v)
	})
}

// Ingest runs one record through the pipeline. Invalid records return an
// *InvalidRecordError.
func (s *Service) Ingest(ctx context.Context, raw validate.RawPerson, source string) (Outcome, error) {
	out, err := s.pipeline(ctx, Record{Raw: raw, Source: source}).Unwrap()
	switch {
	case err == nil && out.Created:
		s.deps.Metrics.Ingested("created", 1)
	case err == nil:
		s.deps.Metrics.Ingested("merged", 1)
	default:
		var inv *InvalidRecordError
		if errors.As(err, &inv) {
			s.deps.Metrics.Ingested("invalid", 1)
		} else {
			s.deps.Metrics.Ingested("failed", 1)
		}
	}
	return out, err
}

// IngestBatch partitions raws with validate.Bulk, writes the new persons in
// one transaction and merges the duplicates into their existing records.
// Invalid records are reported, never fatal.
func (s *Service) IngestBatch(ctx context.Context, raws []validate.RawPerson, source string) (BatchReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := validate.Bulk(ctx, s.deps.Validator, s.deps.Dedup, raws, source)
	if err != nil {
		return BatchReport{}, fmt.Errorf("ingest: batch: %w", err)
	}
	rep := BatchReport{Total: len(raws), Invalid: len(res.Invalid)}
	for _, r := range res.Invalid {
		msgs := make([]string, len(r.Errors))
		for i, e := range r.Errors {
			msgs[i] = e.Error()
		}
		rep.Rejected = append(rep.Rejected, Rejected{Index: r.Index, Errors: msgs})
	}

	persons := make([]domain.Person, len(res.Valid))
	for i, a := range res.Valid {
		persons[i] = a.Person
	}
	if len(persons) > 0 {
		if _, err := s.deps.Store.BatchInsert(ctx, persons, nil); err != nil {
			s.deps.Metrics.Ingested("failed", len(persons))
			return rep, fmt.Errorf("ingest: batch insert: %w", err)
		}
	}
	for _, p := range persons {
		stored, err := s.deps.Store.GetPerson(ctx, p.ID)
		if err != nil {
			return rep, fmt.Errorf("ingest: batch reload %s: %w", p.ID, err)
		}
		out := Outcome{PersonID: stored.ID, Created: true}
		s.afterWrite(ctx, stored, &out)
		rep.Created++
		rep.EdgesTotal += out.FamilyEdges
		rep.PersonIDs = append(rep.PersonIDs, stored.ID)
	}

	for _, d := range res.Duplicates {
		out, err := s.merge(ctx, Resolved{Validated: Validated{Person: d.Person}, Match: d.Match})
		if err != nil {
			return rep, err
		}
		if out.Merged {
			rep.Merged++
		}
		rep.EdgesTotal += out.FamilyEdges
		rep.PersonIDs = append(rep.PersonIDs, out.PersonID)
	}
	s.deps.Metrics.Ingested("created", rep.Created)
	s.deps.Metrics.Ingested("merged", len(res.Duplicates))
	s.deps.Metrics.Ingested("invalid", rep.Invalid)
	s.log.Info("batch ingested", "source", source, "total", rep.Total,
		"created", rep.Created, "duplicates", len(res.Duplicates), "invalid", rep.Invalid)
	return rep, nil
}

// Claim converts a ghost profile into a claimed one. The ID and every edge
// are kept; traversal weights lose their ghost penalty.
func (s *Service) Claim(ctx context.Context, id string) (domain.Person, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.deps.Store.GetPerson(ctx, id)
	if err != nil {
		return domain.Person{}, fmt.Errorf("ingest: claim %s: %w", id, err)
	}
	if !p.IsGhost {
		return p, nil
	}
	p.Claim(s.deps.Now())
	saved, err := s.deps.Store.UpsertPerson(ctx, p)
	if err != nil {
		return domain.Person{}, fmt.Errorf("ingest: claim %s: %w", id, err)
	}
	var relinked []string
	if net := s.deps.Network; net != nil {
		_, relinked = addToNetwork(net, saved)
		edges, err := s.deps.Store.ListEdges(ctx, id)
		if err != nil {
			return saved, fmt.Errorf("ingest: claim %s: list edges: %w", id, err)
		}
		for _, e := range edges {
			net.AddEdge(e)
		}
	}
	s.invalidate(ctx, id)
	for _, peer := range relinked {
		s.invalidate(ctx, peer)
	}
	s.log.Info("profile claimed", "person_id", id)
	return saved, nil
}

func (s *Service) create(ctx context.Context, r Resolved) (Outcome, error) {
	p := r.Person
	p.ID = uuid.NewString()
	saved, err := s.deps.Store.UpsertPerson(ctx, p)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: create: %w", err)
	}
	out := Outcome{PersonID: saved.ID, Created: true, Match: r.Match, Warnings: r.Warnings}
	s.afterWrite(ctx, saved, &out)
	s.log.Info("person created", "person_id", saved.ID, "source", saved.Source)
	return out, nil
}

func (s *Service) merge(ctx context.Context, r Resolved) (Outcome, error) {
	existing, err := s.deps.Store.GetPerson(ctx, r.Match.ExistingID)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: load duplicate %s: %w", r.Match.ExistingID, err)
	}
	out := Outcome{PersonID: existing.ID, Match: r.Match, Warnings: r.Warnings}
	merged, changed := mergePerson(existing, r.Person)
	if !changed {
		return out, nil
	}
	saved, err := s.deps.Store.UpsertPerson(ctx, merged)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: merge %s: %w", existing.ID, err)
	}
	out.Merged = true
	s.afterWrite(ctx, saved, &out)
	s.log.Info("person merged", "person_id", saved.ID, "confidence", r.Match.Confidence,
		"matched", r.Match.MatchedFields)
	return out, nil
}

// afterWrite propagates a stored person to the network, family edges, the
// profile index and the cache. Cached paths touching the person or any peer
// whose link to it appeared or vanished are dropped. Only store failures are
// errors upstream; the rest is logged.
func (s *Service) afterWrite(ctx context.Context, p domain.Person, out *Outcome) {
	var relinked []string
	if net := s.deps.Network; net != nil {
		out.DerivedLinks, relinked = addToNetwork(net, p)
	}
	out.FamilyEdges = s.linkFamily(ctx, p)
	if s.deps.Indexer != nil {
		if err := s.deps.Indexer.IndexPerson(ctx, p); err != nil {
			s.log.Warn("profile index failed", "person_id", p.ID, "err", err)
		}
	}
	s.invalidate(ctx, p.ID)
	for _, peer := range relinked {
		s.invalidate(ctx, peer)
	}
	if out.Created && s.deps.OnNewCompany != nil && p.Company != "" {
		peers, err := s.deps.Store.ListPersonsByAttribute(ctx, domain.DimCompany, p.Company)
		if err != nil {
			s.log.Warn("company lookup failed", "company", p.Company, "err", err)
		} else if len(peers) == 1 {
			s.deps.OnNewCompany(ctx, p)
		}
	}
}

// addToNetwork inserts or refreshes p and reports the peers whose link to p
// was created or dropped.
func addToNetwork(net *network.Network, p domain.Person) (map[domain.RelationshipType]int, []string) {
	before := net.Peers(p.ID)
	created := net.AddPerson(p)
	return created, symmetricDiff(before, net.Peers(p.ID))
}

// symmetricDiff merges two sorted ID lists, keeping IDs present in only one.
func symmetricDiff(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			i++
			j++
		}
	}
	return out
}

// linkFamily writes explicit family edges for ties that name a stored
// relative.
func (s *Service) linkFamily(ctx context.Context, p domain.Person) int {
	created := 0
	for _, tie := range p.Family {
		if tie.RelativeID == "" || tie.RelativeID == p.ID {
			continue
		}
		rel, err := s.deps.Store.GetPerson(ctx, tie.RelativeID)
		if err != nil {
			s.log.Debug("family relative unknown", "person_id", p.ID, "relative_id", tie.RelativeID)
			continue
		}
		e := domain.Edge{
			ID:        uuid.NewString(),
			From:      p.ID,
			To:        rel.ID,
			Type:      domain.RelFamily,
			Evidence:  domain.FamilyEvidence{Relation: tie.Relation},
			Source:    p.Source,
			IsGhost:   p.IsGhost || rel.IsGhost,
			CreatedAt: s.deps.Now(),
		}
		if err := s.deps.Store.UpsertEdge(ctx, e); err != nil {
			if !errors.Is(err, domain.ErrDuplicateEdge) {
				s.log.Warn("family edge failed", "person_id", p.ID, "relative_id", rel.ID, "err", err)
			}
			continue
		}
		if s.deps.Network != nil {
			s.deps.Network.AddEdge(e)
		}
		s.invalidate(ctx, rel.ID)
		created++
	}
	return created
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Invalidate(ctx, id); err != nil {
		s.log.Warn("cache invalidate failed", "person_id", id, "err", err)
	}
}
