package pathfind

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/enrich"
	"github.com/WessleyAI/warmpath/engine/validate"
)

// PeopleSearch is the enrichment call the external strategy makes.
// *enrich.Registry implements it.
type PeopleSearch interface {
	FetchKind(ctx context.Context, q enrich.Query) ([]validate.RawPerson, error)
}

// External asks people-search sources who, among the source's colleagues
// and classmates, knows each target. A reported connector already in the
// graph is reached over its real link; one outside the graph is reached
// through the shared company or school and shown as a ghost. The
// connector-to-target step is only reported, so these paths never carry
// more than ExternalMaxConfidence.
type External struct {
	Search    PeopleSearch
	Validator *validate.Validator
	Dedup     *validate.Deduplicator
	Logger    *slog.Logger
}

func (e *External) Name() domain.Strategy { return domain.StrategyExternal }

func (e *External) Find(ctx context.Context, g Graph, q Query) (Result, error) {
	res := Result{Strategy: domain.StrategyExternal}
	source, ok := g.Person(q.SourceID)
	if !ok {
		return res, ErrUnknownSource
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	var schools []string
	for _, ed := range source.Education {
		if ed.School != "" {
			schools = append(schools, ed.School)
		}
	}

	var errs []error
	for _, tid := range q.Targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		target, ok := g.Person(tid)
		if !ok || tid == q.SourceID {
			continue
		}
		raws, err := e.Search.FetchKind(ctx, enrich.Query{
			Kind:     enrich.KindPeopleSearch,
			Name:     target.DisplayName(),
			Company:  source.Company,
			Title:    target.Title,
			Schools:  schools,
			PersonID: target.ID,
			Limit:    20,
		})
		if err != nil {
			// Partial answers from healthy sources are still used.
			errs = append(errs, err)
			log.Warn("pathfind: external lookup", "target_id", tid, "err", err)
		}
		for i, raw := range raws {
			p, ok := e.viaConnector(ctx, g, source, target, raw, i)
			if !ok || p.Strength < q.Options.MinStrength {
				continue
			}
			res.Paths = append(res.Paths, p)
			if len(res.Paths) >= q.Options.MaxResults {
				res.Truncated = true
				return res, nil
			}
		}
	}
	if len(res.Paths) == 0 && len(errs) > 0 {
		return res, fmt.Errorf("pathfind: external: %w", errs[0])
	}
	return res, nil
}

// viaConnector builds source -> connector -> target for one reported
// connector, or reports false when the connector has no tie to the source.
func (e *External) viaConnector(ctx context.Context, g Graph, source, target domain.Person, raw validate.RawPerson, idx int) (domain.ConnectionPath, bool) {
	c, _, verrs := e.Validator.Validate(raw, string(domain.StrategyExternal))
	if len(verrs) > 0 {
		return domain.ConnectionPath{}, false
	}
	if e.Dedup != nil {
		if m, err := e.Dedup.FindDuplicate(ctx, c); err == nil && m.IsDuplicate {
			c.ID = m.ExistingID
		}
	}
	if c.ID != "" && (c.ID == source.ID || c.ID == target.ID) {
		return domain.ConnectionPath{}, false
	}

	var first hop
	extra := map[string]domain.Person{}
	if known, inGraph := g.Person(c.ID); c.ID != "" && inGraph {
		c = known
		for _, l := range strongest(g.Neighbors(source.ID)) {
			if l.Neighbor == c.ID {
				first = hopOf(source.ID, l)
				break
			}
		}
	} else {
		c.ID = fmt.Sprintf("external:%s:%d", target.ID, idx)
		c.IsGhost = true
		extra[c.ID] = c
	}
	if first.To == "" {
		t, ev, shared := sharedTie(source, c)
		if !shared {
			return domain.ConnectionPath{}, false
		}
		w := g.Policy().Effective(t, source.IsGhost || c.IsGhost)
		first = hop{From: source.ID, To: c.ID, Type: t, Weight: w, Evidence: ev}
	}

	second := hop{
		From:     c.ID,
		To:       target.ID,
		Type:     domain.RelOther,
		Weight:   ExternalMaxConfidence,
		Evidence: domain.NoteEvidence{Note: "reported by people search"},
	}
	p := assemble(g, []string{source.ID, c.ID, target.ID}, []hop{first, second}, domain.StrategyExternal, extra)
	p.Confidence = min(p.Confidence, ExternalMaxConfidence)
	return p, true
}

// sharedTie finds a company or school the connector shares with the
// source.
func sharedTie(source, c domain.Person) (domain.RelationshipType, domain.Evidence, bool) {
	if source.Company != "" && domain.NormalizeKey(source.Company) == domain.NormalizeKey(c.Company) {
		return domain.RelCoworker, domain.CompanyEvidence{Company: source.Company}, true
	}
	for _, a := range source.Education {
		for _, b := range c.Education {
			if a.School != "" && domain.NormalizeKey(a.School) == domain.NormalizeKey(b.School) {
				return domain.RelEducation, domain.SchoolEvidence{School: a.School}, true
			}
		}
	}
	return "", nil, false
}
