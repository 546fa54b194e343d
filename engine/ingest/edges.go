package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/validate"
)

// IngestEdges writes relationship hints. Endpoints given as raw records go
// through the person pipeline first, so a hint naming an already-known
// person attaches to the existing ID. A hint without a strength is stored
// with its scored confidence. Per-hint problems are reported; only store
// failures abort.
func (s *Service) IngestEdges(ctx context.Context, hints []EdgeHint, source string) (EdgeReport, error) {
	var rep EdgeReport
	for i, h := range hints {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		err := s.ingestEdge(ctx, h, source)
		var inv *InvalidRecordError
		switch {
		case err == nil:
			rep.Created++
		case errors.Is(err, domain.ErrDuplicateEdge):
			rep.Duplicates++
		case errors.As(err, &inv), isHintError(err):
			rep.Rejected++
			rep.Errors = append(rep.Errors, fmt.Sprintf("hint %d: %v", i, err))
		default:
			return rep, fmt.Errorf("ingest: edge hint %d: %w", i, err)
		}
	}
	s.log.Info("edge hints ingested", "source", source, "created", rep.Created,
		"duplicates", rep.Duplicates, "rejected", rep.Rejected)
	return rep, nil
}

func isHintError(err error) bool {
	return errors.Is(err, domain.ErrSelfLoop) || errors.Is(err, domain.ErrUnknownRelType) ||
		errors.Is(err, domain.ErrInvalidStrength) || errors.Is(err, domain.ErrMissingEndpoints) ||
		graph.IsNotFound(err)
}

func (s *Service) ingestEdge(ctx context.Context, h EdgeHint, source string) error {
	t, err := domain.ParseRelationshipType(h.Type)
	if err != nil {
		return err
	}
	if h.Strength < 0 || h.Strength > 100 {
		return domain.ErrInvalidStrength
	}
	if h.Source != "" {
		source = h.Source
	}
	from, err := s.resolveEndpoint(ctx, h.FromID, h.From, source)
	if err != nil {
		return err
	}
	to, err := s.resolveEndpoint(ctx, h.ToID, h.To, source)
	if err != nil {
		return err
	}
	if from.ID == to.ID {
		return domain.ErrSelfLoop
	}

	strength := h.Strength
	if strength == 0 {
		strength = validate.ScoreRelationshipConfidence(t, h.Evidence)
	}
	fwd, _, err := domain.NewEdgePair(from.ID, to.ID, domain.EdgeSpec{
		Type:     t,
		Strength: strength,
		Evidence: h.Evidence,
		Source:   source,
		IsGhost:  from.IsGhost || to.IsGhost,
	}, s.deps.Now())
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	err = s.deps.Store.UpsertEdge(ctx, fwd)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if s.deps.Network != nil {
		s.deps.Network.AddEdge(fwd)
	}
	s.invalidate(ctx, from.ID)
	s.invalidate(ctx, to.ID)
	return nil
}

func (s *Service) resolveEndpoint(ctx context.Context, id string, raw *validate.RawPerson, source string) (domain.Person, error) {
	switch {
	case id != "":
		return s.deps.Store.GetPerson(ctx, id)
	case raw != nil:
		out, err := s.Ingest(ctx, *raw, source)
		if err != nil {
			return domain.Person{}, err
		}
		return s.deps.Store.GetPerson(ctx, out.PersonID)
	}
	return domain.Person{}, domain.ErrMissingEndpoints
}
