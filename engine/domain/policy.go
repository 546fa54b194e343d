package domain

import "fmt"

// Weight is the base weight and ghost penalty for one relationship type.
type Weight struct {
	Base         int `json:"base" yaml:"base"`
	GhostPenalty int `json:"ghost_penalty" yaml:"ghost_penalty"`
}

// EdgeWeightPolicy maps relationship types to weights. It is configuration
// and is read at graph-build time.
type EdgeWeightPolicy struct {
	Weights map[RelationshipType]Weight `json:"weights" yaml:"weights"`
	Floor   int                         `json:"floor" yaml:"floor"`
}

// DefaultEdgeWeightPolicy returns the product defaults.
func DefaultEdgeWeightPolicy() EdgeWeightPolicy {
	return EdgeWeightPolicy{
		Floor: 10,
		Weights: map[RelationshipType]Weight{
			RelFamily:         {Base: 95, GhostPenalty: 15},
			RelAssistantTo:    {Base: 85, GhostPenalty: 20},
			RelBoardMember:    {Base: 80, GhostPenalty: 20},
			RelCoworker:       {Base: 80, GhostPenalty: 20},
			RelGreekLife:      {Base: 70, GhostPenalty: 20},
			RelMentor:         {Base: 75, GhostPenalty: 20},
			RelInvestor:       {Base: 65, GhostPenalty: 20},
			RelEducation:      {Base: 60, GhostPenalty: 20},
			RelVendorClient:   {Base: 55, GhostPenalty: 20},
			RelSocialPlatform: {Base: 45, GhostPenalty: 15},
			RelHometown:       {Base: 35, GhostPenalty: 10},
			RelOther:          {Base: 30, GhostPenalty: 10},
		},
	}
}

// Effective returns max(base - penalty, floor), applying the penalty only
// when ghost is set. Unknown types fall back to RelOther.
func (p EdgeWeightPolicy) Effective(t RelationshipType, ghost bool) int {
	w, ok := p.Weights[t]
	if !ok {
		w = p.Weights[RelOther]
	}
	v := w.Base
	if ghost {
		v -= w.GhostPenalty
	}
	if v < p.Floor {
		v = p.Floor
	}
	if v > 100 {
		v = 100
	}
	return v
}

// Validate rejects weights outside 0..100 and negative penalties.
func (p EdgeWeightPolicy) Validate() error {
	if p.Floor < 0 || p.Floor > 100 {
		return fmt.Errorf("policy: floor %d out of range", p.Floor)
	}
	for t, w := range p.Weights {
		if _, err := ParseRelationshipType(string(t)); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if w.Base < 0 || w.Base > 100 {
			return fmt.Errorf("policy: %s base %d out of range", t, w.Base)
		}
		if w.GhostPenalty < 0 || w.GhostPenalty > 100 {
			return fmt.Errorf("policy: %s ghost penalty %d out of range", t, w.GhostPenalty)
		}
	}
	return nil
}

// Merge overlays o onto p. Types missing in o keep their current weight.
func (p EdgeWeightPolicy) Merge(o EdgeWeightPolicy) EdgeWeightPolicy {
	out := EdgeWeightPolicy{Floor: p.Floor, Weights: make(map[RelationshipType]Weight, len(p.Weights))}
	for k, v := range p.Weights {
		out.Weights[k] = v
	}
	for k, v := range o.Weights {
		out.Weights[k] = v
	}
	if o.Floor > 0 {
		out.Floor = o.Floor
	}
	return out
}

// Weigh returns the traversal weight of a stored edge. A stored strength
// replaces the type base; the ghost penalty and floor still apply. A zero
// strength means the edge carries no measurement and the base is used.
func (p EdgeWeightPolicy) Weigh(t RelationshipType, strength int, ghost bool) int {
	if strength <= 0 {
		return p.Effective(t, ghost)
	}
	w, ok := p.Weights[t]
	if !ok {
		w = p.Weights[RelOther]
	}
	v := strength
	if ghost {
		v -= w.GhostPenalty
	}
	if v < p.Floor {
		v = p.Floor
	}
	if v > 100 {
		v = 100
	}
	return v
}
