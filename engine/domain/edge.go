package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Edge is one directed row of a relationship. Relationships are stored as two
// mirrored rows with identical type, strength and evidence.
type Edge struct {
	ID        string           `json:"id"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	Type      RelationshipType `json:"type"`
	Strength  int              `json:"strength"`
	Evidence  Evidence         `json:"-"`
	Source    string           `json:"source"`
	IsGhost   bool             `json:"is_ghost"`
	CreatedAt time.Time        `json:"created_at"`
}

// EdgeSpec describes a relationship before it is split into directed rows.
type EdgeSpec struct {
	Type     RelationshipType
	Strength int
	Evidence Evidence
	Source   string
	IsGhost  bool
}

// NewEdgePair returns the two mirrored rows for a relationship between a and b.
func NewEdgePair(a, b string, spec EdgeSpec, now time.Time) (Edge, Edge, error) {
	if a == "" || b == "" {
		return Edge{}, Edge{}, ErrMissingEndpoints
	}
	if a == b {
		return Edge{}, Edge{}, ErrSelfLoop
	}
	if spec.Strength < 0 || spec.Strength > 100 {
		return Edge{}, Edge{}, NewValidationError("strength", strconv.Itoa(spec.Strength), ErrInvalidStrength)
	}
	if spec.Type == "" {
		spec.Type = RelOther
	}
	fwd := Edge{
		ID:        uuid.NewString(),
		From:      a,
		To:        b,
		Type:      spec.Type,
		Strength:  spec.Strength,
		Evidence:  spec.Evidence,
		Source:    spec.Source,
		IsGhost:   spec.IsGhost,
		CreatedAt: now,
	}
	rev := fwd.Reverse()
	rev.ID = uuid.NewString()
	return fwd, rev, nil
}

// Reverse returns the mirrored row. The identifier is left unchanged.
func (e Edge) Reverse() Edge {
	r := e
	r.From, r.To = e.To, e.From
	return r
}

// Key identifies the ordered pair and type, the unit of duplicate suppression.
func (e Edge) Key() string {
	return e.From + "->" + e.To + "#" + string(e.Type)
}

// Mirrors reports whether o is the reverse row of e.
func (e Edge) Mirrors(o Edge) bool {
	return e.From == o.To && e.To == o.From && e.Type == o.Type &&
		e.Strength == o.Strength && e.IsGhost == o.IsGhost
}

type edgeAlias Edge

// MarshalJSON encodes the evidence with its kind discriminator.
func (e Edge) MarshalJSON() ([]byte, error) {
	ev, err := MarshalEvidence(e.Evidence)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		edgeAlias
		Evidence json.RawMessage `json:"evidence"`
	}{edgeAlias(e), ev})
}

// UnmarshalJSON decodes an edge written by MarshalJSON.
func (e *Edge) UnmarshalJSON(b []byte) error {
	var raw struct {
		edgeAlias
		Evidence json.RawMessage `json:"evidence"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ev, err := UnmarshalEvidence(raw.Evidence)
	if err != nil {
		return err
	}
	*e = Edge(raw.edgeAlias)
	e.Evidence = ev
	return nil
}
