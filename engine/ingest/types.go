package ingest

import (
	"encoding/json"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/validate"
)

// Record is one raw person entering the pipeline.
type Record struct {
	Raw    validate.RawPerson `json:"raw"`
	Source string             `json:"source"`
}

// Validated is a record after normalization.
type Validated struct {
	Record
	Person   domain.Person
	Warnings []validate.Warning
}

// Resolved is a validated record with its duplicate check.
type Resolved struct {
	Validated
	Match validate.Match
}

// Outcome reports what persisting one record did.
type Outcome struct {
	PersonID     string                          `json:"person_id"`
	Created      bool                            `json:"created"`
	Merged       bool                            `json:"merged"`
	Match        validate.Match                  `json:"match"`
	Warnings     []validate.Warning              `json:"warnings,omitempty"`
	FamilyEdges  int                             `json:"family_edges,omitempty"`
	DerivedLinks map[domain.RelationshipType]int `json:"derived_links,omitempty"`
}

// InvalidRecordError carries the validation errors of a rejected record.
type InvalidRecordError struct {
	Errors []*domain.ValidationError
}

func (e *InvalidRecordError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.Error()
	}
	return "ingest: invalid record: " + strings.Join(msgs, "; ")
}

// Unwrap exposes every validation error to errors.Is and errors.As.
func (e *InvalidRecordError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, v := range e.Errors {
		out[i] = v
	}
	return out
}

// BatchReport summarizes IngestBatch.
type BatchReport struct {
	Total      int        `json:"total"`
	Created    int        `json:"created"`
	Merged     int        `json:"merged"`
	Invalid    int        `json:"invalid"`
	Rejected   []Rejected `json:"rejected,omitempty"`
	PersonIDs  []string   `json:"person_ids"`
	EdgesTotal int        `json:"edges_total"`
}

// Rejected is one invalid record of a batch.
type Rejected struct {
	Index  int      `json:"index"`
	Errors []string `json:"errors"`
}

// EdgeHint is a relationship signal from an import or enrichment source.
// Each endpoint is either a known person ID or a raw record that is resolved
// through the dedup path.
type EdgeHint struct {
	FromID   string
	From     *validate.RawPerson
	ToID     string
	To       *validate.RawPerson
	Type     string
	Strength int
	Evidence domain.Evidence
	Source   string
}

type edgeHintJSON struct {
	FromID   string              `json:"from_id,omitempty"`
	From     *validate.RawPerson `json:"from,omitempty"`
	ToID     string              `json:"to_id,omitempty"`
	To       *validate.RawPerson `json:"to,omitempty"`
	Type     string              `json:"type"`
	Strength int                 `json:"strength,omitempty"`
	Evidence json.RawMessage     `json:"evidence,omitempty"`
	Source   string              `json:"source,omitempty"`
}

// MarshalJSON encodes the evidence with its kind discriminator.
func (h EdgeHint) MarshalJSON() ([]byte, error) {
	ev, err := domain.MarshalEvidence(h.Evidence)
	if err != nil {
		return nil, err
	}
	return json.Marshal(edgeHintJSON{
		FromID: h.FromID, From: h.From, ToID: h.ToID, To: h.To,
		Type: h.Type, Strength: h.Strength, Evidence: ev, Source: h.Source,
	})
}

// UnmarshalJSON decodes a hint written by MarshalJSON.
func (h *EdgeHint) UnmarshalJSON(b []byte) error {
	var raw edgeHintJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ev, err := domain.UnmarshalEvidence(raw.Evidence)
	if err != nil {
		return err
	}
	*h = EdgeHint{
		FromID: raw.FromID, From: raw.From, ToID: raw.ToID, To: raw.To,
		Type: raw.Type, Strength: raw.Strength, Evidence: ev, Source: raw.Source,
	}
	return nil
}

// EdgeReport summarizes IngestEdges.
type EdgeReport struct {
	Created    int      `json:"created"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	Errors     []string `json:"errors,omitempty"`
}
