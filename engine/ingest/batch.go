package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/natsutil"
)

// ErrEmptyBatch is returned for a batch with neither persons nor edges.
var ErrEmptyBatch = errors.New("ingest: empty batch")

// Batch is a file or request worth of records.
type Batch struct {
	Source  string               `json:"source,omitempty"`
	Persons []validate.RawPerson `json:"persons"`
	Edges   []EdgeHint           `json:"edges,omitempty"`
}

// Len is the number of records in b.
func (b Batch) Len() int { return len(b.Persons) + len(b.Edges) }

// DecodeBatch accepts either {"persons": [...], "edges": [...]} or a bare
// array of person records.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &b.Persons); err != nil {
			return Batch{}, fmt.Errorf("ingest: decode batch: %w", err)
		}
		return b, nil
	}
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return Batch{}, fmt.Errorf("ingest: decode batch: %w", err)
	}
	return b, nil
}

// Publish sends every person of b to PersonSubject and the edge hints as
// one EdgeBatch on EdgeSubject. It returns the number of messages sent.
func Publish(ctx context.Context, p natsutil.Publisher, b Batch) (int, error) {
	if b.Len() == 0 {
		return 0, ErrEmptyBatch
	}
	sent := 0
	for _, raw := range b.Persons {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := natsutil.Publish(ctx, p, PersonSubject, Record{Raw: raw, Source: b.Source}); err != nil {
			return sent, fmt.Errorf("ingest: publish person: %w", err)
		}
		sent++
	}
	if len(b.Edges) > 0 {
		if err := natsutil.Publish(ctx, p, EdgeSubject, EdgeBatch{Source: b.Source, Hints: b.Edges}); err != nil {
			return sent, fmt.Errorf("ingest: publish edges: %w", err)
		}
		sent++
	}
	return sent, nil
}
