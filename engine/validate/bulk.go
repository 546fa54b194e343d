package validate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
)

// Accepted is a record that passed validation and was not a duplicate.
type Accepted struct {
	Index    int           `json:"index"`
	Person   domain.Person `json:"person"`
	Warnings []Warning     `json:"warnings,omitempty"`
}

// Rejected is a record that failed validation.
type Rejected struct {
	Index  int                       `json:"index"`
	Raw    RawPerson                 `json:"raw"`
	Errors []*domain.ValidationError `json:"errors"`
}

// Duplicate is a record matched to a stored person or to an earlier record
// of the same batch. For an in-batch match ExistingID is the ID assigned to
// the earlier record.
type Duplicate struct {
	Index  int           `json:"index"`
	Person domain.Person `json:"person"`
	Match  Match         `json:"match"`
}

// BulkCounts summarizes a BulkResult.
type BulkCounts struct {
	Total      int `json:"total"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	Warnings   int `json:"warnings"`
}

// BulkResult partitions a batch.
type BulkResult struct {
	Valid      []Accepted  `json:"valid"`
	Invalid    []Rejected  `json:"invalid"`
	Duplicates []Duplicate `json:"duplicates"`
	Counts     BulkCounts  `json:"counts"`
}

// Bulk validates and deduplicates a batch against the store and against
// itself. Exact identifiers, in the batch and then in the store, are checked
// before any fuzzy comparison. Valid persons get fresh IDs; nothing is
// written.
func Bulk(ctx context.Context, val *Validator, dd *Deduplicator, raws []RawPerson, source string) (BulkResult, error) {
	res := BulkResult{Counts: BulkCounts{Total: len(raws)}}
	byEmail := make(map[string]string)
	byURL := make(map[string]string)

	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, warns, errs := val.Validate(raw, source)
		res.Counts.Warnings += len(warns)
		if len(errs) > 0 {
			res.Invalid = append(res.Invalid, Rejected{Index: i, Raw: raw, Errors: errs})
			continue
		}

		if m, ok := batchMatch(p, byEmail, byURL, dd.thresholds); ok {
			res.Duplicates = append(res.Duplicates, Duplicate{Index: i, Person: p, Match: m})
			continue
		}
		m, err := dd.ExactDuplicate(ctx, p)
		if err != nil {
			return res, fmt.Errorf("validate: bulk record %d: %w", i, err)
		}
		if !m.IsDuplicate {
			if bm, ok := fuzzyBatchMatch(dd, p, res.Valid); ok {
				m = bm
			} else if m, err = dd.FuzzyDuplicate(ctx, p); err != nil {
				return res, fmt.Errorf("validate: bulk record %d: %w", i, err)
			}
		}
		if m.IsDuplicate {
			res.Duplicates = append(res.Duplicates, Duplicate{Index: i, Person: p, Match: m})
			continue
		}

		p.ID = uuid.NewString()
		if p.Email != "" {
			byEmail[p.Email] = p.ID
		}
		for _, s := range p.Socials {
			if s.URL != "" {
				byURL[graph.NormalizeProfileURL(s.URL)] = p.ID
			}
		}
		res.Valid = append(res.Valid, Accepted{Index: i, Person: p, Warnings: warns})
	}
	res.Counts.Valid = len(res.Valid)
	res.Counts.Invalid = len(res.Invalid)
	res.Counts.Duplicates = len(res.Duplicates)
	return res, nil
}

func batchMatch(p domain.Person, byEmail, byURL map[string]string, t Thresholds) (Match, bool) {
	if id, ok := byEmail[p.Email]; ok && p.Email != "" {
		return Match{IsDuplicate: true, ExistingID: id, Confidence: t.Email, MatchedFields: []string{"email"}}, true
	}
	for _, s := range p.Socials {
		if s.URL == "" {
			continue
		}
		if id, ok := byURL[graph.NormalizeProfileURL(s.URL)]; ok {
			return Match{IsDuplicate: true, ExistingID: id, Confidence: t.ProfileURL, MatchedFields: []string{"profile_url"}}, true
		}
	}
	return Match{}, false
}

func fuzzyBatchMatch(dd *Deduplicator, p domain.Person, accepted []Accepted) (Match, bool) {
	best := Match{}
	for _, a := range accepted {
		m := dd.Compare(p, a.Person)
		if m.IsDuplicate && m.Confidence > best.Confidence {
			best = m
		}
	}
	return best, best.IsDuplicate
}
