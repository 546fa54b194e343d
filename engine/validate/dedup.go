package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// Thresholds are the dedup confidence levels. They are empirical and
// therefore configuration.
type Thresholds struct {
	Email         int     `mapstructure:"email" yaml:"email" json:"email"`
	ProfileURL    int     `mapstructure:"profile_url" yaml:"profile_url" json:"profile_url"`
	Fuzzy         int     `mapstructure:"fuzzy" yaml:"fuzzy" json:"fuzzy"`
	NameWeight    float64 `mapstructure:"name_weight" yaml:"name_weight" json:"name_weight"`
	CompanyWeight float64 `mapstructure:"company_weight" yaml:"company_weight" json:"company_weight"`
	// MaxFuzzyConfidence caps the confidence of a fuzzy match so it never
	// outranks an exact identifier match.
	MaxFuzzyConfidence int `mapstructure:"max_fuzzy_confidence" yaml:"max_fuzzy_confidence" json:"max_fuzzy_confidence"`
}

// DefaultThresholds returns email 95, profile URL 90, fuzzy 80.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Email:              95,
		ProfileURL:         90,
		Fuzzy:              80,
		NameWeight:         0.7,
		CompanyWeight:      0.3,
		MaxFuzzyConfidence: 85,
	}
}

// Lookup is the store surface the deduplicator reads.
type Lookup interface {
	FindByEmail(ctx context.Context, email string) (domain.Person, error)
	FindByProfileURL(ctx context.Context, url string) (domain.Person, error)
	FindByName(ctx context.Context, name string, limit int) ([]domain.Person, error)
	ListPersonsByAttribute(ctx context.Context, dim domain.Dimension, value string) ([]domain.Person, error)
}

// Match is the outcome of a duplicate check.
type Match struct {
	IsDuplicate   bool     `json:"is_duplicate"`
	ExistingID    string   `json:"existing_id,omitempty"`
	Confidence    int      `json:"confidence"`
	MatchedFields []string `json:"matched_fields,omitempty"`
}

// Deduplicator finds stored persons that a normalized record duplicates.
type Deduplicator struct {
	store      Lookup
	thresholds Thresholds
}

// NewDeduplicator creates a Deduplicator. Zero thresholds fall back to the
// defaults.
func NewDeduplicator(store Lookup, t Thresholds) *Deduplicator {
	d := DefaultThresholds()
	if t.Email > 0 {
		d.Email = t.Email
	}
	if t.ProfileURL > 0 {
		d.ProfileURL = t.ProfileURL
	}
	if t.Fuzzy > 0 {
		d.Fuzzy = t.Fuzzy
	}
	if t.NameWeight > 0 || t.CompanyWeight > 0 {
		d.NameWeight, d.CompanyWeight = t.NameWeight, t.CompanyWeight
	}
	if t.MaxFuzzyConfidence > 0 {
		d.MaxFuzzyConfidence = t.MaxFuzzyConfidence
	}
	return &Deduplicator{store: store, thresholds: d}
}

// Thresholds returns the effective thresholds.
func (d *Deduplicator) Thresholds() Thresholds { return d.thresholds }

const fuzzyCandidateLimit = 50

// FindDuplicate checks exact email, then exact profile URL, then fuzzy
// name and company similarity. The first match wins.
func (d *Deduplicator) FindDuplicate(ctx context.Context, p domain.Person) (Match, error) {
	m, err := d.ExactDuplicate(ctx, p)
	if err != nil || m.IsDuplicate {
		return m, err
	}
	return d.FuzzyDuplicate(ctx, p)
}

// ExactDuplicate checks the stored email and profile URL indexes only.
func (d *Deduplicator) ExactDuplicate(ctx context.Context, p domain.Person) (Match, error) {
	if p.Email != "" {
		hit, err := d.store.FindByEmail(ctx, p.Email)
		switch {
		case err == nil && hit.ID != p.ID:
			return Match{IsDuplicate: true, ExistingID: hit.ID, Confidence: d.thresholds.Email, MatchedFields: []string{"email"}}, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return Match{}, fmt.Errorf("validate: dedup by email: %w", err)
		}
	}
	for _, s := range p.Socials {
		if s.URL == "" {
			continue
		}
		hit, err := d.store.FindByProfileURL(ctx, s.URL)
		switch {
		case err == nil && hit.ID != p.ID:
			return Match{IsDuplicate: true, ExistingID: hit.ID, Confidence: d.thresholds.ProfileURL, MatchedFields: []string{"profile_url"}}, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return Match{}, fmt.Errorf("validate: dedup by profile url: %w", err)
		}
	}
	return Match{}, nil
}

// FuzzyDuplicate scores stored name and company candidates.
func (d *Deduplicator) FuzzyDuplicate(ctx context.Context, p domain.Person) (Match, error) {
	candidates, err := d.fuzzyCandidates(ctx, p)
	if err != nil {
		return Match{}, err
	}
	best := Match{}
	for _, c := range candidates {
		if c.ID == p.ID {
			continue
		}
		m := d.Compare(p, c)
		if m.IsDuplicate && m.Confidence > best.Confidence {
			best = m
		}
	}
	return best, nil
}

func (d *Deduplicator) fuzzyCandidates(ctx context.Context, p domain.Person) ([]domain.Person, error) {
	byID := make(map[string]domain.Person)
	named, err := d.store.FindByName(ctx, p.DisplayName(), fuzzyCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("validate: dedup by name: %w", err)
	}
	for _, c := range named {
		byID[c.ID] = c
	}
	if p.Company != "" {
		peers, err := d.store.ListPersonsByAttribute(ctx, domain.DimCompany, p.Company)
		if err != nil {
			return nil, fmt.Errorf("validate: dedup by company: %w", err)
		}
		for _, c := range peers {
			byID[c.ID] = c
		}
	}
	out := make([]domain.Person, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Compare scores a fuzzy match between a and b without touching the store.
// With a company on both sides the score is NameWeight*name +
// CompanyWeight*company; otherwise it is the name similarity alone.
func (d *Deduplicator) Compare(a, b domain.Person) Match {
	name := Similarity(a.DisplayName(), b.DisplayName())
	score := name
	fields := []string{"name"}
	if a.Company != "" && b.Company != "" {
		company := Similarity(NormalizeCompany(a.Company), NormalizeCompany(b.Company))
		score = d.thresholds.NameWeight*name + d.thresholds.CompanyWeight*company
		fields = append(fields, "company")
	}
	pct := int(math.Round(score * 100))
	if pct < d.thresholds.Fuzzy {
		return Match{Confidence: pct}
	}
	conf := pct
	if conf > d.thresholds.MaxFuzzyConfidence {
		conf = d.thresholds.MaxFuzzyConfidence
	}
	return Match{IsDuplicate: true, ExistingID: b.ID, Confidence: conf, MatchedFields: fields}
}

// Similarity is 1 - levenshtein/maxlen over folded keys, in 0..1.
func Similarity(a, b string) float64 {
	fa, fb := FoldKey(a), FoldKey(b)
	if fa == "" || fb == "" {
		return 0
	}
	if fa == fb {
		return 1
	}
	maxLen := utf8.RuneCountInString(fa)
	if n := utf8.RuneCountInString(fb); n > maxLen {
		maxLen = n
	}
	return 1 - float64(levenshtein.ComputeDistance(fa, fb))/float64(maxLen)
}
