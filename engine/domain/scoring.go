package domain

import (
	"fmt"
	"math"
)

// ScoringPolicy weights the components of a path score. It is tunable
// configuration loaded alongside the edge weight policy.
type ScoringPolicy struct {
	Strength   float64 `json:"strength" yaml:"strength"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	HopBonus   float64 `json:"hop_bonus" yaml:"hop_bonus"`
	Factor     float64 `json:"factor" yaml:"factor"`

	// HopPenalty is deducted per hop beyond the first.
	HopPenalty float64 `json:"hop_penalty" yaml:"hop_penalty"`

	// NotableBonus is added per intermediary at a notable company or with a
	// senior title, up to MaxNotableBonus.
	NotableBonus     float64  `json:"notable_bonus" yaml:"notable_bonus"`
	MaxNotableBonus  float64  `json:"max_notable_bonus" yaml:"max_notable_bonus"`
	NotableCompanies []string `json:"notable_companies" yaml:"notable_companies"`
	SeniorTitles     []string `json:"senior_titles" yaml:"senior_titles"`
}

// DefaultScoringPolicy is 40% strength, 30% confidence, 20% hop bonus and
// 10% factor count.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Strength:        0.4,
		Confidence:      0.3,
		HopBonus:        0.2,
		Factor:          0.1,
		HopPenalty:      10,
		NotableBonus:    5,
		MaxNotableBonus: 15,
		NotableCompanies: []string{
			"google", "microsoft", "apple", "amazon", "meta", "netflix", "openai",
			"stripe", "salesforce", "nvidia", "goldman sachs", "mckinsey",
		},
		SeniorTitles: []string{
			"founder", "ceo", "cto", "cfo", "coo", "chief", "president", "partner",
			"vice president", "vp", "director", "head of",
		},
	}
}

// Validate checks that the weights are non-negative and sum to about 1.
func (s ScoringPolicy) Validate() error {
	for name, w := range map[string]float64{
		"strength": s.Strength, "confidence": s.Confidence, "hop_bonus": s.HopBonus, "factor": s.Factor,
		"hop_penalty": s.HopPenalty, "notable_bonus": s.NotableBonus, "max_notable_bonus": s.MaxNotableBonus,
	} {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("scoring: %s must be non-negative", name)
		}
	}
	sum := s.Strength + s.Confidence + s.HopBonus + s.Factor
	if math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("scoring: weights sum to %.2f, want 1", sum)
	}
	return nil
}
