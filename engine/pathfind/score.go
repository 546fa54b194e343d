package pathfind

import (
	"math"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/validate"
)

// Scorer computes the composite path score from a ScoringPolicy.
type Scorer struct {
	policy domain.ScoringPolicy
}

// NewScorer validates p and returns a scorer for it.
func NewScorer(p domain.ScoringPolicy) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{policy: p}, nil
}

// DefaultScorer uses domain.DefaultScoringPolicy.
func DefaultScorer() *Scorer {
	return &Scorer{policy: domain.DefaultScoringPolicy()}
}

// Policy returns the scoring policy in use.
func (s *Scorer) Policy() domain.ScoringPolicy { return s.policy }

// Score returns a value in 0..100:
//
//	strength*Ws + confidence*Wc + hopBonus*Wh + factor*Wf + notable
//
// hopBonus is 100 less HopPenalty per hop beyond the first, factor is the
// share of edges backed by evidence, and notable adds NotableBonus per
// intermediary at a notable company or with a senior title.
func (s *Scorer) Score(p domain.ConnectionPath) float64 {
	if p.Hops == 0 {
		return 0
	}
	w := s.policy
	hopBonus := math.Max(0, 100-w.HopPenalty*float64(p.Hops-1))

	backed := 0
	for _, e := range p.Edges {
		if e.Evidence != "" {
			backed++
		}
	}
	factor := 100 * float64(backed) / float64(len(p.Edges))

	v := float64(p.Strength)*w.Strength +
		float64(p.Confidence)*w.Confidence +
		hopBonus*w.HopBonus +
		factor*w.Factor +
		s.notable(p)
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*100) / 100
}

func (s *Scorer) notable(p domain.ConnectionPath) float64 {
	if len(p.Nodes) <= 2 {
		return 0
	}
	bonus := 0.0
	for _, n := range p.Nodes[1 : len(p.Nodes)-1] {
		if containsAny(n.Company, s.policy.NotableCompanies) || containsAny(n.Title, s.policy.SeniorTitles) {
			bonus += s.policy.NotableBonus
		}
	}
	return math.Min(bonus, s.policy.MaxNotableBonus)
}

// containsAny matches whole words of s against keywords, case-insensitively.
func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	padded := " " + strings.Join(strings.Fields(strings.ToLower(s)), " ") + " "
	for _, k := range keywords {
		if k != "" && strings.Contains(padded, " "+strings.ToLower(k)+" ") {
			return true
		}
	}
	return false
}

// confidenceOf is the mean relationship confidence of the hops on a path.
func confidenceOf(links []hop) int {
	if len(links) == 0 {
		return 0
	}
	sum := 0
	for _, l := range links {
		sum += validate.ScoreRelationshipConfidence(l.Type, l.Evidence)
	}
	return int(math.Round(float64(sum) / float64(len(links))))
}
