package validate

import "github.com/WessleyAI/warmpath/engine/domain"

var baseConfidence = map[domain.RelationshipType]int{
	domain.RelFamily:         95,
	domain.RelAssistantTo:    85,
	domain.RelBoardMember:    80,
	domain.RelEducation:      75,
	domain.RelCoworker:       70,
	domain.RelMentor:         70,
	domain.RelGreekLife:      65,
	domain.RelInvestor:       65,
	domain.RelVendorClient:   60,
	domain.RelSocialPlatform: 50,
	domain.RelHometown:       40,
	domain.RelOther:          40,
}

// Corroboration bonuses.
const (
	bonusOverlappingYears = 15
	bonusSameTeam         = 10
	bonusSameYear         = 10
	bonusSameDegree       = 5
	bonusSameChapter      = 10
	bonusVerified         = 5
	bonusOrganization     = 5
)

// ScoreRelationshipConfidence rates how likely an inferred relationship is
// real, 0..100. The type sets the base; details carried by the evidence add
// corroboration bonuses.
func ScoreRelationshipConfidence(t domain.RelationshipType, ev domain.Evidence) int {
	score, ok := baseConfidence[t]
	if !ok {
		score = baseConfidence[domain.RelOther]
	}
	switch e := ev.(type) {
	case domain.CompanyEvidence:
		if e.OverlappingYears() {
			score += bonusOverlappingYears
		}
		if e.Team != "" {
			score += bonusSameTeam
		}
	case domain.SchoolEvidence:
		if e.SameYear {
			score += bonusSameYear
		}
		if e.SameDegree {
			score += bonusSameDegree
		}
	case domain.OrgEvidence:
		if e.Chapter != "" {
			score += bonusSameChapter
		}
	case domain.FamilyEvidence:
		if e.Verified {
			score += bonusVerified
		}
	case domain.RoleEvidence:
		if e.Organization != "" {
			score += bonusOrganization
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}
