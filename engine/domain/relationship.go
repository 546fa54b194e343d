package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RelationshipType enumerates the kinds of ties between two persons.
type RelationshipType string

const (
	RelCoworker       RelationshipType = "coworker"
	RelEducation      RelationshipType = "education"
	RelFamily         RelationshipType = "family"
	RelGreekLife      RelationshipType = "greek_life"
	RelHometown       RelationshipType = "hometown"
	RelSocialPlatform RelationshipType = "social_platform"
	RelAssistantTo    RelationshipType = "assistant_to"
	RelBoardMember    RelationshipType = "board_member"
	RelVendorClient   RelationshipType = "vendor_client"
	RelInvestor       RelationshipType = "investor"
	RelMentor         RelationshipType = "mentor"
	RelOther          RelationshipType = "other"
)

// AllRelationshipTypes lists every known type in a stable order.
var AllRelationshipTypes = []RelationshipType{
	RelCoworker, RelEducation, RelFamily, RelGreekLife, RelHometown,
	RelSocialPlatform, RelAssistantTo, RelBoardMember, RelVendorClient,
	RelInvestor, RelMentor, RelOther,
}

var relAliases = map[string]RelationshipType{
	"alumni":    RelEducation,
	"alumnus":   RelEducation,
	"school":    RelEducation,
	"greek":     RelGreekLife,
	"social":    RelSocialPlatform,
	"org":       RelGreekLife,
	"work":      RelCoworker,
	"colleague": RelCoworker,
	"assistant": RelAssistantTo,
	"board":     RelBoardMember,
	"vendor":    RelVendorClient,
	"client":    RelVendorClient,
}

// ParseRelationshipType accepts canonical names and common aliases.
func ParseRelationshipType(s string) (RelationshipType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "-", "_")
	for _, t := range AllRelationshipTypes {
		if string(t) == v {
			return t, nil
		}
	}
	if t, ok := relAliases[v]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRelType, s)
}

// Evidence kinds, used as the JSON discriminator.
const (
	EvidenceCompany  = "company"
	EvidenceSchool   = "school"
	EvidenceFamily   = "family"
	EvidenceOrg      = "organization"
	EvidenceHometown = "hometown"
	EvidencePlatform = "platform"
	EvidenceRole     = "role"
	EvidenceNote     = "note"
)

// Evidence is the typed detail supporting an edge. Each relationship family
// has its own variant so handlers can switch exhaustively on it.
type Evidence interface {
	Kind() string
	Summary() string
}

// CompanyEvidence supports coworker ties.
type CompanyEvidence struct {
	Company    string `json:"company"`
	Team       string `json:"team,omitempty"`
	StartYearA int    `json:"start_year_a,omitempty"`
	EndYearA   int    `json:"end_year_a,omitempty"`
	StartYearB int    `json:"start_year_b,omitempty"`
	EndYearB   int    `json:"end_year_b,omitempty"`
}

func (CompanyEvidence) Kind() string      { return EvidenceCompany }
func (e CompanyEvidence) Summary() string { return "worked at " + e.Company }

// OverlappingYears reports whether both employment windows are known and intersect.
func (e CompanyEvidence) OverlappingYears() bool {
	if e.StartYearA == 0 || e.StartYearB == 0 {
		return false
	}
	endA, endB := e.EndYearA, e.EndYearB
	if endA == 0 {
		endA = 1 << 30
	}
	if endB == 0 {
		endB = 1 << 30
	}
	return e.StartYearA <= endB && e.StartYearB <= endA
}

// SchoolEvidence supports education ties.
type SchoolEvidence struct {
	School         string `json:"school"`
	Degree         string `json:"degree,omitempty"`
	SameDegree     bool   `json:"same_degree,omitempty"`
	GraduationYear int    `json:"graduation_year,omitempty"`
	SameYear       bool   `json:"same_year,omitempty"`
}

func (SchoolEvidence) Kind() string      { return EvidenceSchool }
func (e SchoolEvidence) Summary() string { return "attended " + e.School }

// FamilyEvidence supports family ties.
type FamilyEvidence struct {
	Relation string `json:"relation"`
	Verified bool   `json:"verified,omitempty"`
}

func (FamilyEvidence) Kind() string      { return EvidenceFamily }
func (e FamilyEvidence) Summary() string { return "family (" + e.Relation + ")" }

// OrgEvidence supports greek-life and social organization ties.
type OrgEvidence struct {
	Organization string `json:"organization"`
	Chapter      string `json:"chapter,omitempty"`
}

func (OrgEvidence) Kind() string { return EvidenceOrg }
func (e OrgEvidence) Summary() string {
	if e.Chapter != "" {
		return "members of " + e.Organization + " (" + e.Chapter + ")"
	}
	return "members of " + e.Organization
}

// HometownEvidence supports hometown ties.
type HometownEvidence struct {
	Hometown Hometown `json:"hometown"`
}

func (HometownEvidence) Kind() string      { return EvidenceHometown }
func (e HometownEvidence) Summary() string { return "both from " + e.Hometown.City }

// PlatformEvidence supports social-platform ties.
type PlatformEvidence struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle,omitempty"`
}

func (PlatformEvidence) Kind() string      { return EvidencePlatform }
func (e PlatformEvidence) Summary() string { return "connected on " + e.Platform }

// RoleEvidence supports assistant, board, vendor, investor and mentor ties.
type RoleEvidence struct {
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
}

func (RoleEvidence) Kind() string { return EvidenceRole }
func (e RoleEvidence) Summary() string {
	if e.Organization != "" {
		return e.Role + " at " + e.Organization
	}
	return e.Role
}

// NoteEvidence is free text for types without structured detail.
type NoteEvidence struct {
	Note string `json:"note"`
}

func (NoteEvidence) Kind() string      { return EvidenceNote }
func (e NoteEvidence) Summary() string { return e.Note }

type evidenceEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvidence encodes evidence with its kind discriminator.
func MarshalEvidence(e Evidence) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(evidenceEnvelope{Kind: e.Kind(), Data: data})
}

// UnmarshalEvidence decodes evidence produced by MarshalEvidence.
func UnmarshalEvidence(b []byte) (Evidence, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env evidenceEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	var (
		ev  Evidence
		err error
	)
	switch env.Kind {
	case EvidenceCompany:
		var v CompanyEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceSchool:
		var v SchoolEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceFamily:
		var v FamilyEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceOrg:
		var v OrgEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceHometown:
		var v HometownEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidencePlatform:
		var v PlatformEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceRole:
		var v RoleEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EvidenceNote:
		var v NoteEvidence
		err = json.Unmarshal(env.Data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("evidence: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w", env.Kind, err)
	}
	return ev, nil
}
