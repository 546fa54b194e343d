package domain

import "strings"

// Dimension is a person attribute that persons can be grouped or looked up by.
type Dimension string

const (
	DimCompany      Dimension = "company"
	DimSchool       Dimension = "school"
	DimOrganization Dimension = "organization"
	DimHometown     Dimension = "hometown"
	DimSocial       Dimension = "social"
	DimEmail        Dimension = "email"
	DimName         Dimension = "name"
)

// GroupingDimensions are the dimensions the graph builder derives edges from.
var GroupingDimensions = []Dimension{DimCompany, DimSchool, DimOrganization, DimHometown, DimSocial}

// RelationshipFor maps a grouping dimension to the derived edge type.
func RelationshipFor(d Dimension) RelationshipType {
	switch d {
	case DimCompany:
		return RelCoworker
	case DimSchool:
		return RelEducation
	case DimOrganization:
		return RelGreekLife
	case DimHometown:
		return RelHometown
	case DimSocial:
		return RelSocialPlatform
	}
	return RelOther
}

// NormalizeKey lowercases s and collapses runs of whitespace.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Keys returns the normalized grouping keys of p along d, plus how many
// entries were malformed and skipped. A missing scalar attribute is not
// counted as malformed.
func (p Person) Keys(d Dimension) (keys []string, malformed int) {
	switch d {
	case DimCompany:
		if k := NormalizeKey(p.Company); k != "" {
			keys = append(keys, k)
		}
	case DimSchool:
		for _, e := range p.Education {
			k := NormalizeKey(e.School)
			if k == "" {
				malformed++
				continue
			}
			keys = append(keys, k)
		}
	case DimOrganization:
		for _, o := range p.Organizations {
			k := OrgKey(o)
			if k == "" {
				malformed++
				continue
			}
			keys = append(keys, k)
		}
	case DimHometown:
		for _, h := range p.Hometowns {
			k := h.Key()
			if k == "" {
				malformed++
				continue
			}
			keys = append(keys, k)
		}
	case DimSocial:
		for _, s := range p.Socials {
			k := s.Key()
			if k == "" || s.Platform == "" {
				malformed++
				continue
			}
			keys = append(keys, k)
		}
	case DimEmail:
		if k := NormalizeKey(p.Email); k != "" {
			keys = append(keys, k)
		}
	case DimName:
		if k := NormalizeKey(p.DisplayName()); k != "" {
			keys = append(keys, k)
		}
	}
	return dedupe(keys), malformed
}

// OrgKey is name|chapter, lowercased. Empty when the name is missing.
func OrgKey(o Organization) string {
	name := NormalizeKey(o.Name)
	if name == "" {
		return ""
	}
	return name + "|" + NormalizeKey(o.Chapter)
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
