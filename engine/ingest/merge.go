package ingest

import (
	"reflect"
	"strings"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/fn"
)

// mergePerson folds incoming into existing. Identity fields (ID, email,
// ghost flag, trust, source) stay with existing; current-position fields
// take the incoming value when present; collections are unioned. Reports
// whether anything changed, so re-ingesting a record is a no-op.
func mergePerson(existing, incoming domain.Person) (domain.Person, bool) {
	out := existing
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	fill(&out.Name, incoming.Name)
	fill(&out.FirstName, incoming.FirstName)
	fill(&out.LastName, incoming.LastName)
	fill(&out.Email, incoming.Email)
	override(&out.Company, incoming.Company)
	override(&out.Title, incoming.Title)
	override(&out.Location, incoming.Location)

	out.Education = union(existing.Education, incoming.Education, func(e domain.Education) string {
		return domain.NormalizeKey(e.School) + "|" + domain.NormalizeKey(e.Degree)
	})
	out.Family = union(existing.Family, incoming.Family, func(f domain.FamilyTie) string {
		return f.RelativeID + "|" + domain.NormalizeKey(f.RelativeName) + "|" + domain.NormalizeKey(f.Relation)
	})
	out.Organizations = union(existing.Organizations, incoming.Organizations, domain.OrgKey)
	out.Hometowns = union(existing.Hometowns, incoming.Hometowns, domain.Hometown.Key)
	out.Socials = union(existing.Socials, incoming.Socials, domain.SocialHandle.Key)
	out.Skills = union(existing.Skills, incoming.Skills, strings.ToLower)

	return out, !reflect.DeepEqual(existing, out)
}

// union appends the items of b whose key is not already in a. Entries with
// an empty key are kept from a and dropped from b.
func union[T any](a, b []T, key func(T) string) []T {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[key(v)] = struct{}{}
	}
	added := fn.Filter(fn.UniqueBy(b, key), func(v T) bool {
		k := key(v)
		if k == "" {
			return false
		}
		_, dup := seen[k]
		return !dup
	})
	if len(added) == 0 {
		return a
	}
	out := make([]T, 0, len(a)+len(added))
	out = append(out, a...)
	return append(out, added...)
}
