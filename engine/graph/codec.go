package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/pkg/repo"
)

// personToMap flattens a person into node properties. Attribute collections
// are stored as JSON; their grouping keys are stored as lists so lookups can
// use IN predicates.
func personToMap(p domain.Person) map[string]any {
	m := map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"first_name":  p.FirstName,
		"last_name":   p.LastName,
		"email":       domain.NormalizeKey(p.Email),
		"company":     p.Company,
		"title":       p.Title,
		"location":    p.Location,
		"is_ghost":    p.IsGhost,
		"trust_score": int64(p.TrustScore),
		"source":      p.Source,
		"skills":      nonNil(p.Skills),
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
		"name_key":    first(p.Keys(domain.DimName)),
		"company_key": first(p.Keys(domain.DimCompany)),
		"profile_url": NormalizeProfileURL(p.ProfileURL()),
	}
	for _, d := range []struct {
		prop string
		dim  domain.Dimension
	}{
		{"school_keys", domain.DimSchool},
		{"org_keys", domain.DimOrganization},
		{"hometown_keys", domain.DimHometown},
		{"social_keys", domain.DimSocial},
	} {
		keys, _ := p.Keys(d.dim)
		m[d.prop] = nonNil(keys)
	}
	var urls []string
	for _, s := range p.Socials {
		if s.URL != "" {
			urls = append(urls, NormalizeProfileURL(s.URL))
		}
	}
	m["profile_urls"] = nonNil(urls)
	putJSON(m, "education_json", p.Education)
	putJSON(m, "family_json", p.Family)
	putJSON(m, "organizations_json", p.Organizations)
	putJSON(m, "hometowns_json", p.Hometowns)
	putJSON(m, "socials_json", p.Socials)
	return m
}

func first(keys []string, _ int) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func putJSON(m map[string]any, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	m[key] = string(b)
}

func getJSON(props map[string]any, key string, dst any) {
	s := repo.StrProp(props, key)
	if s == "" || s == "null" {
		return
	}
	_ = json.Unmarshal([]byte(s), dst)
}

func personFromProps(props map[string]any) domain.Person {
	p := domain.Person{
		ID:         repo.StrProp(props, "id"),
		Name:       repo.StrProp(props, "name"),
		FirstName:  repo.StrProp(props, "first_name"),
		LastName:   repo.StrProp(props, "last_name"),
		Email:      repo.StrProp(props, "email"),
		Company:    repo.StrProp(props, "company"),
		Title:      repo.StrProp(props, "title"),
		Location:   repo.StrProp(props, "location"),
		IsGhost:    repo.BoolProp(props, "is_ghost"),
		TrustScore: repo.IntProp(props, "trust_score"),
		Source:     repo.StrProp(props, "source"),
		Skills:     repo.StringsProp(props, "skills"),
		CreatedAt:  timeProp(props, "created_at"),
		UpdatedAt:  timeProp(props, "updated_at"),
	}
	if len(p.Skills) == 0 {
		p.Skills = nil
	}
	getJSON(props, "education_json", &p.Education)
	getJSON(props, "family_json", &p.Family)
	getJSON(props, "organizations_json", &p.Organizations)
	getJSON(props, "hometowns_json", &p.Hometowns)
	getJSON(props, "socials_json", &p.Socials)
	return p
}

func timeProp(props map[string]any, key string) time.Time {
	switch v := props[key].(type) {
	case time.Time:
		return v
	case dbtype.LocalDateTime:
		return v.Time()
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}
	return time.Time{}
}

func personFromRecord(rec *neo4j.Record) (domain.Person, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Person{}, err
	}
	return personFromProps(node.Props), nil
}

// edgeProps are the relationship properties written on create.
func edgeProps(e domain.Edge) (map[string]any, error) {
	ev, err := domain.MarshalEvidence(e.Evidence)
	if err != nil {
		return nil, fmt.Errorf("edge %s evidence: %w", e.Key(), err)
	}
	return map[string]any{
		"id":         e.ID,
		"type":       string(e.Type),
		"strength":   int64(e.Strength),
		"evidence":   string(ev),
		"source":     e.Source,
		"is_ghost":   e.IsGhost,
		"created_at": e.CreatedAt,
	}, nil
}

// edgeFromRecord decodes rows returned as `from, to, r` where r is the
// relationship's property map.
func edgeFromRecord(rec *neo4j.Record) (domain.Edge, error) {
	row := rec.AsMap()
	props, _ := row["r"].(map[string]any)
	if props == nil {
		if rel, ok := row["r"].(dbtype.Relationship); ok {
			props = rel.Props
		}
	}
	e := domain.Edge{
		ID:        repo.StrProp(props, "id"),
		From:      repo.StrProp(row, "from"),
		To:        repo.StrProp(row, "to"),
		Type:      domain.RelationshipType(repo.StrProp(props, "type")),
		Strength:  repo.IntProp(props, "strength"),
		Source:    repo.StrProp(props, "source"),
		IsGhost:   repo.BoolProp(props, "is_ghost"),
		CreatedAt: timeProp(props, "created_at"),
	}
	if raw := repo.StrProp(props, "evidence"); raw != "" {
		ev, err := domain.UnmarshalEvidence([]byte(raw))
		if err != nil {
			return domain.Edge{}, err
		}
		e.Evidence = ev
	}
	return e, nil
}
