// Package domain defines the core types of the warm-introduction engine:
// persons, typed relationship edges, the edge weight policy, computed
// connection paths, cached paths and enrichment jobs.
package domain

import (
	"strings"
	"time"
)

// Trust score bounds for persons.
const (
	MaxTrustScore     = 100
	GhostTrustScore   = 40
	ClaimedTrustFloor = 70
)

// Education is a single school attended by a person.
type Education struct {
	School         string `json:"school"`
	Degree         string `json:"degree,omitempty"`
	Field          string `json:"field,omitempty"`
	GraduationYear int    `json:"graduation_year,omitempty"`
}

// FamilyTie links a person to a relative by identifier or name.
type FamilyTie struct {
	RelativeID   string `json:"relative_id,omitempty"`
	RelativeName string `json:"relative_name,omitempty"`
	Relation     string `json:"relation"` // parent, sibling, spouse, cousin, ...
}

// Organization is a greek-life or social organization membership.
type Organization struct {
	Name    string `json:"name"`
	Chapter string `json:"chapter,omitempty"`
	School  string `json:"school,omitempty"`
	Year    int    `json:"year,omitempty"`
}

// Hometown is a city/state/country tuple.
type Hometown struct {
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Key returns the normalized grouping key, or "" when the city is missing.
func (h Hometown) Key() string {
	city := strings.ToLower(strings.TrimSpace(h.City))
	if city == "" {
		return ""
	}
	return city + "|" + strings.ToLower(strings.TrimSpace(h.State)) + "|" + strings.ToLower(strings.TrimSpace(h.Country))
}

// SocialHandle is a handle or profile URL on a social platform.
type SocialHandle struct {
	Platform string `json:"platform"` // linkedin, twitter, github, instagram, facebook
	Handle   string `json:"handle,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Key returns "platform:handle-or-url" lowercased, or "" when both are empty.
func (s SocialHandle) Key() string {
	v := strings.TrimSpace(s.URL)
	if v == "" {
		v = strings.TrimSpace(s.Handle)
	}
	if v == "" {
		return ""
	}
	v = strings.TrimSuffix(strings.ToLower(v), "/")
	return strings.ToLower(s.Platform) + ":" + v
}

// Person is a node in the relationship graph.
type Person struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	FirstName     string         `json:"first_name,omitempty"`
	LastName      string         `json:"last_name,omitempty"`
	Email         string         `json:"email,omitempty"`
	Company       string         `json:"company,omitempty"`
	Title         string         `json:"title,omitempty"`
	Location      string         `json:"location,omitempty"`
	Education     []Education    `json:"education,omitempty"`
	Family        []FamilyTie    `json:"family,omitempty"`
	Organizations []Organization `json:"organizations,omitempty"`
	Hometowns     []Hometown     `json:"hometowns,omitempty"`
	Socials       []SocialHandle `json:"socials,omitempty"`
	Skills        []string       `json:"skills,omitempty"`
	IsGhost       bool           `json:"is_ghost"`
	TrustScore    int            `json:"trust_score"`
	Source        string         `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DisplayName returns Name, or the first/last pair when Name is empty.
func (p Person) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ProfileURL returns the first social profile URL, preferring LinkedIn.
func (p Person) ProfileURL() string {
	first := ""
	for _, s := range p.Socials {
		if s.URL == "" {
			continue
		}
		if strings.EqualFold(s.Platform, "linkedin") {
			return s.URL
		}
		if first == "" {
			first = s.URL
		}
	}
	return first
}

// Claim converts a ghost profile into a claimed one. The identifier and all
// attribute collections are preserved so accumulated edges stay attached.
func (p *Person) Claim(now time.Time) {
	if !p.IsGhost {
		return
	}
	p.IsGhost = false
	if p.TrustScore < ClaimedTrustFloor {
		p.TrustScore = ClaimedTrustFloor
	}
	p.UpdatedAt = now
}

// NormalizeTrust clamps the trust score and applies the ghost ceiling.
func (p *Person) NormalizeTrust() {
	if p.TrustScore <= 0 {
		p.TrustScore = MaxTrustScore
		if p.IsGhost {
			p.TrustScore = GhostTrustScore
		}
	}
	if p.TrustScore > MaxTrustScore {
		p.TrustScore = MaxTrustScore
	}
	if p.IsGhost && p.TrustScore > GhostTrustScore {
		p.TrustScore = GhostTrustScore
	}
}
