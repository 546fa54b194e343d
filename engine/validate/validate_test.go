package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/graph"
)

func TestValidate_Normalizes(t *testing.T) {
	p, warns, errs := New().Validate(RawPerson{
		Name:        "  jane   doe ",
		Email:       " Jane@X.com ",
		Company:     "Acme, Inc.",
		Title:       "Sr. VP Eng",
		LinkedInURL: "https://www.linkedin.com/in/janedoe/",
		Skills:      []string{"go", " Go ", "", "sql"},
	}, "import")
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(warns) != 0 {
		t.Fatalf("warnings: %+v", warns)
	}
	if p.Name != "Jane Doe" || p.FirstName != "Jane" || p.LastName != "Doe" {
		t.Fatalf("name: %+v", p)
	}
	if p.Email != "jane@x.com" || p.Company != "Acme" {
		t.Fatalf("email/company: %q %q", p.Email, p.Company)
	}
	if p.Title != "Senior Vice President Engineer" {
		t.Fatalf("title = %q", p.Title)
	}
	if p.ProfileURL() == "" || p.Source != "import" || p.TrustScore != domain.MaxTrustScore {
		t.Fatalf("person: %+v", p)
	}
	if len(p.Skills) != 2 {
		t.Fatalf("skills: %v", p.Skills)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   RawPerson
		field string
		want  error
	}{
		{"missing name", RawPerson{Email: "a@b.com"}, "name", domain.ErrMissingName},
		{"bad email", RawPerson{Name: "A B", Email: "not-an-email"}, "email", domain.ErrInvalidEmail},
		{"linkedin on wrong host", RawPerson{Name: "A B", LinkedInURL: "https://twitter.com/ab"}, "linkedin_url", domain.ErrInvalidURL},
		{"malformed social url", RawPerson{Name: "A B", Socials: []RawSocial{{Platform: "github", URL: "github.com/ab"}}}, "socials[0].url", domain.ErrInvalidURL},
	}
	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, errs := v.Validate(tt.raw, "test")
			if len(errs) != 1 {
				t.Fatalf("errors: %v", errs)
			}
			if errs[0].Field != tt.field || !errors.Is(errs[0], tt.want) {
				t.Fatalf("got %v, want %s %v", errs[0], tt.field, tt.want)
			}
		})
	}
}

func TestValidate_NameFromParts(t *testing.T) {
	p, warns, errs := New().Validate(RawPerson{FirstName: "ADA", LastName: "lovelace",
		Socials: []RawSocial{{URL: "https://github.com/ada"}, {Platform: "twitter"}}}, "test")
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	if p.Name != "Ada Lovelace" {
		t.Fatalf("name = %q", p.Name)
	}
	if len(p.Socials) != 1 || p.Socials[0].Platform != "github" {
		t.Fatalf("socials: %+v", p.Socials)
	}
	var skipped, company bool
	for _, w := range warns {
		switch w.Field {
		case "socials[1]":
			skipped = true
		case "company":
			company = true
		}
	}
	if !skipped || !company {
		t.Fatalf("warnings: %+v", warns)
	}
}

func TestNormalizers(t *testing.T) {
	if got := NormalizeName("o'brien mcdonald van der berg"); got != "O'Brien McDonald van der Berg" {
		t.Errorf("name = %q", got)
	}
	for in, want := range map[string]string{
		"Acme, Inc.":         "Acme",
		"Globex Corporation": "Globex",
		"Initech LLC":        "Initech",
		"Costco":             "Costco",
		"  Umbrella  Co. ":   "Umbrella",
	} {
		if got := NormalizeCompany(in); got != want {
			t.Errorf("company %q = %q, want %q", in, got, want)
		}
	}
	if got := NormalizeTitle("head of HR"); got != "Head of HR" {
		t.Errorf("title = %q", got)
	}
	if got := FoldKey("José  Núñez-Pérez"); got != "jose nunez perez" {
		t.Errorf("fold = %q", got)
	}
	if PlatformFromURL("https://x.com/jd") != "twitter" || PlatformFromURL("https://example.com") != "" {
		t.Error("platform detection")
	}
}

func TestSimilarity(t *testing.T) {
	if Similarity("John Smith", "john smith") != 1 {
		t.Fatal("case should not matter")
	}
	if s := Similarity("Jon Smith", "John Smith"); s < 0.89 || s > 0.91 {
		t.Fatalf("similarity = %v", s)
	}
	if Similarity("", "x") != 0 {
		t.Fatal("empty input")
	}
}

func seeded(t *testing.T, persons ...domain.Person) *graph.MemoryStore {
	t.Helper()
	s := graph.NewMemoryStore()
	for _, p := range persons {
		if _, err := s.UpsertPerson(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestFindDuplicate(t *testing.T) {
	store := seeded(t,
		domain.Person{ID: "jane", Name: "Jane Doe", Email: "jane@x.com", Company: "Initech",
			Socials: []domain.SocialHandle{{Platform: "linkedin", URL: "https://linkedin.com/in/jane"}}},
		domain.Person{ID: "john", Name: "John Smith", Company: "Acme"},
	)
	dd := NewDeduplicator(store, Thresholds{})
	ctx := context.Background()

	tests := []struct {
		name   string
		in     domain.Person
		dup    bool
		id     string
		conf   int
		fields int
	}{
		{"email", domain.Person{Name: "J. Doe", Email: "JANE@x.com"}, true, "jane", 95, 1},
		{"profile url", domain.Person{Name: "Janie", Socials: []domain.SocialHandle{{Platform: "linkedin", URL: "http://www.linkedin.com/in/jane/"}}}, true, "jane", 90, 1},
		{"fuzzy name and company", domain.Person{Name: "Jon Smith", Company: "Acme"}, true, "john", 85, 2},
		{"name only", domain.Person{Name: "John Smith"}, true, "john", 85, 1},
		{"different person", domain.Person{Name: "Alice Wong", Company: "Acme"}, false, "", 0, 0},
		{"same record", domain.Person{ID: "john", Name: "John Smith", Company: "Acme"}, false, "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := dd.FindDuplicate(ctx, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if m.IsDuplicate != tt.dup || m.ExistingID != tt.id {
				t.Fatalf("match: %+v", m)
			}
			if tt.dup && (m.Confidence != tt.conf || len(m.MatchedFields) != tt.fields) {
				t.Fatalf("match: %+v", m)
			}
		})
	}
}

func TestFindDuplicate_JaneDoeReingest(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	v := New()
	dd := NewDeduplicator(store, DefaultThresholds())
	raw := RawPerson{Name: "Jane Doe", Email: "jane@x.com", Company: "Acme"}

	first, _, errs := v.Validate(raw, "import")
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	m, err := dd.FindDuplicate(ctx, first)
	if err != nil || m.IsDuplicate {
		t.Fatalf("first ingest: %+v %v", m, err)
	}
	first.ID = "p-jane"
	if _, err := store.UpsertPerson(ctx, first); err != nil {
		t.Fatal(err)
	}

	second, _, _ := v.Validate(raw, "import")
	m, err = dd.FindDuplicate(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsDuplicate || m.ExistingID != "p-jane" || m.Confidence != 95 {
		t.Fatalf("second ingest: %+v", m)
	}
}

func TestNewDeduplicator_Overrides(t *testing.T) {
	dd := NewDeduplicator(nil, Thresholds{Fuzzy: 90})
	th := dd.Thresholds()
	if th.Fuzzy != 90 || th.Email != 95 || th.NameWeight != 0.7 {
		t.Fatalf("thresholds: %+v", th)
	}
	m := dd.Compare(domain.Person{Name: "Jon Smith", Company: "Acme"}, domain.Person{ID: "x", Name: "John Smith", Company: "Acme"})
	if !m.IsDuplicate {
		t.Fatalf("93 should pass 90: %+v", m)
	}
	// name-only similarity is exactly 0.9
	m = dd.Compare(domain.Person{Name: "Jon Smith"}, domain.Person{ID: "x", Name: "John Smith"})
	if !m.IsDuplicate || m.Confidence != 85 || m.ExistingID != "x" {
		t.Fatalf("name-only: %+v", m)
	}
}

func TestScoreRelationshipConfidence(t *testing.T) {
	tests := []struct {
		name string
		typ  domain.RelationshipType
		ev   domain.Evidence
		want int
	}{
		{"bare coworker", domain.RelCoworker, nil, 70},
		{"coworker overlap and team", domain.RelCoworker, domain.CompanyEvidence{Company: "Acme", Team: "Infra",
			StartYearA: 2015, EndYearA: 2019, StartYearB: 2018}, 95},
		{"coworker disjoint", domain.RelCoworker, domain.CompanyEvidence{Company: "Acme",
			StartYearA: 2010, EndYearA: 2012, StartYearB: 2015, EndYearB: 2016}, 70},
		{"classmates", domain.RelEducation, domain.SchoolEvidence{School: "MIT", SameYear: true, SameDegree: true}, 90},
		{"verified family clamps", domain.RelFamily, domain.FamilyEvidence{Relation: "sibling", Verified: true}, 100},
		{"chapter", domain.RelGreekLife, domain.OrgEvidence{Organization: "Sigma Chi", Chapter: "Alpha"}, 75},
		{"hometown", domain.RelHometown, domain.HometownEvidence{Hometown: domain.Hometown{City: "Austin"}}, 40},
		{"unknown type", domain.RelationshipType("astrology"), nil, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreRelationshipConfidence(tt.typ, tt.ev); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBulk(t *testing.T) {
	store := seeded(t, domain.Person{ID: "john", Name: "John Smith", Company: "Acme"})
	dd := NewDeduplicator(store, Thresholds{})
	raws := []RawPerson{
		{Name: "Jane Doe", Email: "jane@x.com", Company: "Initech"},
		{Name: "Jane D.", Email: "Jane@X.com"},
		{Name: "Bad Email", Email: "nope"},
		{Name: "Jon Smith", Company: "Acme Inc"},
		{Name: "Bob Stone", Company: "Globex", LinkedInURL: "https://linkedin.com/in/bob"},
		{Name: "Robert S.", LinkedInURL: "https://www.linkedin.com/in/bob/"},
		{Name: "Alice Wong", Company: "Initech"},
	}
	res, err := Bulk(context.Background(), New(), dd, raws, "csv")
	if err != nil {
		t.Fatal(err)
	}
	c := res.Counts
	if c.Total != 7 || c.Valid != 3 || c.Invalid != 1 || c.Duplicates != 3 {
		t.Fatalf("counts: %+v", c)
	}
	ids := map[int]string{}
	for _, a := range res.Valid {
		if a.Person.ID == "" {
			t.Fatalf("no id assigned: %+v", a)
		}
		ids[a.Index] = a.Person.ID
	}
	want := map[int]string{1: ids[0], 3: "john", 5: ids[4]}
	for _, d := range res.Duplicates {
		if d.Match.ExistingID != want[d.Index] {
			t.Fatalf("duplicate %d: %+v", d.Index, d.Match)
		}
	}
	if res.Invalid[0].Index != 2 {
		t.Fatalf("invalid: %+v", res.Invalid)
	}
}

func TestBulk_StoredEmailBeatsFuzzyBatchMatch(t *testing.T) {
	store := seeded(t, domain.Person{ID: "jane", Name: "Jane Doe", Email: "jane@x.com"})
	dd := NewDeduplicator(store, Thresholds{})
	raws := []RawPerson{
		{Name: "Mark Twain", Company: "Globex"},
		{Name: "Mark Twain", Email: "jane@x.com", Company: "Globex"},
	}
	res, err := Bulk(context.Background(), New(), dd, raws, "csv")
	if err != nil {
		t.Fatal(err)
	}
	if res.Counts.Valid != 1 || res.Counts.Duplicates != 1 {
		t.Fatalf("counts: %+v", res.Counts)
	}
	m := res.Duplicates[0].Match
	if m.ExistingID != "jane" || m.Confidence != 95 || m.MatchedFields[0] != "email" {
		t.Fatalf("stored email match must win: %+v", m)
	}
}

func TestBulk_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Bulk(ctx, New(), NewDeduplicator(graph.NewMemoryStore(), Thresholds{}), []RawPerson{{Name: "A"}}, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
