// Package validate normalizes inbound person records, detects duplicates of
// persons already stored, and scores the confidence of inferred relationships.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// RawSocial is a social handle as received from a source.
type RawSocial struct {
	Platform string `json:"platform"`
	Handle   string `json:"handle,omitempty"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
}

// RawPerson is an unvalidated person record from an import or an
// enrichment source.
type RawPerson struct {
	ExternalID    string                `json:"external_id,omitempty"`
	Name          string                `json:"name,omitempty" validate:"max=200"`
	FirstName     string                `json:"first_name,omitempty" validate:"max=100"`
	LastName      string                `json:"last_name,omitempty" validate:"max=100"`
	Email         string                `json:"email,omitempty" validate:"omitempty,email"`
	Company       string                `json:"company,omitempty" validate:"max=200"`
	Title         string                `json:"title,omitempty" validate:"max=200"`
	Location      string                `json:"location,omitempty"`
	LinkedInURL   string                `json:"linkedin_url,omitempty" validate:"omitempty,url"`
	Socials       []RawSocial           `json:"socials,omitempty" validate:"dive"`
	Education     []domain.Education    `json:"education,omitempty"`
	Family        []domain.FamilyTie    `json:"family,omitempty"`
	Organizations []domain.Organization `json:"organizations,omitempty"`
	Hometowns     []domain.Hometown     `json:"hometowns,omitempty"`
	Skills        []string              `json:"skills,omitempty"`
	IsGhost       bool                  `json:"is_ghost,omitempty"`
}

// Warning is a non-fatal finding about a record.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator turns raw records into normalized persons.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate normalizes raw. Errors block ingestion of the record; warnings do
// not. The returned person has no ID; callers assign one on write.
func (val *Validator) Validate(raw RawPerson, source string) (domain.Person, []Warning, []*domain.ValidationError) {
	var errs []*domain.ValidationError
	var warns []Warning

	if err := val.v.Struct(raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return domain.Person{}, nil, []*domain.ValidationError{domain.NewValidationError("record", "", err)}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	p := domain.Person{
		Name:          NormalizeName(raw.Name),
		FirstName:     NormalizeName(raw.FirstName),
		LastName:      NormalizeName(raw.LastName),
		Email:         strings.ToLower(strings.TrimSpace(raw.Email)),
		Company:       NormalizeCompany(raw.Company),
		Title:         NormalizeTitle(raw.Title),
		Location:      strings.Join(strings.Fields(raw.Location), " "),
		Education:     raw.Education,
		Family:        raw.Family,
		Organizations: raw.Organizations,
		Hometowns:     raw.Hometowns,
		Skills:        normalizeSkills(raw.Skills),
		IsGhost:       raw.IsGhost,
		Source:        source,
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	if p.Name == "" {
		errs = append(errs, domain.NewValidationError("name", "", domain.ErrMissingName))
	}
	if p.FirstName == "" && p.LastName == "" && p.Name != "" {
		parts := strings.Fields(p.Name)
		p.FirstName = parts[0]
		if len(parts) > 1 {
			p.LastName = parts[len(parts)-1]
		}
	}

	if raw.LinkedInURL != "" {
		if err := CheckSocialURL("linkedin", raw.LinkedInURL); err != nil {
			errs = appendUnique(errs, domain.NewValidationError("linkedin_url", raw.LinkedInURL, err))
		} else {
			p.Socials = append(p.Socials, domain.SocialHandle{Platform: "linkedin", URL: strings.TrimSpace(raw.LinkedInURL)})
		}
	}
	for i, s := range raw.Socials {
		platform := strings.ToLower(strings.TrimSpace(s.Platform))
		if platform == "" && s.URL != "" {
			platform = PlatformFromURL(s.URL)
		}
		if s.URL != "" {
			if err := CheckSocialURL(platform, s.URL); err != nil {
				errs = appendUnique(errs, domain.NewValidationError(fmt.Sprintf("socials[%d].url", i), s.URL, err))
				continue
			}
		}
		if platform == "" || (s.URL == "" && strings.TrimSpace(s.Handle) == "") {
			warns = append(warns, Warning{Field: fmt.Sprintf("socials[%d]", i), Message: "incomplete social handle skipped"})
			continue
		}
		p.Socials = append(p.Socials, domain.SocialHandle{
			Platform: platform,
			Handle:   strings.TrimPrefix(strings.TrimSpace(s.Handle), "@"),
			URL:      strings.TrimSpace(s.URL),
		})
	}

	if p.Company == "" {
		warns = append(warns, Warning{Field: "company", Message: "no company provided"})
	}
	if p.Email == "" && p.ProfileURL() == "" {
		warns = append(warns, Warning{Field: "email", Message: "no email or profile url; duplicates can only be matched by name"})
	}
	for i, e := range p.Education {
		if strings.TrimSpace(e.School) == "" {
			warns = append(warns, Warning{Field: fmt.Sprintf("education[%d].school", i), Message: "missing school name"})
		}
	}
	p.NormalizeTrust()
	return p, warns, errs
}

func fieldError(fe validator.FieldError) *domain.ValidationError {
	field := jsonName(fe.StructNamespace())
	value := fmt.Sprint(fe.Value())
	switch fe.Tag() {
	case "email":
		return domain.NewValidationError(field, value, domain.ErrInvalidEmail)
	case "url":
		return domain.NewValidationError(field, value, domain.ErrInvalidURL)
	}
	return domain.NewValidationError(field, value, fmt.Errorf("failed %q rule", fe.Tag()))
}

// jsonName turns "RawPerson.Socials[0].URL" into "socials[0].url".
func jsonName(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	switch ns {
	case "LinkedInURL":
		return "linkedin_url"
	case "FirstName":
		return "first_name"
	case "LastName":
		return "last_name"
	}
	return strings.ToLower(ns)
}

// appendUnique skips a second error for the same field, since the struct
// tags and the host check can both reject one URL.
func appendUnique(errs []*domain.ValidationError, e *domain.ValidationError) []*domain.ValidationError {
	for _, x := range errs {
		if x.Field == e.Field {
			return errs
		}
	}
	return append(errs, e)
}

func normalizeSkills(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.Join(strings.Fields(s), " ")
		k := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
