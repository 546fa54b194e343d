package validate

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/WessleyAI/warmpath/engine/domain"
)

// title upper-cases the first letter of each word. Casers are stateful, so
// each call builds its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// NormalizeName collapses whitespace and title-cases a person name. Particles
// such as "van" and "de" keep their case when they are not the first word,
// and Mc and O' prefixes capitalize the following letter.
func NormalizeName(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		lw := strings.ToLower(w)
		if i > 0 && nameParticles[lw] {
			words[i] = lw
			continue
		}
		words[i] = capitalizeParts(title(lw))
	}
	return strings.Join(words, " ")
}

var nameParticles = map[string]bool{
	"van": true, "von": true, "de": true, "del": true, "della": true, "der": true,
	"da": true, "di": true, "la": true, "le": true, "bin": true, "al": true,
}

func capitalizeParts(w string) string {
	for _, prefix := range []string{"Mc", "O'"} {
		if strings.HasPrefix(w, prefix) && len(w) > len(prefix) {
			rest := []rune(w[len(prefix):])
			rest[0] = unicode.ToUpper(rest[0])
			w = prefix + string(rest)
		}
	}
	return w
}

// FoldKey lowercases s, strips diacritics and punctuation, and collapses
// whitespace. Used for similarity comparison only.
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

var corporateSuffix = regexp.MustCompile(`(?i)[,\s]+(inc|incorporated|llc|l\.l\.c|ltd|limited|corp|corporation|co|company|gmbh|plc|ag|sa|s\.a|bv|pty|llp|lp)\.?$`)

// NormalizeCompany trims whitespace and strips trailing corporate suffixes
// ("Acme, Inc." becomes "Acme").
func NormalizeCompany(s string) string {
	out := strings.Join(strings.Fields(s), " ")
	for {
		next := corporateSuffix.ReplaceAllString(out, "")
		if next == out || next == "" {
			break
		}
		out = next
	}
	return strings.TrimRight(out, " ,")
}

var titleAbbreviations = map[string]string{
	"ceo":  "Chief Executive Officer",
	"cto":  "Chief Technology Officer",
	"cfo":  "Chief Financial Officer",
	"coo":  "Chief Operating Officer",
	"cmo":  "Chief Marketing Officer",
	"cpo":  "Chief Product Officer",
	"vp":   "Vice President",
	"svp":  "Senior Vice President",
	"evp":  "Executive Vice President",
	"avp":  "Assistant Vice President",
	"sr":   "Senior",
	"jr":   "Junior",
	"mgr":  "Manager",
	"eng":  "Engineer",
	"engr": "Engineer",
	"dir":  "Director",
	"pm":   "Product Manager",
	"swe":  "Software Engineer",
	"asst": "Assistant",
	"exec": "Executive",
}

var minorWords = map[string]bool{"of": true, "and": true, "the": true, "for": true, "at": true, "in": true}

// NormalizeTitle expands common abbreviations word by word ("Sr. VP Eng"
// becomes "Senior Vice President Engineer") and title-cases the rest.
func NormalizeTitle(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		key := strings.ToLower(strings.Trim(w, ".,"))
		if exp, ok := titleAbbreviations[key]; ok {
			words[i] = exp
			continue
		}
		if strings.ToUpper(w) == w && len(w) <= 4 {
			continue // keep acronyms such as "AI" or "HR"
		}
		if i > 0 && minorWords[key] {
			words[i] = key
			continue
		}
		words[i] = title(strings.ToLower(w))
	}
	return strings.Join(words, " ")
}

// socialHosts lists accepted hosts per platform.
var socialHosts = map[string][]string{
	"linkedin":  {"linkedin.com"},
	"twitter":   {"twitter.com", "x.com"},
	"x":         {"x.com", "twitter.com"},
	"github":    {"github.com"},
	"instagram": {"instagram.com"},
	"facebook":  {"facebook.com", "fb.com"},
}

// CheckSocialURL reports whether raw is an absolute http(s) URL whose host
// belongs to platform. Unknown platforms accept any host.
func CheckSocialURL(platform, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.ErrInvalidURL
	}
	hosts, ok := socialHosts[strings.ToLower(platform)]
	if !ok {
		return nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil
		}
	}
	return domain.ErrInvalidURL
}

// PlatformFromURL guesses the platform of a profile URL.
func PlatformFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, p := range []string{"linkedin", "twitter", "github", "instagram", "facebook"} {
		for _, h := range socialHosts[p] {
			if host == h || strings.HasSuffix(host, "."+h) {
				return p
			}
		}
	}
	return ""
}
