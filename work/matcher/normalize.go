// Package matcher turns raw provider channel names into comparison keys,
// extracts region and edition qualifiers, and scores name similarity.
package matcher

import (
	"strings"
	"unicode"

	"github.com/grafana/regexp"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	bracketPattern = regexp.MustCompile(`\[[^\]]*\]`)
	parenPattern   = regexp.MustCompile(`\([^)]*\)`)
	edgePattern    = regexp.MustCompile(`^[\s|\-_:.*]+|[\s|\-_:.*]+$`)
	spacePattern   = regexp.MustCompile(`\s+`)
	tokenSplit     = regexp.MustCompile(`[^\p{L}\p{N}+]+`)
)

// maxCleanPasses bounds the fixed-point loop in Clean.
const maxCleanPasses = 8

// qualifier is a vocabulary token and the form it is reported in.
type qualifier struct {
	token   string
	display string
}

// regions is scanned in order; the first whole-word hit wins.
var regions = []qualifier{
	{"east", "East"}, {"west", "West"}, {"north", "North"}, {"south", "South"},
	{"central", "Central"}, {"ontario", "Ontario"}, {"quebec", "Quebec"},
	{"alberta", "Alberta"}, {"bc", "BC"}, {"atlantic", "Atlantic"},
	{"pacific", "Pacific"}, {"mountain", "Mountain"}, {"eastern", "Eastern"},
	{"western", "Western"}, {"usa", "USA"}, {"us", "US"}, {"uk", "UK"},
	{"ca", "CA"}, {"canadian", "Canadian"}, {"american", "American"},
	{"british", "British"},
}

// variants is scanned in order; the first whole-word hit wins.
var variants = []qualifier{
	{"hd", "HD"}, {"sd", "SD"}, {"4k", "4K"}, {"uhd", "UHD"}, {"fhd", "FHD"},
	{"plus", "Plus"}, {"+", "+"}, {"premium", "Premium"}, {"extra", "Extra"},
	{"1", "1"}, {"2", "2"}, {"3", "3"}, {"news", "News"}, {"sports", "Sports"},
	{"movies", "Movies"},
}

var qualifierTokens = func() map[string]struct{} {
	set := make(map[string]struct{}, len(regions)+len(variants))
	for _, q := range regions {
		set[q.token] = struct{}{}
	}
	for _, q := range variants {
		set[q.token] = struct{}{}
	}
	return set
}()

// fold applies compatibility normalization, strips combining marks and
// case-folds. Casers and transformers keep state, so they are built per call.
func fold(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

func cleanPass(s string) string {
	s = fold(s)
	s = bracketPattern.ReplaceAllString(s, " ")
	s = parenPattern.ReplaceAllString(s, " ")
	s = spacePattern.ReplaceAllString(s, " ")
	return edgePattern.ReplaceAllString(s, "")
}

// Clean removes bracketed and parenthetical segments, trims separator
// characters from both ends, collapses whitespace and case-folds. Region and
// variant tokens are kept. Clean(Clean(x)) == Clean(x).
func Clean(raw string) string {
	s := raw
	for i := 0; i < maxCleanPasses; i++ {
		next := cleanPass(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

// tokenize splits a folded name into words, treating "+" as its own word.
func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "+", " + ")
	parts := tokenSplit.Split(s, -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// Normalize produces the comparison key for a raw channel name: the cleaned
// name with region and variant tokens removed. A name made only of qualifiers
// keeps them, so the key is never empty for a non-empty name.
func Normalize(raw string) string {
	tokens := tokenize(Clean(raw))
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := qualifierTokens[t]; !ok {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = tokens
	}
	return strings.Join(kept, " ")
}

func firstHit(raw string, vocab []qualifier) string {
	present := make(map[string]struct{})
	for _, t := range tokenize(fold(raw)) {
		present[t] = struct{}{}
	}
	for _, q := range vocab {
		if _, ok := present[q.token]; ok {
			return q.display
		}
	}
	return ""
}

// ExtractRegion returns the first region qualifier found as a whole word in
// the raw name, or "" when there is none. Bracketed text is scanned too.
func ExtractRegion(raw string) string {
	return firstHit(raw, regions)
}

// ExtractVariant returns the first edition qualifier (HD, 4K, +, News...)
// found as a whole word in the raw name, or "".
func ExtractVariant(raw string) string {
	return firstHit(raw, variants)
}

// SameQualifier reports whether two optional qualifiers are compatible: equal
// when both are present, always compatible when either is missing.
func SameQualifier(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(a, b)
}
