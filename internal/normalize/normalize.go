// Package normalize provides canonical forms for fact values, used both for
// deduplication and for the round-trip normalization law: normalize(x) is
// idempotent for every supported fact key.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// programmingLanguageCanonical handles common abbreviations and variant spellings.
var programmingLanguageCanonical = map[string]string{
	"js":             "javascript",
	"ts":             "typescript",
	"py":             "python",
	"golang":         "go",
	"c++":            "cpp",
	"c#":             "csharp",
	"objective-c":    "objc",
	"objective c":    "objc",
}

// spokenLanguageCanonical handles Ukrainian/Russian/English variants.
var spokenLanguageCanonical = map[string]string{
	"англійська": "english",
	"українська": "ukrainian",
	"російська":  "russian",
	"польська":   "polish",
	"німецька":   "german",
	"французька": "french",
	"іспанська":  "spanish",
	"англ":       "english",
	"укр":        "ukrainian",
	"рус":        "russian",
}

// locationCanonical handles Cyrillic/Latin city name variants.
var locationCanonical = map[string]string{
	"київ":             "kyiv",
	"києва":            "kyiv",
	"киев":             "kyiv",
	"kiyv":             "kyiv",
	"kiew":             "kyiv",
	"львів":            "lviv",
	"lvov":             "lviv",
	"одеса":            "odesa",
	"одесса":           "odesa",
	"odessa":           "odesa",
	"харків":           "kharkiv",
	"харьков":          "kharkiv",
	"kharkov":          "kharkiv",
	"дніпро":           "dnipro",
	"днепр":            "dnipro",
	"dnipropetrovsk":   "dnipro",
	"zaporizhzhia":     "zaporizhzhia",
	"запоріжжя":        "zaporizhzhia",
}

var whitespaceRE = regexp.MustCompile(`\s+`)
var locationSuffixRE = regexp.MustCompile(`(?i),?\s*(ukraine|україна|украина)$`)
var oblastSuffixRE = regexp.MustCompile(`(?i),?\s*(oblast|область)$`)
var progLangSuffixRE = regexp.MustCompile(`(?i)\s+(programming\s+)?language$`)
var spokenLangSuffixRE = regexp.MustCompile(`\s+(мова|язык|language)$`)
var nonDigitRE = regexp.MustCompile(`\D`)

// Unicode applies NFC normalization.
func Unicode(text string) string { return norm.NFC.String(text) }

// Whitespace strips and collapses runs of whitespace.
func Whitespace(text string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(text), " ")
}

// Case lowercases text, respecting Unicode case folding.
func Case(text string) string { return strings.Map(unicode.ToLower, text) }

// Basic is the safe, general-purpose normalizer for every fact type:
// unicode NFC, then case-fold, then whitespace collapse.
func Basic(text string) string {
	return Whitespace(Case(Unicode(text)))
}

// Location normalizes a location for deduplication: strips trailing
// "Ukraine/область/oblast" qualifiers, then applies the canonical city table.
func Location(value string) string {
	normalized := Basic(value)
	normalized = locationSuffixRE.ReplaceAllString(normalized, "")
	normalized = oblastSuffixRE.ReplaceAllString(normalized, "")
	normalized = strings.TrimSpace(normalized)
	if canon, ok := locationCanonical[normalized]; ok {
		return canon
	}
	return normalized
}

// ProgrammingLanguage strips a trailing "programming language" suffix and
// applies the abbreviation table.
func ProgrammingLanguage(value string) string {
	normalized := Basic(value)
	normalized = progLangSuffixRE.ReplaceAllString(normalized, "")
	normalized = strings.TrimSpace(normalized)
	if canon, ok := programmingLanguageCanonical[normalized]; ok {
		return canon
	}
	return normalized
}

// SpokenLanguage strips a trailing "language/мова/язык" suffix and applies
// the spoken-language lexicon.
func SpokenLanguage(value string) string {
	normalized := Basic(value)
	normalized = spokenLangSuffixRE.ReplaceAllString(normalized, "")
	normalized = strings.TrimSpace(normalized)
	if canon, ok := spokenLanguageCanonical[normalized]; ok {
		return canon
	}
	return normalized
}

// Age keeps digits only.
func Age(value string) string {
	digits := nonDigitRE.ReplaceAllString(value, "")
	if digits == "" {
		return value
	}
	return digits
}

// FactValue normalizes fact_value based on fact_key, applying type-specific
// rules where one exists and falling back to Basic otherwise.
func FactValue(factKey, factValue string) string {
	switch factKey {
	case "location":
		return Location(factValue)
	case "programming_language":
		return ProgrammingLanguage(factValue)
	case "language":
		return SpokenLanguage(factValue)
	case "age":
		return Age(factValue)
	default:
		return Basic(factValue)
	}
}

// DedupKey is the (fact_type, fact_key, normalized_value) tuple the hybrid
// extractor deduplicates on.
type DedupKey struct {
	FactType        string
	FactKey         string
	NormalizedValue string
}

// Key computes the deduplication key for a fact candidate.
func Key(factType, factKey, factValue string) DedupKey {
	return DedupKey{FactType: factType, FactKey: factKey, NormalizedValue: FactValue(factKey, factValue)}
}
