// Package factextract implements the hybrid (rule-based primary, model-based
// fallback) fact extraction pipeline.
package factextract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oleksiy-k/botcore/internal/patterns"
)

// Candidate is one extracted fact candidate prior to persistence.
type Candidate struct {
	FactType   string // "personal", "preference", "skill", ...
	FactKey    string // "location", "likes", "dislikes", "language", "profession", "programming_language", "age"
	FactValue  string
	Confidence float64
}

const (
	confLocation   = 0.9
	confLike       = 0.85
	confDislike    = 0.85
	confLanguage   = 0.85
	confProfession = 0.85
	confProgLang   = 0.9
	confAge        = 1.0
	cityBoost      = 0.05
	lexiconBoost   = 0.05
	maxConfidence  = 1.0
	minAge         = 10
	maxAge         = 100
)

// RuleBased extracts fact candidates by scanning text against every
// supported language's compiled pattern group. It always runs and never
// fails: unmatched text simply yields no candidates.
type RuleBased struct{}

func NewRuleBased() *RuleBased { return &RuleBased{} }

// Extract returns fact candidates found in text.
func (r *RuleBased) Extract(text string) []Candidate {
	var out []Candidate
	for _, group := range patterns.All() {
		out = append(out, extractLocation(text, group)...)
		out = append(out, extractFreeForm(text, group.Like, "preference", "likes", confLike, 3, 100, nil)...)
		out = append(out, extractFreeForm(text, group.Dislike, "preference", "dislikes", confDislike, 3, 100, nil)...)
		out = append(out, extractLanguage(text, group)...)
		out = append(out, extractFreeForm(text, group.Profession, "personal", "profession", confProfession, 3, 50, nil)...)
		out = append(out, extractProgLang(text, group)...)
	}
	out = append(out, extractAge(text, patterns.English())...)
	return dedupeWithinCandidates(out)
}

func clampConfidence(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

func extractLocation(text string, group patterns.Group) []Candidate {
	var out []Candidate
	for _, re := range group.Location {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])
		if len(value) < 3 || len(value) > 100 {
			continue
		}
		confidence := confLocation
		if _, known := group.Cities[strings.ToLower(value)]; known {
			confidence = clampConfidence(confidence + cityBoost)
		}
		out = append(out, Candidate{FactType: "personal", FactKey: "location", FactValue: value, Confidence: confidence})
	}
	return out
}

// extractFreeForm runs res against text, keeping matches whose trimmed
// length falls in [minLen, maxLen]. lexicon, if non-nil, boosts confidence
// for a recognized value (used for language/programming-language keys).
func extractFreeForm(text string, res []*regexp.Regexp, factType, factKey string, baseConf float64, minLen, maxLen int, lexicon map[string]struct{}) []Candidate {
	var out []Candidate
	for _, re := range res {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		value := strings.TrimSpace(m[1])
		if len(value) < minLen || len(value) > maxLen {
			continue
		}
		confidence := baseConf
		if lexicon != nil {
			if _, known := lexicon[strings.ToLower(value)]; known {
				confidence = clampConfidence(confidence + lexiconBoost)
			}
		}
		out = append(out, Candidate{FactType: factType, FactKey: factKey, FactValue: value, Confidence: confidence})
	}
	return out
}

func extractLanguage(text string, group patterns.Group) []Candidate {
	return extractFreeForm(text, group.Language, "skill", "language", confLanguage, 3, 100, group.SpokenLanguages)
}

func extractProgLang(text string, group patterns.Group) []Candidate {
	return extractFreeForm(text, group.ProgrammingLanguage, "skill", "programming_language", confProgLang, 3, 100, group.ProgrammingLanguages)
}

func extractAge(text string, group patterns.Group) []Candidate {
	var out []Candidate
	for _, re := range group.Age {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		age, err := strconv.Atoi(m[1])
		if err != nil || age < minAge || age > maxAge {
			continue
		}
		out = append(out, Candidate{FactType: "personal", FactKey: "age", FactValue: m[1], Confidence: confAge})
	}
	return out
}

// dedupeWithinCandidates keeps the highest-confidence candidate per
// (fact_type, fact_key) within a single extraction pass, before the
// normalized-key dedup the hybrid orchestrator performs across sources.
func dedupeWithinCandidates(in []Candidate) []Candidate {
	best := make(map[[2]string]Candidate, len(in))
	order := make([][2]string, 0, len(in))
	for _, c := range in {
		key := [2]string{c.FactType, c.FactKey}
		if existing, ok := best[key]; !ok || c.Confidence > existing.Confidence {
			if !ok {
				order = append(order, key)
			}
			best[key] = c
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}
