package factextract

import (
	"context"
	"encoding/json"

	"github.com/oleksiy-k/botcore/internal/normalize"
)

const (
	// earlyExitFactCount is the rule-based result count at or above which
	// the hybrid orchestrator skips the model-based fallback entirely.
	earlyExitFactCount = 3
	// modelFallbackFactCeiling is the rule-based result count below which a
	// model-based fallback is even considered.
	modelFallbackFactCeiling = 2
	// modelFallbackMinMessageLen is the minimum message length (runes) that
	// makes a model-based fallback worth the round trip.
	modelFallbackMinMessageLen = 30
	minConfidence              = 0.5
)

// ModelExtractor is the optional fallback extractor (backed by the
// Generation Client). Its JSON output is validated by the hybrid
// orchestrator before any candidate is accepted.
type ModelExtractor interface {
	ExtractJSON(ctx context.Context, text string) (string, error)
}

// Hybrid composes the always-on rule-based extractor with an optional
// model-based fallback, and deduplicates the combined result.
type Hybrid struct {
	rule      *RuleBased
	model     ModelExtractor
	modelGate func() bool
}

// NewHybrid builds a Hybrid. model may be nil, in which case only the
// rule-based extractor ever runs.
func NewHybrid(model ModelExtractor) *Hybrid {
	return &Hybrid{rule: NewRuleBased(), model: model}
}

// WithModelGate installs a predicate consulted before each model-based
// fallback; returning false suppresses the fallback (used by the resource
// optimizer to shed load under emergency pressure).
func (h *Hybrid) WithModelGate(gate func() bool) *Hybrid {
	h.modelGate = gate
	return h
}

// Extract runs the rule-based extractor, optionally falls back to the
// model-based extractor on a shortfall, and deduplicates by normalized key,
// keeping the highest-confidence variant for each.
func (h *Hybrid) Extract(ctx context.Context, text string) ([]Candidate, error) {
	facts := h.rule.Extract(text)

	if len(facts) >= earlyExitFactCount || h.model == nil {
		return dedupeByNormalizedKey(facts), nil
	}

	if h.modelGate != nil && !h.modelGate() {
		return dedupeByNormalizedKey(facts), nil
	}

	if len(facts) < modelFallbackFactCeiling && len([]rune(text)) > modelFallbackMinMessageLen {
		modelFacts, err := h.runModel(ctx, text)
		if err == nil {
			facts = append(facts, modelFacts...)
		}
		// A model-extractor failure degrades to rule-based-only results;
		// it is never surfaced to the caller (fact extraction is
		// fire-and-forget and must not affect the critical path).
	}

	return dedupeByNormalizedKey(facts), nil
}

type modelFactJSON struct {
	FactType   string  `json:"fact_type"`
	FactKey    string  `json:"fact_key"`
	FactValue  string  `json:"fact_value"`
	Confidence float64 `json:"confidence"`
}

var validFactTypes = map[string]struct{}{
	"personal": {}, "preference": {}, "skill": {}, "trait": {}, "opinion": {}, "relationship": {},
	"tradition": {}, "rule": {}, "norm": {}, "topic": {}, "culture": {}, "event": {}, "shared_knowledge": {},
}

func (h *Hybrid) runModel(ctx context.Context, text string) ([]Candidate, error) {
	raw, err := h.model.ExtractJSON(ctx, text)
	if err != nil {
		return nil, err
	}

	var items []modelFactJSON
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}

	var out []Candidate
	for _, it := range items {
		if it.FactType == "" || it.FactKey == "" || it.FactValue == "" {
			continue
		}
		if _, ok := validFactTypes[it.FactType]; !ok {
			continue
		}
		if it.Confidence < minConfidence || it.Confidence > 1.0 {
			continue
		}
		out = append(out, Candidate{FactType: it.FactType, FactKey: it.FactKey, FactValue: it.FactValue, Confidence: it.Confidence})
	}
	return out, nil
}

// dedupeByNormalizedKey keeps, per (fact_type, fact_key, normalized_value),
// the candidate with the highest confidence.
func dedupeByNormalizedKey(in []Candidate) []Candidate {
	best := make(map[normalize.DedupKey]Candidate, len(in))
	order := make([]normalize.DedupKey, 0, len(in))
	for _, c := range in {
		key := normalize.Key(c.FactType, c.FactKey, c.FactValue)
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
