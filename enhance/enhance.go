// Package enhance implements the query enhancer: five ordered static
// expansion stages over a curated bilingual term map, producing an enhanced
// query string that benefits both the lexical and vector retrieval legs.
package enhance

import (
	"strconv"
	"strings"

	"github.com/bvrag/bvrag/classify"
)

// Result is the enhancer's output.
type Result struct {
	EnhancedQuery    string   `json:"enhanced_query"`
	MatchedTerms     []string `json:"matched_terms"`
	RegulationHints  []string `json:"regulation_hints"`
}

// Enhance runs the five expansion stages in order and assembles the final
// query as `original | terms... | regulation-hints...`. info may be the
// zero value if no classifier output is available.
func Enhance(utterance string, info classify.ShipInfo) Result {
	lower := strings.ToLower(utterance)

	terms := expandTerms(lower)
	hints := make([]string, 0, 4)
	hints = append(hints, topicHints(lower)...)
	hints = append(hints, shipTypeHints(lower, info)...)
	hints = append(hints, lengthThresholdHints(lower, info)...)
	hints = append(hints, sideHints(lower)...)
	hints = dedup(hints)

	var b strings.Builder
	b.WriteString(utterance)
	for _, t := range terms {
		b.WriteString(" | ")
		b.WriteString(t)
	}
	for _, h := range hints {
		b.WriteString(" | ")
		b.WriteString(h)
	}

	return Result{EnhancedQuery: b.String(), MatchedTerms: terms, RegulationHints: hints}
}

func expandTerms(lower string) []string {
	var terms []string
	for _, group := range termGroups {
		for _, trigger := range group {
			if strings.Contains(lower, strings.ToLower(trigger)) {
				for _, t := range group {
					terms = append(terms, t)
				}
				break
			}
		}
	}
	return dedup(terms)
}

func topicHints(lower string) []string {
	var hints []string
	for _, rule := range topicKeywordHints {
		if containsAny(lower, rule.keywords) {
			hints = append(hints, rule.hints...)
		}
	}
	return hints
}

func shipTypeHints(lower string, info classify.ShipInfo) []string {
	if info.Type == "" {
		return nil
	}
	var hints []string
	for _, rule := range shipTypeDomainHints {
		if rule.shipType == info.Type && containsAny(lower, rule.domainKeyword) {
			hints = append(hints, rule.hints...)
		}
	}
	return hints
}

func lengthThresholdHints(lower string, info classify.ShipInfo) []string {
	if info.LengthMeters <= 0 {
		return nil
	}
	var hints []string
	for _, rule := range lengthThresholds {
		if info.LengthMeters >= rule.minMeters && containsAny(lower, rule.domainKeyword) {
			hints = append(hints, rule.hints...)
			hints = append(hints, "declared length "+formatMeters(info.LengthMeters))
		}
	}
	return hints
}

func sideHints(lower string) []string {
	if !containsAny(lower, sideTriggers) {
		return nil
	}
	var hints []string
	for _, rule := range sideDomainHints {
		if containsAny(lower, rule.domainKeyword) {
			hints = append(hints, rule.hints...)
		}
	}
	return hints
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// formatMeters renders a length value the way regulation text does, e.g.
// "85 metres" — used when a caller needs to restate a threshold literally.
func formatMeters(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10) + " metres"
	}
	return strconv.FormatFloat(v, 'f', -1, 64) + " metres"
}
