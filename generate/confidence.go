package generate

import "strings"

// Confidence labels attached to every answer.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// refusalPhrases are the generator's own hedge/refusal language, in both
// languages the system prompt allows the model to answer in (rule (f):
// "reply in the language the question was asked in"). If present in an
// otherwise-high-confidence answer, confidence is downgraded to medium — a
// confident-sounding score paired with a refusal is misleading regardless
// of which language the refusal was written in.
var refusalPhrases = []string{
	"insufficient information", "insufficient evidence", "cannot determine",
	"not enough context", "not enough information", "unable to confirm",
	"does not match the declared ship type", "does not match the ship type",
	"i cannot answer", "i am unable to answer",
	"证据不足", "证据不充分", "信息不足", "无法确定", "无法确认",
	"无法回答", "无法判断", "资料不足", "与声明的船型不符", "与船型不符",
}

// ComputeConfidence maps the top candidate's combined score onto a
// confidence band, downgrading high to medium when the answer hedges.
func ComputeConfidence(answer string, topCombinedScore float64) string {
	var level string
	switch {
	case topCombinedScore > 0.85:
		level = ConfidenceHigh
	case topCombinedScore > 0.60:
		level = ConfidenceMedium
	default:
		level = ConfidenceLow
	}

	if level == ConfidenceHigh && containsRefusalPhrase(answer) {
		level = ConfidenceMedium
	}
	return level
}

func containsRefusalPhrase(answer string) bool {
	lower := strings.ToLower(answer)
	for _, p := range refusalPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRefusal reports whether an answer declines to answer outright. Exported
// for the orchestrator's best-effort utility update, which applies the
// reward table's refusal override only when the generator actually refused.
func IsRefusal(answer string) bool {
	return containsRefusalPhrase(answer)
}
