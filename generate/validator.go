package generate

import (
	"strings"

	"github.com/bvrag/bvrag/retrieval"
)

// Issues runs lightweight heuristic checks over a generated answer and
// returns any concerns worth logging. It never triggers a second model
// call — generation is single-shot; concerns are logged per turn, not
// acted on automatically.
func Issues(answer string, candidates []retrieval.Candidate) []string {
	var issues []string

	if len(candidates) > 0 && len(ExtractCitations(answer, candidates)) == 0 {
		issues = append(issues, "answer has no bracketed citations despite retrieved evidence")
	}

	lower := strings.ToLower(answer)
	for _, phrase := range []string{"based on my knowledge", "it is commonly known", "in general,", "as a general rule"} {
		if strings.Contains(lower, phrase) {
			issues = append(issues, "answer may rely on knowledge outside the retrieved evidence")
			break
		}
	}

	if strings.Contains(lower, "should") && !strings.Contains(lower, "shall") {
		hasMandatoryEvidence := false
		for _, c := range candidates {
			if strings.Contains(strings.ToLower(c.Content), "shall") {
				hasMandatoryEvidence = true
				break
			}
		}
		if hasMandatoryEvidence {
			issues = append(issues, "evidence contains mandatory (shall) language but answer only uses recommendatory (should) language")
		}
	}

	return issues
}
