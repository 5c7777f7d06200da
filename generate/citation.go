package generate

import (
	"regexp"
	"strings"

	"github.com/bvrag/bvrag/retrieval"
)

// Citation is a single bracketed reference extracted from an answer.
type Citation struct {
	Text          string `json:"citation"`       // full bracketed form, e.g. "[SOLAS II-2/9.2.4]"
	Document      string `json:"document"`       // SOLAS, MARPOL, ...
	RegulationRef string `json:"regulation_ref"` // the part after the document name
	ChunkID       int64  `json:"chunk_id"`       // matched candidate, 0 if unmatched
	Verified      bool   `json:"verified"`
}

// citationPattern matches the fixed bracketed form required by the system
// prompt: [Document Reg/N.n.m], restricted to the enumerated document set.
var citationPattern = regexp.MustCompile(
	`\[(SOLAS|MARPOL|MSC|MEPC|ISM|ISPS|LSA|FSS|FTP|STCW|COLREG|Resolution)\s+([^\]]+)\]`)

// ExtractCitations finds every bracketed citation in an answer and tries to
// match it back to one of the candidates that were offered as evidence.
func ExtractCitations(answer string, candidates []retrieval.Candidate) []Citation {
	var citations []Citation
	seen := make(map[string]bool)

	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		full := m[0]
		if seen[full] {
			continue
		}
		seen[full] = true

		c := Citation{
			Text:          full,
			Document:      m[1],
			RegulationRef: strings.TrimSpace(m[2]),
		}
		c.ChunkID, c.Verified = matchCitationToCandidate(c.Document, c.RegulationRef, candidates)
		citations = append(citations, c)
	}
	return citations
}

// matchCitationToCandidate resolves a citation to the candidate whose
// document matches and whose regulation number or breadcrumb contains (or
// is contained by) the cited reference.
func matchCitationToCandidate(doc, ref string, candidates []retrieval.Candidate) (int64, bool) {
	lowerRef := strings.ToLower(ref)

	for _, c := range candidates {
		if !strings.EqualFold(c.Document, doc) {
			continue
		}
		if c.RegulationNo != "" {
			lowerNo := strings.ToLower(c.RegulationNo)
			if strings.Contains(lowerRef, lowerNo) || strings.Contains(lowerNo, lowerRef) {
				return c.ChunkID, true
			}
		}
		if c.Breadcrumb != "" && strings.Contains(strings.ToLower(c.Breadcrumb), lowerRef) {
			return c.ChunkID, true
		}
	}
	return 0, false
}
