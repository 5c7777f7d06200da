package generate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bvrag/bvrag/retrieval"
	"github.com/bvrag/bvrag/store"
)

func TestSelectModelPromotion(t *testing.T) {
	assert.Equal(t, "primary", SelectModel(RouteInput{Hint: "fast", ShipParamPresent: true}))
	assert.Equal(t, "primary", SelectModel(RouteInput{Hint: "fast", ComparisonPresent: true}))
	assert.Equal(t, "primary", SelectModel(RouteInput{Hint: "fast", EnhancedQueryLen: 61}))
}

func TestSelectModelDemotion(t *testing.T) {
	assert.Equal(t, "fast", SelectModel(RouteInput{Hint: "primary", HasPreciseIdentifier: true}))
	assert.Equal(t, "fast", SelectModel(RouteInput{Hint: "primary", TopCombinedScore: 0.9}))
	assert.Equal(t, "fast", SelectModel(RouteInput{Hint: "primary", WordCount: 5}))
}

func TestSelectModelPromotionBeatsDemotion(t *testing.T) {
	got := SelectModel(RouteInput{Hint: "fast", ShipParamPresent: true, HasPreciseIdentifier: true})
	assert.Equal(t, "primary", got)
}

func TestSelectModelFallsBackToHint(t *testing.T) {
	assert.Equal(t, "primary", SelectModel(RouteInput{Hint: "primary", WordCount: 20}))
	assert.Equal(t, "fast", SelectModel(RouteInput{Hint: "", WordCount: 20}))
}

func TestExtractCitationsMatchesCandidate(t *testing.T) {
	candidates := []retrieval.Candidate{newCandidate("SOLAS", "9", "SOLAS > Chapter II-2 > Regulation 9", 42, "Bulkheads shall be class A-0.")}
	answer := "Bulkheads must be class A-0 [SOLAS II-2/9.2.4]."
	citations := ExtractCitations(answer, candidates)

	if assert.Len(t, citations, 1) {
		assert.Equal(t, "SOLAS", citations[0].Document)
		assert.True(t, citations[0].Verified)
		assert.Equal(t, int64(42), citations[0].ChunkID)
	}
}

func TestExtractCitationsUnmatchedStillReturned(t *testing.T) {
	answer := "See [MARPOL Annex VI/14] for sulphur limits."
	citations := ExtractCitations(answer, nil)
	if assert.Len(t, citations, 1) {
		assert.False(t, citations[0].Verified)
		assert.Equal(t, int64(0), citations[0].ChunkID)
	}
}

func TestComputeConfidenceBands(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ComputeConfidence("Bulkheads shall be class A-0 [SOLAS II-2/9].", 0.9))
	assert.Equal(t, ConfidenceMedium, ComputeConfidence("Likely class A-0 [SOLAS II-2/9].", 0.7))
	assert.Equal(t, ConfidenceLow, ComputeConfidence("Unclear.", 0.2))
}

func TestComputeConfidenceDowngradesOnRefusal(t *testing.T) {
	got := ComputeConfidence("There is insufficient information to answer this question.", 0.95)
	assert.Equal(t, ConfidenceMedium, got)
}

func TestBuildContextTruncatesPerBlock(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	candidates := []retrieval.Candidate{newCandidate("SOLAS", "9", "breadcrumb", 1, string(long))}
	ctx := BuildContext(candidates, 8000)
	assert.LessOrEqual(t, len(ctx), 1600+len("**[breadcrumb]** (Source: )\n")+2)
}

func TestIssuesFlagsMissingCitations(t *testing.T) {
	candidates := []retrieval.Candidate{newCandidate("SOLAS", "9", "breadcrumb", 1, "Bulkheads shall be class A-0.")}
	issues := Issues("Bulkheads must be class A-0.", candidates)
	assert.Contains(t, issues, "answer has no bracketed citations despite retrieved evidence")
}

func newCandidate(doc, regNo, breadcrumb string, chunkID int64, content string) retrieval.Candidate {
	return retrieval.Candidate{
		RetrievalResult: store.RetrievalResult{
			ChunkID:      chunkID,
			Document:     doc,
			RegulationNo: regNo,
			Breadcrumb:   breadcrumb,
			Content:      content,
		},
	}
}
