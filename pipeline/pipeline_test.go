package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/classify"
	"github.com/bvrag/bvrag/enhance"
	"github.com/bvrag/bvrag/generate"
	"github.com/bvrag/bvrag/retrieval"
	"github.com/bvrag/bvrag/store"
)

func candidate(chunkID int64, doc, regNo, breadcrumb, metadata string, combined float64) retrieval.Candidate {
	return retrieval.Candidate{
		RetrievalResult: store.RetrievalResult{
			ChunkID:      chunkID,
			Document:     doc,
			RegulationNo: regNo,
			Breadcrumb:   breadcrumb,
			Metadata:     metadata,
		},
		CombinedScore: combined,
	}
}

func TestApplicabilityCheckNoShipType(t *testing.T) {
	mismatch, block := applicabilityCheck("", []retrieval.Candidate{candidate(1, "SOLAS", "III/31", "SOLAS III/31", "", 0.9)})
	assert.False(t, mismatch)
	assert.Empty(t, block)
}

func TestApplicabilityCheckMismatch(t *testing.T) {
	meta := `{"applicability_ship_types":["tanker"]}`
	mismatch, block := applicabilityCheck("bulk carrier", []retrieval.Candidate{candidate(1, "SOLAS", "II-2/9", "SOLAS II-2/9", meta, 0.9)})
	assert.True(t, mismatch)
	assert.Contains(t, block, "bulk carrier")
	assert.Contains(t, block, "refuse")
}

func TestApplicabilityCheckMatch(t *testing.T) {
	meta := `{"applicability_ship_types":["tanker","bulk carrier"]}`
	mismatch, block := applicabilityCheck("bulk carrier", []retrieval.Candidate{candidate(1, "SOLAS", "II-2/9", "SOLAS II-2/9", meta, 0.9)})
	assert.False(t, mismatch)
	assert.Contains(t, block, "Declared ship type: bulk carrier")
}

func TestApplicabilityCheckNoMetadataIsNotAMismatch(t *testing.T) {
	mismatch, block := applicabilityCheck("tanker", []retrieval.Candidate{candidate(1, "SOLAS", "II-2/9", "SOLAS II-2/9", "", 0.9)})
	assert.False(t, mismatch)
	assert.Contains(t, block, "Declared ship type: tanker")
}

func TestRetrievedRegulationsDedupsAndPrefersBreadcrumb(t *testing.T) {
	regs := retrievedRegulations([]retrieval.Candidate{
		candidate(1, "SOLAS", "III/31", "SOLAS III/31.1.4", "", 0.9),
		candidate(2, "SOLAS", "III/31", "SOLAS III/31.1.4", "", 0.8),
		candidate(3, "MARPOL", "Annex I/15", "", "", 0.7),
	})
	assert.Equal(t, []string{"SOLAS III/31.1.4", "MARPOL Annex I/15"}, regs)
}

func TestCitationTexts(t *testing.T) {
	texts := citationTexts([]generate.Citation{{Text: "[SOLAS III/31.1.4]"}, {Text: "[MARPOL Annex I/15]"}})
	assert.Equal(t, []string{"[SOLAS III/31.1.4]", "[MARPOL Annex I/15]"}, texts)
}

func TestToSources(t *testing.T) {
	sources := toSources([]retrieval.Candidate{candidate(1, "SOLAS", "III/31", "SOLAS III/31.1.4", "", 0.9)})
	assert.Len(t, sources, 1)
	assert.Equal(t, int64(1), sources[0].ChunkID)
	assert.Equal(t, 0.9, sources[0].Score)
}

func TestRouteInputReflectsClassificationAndEnhancement(t *testing.T) {
	classification := classify.Result{
		Intent:    classify.IntentApplicability,
		ShipInfo:  classify.ShipInfo{Type: "tanker"},
		ModelHint: "fast",
	}
	enhanced := enhance.Result{
		EnhancedQuery:   "does SOLAS III/31 apply to tankers",
		RegulationHints: []string{"SOLAS III/31"},
	}
	candidates := []retrieval.Candidate{candidate(1, "SOLAS", "III/31", "SOLAS III/31.1.4", "", 0.8)}

	route := routeInput(classification, enhanced, candidates)

	assert.True(t, route.ApplicabilityKeyword, "intent applicability should set the router's applicability flag")
	assert.True(t, route.ShipTypePresent)
	assert.True(t, route.HasPreciseIdentifier, "a regulation hint from the enhancer counts as a precise identifier")
	assert.Equal(t, 0.8, route.TopCombinedScore)
	assert.Equal(t, "fast", route.Hint)
}

func TestHasComparisonAndRelationWords(t *testing.T) {
	assert.True(t, hasComparisonWord("Compare SOLAS and MARPOL requirements"))
	assert.False(t, hasComparisonWord("What is the minimum freeboard"))
	assert.True(t, hasRelationWord("This rule relates to stability requirements"))
	assert.False(t, hasRelationWord("What is the minimum freeboard"))
}

func TestFailureMessageMapsSentinelErrors(t *testing.T) {
	assert.Contains(t, failureMessage(errors.New("boom")), "internal error")
	assert.Contains(t, failureMessage(bvrag.ErrRetrievalUnavailable), "retrieval unavailable")
	assert.Contains(t, failureMessage(bvrag.ErrGenerationUnavailable), "generation unavailable")
	assert.Contains(t, failureMessage(bvrag.ErrTimeout), "request timed out")
}
