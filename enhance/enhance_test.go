package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bvrag/bvrag/classify"
)

func TestEnhanceExpandsBilingualTerms(t *testing.T) {
	r := Enhance("需要救生筏吗", classify.ShipInfo{})
	assert.Contains(t, r.MatchedTerms, "liferaft")
	assert.Contains(t, r.MatchedTerms, "life raft")
}

func TestEnhanceTopicHints(t *testing.T) {
	r := Enhance("do we need a liferaft", classify.ShipInfo{})
	assert.Contains(t, r.RegulationHints, "SOLAS III")
	assert.Contains(t, r.RegulationHints, "LSA Code")
}

func TestEnhanceShipTypeHints(t *testing.T) {
	r := Enhance("cargo ship liferaft requirement", classify.ShipInfo{Type: "cargo ship"})
	assert.Contains(t, r.RegulationHints, "SOLAS III/31")
}

func TestEnhanceLengthThresholdHints(t *testing.T) {
	r := Enhance("liferaft requirement for this ship", classify.ShipInfo{LengthMeters: 90})
	assert.Contains(t, r.RegulationHints, "SOLAS III/31")
	assert.Contains(t, r.RegulationHints, "85 metres")
	assert.Contains(t, r.RegulationHints, "declared length 90 metres")
}

func TestFormatMetersDropsDecimalForWholeNumbers(t *testing.T) {
	assert.Equal(t, "90 metres", formatMeters(90))
	assert.Equal(t, "85.5 metres", formatMeters(85.5))
}

func TestEnhanceSideHints(t *testing.T) {
	r := Enhance("lifeboat davit on both sides", classify.ShipInfo{})
	assert.Contains(t, r.RegulationHints, "SOLAS III/11")
}

func TestEnhanceFormatsQueryWithPipes(t *testing.T) {
	r := Enhance("do we need a liferaft", classify.ShipInfo{})
	assert.Contains(t, r.EnhancedQuery, "do we need a liferaft | ")
}

func TestEnhanceDavitLiferaftBothSides(t *testing.T) {
	r := Enhance("100米货船两边救生筏都需要起降落设备吗", classify.ShipInfo{Type: "cargo ship", LengthMeters: 100})

	assert.Contains(t, r.MatchedTerms, "davit-launched")
	assert.Contains(t, r.RegulationHints, "85 metres")
	assert.Contains(t, r.RegulationHints, "each side")
	assert.Contains(t, r.RegulationHints, "SOLAS III/31.1.4")
	assert.Contains(t, r.RegulationHints, "SOLAS III/31")
}
