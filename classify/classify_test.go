package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntentPrecedence(t *testing.T) {
	assert.Equal(t, IntentApplicability, Classify("Does SOLAS III apply to this ship?").Intent)
	assert.Equal(t, IntentComparison, Classify("Compare SOLAS and MARPOL requirements.").Intent)
	assert.Equal(t, IntentSpecification, Classify("What is the minimum thickness for class A-0?").Intent)
	assert.Equal(t, IntentProcedure, Classify("How do I conduct a fire drill?").Intent)
	assert.Equal(t, IntentDefinition, Classify("What is a muster station?").Intent)
}

func TestClassifyDefaultsPerIntent(t *testing.T) {
	r := Classify("What is a muster station?")
	assert.Equal(t, 5, r.TopK)
	assert.Equal(t, "fast", r.ModelHint)
}

func TestClassifyExtractsShipParameters(t *testing.T) {
	r := Classify("Our cargo ship is 90 m long with 5000 GT, what applies?")
	assert.Equal(t, "cargo ship", r.ShipInfo.Type)
	assert.Equal(t, 90.0, r.ShipInfo.LengthMeters)
	assert.Equal(t, 5000.0, r.ShipInfo.GrossTonnage)
}

func TestClassifyOverridesToApplicabilityWithShipParamAndRequirement(t *testing.T) {
	r := Classify("What is the minimum requirement for a 90 m cargo ship?")
	assert.Equal(t, IntentApplicability, r.Intent)
}

func TestClassifyDefaultShipTypeOnInternationalVoyage(t *testing.T) {
	r := Classify("This vessel is engaged on an international voyage.")
	assert.Equal(t, "cargo ship", r.ShipInfo.Type)
}

func TestClassifyBilingualTrigger(t *testing.T) {
	assert.Equal(t, IntentApplicability, Classify("是否适用于该船舶?").Intent)
}

func TestClassifyExtractsLengthWithChineseUnit(t *testing.T) {
	r := Classify("100米货船两边救生筏都需要起降落设备吗")
	assert.Equal(t, 100.0, r.ShipInfo.LengthMeters)
	assert.Equal(t, "cargo ship", r.ShipInfo.Type)
	assert.Equal(t, IntentApplicability, r.Intent, "ship parameter plus 需要 forces the applicability override")
}

func TestClassifyFlammableLiquidCargoIsTanker(t *testing.T) {
	r := Classify("根据SOLAS，对于运输可燃液体货物的轮船,走廊和消防控制站之间的舱壁应该是什么防火等级？")
	assert.Equal(t, "tanker", r.ShipInfo.Type)
}

func TestClassifyMostSpecificShipTypePhraseWins(t *testing.T) {
	// 散货船 contains 货船; the longer phrase must be matched first so the
	// result never depends on iteration order.
	assert.Equal(t, "cargo ship", Classify("散货船走廊和控制站之间的舱壁防火等级是什么").ShipInfo.Type)
	assert.Equal(t, "tanker", Classify("oil tanker ballast requirement").ShipInfo.Type)
}

func TestClassifyIsIdempotent(t *testing.T) {
	utterance := "Compare SOLAS and MARPOL for a 90 m cargo ship versus an oil tanker"
	first := Classify(utterance)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(utterance))
	}
}
