//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRegulation(regID string) Regulation {
	return Regulation{
		RegID:          regID,
		Title:          "Fire control stations",
		Breadcrumb:     "SOLAS > Chapter II-2 > Regulation 9",
		Collection:     "convention",
		Document:       "SOLAS",
		Chapter:        "II-2",
		RegulationNo:   "9",
		Paragraph:      "2.4",
		Body:           "Bulkheads between corridors and control stations shall be class A-0.",
		PageType:       "content",
		SourceType:     "imo_rules",
		AuthorityLevel: "convention",
	}
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, 4, s.EmbeddingDim())
	assert.NotNil(t, s.DB())
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	require.NoError(t, err)
	s.Close()
}

func TestUpsertAndGetRegulation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := sampleRegulation("SOLAS-II-2-9-2.4")
	id, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := s.GetRegulationByRegID(ctx, reg.RegID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, reg.Title, got.Title)
	assert.Equal(t, reg.AuthorityLevel, got.AuthorityLevel)

	// Upsert again with a changed title is idempotent on reg_id.
	reg.Title = "Fire control stations (revised)"
	id2, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	got2, err := s.GetRegulationByRegID(ctx, reg.RegID)
	require.NoError(t, err)
	assert.Equal(t, "Fire control stations (revised)", got2.Title)
}

func TestParentChainBoundedDepth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rootReg := sampleRegulation("SOLAS-II-2")
	rootReg.Paragraph = ""
	rootID, err := s.UpsertRegulation(ctx, rootReg)
	require.NoError(t, err)

	child := sampleRegulation("SOLAS-II-2-9")
	child.ParentID = &rootID
	childID, err := s.UpsertRegulation(ctx, child)
	require.NoError(t, err)

	leaf := sampleRegulation("SOLAS-II-2-9-2.4")
	leaf.ParentID = &childID
	_, err = s.UpsertRegulation(ctx, leaf)
	require.NoError(t, err)

	chain, err := s.GetParentChain(ctx, leaf.RegID, 20)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, rootReg.RegID, chain[0].RegID, "chain is root-to-leaf ordered")
	assert.Equal(t, child.RegID, chain[1].RegID)
}

func TestInsertChunksAndFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := sampleRegulation("SOLAS-II-2-9-2.4")
	regID, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)

	chunks := []Chunk{{
		ChunkUID:      "chunk-1",
		RegulationID:  regID,
		Content:       "Bulkheads between corridors and control stations shall be class A-0.",
		EmbeddingText: "SOLAS > Chapter II-2 > Regulation 9: Bulkheads between corridors and control stations shall be class A-0.",
		ChunkType:     "regulation",
		TokenCount:    20,
	}}
	ids, err := s.InsertChunks(ctx, chunks, map[int64]Regulation{regID: reg})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	results, err := s.FTSSearch(ctx, "bulkheads corridors", 10, Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ids[0], results[0].ChunkID)
	assert.Equal(t, "SOLAS", results[0].Document)
}

func TestSearchByRegulationNumberExactMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := sampleRegulation("SOLAS-II-2-9-2.4")
	regID, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)

	chunks := []Chunk{{
		ChunkUID: "chunk-1", RegulationID: regID,
		Content: "Bulkheads shall be class A-0.", EmbeddingText: "Bulkheads shall be class A-0.",
		ChunkType: "regulation",
	}}
	_, err = s.InsertChunks(ctx, chunks, map[int64]Regulation{regID: reg})
	require.NoError(t, err)

	results, err := s.SearchByRegulationNumber(ctx, "9", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "9", results[0].RegulationNo, "queried identifier matches the result's regulation number")

	byBreadcrumb, err := s.SearchByRegulationNumber(ctx, "Regulation 9", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, byBreadcrumb, "near-exact match against the breadcrumb also resolves")
}

func TestVectorSearchOrdersByDistance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := sampleRegulation("SOLAS-II-2-9-2.4")
	regID, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)

	chunks := []Chunk{
		{ChunkUID: "a", RegulationID: regID, Content: "near", EmbeddingText: "near", ChunkType: "regulation"},
		{ChunkUID: "b", RegulationID: regID, Content: "far", EmbeddingText: "far", ChunkType: "regulation"},
	}
	ids, err := s.InsertChunks(ctx, chunks, map[int64]Regulation{regID: reg})
	require.NoError(t, err)

	require.NoError(t, s.InsertEmbedding(ctx, ids[0], []float32{1, 0, 0, 0}))
	require.NoError(t, s.InsertEmbedding(ctx, ids[1], []float32{0, 0, 0, 1}))

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 2, Filters{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ids[0], results[0].ChunkID, "closest vector ranks first")
}

func TestChunkUtilityDefaultsAndEMA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.GetChunkUtility(ctx, 999, "fire_safety")
	require.NoError(t, err)
	assert.Equal(t, 0.5, u.Utility, "unseen chunk defaults to 0.5")

	newU, err := s.UpdateChunkUtilityEMA(ctx, 999, "fire_safety", 1.0, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, newU, 1e-9) // 0.9*0.5 + 0.1*1.0

	// Invariant: utility stays within [0,1] across repeated negative rewards.
	u2 := newU
	for i := 0; i < 50; i++ {
		u2, err = s.UpdateChunkUtilityEMA(ctx, 999, "fire_safety", -1.0, false)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, u2, 0.0)
		assert.LessOrEqual(t, u2, 1.0)
	}
}

func TestCrossReferencesAndConcepts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertCrossReference(ctx, CrossReference{
		SourceDoc: "SOLAS-II-2-9", TargetDoc: "SOLAS-II-2-9-2.4",
		RelationKind: "INTERPRETS", AnchorText: "see 2.4",
	})
	require.NoError(t, err)

	_, inbound, err := s.GetCrossReferences(ctx, "SOLAS-II-2-9-2.4")
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	assert.Equal(t, "INTERPRETS", inbound[0].RelationKind)

	interps, err := s.GetInterpretations(ctx, "SOLAS-II-2-9-2.4")
	require.NoError(t, err)
	assert.Len(t, interps, 1)

	conceptID, err := s.UpsertConcept(ctx, "fire-safety")
	require.NoError(t, err)
	reg := sampleRegulation("SOLAS-II-2-9-2.4")
	regID, err := s.UpsertRegulation(ctx, reg)
	require.NoError(t, err)
	require.NoError(t, s.LinkRegulationConcept(ctx, regID, conceptID))

	related, err := s.GetRelatedByConcept(ctx, "fire-safety")
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, reg.RegID, related[0].RegID)
}
