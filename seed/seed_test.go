//go:build cgo

package seed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/store"
)

// fakeEmbedder returns a fixed-length zero vector per text, failing any call
// whose texts include one equal to "poison" to exercise the per-text
// fallback path.
type fakeEmbedder struct {
	dim       int
	failCalls int
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, nil
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == "poison" {
			f.failCalls++
			return nil, assertErr("poisoned batch")
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFixture(t *testing.T, dir, name string, f fixtureFile) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func TestLoadInsertsRegulationsChunksAndEmbeddings(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	writeFixture(t, dir, "solas-iii-31.json", fixtureFile{
		Regulation: regulationFixture{
			RegID: "SOLAS-III-31", Title: "Survival craft and rescue boats",
			Breadcrumb: "SOLAS > Chapter III > Regulation 31", Document: "SOLAS",
			RegulationNo: "31", Body: "Every cargo ship shall carry liferafts.",
			PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention",
		},
		Chunks: []chunkFixture{
			{ChunkUID: "solas-iii-31-p1", Content: "Every cargo ship of 85 metres in length and upwards shall carry liferafts.",
				ChunkType: "paragraph", ApplicabilityShipTypes: []string{"cargo ship"}},
		},
		Concepts: []string{"liferaft"},
	})

	err := Load(context.Background(), dir, s, &fakeEmbedder{dim: 4})
	require.NoError(t, err)

	reg, err := s.GetRegulationByRegID(context.Background(), "SOLAS-III-31")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "Survival craft and rescue boats", reg.Title)

	chunks, err := s.SampleChunks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Metadata, "cargo ship")

	related, err := s.GetRelatedByConcept(context.Background(), "liferaft")
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "SOLAS-III-31", related[0].RegID)
}

func TestLoadResolvesParentRegardlessOfFileOrder(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	// Child fixture written before its parent exists on disk (alphabetically
	// "child" sorts before "parent", but Load must not depend on file order).
	writeFixture(t, dir, "child.json", fixtureFile{
		Regulation: regulationFixture{
			RegID: "SOLAS-III-31-2", Title: "Paragraph 2", Document: "SOLAS",
			Body: "...", PageType: "content", SourceType: "imo_rules",
			AuthorityLevel: "convention", ParentRegID: "SOLAS-III-31",
		},
	})
	writeFixture(t, dir, "parent.json", fixtureFile{
		Regulation: regulationFixture{
			RegID: "SOLAS-III-31", Title: "Regulation 31", Document: "SOLAS",
			Body: "...", PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention",
		},
	})

	require.NoError(t, Load(context.Background(), dir, s, &fakeEmbedder{dim: 4}))

	child, err := s.GetRegulationByRegID(context.Background(), "SOLAS-III-31-2")
	require.NoError(t, err)
	require.NotNil(t, child)
	require.NotNil(t, child.ParentID)

	parent, err := s.GetRegulationByRegID(context.Background(), "SOLAS-III-31")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, *child.ParentID)
}

func TestLoadLinksCrossReferences(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	writeFixture(t, dir, "a.json", fixtureFile{
		Regulation: regulationFixture{RegID: "A", Title: "A", Document: "SOLAS", Body: "x", PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention"},
		CrossReferences: []crossReferenceFixture{
			{TargetRegID: "B", RelationKind: "INTERPRETS", AnchorText: "see B"},
		},
	})
	writeFixture(t, dir, "b.json", fixtureFile{
		Regulation: regulationFixture{RegID: "B", Title: "B", Document: "SOLAS", Body: "y", PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention"},
	})

	require.NoError(t, Load(context.Background(), dir, s, &fakeEmbedder{dim: 4}))

	interps, err := s.GetInterpretations(context.Background(), "B")
	require.NoError(t, err)
	require.Len(t, interps, 1)
	assert.Equal(t, "A", interps[0].SourceDoc)
}

func TestLoadPreservesDanglingCrossReferences(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	writeFixture(t, dir, "a.json", fixtureFile{
		Regulation: regulationFixture{RegID: "A", Title: "A", Document: "SOLAS", Body: "x", PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention"},
		CrossReferences: []crossReferenceFixture{
			{TargetRegID: "OUTSIDE-CORPUS", RelationKind: "REFERENCES"},
		},
	})

	require.NoError(t, Load(context.Background(), dir, s, &fakeEmbedder{dim: 4}))

	outbound, _, err := s.GetCrossReferences(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, outbound, 1, "edge to a target outside the corpus is kept")
	assert.Equal(t, "OUTSIDE-CORPUS", outbound[0].TargetDoc)
}

func TestLoadFallsBackToPerTextEmbeddingOnBatchFailure(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	writeFixture(t, dir, "mixed.json", fixtureFile{
		Regulation: regulationFixture{RegID: "MIX", Title: "Mixed", Document: "SOLAS", Body: "z", PageType: "content", SourceType: "imo_rules", AuthorityLevel: "convention"},
		Chunks: []chunkFixture{
			{ChunkUID: "mix-1", Content: "fine chunk", EmbeddingText: "fine", ChunkType: "paragraph"},
			{ChunkUID: "mix-2", Content: "bad chunk", EmbeddingText: "poison", ChunkType: "paragraph"},
		},
	})

	embedder := &fakeEmbedder{dim: 4}
	require.NoError(t, Load(context.Background(), dir, s, embedder))
	// One failed batch attempt, then one more failed attempt retrying the
	// poisoned text alone in the per-text fallback.
	assert.Equal(t, 2, embedder.failCalls, "batch embed should be retried per-text on batch failure")

	chunks, err := s.SampleChunks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

func TestLoadReturnsErrorWhenRegIDMissing(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	writeFixture(t, dir, "bad.json", fixtureFile{Regulation: regulationFixture{Title: "No ID"}})

	err := Load(context.Background(), dir, s, &fakeEmbedder{dim: 4})
	assert.Error(t, err)
}

func TestLoadNoOpOnEmptyDirectory(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	assert.NoError(t, Load(context.Background(), dir, s, &fakeEmbedder{dim: 4}))
}
