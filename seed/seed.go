// Package seed stands in for the external ingest pipeline. It loads a
// directory of pre-chunked JSON fixtures — already in the shape a real
// ingest pipeline would produce — and calls the same
// store.UpsertRegulation/InsertChunks/InsertEmbedding entry points that
// pipeline would call, requesting embeddings from the configured
// llm.Provider.Embed adapter. Scraping, HTML parsing and chunking stay
// upstream; this package only consumes their output format.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/store"
)

// regulationFixture is the JSON shape of a single regulation leaf, one per
// fixture file.
type regulationFixture struct {
	RegID          string `json:"reg_id"`
	SourceURL      string `json:"source_url,omitempty"`
	Title          string `json:"title"`
	Breadcrumb     string `json:"breadcrumb"`
	Collection     string `json:"collection"`
	Document       string `json:"document"`
	Chapter        string `json:"chapter,omitempty"`
	Part           string `json:"part,omitempty"`
	RegulationNo   string `json:"regulation,omitempty"`
	Paragraph      string `json:"paragraph,omitempty"`
	Body           string `json:"body"`
	PageType       string `json:"page_type"`
	ParentRegID    string `json:"parent_reg_id,omitempty"`
	SourceType     string `json:"source_type"`
	AuthorityLevel string `json:"authority_level"`
}

// chunkFixture is one embeddable fragment of a regulation. ApplicabilityShipTypes,
// when non-empty, is marshaled into the chunk's Metadata JSON under the
// "applicability_ship_types" key — the convention pipeline.applicabilityCheck
// reads back out to implement the ship-type mismatch testable property.
type chunkFixture struct {
	ChunkUID               string   `json:"chunk_uid"`
	Content                string   `json:"content"`
	EmbeddingText           string   `json:"embedding_text,omitempty"`
	ChunkType               string   `json:"chunk_type"`
	ApplicabilityShipTypes  []string `json:"applicability_ship_types,omitempty"`
}

// crossReferenceFixture is a directed edge from this fixture's regulation to
// another, named by reg_id.
type crossReferenceFixture struct {
	TargetRegID  string `json:"target_reg_id"`
	AnchorText   string `json:"anchor_text,omitempty"`
	Context      string `json:"context,omitempty"`
	RelationKind string `json:"relation_kind"`
}

// fixtureFile is the top-level shape of a single *.json fixture.
type fixtureFile struct {
	Regulation      regulationFixture       `json:"regulation"`
	Chunks          []chunkFixture          `json:"chunks"`
	CrossReferences []crossReferenceFixture `json:"cross_references,omitempty"`
	Concepts        []string                `json:"concepts,omitempty"`
}

// chunkMetadata is marshaled into store.Chunk.Metadata for each chunk that
// declares an applicability restriction.
type chunkMetadata struct {
	ApplicabilityShipTypes []string `json:"applicability_ship_types"`
}

// maxEmbedChars bounds a single text sent to the embedding provider;
// truncation backs up to a word boundary.
const maxEmbedChars = 24000

func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// Load reads every *.json fixture in dir and populates s: regulations first
// (in two passes, to resolve parent_reg_id references regardless of file
// order), then chunks and their embeddings, then cross-references and
// concept links.
func Load(ctx context.Context, dir string, s *store.Store, embedder llm.Provider) error {
	files, err := readFixtures(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Warn("seed: no fixture files found", "dir", dir)
		return nil
	}

	regIDs, err := upsertRegulations(ctx, s, files)
	if err != nil {
		return err
	}

	var allChunks []store.Chunk
	regsByInternalID := make(map[int64]store.Regulation, len(files))

	for _, f := range files {
		internalID := regIDs[f.Regulation.RegID]
		reg := store.Regulation{
			ID: internalID, RegID: f.Regulation.RegID, Title: f.Regulation.Title,
			Breadcrumb: f.Regulation.Breadcrumb, Document: f.Regulation.Document,
			RegulationNo: f.Regulation.RegulationNo, AuthorityLevel: f.Regulation.AuthorityLevel,
		}
		regsByInternalID[internalID] = reg

		for _, cf := range f.Chunks {
			metadata := ""
			if len(cf.ApplicabilityShipTypes) > 0 {
				b, err := json.Marshal(chunkMetadata{ApplicabilityShipTypes: cf.ApplicabilityShipTypes})
				if err != nil {
					return fmt.Errorf("marshaling chunk metadata for %s: %w", cf.ChunkUID, err)
				}
				metadata = string(b)
			}
			embeddingText := cf.EmbeddingText
			if embeddingText == "" {
				embeddingText = cf.Content
			}
			allChunks = append(allChunks, store.Chunk{
				ChunkUID:      cf.ChunkUID,
				RegulationID:  internalID,
				Content:       cf.Content,
				EmbeddingText: embeddingText,
				ChunkType:     cf.ChunkType,
				TokenCount:    len(strings.Fields(cf.Content)),
				Metadata:      metadata,
			})
		}
	}

	chunkIDs, err := s.InsertChunks(ctx, allChunks, regsByInternalID)
	if err != nil {
		return fmt.Errorf("inserting chunks: %w", err)
	}

	if err := embedChunks(ctx, s, embedder, allChunks, chunkIDs); err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	if err := linkGraph(ctx, s, files, regIDs); err != nil {
		return fmt.Errorf("linking cross-references/concepts: %w", err)
	}

	slog.Info("seed: loaded fixtures", "documents", len(files), "chunks", len(allChunks))
	return nil
}

func readFixtures(dir string) ([]fixtureFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading seed directory %s: %w", dir, err)
	}

	var files []fixtureFile
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var f fixtureFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if f.Regulation.RegID == "" {
			return nil, fmt.Errorf("%s: regulation.reg_id is required", path)
		}
		files = append(files, f)
	}
	return files, nil
}

// upsertRegulations inserts every regulation, then patches parent_id in a
// second pass so parent_reg_id may point forward or backward in file order.
func upsertRegulations(ctx context.Context, s *store.Store, files []fixtureFile) (map[string]int64, error) {
	regIDs := make(map[string]int64, len(files))
	for _, f := range files {
		id, err := s.UpsertRegulation(ctx, store.Regulation{
			RegID: f.Regulation.RegID, SourceURL: f.Regulation.SourceURL, Title: f.Regulation.Title,
			Breadcrumb: f.Regulation.Breadcrumb, Collection: f.Regulation.Collection, Document: f.Regulation.Document,
			Chapter: f.Regulation.Chapter, Part: f.Regulation.Part, RegulationNo: f.Regulation.RegulationNo,
			Paragraph: f.Regulation.Paragraph, Body: f.Regulation.Body, PageType: f.Regulation.PageType,
			SourceType: f.Regulation.SourceType, AuthorityLevel: f.Regulation.AuthorityLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("upserting regulation %s: %w", f.Regulation.RegID, err)
		}
		regIDs[f.Regulation.RegID] = id
	}

	for _, f := range files {
		if f.Regulation.ParentRegID == "" {
			continue
		}
		parentID, ok := regIDs[f.Regulation.ParentRegID]
		if !ok {
			slog.Warn("seed: parent_reg_id not found, leaving unparented",
				"reg_id", f.Regulation.RegID, "parent_reg_id", f.Regulation.ParentRegID)
			continue
		}
		if _, err := s.UpsertRegulation(ctx, store.Regulation{
			ID: regIDs[f.Regulation.RegID], RegID: f.Regulation.RegID, SourceURL: f.Regulation.SourceURL,
			Title: f.Regulation.Title, Breadcrumb: f.Regulation.Breadcrumb, Collection: f.Regulation.Collection,
			Document: f.Regulation.Document, Chapter: f.Regulation.Chapter, Part: f.Regulation.Part,
			RegulationNo: f.Regulation.RegulationNo, Paragraph: f.Regulation.Paragraph, Body: f.Regulation.Body,
			PageType: f.Regulation.PageType, ParentID: &parentID, SourceType: f.Regulation.SourceType,
			AuthorityLevel: f.Regulation.AuthorityLevel,
		}); err != nil {
			return nil, fmt.Errorf("linking parent for %s: %w", f.Regulation.RegID, err)
		}
	}
	return regIDs, nil
}

// embedChunks generates embeddings in batches, falling back to per-text
// embedding so a single oversized chunk doesn't lose the entire batch.
func embedChunks(ctx context.Context, s *store.Store, embedder llm.Provider, chunks []store.Chunk, chunkIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(chunks[j].EmbeddingText)
		}

		embeddings, err := embedder.Embed(ctx, texts)
		if err != nil {
			slog.Warn("seed: embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := embedder.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("seed: embedding single chunk failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
					continue
				}
				if serr := s.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					slog.Warn("seed: storing embedding failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := s.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("seed: storing embedding failed", "chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) && len(chunks) > 0 {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	return nil
}

func linkGraph(ctx context.Context, s *store.Store, files []fixtureFile, regIDs map[string]int64) error {
	for _, f := range files {
		for _, cr := range f.CrossReferences {
			// Dangling edges (target outside the corpus) are inserted anyway:
			// they are preserved in the graph but never resolve during
			// expansion, since no chunk matches the target identifier.
			if _, ok := regIDs[cr.TargetRegID]; !ok {
				slog.Debug("seed: cross-reference target outside corpus, edge kept dangling",
					"source", f.Regulation.RegID, "target", cr.TargetRegID)
			}
			if _, err := s.InsertCrossReference(ctx, store.CrossReference{
				SourceDoc: f.Regulation.RegID, TargetDoc: cr.TargetRegID,
				AnchorText: cr.AnchorText, Context: cr.Context, RelationKind: cr.RelationKind,
			}); err != nil {
				return fmt.Errorf("inserting cross reference %s -> %s: %w", f.Regulation.RegID, cr.TargetRegID, err)
			}
		}

		for _, concept := range f.Concepts {
			conceptID, err := s.UpsertConcept(ctx, concept)
			if err != nil {
				return fmt.Errorf("upserting concept %s: %w", concept, err)
			}
			if err := s.LinkRegulationConcept(ctx, regIDs[f.Regulation.RegID], conceptID); err != nil {
				return fmt.Errorf("linking concept %s to %s: %w", concept, f.Regulation.RegID, err)
			}
		}
	}
	return nil
}
