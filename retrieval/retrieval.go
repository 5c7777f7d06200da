// Package retrieval implements the hybrid retriever: it fans the vector,
// lexical and reference-graph legs out concurrently, fuses their rankings
// with Reciprocal Rank Fusion, applies authority weighting, reranks the
// head of the list with the learned utility signal, and expands one hop
// along outbound cross-references.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/store"
	"github.com/bvrag/bvrag/utility"
)

// authorityWeights maps a regulation's authority level onto the fixed
// multiplier applied to its fused score. Unknown authorities default to 0.6.
var authorityWeights = map[string]float64{
	"convention":          1.0,
	"iacs_ur":             0.85,
	"classification_rule": 0.70,
	"guidance_note":       0.50,
}

const unknownAuthorityWeight = 0.6

func authorityWeight(level string) float64 {
	if w, ok := authorityWeights[level]; ok {
		return w
	}
	return unknownAuthorityWeight
}

// explicitIdentifierPattern matches a document name optionally followed by a
// chapter/regulation/part number, e.g. "SOLAS II-2/9" or "MARPOL Annex VI".
// Used both for strategy selection (auto -> keyword) and for seeding the
// graph leg's interpretations/amendments lookup.
var explicitIdentifierPattern = regexp.MustCompile(
	`(?i)\b(SOLAS|MARPOL|MSC|MEPC|ISM|ISPS|LSA|FSS|FTP|STCW|COLREG|Resolution)\b` +
		`[\s,]*(?:Chapter|Reg(?:ulation)?\.?|Annex)?[\s,]*([IVXLCDM]+[-/.]?\d*(?:[./]\d+)*|\d+(?:[./]\d+)*)?`)

// explicitIdentifier returns the matched identifier string, or "" if the
// query names no document at all.
func explicitIdentifier(query string) string {
	m := explicitIdentifierPattern.FindString(query)
	return strings.TrimSpace(m)
}

// HasExplicitIdentifier reports whether the query names a specific document
// reference, e.g. "SOLAS II-1/3-6". The model router uses this as a
// demotion signal: a precise lookup rarely needs the primary model.
func HasExplicitIdentifier(query string) bool {
	return explicitIdentifier(query) != ""
}

var comparisonTerms = []string{
	"compare", "versus", "vs.", "vs ", "difference between", "differ from",
	"对比", "区别", "相比", "比较",
}

func hasComparisonTerms(query string) bool {
	lower := strings.ToLower(query)
	for _, t := range comparisonTerms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// countNamedRegulations returns how many distinct document names the query
// mentions, used by the dynamic top-k rule.
func countNamedRegulations(query string) int {
	seen := make(map[string]bool)
	for _, m := range explicitIdentifierPattern.FindAllStringSubmatch(query, -1) {
		if len(m) > 1 {
			seen[strings.ToUpper(m[1])] = true
		}
	}
	return len(seen)
}

// GraphContext is metadata attached to a final candidate; it never affects
// ranking, only what the generator sees.
type GraphContext struct {
	ParentChainTitle       string `json:"parent_chain_title,omitempty"`
	InboundInterpretations int    `json:"inbound_interpretations"`
	HasAmendments          bool   `json:"has_amendments"`
}

// Candidate is a single retrieval result with fusion, authority and utility
// metadata attached.
type Candidate struct {
	store.RetrievalResult
	FusedScore    float64       `json:"fused_score"`
	CombinedScore float64       `json:"combined_score"`
	Category      string        `json:"category,omitempty"`
	GraphContext  *GraphContext `json:"graph_context,omitempty"`
	GraphExpanded bool          `json:"graph_expanded,omitempty"`
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	TopK        int
	Strategy    string // auto|keyword|semantic|hybrid
	Filters     store.Filters
	ConceptHint string // optional concept name from query understanding
}

// SearchTrace records the full breakdown of a hybrid search operation:
// per-leg result counts and latencies, plus totals, returned alongside the
// results for observability.
type SearchTrace struct {
	Strategy         string  `json:"strategy"`
	VecResults       int     `json:"vec_results"`
	FTSResults       int     `json:"fts_results"`
	GraphResults     int     `json:"graph_results"`
	FusedResults     int     `json:"fused_results"`
	PartialRetrieval bool    `json:"partial_retrieval"`
	TopKRequested    int     `json:"top_k_requested"`
	TopKEffective    int     `json:"top_k_effective"`
	ElapsedMs        int64   `json:"elapsed_ms"`
	VecElapsedMs     int64   `json:"vec_elapsed_ms"`
	FTSElapsedMs     int64   `json:"fts_elapsed_ms"`
	GraphElapsedMs   int64   `json:"graph_elapsed_ms"`
}

// Result is the output of a Search call.
type Result struct {
	Candidates []Candidate
	Trace      *SearchTrace
}

const legTimeout = 3 * time.Second

// Engine performs hybrid retrieval combining vector, FTS, and graph search.
type Engine struct {
	store      *store.Store
	embedder   llm.Provider
	translator *Translator
	utility    *utility.Reranker
}

// New creates a new retrieval engine. chatLLM is used for cross-language
// query term translation as a fallback for terms the static bilingual
// enhancer doesn't cover; pass nil to disable it.
func New(s *store.Store, embedder llm.Provider, chatLLM llm.Provider, u *utility.Reranker) *Engine {
	return &Engine{
		store:      s,
		embedder:   embedder,
		translator: NewTranslator(chatLLM),
		utility:    u,
	}
}

// Search performs hybrid retrieval: strategy selection, concurrent fan-out,
// RRF fusion, authority weighting, utility reranking and one-hop graph
// expansion.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 12
	}
	topK := dynamicTopK(query, opts.TopK)

	strategy := opts.Strategy
	if strategy == "" || strategy == "auto" {
		if explicitIdentifier(query) != "" {
			strategy = "keyword"
		} else {
			strategy = "hybrid"
		}
	}

	trace := &SearchTrace{Strategy: strategy, TopKRequested: opts.TopK, TopKEffective: topK}
	searchStart := time.Now()

	useVec, useFTS, useGraph := true, true, true
	switch strategy {
	case "keyword":
		useVec, useGraph = false, false
	case "semantic":
		useFTS, useGraph = false, false
	}

	oversample := topK * 2
	translated := e.translator.TranslateTerms(ctx, extractSignificantTerms(query))
	ftsQuery := sanitizeFTSQuery(query, translated)

	var vecResults, ftsResults, graphResults []store.RetrievalResult
	var vecErr, ftsErr, graphErr error
	var vecMs, ftsMs, graphMs int64

	g := new(errgroup.Group)
	if useVec {
		g.Go(func() error {
			start := time.Now()
			lctx, cancel := context.WithTimeout(ctx, legTimeout)
			defer cancel()
			vecResults, vecErr = e.vectorSearch(lctx, query, oversample, opts.Filters)
			vecMs = time.Since(start).Milliseconds()
			return nil
		})
	}
	if useFTS {
		g.Go(func() error {
			start := time.Now()
			lctx, cancel := context.WithTimeout(ctx, legTimeout)
			defer cancel()
			ftsResults, ftsErr = e.store.FTSSearch(lctx, ftsQuery, oversample, opts.Filters)
			ftsMs = time.Since(start).Milliseconds()
			return nil
		})
	}
	if useGraph {
		g.Go(func() error {
			start := time.Now()
			lctx, cancel := context.WithTimeout(ctx, legTimeout)
			defer cancel()
			graphResults, graphErr = e.graphSearch(lctx, query, opts.ConceptHint, translated, oversample)
			graphMs = time.Since(start).Milliseconds()
			return nil
		})
	}
	g.Wait()

	trace.VecResults, trace.FTSResults, trace.GraphResults = len(vecResults), len(ftsResults), len(graphResults)
	trace.VecElapsedMs, trace.FTSElapsedMs, trace.GraphElapsedMs = vecMs, ftsMs, graphMs

	if vecErr != nil {
		slog.Warn("retrieval: vector leg failed", "error", vecErr)
		trace.PartialRetrieval = true
	}
	if ftsErr != nil {
		slog.Warn("retrieval: fts leg failed", "error", ftsErr)
		trace.PartialRetrieval = true
	}
	if graphErr != nil {
		slog.Warn("retrieval: graph leg failed", "error", graphErr)
		trace.PartialRetrieval = true
	}
	if vecErr != nil && ftsErr != nil && graphErr != nil {
		return nil, fmt.Errorf("%w: vector=%v fts=%v graph=%v", bvrag.ErrRetrievalUnavailable, vecErr, ftsErr, graphErr)
	}

	fused, _ := fuseRRF(vecResults, ftsResults, graphResults, oversample)
	trace.FusedResults = len(fused)

	candidates := make([]Candidate, len(fused))
	for i, r := range fused {
		candidates[i] = Candidate{RetrievalResult: r, FusedScore: r.Score * authorityWeight(r.AuthorityLevel)}
	}

	rerankCount := min(2*topK, 20)
	if rerankCount > len(candidates) {
		rerankCount = len(candidates)
	}
	if e.utility != nil && rerankCount > 0 {
		items := make([]utility.Item, rerankCount)
		for i := 0; i < rerankCount; i++ {
			items[i] = utility.Item{
				ChunkID:    candidates[i].ChunkID,
				RegID:      candidates[i].RegID,
				Content:    candidates[i].Content,
				FusedScore: candidates[i].FusedScore,
			}
		}
		e.utility.Rerank(ctx, items)
		for i := 0; i < rerankCount; i++ {
			candidates[i].Category = items[i].Category
			candidates[i].CombinedScore = items[i].CombinedScore
		}
	}
	for i := rerankCount; i < len(candidates); i++ {
		candidates[i].CombinedScore = candidates[i].FusedScore
	}

	sortByCombinedScore(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	candidates = e.expandGraph(ctx, candidates)
	e.attachGraphContext(ctx, candidates)

	trace.ElapsedMs = time.Since(searchStart).Milliseconds()
	return &Result{Candidates: candidates, Trace: trace}, nil
}

func sortByCombinedScore(c []Candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].CombinedScore > c[j-1].CombinedScore; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// dynamicTopK enlarges top_k by a small bounded delta when the query names
// three or more regulations (a multi-law question) or includes comparison
// terms, capped at top_k+5 and an absolute ceiling of 15.
func dynamicTopK(query string, topK int) int {
	if countNamedRegulations(query) >= 3 || hasComparisonTerms(query) {
		enlarged := topK + 5
		if enlarged > 15 {
			enlarged = 15
		}
		if enlarged > topK {
			return enlarged
		}
	}
	if topK > 15 {
		return 15
	}
	return topK
}

// vectorSearch generates an embedding for the query and searches vec_chunks.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int, f store.Filters) ([]store.RetrievalResult, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bvrag.ErrEmbeddingUnavailable, err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", bvrag.ErrEmbeddingUnavailable)
	}
	return e.store.VectorSearch(ctx, embeddings[0], k, f)
}

// graphSearch runs the concept lookup (when a concept hint is present) and
// the interpretations/amendments lookup seeded from any exact regulation
// identifier in the query plus the entities extractQueryEntities pulls out
// of it (quoted terms, capitalized phrases, document-name prefixes, section
// references, and cross-language translations), resolving targets back to
// chunks via the lexical client's best-title match.
func (e *Engine) graphSearch(ctx context.Context, query, conceptHint string, translated []string, limit int) ([]store.RetrievalResult, error) {
	var regIDs []string

	if conceptHint != "" {
		regs, err := e.store.GetRelatedByConcept(ctx, conceptHint)
		if err != nil {
			return nil, err
		}
		for _, r := range regs {
			regIDs = append(regIDs, r.RegID)
		}
	}

	const maxEntitySeeds = 6
	seeds := []string{explicitIdentifier(query)}
	entities := extractQueryEntities(query, translated)
	if len(entities) > maxEntitySeeds {
		entities = entities[:maxEntitySeeds]
	}
	seeds = append(seeds, entities...)

	seen := make(map[string]bool)
	for _, id := range seeds {
		if id == "" || seen[strings.ToLower(id)] {
			continue
		}
		seen[strings.ToLower(id)] = true

		reg, err := e.store.BestTitleMatch(ctx, id)
		if err != nil || reg == nil {
			continue
		}
		interps, _ := e.store.GetInterpretations(ctx, reg.RegID)
		amends, _ := e.store.GetAmendments(ctx, reg.RegID)
		for _, cr := range interps {
			regIDs = append(regIDs, cr.SourceDoc)
		}
		for _, cr := range amends {
			regIDs = append(regIDs, cr.SourceDoc)
		}
	}

	if len(regIDs) == 0 {
		return nil, nil
	}
	if len(regIDs) > limit {
		regIDs = regIDs[:limit]
	}
	return e.store.GraphSearch(ctx, regIDs, limit)
}

// expandGraph appends, for the top-5 candidates, one chunk per unique
// outbound cross-reference target not already present, stopping at depth 1.
func (e *Engine) expandGraph(ctx context.Context, candidates []Candidate) []Candidate {
	seen := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		seen[c.ChunkID] = true
	}

	top := candidates
	if len(top) > 5 {
		top = top[:5]
	}

	var expanded []Candidate
	targetsSeen := make(map[string]bool)
	for _, c := range top {
		outbound, _, err := e.store.GetCrossReferences(ctx, c.RegID)
		if err != nil {
			continue
		}
		for _, cr := range outbound {
			if targetsSeen[cr.TargetDoc] {
				continue
			}
			targetsSeen[cr.TargetDoc] = true

			hit, err := e.store.BestTitleMatch(ctx, cr.TargetDoc)
			if err != nil || hit == nil || seen[hit.ChunkID] {
				continue
			}
			seen[hit.ChunkID] = true
			expanded = append(expanded, Candidate{
				RetrievalResult: *hit,
				FusedScore:      0.01,
				CombinedScore:   0.01,
				GraphExpanded:   true,
			})
		}
	}
	return append(candidates, expanded...)
}

// attachGraphContext annotates each candidate with its parent-chain title,
// inbound INTERPRETS count, and whether it has amendments. This is metadata
// for the generator; it never affects ranking.
func (e *Engine) attachGraphContext(ctx context.Context, candidates []Candidate) {
	for i := range candidates {
		chain, err := e.store.GetParentChain(ctx, candidates[i].RegID, 20)
		var parentTitle string
		if err == nil && len(chain) > 0 {
			parentTitle = chain[len(chain)-1].Title
		}
		interps, _ := e.store.GetInterpretations(ctx, candidates[i].RegID)
		amends, _ := e.store.GetAmendments(ctx, candidates[i].RegID)
		candidates[i].GraphContext = &GraphContext{
			ParentChainTitle:       parentTitle,
			InboundInterpretations: len(interps),
			HasAmendments:          len(amends) > 0,
		}
	}
}
