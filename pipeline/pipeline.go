// Package pipeline implements the orchestrator: the end-to-end
// request lifecycle stitching session memory, query classification and
// enhancement, hybrid retrieval, practical-knowledge lookup and grounded
// generation together, timing every stage and firing the best-effort
// utility update on its own detached task.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/classify"
	"github.com/bvrag/bvrag/enhance"
	"github.com/bvrag/bvrag/generate"
	"github.com/bvrag/bvrag/knowledge"
	"github.com/bvrag/bvrag/retrieval"
	"github.com/bvrag/bvrag/session"
	"github.com/bvrag/bvrag/store"
	"github.com/bvrag/bvrag/utility"
)

// Config names the dependencies and tunables the orchestrator needs beyond
// what each component already carries.
type Config struct {
	MaxConversationTurns int           // passed to session.Resolver.BuildLLMContext
	UtilityUpdateTimeout time.Duration // fire-and-forget task budget, default 2s
}

// Engine wires the per-turn components together behind a single Query
// entry point.
type Engine struct {
	cfg        Config
	sessions   *session.Store
	resolver   *session.Resolver
	retriever  *retrieval.Engine
	knowledge  *knowledge.Index
	generator  *generate.Engine
	utilityR   *utility.Reranker
	audit      *store.Store
}

// New creates an Engine. audit receives the per-request query log; nil
// disables audit logging.
func New(cfg Config, sessions *session.Store, resolver *session.Resolver, retriever *retrieval.Engine, idx *knowledge.Index, generator *generate.Engine, utilityR *utility.Reranker, audit *store.Store) *Engine {
	if cfg.UtilityUpdateTimeout <= 0 {
		cfg.UtilityUpdateTimeout = 2 * time.Second
	}
	return &Engine{
		cfg:       cfg,
		sessions:  sessions,
		resolver:  resolver,
		retriever: retriever,
		knowledge: idx,
		generator: generator,
		utilityR:  utilityR,
		audit:     audit,
	}
}

// Request is a single incoming turn.
type Request struct {
	SessionID string // optional; generated if empty and absent from the store
	UserID    string
	Query     string
	InputMode string // voice|text
	TopKHint  int    // 0 lets the classifier decide
	Strategy  string // auto|keyword|semantic|hybrid, "" -> auto
	Filters   store.Filters
}

// Response is the envelope returned to the HTTP/WS surface.
type Response struct {
	SessionID            string             `json:"session_id"`
	EnhancedQuery         string             `json:"enhanced_query"`
	AnswerText            string             `json:"answer_text"`
	Citations             []generate.Citation `json:"citations"`
	Confidence            string             `json:"confidence"`
	ModelUsed             string             `json:"model_used"`
	Sources               []Source           `json:"sources"`
	Timing                map[string]int64   `json:"timing"`
	InputMode             string             `json:"input_mode"`
	PartialRetrieval      bool               `json:"partial_retrieval,omitempty"`
	ApplicabilityMismatch bool               `json:"applicability_mismatch,omitempty"`
}

// Source is a single retrieved chunk surfaced to the caller.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	URL        string  `json:"url"`
	Breadcrumb string  `json:"breadcrumb"`
	Score      float64 `json:"score"`
}

// chunkApplicability is the subset of a chunk's Metadata JSON the
// orchestrator reads for the ship-type/branch mismatch check. The seed
// loader populates this field exactly as a real ingest pipeline would.
type chunkApplicability struct {
	ApplicabilityShipTypes []string `json:"applicability_ship_types"`
}

// Query runs one conversational turn through the full pipeline: session
// load, context build, classification, enhancement, retrieval, knowledge
// lookup, generation, turn append, and the detached feedback tasks.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	timing := make(map[string]int64)
	stage := func(name string, start time.Time) {
		timing[name] = time.Since(start).Milliseconds()
	}

	// 1. Load or create session.
	t0 := time.Now()
	sess, err := e.loadOrCreateSession(ctx, req.SessionID, req.UserID)
	stage("session_load", t0)
	if err != nil {
		slog.Warn("pipeline: session load failed, using ephemeral session", "error", err)
	}

	// 2. Build context and enhanced (coreference-resolved) query.
	t0 = time.Now()
	maxTurns := e.cfg.MaxConversationTurns
	conversationMessages, resolvedQuery := e.resolver.BuildLLMContext(ctx, sess, req.Query, maxTurns)
	stage("context_build", t0)

	// 3. Classify.
	t0 = time.Now()
	classification := classify.Classify(resolvedQuery)
	stage("classify", t0)

	// 4. Enhance.
	t0 = time.Now()
	enhanced := enhance.Enhance(resolvedQuery, classification.ShipInfo)
	stage("enhance", t0)

	// 5. Retrieve.
	t0 = time.Now()
	topK := req.TopKHint
	if topK <= 0 {
		topK = classification.TopK
	}
	result, err := e.retriever.Search(ctx, enhanced.EnhancedQuery, retrieval.SearchOptions{
		TopK:     topK,
		Strategy: req.Strategy,
		Filters:  req.Filters,
	})
	stage("retrieve", t0)
	if err != nil {
		return e.structuredErrorResponse(sess, enhanced.EnhancedQuery, req.InputMode, timing, err), err
	}
	candidates := result.Candidates

	// 6. Knowledge lookup.
	t0 = time.Now()
	knowledgeEntries := e.lookupKnowledge(enhanced, classification)
	knowledgeBlock := knowledge.RenderMarkdown(knowledgeEntries)
	stage("knowledge_lookup", t0)

	mismatch, shipBlock := applicabilityCheck(classification.ShipInfo.Type, candidates)
	shipBlock = appendUnqualifiedApplicabilityNote(shipBlock, classification)

	// 7. Generate (with one cross-model retry on failure).
	t0 = time.Now()
	answer, genErr := e.generateWithRetry(ctx, generate.GenerateInput{
		EnhancedQuery:           enhanced.EnhancedQuery,
		Candidates:              candidates,
		Route:                   routeInput(classification, enhanced, candidates),
		ShipParameterBlock:      shipBlock,
		PracticalKnowledgeBlock: knowledgeBlock,
		ConversationMessages:    conversationMessages,
	})
	stage("generate", t0)
	if genErr != nil {
		return e.structuredErrorResponse(sess, enhanced.EnhancedQuery, req.InputMode, timing, genErr), genErr
	}

	if mismatch && !generate.IsRefusal(answer.Text) && !strings.Contains(strings.ToLower(answer.Text), strings.ToLower(classification.ShipInfo.Type)) {
		// Safety net: the prompt rule asked the model to call out the
		// mismatch explicitly; if it silently answered anyway, the
		// response cannot be trusted at face value.
		answer.Confidence = generate.ConfidenceLow
	}

	if issues := generate.Issues(answer.Text, candidates); len(issues) > 0 {
		slog.Warn("pipeline: answer quality issues", "session_id", sess.ID, "issues", issues)
	}

	retrievedRegs := retrievedRegulations(candidates)

	// 8. Append turns.
	t0 = time.Now()
	sess.AddUserTurn(req.Query, req.InputMode)
	assistantTurn := sess.AddAssistantTurn(answer.Text, req.InputMode, map[string]any{
		"retrieved_regulations": retrievedRegs,
		"citations":             citationTexts(answer.Citations),
		"confidence":            answer.Confidence,
		"enhanced_query":        enhanced.EnhancedQuery,
	})
	if e.sessions != nil {
		if err := e.sessions.Save(ctx, sess); err != nil {
			slog.Warn("pipeline: session save failed", "session_id", sess.ID, "error", err)
		}
	}
	stage("session_append", t0)

	// 9. Fire-and-forget utility update and audit log.
	e.fireUtilityUpdate(assistantTurn.ID, candidates, answer)
	e.fireAuditLog(sess.ID, req.Query, enhanced.EnhancedQuery, result.Trace, answer)

	// 10. Response envelope.
	return &Response{
		SessionID:             sess.ID,
		EnhancedQuery:         enhanced.EnhancedQuery,
		AnswerText:            answer.Text,
		Citations:             answer.Citations,
		Confidence:            answer.Confidence,
		ModelUsed:             answer.ModelUsed,
		Sources:               toSources(candidates),
		Timing:                timing,
		InputMode:             req.InputMode,
		PartialRetrieval:      result.Trace != nil && result.Trace.PartialRetrieval,
		ApplicabilityMismatch: mismatch,
	}, nil
}

func (e *Engine) loadOrCreateSession(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if e.sessions == nil {
		return session.New(sessionID, userID), nil
	}
	if sessionID != "" {
		loaded, err := e.sessions.Load(ctx, sessionID)
		if err != nil {
			return session.New(sessionID, userID), err
		}
		if loaded != nil {
			return loaded, nil
		}
		return session.New(sessionID, userID), nil
	}
	return session.New("", userID), nil
}

func (e *Engine) lookupKnowledge(enhanced enhance.Result, classification classify.Result) []knowledge.Entry {
	if e.knowledge == nil {
		return nil
	}
	return e.knowledge.Match(enhanced.EnhancedQuery, classification.ShipInfo.Type, enhanced.MatchedTerms, enhanced.RegulationHints)
}

// generateWithRetry retries a failed generation once on the alternate
// model tier; a second failure becomes a structured GenerationUnavailable
// error.
func (e *Engine) generateWithRetry(ctx context.Context, in generate.GenerateInput) (*generate.Answer, error) {
	answer, err := e.generator.Generate(ctx, in)
	if err == nil {
		return answer, nil
	}
	slog.Warn("pipeline: generation failed, retrying with alternate model", "error", err)

	// The retry carries only the other tier's hint, so the router's
	// promotion and demotion rules cannot send it back to the tier that
	// just failed (HasRelationWords keeps the short-query demotion off).
	alternate := in
	if generate.SelectModel(in.Route) == "primary" {
		alternate.Route = generate.RouteInput{Hint: "fast"}
	} else {
		alternate.Route = generate.RouteInput{Hint: "primary", HasRelationWords: true}
	}
	answer, retryErr := e.generator.Generate(ctx, alternate)
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %v (retry also failed: %v)", bvrag.ErrGenerationUnavailable, err, retryErr)
	}
	return answer, nil
}

// fireUtilityUpdate runs the utility feedback on a detached, panic-guarded,
// fire-and-forget goroutine with its own short timeout, so a slow or
// failing utility store never delays the response.
func (e *Engine) fireUtilityUpdate(turnID string, candidates []retrieval.Candidate, answer *generate.Answer) {
	if e.utilityR == nil {
		return
	}
	cited := make(map[int64]bool, len(answer.Citations))
	for _, c := range answer.Citations {
		if c.Verified {
			cited[c.ChunkID] = true
		}
	}
	refusal := generate.IsRefusal(answer.Text)
	confidence := answer.Confidence
	timeout := e.cfg.UtilityUpdateTimeout
	utilityR := e.utilityR

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: utility update panicked", "recover", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for _, c := range candidates {
			if _, err := utilityR.Update(ctx, c.ChunkID, c.Category, turnID, cited[c.ChunkID], confidence, refusal); err != nil {
				slog.Warn("pipeline: utility update failed", "chunk_id", c.ChunkID, "error", err)
			}
		}
	}()
}

// fireAuditLog writes the request's query-log row on a detached task so a
// slow or failing audit write never delays the response.
func (e *Engine) fireAuditLog(sessionID, query, enhancedQuery string, trace *retrieval.SearchTrace, answer *generate.Answer) {
	if e.audit == nil {
		return
	}
	citationsJSON, err := json.Marshal(citationTexts(answer.Citations))
	if err != nil {
		citationsJSON = []byte("[]")
	}
	method := ""
	if trace != nil {
		method = trace.Strategy
	}
	row := store.QueryLog{
		SessionID:        sessionID,
		Query:            query,
		EnhancedQuery:    enhancedQuery,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Citations:        string(citationsJSON),
		RetrievalMethod:  method,
		ModelUsed:        answer.ModelUsed,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	}
	audit := e.audit
	timeout := e.cfg.UtilityUpdateTimeout

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline: audit log panicked", "recover", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := audit.LogQuery(ctx, row); err != nil {
			slog.Warn("pipeline: audit log failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (e *Engine) structuredErrorResponse(sess *session.Session, enhancedQuery, inputMode string, timing map[string]int64, err error) *Response {
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}
	return &Response{
		SessionID:     sessionID,
		EnhancedQuery: enhancedQuery,
		AnswerText:    failureMessage(err),
		Confidence:    generate.ConfidenceLow,
		Timing:        timing,
		InputMode:     inputMode,
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, bvrag.ErrRetrievalUnavailable):
		return "检索暂时不可用 / retrieval unavailable"
	case errors.Is(err, bvrag.ErrGenerationUnavailable):
		return "生成服务暂时不可用 / generation unavailable"
	case errors.Is(err, bvrag.ErrTimeout):
		return "请求超时 / request timed out"
	default:
		return "发生内部错误 / an internal error occurred"
	}
}

func routeInput(classification classify.Result, enhanced enhance.Result, candidates []retrieval.Candidate) generate.RouteInput {
	top := 0.0
	if len(candidates) > 0 {
		top = candidates[0].CombinedScore
	}
	return generate.RouteInput{
		Hint:                 classification.ModelHint,
		ComparisonPresent:    hasComparisonWord(enhanced.EnhancedQuery),
		ShipParamPresent:     classification.ShipInfo.LengthMeters > 0 || classification.ShipInfo.GrossTonnage > 0,
		ShipTypePresent:      classification.ShipInfo.Type != "",
		ApplicabilityKeyword: classification.Intent == classify.IntentApplicability,
		EnhancedQueryLen:     len(enhanced.EnhancedQuery),
		HasPreciseIdentifier: retrieval.HasExplicitIdentifier(enhanced.EnhancedQuery) || len(enhanced.RegulationHints) > 0,
		TopCombinedScore:     top,
		WordCount:            len(strings.Fields(enhanced.EnhancedQuery)),
		HasRelationWords:     hasRelationWord(enhanced.EnhancedQuery),
	}
}

var comparisonWords = []string{"compare", "versus", "vs.", "difference between", "对比", "区别", "相比"}

func hasComparisonWord(q string) bool {
	lower := strings.ToLower(q)
	for _, w := range comparisonWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

var relationWords = []string{"because", "therefore", "however", "in relation to", "因为", "所以", "但是", "relates to"}

func hasRelationWord(q string) bool {
	lower := strings.ToLower(q)
	for _, w := range relationWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// applicabilityCheck guards against branch mismatches: if the declared
// ship type is known and the top candidate's applicability metadata names
// a closed set of ship types that excludes it, a forced-instruction note
// is added to the prompt's ship-parameter block and the mismatch flag is
// set for the post-hoc confidence safety net.
func applicabilityCheck(shipType string, candidates []retrieval.Candidate) (mismatch bool, shipBlock string) {
	if shipType == "" {
		return false, ""
	}
	shipBlock = fmt.Sprintf("Declared ship type: %s.", shipType)
	if len(candidates) == 0 {
		return false, shipBlock
	}

	var app chunkApplicability
	if err := json.Unmarshal([]byte(candidates[0].Metadata), &app); err != nil || len(app.ApplicabilityShipTypes) == 0 {
		return false, shipBlock
	}

	for _, t := range app.ApplicabilityShipTypes {
		if strings.EqualFold(t, shipType) {
			return false, shipBlock
		}
	}

	shipBlock += fmt.Sprintf(" The top retrieved passage's applicability is limited to %s, which does not include the declared ship type — you must refuse or explicitly state this mismatch.", strings.Join(app.ApplicabilityShipTypes, ", "))
	return true, shipBlock
}

// An applicability query carrying no ship information at all must not be
// answered as if it were unconditional. Rather than silently picking a
// ship type, the generator is instructed to ask for clarification or state
// its assumption explicitly.
func appendUnqualifiedApplicabilityNote(shipBlock string, classification classify.Result) string {
	if classification.Intent != classify.IntentApplicability {
		return shipBlock
	}
	if classification.ShipInfo.Type != "" {
		return shipBlock
	}
	note := "No ship type or ship parameter was stated in this applicability question. Ask the user to clarify the ship type, or state explicitly which ship type you are assuming before answering — do not give an unqualified answer."
	if shipBlock == "" {
		return note
	}
	return shipBlock + " " + note
}

func retrievedRegulations(candidates []retrieval.Candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		ref := strings.TrimSpace(c.Breadcrumb)
		if ref == "" {
			ref = strings.TrimSpace(c.Document + " " + c.RegulationNo)
		}
		if ref != "" && !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

func citationTexts(citations []generate.Citation) []string {
	out := make([]string, len(citations))
	for i, c := range citations {
		out[i] = c.Text
	}
	return out
}

func toSources(candidates []retrieval.Candidate) []Source {
	out := make([]Source, len(candidates))
	for i, c := range candidates {
		out[i] = Source{ChunkID: c.ChunkID, URL: c.SourceURL, Breadcrumb: c.Breadcrumb, Score: c.CombinedScore}
	}
	return out
}
