// Package generate implements the answer generator: model routing
// between a primary and a fast model, evidence packing, prompt assembly
// around a fixed surveyor-persona system prompt, and citation/confidence
// post-processing.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/retrieval"
)

// Config names the two model tiers and the context budget.
type Config struct {
	PrimaryModel     string
	FastModel        string
	MaxContextTokens int // rough estimate len(text)/4; default 8000
}

// Answer is the final output of a single generate call.
type Answer struct {
	Text             string     `json:"text"`
	Confidence       string     `json:"confidence"` // high|medium|low
	Citations        []Citation `json:"citations"`
	ModelUsed        string     `json:"model_used"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	ElapsedMs        int64      `json:"elapsed_ms"`
}

// RouteInput carries the signals the model router needs. Callers (the
// pipeline orchestrator) assemble these from the classification and the
// retrieval results.
type RouteInput struct {
	Hint                  string // "fast" or "primary", the classifier's model hint
	ComparisonPresent     bool
	ShipParamPresent      bool
	ShipTypePresent       bool
	ApplicabilityKeyword  bool
	EnhancedQueryLen      int
	HasPreciseIdentifier  bool
	TopCombinedScore      float64
	WordCount             int
	HasRelationWords      bool
}

// SelectModel routes a request to a model tier: promotion to primary takes
// precedence over demotion to fast, which takes precedence over the
// classifier's original hint.
func SelectModel(in RouteInput) string {
	model := in.Hint
	if model != "primary" && model != "fast" {
		model = "fast"
	}

	promote := in.ComparisonPresent || in.ShipParamPresent || in.ShipTypePresent ||
		in.ApplicabilityKeyword || in.EnhancedQueryLen > 60
	if promote {
		return "primary"
	}

	demote := in.HasPreciseIdentifier || in.TopCombinedScore > 0.75 ||
		(in.WordCount < 15 && !in.HasRelationWords)
	if demote {
		return "fast"
	}

	return model
}

// GenerateInput carries everything needed to build the prompt for one turn.
type GenerateInput struct {
	EnhancedQuery           string
	Candidates              []retrieval.Candidate
	Route                   RouteInput
	UserPreferences         string // one-line summary, optional
	ShipParameterBlock      string // optional
	PracticalKnowledgeBlock string // optional
	ConversationMessages    []llm.Message
}

// Engine calls the chat model and post-processes its answer.
type Engine struct {
	chat llm.Provider
	cfg  Config
}

// New creates an Engine. Defaults MaxContextTokens to 8000 if unset.
func New(chat llm.Provider, cfg Config) *Engine {
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 8000
	}
	return &Engine{chat: chat, cfg: cfg}
}

// Generate selects a model, packs retrieved evidence into a prompt, calls
// the chat model once, and extracts citations and confidence from the
// response. A model call failure is wrapped in ErrGenerationUnavailable;
// the pipeline orchestrator decides whether to retry with the other model.
func (e *Engine) Generate(ctx context.Context, in GenerateInput) (*Answer, error) {
	start := time.Now()

	tier := SelectModel(in.Route)
	modelName := e.cfg.FastModel
	if tier == "primary" {
		modelName = e.cfg.PrimaryModel
	}

	evidence := BuildContext(in.Candidates, e.cfg.MaxContextTokens)
	messages := BuildMessages(PromptInput{
		UserPreferences:         in.UserPreferences,
		ShipParameterBlock:      in.ShipParameterBlock,
		PracticalKnowledgeBlock: in.PracticalKnowledgeBlock,
		Evidence:                evidence,
		ConversationMessages:    in.ConversationMessages,
		EnhancedQuery:           in.EnhancedQuery,
	})

	slog.Info("generate: calling model", "tier", tier, "model", modelName, "candidates", len(in.Candidates))

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model:       modelName,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bvrag.ErrGenerationUnavailable, err)
	}

	citations := ExtractCitations(resp.Content, in.Candidates)
	confidence := ComputeConfidence(resp.Content, topCombinedScore(in.Candidates))

	return &Answer{
		Text:             resp.Content,
		Confidence:       confidence,
		Citations:        citations,
		ModelUsed:        resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
		ElapsedMs:        time.Since(start).Milliseconds(),
	}, nil
}

func topCombinedScore(candidates []retrieval.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	top := candidates[0].CombinedScore
	for _, c := range candidates[1:] {
		if c.CombinedScore > top {
			top = c.CombinedScore
		}
	}
	return top
}

const systemPrompt = `You are an experienced marine surveyor assistant, answering questions about SOLAS, MARPOL, and related IMO and classification-society rules.

Non-negotiable rules:
(a) State your conclusion first, then support it.
(b) Support every factual claim with a bracketed citation in the form [Document Reg/N.n.m].
(c) If the evidence is insufficient, say so explicitly. Never invent a numeric value, grade, or threshold that is not present in the evidence.
(d) If the retrieved passages come from a regulation branch that does not match the ship type in the question, refuse to answer or state the mismatch explicitly.
(e) Distinguish mandatory ("shall") language from recommended ("should") language.
(f) Reply in the language the question was asked in; keep document names and regulation numbers in English.`

// PromptInput is the set of injected sections that follow the fixed system
// prompt, in injection order.
type PromptInput struct {
	UserPreferences         string
	ShipParameterBlock      string
	PracticalKnowledgeBlock string
	Evidence                string
	ConversationMessages    []llm.Message
	EnhancedQuery           string
}

// BuildMessages assembles the chat message list: the fixed system prompt,
// one context message carrying preferences/ship-parameters/practical-
// knowledge/evidence, the prior conversation turns, and finally the
// enhanced query as the newest user turn.
func BuildMessages(in PromptInput) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: systemPrompt}}

	var ctxBlock strings.Builder
	if in.UserPreferences != "" {
		ctxBlock.WriteString(in.UserPreferences)
		ctxBlock.WriteString("\n\n")
	}
	if in.ShipParameterBlock != "" {
		ctxBlock.WriteString(in.ShipParameterBlock)
		ctxBlock.WriteString("\n\n")
	}
	if in.PracticalKnowledgeBlock != "" {
		ctxBlock.WriteString(in.PracticalKnowledgeBlock)
		ctxBlock.WriteString("\n\n")
	}
	ctxBlock.WriteString("Retrieved evidence:\n")
	ctxBlock.WriteString(in.Evidence)
	messages = append(messages, llm.Message{Role: "system", Content: ctxBlock.String()})

	messages = append(messages, in.ConversationMessages...)
	messages = append(messages, llm.Message{Role: "user", Content: in.EnhancedQuery})
	return messages
}

// BuildContext groups candidates by document and formats each as a
// `**[breadcrumb]** (Source: URL)` block, truncated at ~1600 characters,
// stopping once the cumulative estimated token budget is spent.
func BuildContext(candidates []retrieval.Candidate, maxContextTokens int) string {
	if maxContextTokens <= 0 {
		maxContextTokens = 8000
	}

	var order []string
	buckets := make(map[string][]retrieval.Candidate)
	for _, c := range candidates {
		if _, ok := buckets[c.Document]; !ok {
			order = append(order, c.Document)
		}
		buckets[c.Document] = append(buckets[c.Document], c)
	}

	var b strings.Builder
	usedTokens := 0
	for _, doc := range order {
		for _, c := range buckets[doc] {
			block := formatEvidenceBlock(c)
			tokens := len(block) / 4
			if usedTokens > 0 && usedTokens+tokens > maxContextTokens {
				return b.String()
			}
			b.WriteString(block)
			b.WriteString("\n\n")
			usedTokens += tokens
		}
	}
	return b.String()
}

func formatEvidenceBlock(c retrieval.Candidate) string {
	text := c.Content
	if len(text) > 1600 {
		text = text[:1600]
	}
	block := fmt.Sprintf("**[%s]** (Source: %s)\n%s", c.Breadcrumb, c.SourceURL, text)
	if c.GraphContext != nil && c.GraphContext.InboundInterpretations > 0 {
		block += fmt.Sprintf("\n(%d interpretation(s) of this regulation are on file.)", c.GraphContext.InboundInterpretations)
	}
	return block
}
