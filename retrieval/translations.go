package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bvrag/bvrag/llm"
)

// Translator supplements enhance's static bilingual term map (its ≥50
// curated Chinese/English groups) with a runtime LLM-backed fallback.
// The corpus itself is always English — SOLAS, MARPOL, STCW and the IACS
// UR/UI are published in English — so a surveyor's Chinese query term that
// isn't in the curated map would otherwise never match the lexical or
// graph legs' English chunk text. TranslateTerms renders any such term in
// the English regulatory vocabulary so those legs can still find it.
// Results are cached in memory so each unique term is translated at most
// once per engine lifetime.
type Translator struct {
	chatLLM llm.Provider

	mu    sync.RWMutex
	cache map[string][]string // Chinese term -> English regulatory forms
}

// NewTranslator creates a Translator. If chatLLM is nil, TranslateTerms is
// a no-op.
func NewTranslator(chatLLM llm.Provider) *Translator {
	return &Translator{
		chatLLM: chatLLM,
		cache:   make(map[string][]string),
	}
}

// TranslateTerms returns English regulatory-vocabulary forms for any
// non-English (CJK) term in terms. Terms that are already ASCII are
// skipped: BV-RAG's data model only ever splits a query into Chinese and
// English, so anything without CJK characters is assumed to already be
// searchable English.
func (t *Translator) TranslateTerms(ctx context.Context, terms []string) []string {
	if t.chatLLM == nil || len(terms) == 0 {
		return nil
	}

	t.mu.RLock()
	var uncached []string
	var result []string
	seen := make(map[string]bool)
	for _, term := range terms {
		trimmed := strings.TrimSpace(term)
		if trimmed == "" || seen[trimmed] || !containsCJK(trimmed) {
			continue
		}
		seen[trimmed] = true
		if cached, ok := t.cache[trimmed]; ok {
			result = append(result, cached...)
		} else {
			uncached = append(uncached, trimmed)
		}
	}
	t.mu.RUnlock()

	if len(uncached) == 0 {
		return result
	}

	translated := t.llmTranslate(ctx, uncached)
	for _, term := range uncached {
		if forms, ok := translated[term]; ok {
			result = append(result, forms...)
		}
	}

	return result
}

// llmTranslate sends a batch of Chinese terms to the chat model and caches
// the results. Each term maps to an array of English regulatory forms
// (singular, plural, and any standard synonyms used in the conventions).
func (t *Translator) llmTranslate(ctx context.Context, terms []string) map[string][]string {
	prompt := fmt.Sprintf(
		`Translate these Chinese maritime/regulatory terms into the English regulatory vocabulary used in SOLAS, MARPOL, STCW, and IACS UR/UI. For each term, give the standard English term(s) a surveyor would expect in the regulation text: singular and plural forms, and any common synonym used in the conventions.

Return ONLY a JSON object where keys are the original Chinese terms and values are arrays of all English forms (singular first, then plural, then synonyms).

Example:
{"救生筏": ["liferaft", "liferafts"], "舱壁": ["bulkhead", "bulkheads"]}

If a term has no standard English regulatory equivalent, include it anyway with your best translation.

Terms: %s`, strings.Join(terms, ", "))

	resp, err := t.chatLLM.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a maritime regulatory translator. Return only valid JSON. No markdown fences, no explanation."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		slog.Warn("translator: LLM translation failed", "error", err, "terms", len(terms))
		t.cacheEmpty(terms)
		return nil
	}

	// Parse JSON — strip thinking blocks and markdown fences.
	content := stripThinking(strings.TrimSpace(resp.Content))
	if idx := strings.Index(content, "{"); idx >= 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}

	var parsed map[string][]string
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Warn("translator: failed to parse translation JSON",
			"error", err, "content_len", len(content))
		t.cacheEmpty(terms)
		return nil
	}

	t.mu.Lock()
	for _, term := range terms {
		if forms, ok := parsed[term]; ok && len(forms) > 0 {
			t.cache[term] = forms
		} else {
			t.cache[term] = nil
		}
	}
	t.mu.Unlock()

	slog.Debug("translator: translated terms",
		"requested", len(terms), "returned", len(parsed))
	return parsed
}

// cacheEmpty records nil for each term so a failed translation isn't
// retried against the chat model on every subsequent query.
func (t *Translator) cacheEmpty(terms []string) {
	t.mu.Lock()
	for _, term := range terms {
		t.cache[term] = nil
	}
	t.mu.Unlock()
}

// containsCJK reports whether s contains a CJK Unified Ideograph, used to
// decide whether a query term needs translation before it can match the
// corpus's English chunk text.
func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

// stripThinking removes <think>...</think> blocks from LLM output. Some
// models (e.g. Qwen3) wrap reasoning in these tags.
func stripThinking(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s, "</think>")
		if end == -1 {
			// Unclosed tag — strip from <think> onward.
			s = s[:start]
			break
		}
		s = s[:start] + s[end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
