// Package session implements conversation memory: a Redis-backed,
// TTL-bound per-session JSON blob, turn tracking with a rolling working set
// (active regulations/topics/ship type), and the three-layer coreference
// resolver that rewrites a follow-up question into a self-contained query.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bvrag/bvrag"
	"github.com/bvrag/bvrag/classify"
	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/utility"
)

// maxActiveRegulations bounds the rolling working set.
const maxActiveRegulations = 20

// Turn is one message in a conversation.
type Turn struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"` // user|assistant
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	InputMode string         `json:"input_mode"` // voice|text
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is the full conversation record persisted as one Redis value.
type Session struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id,omitempty"`
	Turns             []Turn    `json:"turns"`
	ActiveRegulations []string  `json:"active_regulations"`
	ActiveTopics      []string  `json:"active_topics"`
	ActiveShipType    string    `json:"active_ship_type,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// New creates a fresh session. If id is empty a UUID is generated.
func New(id, userID string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, UserID: userID, UpdatedAt: time.Now()}
}

// AddUserTurn appends a user turn and updates the working set by keyword
// scan: active ship type via the classifier's ship-type lexicon, active
// topics via the utility category router.
func (s *Session) AddUserTurn(content, inputMode string) Turn {
	t := Turn{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
		InputMode: inputMode,
	}
	s.Turns = append(s.Turns, t)

	if info := classify.Classify(content); info.ShipInfo.Type != "" {
		s.ActiveShipType = info.ShipInfo.Type
	}
	if cat := utility.CategoryFor(content); cat != "general" {
		s.ActiveTopics = appendUniqueCapped(s.ActiveTopics, cat, maxActiveRegulations)
	}
	s.UpdatedAt = time.Now()
	return t
}

// AddAssistantTurn appends an assistant turn carrying the metadata the
// orchestrator collected for this reply: enhanced query, retrieved
// regulations, citations, confidence. It regex-extracts additional
// citations from the answer text itself and pushes all of them onto
// ActiveRegulations with LRU trimming at 20.
func (s *Session) AddAssistantTurn(content, inputMode string, metadata map[string]any) Turn {
	t := Turn{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
		InputMode: inputMode,
		Metadata:  metadata,
	}
	s.Turns = append(s.Turns, t)

	var regs []string
	if retrieved, ok := metadata["retrieved_regulations"]; ok {
		regs = append(regs, toStringSlice(retrieved)...)
	}
	regs = append(regs, extractCitedDocuments(content)...)

	for _, r := range regs {
		s.ActiveRegulations = appendUniqueCapped(s.ActiveRegulations, r, maxActiveRegulations)
	}
	s.UpdatedAt = time.Now()
	return t
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// appendUniqueCapped pushes v to the front (most-recently-used) of list,
// removing any prior occurrence, and trims to maxLen.
func appendUniqueCapped(list []string, v string, maxLen int) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, v)
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

var citedDocumentPattern = regexp.MustCompile(
	`\[(SOLAS|MARPOL|MSC|MEPC|ISM|ISPS|LSA|FSS|FTP|STCW|COLREG|Resolution)\s+([^\]]+)\]`)

// extractCitedDocuments regex-extracts bracketed citations from answer text.
func extractCitedDocuments(answer string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range citedDocumentPattern.FindAllStringSubmatch(answer, -1) {
		ref := strings.TrimSpace(m[1] + " " + m[2])
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// --- Redis-backed store ---

// Store is the TTL-bound key-value store backing conversation sessions.
// Load and Save use single-key get/set and Count scans the session keys;
// no transactions.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a Store. ttl defaults to 24h if <= 0.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string {
	return "bvrag:session:" + id
}

// Load fetches a session by id. A missing or expired key is not an error:
// it returns (nil, nil) so the caller degrades to a fresh session.
func (st *Store) Load(ctx context.Context, id string) (*Session, error) {
	data, err := st.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bvrag.ErrSessionStoreUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: decoding session %s: %v", bvrag.ErrSessionStoreUnavailable, id, err)
	}
	return &sess, nil
}

// Save writes the session as a single JSON blob with a refreshed TTL.
// Concurrent saves of the same session are last-writer-wins.
func (st *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := st.rdb.Set(ctx, sessionKey(sess.ID), data, st.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", bvrag.ErrSessionStoreUnavailable, err)
	}
	return nil
}

// Count returns the number of live sessions, for the admin stats endpoint.
// Uses SCAN rather than KEYS to avoid blocking Redis on a large keyspace.
func (st *Store) Count(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := st.rdb.Scan(ctx, cursor, sessionKey("*"), 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", bvrag.ErrSessionStoreUnavailable, err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// --- Coreference resolution (three layers) ---

// pronounLexicon is the bilingual anaphor/pronoun trigger list for L1.
var pronounLexicon = []string{
	"这个", "那个", "该", "它", "前面", "上面", "上述", "刚才",
	"this", "that", "it", "the above", "aforementioned", "same", "these", "those",
}

func hasAnaphor(query string) bool {
	lower := strings.ToLower(query)
	for _, p := range pronounLexicon {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Resolver runs three-layer coreference resolution — regex detection,
// context-prefix injection, cheap-model rewrite — calling out to a chat
// model only at the last layer.
type Resolver struct {
	chat      llm.Provider
	fastModel string
}

// NewResolver creates a Resolver. chat may be nil to disable L3 entirely
// (L1/L2 still run; a nil chat always falls back to the L2 result).
func NewResolver(chat llm.Provider, fastModel string) *Resolver {
	return &Resolver{chat: chat, fastModel: fastModel}
}

// Resolve rewrites query into a self-contained form given the session's
// working set and recent turns. Short-circuits at L1 when there is no
// anaphor or no active regulations to resolve against.
func (r *Resolver) Resolve(ctx context.Context, sess *Session, query string) string {
	if !hasAnaphor(query) || len(sess.ActiveRegulations) == 0 {
		return query
	}

	l2 := r.injectContext(sess, query)
	return r.rewriteL3(ctx, sess, query, l2)
}

// injectContext (L2) prepends a bracketed context hint naming the
// regulations the previous turn(s) discussed, preferring the last
// assistant turn's retrieved_regulations over the session-level working set.
func (r *Resolver) injectContext(sess *Session, query string) string {
	regs := lastAssistantRetrievedRegulations(sess)
	if len(regs) == 0 {
		regs = sess.ActiveRegulations
	}
	if len(regs) == 0 {
		return query
	}
	return fmt.Sprintf("[Context: the previous question was about %s] %s", strings.Join(regs, ", "), query)
}

func lastAssistantRetrievedRegulations(sess *Session) []string {
	for i := len(sess.Turns) - 1; i >= 0; i-- {
		t := sess.Turns[i]
		if t.Role != "assistant" {
			continue
		}
		if t.Metadata == nil {
			return nil
		}
		return toStringSlice(t.Metadata["retrieved_regulations"])
	}
	return nil
}

const l3Timeout = 4 * time.Second
const recentTurnsForRewrite = 4

// rewriteL3 asks a cheap model for a self-contained rewrite of query given
// the last few turns. If the model is unavailable, errors, times out, or
// the rewrite fails the length sanity check (0.3x-3x the original, >=5
// chars), l2 (the context-prefixed query) is returned unchanged.
func (r *Resolver) rewriteL3(ctx context.Context, sess *Session, query, l2 string) string {
	if r.chat == nil {
		return l2
	}

	lctx, cancel := context.WithTimeout(ctx, l3Timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: "Rewrite the user's final question into a fully self-contained question, resolving any pronoun or reference to the prior conversation. Reply in the same language as the question. Output only the rewritten question, nothing else."},
	}
	for _, t := range recentTurns(sess, recentTurnsForRewrite) {
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	resp, err := r.chat.Chat(lctx, llm.ChatRequest{Model: r.fastModel, Messages: messages, Temperature: 0, MaxTokens: 200})
	if err != nil {
		return l2
	}

	rewrite := strings.TrimSpace(resp.Content)
	if !acceptableRewrite(rewrite, query) {
		return l2
	}
	return rewrite
}

func acceptableRewrite(rewrite, original string) bool {
	if len([]rune(rewrite)) < 5 {
		return false
	}
	origLen := float64(len([]rune(original)))
	rewriteLen := float64(len([]rune(rewrite)))
	if origLen == 0 {
		return true
	}
	ratio := rewriteLen / origLen
	return ratio >= 0.3 && ratio <= 3.0
}

func recentTurns(sess *Session, n int) []Turn {
	if len(sess.Turns) <= n {
		return sess.Turns
	}
	return sess.Turns[len(sess.Turns)-n:]
}

// --- LLM context assembly ---

// DefaultMaxTurns is the default conversation window; the most recent
// 2*maxTurns messages are kept verbatim.
const DefaultMaxTurns = 10

// BuildLLMContext windows the conversation, pre-summarising the early
// portion with a cheap model call if it overflows the window, resolves
// coreference on currentQuery, and returns the messages to inject plus
// the resolved enhanced query.
func (r *Resolver) BuildLLMContext(ctx context.Context, sess *Session, currentQuery string, maxTurns int) ([]llm.Message, string) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	windowSize := 2 * maxTurns

	var messages []llm.Message
	if len(sess.Turns) > windowSize {
		early := sess.Turns[:len(sess.Turns)-windowSize]
		recent := sess.Turns[len(sess.Turns)-windowSize:]
		summary := r.summarize(ctx, early)
		if summary != "" {
			messages = append(messages, llm.Message{Role: "system", Content: "Earlier conversation summary: " + summary})
		}
		messages = append(messages, turnsToMessages(recent)...)
	} else {
		messages = turnsToMessages(sess.Turns)
	}

	enhancedQuery := r.Resolve(ctx, sess, currentQuery)
	return messages, enhancedQuery
}

func turnsToMessages(turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

const summaryTimeout = 4 * time.Second

// summarize asks the cheap model for a ~200-token summary of early turns.
// On any failure it returns "" and the caller simply omits the summary.
func (r *Resolver) summarize(ctx context.Context, turns []Turn) string {
	if r.chat == nil || len(turns) == 0 {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(t.Role)
		transcript.WriteString(": ")
		transcript.WriteString(t.Content)
		transcript.WriteString("\n")
	}

	resp, err := r.chat.Chat(lctx, llm.ChatRequest{
		Model: r.fastModel,
		Messages: []llm.Message{
			{Role: "system", Content: "Summarise the following conversation in at most 200 tokens, preserving any regulation identifiers and ship details mentioned."},
			{Role: "user", Content: transcript.String()},
		},
		Temperature: 0,
		MaxTokens:   220,
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
