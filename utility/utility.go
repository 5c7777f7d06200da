// Package utility implements the learned per-chunk utility signal: a
// category-scoped exponential moving average that reranks the head of a
// retrieval result list and is nudged after every turn by whether a chunk's
// citation survived into the final answer.
package utility

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bvrag/bvrag/store"
)

// DefaultAlpha is the blend weight given to the learned utility signal
// against the normalised fusion score: combined = (1-alpha)*fusion + alpha*utility.
const DefaultAlpha = 0.3

// Item is a single candidate passed through reranking. Callers populate
// ChunkID, RegID, Content and FusedScore; Rerank fills in Category and
// CombinedScore.
type Item struct {
	ChunkID       int64
	RegID         string
	Content       string
	FusedScore    float64
	Category      string
	CombinedScore float64
}

type categoryRule struct {
	name     string
	keywords []string
}

// categoryRules is evaluated in order; the first category whose keyword list
// matches wins. Order matters: one text can hit keywords of several
// categories (a passage naming both "fire" and "lifeboat"), so a fixed
// precedence is needed instead of a map, which would iterate
// non-deterministically.
var categoryRules = []categoryRule{
	{"fire_safety", []string{"fire", "flame", "smoke", "extinguish", "sprinkler", "fire-fighting", "firefighting", "class a-0", "class a-60"}},
	{"lifesaving", []string{"lifeboat", "liferaft", "life raft", "lifejacket", "life jacket", "muster", "evacuation", "rescue boat", "immersion suit"}},
	{"pollution", []string{"oil", "discharge", "marpol", "ballast water", "sewage", "garbage", "emission", "bilge", "sludge"}},
	{"stability", []string{"stability", "trim", "heel", "righting", "metacentric", "freeboard", "damage stability"}},
	{"structure", []string{"hull", "bulkhead", "structural", "scantling", "framing", "watertight", "shell plating"}},
	{"machinery", []string{"engine", "machinery", "boiler", "propulsion", "piping", "pump room", "generator"}},
	{"navigation", []string{"navigation", "radar", "ais", "chart", "bridge", "colreg", "ecdis", "gyro"}},
	{"survey", []string{"survey", "certificate", "inspection", "audit", "renewal survey", "intermediate survey"}},
}

const defaultCategory = "general"

// CategoryFor routes a chunk of text to its utility bucket by keyword match.
func CategoryFor(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.name
			}
		}
	}
	return defaultCategory
}

// rewardTable maps (was_cited, confidence) onto the EMA reward fed into
// store.UpdateChunkUtilityEMA.
var rewardTable = map[bool]map[string]float64{
	true: {
		"high":   1.0,
		"medium": 0.5,
		"low":    0.0,
	},
	false: {
		"high":   -0.1,
		"medium": 0.0,
		"low":    -0.3,
	},
}

// refusalReward is applied instead of the table above, to every retrieved
// chunk, when confidence is low and the answer is a refusal.
const refusalReward = -0.5

func reward(cited bool, confidence string) float64 {
	if byConf, ok := rewardTable[cited]; ok {
		if r, ok := byConf[confidence]; ok {
			return r
		}
	}
	return 0.0
}

// Reranker blends fused retrieval scores with the learned utility signal and
// updates that signal once an answer's citations are known.
type Reranker struct {
	store   *store.Store
	alpha   float64
	ceiling float64

	mu   sync.Mutex
	seen map[string]bool // (chunk_id, category, turn_id) dedup for Update
}

// New creates a Reranker. alpha is the utility blend weight (DefaultAlpha if
// <= 0); ceiling normalises fused scores into roughly [0,1] before blending
// (no normalisation if <= 0 — fused RRF scores are already small and bounded
// in practice, so a ceiling of 0 is a valid configuration).
func New(s *store.Store, alpha, ceiling float64) *Reranker {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Reranker{store: s, alpha: alpha, ceiling: ceiling, seen: make(map[string]bool)}
}

// Rerank blends each item's FusedScore with its category's learned utility,
// writing Category and CombinedScore in place. Items whose utility lookup
// fails fall back to their fused score unchanged, logged but not fatal —
// reranking is an enhancement, not a dependency retrieval can't do without.
func (r *Reranker) Rerank(ctx context.Context, items []Item) {
	for i := range items {
		cat := CategoryFor(items[i].Content)
		items[i].Category = cat

		u, err := r.store.GetChunkUtility(ctx, items[i].ChunkID, cat)
		if err != nil {
			slog.Warn("utility: lookup failed, using fused score", "chunk_id", items[i].ChunkID, "error", err)
			items[i].CombinedScore = items[i].FusedScore
			continue
		}

		normalized := items[i].FusedScore
		if r.ceiling > 0 {
			normalized = normalized / r.ceiling
			if normalized > 1 {
				normalized = 1
			}
		}
		items[i].CombinedScore = (1-r.alpha)*normalized + r.alpha*u.Utility
	}
}

// Update applies the EMA reward for a single chunk once an answer's
// confidence and citation set are known. refusal marks an answer that
// declined to answer at all, which overrides the normal reward table with
// a flat -0.5 for every retrieved chunk when confidence is low.
// It is idempotent within a turn: a duplicate (chunkID, category, turnID) is
// a no-op so a chunk referenced twice in one answer isn't rewarded twice.
func (r *Reranker) Update(ctx context.Context, chunkID int64, category, turnID string, cited bool, confidence string, refusal bool) (float64, error) {
	key := turnKey(chunkID, category, turnID)

	r.mu.Lock()
	if r.seen[key] {
		r.mu.Unlock()
		return 0, nil
	}
	r.seen[key] = true
	r.mu.Unlock()

	rwd := reward(cited, confidence)
	if confidence == "low" && refusal {
		rwd = refusalReward
	}
	return r.store.UpdateChunkUtilityEMA(ctx, chunkID, category, rwd, cited)
}

func turnKey(chunkID int64, category, turnID string) string {
	return turnID + "|" + category + "|" + strconv.FormatInt(chunkID, 10)
}
