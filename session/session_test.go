package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvrag/bvrag/llm"
)

// setupTestRedis connects to a local Redis instance for store tests.
// Requires Redis running at localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestAddUserTurnUpdatesShipTypeAndTopics(t *testing.T) {
	sess := New("", "")
	sess.AddUserTurn("Does a 5000 GT bulk carrier need A-60 fire-resistant bulkheads?", "text")

	assert.Equal(t, "bulk carrier", sess.ActiveShipType)
	assert.Contains(t, sess.ActiveTopics, "fire_safety")
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "user", sess.Turns[0].Role)
}

func TestAddAssistantTurnExtractsCitationsAndTrimsActiveRegulations(t *testing.T) {
	sess := New("", "")
	sess.AddAssistantTurn("Per [SOLAS II-2/9] the bulkhead must be A-0 rated.", "text", map[string]any{
		"retrieved_regulations": []string{"MARPOL Annex I/15"},
	})

	assert.Contains(t, sess.ActiveRegulations, "SOLAS II-2/9")
	assert.Contains(t, sess.ActiveRegulations, "MARPOL Annex I/15")
	assert.Equal(t, "SOLAS II-2/9", sess.ActiveRegulations[0], "metadata regulations are pushed before text-extracted ones, so the extracted citation is most recent")
}

func TestAddAssistantTurnLRUTrimAt20(t *testing.T) {
	sess := New("", "")
	for i := 0; i < 25; i++ {
		sess.AddAssistantTurn("no citations here", "text", map[string]any{
			"retrieved_regulations": []string{regID(i)},
		})
	}
	assert.Len(t, sess.ActiveRegulations, maxActiveRegulations)
	assert.Equal(t, regID(24), sess.ActiveRegulations[0], "most recently referenced regulation stays at the front")
}

func regID(i int) string {
	return "SOLAS " + string(rune('A'+i%26)) + "/1"
}

func TestResolveShortCircuitsWithoutAnaphor(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"SOLAS III/31"}
	r := NewResolver(nil, "")

	got := r.Resolve(context.Background(), sess, "What is the minimum freeboard for a tanker?")
	assert.Equal(t, "What is the minimum freeboard for a tanker?", got)
}

func TestResolveShortCircuitsWithoutActiveRegulations(t *testing.T) {
	sess := New("", "")
	r := NewResolver(nil, "")

	got := r.Resolve(context.Background(), sess, "What about that one?")
	assert.Equal(t, "What about that one?", got)
}

func TestResolveInjectsContextWhenNoModelConfigured(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"SOLAS III/31.1.4"}

	r := NewResolver(nil, "")
	got := r.Resolve(context.Background(), sess, "Does that apply to tankers too?")

	assert.Contains(t, got, "SOLAS III/31.1.4")
	assert.Contains(t, got, "Does that apply to tankers too?")
}

func TestResolvePrefersLastAssistantRetrievedRegulations(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"OLD-REG"}
	sess.AddAssistantTurn("answer text", "text", map[string]any{
		"retrieved_regulations": []string{"SOLAS III/31.1.4"},
	})

	r := NewResolver(nil, "")
	got := r.Resolve(context.Background(), sess, "Does that also apply here?")

	assert.Contains(t, got, "SOLAS III/31.1.4")
	assert.NotContains(t, got, "OLD-REG")
}

func TestAcceptableRewrite(t *testing.T) {
	assert.True(t, acceptableRewrite("Does SOLAS III/31.1.4 require a davit-launched liferaft on both sides?", "Does it apply to both sides?"))
	assert.False(t, acceptableRewrite("yes", "Does it apply to both sides of the ship, given the stern lifeboat arrangement?"))
	assert.False(t, acceptableRewrite("ok", "hi"))
}

type stubChat struct {
	content string
	err     error
}

func (s stubChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.content}, nil
}

func (s stubChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func TestResolveUsesL3RewriteWhenValid(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"SOLAS III/31.1.4"}

	r := NewResolver(stubChat{content: "Does SOLAS III/31.1.4 apply to both port and starboard sides of a cargo ship?"}, "fast")
	got := r.Resolve(context.Background(), sess, "Does it apply to both sides?")

	assert.Equal(t, "Does SOLAS III/31.1.4 apply to both port and starboard sides of a cargo ship?", got)
}

func TestResolveFallsBackToL2WhenRewriteRejected(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"SOLAS III/31.1.4"}

	r := NewResolver(stubChat{content: "yes"}, "fast")
	got := r.Resolve(context.Background(), sess, "Does it apply to both sides, including the throw-overboard arrangement?")

	assert.Contains(t, got, "SOLAS III/31.1.4")
	assert.Contains(t, got, "Does it apply to both sides")
}

func TestResolveFallsBackToL2OnChatError(t *testing.T) {
	sess := New("", "")
	sess.ActiveRegulations = []string{"SOLAS III/31.1.4"}

	r := NewResolver(stubChat{err: assertError{}}, "fast")
	got := r.Resolve(context.Background(), sess, "Does it apply to both sides?")

	assert.Contains(t, got, "SOLAS III/31.1.4")
}

type assertError struct{}

func (assertError) Error() string { return "provider unavailable" }

func TestBuildLLMContextWindowsAndSummarizes(t *testing.T) {
	sess := New("", "")
	for i := 0; i < 25; i++ {
		sess.AddUserTurn("question", "text")
		sess.AddAssistantTurn("answer", "text", nil)
	}

	r := NewResolver(stubChat{content: "Summary of the earlier conversation."}, "fast")
	messages, enhanced := r.BuildLLMContext(context.Background(), sess, "What about now?", 5)

	assert.LessOrEqual(t, len(messages), 11, "windowed to 2*maxTurns recent turns plus one summary message")
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[0].Content, "Summary of the earlier conversation.")
	assert.Equal(t, "What about now?", enhanced)
}

func TestBuildLLMContextNoSummaryUnderWindow(t *testing.T) {
	sess := New("", "")
	sess.AddUserTurn("hello", "text")

	r := NewResolver(nil, "")
	messages, _ := r.BuildLLMContext(context.Background(), sess, "follow up", 5)

	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
}

func TestStoreSaveAndLoadRoundTrips(t *testing.T) {
	rdb := setupTestRedis(t)
	store := NewStore(rdb, time.Minute)
	ctx := context.Background()

	sess := New("", "user-1")
	sess.AddUserTurn("hello", "text")

	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Len(t, loaded.Turns, 1)
}

func TestStoreLoadMissingReturnsNilNil(t *testing.T) {
	rdb := setupTestRedis(t)
	store := NewStore(rdb, time.Minute)

	loaded, err := store.Load(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
