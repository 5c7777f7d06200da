//go:build cgo

package utility

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvrag/bvrag/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCategoryForRoutesByKeyword(t *testing.T) {
	assert.Equal(t, "fire_safety", CategoryFor("Bulkheads shall be class A-0 fire-resistant."))
	assert.Equal(t, "lifesaving", CategoryFor("Each lifeboat must be serviced annually."))
	assert.Equal(t, "pollution", CategoryFor("Oil discharge is prohibited within 12 miles."))
	assert.Equal(t, "general", CategoryFor("This section defines terms used throughout."))
}

func TestRerankBlendsUtilityAndFusedScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := New(s, 0.3, 0)
	items := []Item{{ChunkID: 1, Content: "fire-resistant bulkhead", FusedScore: 0.8}}
	r.Rerank(ctx, items)

	assert.Equal(t, "fire_safety", items[0].Category)
	assert.InDelta(t, 0.7*0.8+0.3*0.5, items[0].CombinedScore, 1e-9)
}

func TestUpdateAppliesEMAAndDedupesPerTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := New(s, 0.3, 0)

	u1, err := r.Update(ctx, 1, "fire_safety", "turn-1", true, "high", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.5+0.1*1.0, u1, 1e-9)

	u2, err := r.Update(ctx, 1, "fire_safety", "turn-1", false, "low", false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, u2, "duplicate (chunk,category,turn) update is a no-op")

	u3, err := r.Update(ctx, 1, "fire_safety", "turn-2", false, "low", false)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*u1+0.1*(-0.3), u3, 1e-9)
}

func TestUpdateRefusalOverridesRewardTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := New(s, 0.3, 0)

	u, err := r.Update(ctx, 1, "fire_safety", "turn-1", true, "low", true)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.5+0.1*(-0.5), u, 1e-9, "low-confidence refusal overrides the cited reward with -0.5")
}
