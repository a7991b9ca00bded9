package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddMemoryAndManualSearchOrdersByCosineSimilarityAboveFloor(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderManual, FTSModeLike)
	ctx := context.Background()

	exact, err := index.AddMemory(ctx, "alpha", []float32{1, 0}, "", nil)
	require.NoError(t, err)
	nearby, err := index.AddMemory(ctx, "close", []float32{0.8, 0.6}, "", nil)
	require.NoError(t, err)
	_, err = index.AddMemory(ctx, "orthogonal", []float32{0, 1}, "", nil)
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, exact.ID, results[0].ID)
	require.Equal(t, nearby.ID, results[1].ID)
}

func TestSearchFallsBackToManualWhenNativeProviderUnavailable(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderNative, FTSModeLike)
	ctx := context.Background()

	mem, err := index.AddMemory(ctx, "alpha", []float32{1, 0}, "", nil)
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mem.ID, results[0].ID)
}

func TestSearchFallsBackToManualWhenSidecarProviderUnavailable(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderSidecar, FTSModeLike)
	ctx := context.Background()

	mem, err := index.AddMemory(ctx, "alpha", []float32{1, 0}, "", nil)
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mem.ID, results[0].ID)
}

func TestSearchRespectsMinScoreFloor(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderManual, FTSModeLike)
	ctx := context.Background()

	_, err := index.AddMemory(ctx, "near", []float32{0.8, 0.6}, "", nil)
	require.NoError(t, err)
	_, err = index.AddMemory(ctx, "far", []float32{0, 1}, "", nil)
	require.NoError(t, err)

	// floor = 0.8 * minScore; minScore=1.1 => floor=0.88, excludes the 0.8 match.
	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5, MinScore: 1.1})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchFusesKeywordHitsMissingFromVectorStageButStillBoundsByLimit(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderManual, FTSModeLike)
	ctx := context.Background()

	exact, err := index.AddMemory(ctx, "alpha exact match", []float32{1, 0}, "", nil)
	require.NoError(t, err)
	_, err = index.AddMemory(ctx, "beta has the keyword", []float32{0.8, 0.6}, "", nil)
	require.NoError(t, err)

	// Limit 1 means the vector stage only surfaces the exact match; the
	// keyword stage would surface the other, but the final cap still
	// bounds the fused result to one entry, and ties favor first-seen
	// (vector-stage) order.
	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 1, Keyword: "keyword"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, exact.ID, results[0].ID)
}

func TestSearchSessionScopedExcludesOtherSessions(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderManual, FTSModeLike)
	ctx := context.Background()

	inScope, err := index.AddMemory(ctx, "alpha", []float32{1, 0}, "sess-a", nil)
	require.NoError(t, err)
	_, err = index.AddMemory(ctx, "alpha too", []float32{1, 0}, "sess-b", nil)
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5, SessionID: "sess-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, inScope.ID, results[0].ID)
}

func TestAddMemoriesBulkInsertsAll(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderManual, FTSModeLike)
	ctx := context.Background()

	inserted, err := index.AddMemories(ctx, []Memory{
		{Content: "one", Embedding: []float32{1, 0}},
		{Content: "two", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	require.NotEmpty(t, inserted[0].ID)
	require.NotEmpty(t, inserted[1].ID)
}

func TestNewVectorIndexDefaultsUnrecognizedModesToManualAndLike(t *testing.T) {
	store := newTestStore(t)
	index := NewVectorIndex(store, VectorProviderMode("bogus"), FTSMode("bogus"))
	ctx := context.Background()

	mem, err := index.AddMemory(ctx, "alpha", []float32{1, 0}, "", nil)
	require.NoError(t, err)

	results, err := index.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, mem.ID, results[0].ID)
}
