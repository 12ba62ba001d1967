package embed

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedEmbedder_CacheHit_ReturnsWithoutCallingInner(t *testing.T) {
	// Given: a cached embedder that has seen a query once
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "keto bulgogi")
	require.NoError(t, err)

	// When: the same query is embedded again
	second, err := cached.Embed(ctx, "keto bulgogi")
	require.NoError(t, err)

	// Then: the inner embedder was called once
	assert.Equal(t, int64(1), inner.embedCalls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cached.Len())
}

func TestCachedEmbedder_CacheMiss_CallsInnerForNewText(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "김치찌개")
	_, _ = cached.Embed(ctx, "된장찌개")

	assert.Equal(t, int64(2), inner.embedCalls.Load())
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 10)

	k1 := cached.cacheKey("steak")
	inner.modelName = "other-model"
	k2 := cached.cacheKey("steak")

	assert.NotEqual(t, k1, k2)
}

func TestCachedEmbedder_EmbedBatch_OnlySendsMisses(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	// Given: one text already cached
	_, err := cached.Embed(ctx, "a")
	require.NoError(t, err)

	// When: batching it with two new texts
	vecs, err := cached.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	// Then: only the two misses hit the inner batch
	require.Len(t, vecs, 3)
	assert.Equal(t, int64(1), inner.batchCalls.Load())
	assert.Equal(t, int64(2), inner.batchTexts.Load())

	// And: a repeat batch is served entirely from cache
	_, err = cached.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_EmbedBatch_Empty(t *testing.T) {
	cached := NewCachedEmbedder(newMockEmbedder(8), 10)

	vecs, err := cached.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestCachedEmbedder_Eviction(t *testing.T) {
	inner := newMockEmbedder(4)
	cached := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "one")
	_, _ = cached.Embed(ctx, "two")
	_, _ = cached.Embed(ctx, "three") // evicts "one"
	_, _ = cached.Embed(ctx, "one")

	assert.Equal(t, int64(4), inner.embedCalls.Load())
	assert.Equal(t, 2, cached.Len())
}

func TestCachedEmbedder_Passthrough(t *testing.T) {
	inner := newMockEmbedder(16)
	cached := NewCachedEmbedder(inner, 0)

	assert.Equal(t, 16, cached.Dimensions())
	assert.Equal(t, "mock-model", cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.Same(t, inner, cached.Inner())

	require.NoError(t, cached.Close())
	assert.True(t, inner.closed.Load())
}

func TestCachedEmbedder_ConcurrentAccess(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cached.Embed(ctx, fmt.Sprintf("query-%d", i%5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cached.Len(), 5)
}
