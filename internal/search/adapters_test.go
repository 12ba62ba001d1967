package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
)

func corpusItems() []*store.Item {
	return []*store.Item{
		{ID: "r1", Kind: store.KindRecipe, Title: "김치찌개", Content: "돼지고기와 김치로 끓인 저탄수 찌개",
			Payload: store.Payload{"net_carbs_g": 6.0}},
		{ID: "r2", Kind: store.KindRecipe, Title: "keto cauliflower rice", Content: "cauliflower pulsed into rice with butter",
			Payload: store.Payload{"net_carbs_g": 3.0}},
		{ID: "m1", Kind: store.KindRestaurant, Title: "Bulgogi Bowl (no rice)", Content: "grilled beef bulgogi over lettuce",
			Payload: store.Payload{"restaurant": "Seoul Kitchen"}},
	}
}

func newCorpus(t *testing.T) *store.SQLiteCorpus {
	t.Helper()
	c, err := store.NewSQLiteCorpus("", store.SQLiteConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Upsert(context.Background(), corpusItems()))
	return c
}

func TestVectorAdapter_ReturnsCosineAndPayload(t *testing.T) {
	// Given: three items in a vector index and a query pointing at r2
	ctx := context.Background()
	index := store.NewHNSWIndex(store.HNSWConfig{})
	require.NoError(t, index.Add(ctx,
		[]string{"r1", "r2", "m1"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0.6, 0.8}},
	))
	items := mapItems{}
	for _, it := range corpusItems() {
		items[it.ID] = it
	}
	a, err := NewVectorAdapter(fixedEmbedder{vec: []float32{0, 1, 0}}, index, items)
	require.NoError(t, err)

	// When: searching
	hits, err := a.Search(ctx, "cauliflower rice", 2)

	// Then: nearest first, cosine as raw score, hydrated from the item store
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "r2", hits[0].ItemID)
	assert.InDelta(t, 1.0, hits[0].RawScore, 1e-4)
	assert.Equal(t, "keto cauliflower rice", hits[0].Title)
	assert.Equal(t, store.Payload{"net_carbs_g": 3.0}, hits[0].Payload)
	assert.Equal(t, "m1", hits[1].ItemID)
	assert.InDelta(t, 0.6, hits[1].RawScore, 1e-4)
	assert.Equal(t, SourceVector, a.Source())
}

func TestVectorAdapter_SkipsIDsMissingFromStore(t *testing.T) {
	ctx := context.Background()
	index := store.NewHNSWIndex(store.HNSWConfig{})
	require.NoError(t, index.Add(ctx, []string{"gone", "r1"}, [][]float32{{1, 0}, {0.9, 0.1}}))
	items := mapItems{"r1": corpusItems()[0]}

	a, err := NewVectorAdapter(fixedEmbedder{vec: []float32{1, 0}}, index, items)
	require.NoError(t, err)

	hits, err := a.Search(ctx, "김치", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r1", hits[0].ItemID)
}

func TestVectorAdapter_EmbeddingFailureIsSoft(t *testing.T) {
	a, err := NewVectorAdapter(downEmbedder{}, store.NewHNSWIndex(store.HNSWConfig{}), mapItems{})
	require.NoError(t, err)

	hits, err := a.Search(context.Background(), "keto", 5)

	assert.Empty(t, hits)
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
	assert.ErrorIs(t, err, errEmbedderDown)
	assert.Equal(t, kerrors.ErrCodeEmbeddingFailed, kerrors.GetCode(err))
}

func TestVectorAdapter_BlankQuery(t *testing.T) {
	a, err := NewVectorAdapter(downEmbedder{}, store.NewHNSWIndex(store.HNSWConfig{}), mapItems{})
	require.NoError(t, err)

	hits, err := a.Search(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNewAdapters_NilDependencies(t *testing.T) {
	_, err := NewVectorAdapter(nil, store.NewHNSWIndex(store.HNSWConfig{}), mapItems{})
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewExactAdapter(nil)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewFullTextAdapter(nil)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewTrigramAdapter(nil)
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewIndexedFullTextAdapter(nil, mapItems{})
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestKeywordAdapters_OverSQLite(t *testing.T) {
	// Given: the SQLite corpus behind all three keyword sources
	corpus := newCorpus(t)
	exact, err := NewExactAdapter(corpus)
	require.NoError(t, err)
	fts, err := NewFullTextAdapter(corpus)
	require.NoError(t, err)
	trigram, err := NewTrigramAdapter(corpus)
	require.NoError(t, err)

	ctx := context.Background()

	// When / Then: exact title match scores 1.0
	hits, err := exact.Search(ctx, "김치찌개", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r1", hits[0].ItemID)
	assert.Equal(t, store.ExactTitleScore, hits[0].RawScore)
	assert.Equal(t, SourceExact, exact.Source())

	// When / Then: full-text finds the content word
	hits, err = fts.Search(ctx, "lettuce", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "m1", hits[0].ItemID)
	assert.Greater(t, hits[0].RawScore, 0.0)
	assert.Equal(t, "Seoul Kitchen", hits[0].Payload["restaurant"])

	// When / Then: trigram tolerates a typo
	hits, err = trigram.Search(ctx, "cauliflour", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r2", hits[0].ItemID)
	assert.LessOrEqual(t, hits[0].RawScore, 1.0)
	assert.Equal(t, "sqlite", trigram.Backend())
}

func TestKeywordAdapter_WrapsBackendError(t *testing.T) {
	corpus := newCorpus(t)
	a, err := NewExactAdapter(corpus)
	require.NoError(t, err)
	require.NoError(t, corpus.Close())

	_, err = a.Search(context.Background(), "keto", 5)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestIndexedFullTextAdapter_HydratesFromItemStore(t *testing.T) {
	// Given: a Bleve index with one item that is no longer in the corpus
	ctx := context.Background()
	corpus := newCorpus(t)
	index, err := store.NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	stale := &store.Item{ID: "old", Kind: store.KindRecipe, Title: "cauliflower mash"}
	require.NoError(t, index.Index(ctx, append(corpusItems(), stale)))

	a, err := NewIndexedFullTextAdapter(index, corpus)
	require.NoError(t, err)

	// When: searching a word both items share
	hits, err := a.Search(ctx, "cauliflower", 10)

	// Then: only stored items come back, with titles and payloads
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r2", hits[0].ItemID)
	assert.Equal(t, "keto cauliflower rice", hits[0].Title)
	assert.Equal(t, 3.0, hits[0].Payload["net_carbs_g"])
	assert.Equal(t, "bleve", a.Backend())
}
