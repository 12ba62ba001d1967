package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorpus(t *testing.T) *SQLiteCorpus {
	t.Helper()
	c, err := NewSQLiteCorpus("", SQLiteConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Upsert(context.Background(), sampleItems()))
	return c
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ItemID
	}
	return ids
}

func TestSQLiteCorpus_UpsertAndGetItems(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	items, err := c.GetItems(ctx, []string{"r1", "m1", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "김치찌개", items["r1"].Title)
	assert.Equal(t, []string{"korean", "stew"}, items["r1"].Tags)
	assert.Equal(t, "Seoul Kitchen", items["m1"].Payload["restaurant"])
}

func TestSQLiteCorpus_UpsertReplaces(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	// Given: r2 is re-upserted with a new title
	require.NoError(t, c.Upsert(ctx, []*Item{{ID: "r2", Title: "cauli mash", Content: "mashed cauliflower"}}))

	// Then: the count is unchanged and the old title no longer full-text matches
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	hits, err := c.FullText(ctx, "rice butter", 10)
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), "r2")
}

func TestSQLiteCorpus_UpsertRejectsInvalidItem(t *testing.T) {
	c, err := NewSQLiteCorpus("", SQLiteConfig{})
	require.NoError(t, err)
	defer c.Close()

	err = c.Upsert(context.Background(), []*Item{{ID: "", Title: "x"}})
	assert.Error(t, err)
}

func TestSQLiteCorpus_Exact_ScoresByMatchLocation(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		query     string
		wantFirst string
		wantScore float64
	}{
		{"exact title case-insensitive", "KETO CAULIFLOWER RICE", "r2", ExactTitleScore},
		{"title substring", "cauliflower", "r2", TitleSubstringScore},
		{"hangul title substring", "김치", "r1", TitleSubstringScore},
		{"no match", "asparagus", "", 0},
		{"content substring", "아스파라거스", "r3", FieldSubstringScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := c.Exact(ctx, tt.query, 10)
			require.NoError(t, err)
			if tt.wantFirst == "" {
				assert.Empty(t, hits)
				return
			}
			require.NotEmpty(t, hits)
			assert.Equal(t, tt.wantFirst, hits[0].ItemID)
			assert.Equal(t, tt.wantScore, hits[0].Score)
		})
	}
}

func TestSQLiteCorpus_Exact_EqualScoresOrderByID(t *testing.T) {
	c := newTestCorpus(t)

	// "rice" is a title substring of both r2 and m1
	hits, err := c.Exact(context.Background(), "rice", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, []string{"m1", "r2"}, hitIDs(hits))
	for _, h := range hits {
		assert.Equal(t, TitleSubstringScore, h.Score)
	}
}

func TestSQLiteCorpus_Exact_EscapesWildcards(t *testing.T) {
	c := newTestCorpus(t)

	hits, err := c.Exact(context.Background(), "%", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLiteCorpus_FullText(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	// Given: a query with a Korean particle attached
	hits, err := c.FullText(ctx, "김치찌개를", 10)
	require.NoError(t, err)

	// Then: particle stripping lets it match the title
	require.NotEmpty(t, hits)
	assert.Equal(t, "r1", hits[0].ItemID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Equal(t, "김치찌개", hits[0].Title)

	// And: English terms rank title matches above content-only matches
	hits, err = c.FullText(ctx, "cauliflower", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r2", hits[0].ItemID)
}

func TestSQLiteCorpus_FullText_EmptyAndStopWordQueries(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	for _, q := range []string{"", "   ", "the and", "!!!"} {
		hits, err := c.FullText(ctx, q, 10)
		require.NoError(t, err, q)
		assert.Empty(t, hits, q)
	}
}

func TestSQLiteCorpus_Trigram_ToleratesTypos(t *testing.T) {
	c := newTestCorpus(t)

	// Given: a misspelling of "cauliflower"
	hits, err := c.Trigram(context.Background(), "cauliflour", 10)
	require.NoError(t, err)

	// Then: r2 is found with a bounded score
	require.NotEmpty(t, hits)
	assert.Equal(t, "r2", hits[0].ItemID)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, MinTrigramSimilarity)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
}

func TestSQLiteCorpus_Trigram_HangulTypo(t *testing.T) {
	c := newTestCorpus(t)

	// "김치찌게" is a common misspelling of "김치찌개"
	hits, err := c.Trigram(context.Background(), "김치찌게", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "r1", hits[0].ItemID)
}

func TestSQLiteCorpus_Trigram_ShortQueryFallsBackToScan(t *testing.T) {
	c := newTestCorpus(t)

	hits, err := c.Trigram(context.Background(), "버터", 10)
	require.NoError(t, err)
	assert.Contains(t, hitIDs(hits), "r3")
}

func TestSQLiteCorpus_Delete(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	require.NoError(t, c.Delete(ctx, []string{"r1"}))

	hits, err := c.FullText(ctx, "김치찌개", 10)
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), "r1")

	hits, err = c.Trigram(ctx, "김치찌개", 10)
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), "r1")
}

func TestSQLiteCorpus_ClosedReturnsError(t *testing.T) {
	c, err := NewSQLiteCorpus("", SQLiteConfig{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Exact(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteCorpus_PersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")
	ctx := context.Background()

	c, err := NewSQLiteCorpus(path, SQLiteConfig{})
	require.NoError(t, err)
	require.NoError(t, c.Upsert(ctx, sampleItems()))
	require.NoError(t, c.Close())

	reopened, err := NewSQLiteCorpus(path, SQLiteConfig{})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLiteCorpus_ConcurrentQueries(t *testing.T) {
	c := newTestCorpus(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Exact(ctx, "rice", 5)
			assert.NoError(t, err)
			_, err = c.Trigram(ctx, "bulgogi", 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
