package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
	"github.com/ketolab/ketorank/internal/telemetry"
)

var allFour = map[Source]float64{SourceVector: 0.4, SourceExact: 0.2, SourceFTS: 0.3, SourceTrigram: 0.1}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewEngine([]Adapter{nil})
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewEngine([]Adapter{newFake(SourceFTS), newFake(SourceFTS)})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewEngine([]Adapter{newFake("bm25")})
	assert.ErrorContains(t, err, "unknown source")

	e, err := NewEngine([]Adapter{newFake(SourceTrigram), newFake(SourceVector)})
	require.NoError(t, err)
	assert.Equal(t, []Source{SourceVector, SourceTrigram}, e.Sources())
}

func TestEngine_Search_RejectsEmptyQuery(t *testing.T) {
	e := newTestEngine(t, newFake(SourceExact, hit("a", 1)))

	_, err := e.Search(context.Background(), "   ", profile(t, allFour, 0.3, 10))
	assert.Equal(t, kerrors.ErrCodeQueryEmpty, kerrors.GetCode(err))
}

func TestEngine_Search_ProfileWithNoConfiguredSource(t *testing.T) {
	e := newTestEngine(t, newFake(SourceVector))

	_, err := e.Search(context.Background(), "keto", profile(t, map[Source]float64{SourceExact: 1}, 0, 10))
	assert.Equal(t, kerrors.ErrCodeInvalidWeights, kerrors.GetCode(err))
}

func TestEngine_Search_SingleSourceWeightReproducesSourceRanking(t *testing.T) {
	// Given: fts weighted 1 and every other source weighted 0
	fts := newFake(SourceFTS, hit("c", 9), hit("a", 6), hit("d", 3), hit("b", 1))
	exact := newFake(SourceExact, hit("b", 1), hit("a", 0.8))
	vector := newFake(SourceVector, hit("d", 0.99))
	e := newTestEngine(t, fts, exact, vector)
	cfg := profile(t, map[Source]float64{SourceFTS: 1, SourceExact: 0, SourceVector: 0}, 0.3, 10)

	// When: searching
	res, err := e.Search(context.Background(), "버터", cfg)

	// Then: the order is the fts order and disabled sources were never called
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "d", "b"}, ids(res.Items))
	assert.Zero(t, exact.calls.Load())
	assert.Zero(t, vector.calls.Load())
}

func TestEngine_Search_MonotonicInSourceScore(t *testing.T) {
	// Given: item x in exact and trigram, compared before and after its
	// trigram score rises while everything else stays put
	run := func(trigramX float64) float64 {
		e := newTestEngine(t,
			newFake(SourceExact, hit("x", 0.5), hit("y", 0.8)),
			newFake(SourceTrigram, hit("x", trigramX), hit("y", 0.3)),
		)
		res, err := e.Search(context.Background(), "cauliflour", profile(t, allFour, 0.3, 10))
		require.NoError(t, err)
		for _, it := range res.Items {
			if it.ItemID == "x" {
				return it.HybridScore
			}
		}
		t.Fatalf("x missing")
		return 0
	}

	// When / Then: a higher source score never lowers the hybrid score
	low, high := run(0.2), run(0.9)
	assert.Greater(t, high, low)
}

func TestEngine_Search_DeduplicatesAcrossSources(t *testing.T) {
	// Given: r1 returned by both exact and fts
	e := newTestEngine(t,
		newFake(SourceExact, hit("r1", 1)),
		newFake(SourceFTS, hit("r1", 4), hit("r2", 2)),
	)

	// When: searching
	res, err := e.Search(context.Background(), "김치찌개", profile(t, allFour, 0.3, 10))

	// Then: r1 appears once with both sources in its provenance
	require.NoError(t, err)
	count := 0
	for _, it := range res.Items {
		if it.ItemID == "r1" {
			count++
			assert.ElementsMatch(t, []Source{SourceExact, SourceFTS}, it.ContributingSources)
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "r1", res.Items[0].ItemID)
}

func TestEngine_Search_AllEmptyIsNoResultsNotError(t *testing.T) {
	// Given: every source answers with nothing
	e := newTestEngine(t, newFake(SourceVector), newFake(SourceExact), newFake(SourceFTS), newFake(SourceTrigram))

	// When: searching
	res, err := e.Search(context.Background(), "unicorn steak", profile(t, allFour, 0.3, 10))

	// Then: an empty list and no error
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.NoResults())
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Failures)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "test", res.Profile)
}

func TestEngine_Search_EmbeddingFailureUsesSurvivingSources(t *testing.T) {
	// Given: a vector source whose embedder is down and three healthy sources
	vector, err := NewVectorAdapter(downEmbedder{}, store.NewHNSWIndex(store.HNSWConfig{}), mapItems{})
	require.NoError(t, err)
	e := newTestEngine(t,
		vector,
		newFake(SourceExact, hit("r1", 1)),
		newFake(SourceFTS, hit("r2", 5), hit("r1", 2.5)),
		newFake(SourceTrigram, hit("r3", 0.4)),
	)

	// When: searching
	res, err := e.Search(context.Background(), "7일 식단표", profile(t, allFour, 0.3, 10))

	// Then: ranking comes from the three survivors and the failure is reported
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, ids(res.Items))
	for _, it := range res.Items {
		assert.NotContains(t, it.ContributingSources, SourceVector)
	}
	require.Contains(t, res.Failures, SourceVector)
	assert.ErrorIs(t, res.Failures[SourceVector], ErrEmbeddingFailure)
	assert.True(t, res.Degraded())
}

func TestEngine_Search_EmbeddingFailureOnVectorOnlyProfileIsNoResults(t *testing.T) {
	// Given: a profile that enables only the vector source and an embedder that is down
	down := &fakeAdapter{src: SourceVector, err: ErrEmbeddingFailure}
	e, err := NewEngine([]Adapter{down, newFake(SourceExact, hit("a", 1))},
		WithBreakerConfig(BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1}))
	require.NoError(t, err)
	cfg := profile(t, map[Source]float64{SourceVector: 1}, 0.3, 10)

	for i := 0; i < 4; i++ {
		// When: searching repeatedly
		res, err := e.Search(context.Background(), "저탄수 아침", cfg)

		// Then: every call is a no-results outcome carrying the embedding failure
		require.NoError(t, err)
		assert.True(t, res.NoResults())
		require.Contains(t, res.Failures, SourceVector)
		assert.ErrorIs(t, res.Failures[SourceVector], ErrEmbeddingFailure)
	}
	assert.Equal(t, int32(4), down.calls.Load(), "embedding failures do not open the breaker")
}

func TestEngine_Search_MaxResultsTruncates(t *testing.T) {
	// Given: ten distinct fts candidates and max_results 3
	var hits []Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, hit(fmt.Sprintf("item-%02d", i), float64(10-i)))
	}
	e := newTestEngine(t, newFake(SourceFTS, hits...))

	// When: searching
	res, err := e.Search(context.Background(), "keto", profile(t, map[Source]float64{SourceFTS: 1}, 0, 3))

	// Then: exactly the top three remain
	require.NoError(t, err)
	assert.Equal(t, []string{"item-00", "item-01", "item-02"}, ids(res.Items))
	assert.Equal(t, 10, res.HitCounts[SourceFTS])
}

func TestEngine_Search_VectorOnlyBelowThresholdAbsent(t *testing.T) {
	// Given: a vector-only candidate below the threshold
	e := newTestEngine(t,
		newFake(SourceVector, hit("close", 0.9), hit("far", 0.2)),
		newFake(SourceExact),
	)

	// When: searching
	res, err := e.Search(context.Background(), "저탄수 아침", profile(t, allFour, 0.35, 10))

	// Then: it is absent from the output
	require.NoError(t, err)
	assert.Equal(t, []string{"close"}, ids(res.Items))
}

func TestEngine_Search_TotalFailure(t *testing.T) {
	// Given: every enabled source fails
	boom := errors.New("connection reset")
	e := newTestEngine(t,
		&fakeAdapter{src: SourceExact, err: boom},
		&fakeAdapter{src: SourceFTS, err: boom},
		&fakeAdapter{src: SourceTrigram, err: boom},
	)

	// When: searching
	res, err := e.Search(context.Background(), "keto", profile(t, allFour, 0.3, 10))

	// Then: an explicit error distinct from no results
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTotalRetrievalFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, kerrors.ErrCodeSearchFailed, kerrors.GetCode(err))
}

func TestEngine_Search_SlowSourceTimesOut(t *testing.T) {
	// Given: one source slower than the adapter timeout
	slow := &fakeAdapter{src: SourceVector, hits: []Hit{hit("late", 0.99)}, delay: 5 * time.Second}
	e := newTestEngine(t, slow, newFake(SourceExact, hit("r1", 1)))

	// When: searching
	start := time.Now()
	res, err := e.Search(context.Background(), "keto", profile(t, allFour, 0.3, 10))

	// Then: the fast source's result comes back within the timeout
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, []string{"r1"}, ids(res.Items))
	require.Contains(t, res.Failures, SourceVector)
	assert.Equal(t, kerrors.ErrCodeSourceUnavailable, kerrors.GetCode(res.Failures[SourceVector]))
	assert.ErrorIs(t, res.Failures[SourceVector], context.DeadlineExceeded)
}

func TestEngine_Search_CancelledReturnsNoPartialResult(t *testing.T) {
	// Given: a request cancelled while a source is still running
	slow := &fakeAdapter{src: SourceFTS, hits: []Hit{hit("a", 1)}, delay: time.Second}
	rec := &recorder{}
	e, err := NewEngine([]Adapter{slow, newFake(SourceExact, hit("b", 1))}, WithMetrics(rec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// When: searching
	res, err := e.Search(ctx, "keto", profile(t, allFour, 0.3, 10))

	// Then: the context error and nothing else
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, rec.events, 1)
	assert.Equal(t, telemetry.OutcomeCanceled, rec.events[0].Outcome)
}

func TestEngine_Search_DeterministicAcrossRuns(t *testing.T) {
	// Given: sources with ties, one of them slow so completion order varies
	build := func(delay time.Duration) *Engine {
		return newTestEngine(t,
			&fakeAdapter{src: SourceExact, hits: []Hit{hit("b", 0.8), hit("a", 0.8)}, delay: delay},
			newFake(SourceTrigram, hit("a", 0.5), hit("b", 0.5), hit("c", 0.5)),
		)
	}
	cfg := profile(t, allFour, 0.3, 10)

	// When: running with different completion orders
	first, err := build(0).Search(context.Background(), "keto", cfg)
	require.NoError(t, err)
	second, err := build(30*time.Millisecond).Search(context.Background(), "keto", cfg)
	require.NoError(t, err)

	// Then: identical rankings
	assert.Equal(t, []string{"a", "b", "c"}, ids(first.Items))
	assert.Equal(t, ids(first.Items), ids(second.Items))
}

func TestEngine_Search_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	// Given: a breaker that trips after two failures
	failing := &fakeAdapter{src: SourceTrigram, err: errors.New("pg_trgm missing")}
	e, err := NewEngine(
		[]Adapter{failing, newFake(SourceExact, hit("a", 1))},
		WithBreakerConfig(BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1}),
	)
	require.NoError(t, err)
	cfg := profile(t, allFour, 0.3, 10)

	// When: searching repeatedly
	for i := 0; i < 2; i++ {
		_, err := e.Search(context.Background(), "keto", cfg)
		require.NoError(t, err)
	}
	res, err := e.Search(context.Background(), "keto", cfg)

	// Then: the third call is rejected by the breaker without reaching the adapter
	require.NoError(t, err)
	assert.Equal(t, int32(2), failing.calls.Load())
	assert.Equal(t, kerrors.ErrCodeCircuitOpen, kerrors.GetCode(res.Failures[SourceTrigram]))
}

func TestEngine_Search_RecordsMetrics(t *testing.T) {
	rec := &recorder{}
	e, err := NewEngine([]Adapter{
		newFake(SourceExact, hit("a", 1)),
		&fakeAdapter{src: SourceFTS, err: errors.New("locked")},
	}, WithMetrics(rec))
	require.NoError(t, err)

	_, err = e.Search(context.Background(), "keto", profile(t, allFour, 0.3, 10))
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, telemetry.OutcomeOK, ev.Outcome)
	assert.Equal(t, "test", ev.Profile)
	assert.Equal(t, 1, ev.ResultCount)
	assert.Equal(t, []string{"fts"}, ev.FailedSources)
	assert.Equal(t, map[string]int{"exact": 1}, ev.SourceHits)
}
