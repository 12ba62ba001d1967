package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ketolab/ketorank/internal/store"
	"github.com/ketolab/ketorank/internal/telemetry"
	"github.com/ketolab/ketorank/internal/weights"
)

// fakeAdapter returns canned hits, an error, or blocks until delay elapses.
type fakeAdapter struct {
	src   Source
	hits  []Hit
	err   error
	delay time.Duration
	calls atomic.Int32
}

func newFake(src Source, hits ...Hit) *fakeAdapter {
	return &fakeAdapter{src: src, hits: hits}
}

func (f *fakeAdapter) Source() Source { return f.src }

func (f *fakeAdapter) Search(ctx context.Context, _ string, limit int) ([]Hit, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.hits) {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func hit(id string, score float64) Hit {
	return Hit{ItemID: id, Title: "title " + id, RawScore: score}
}

// downEmbedder fails every call, like an unreachable embedding service.
type downEmbedder struct{}

var errEmbedderDown = errors.New("connection refused")

func (downEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, errEmbedderDown }
func (downEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errEmbedderDown
}
func (downEmbedder) Dimensions() int { return 4 }
func (downEmbedder) ModelName() string { return "down" }
func (downEmbedder) Available(context.Context) bool { return false }
func (downEmbedder) Close() error { return nil }

// fixedEmbedder returns one vector for every text.
type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, nil }
func (e fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}
func (e fixedEmbedder) Dimensions() int { return len(e.vec) }
func (e fixedEmbedder) ModelName() string { return "fixed" }
func (e fixedEmbedder) Available(context.Context) bool { return true }
func (e fixedEmbedder) Close() error { return nil }

// mapItems is an in-memory store.ItemStore.
type mapItems map[string]*store.Item

func (m mapItems) GetItems(_ context.Context, ids []string) (map[string]*store.Item, error) {
	out := make(map[string]*store.Item)
	for _, id := range ids {
		if it, ok := m[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

// recorder captures retrieval events.
type recorder struct {
	mu     sync.Mutex
	events []telemetry.RetrievalEvent
}

func (r *recorder) RecordRetrieval(ev telemetry.RetrievalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func profile(t *testing.T, w map[Source]float64, threshold float64, maxResults int) weights.Config {
	t.Helper()
	cfg, err := weights.New("test", weights.Spec{
		Weights:             w,
		SimilarityThreshold: threshold,
		MaxResults:          maxResults,
		CandidateLimit:      50,
		AdapterTimeout:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, adapters ...Adapter) *Engine {
	t.Helper()
	e, err := NewEngine(adapters)
	require.NoError(t, err)
	return e
}

func ids(items []FusedResult) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ItemID
	}
	return out
}
