package search

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/ketolab/ketorank/internal/embed"
	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
)

// VectorAdapter embeds the query and returns the nearest items by cosine similarity.
type VectorAdapter struct {
	embedder embed.Embedder
	index    store.VectorIndex
	items    store.ItemStore
}

// NewVectorAdapter creates a vector source over an embedder, a vector index and
// the item store used to hydrate titles and payloads.
func NewVectorAdapter(embedder embed.Embedder, index store.VectorIndex, items store.ItemStore) (*VectorAdapter, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if index == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: item store is required", ErrNilDependency)
	}
	return &VectorAdapter{embedder: embedder, index: index, items: items}, nil
}

// Source implements Adapter.
func (a *VectorAdapter) Source() Source { return SourceVector }

// Search implements Adapter. An embedding failure yields no hits and an error
// matching ErrEmbeddingFailure; the caller decides how to report it.
func (a *VectorAdapter) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []Hit{}, nil
	}

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("embedding_failed",
			slog.String("model", a.embedder.ModelName()),
			slog.String("error", err.Error()))
		return []Hit{}, kerrors.New(kerrors.ErrCodeEmbeddingFailed, "query embedding failed", err).
			WithDetail("model", a.embedder.ModelName())
	}

	neighbors, err := a.index.Nearest(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	if len(neighbors) == 0 {
		return []Hit{}, nil
	}

	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ID
	}
	items, err := a.items.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		it, ok := items[n.ID]
		if !ok {
			// Vector graph can lag the corpus after a delete.
			continue
		}
		hits = append(hits, Hit{
			ItemID:   it.ID,
			Title:    it.Title,
			RawScore: float64(n.Score),
			Payload:  maps.Clone(it.Payload),
		})
	}
	return hits, nil
}

// keywordFunc is one of the KeywordBackend query strategies.
type keywordFunc func(ctx context.Context, query string, limit int) ([]store.Hit, error)

// KeywordAdapter serves one keyword strategy (exact, fts or trigram) of a backend.
type KeywordAdapter struct {
	source  Source
	backend string
	query   keywordFunc
}

// NewExactAdapter returns the exact-match source over backend.
func NewExactAdapter(backend store.KeywordBackend) (*KeywordAdapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: keyword backend is required", ErrNilDependency)
	}
	return &KeywordAdapter{source: SourceExact, backend: backend.Name(), query: backend.Exact}, nil
}

// NewFullTextAdapter returns the full-text source using the backend's native ranking.
func NewFullTextAdapter(backend store.KeywordBackend) (*KeywordAdapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: keyword backend is required", ErrNilDependency)
	}
	return &KeywordAdapter{source: SourceFTS, backend: backend.Name(), query: backend.FullText}, nil
}

// NewTrigramAdapter returns the fuzzy source over backend.
func NewTrigramAdapter(backend store.KeywordBackend) (*KeywordAdapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: keyword backend is required", ErrNilDependency)
	}
	return &KeywordAdapter{source: SourceTrigram, backend: backend.Name(), query: backend.Trigram}, nil
}

// NewIndexedFullTextAdapter returns a full-text source backed by a standalone
// text index, hydrating titles and payloads from items.
func NewIndexedFullTextAdapter(index store.TextIndex, items store.ItemStore) (*KeywordAdapter, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: text index is required", ErrNilDependency)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: item store is required", ErrNilDependency)
	}
	query := func(ctx context.Context, q string, limit int) ([]store.Hit, error) {
		hits, err := index.Search(ctx, q, limit)
		if err != nil || len(hits) == 0 {
			return hits, err
		}
		return hydrate(ctx, items, hits)
	}
	return &KeywordAdapter{source: SourceFTS, backend: "bleve", query: query}, nil
}

// Source implements Adapter.
func (a *KeywordAdapter) Source() Source { return a.source }

// Backend names the store serving this adapter.
func (a *KeywordAdapter) Backend() string { return a.backend }

// Search implements Adapter.
func (a *KeywordAdapter) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []Hit{}, nil
	}
	rows, err := a.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s %s query: %w", a.backend, a.source, err)
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{ItemID: r.ItemID, Title: r.Title, RawScore: r.Score, Payload: r.Payload}
	}
	return hits, nil
}

// hydrate fills titles and payloads of index hits, dropping IDs the store no longer has.
func hydrate(ctx context.Context, items store.ItemStore, hits []store.Hit) ([]store.Hit, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ItemID
	}
	found, err := items.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	out := hits[:0]
	for _, h := range hits {
		it, ok := found[h.ItemID]
		if !ok {
			continue
		}
		h.Title = it.Title
		h.Payload = maps.Clone(it.Payload)
		out = append(out, h)
	}
	return out, nil
}
