// Package store holds the corpus backends queried by the retrieval sources:
// a keyword backend (SQLite or Postgres) serving exact, full-text and trigram
// queries, an optional Bleve full-text index, and an HNSW vector index.
package store

import (
	"context"
	"fmt"
	"time"
)

// Raw scores produced by Exact queries.
const (
	ExactTitleScore     = 1.0
	TitleSubstringScore = 0.8
	FieldSubstringScore = 0.5
)

// MinTrigramSimilarity is the lowest trigram similarity a Trigram query returns.
const MinTrigramSimilarity = 0.1

// Item kinds.
const (
	KindRecipe     = "recipe"
	KindRestaurant = "restaurant"
)

// Payload carries domain fields (ingredients, macros, address, ...) untouched.
type Payload map[string]any

// Item is one retrievable corpus entry: a recipe or a restaurant menu entry.
type Item struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Payload   Payload   `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// EmbeddingText is the text embedded for the vector index.
func (it *Item) EmbeddingText() string {
	if it.Content == "" {
		return it.Title
	}
	return it.Title + "\n" + it.Content
}

// Validate checks the fields every backend relies on.
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("item has empty id")
	}
	if it.Title == "" {
		return fmt.Errorf("item %s has empty title", it.ID)
	}
	return nil
}

// Hit is one scored row returned by a keyword backend.
type Hit struct {
	ItemID  string
	Title   string
	Score   float64
	Payload Payload
}

// VectorHit is one nearest-neighbor result.
type VectorHit struct {
	ID       string
	Distance float32
	Score    float32 // cosine similarity in [-1,1]
}

// ItemStore resolves item IDs to their stored records.
type ItemStore interface {
	// GetItems returns the items found; missing IDs are absent from the map.
	GetItems(ctx context.Context, ids []string) (map[string]*Item, error)
}

// KeywordBackend is the corpus table plus its three keyword query strategies.
type KeywordBackend interface {
	ItemStore

	// Upsert inserts or replaces items.
	Upsert(ctx context.Context, items []*Item) error
	// Delete removes items by ID.
	Delete(ctx context.Context, ids []string) error
	// Count returns the number of stored items.
	Count(ctx context.Context) (int, error)

	// Exact runs a case-insensitive substring match scored with the
	// ExactTitleScore / TitleSubstringScore / FieldSubstringScore constants.
	Exact(ctx context.Context, query string, limit int) ([]Hit, error)
	// FullText runs the backend's native text-search ranking.
	FullText(ctx context.Context, query string, limit int) ([]Hit, error)
	// Trigram runs trigram similarity against title and content, scores in [0,1].
	Trigram(ctx context.Context, query string, limit int) ([]Hit, error)

	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

// TextIndex is a standalone full-text index returning IDs and relevance scores.
type TextIndex interface {
	Index(ctx context.Context, items []*Item) error
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// VectorIndex stores item embeddings for nearest-neighbor search.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Nearest(ctx context.Context, query []float32, k int) ([]VectorHit, error)
	Delete(ctx context.Context, ids []string) error
	Count() int
	Dimensions() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch is returned when a vector's length differs from the index.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = fmt.Errorf("store is closed")
