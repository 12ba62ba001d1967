// Package search is the hybrid retrieval engine: it fans a query out to the
// vector, exact, full-text and trigram sources, normalizes each source's raw
// scores, fuses them with a named weight profile and ranks the merged items.
package search

import (
	"context"
	"time"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
	"github.com/ketolab/ketorank/internal/weights"
)

// Source identifies one candidate source.
type Source = weights.Source

// Candidate sources, in payload-of-record precedence order.
const (
	SourceVector  = weights.SourceVector
	SourceExact   = weights.SourceExact
	SourceFTS     = weights.SourceFTS
	SourceTrigram = weights.SourceTrigram
)

// ErrTotalRetrievalFailure matches (via errors.Is) the error returned when
// every enabled source failed. It is distinct from an empty result.
var ErrTotalRetrievalFailure = kerrors.New(kerrors.ErrCodeSearchFailed, "all enabled retrieval sources failed", nil)

// ErrEmbeddingFailure matches the error a vector source reports when the query
// could not be embedded. The engine treats it as that source being unavailable.
var ErrEmbeddingFailure = kerrors.New(kerrors.ErrCodeEmbeddingFailed, "query embedding failed", nil)

// Adapter wraps one retrieval backend behind a uniform contract.
type Adapter interface {
	// Search returns at most limit hits with the backend's native raw score.
	Search(ctx context.Context, query string, limit int) ([]Hit, error)

	// Source names the candidate source this adapter serves.
	Source() Source
}

// Hit is one raw-scored item returned by an adapter.
type Hit struct {
	ItemID   string
	Title    string
	RawScore float64
	Payload  store.Payload
}

// Candidate is a hit tagged with its source and normalized score.
type Candidate struct {
	ItemID     string
	Title      string
	Source     Source
	RawScore   float64
	Normalized float64
	Payload    store.Payload
}

// FusedResult is one item after merging candidates from every source.
type FusedResult struct {
	ItemID      string        `json:"item_id"`
	Title       string        `json:"title"`
	HybridScore float64       `json:"hybrid_score"`
	Payload     store.Payload `json:"payload,omitempty"`

	// Scores holds the normalized score per source that returned the item.
	Scores map[Source]float64 `json:"scores"`
	// RawScores holds the native score per source that returned the item.
	RawScores map[Source]float64 `json:"raw_scores"`
	// ContributingSources lists sources whose weighted score is positive,
	// in precedence order.
	ContributingSources []Source `json:"contributing_sources"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Items     []FusedResult `json:"items"`
	Profile   string        `json:"profile"`
	RequestID string        `json:"request_id"`

	// HitCounts is the number of candidates each queried source returned.
	HitCounts map[Source]int `json:"hit_counts"`
	// Failures holds the error of each source that failed or timed out.
	Failures map[Source]error `json:"-"`
	Latency  time.Duration    `json:"latency"`
}

// NoResults reports the zero-match outcome. It is not an error.
func (r *Result) NoResults() bool {
	return r == nil || len(r.Items) == 0
}

// Degraded reports whether at least one queried source failed.
func (r *Result) Degraded() bool {
	return r != nil && len(r.Failures) > 0
}

// FailedSources returns the failed sources in precedence order.
func (r *Result) FailedSources() []Source {
	if r == nil {
		return nil
	}
	var out []Source
	for _, src := range weights.Sources {
		if _, ok := r.Failures[src]; ok {
			out = append(out, src)
		}
	}
	return out
}
