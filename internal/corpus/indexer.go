package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/ketolab/ketorank/internal/embed"
	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
)

// DefaultBatchSize is the number of items embedded per request.
const DefaultBatchSize = 32

// BatchRecorder observes completed embedding batches.
type BatchRecorder interface {
	RecordIndexBatch(items int, took time.Duration)
}

// Dependencies are the stores an Indexer writes to.
type Dependencies struct {
	Backend  store.KeywordBackend // required
	Vector   store.VectorIndex    // required
	Embedder embed.Embedder       // required

	// Text is written when the bleve full-text backend is configured.
	Text store.TextIndex

	Recorder BatchRecorder
}

// Options tunes an index run.
type Options struct {
	BatchSize int
	Workers   int

	// VectorPath persists the vector index after a successful run when set.
	VectorPath string
}

// Result summarizes an index run.
type Result struct {
	Items    int
	Batches  int
	Vectors  int
	Duration time.Duration
}

// Indexer embeds items on a worker pool and writes them to every store.
type Indexer struct {
	deps Dependencies
	opts Options
	pool *ants.Pool
}

// NewIndexer validates deps and starts the embedding pool.
func NewIndexer(deps Dependencies, opts Options) (*Indexer, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("keyword backend is required")
	}
	if deps.Vector == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU()/2, 1)
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	return &Indexer{deps: deps, opts: opts, pool: pool}, nil
}

// Release stops the worker pool.
func (ix *Indexer) Release() {
	ix.pool.Release()
}

type batchResult struct {
	ids     []string
	vectors [][]float32
	err     error
}

// Run writes items to the keyword backend and text index, then embeds them
// and adds the vectors. A failed batch fails the run with
// ERR_505_INDEX_FAILED; items already upserted stay in the keyword backend.
func (ix *Indexer) Run(ctx context.Context, items []*store.Item) (*Result, error) {
	start := time.Now()
	if len(items) == 0 {
		return &Result{Duration: time.Since(start)}, nil
	}

	if err := ix.deps.Backend.Upsert(ctx, items); err != nil {
		return nil, kerrors.New(kerrors.ErrCodeIndexFailed, "failed to write items to keyword backend", err).
			WithDetail("backend", ix.deps.Backend.Name())
	}
	if ix.deps.Text != nil {
		if err := ix.deps.Text.Index(ctx, items); err != nil {
			return nil, kerrors.New(kerrors.ErrCodeIndexFailed, "failed to write items to text index", err)
		}
	}

	embedStart := time.Now()
	results, err := ix.embedAll(ctx, items)
	if err != nil {
		return nil, err
	}
	embedTook := time.Since(embedStart)

	vectors := 0
	for _, br := range results {
		if err := ix.deps.Vector.Add(ctx, br.ids, br.vectors); err != nil {
			return nil, kerrors.New(kerrors.ErrCodeIndexFailed, "failed to add vectors", err)
		}
		vectors += len(br.ids)
	}

	if ix.opts.VectorPath != "" {
		if err := ix.deps.Vector.Save(ix.opts.VectorPath); err != nil {
			return nil, kerrors.New(kerrors.ErrCodeIndexFailed, "failed to save vector index", err).
				WithDetail("path", ix.opts.VectorPath)
		}
	}

	res := &Result{
		Items:    len(items),
		Batches:  len(results),
		Vectors:  vectors,
		Duration: time.Since(start),
	}

	itemsPerSec := 0.0
	if embedTook.Seconds() > 0 {
		itemsPerSec = float64(len(items)) / embedTook.Seconds()
	}
	slog.Info("index_complete",
		slog.Int("items", res.Items),
		slog.Int("batches", res.Batches),
		slog.String("backend", ix.deps.Backend.Name()),
		slog.String("embedder_model", ix.deps.Embedder.ModelName()),
		slog.Int64("duration_embed_ms", embedTook.Milliseconds()),
		slog.Int64("duration_total_ms", res.Duration.Milliseconds()),
		slog.Float64("items_per_sec", itemsPerSec))
	return res, nil
}

// embedAll submits one pool task per batch. Each task writes only its own
// slot, so results keep input order.
func (ix *Indexer) embedAll(ctx context.Context, items []*store.Item) ([]batchResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := (len(items) + ix.opts.BatchSize - 1) / ix.opts.BatchSize
	results := make([]batchResult, n)

	var wg sync.WaitGroup
	for b := range n {
		lo := b * ix.opts.BatchSize
		hi := min(lo+ix.opts.BatchSize, len(items))
		batch := items[lo:hi]

		wg.Add(1)
		err := ix.pool.Submit(func() {
			defer wg.Done()
			results[b] = ix.embedBatch(ctx, batch)
			if results[b].err != nil {
				cancel()
			}
		})
		if err != nil {
			wg.Done()
			results[b] = batchResult{err: err}
			cancel()
			break
		}
	}
	wg.Wait()

	var errs []error
	for b, r := range results {
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			errs = append(errs, fmt.Errorf("batch %d: %w", b, r.err))
		}
	}
	if len(errs) > 0 {
		return nil, kerrors.New(kerrors.ErrCodeIndexFailed, "failed to embed items", errors.Join(errs...)).
			WithDetail("embedder_model", ix.deps.Embedder.ModelName())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, batch []*store.Item) batchResult {
	if err := ctx.Err(); err != nil {
		return batchResult{err: err}
	}
	start := time.Now()

	ids := make([]string, len(batch))
	texts := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.ID
		texts[i] = it.EmbeddingText()
	}
	vectors, err := ix.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return batchResult{err: err}
	}
	if len(vectors) != len(ids) {
		return batchResult{err: fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(ids))}
	}

	if ix.deps.Recorder != nil {
		ix.deps.Recorder.RecordIndexBatch(len(batch), time.Since(start))
	}
	slog.Debug("index_batch_embedded",
		slog.Int("items", len(batch)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return batchResult{ids: ids, vectors: vectors}
}
