package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/telemetry"
	"github.com/ketolab/ketorank/internal/weights"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Recorder receives one event per retrieval.
type Recorder interface {
	RecordRetrieval(ev telemetry.RetrievalEvent)
}

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	// MinRequests is the number of calls in a window before the breaker may trip.
	MinRequests uint32
	// FailureRatio trips the breaker once failures/requests reaches it.
	FailureRatio float64
	// OpenTimeout is how long an open breaker rejects calls before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probe calls allowed while half-open.
	HalfOpenMaxCalls uint32
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:      5,
		FailureRatio:     0.6,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Engine runs hybrid retrieval across the configured sources.
type Engine struct {
	adapters map[Source]Adapter
	breakers map[Source]*gobreaker.CircuitBreaker[[]Hit]
	breaker  BreakerConfig
	metrics  Recorder
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMetrics sets the retrieval event recorder.
func WithMetrics(r Recorder) EngineOption {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithBreakerConfig overrides the circuit breaker settings.
func WithBreakerConfig(cfg BreakerConfig) EngineOption {
	return func(e *Engine) {
		e.breaker = cfg
	}
}

// NewEngine creates an engine over the given adapters, at most one per source.
func NewEngine(adapters []Adapter, opts ...EngineOption) (*Engine, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: at least one adapter is required", ErrNilDependency)
	}

	e := &Engine{
		adapters: make(map[Source]Adapter, len(adapters)),
		breakers: make(map[Source]*gobreaker.CircuitBreaker[[]Hit], len(adapters)),
		breaker:  DefaultBreakerConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("%w: adapter is nil", ErrNilDependency)
		}
		src := a.Source()
		if !src.Valid() {
			return nil, fmt.Errorf("adapter has unknown source %q", src)
		}
		if _, dup := e.adapters[src]; dup {
			return nil, fmt.Errorf("duplicate adapter for source %q", src)
		}
		e.adapters[src] = a
		e.breakers[src] = e.newBreaker(src)
	}
	return e, nil
}

func (e *Engine) newBreaker(src Source) *gobreaker.CircuitBreaker[[]Hit] {
	cfg := e.breaker
	return gobreaker.NewCircuitBreaker[[]Hit](gobreaker.Settings{
		Name:        string(src),
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// The caller going away says nothing about the backend, and an
			// embedder outage is retried and reported by the embedder itself.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmbeddingFailure)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change",
				slog.String("source", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// Sources returns the sources this engine has adapters for, in precedence order.
func (e *Engine) Sources() []Source {
	var out []Source
	for _, src := range weights.Sources {
		if _, ok := e.adapters[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// outcome is one source's slot in the fan-out. Each goroutine writes only its own.
type outcome struct {
	source Source
	hits   []Hit
	err    error
}

// Search retrieves and ranks items for query under the weight profile cfg.
//
// Sources with zero weight are not queried. Every queried source runs
// concurrently with its own timeout; a failed or slow source contributes no
// candidates and is recorded in Result.Failures. If every queried source
// fails, the error matches ErrTotalRetrievalFailure; an embedding failure
// counts as an empty vector answer, not a failure. An empty Result.Items is
// the no-results outcome, not an error. If ctx ends first, ctx.Err() is
// returned and no partial result.
func (e *Engine) Search(ctx context.Context, query string, cfg weights.Config) (*Result, error) {
	start := time.Now()

	if cfg.IsZero() {
		return nil, kerrors.New(kerrors.ErrCodeInvalidWeights, "weight profile is required", nil)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, kerrors.New(kerrors.ErrCodeQueryEmpty, "query is empty", nil)
	}

	var sources []Source
	for _, src := range cfg.EnabledSources() {
		if _, ok := e.adapters[src]; ok {
			sources = append(sources, src)
		}
	}
	if len(sources) == 0 {
		return nil, kerrors.New(kerrors.ErrCodeInvalidWeights,
			fmt.Sprintf("profile %q enables no configured source", cfg.Name()), nil).
			WithSuggestion("give a positive weight to one of: " + joinSources(e.Sources()))
	}

	requestID := uuid.NewString()
	outcomes := e.fanOut(ctx, query, cfg, sources)

	// Fusion never runs on a cancelled request.
	if err := ctx.Err(); err != nil {
		e.record(requestID, query, cfg, telemetry.OutcomeCanceled, nil, time.Since(start))
		return nil, err
	}

	result := &Result{
		Profile:   cfg.Name(),
		RequestID: requestID,
		HitCounts: make(map[Source]int, len(sources)),
		Failures:  make(map[Source]error),
	}
	bySource := make(map[Source][]Candidate, len(sources))
	var failed []error
	for _, o := range outcomes {
		if o.err != nil {
			result.Failures[o.source] = o.err
			// A vector source whose query could not be embedded answers with
			// no candidates; it is reported but never fails the request.
			if !errors.Is(o.err, ErrEmbeddingFailure) {
				failed = append(failed, o.err)
			}
			slog.Warn("adapter_failed",
				slog.String("request_id", requestID),
				slog.String("source", string(o.source)),
				slog.String("error", o.err.Error()))
			continue
		}
		result.HitCounts[o.source] = len(o.hits)
		bySource[o.source] = Normalize(o.source, o.hits, cfg.SimilarityThreshold())
	}

	if len(failed) == len(sources) {
		e.record(requestID, query, cfg, telemetry.OutcomeTotalFailure, result, time.Since(start))
		return nil, kerrors.New(kerrors.ErrCodeSearchFailed, ErrTotalRetrievalFailure.Message, errors.Join(failed...)).
			WithDetail("request_id", requestID).
			WithDetail("sources", joinSources(sources))
	}

	result.Items = Rank(Fuse(bySource, cfg), cfg.MaxResults())
	result.Latency = time.Since(start)

	out := telemetry.OutcomeOK
	if result.NoResults() {
		out = telemetry.OutcomeNoResults
	}
	e.record(requestID, query, cfg, out, result, result.Latency)

	slog.Debug("retrieve_complete",
		slog.String("request_id", requestID),
		slog.String("profile", cfg.Name()),
		slog.Int("results", len(result.Items)),
		slog.Int("failed_sources", len(result.Failures)),
		slog.Duration("latency", result.Latency))

	return result, nil
}

// fanOut queries every source concurrently and waits for all of them.
func (e *Engine) fanOut(ctx context.Context, query string, cfg weights.Config, sources []Source) []outcome {
	outcomes := make([]outcome, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			hits, err := e.querySource(gctx, src, query, cfg)
			outcomes[i] = outcome{source: src, hits: hits, err: err}
			return nil // a failed source never cancels the others
		})
	}
	_ = g.Wait()
	return outcomes
}

// querySource runs one adapter behind its breaker and timeout. The adapter
// call is abandoned, not awaited, once the timeout fires.
func (e *Engine) querySource(ctx context.Context, src Source, query string, cfg weights.Config) ([]Hit, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.AdapterTimeout())
	defer cancel()

	adapter := e.adapters[src]
	hits, err := e.breakers[src].Execute(func() ([]Hit, error) {
		type reply struct {
			hits []Hit
			err  error
		}
		done := make(chan reply, 1)
		go func() {
			h, err := adapter.Search(actx, query, cfg.CandidateLimit())
			done <- reply{h, err}
		}()
		select {
		case r := <-done:
			return r.hits, r.err
		case <-actx.Done():
			return nil, actx.Err()
		}
	})
	if err == nil {
		return hits, nil
	}
	return nil, classify(ctx, src, err, cfg.AdapterTimeout())
}

// classify converts an adapter error into the source's reported failure.
func classify(ctx context.Context, src Source, err error, timeout time.Duration) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return kerrors.New(kerrors.ErrCodeCircuitOpen, fmt.Sprintf("%s source circuit open", src), err).
			WithDetail("source", string(src))
	case errors.Is(err, ErrEmbeddingFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return kerrors.New(kerrors.ErrCodeSourceUnavailable,
			fmt.Sprintf("%s source timed out after %s", src, timeout), err).
			WithDetail("source", string(src))
	default:
		return kerrors.New(kerrors.ErrCodeSourceUnavailable, fmt.Sprintf("%s source failed", src), err).
			WithDetail("source", string(src))
	}
}

func (e *Engine) record(requestID, query string, cfg weights.Config, out telemetry.Outcome, r *Result, latency time.Duration) {
	if e.metrics == nil {
		return
	}
	ev := telemetry.RetrievalEvent{
		RequestID: requestID,
		Query:     query,
		Profile:   cfg.Name(),
		Outcome:   out,
		Latency:   latency,
		Timestamp: time.Now(),
	}
	if r != nil {
		ev.ResultCount = len(r.Items)
		ev.SourceHits = make(map[string]int, len(r.HitCounts))
		for src, n := range r.HitCounts {
			ev.SourceHits[string(src)] = n
		}
		for _, src := range r.FailedSources() {
			ev.FailedSources = append(ev.FailedSources, string(src))
		}
	}
	e.metrics.RecordRetrieval(ev)
}

func joinSources(sources []Source) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
