package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheEvent is one semantic cache outcome.
type CacheEvent string

const (
	CacheHit        CacheEvent = "hit"
	CacheFuzzyHit   CacheEvent = "fuzzy_hit"
	CacheMiss       CacheEvent = "miss"
	CacheCorrupt    CacheEvent = "corrupt"
	CacheStore      CacheEvent = "store"
	CacheInvalidate CacheEvent = "invalidate"
	CacheError      CacheEvent = "error"
)

const namespace = "ketorank"

// Metrics holds the Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	retrievals     *prometheus.CounterVec
	retrievalTime  *prometheus.HistogramVec
	resultCount    prometheus.Histogram
	sourceHits     *prometheus.HistogramVec
	sourceFailures *prometheus.CounterVec
	cacheEvents    *prometheus.CounterVec
	indexedItems   prometheus.Counter
	indexBatchTime prometheus.Histogram
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		retrievals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "requests_total",
				Help:      "Retrievals by weight profile and outcome.",
			},
			[]string{"profile", "outcome"},
		),
		retrievalTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "duration_seconds",
				Help:      "Retrieval latency including every source and fusion.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"profile"},
		),
		resultCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "results",
				Help:      "Ranked results returned per retrieval.",
				Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
			},
		),
		sourceHits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "candidates",
				Help:      "Candidates returned per source per retrieval.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
			},
			[]string{"source"},
		),
		sourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "failures_total",
				Help:      "Source failures and timeouts.",
			},
			[]string{"source"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "events_total",
				Help:      "Semantic cache lookups and writes by event.",
			},
			[]string{"event"},
		),
		indexedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "items_total",
				Help:      "Corpus items written to the indexes.",
			},
		),
		indexBatchTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "batch_duration_seconds",
				Help:      "Time to embed and store one corpus batch.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.retrievals,
		m.retrievalTime,
		m.resultCount,
		m.sourceHits,
		m.sourceFailures,
		m.cacheEvents,
		m.indexedItems,
		m.indexBatchTime,
	)
	return m
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRetrieval implements the engine's recorder.
func (m *Metrics) RecordRetrieval(ev RetrievalEvent) {
	m.retrievals.WithLabelValues(ev.Profile, string(ev.Outcome)).Inc()
	if ev.Outcome == OutcomeCanceled {
		return
	}
	m.retrievalTime.WithLabelValues(ev.Profile).Observe(ev.Latency.Seconds())
	m.resultCount.Observe(float64(ev.ResultCount))
	for src, n := range ev.SourceHits {
		m.sourceHits.WithLabelValues(src).Observe(float64(n))
	}
	for _, src := range ev.FailedSources {
		m.sourceFailures.WithLabelValues(src).Inc()
	}
}

// RecordCache counts one cache event.
func (m *Metrics) RecordCache(ev CacheEvent) {
	m.cacheEvents.WithLabelValues(string(ev)).Inc()
}

// RecordIndexBatch counts items written by one indexing batch.
func (m *Metrics) RecordIndexBatch(items int, took time.Duration) {
	m.indexedItems.Add(float64(items))
	m.indexBatchTime.Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics_listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// RetrievalRecorder is anything that accepts retrieval events.
type RetrievalRecorder interface {
	RecordRetrieval(ev RetrievalEvent)
}

// Recorders fans one event out to several recorders, skipping nils.
type Recorders []RetrievalRecorder

// RecordRetrieval implements RetrievalRecorder.
func (rs Recorders) RecordRetrieval(ev RetrievalEvent) {
	for _, r := range rs {
		if r != nil {
			r.RecordRetrieval(ev)
		}
	}
}
