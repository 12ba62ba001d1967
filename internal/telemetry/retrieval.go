// Package telemetry records retrieval and cache activity: an in-process
// aggregate with optional SQLite persistence, and Prometheus collectors.
// Nothing is reported to external services.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Outcome classifies how a retrieval ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeNoResults    Outcome = "no_results"
	OutcomeTotalFailure Outcome = "total_failure"
	OutcomeCanceled     Outcome = "canceled"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// RetrievalEvent describes one finished retrieval.
type RetrievalEvent struct {
	RequestID     string
	Query         string
	Profile       string
	Outcome       Outcome
	ResultCount   int
	SourceHits    map[string]int
	FailedSources []string
	Latency       time.Duration
	Timestamp     time.Time
}

// IsZeroResult reports a completed retrieval that matched nothing.
func (e RetrievalEvent) IsZeroResult() bool {
	return e.Outcome == OutcomeNoResults
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer; a non-positive capacity defaults to 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear empties the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// ExtractTerms lowercases a query and returns its words of two or more runes.
// Two runes keeps short Korean nouns such as 두부.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var terms []string
	for _, w := range strings.Fields(query) {
		if utf8.RuneCountInString(w) >= 2 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable copy of the aggregated retrieval metrics.
type Snapshot struct {
	OutcomeCounts       map[Outcome]int64       `json:"outcome_counts"`
	ProfileCounts       map[string]int64        `json:"profile_counts"`
	SourceFailures      map[string]int64        `json:"source_failures"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of zero-result retrievals, 0-100.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// RepeatRate returns the share of retrievals whose query was seen recently.
func (s *Snapshot) RepeatRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ExactRepeatCount) / float64(s.TotalQueries)
}

// MetricsStore persists flushed aggregates. Counts passed to the Save methods
// are increments since the previous flush.
type MetricsStore interface {
	SaveOutcomeCounts(date string, counts map[Outcome]int64) error
	GetOutcomeCounts(from, to string) (map[Outcome]int64, error)
	SaveSourceFailures(date string, counts map[string]int64) error
	GetSourceFailures(from, to string) (map[string]int64, error)
	UpsertTermCounts(terms map[string]int64) error
	GetTopTerms(limit int) ([]TermCount, error)
	AddZeroResultQuery(query string, timestamp time.Time) error
	GetZeroResultQueries(limit int) ([]string, error)
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)
	Close() error
}

// QueryMetricsConfig configures the collector.
type QueryMetricsConfig struct {
	TopTermsCapacity      int           // default 100
	ZeroResultsCapacity   int           // default 100
	RecentQueriesCapacity int           // default 500
	FlushInterval         time.Duration // 0 disables auto-flush
}

// DefaultQueryMetricsConfig returns the defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
		FlushInterval:         60 * time.Second,
	}
}

// pending holds the increments not yet flushed.
type pending struct {
	outcomes  map[Outcome]int64
	failures  map[string]int64
	terms     map[string]int64
	latencies map[LatencyBucket]int64
	zero      []zeroResult
}

type zeroResult struct {
	query string
	at    time.Time
}

func newPending() pending {
	return pending{
		outcomes:  make(map[Outcome]int64),
		failures:  make(map[string]int64),
		terms:     make(map[string]int64),
		latencies: make(map[LatencyBucket]int64),
	}
}

// QueryMetrics aggregates retrieval events in memory. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	outcomes         map[Outcome]int64
	profiles         map[string]int64
	failures         map[string]int64
	topTerms         *lru.Cache[string, int64]
	zeroResults      *CircularBuffer[string]
	latencies        map[LatencyBucket]int64
	recentQueries    *lru.Cache[string, struct{}]
	totalQueries     int64
	zeroResultCount  int64
	exactRepeatCount int64
	startTime        time.Time

	unflushed   pending
	store       MetricsStore
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closed      bool
}

// NewQueryMetrics creates a collector with default configuration.
// A nil store keeps metrics in memory only.
func NewQueryMetrics(store MetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom configuration.
func NewQueryMetricsWithConfig(store MetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = 500
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	m := &QueryMetrics{
		outcomes:      make(map[Outcome]int64),
		profiles:      make(map[string]int64),
		failures:      make(map[string]int64),
		topTerms:      topTerms,
		zeroResults:   NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:     make(map[LatencyBucket]int64),
		recentQueries: recent,
		startTime:     time.Now(),
		unflushed:     newPending(),
		store:         store,
		stopCh:        make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *QueryMetrics) flushLoop() {
	for {
		select {
		case <-m.flushTicker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// RecordRetrieval captures one retrieval.
func (m *QueryMetrics) RecordRetrieval(ev RetrievalEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.totalQueries++
	m.outcomes[ev.Outcome]++
	m.unflushed.outcomes[ev.Outcome]++
	if ev.Profile != "" {
		m.profiles[ev.Profile]++
	}
	for _, src := range ev.FailedSources {
		m.failures[src]++
		m.unflushed.failures[src]++
	}

	for _, term := range ExtractTerms(ev.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
		m.unflushed.terms[term]++
	}

	if ev.IsZeroResult() {
		m.zeroResults.Add(ev.Query)
		m.zeroResultCount++
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		m.unflushed.zero = append(m.unflushed.zero, zeroResult{query: ev.Query, at: at})
	}

	bucket := LatencyToBucket(ev.Latency)
	m.latencies[bucket]++
	m.unflushed.latencies[bucket]++

	key := hashQuery(ev.Query)
	if _, seen := m.recentQueries.Get(key); seen {
		m.exactRepeatCount++
	}
	m.recentQueries.Add(key, struct{}{})
}

func hashQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:16])
}

// Snapshot returns the current aggregates.
func (m *QueryMetrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *QueryMetrics) snapshotLocked() *Snapshot {
	var topTerms []TermCount
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(topTerms, func(i, j int) bool {
		if topTerms[i].Count != topTerms[j].Count {
			return topTerms[i].Count > topTerms[j].Count
		}
		return topTerms[i].Term < topTerms[j].Term
	})

	return &Snapshot{
		OutcomeCounts:       maps.Clone(m.outcomes),
		ProfileCounts:       maps.Clone(m.profiles),
		SourceFailures:      maps.Clone(m.failures),
		TopTerms:            topTerms,
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: maps.Clone(m.latencies),
		TotalQueries:        m.totalQueries,
		ZeroResultCount:     m.zeroResultCount,
		ExactRepeatCount:    m.exactRepeatCount,
		Since:               m.startTime,
	}
}

// Flush writes the increments recorded since the last flush to the store.
// Safe to call without a store. On error the increments are kept for the
// next attempt.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	batch := m.unflushed
	m.unflushed = newPending()
	m.mu.Unlock()

	if err := m.write(batch); err != nil {
		m.mu.Lock()
		m.requeue(batch)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *QueryMetrics) write(p pending) error {
	today := time.Now().Format("2006-01-02")
	if len(p.outcomes) > 0 {
		if err := m.store.SaveOutcomeCounts(today, p.outcomes); err != nil {
			return err
		}
	}
	if len(p.failures) > 0 {
		if err := m.store.SaveSourceFailures(today, p.failures); err != nil {
			return err
		}
	}
	if len(p.terms) > 0 {
		if err := m.store.UpsertTermCounts(p.terms); err != nil {
			return err
		}
	}
	if len(p.latencies) > 0 {
		if err := m.store.SaveLatencyCounts(today, p.latencies); err != nil {
			return err
		}
	}
	for _, z := range p.zero {
		if err := m.store.AddZeroResultQuery(z.query, z.at); err != nil {
			return err
		}
	}
	return nil
}

// requeue merges a failed batch back. Parts already written are counted
// again on the next flush.
func (m *QueryMetrics) requeue(p pending) {
	for k, v := range p.outcomes {
		m.unflushed.outcomes[k] += v
	}
	for k, v := range p.failures {
		m.unflushed.failures[k] += v
	}
	for k, v := range p.terms {
		m.unflushed.terms[k] += v
	}
	for k, v := range p.latencies {
		m.unflushed.latencies[k] += v
	}
	m.unflushed.zero = append(p.zero, m.unflushed.zero...)
}

// Close stops auto-flush and flushes once more.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
	}
	return m.Flush()
}
