// Package cache implements the semantic response cache: queries that mean
// the same thing under the same scope, model and options share one stored
// answer.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/telemetry"
)

const (
	// DefaultTTL is how long an entry lives when no TTL is configured.
	DefaultTTL = 24 * time.Hour

	// DefaultFuzzyThreshold is the minimum similarity for a near-duplicate hit.
	DefaultFuzzyThreshold = 0.92

	// DefaultRecentSize bounds the per-scope recent-query ring.
	DefaultRecentSize = 64
)

// ErrEmptyQuery is returned by Store and Invalidate for a blank query.
var ErrEmptyQuery = errors.New("cache query is empty")

// Request identifies a cacheable question.
type Request struct {
	Query        string
	Scope        string
	ModelVersion string
	Options      map[string]string
}

// Recorder receives cache events.
type Recorder interface {
	RecordCache(ev telemetry.CacheEvent)
}

// Options configures a SemanticCache.
type Options struct {
	TTL time.Duration

	// FuzzyThreshold enables near-duplicate matching when > 0.
	FuzzyThreshold float64

	// RecentSize bounds the per-scope ring consulted by fuzzy matching.
	RecentSize int

	Recorder Recorder
	Logger   *slog.Logger

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		TTL:            DefaultTTL,
		FuzzyThreshold: DefaultFuzzyThreshold,
		RecentSize:     DefaultRecentSize,
	}
}

type recentEntry struct {
	normalized   string
	fingerprint  string
	modelVersion string
	optionsHash  string
}

// SemanticCache fronts a Store with query normalization, fingerprinting and
// optional fuzzy matching.
type SemanticCache struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	recent map[string][]recentEntry // scope -> ring, newest last
}

// New creates a SemanticCache over store.
func New(store Store, opts Options) (*SemanticCache, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FuzzyThreshold < 0 || opts.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("fuzzy threshold must be between 0 and 1, got %f", opts.FuzzyThreshold)
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = DefaultRecentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SemanticCache{
		store:  store,
		opts:   opts,
		logger: logger.With(slog.String("component", "semantic_cache"), slog.String("backend", store.Name())),
		now:    now,
		recent: make(map[string][]recentEntry),
	}, nil
}

// Key returns the normalized query and fingerprint for req.
func Key(req Request) (normalized, fingerprint, optionsHash string) {
	normalized = Normalize(req.Query)
	optionsHash = OptionsHash(req.Options)
	fingerprint = Fingerprint(normalized, req.Scope, req.ModelVersion, optionsHash)
	return normalized, fingerprint, optionsHash
}

// Lookup returns the cached answer for req. A store failure, an expired entry
// and an undecodable entry are all reported as a miss.
func (c *SemanticCache) Lookup(ctx context.Context, req Request) (Entry, bool) {
	if strings.TrimSpace(req.Query) == "" {
		c.record(telemetry.CacheMiss)
		return Entry{}, false
	}
	normalized, fp, optHash := Key(req)

	if e, ok := c.read(ctx, fp); ok {
		c.record(telemetry.CacheHit)
		c.logger.Debug("cache_hit", slog.String("fingerprint", fp[:12]))
		return e, true
	}

	if c.opts.FuzzyThreshold > 0 {
		if e, ok := c.fuzzy(ctx, req, normalized, fp, optHash); ok {
			c.record(telemetry.CacheFuzzyHit)
			return e, true
		}
	}

	c.record(telemetry.CacheMiss)
	return Entry{}, false
}

// read fetches and validates one fingerprint.
func (c *SemanticCache) read(ctx context.Context, fp string) (Entry, bool) {
	data, ok, err := c.store.Get(ctx, fp)
	if err != nil {
		c.record(telemetry.CacheError)
		c.logger.Warn("cache_get_failed",
			slog.String("fingerprint", fp[:12]),
			slog.String("error", err.Error()))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	e, err := decodeEntry(fp, data)
	if err != nil {
		c.record(telemetry.CacheCorrupt)
		kerr := kerrors.New(kerrors.ErrCodeCacheCorrupt, "cache entry is unreadable", err).
			WithDetail("fingerprint", fp)
		c.logger.LogAttrs(ctx, slog.LevelWarn, "cache_corrupt", kerrors.LogAttrs(kerr)...)
		return Entry{}, false
	}
	if e.Expired(c.now()) {
		return Entry{}, false
	}
	return *e, true
}

// fuzzy scans the recent ring of req.Scope for a near-identical query with
// the same quantities. The lock is released before any store access.
func (c *SemanticCache) fuzzy(ctx context.Context, req Request, normalized, fp, optHash string) (Entry, bool) {
	c.mu.Lock()
	ring := c.recent[req.Scope]
	candidates := make([]recentEntry, len(ring))
	copy(candidates, ring)
	c.mu.Unlock()

	var (
		best      recentEntry
		bestScore float64
	)
	for i := len(candidates) - 1; i >= 0; i-- {
		r := candidates[i]
		if r.fingerprint == fp || r.modelVersion != req.ModelVersion || r.optionsHash != optHash {
			continue
		}
		if !SameQuantities(normalized, r.normalized) {
			continue
		}
		if score := Similarity(normalized, r.normalized); score > bestScore {
			best, bestScore = r, score
		}
	}
	if bestScore < c.opts.FuzzyThreshold {
		return Entry{}, false
	}

	e, ok := c.read(ctx, best.fingerprint)
	if !ok {
		return Entry{}, false
	}
	c.logger.Debug("cache_fuzzy_hit",
		slog.String("fingerprint", best.fingerprint[:12]),
		slog.Float64("similarity", bestScore))
	return e, true
}

// Store saves answer for req, replacing any previous entry with the same
// fingerprint.
func (c *SemanticCache) Store(ctx context.Context, req Request, answer string, metadata map[string]string) error {
	if strings.TrimSpace(req.Query) == "" {
		return ErrEmptyQuery
	}
	normalized, fp, optHash := Key(req)

	e := &Entry{
		Version:         entryVersion,
		Fingerprint:     fp,
		NormalizedQuery: normalized,
		Scope:           req.Scope,
		ModelVersion:    req.ModelVersion,
		OptionsHash:     optHash,
		Answer:          answer,
		Metadata:        maps.Clone(metadata),
		CreatedAt:       c.now().UTC(),
		TTL:             c.opts.TTL,
	}
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, fp, data, c.opts.TTL); err != nil {
		c.record(telemetry.CacheError)
		return kerrors.BackendError("failed to store cache entry", err)
	}

	c.remember(req.Scope, recentEntry{
		normalized:   normalized,
		fingerprint:  fp,
		modelVersion: req.ModelVersion,
		optionsHash:  optHash,
	})
	c.record(telemetry.CacheStore)
	return nil
}

// Invalidate deletes the entry for req, if any.
func (c *SemanticCache) Invalidate(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return ErrEmptyQuery
	}
	_, fp, _ := Key(req)
	if err := c.store.Delete(ctx, fp); err != nil {
		c.record(telemetry.CacheError)
		return kerrors.BackendError("failed to invalidate cache entry", err)
	}

	c.mu.Lock()
	ring := c.recent[req.Scope]
	kept := ring[:0]
	for _, r := range ring {
		if r.fingerprint != fp {
			kept = append(kept, r)
		}
	}
	c.recent[req.Scope] = kept
	c.mu.Unlock()

	c.record(telemetry.CacheInvalidate)
	return nil
}

func (c *SemanticCache) remember(scope string, r recentEntry) {
	if c.opts.FuzzyThreshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.recent[scope]
	for i, existing := range ring {
		if existing.fingerprint == r.fingerprint {
			ring = append(ring[:i], ring[i+1:]...)
			break
		}
	}
	ring = append(ring, r)
	if len(ring) > c.opts.RecentSize {
		ring = ring[len(ring)-c.opts.RecentSize:]
	}
	c.recent[scope] = ring
}

func (c *SemanticCache) record(ev telemetry.CacheEvent) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordCache(ev)
	}
}

// Close closes the underlying store.
func (c *SemanticCache) Close() error {
	return c.store.Close()
}
