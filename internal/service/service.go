// Package service wires configuration into a ready retrieval engine and
// semantic cache, and exposes the caller-facing operations.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ketolab/ketorank/internal/cache"
	"github.com/ketolab/ketorank/internal/config"
	"github.com/ketolab/ketorank/internal/corpus"
	"github.com/ketolab/ketorank/internal/embed"
	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/preflight"
	"github.com/ketolab/ketorank/internal/search"
	"github.com/ketolab/ketorank/internal/store"
	"github.com/ketolab/ketorank/internal/telemetry"
	"github.com/ketolab/ketorank/internal/weights"
)

// File names inside the data directory.
const (
	CorpusFile    = "corpus.db"
	VectorFile    = "vectors.hnsw"
	TextIndexDir  = "text.bleve"
	TelemetryFile = "telemetry.db"
)

// Options overrides parts of the wiring.
type Options struct {
	// Embedder replaces the configured provider.
	Embedder embed.Embedder

	// Metrics is shared with a metrics endpoint; created when nil.
	Metrics *telemetry.Metrics
}

// Service is the caller-facing API: hybrid retrieval plus the semantic cache.
type Service struct {
	cfg      *config.Config
	profiles *weights.Registry

	backend  store.KeywordBackend
	text     store.TextIndex
	vector   *store.HNSWIndex
	embedder embed.Embedder
	engine   *search.Engine
	cache    *cache.SemanticCache

	metrics     *telemetry.Metrics
	queries     *telemetry.QueryMetrics
	telemetryDB *sql.DB
}

// New opens every store named by cfg and builds the engine. On error all
// already opened resources are released.
func New(ctx context.Context, cfg *config.Config, opts Options) (svc *Service, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	s := &Service{cfg: cfg, metrics: opts.Metrics}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.profiles, err = weights.Load(cfg.Search.ProfilesFile); err != nil {
		return nil, err
	}
	if _, err = s.profiles.Get(cfg.Search.Profile); err != nil {
		return nil, fmt.Errorf("search.profile: %w", err)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics()
	}

	dataDir := cfg.Storage.DataDir
	if err = os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if s.backend, err = openKeywordBackend(ctx, cfg); err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Storage.FTSBackend, "bleve") {
		if s.text, err = store.NewBleveTextIndex(filepath.Join(dataDir, TextIndexDir)); err != nil {
			return nil, err
		}
	}
	if s.vector, err = openVectorIndex(filepath.Join(dataDir, VectorFile)); err != nil {
		return nil, err
	}

	s.embedder = opts.Embedder
	if s.embedder == nil {
		s.embedder = newEmbedder(ctx, cfg.Embeddings)
	}

	if err = s.openTelemetry(filepath.Join(dataDir, TelemetryFile)); err != nil {
		return nil, err
	}
	if s.engine, err = s.buildEngine(); err != nil {
		return nil, err
	}
	if s.cache, err = openCache(cfg, s.metrics); err != nil {
		return nil, err
	}

	slog.Info("service_ready",
		slog.String("data_dir", dataDir),
		slog.String("keyword_backend", s.backend.Name()),
		slog.String("fts_backend", cfg.Storage.FTSBackend),
		slog.String("embedder_model", s.embedder.ModelName()),
		slog.String("cache_backend", cfg.Cache.Backend),
		slog.Int("vectors", s.vector.Count()))
	return s, nil
}

func openKeywordBackend(ctx context.Context, cfg *config.Config) (store.KeywordBackend, error) {
	switch strings.ToLower(cfg.Storage.KeywordBackend) {
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		pg := store.NewPostgresCorpus(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return pg, nil
	default:
		return store.NewSQLiteCorpus(
			filepath.Join(cfg.Storage.DataDir, CorpusFile),
			store.SQLiteConfig{CacheMB: cfg.Storage.SQLiteCacheMB},
		)
	}
}

// openVectorIndex loads the persisted graph when one exists.
func openVectorIndex(path string) (*store.HNSWIndex, error) {
	idx := store.NewHNSWIndex(store.HNSWConfig{})
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err := idx.Load(path); err != nil {
		slog.Warn("vector_index_load_failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.String("action", "starting empty, reindex required"))
		return store.NewHNSWIndex(store.HNSWConfig{}), nil
	}
	return idx, nil
}

// newEmbedder builds the configured provider. An unreachable provider does
// not stop the service: the vector source reports the failure per request
// and the keyword sources keep serving.
func newEmbedder(ctx context.Context, ec config.EmbeddingsConfig) embed.Embedder {
	cacheSize := ec.CacheSize
	if cacheSize == 0 {
		cacheSize = -1
	}
	e, err := embed.NewEmbedder(ctx, embed.Options{
		Provider:      embed.ParseProvider(ec.Provider),
		Model:         ec.Model,
		Dimensions:    ec.Dimensions,
		BatchSize:     ec.BatchSize,
		Timeout:       ec.Timeout,
		OllamaHost:    ec.OllamaHost,
		OpenAIBaseURL: ec.OpenAIBaseURL,
		OpenAIAPIKey:  ec.OpenAIAPIKey,
		CacheSize:     cacheSize,
	})
	if err != nil {
		slog.Warn("embedder_unavailable",
			slog.String("provider", ec.Provider),
			slog.String("error", err.Error()))
		return &unavailableEmbedder{provider: ec.Provider, model: ec.Model, err: err}
	}
	return e
}

func (s *Service) openTelemetry(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("telemetry schema: %w", err)
	}
	ms, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	s.telemetryDB = db
	s.queries = telemetry.NewQueryMetrics(ms)
	return nil
}

func (s *Service) buildEngine() (*search.Engine, error) {
	vec, err := search.NewVectorAdapter(s.embedder, s.vector, s.backend)
	if err != nil {
		return nil, err
	}
	exact, err := search.NewExactAdapter(s.backend)
	if err != nil {
		return nil, err
	}
	var fts *search.KeywordAdapter
	if s.text != nil {
		fts, err = search.NewIndexedFullTextAdapter(s.text, s.backend)
	} else {
		fts, err = search.NewFullTextAdapter(s.backend)
	}
	if err != nil {
		return nil, err
	}
	trigram, err := search.NewTrigramAdapter(s.backend)
	if err != nil {
		return nil, err
	}

	breaker := search.DefaultBreakerConfig()
	if n := s.cfg.Search.BreakerFailures; n > 0 {
		breaker.MinRequests = uint32(n)
	}
	if d := s.cfg.Search.BreakerCooldown; d > 0 {
		breaker.OpenTimeout = d
	}

	return search.NewEngine(
		[]search.Adapter{vec, exact, fts, trigram},
		search.WithBreakerConfig(breaker),
		search.WithMetrics(telemetry.Recorders{s.metrics, s.queries}),
	)
}

func openCache(cfg *config.Config, rec cache.Recorder) (*cache.SemanticCache, error) {
	cc := cfg.Cache
	var (
		st  cache.Store
		err error
	)
	switch strings.ToLower(cc.Backend) {
	case "badger":
		st, err = cache.OpenBadgerStore(cfg.CachePath())
	case "sqlite":
		st, err = cache.OpenSQLiteStore(cfg.CachePath())
	default:
		st = cache.NewMemoryStore(cc.MaxEntries, cc.TTL)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cc.Backend, err)
	}

	c, err := cache.New(st, cache.Options{
		TTL:            cc.TTL,
		FuzzyThreshold: cc.FuzzyThreshold,
		RecentSize:     cc.RecentSize,
		Recorder:       rec,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return c, nil
}

// Retrieve runs hybrid retrieval with the named weight profile. An empty
// name falls back to KETORANK_WEIGHT_PROFILE, then search.profile.
func (s *Service) Retrieve(ctx context.Context, query, profileName string) (*search.Result, error) {
	profile, err := s.profiles.Select(profileName, s.cfg.Search.Profile)
	if err != nil {
		return nil, err
	}
	return s.engine.Search(ctx, query, profile)
}

// CacheLookup returns a previously stored answer for an equivalent query.
func (s *Service) CacheLookup(ctx context.Context, query, scope, modelVersion string, options map[string]string) (string, map[string]string, bool) {
	e, ok := s.cache.Lookup(ctx, cacheRequest(query, scope, modelVersion, options))
	if !ok {
		return "", nil, false
	}
	return e.Answer, e.Metadata, true
}

// CacheStore saves a generated answer for query.
func (s *Service) CacheStore(ctx context.Context, query, scope, modelVersion string, options map[string]string, answer string, metadata map[string]string) error {
	return s.cache.Store(ctx, cacheRequest(query, scope, modelVersion, options), answer, metadata)
}

// CacheInvalidate removes the answer stored for query, if any.
func (s *Service) CacheInvalidate(ctx context.Context, query, scope, modelVersion string, options map[string]string) error {
	return s.cache.Invalidate(ctx, cacheRequest(query, scope, modelVersion, options))
}

func cacheRequest(query, scope, modelVersion string, options map[string]string) cache.Request {
	return cache.Request{Query: query, Scope: scope, ModelVersion: modelVersion, Options: options}
}

// Index writes items to every store while holding the data directory lock.
func (s *Service) Index(ctx context.Context, items []*store.Item) (*corpus.Result, error) {
	lock := corpus.NewFileLock(s.cfg.Storage.DataDir)
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	ix, err := corpus.NewIndexer(corpus.Dependencies{
		Backend:  s.backend,
		Vector:   s.vector,
		Embedder: s.embedder,
		Text:     s.text,
		Recorder: s.metrics,
	}, corpus.Options{
		BatchSize:  s.cfg.Embeddings.BatchSize,
		Workers:    s.cfg.Server.IndexWorkers,
		VectorPath: filepath.Join(s.cfg.Storage.DataDir, VectorFile),
	})
	if err != nil {
		// Every dependency is built in New, so this is a wiring bug.
		return nil, kerrors.InternalError("cannot build indexer", err)
	}
	defer ix.Release()
	return ix.Run(ctx, items)
}

// Profiles returns the loaded weight profiles.
func (s *Service) Profiles() *weights.Registry { return s.profiles }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// QueryStats returns the in-process retrieval statistics.
func (s *Service) QueryStats() *telemetry.Snapshot { return s.queries.Snapshot() }

// HealthTarget describes the open stores for the doctor checks.
func (s *Service) HealthTarget() preflight.Target {
	return preflight.Target{
		DataDir:  s.cfg.Storage.DataDir,
		Embedder: s.embedder,
		Items:    s.backend.Count,
		Vectors:  s.vector.Count(),
	}
}

// Close flushes telemetry and closes every store. Safe on a partially built
// Service.
func (s *Service) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.queries != nil {
		errs = append(errs, s.queries.Close())
	}
	if s.telemetryDB != nil {
		errs = append(errs, s.telemetryDB.Close())
	}
	if s.embedder != nil {
		errs = append(errs, s.embedder.Close())
	}
	if s.vector != nil {
		errs = append(errs, s.vector.Close())
	}
	if s.text != nil {
		errs = append(errs, s.text.Close())
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	return errors.Join(errs...)
}
