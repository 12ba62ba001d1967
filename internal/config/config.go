package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory override file.
const ProjectConfigName = ".ketorank.yaml"

// Config is the complete ketorank configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// StorageConfig selects the corpus backends.
type StorageConfig struct {
	// DataDir holds the SQLite corpus, the HNSW graph and file-backed caches.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// KeywordBackend serves exact, full-text and trigram queries: "sqlite" or "postgres".
	KeywordBackend string `yaml:"keyword_backend" json:"keyword_backend"`

	// FTSBackend overrides the full-text source only: "native" uses the keyword
	// backend's own ranking, "bleve" uses a Bleve BM25 index in DataDir.
	FTSBackend string `yaml:"fts_backend" json:"fts_backend"`

	// PostgresDSN is required when KeywordBackend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn"`

	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// EmbeddingsConfig configures the embedding provider used by the vector source.
type EmbeddingsConfig struct {
	// Provider is "ollama", "openai" or "static".
	Provider   string        `yaml:"provider" json:"provider"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`

	OllamaHost    string `yaml:"ollama_host" json:"ollama_host"`
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`

	// OpenAIAPIKey is only read from the environment.
	OpenAIAPIKey string `yaml:"-" json:"-"`

	// CacheSize bounds the query-embedding LRU. Zero disables it.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// SearchConfig configures retrieval.
type SearchConfig struct {
	// Profile names the default weight profile.
	Profile string `yaml:"profile" json:"profile"`

	// ProfilesFile adds profiles to the built-in table, replacing same-named ones.
	ProfilesFile string `yaml:"profiles_file" json:"profiles_file"`

	// BreakerFailures is the number of calls a source must see before its breaker
	// may trip on the failure ratio.
	BreakerFailures int `yaml:"breaker_failures" json:"breaker_failures"`

	// BreakerCooldown is how long an open breaker rejects calls.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// CacheConfig configures the semantic response cache.
type CacheConfig struct {
	// Backend is "memory", "badger" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`

	// Path overrides the on-disk location for badger and sqlite backends.
	Path string `yaml:"path" json:"path"`

	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// FuzzyThreshold is the minimum similarity for a near-duplicate hit. 0 disables it.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" json:"fuzzy_threshold"`

	// RecentSize bounds the per-scope list of recent queries used for fuzzy matching.
	RecentSize int `yaml:"recent_size" json:"recent_size"`

	// MaxEntries bounds the memory backend.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	LogLevel     string `yaml:"log_level" json:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	IndexWorkers int    `yaml:"index_workers" json:"index_workers"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			DataDir:        defaultDataDir(),
			KeywordBackend: "sqlite",
			FTSBackend:     "native",
			SQLiteCacheMB:  64,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Dimensions: 0, // taken from the embedder
			BatchSize:  32,
			Timeout:    10 * time.Second,
			CacheSize:  1000,
		},
		Search: SearchConfig{
			Profile:         "default",
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:        "memory",
			TTL:            24 * time.Hour,
			FuzzyThreshold: 0.92,
			RecentSize:     64,
			MaxEntries:     10000,
		},
		Server: ServerConfig{
			LogLevel:     "warn",
			IndexWorkers: runtime.NumCPU(),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ketorank", "data")
	}
	return filepath.Join(home, ".ketorank", "data")
}

// GetUserConfigPath returns the user config file path, honoring XDG_CONFIG_HOME.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ketorank", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "ketorank", "config.yaml")
	}
	return filepath.Join(home, ".config", "ketorank", "config.yaml")
}

// Load resolves configuration for dir. Later layers win:
// defaults, user config, dir/.ketorank.yaml, KETORANK_* environment.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if dir != "" {
		if projectPath := filepath.Join(dir, ProjectConfigName); fileExists(projectPath) {
			if err := cfg.loadYAML(projectPath); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies every non-zero field of other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	mergeString(&c.Storage.DataDir, other.Storage.DataDir)
	mergeString(&c.Storage.KeywordBackend, other.Storage.KeywordBackend)
	mergeString(&c.Storage.FTSBackend, other.Storage.FTSBackend)
	mergeString(&c.Storage.PostgresDSN, other.Storage.PostgresDSN)
	mergeInt(&c.Storage.SQLiteCacheMB, other.Storage.SQLiteCacheMB)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.BatchSize, other.Embeddings.BatchSize)
	mergeDuration(&c.Embeddings.Timeout, other.Embeddings.Timeout)
	mergeString(&c.Embeddings.OllamaHost, other.Embeddings.OllamaHost)
	mergeString(&c.Embeddings.OpenAIBaseURL, other.Embeddings.OpenAIBaseURL)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)

	mergeString(&c.Search.Profile, other.Search.Profile)
	mergeString(&c.Search.ProfilesFile, other.Search.ProfilesFile)
	mergeInt(&c.Search.BreakerFailures, other.Search.BreakerFailures)
	mergeDuration(&c.Search.BreakerCooldown, other.Search.BreakerCooldown)

	mergeString(&c.Cache.Backend, other.Cache.Backend)
	mergeString(&c.Cache.Path, other.Cache.Path)
	mergeDuration(&c.Cache.TTL, other.Cache.TTL)
	if other.Cache.FuzzyThreshold != 0 {
		c.Cache.FuzzyThreshold = other.Cache.FuzzyThreshold
	}
	mergeInt(&c.Cache.RecentSize, other.Cache.RecentSize)
	mergeInt(&c.Cache.MaxEntries, other.Cache.MaxEntries)

	mergeString(&c.Server.LogLevel, other.Server.LogLevel)
	mergeString(&c.Server.MetricsAddr, other.Server.MetricsAddr)
	mergeInt(&c.Server.IndexWorkers, other.Server.IndexWorkers)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies KETORANK_* variables. Malformed numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KETORANK_WEIGHT_PROFILE"); v != "" {
		c.Search.Profile = v
	}
	if v := os.Getenv("KETORANK_PROFILES_FILE"); v != "" {
		c.Search.ProfilesFile = v
	}

	if v := os.Getenv("KETORANK_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("KETORANK_KEYWORD_BACKEND"); v != "" {
		c.Storage.KeywordBackend = v
	}
	if v := os.Getenv("KETORANK_FTS_BACKEND"); v != "" {
		c.Storage.FTSBackend = v
	}
	if v := os.Getenv("KETORANK_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}

	if v := os.Getenv("KETORANK_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("KETORANK_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("KETORANK_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("KETORANK_OPENAI_BASE_URL"); v != "" {
		c.Embeddings.OpenAIBaseURL = v
	}
	if v := os.Getenv("KETORANK_OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
	}

	if v := os.Getenv("KETORANK_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("KETORANK_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Cache.TTL = d
		}
	}
	if v := os.Getenv("KETORANK_CACHE_FUZZY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && f <= 1 {
			c.Cache.FuzzyThreshold = f
		}
	}

	if v := os.Getenv("KETORANK_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("KETORANK_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.KeywordBackend) {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required when keyword_backend is 'postgres'")
		}
	default:
		return fmt.Errorf("storage.keyword_backend must be 'sqlite' or 'postgres', got %s", c.Storage.KeywordBackend)
	}

	switch strings.ToLower(c.Storage.FTSBackend) {
	case "native", "bleve":
	default:
		return fmt.Errorf("storage.fts_backend must be 'native' or 'bleve', got %s", c.Storage.FTSBackend)
	}

	switch strings.ToLower(c.Embeddings.Provider) {
	case "ollama", "openai", "static":
	default:
		return fmt.Errorf("embeddings.provider must be 'ollama', 'openai' or 'static', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings.dimensions must be non-negative, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	if c.Search.Profile == "" {
		return fmt.Errorf("search.profile must not be empty")
	}
	if c.Search.BreakerFailures <= 0 {
		return fmt.Errorf("search.breaker_failures must be positive, got %d", c.Search.BreakerFailures)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "badger", "sqlite":
	default:
		return fmt.Errorf("cache.backend must be 'memory', 'badger' or 'sqlite', got %s", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.FuzzyThreshold < 0 || c.Cache.FuzzyThreshold > 1 {
		return fmt.Errorf("cache.fuzzy_threshold must be between 0 and 1, got %f", c.Cache.FuzzyThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// CachePath returns the on-disk cache location for file-backed cache backends.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "badger":
		return filepath.Join(c.Storage.DataDir, "cache.badger")
	case "sqlite":
		return filepath.Join(c.Storage.DataDir, "cache.db")
	default:
		return ""
	}
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
