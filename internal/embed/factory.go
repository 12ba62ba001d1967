package embed

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderOllama calls a local or remote Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI calls an OpenAI-compatible /v1/embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash embeddings with no external service.
	ProviderStatic ProviderType = "static"
)

// String implements fmt.Stringer.
func (p ProviderType) String() string { return string(p) }

// Options selects and configures an embedder. Zero fields take provider defaults.
type Options struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration

	OllamaHost    string
	OpenAIBaseURL string
	OpenAIAPIKey  string

	// CacheSize bounds the query-embedding LRU; negative disables it.
	CacheSize int
}

// NewEmbedder builds the configured provider and wraps it in a CachedEmbedder
// unless CacheSize is negative. An unreachable provider is an error: there is
// no silent fallback to static vectors, which would not match an index built
// with a real model.
func NewEmbedder(ctx context.Context, opts Options) (Embedder, error) {
	var (
		e   Embedder
		err error
	)

	switch opts.Provider {
	case ProviderOllama, "":
		cfg := DefaultOllamaConfig()
		if opts.OllamaHost != "" {
			cfg.Host = opts.OllamaHost
		}
		if opts.Model != "" {
			cfg.Model = opts.Model
		}
		cfg.Dimensions = opts.Dimensions
		if opts.BatchSize > 0 {
			cfg.BatchSize = opts.BatchSize
		}
		if opts.Timeout > 0 {
			cfg.Timeout = opts.Timeout
		}
		e, err = NewOllamaEmbedder(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ollama unavailable: %w\n\nTo fix:\n  1. Start Ollama: ollama serve\n  2. Pull the model: ollama pull %s\n  3. Or use offline vectors: KETORANK_EMBEDDINGS_PROVIDER=static", err, cfg.Model)
		}

	case ProviderOpenAI:
		e, err = NewOpenAIEmbedder(ctx, OpenAIConfig{
			BaseURL:    opts.OpenAIBaseURL,
			APIKey:     opts.OpenAIAPIKey,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			BatchSize:  opts.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embeddings unavailable: %w", err)
		}

	case ProviderStatic:
		e = NewStaticEmbedder()

	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: %s)", opts.Provider, strings.Join(ValidProviders(), ", "))
	}

	if opts.CacheSize < 0 {
		return e, nil
	}
	return NewCachedEmbedder(e, opts.CacheSize), nil
}

// ParseProvider converts a config string to a ProviderType. Unknown values
// are returned as-is so NewEmbedder can reject them with a clear message.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ollama":
		return ProviderOllama
	case "openai":
		return ProviderOpenAI
	case "static":
		return ProviderStatic
	default:
		return ProviderType(strings.ToLower(s))
	}
}

// ValidProviders returns all provider names.
func ValidProviders() []string {
	return []string{string(ProviderOllama), string(ProviderOpenAI), string(ProviderStatic)}
}

// IsValidProvider reports whether s names a provider.
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// Info summarizes an embedder for `ketorank config show`.
type Info struct {
	Provider   ProviderType
	Model      string
	Dimensions int
}

// GetInfo describes e, looking through a CachedEmbedder.
func GetInfo(e Embedder) Info {
	info := Info{Model: e.ModelName(), Dimensions: e.Dimensions()}

	inner := e
	if cached, ok := e.(*CachedEmbedder); ok {
		inner = cached.Inner()
	}
	switch inner.(type) {
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	case *OpenAIEmbedder:
		info.Provider = ProviderOpenAI
	default:
		info.Provider = ProviderStatic
	}
	return info
}
