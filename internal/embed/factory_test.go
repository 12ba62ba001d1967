package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder_Static(t *testing.T) {
	// Given: the static provider with default cache
	e, err := NewEmbedder(context.Background(), Options{Provider: ProviderStatic})
	require.NoError(t, err)
	defer e.Close()

	// Then: it is wrapped in a cache and reports static info
	_, isCached := e.(*CachedEmbedder)
	assert.True(t, isCached)

	info := GetInfo(e)
	assert.Equal(t, ProviderStatic, info.Provider)
	assert.Equal(t, StaticDimensions, info.Dimensions)
}

func TestNewEmbedder_NegativeCacheSizeDisablesCache(t *testing.T) {
	e, err := NewEmbedder(context.Background(), Options{Provider: ProviderStatic, CacheSize: -1})
	require.NoError(t, err)

	_, isStatic := e.(*StaticEmbedder)
	assert.True(t, isStatic)
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	_, err := NewEmbedder(context.Background(), Options{Provider: "mlx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding provider")
}

func TestNewEmbedder_OllamaUnavailable_ReturnsError(t *testing.T) {
	// Given: a server that refuses every request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// When: creating an Ollama embedder against it
	_, err := NewEmbedder(context.Background(), Options{Provider: ProviderOllama, OllamaHost: srv.URL})

	// Then: no silent fallback to static vectors
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama unavailable")
}

func TestParseProvider(t *testing.T) {
	assert.Equal(t, ProviderOllama, ParseProvider(""))
	assert.Equal(t, ProviderOllama, ParseProvider("Ollama"))
	assert.Equal(t, ProviderOpenAI, ParseProvider("openai"))
	assert.Equal(t, ProviderStatic, ParseProvider(" static "))
	assert.Equal(t, ProviderType("bogus"), ParseProvider("bogus"))
}

func TestIsValidProvider(t *testing.T) {
	for _, p := range ValidProviders() {
		assert.True(t, IsValidProvider(p), p)
	}
	assert.True(t, IsValidProvider("OPENAI"))
	assert.False(t, IsValidProvider("mlx"))
}
