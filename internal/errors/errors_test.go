package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKetoError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("connection refused")

	// When: wrapping with KetoError
	ke := New(ErrCodeSourceUnavailable, "fts backend unreachable", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, ke)
	assert.Equal(t, originalErr, errors.Unwrap(ke))
	assert.True(t, errors.Is(ke, originalErr))
}

func TestKetoError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{"config error", ErrCodeConfigNotFound, "config file not found", "[ERR_101_CONFIG_NOT_FOUND] config file not found"},
		{"cache error", ErrCodeCacheCorrupt, "entry undecodable", "[ERR_207_CACHE_CORRUPT] entry undecodable"},
		{"backend error", ErrCodeSourceUnavailable, "trigram timed out", "[ERR_304_SOURCE_UNAVAILABLE] trigram timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, New(tt.code, tt.message, nil).Error())
		})
	}
}

func TestKetoError_Is_MatchesByCode(t *testing.T) {
	// Given: a sentinel and a wrapped error with the same code
	sentinel := New(ErrCodeSearchFailed, "all sources failed", nil)
	wrapped := fmt.Errorf("retrieve: %w", New(ErrCodeSearchFailed, "vector, fts down", nil))

	// Then: errors.Is matches through the wrap
	assert.True(t, errors.Is(wrapped, sentinel))
	assert.False(t, errors.Is(wrapped, New(ErrCodeQueryEmpty, "", nil)))
}

func TestKetoError_WithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeProfileNotFound, "unknown profile", nil).
		WithDetail("profile", "nope").
		WithSuggestion("run 'ketorank profiles'")

	assert.Equal(t, "nope", err.Details["profile"])
	assert.Equal(t, "run 'ketorank profiles'", err.Suggestion)
}

func TestKetoError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeProfileNotFound, CategoryConfig},
		{ErrCodeCacheCorrupt, CategoryIO},
		{ErrCodeIndexLocked, CategoryIO},
		{ErrCodeSourceUnavailable, CategoryBackend},
		{ErrCodeCircuitOpen, CategoryBackend},
		{ErrCodeInvalidWeights, CategoryValidation},
		{ErrCodeEmbeddingFailed, CategoryInternal},
		{"BAD", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.wantCategory, New(tt.code, "x", nil).Category)
		})
	}
}

func TestKetoError_SeverityAndRetryable(t *testing.T) {
	tests := []struct {
		code          string
		wantSeverity  Severity
		wantRetryable bool
	}{
		{ErrCodeCorruptIndex, SeverityFatal, false},
		{ErrCodeCacheCorrupt, SeverityWarning, false},
		{ErrCodeSourceUnavailable, SeverityWarning, true},
		{ErrCodeEmbeddingFailed, SeverityWarning, true},
		{ErrCodeSearchFailed, SeverityError, false},
		{ErrCodeConfigInvalid, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "x", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))

	ke := Wrap(ErrCodeInternal, errors.New("boom"))
	require.NotNil(t, ke)
	assert.Equal(t, "boom", ke.Message)
}

func TestHelpers_WorkThroughWrapping(t *testing.T) {
	// Given: a KetoError wrapped by fmt.Errorf
	err := fmt.Errorf("vector: %w", BackendError("ollama down", nil))

	// Then: helpers see the inner error
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, ErrCodeSourceUnavailable, GetCode(err))
	assert.Equal(t, CategoryBackend, GetCategory(err))

	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, "", GetCode(nil))
}

func TestConstructors_CodeAndCategory(t *testing.T) {
	tests := []struct {
		name     string
		err      *KetoError
		code     string
		category Category
	}{
		{"io missing", IOError("cannot open corpus file", fs.ErrNotExist), ErrCodeFileNotFound, CategoryIO},
		{"io permission", IOError("cannot open corpus file", fmt.Errorf("open: %w", fs.ErrPermission)), ErrCodeFilePermission, CategoryIO},
		{"internal", InternalError("cannot build indexer", errors.New("nil backend")), ErrCodeInternal, CategoryInternal},
		{"config", ConfigError("bad yaml", nil), ErrCodeConfigInvalid, CategoryConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.category, tt.err.Category)
		})
	}
}
