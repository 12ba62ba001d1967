package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Store is the byte-level persistence boundary of the semantic cache.
// Implementations must be safe for concurrent use; concurrent writes to one
// fingerprint resolve as last-write-wins.
type Store interface {
	// Get returns the value for fp, or ok=false if absent or expired.
	Get(ctx context.Context, fp string) (value []byte, ok bool, err error)
	// Set upserts the value for fp; it expires after ttl.
	Set(ctx context.Context, fp string, value []byte, ttl time.Duration) error
	// Delete removes fp. Deleting an absent key is not an error.
	Delete(ctx context.Context, fp string) error
	// Name identifies the backend in logs.
	Name() string
	Close() error
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("cache store is closed")

// entryVersion is the current on-disk entry layout.
const entryVersion = 1

// Entry is one cached answer. It is never returned once CreatedAt+TTL has
// passed.
type Entry struct {
	Version         int               `json:"v"`
	Fingerprint     string            `json:"fingerprint"`
	NormalizedQuery string            `json:"normalized_query"`
	Scope           string            `json:"scope"`
	ModelVersion    string            `json:"model_version"`
	OptionsHash     string            `json:"options_hash"`
	Answer          string            `json:"answer"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	TTL             time.Duration     `json:"ttl"`
}

// ExpiresAt is the first instant the entry is no longer valid.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry may no longer be returned at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// decodeEntry parses a stored value and checks it belongs to fp.
func decodeEntry(fp string, data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Version != entryVersion {
		return nil, fmt.Errorf("unsupported cache entry version %d", e.Version)
	}
	if e.Fingerprint != fp {
		return nil, fmt.Errorf("cache entry fingerprint mismatch")
	}
	if e.TTL <= 0 || e.CreatedAt.IsZero() {
		return nil, fmt.Errorf("cache entry has no expiry")
	}
	return &e, nil
}
