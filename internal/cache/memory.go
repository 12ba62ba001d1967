package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries bounds the in-memory store when no size is configured.
const DefaultMaxEntries = 10000

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store on an expiring LRU. The LRU's own TTL is
// the upper bound; each value also carries the ttl it was stored with.
type MemoryStore struct {
	lru    *expirable.LRU[string, memoryValue]
	now    func() time.Time
	closed atomic.Bool
}

// NewMemoryStore creates a store holding at most maxEntries values for at
// most maxTTL each.
func NewMemoryStore(maxEntries int, maxTTL time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &MemoryStore{
		lru: expirable.NewLRU[string, memoryValue](maxEntries, nil, maxTTL),
		now: time.Now,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, fp string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	v, ok := m.lru.Get(fp)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(v.expiresAt) {
		m.lru.Remove(fp)
		return nil, false, nil
	}
	return v.data, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, fp string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	data := make([]byte, len(value))
	copy(data, value)
	m.lru.Add(fp, memoryValue{data: data, expiresAt: m.now().Add(ttl)})
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, fp string) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	m.lru.Remove(fp)
	return nil
}

// Len returns the number of stored values, including ones not yet purged.
func (m *MemoryStore) Len() int { return m.lru.Len() }

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }

// Close implements Store.
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.lru.Purge()
	return nil
}
