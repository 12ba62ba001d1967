package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWConfig configures the vector index.
type HNSWConfig struct {
	Dimensions int
	M          int // max neighbors per node
	EfSearch   int // search candidate list size
}

// HNSWIndex implements VectorIndex with coder/hnsw and cosine distance.
// Vectors are unit-normalized on insert and query.
//
// Replaced or deleted IDs are only unmapped; their nodes stay in the graph
// and are skipped at query time. Deleting from coder/hnsw can disconnect the
// graph when the entry point is removed, so orphans are cleared by Compact,
// which rebuilds the graph from live nodes. Save compacts once orphans exceed
// CompactOrphanRatio of the graph.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	cfg   HNSWConfig

	idToKey map[string]uint64
	keyToID map[uint64]string
	nextKey uint64

	closed bool
}

var _ VectorIndex = (*HNSWIndex)(nil)

// CompactOrphanRatio is the share of orphaned graph nodes at which Save
// rebuilds the graph before writing it.
const CompactOrphanRatio = 0.1

// HNSWStats reports live vectors against graph nodes.
type HNSWStats struct {
	ValidIDs   int
	GraphNodes int // includes orphans
	Orphans    int
}

type hnswMeta struct {
	IDToKey map[string]uint64
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex creates an empty index. Dimensions may be zero, in which case
// it is fixed by the first Add or by Load.
func NewHNSWIndex(cfg HNSWConfig) *HNSWIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 40
	}
	return &HNSWIndex{
		graph:   newGraph(cfg),
		cfg:     cfg,
		idToKey: make(map[string]uint64),
		keyToID: make(map[uint64]string),
	}
}

func newGraph(cfg HNSWConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// Dimensions returns the vector length, or 0 while the index is empty and unconfigured.
func (h *HNSWIndex) Dimensions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Dimensions
}

// Add inserts or replaces vectors.
func (h *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	if h.cfg.Dimensions == 0 {
		h.cfg.Dimensions = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != h.cfg.Dimensions {
			return ErrDimensionMismatch{Expected: h.cfg.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if old, ok := h.idToKey[id]; ok {
			delete(h.keyToID, old)
		}

		key := h.nextKey
		h.nextKey++

		h.graph.Add(hnsw.MakeNode(key, unitCopy(vectors[i])))
		h.idToKey[id] = key
		h.keyToID[key] = id
	}
	return nil
}

// Nearest returns up to k live neighbors ordered by similarity.
func (h *HNSWIndex) Nearest(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if k <= 0 || h.graph.Len() == 0 {
		return []VectorHit{}, nil
	}
	if len(query) != h.cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: h.cfg.Dimensions, Got: len(query)}
	}

	q := unitCopy(query)

	// Over-fetch so orphaned nodes do not starve the result.
	fetch := k
	if orphans := h.graph.Len() - len(h.idToKey); orphans > 0 {
		fetch += orphans
	}

	nodes := h.graph.Search(q, fetch)
	hits := make([]VectorHit, 0, min(k, len(nodes)))
	for _, n := range nodes {
		id, ok := h.keyToID[n.Key]
		if !ok {
			continue
		}
		d := h.graph.Distance(q, n.Value)
		hits = append(hits, VectorHit{ID: id, Distance: d, Score: cosineDistanceToScore(d)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Delete unmaps IDs.
func (h *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for _, id := range ids {
		if key, ok := h.idToKey[id]; ok {
			delete(h.keyToID, key)
			delete(h.idToKey, id)
		}
	}
	return nil
}

// Count returns the number of live vectors.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToKey)
}

// Stats returns graph statistics for compaction decisions.
func (h *HNSWIndex) Stats() HNSWStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return HNSWStats{}
	}
	nodes := h.graph.Len()
	return HNSWStats{ValidIDs: len(h.idToKey), GraphNodes: nodes, Orphans: nodes - len(h.idToKey)}
}

// Compact rebuilds the graph from live nodes only and returns the number of
// orphans removed.
func (h *HNSWIndex) Compact() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	return h.compactLocked(), nil
}

func (h *HNSWIndex) compactLocked() int {
	orphans := h.graph.Len() - len(h.idToKey)
	if orphans <= 0 {
		return 0
	}

	keys := make([]uint64, 0, len(h.keyToID))
	for key := range h.keyToID {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	g := newGraph(h.cfg)
	for _, key := range keys {
		vec, ok := h.graph.Lookup(key)
		if !ok {
			// Unreachable unless the graph lost a live node; drop the mapping.
			delete(h.idToKey, h.keyToID[key])
			delete(h.keyToID, key)
			continue
		}
		g.Add(hnsw.MakeNode(key, vec))
	}
	h.graph = g
	return orphans
}

// Save writes the graph to path and the ID mapping to path+".meta",
// each through a temp file and rename. A graph with too many orphans is
// compacted first.
func (h *HNSWIndex) Save(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	if nodes := h.graph.Len(); nodes > 0 &&
		float64(nodes-len(h.idToKey))/float64(nodes) > CompactOrphanRatio {
		removed := h.compactLocked()
		slog.Debug("hnsw_compacted", slog.Int("orphans_removed", removed), slog.Int("nodes", h.graph.Len()))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(path, func(f *os.File) error { return h.graph.Export(f) }); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	meta := hnswMeta{IDToKey: h.idToKey, NextKey: h.nextKey, Config: h.cfg}
	if err := writeAtomic(path+".meta", func(f *os.File) error { return gob.NewEncoder(f).Encode(meta) }); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// Load replaces the in-memory index with the one saved at path.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	mf, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	var meta hnswMeta
	err = gob.NewDecoder(mf).Decode(&meta)
	_ = mf.Close()
	if err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	gf, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer gf.Close()

	g := newGraph(meta.Config)
	// Import needs an io.ByteReader.
	if err := g.Import(bufio.NewReader(gf)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	h.graph = g
	h.cfg = meta.Config
	h.idToKey = meta.IDToKey
	h.nextKey = meta.NextKey
	h.keyToID = make(map[uint64]string, len(meta.IDToKey))
	for id, key := range meta.IDToKey {
		h.keyToID[key] = id
	}
	return nil
}

// Close releases the graph. Idempotent.
func (h *HNSWIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.graph = nil
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func unitCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// cosineDistanceToScore converts cosine distance [0,2] back to cosine similarity [-1,1].
func cosineDistanceToScore(d float32) float32 {
	return max(-1, min(1, 1-d))
}
