package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	menuTokenizerName  = "menu_tokenizer"
	menuStopFilterName = "menu_stop"
	menuAnalyzerName   = "menu_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(menuTokenizerName, menuTokenizerConstructor)
	_ = registry.RegisterTokenFilter(menuStopFilterName, menuStopFilterConstructor)
}

// BleveTextIndex is a TextIndex backed by Bleve's BM25 scoring. It shares the
// tokenizer used by the SQLite FTS tables so both backends agree on terms.
type BleveTextIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ TextIndex = (*BleveTextIndex)(nil)

type bleveItem struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// NewBleveTextIndex opens or creates a Bleve index at path. An empty path
// creates an in-memory index. A corrupt index is removed and recreated.
func NewBleveTextIndex(path string) (*BleveTextIndex, error) {
	im, err := newItemMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		idx, err = bleve.Open(path)
		switch {
		case err == bleve.ErrorIndexPathDoesNotExist:
			idx, err = bleve.New(path, im)
		case err != nil:
			slog.Warn("bleve_index_open_failed", slog.String("path", path), slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("bleve index unreadable and cannot clear: %w (original: %v)", rmErr, err)
			}
			slog.Warn("bleve_index_cleared", slog.String("path", path), slog.String("reason", "open failed, reindex required"))
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open bleve index: %w", err)
	}

	return &BleveTextIndex{index: idx, path: path}, nil
}

func newItemMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(menuAnalyzerName, map[string]any{
		"type":          custom.Name,
		"tokenizer":     menuTokenizerName,
		"token_filters": []string{menuStopFilterName},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	im.DefaultAnalyzer = menuAnalyzerName
	return im, nil
}

// Index adds or replaces items.
func (b *BleveTextIndex) Index(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	for _, it := range items {
		doc := bleveItem{Title: it.Title, Content: it.Content + " " + strings.Join(it.Tags, " ")}
		if err := batch.Index(it.ID, doc); err != nil {
			return fmt.Errorf("failed to index item %s: %w", it.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search returns IDs and BM25 scores. Title matches are boosted 2x.
// Hits carry no title or payload; callers hydrate them.
func (b *BleveTextIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []Hit{}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	title := bleve.NewMatchQuery(query)
	title.SetField("title")
	title.SetBoost(2.0)
	content := bleve.NewMatchQuery(query)
	content.SetField("content")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(title, content))
	req.Size = limit
	req.SortBy([]string{"-_score", "_id"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ItemID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Delete removes items by ID.
func (b *BleveTextIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}
	return nil
}

// Count returns the number of indexed items.
func (b *BleveTextIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	n, _ := b.index.DocCount()
	return int(n)
}

// Close closes the index. Idempotent.
func (b *BleveTextIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func menuTokenizerConstructor(_ map[string]any, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &menuTokenizer{}, nil
}

// menuTokenizer adapts Tokenize to Bleve. Offsets are best effort; the index
// does not store term vectors that depend on them.
type menuTokenizer struct{}

func (t *menuTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := strings.ToLower(string(input))
	tokens := Tokenize(text)

	stream := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for i, tok := range tokens {
		start := offset
		if at := strings.Index(text[offset:], tok); at >= 0 {
			start = offset + at
		}
		end := start + len(tok)
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
		if end <= len(text) {
			offset = end
		}
	}
	return stream
}

func menuStopFilterConstructor(_ map[string]any, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &menuStopFilter{stopWords: BuildStopWordMap(DefaultStopWords)}, nil
}

type menuStopFilter struct {
	stopWords map[string]struct{}
}

func (f *menuStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, stop := f.stopWords[string(tok.Term)]; !stop {
			out = append(out, tok)
		}
	}
	return out
}
