// Package corpus loads recipe and restaurant items and writes them into the
// keyword backend, the optional text index and the vector index.
package corpus

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	kerrors "github.com/ketolab/ketorank/internal/errors"
	"github.com/ketolab/ketorank/internal/store"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 4 * 1024 * 1024

// LineError describes a record that was skipped.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// LoadResult is the outcome of reading a JSONL corpus.
type LoadResult struct {
	// Items in file order; a repeated ID keeps its last occurrence.
	Items   []*store.Item
	Skipped []LineError
}

// LoadFile reads a JSONL corpus from path.
func LoadFile(path string) (*LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerrors.IOError(fmt.Sprintf("cannot open corpus file %s", path), err).
			WithSuggestion("Check the path passed to 'ketorank index'")
	}
	defer f.Close()
	return Load(f)
}

// Load reads one item per line. Blank lines are ignored; malformed or invalid
// records are reported in Skipped and do not stop the load.
func Load(r io.Reader) (*LoadResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	res := &LoadResult{}
	index := make(map[string]int)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var it store.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			res.Skipped = append(res.Skipped, LineError{Line: line, Err: err})
			continue
		}
		if it.Kind == "" {
			it.Kind = store.KindRecipe
		}
		if err := it.Validate(); err != nil {
			res.Skipped = append(res.Skipped, LineError{Line: line, Err: err})
			continue
		}

		if i, dup := index[it.ID]; dup {
			res.Items[i] = &it
			continue
		}
		index[it.ID] = len(res.Items)
		res.Items = append(res.Items, &it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus at line %d: %w", line+1, err)
	}
	return res, nil
}
