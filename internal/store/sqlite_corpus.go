package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)
)

// SQLiteCorpus implements KeywordBackend on a single SQLite file:
// an items table for exact matching, an FTS5 unicode61 table for full-text
// ranking and an FTS5 trigram table used to prefilter fuzzy matches.
type SQLiteCorpus struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	closed    bool
	stopWords map[string]struct{}
}

var _ KeywordBackend = (*SQLiteCorpus)(nil)

// SQLiteConfig tunes the SQLite connection.
type SQLiteConfig struct {
	CacheMB   int
	StopWords []string
}

// validateSQLiteIntegrity checks an existing database before it is opened.
// A missing file is valid (it will be created).
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteCorpus opens (or creates) the corpus at path. An empty path
// opens an in-memory database.
func NewSQLiteCorpus(path string, cfg SQLiteConfig) (*SQLiteCorpus, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("sqlite_corpus_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("corpus corrupted at %s and cannot remove: %w (original error: %v)", path, err, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			slog.Warn("sqlite_corpus_cleared", slog.String("path", path), slog.String("reason", "corruption detected, reindex required"))
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheMB := cfg.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	// modernc.org/sqlite ignores most DSN parameters, so pragmas are executed.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	stop := cfg.StopWords
	if stop == nil {
		stop = DefaultStopWords
	}
	c := &SQLiteCorpus{db: db, path: path, stopWords: BuildStopWordMap(stop)}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCorpus) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS items (
		item_id      TEXT PRIMARY KEY,
		kind         TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		tags         TEXT NOT NULL DEFAULT '',
		payload      TEXT NOT NULL DEFAULT '{}',
		title_fold   TEXT NOT NULL,
		content_fold TEXT NOT NULL DEFAULT '',
		tags_fold    TEXT NOT NULL DEFAULT '',
		updated_at   INTEGER NOT NULL DEFAULT 0
	);

	-- Tokenized copies: particles stripped, stop words removed.
	CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
		item_id UNINDEXED,
		title,
		content,
		tokenize='unicode61'
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS items_trigram USING fts5(
		item_id UNINDEXED,
		title,
		content,
		tokenize='trigram'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Name implements KeywordBackend.
func (c *SQLiteCorpus) Name() string { return "sqlite" }

// Upsert inserts or replaces items in all three tables in one transaction.
func (c *SQLiteCorpus) Upsert(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	itemStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO items
			(item_id, kind, title, content, tags, payload, title_fold, content_fold, tags_fold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare item statement: %w", err)
	}
	defer itemStmt.Close()

	// FTS5 tables do not support REPLACE, so rows are deleted first.
	var stmts [4]*sql.Stmt
	for i, q := range []string{
		`DELETE FROM items_fts WHERE item_id = ?`,
		`INSERT INTO items_fts(item_id, title, content) VALUES (?, ?, ?)`,
		`DELETE FROM items_trigram WHERE item_id = ?`,
		`INSERT INTO items_trigram(item_id, title, content) VALUES (?, ?, ?)`,
	} {
		if stmts[i], err = tx.PrepareContext(ctx, q); err != nil {
			return fmt.Errorf("failed to prepare FTS statement: %w", err)
		}
		defer stmts[i].Close()
	}

	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", it.ID, err)
		}
		tags := strings.Join(it.Tags, " ")

		if _, err := itemStmt.ExecContext(ctx,
			it.ID, it.Kind, it.Title, it.Content, tags, string(payload),
			strings.ToLower(it.Title), strings.ToLower(it.Content), strings.ToLower(tags),
			it.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to store item %s: %w", it.ID, err)
		}

		ftsTitle := strings.Join(FilterStopWords(Tokenize(it.Title), c.stopWords), " ")
		ftsContent := strings.Join(FilterStopWords(Tokenize(it.Content+" "+tags), c.stopWords), " ")
		if _, err := stmts[0].ExecContext(ctx, it.ID); err != nil {
			return fmt.Errorf("failed to clear fts row %s: %w", it.ID, err)
		}
		if _, err := stmts[1].ExecContext(ctx, it.ID, ftsTitle, ftsContent); err != nil {
			return fmt.Errorf("failed to index fts row %s: %w", it.ID, err)
		}
		if _, err := stmts[2].ExecContext(ctx, it.ID); err != nil {
			return fmt.Errorf("failed to clear trigram row %s: %w", it.ID, err)
		}
		if _, err := stmts[3].ExecContext(ctx, it.ID, strings.ToLower(it.Title), strings.ToLower(it.Content)); err != nil {
			return fmt.Errorf("failed to index trigram row %s: %w", it.ID, err)
		}
	}

	return tx.Commit()
}

// Delete removes items from all tables.
func (c *SQLiteCorpus) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inClause, args := placeholders(ids)
	for _, table := range []string{"items", "items_fts", "items_trigram"} {
		q := fmt.Sprintf("DELETE FROM %s WHERE item_id IN (%s)", table, inClause)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of items.
func (c *SQLiteCorpus) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}

	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// GetItems loads items by ID.
func (c *SQLiteCorpus) GetItems(ctx context.Context, ids []string) (map[string]*Item, error) {
	out := make(map[string]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	inClause, args := placeholders(ids)
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT item_id, kind, title, content, tags, payload FROM items WHERE item_id IN (%s)`, inClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		var tags, payload string
		if err := rows.Scan(&it.ID, &it.Kind, &it.Title, &it.Content, &tags, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.Tags = strings.Fields(tags)
		it.Payload = decodePayload(it.ID, []byte(payload))
		out[it.ID] = &it
	}
	return out, rows.Err()
}

// Exact implements KeywordBackend.
func (c *SQLiteCorpus) Exact(ctx context.Context, query string, limit int) ([]Hit, error) {
	folded := strings.ToLower(strings.TrimSpace(query))
	if folded == "" || limit <= 0 {
		return []Hit{}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	pattern := "%" + escapeLike(folded) + "%"
	rows, err := c.db.QueryContext(ctx, `
		SELECT item_id, title, payload,
			CASE
				WHEN title_fold = ? THEN ?
				WHEN title_fold LIKE ? ESCAPE '\' THEN ?
				ELSE ?
			END AS score
		FROM items
		WHERE title_fold LIKE ? ESCAPE '\'
		   OR content_fold LIKE ? ESCAPE '\'
		   OR tags_fold LIKE ? ESCAPE '\'
		ORDER BY score DESC, item_id ASC
		LIMIT ?`,
		folded, ExactTitleScore, pattern, TitleSubstringScore, FieldSubstringScore,
		pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("exact query failed: %w", err)
	}
	return scanHits(rows)
}

// FullText implements KeywordBackend using FTS5 bm25(), negated so higher is better.
// Title matches weigh twice as much as content matches.
func (c *SQLiteCorpus) FullText(ctx context.Context, query string, limit int) ([]Hit, error) {
	tokens := FilterStopWords(Tokenize(query), c.stopWords)
	if len(tokens) == 0 || limit <= 0 {
		return []Hit{}, nil
	}

	// Prefix match each token, OR-combined so partial overlaps still rank.
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	match := strings.Join(terms, " OR ")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT f.item_id, i.title, i.payload, -bm25(items_fts, 0.0, 2.0, 1.0) AS score
		FROM items_fts f
		JOIN items i ON i.item_id = f.item_id
		WHERE items_fts MATCH ?
		ORDER BY score DESC, f.item_id ASC
		LIMIT ?`, match, limit)
	if err != nil {
		// FTS5 rejects some inputs as syntax errors; that is an empty result.
		if isFTSSyntaxError(err) {
			return []Hit{}, nil
		}
		return nil, fmt.Errorf("full-text query failed: %w", err)
	}
	return scanHits(rows)
}

// trigramPrefilterFactor widens the FTS5 candidate set before trigram scoring.
const trigramPrefilterFactor = 5

// Trigram implements KeywordBackend. The FTS5 trigram index selects rows that
// share at least one trigram with the query; similarity is then scored in Go
// as max(similarity(title), coverage(content)).
func (c *SQLiteCorpus) Trigram(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return []Hit{}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	var rows *sql.Rows
	var err error
	grams := rawTrigrams(q)
	if len(grams) > 0 {
		terms := make([]string, len(grams))
		for i, g := range grams {
			terms[i] = `"` + g + `"`
		}
		rows, err = c.db.QueryContext(ctx, `
			SELECT t.item_id, i.title, i.content, i.payload
			FROM items_trigram t
			JOIN items i ON i.item_id = t.item_id
			WHERE items_trigram MATCH ?
			ORDER BY bm25(items_trigram)
			LIMIT ?`, strings.Join(terms, " OR "), limit*trigramPrefilterFactor)
	} else {
		// Queries under three runes have no FTS5 trigrams; fall back to a scan.
		pattern := "%" + escapeLike(q) + "%"
		rows, err = c.db.QueryContext(ctx, `
			SELECT item_id, title, content, payload FROM items
			WHERE title_fold LIKE ? ESCAPE '\' OR content_fold LIKE ? ESCAPE '\'
			LIMIT ?`, pattern, pattern, limit*trigramPrefilterFactor)
	}
	if err != nil {
		if isFTSSyntaxError(err) {
			return []Hit{}, nil
		}
		return nil, fmt.Errorf("trigram query failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, title, content, payload string
		if err := rows.Scan(&id, &title, &content, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan trigram row: %w", err)
		}
		score := max(TrigramSimilarity(q, title), TrigramCoverage(q, content))
		if score < MinTrigramSimilarity {
			continue
		}
		hits = append(hits, Hit{ItemID: id, Title: title, Score: score, Payload: decodePayload(id, []byte(payload))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ItemID < hits[j].ItemID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (c *SQLiteCorpus) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

func scanHits(rows *sql.Rows) ([]Hit, error) {
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		var payload []byte
		if err := rows.Scan(&h.ItemID, &h.Title, &payload, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Payload = decodePayload(h.ItemID, payload)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// decodePayload never fails the query: an unreadable payload becomes empty.
func decodePayload(id string, data []byte) Payload {
	if len(data) == 0 {
		return Payload{}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("payload_decode_failed", slog.String("item_id", id), slog.String("error", err.Error()))
		return Payload{}
	}
	if p == nil {
		p = Payload{}
	}
	return p
}

func isFTSSyntaxError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5:") || strings.Contains(msg, "syntax error")
}

func placeholders(ids []string) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return strings.Join(ph, ","), args
}
