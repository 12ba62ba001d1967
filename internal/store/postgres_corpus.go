package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresCorpus implements KeywordBackend on PostgreSQL: ILIKE for exact
// matches, ts_rank over a generated tsvector for full-text, and pg_trgm
// similarity for fuzzy matches.
type PostgresCorpus struct {
	db *sql.DB
}

var _ KeywordBackend = (*PostgresCorpus)(nil)

// OpenPostgres opens a pgx-backed *sql.DB and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// NewPostgresCorpus wraps an open database. Call EnsureSchema before use.
func NewPostgresCorpus(db *sql.DB) *PostgresCorpus {
	return &PostgresCorpus{db: db}
}

// schemaLockKey serializes schema bootstrap across concurrent processes.
const schemaLockKey int64 = 2026101601

// EnsureSchema creates the items table, its indexes and the pg_trgm extension.
func (p *PostgresCorpus) EnsureSchema(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const ddl = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS items (
	item_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	search_vector tsvector GENERATED ALWAYS AS (
		setweight(to_tsvector('simple', title), 'A') ||
		setweight(to_tsvector('simple', content || ' ' || tags), 'B')
	) STORED,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_search_vector ON items USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_items_title_trgm ON items USING GIN (title gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_items_content_trgm ON items USING GIN (content gin_trgm_ops);
`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Name implements KeywordBackend.
func (p *PostgresCorpus) Name() string { return "postgres" }

// Upsert implements KeywordBackend.
func (p *PostgresCorpus) Upsert(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO items (item_id, kind, title, content, tags, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (item_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	tags = EXCLUDED.tags,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at`

	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", it.ID, err)
		}
		updated := it.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, q, it.ID, it.Kind, it.Title, it.Content,
			strings.Join(it.Tags, " "), payload, updated); err != nil {
			return fmt.Errorf("upsert item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// Delete implements KeywordBackend.
func (p *PostgresCorpus) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM items WHERE item_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

// Count implements KeywordBackend.
func (p *PostgresCorpus) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// GetItems implements ItemStore.
func (p *PostgresCorpus) GetItems(ctx context.Context, ids []string) (map[string]*Item, error) {
	out := make(map[string]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT item_id, kind, title, content, tags, payload FROM items WHERE item_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		var tags string
		var payload []byte
		if err := rows.Scan(&it.ID, &it.Kind, &it.Title, &it.Content, &tags, &payload); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Tags = strings.Fields(tags)
		it.Payload = decodePayload(it.ID, payload)
		out[it.ID] = &it
	}
	return out, rows.Err()
}

// Exact implements KeywordBackend.
func (p *PostgresCorpus) Exact(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := strings.TrimSpace(query)
	if q == "" || limit <= 0 {
		return []Hit{}, nil
	}
	pattern := "%" + escapeLike(q) + "%"

	rows, err := p.db.QueryContext(ctx, `
SELECT item_id, title, payload,
	CASE
		WHEN lower(title) = lower($1) THEN $3::float8
		WHEN title ILIKE $2 THEN $4::float8
		ELSE $5::float8
	END AS score
FROM items
WHERE title ILIKE $2 OR content ILIKE $2 OR tags ILIKE $2
ORDER BY score DESC, item_id ASC
LIMIT $6`, q, pattern, ExactTitleScore, TitleSubstringScore, FieldSubstringScore, limit)
	if err != nil {
		return nil, fmt.Errorf("exact query: %w", err)
	}
	return scanHits(rows)
}

// FullText implements KeywordBackend with ts_rank over the weighted tsvector.
func (p *PostgresCorpus) FullText(ctx context.Context, query string, limit int) ([]Hit, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 || limit <= 0 {
		return []Hit{}, nil
	}
	// OR the prefix-matched tokens; tokens are letters and digits only.
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = t + ":*"
	}

	rows, err := p.db.QueryContext(ctx, `
SELECT item_id, title, payload, ts_rank(search_vector, q) AS score
FROM items, to_tsquery('simple', $1) AS q
WHERE search_vector @@ q
ORDER BY score DESC, item_id ASC
LIMIT $2`, strings.Join(terms, " | "), limit)
	if err != nil {
		return nil, fmt.Errorf("full-text query: %w", err)
	}
	return scanHits(rows)
}

// Trigram implements KeywordBackend with pg_trgm.
func (p *PostgresCorpus) Trigram(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := strings.TrimSpace(query)
	if q == "" || limit <= 0 {
		return []Hit{}, nil
	}

	rows, err := p.db.QueryContext(ctx, `
SELECT item_id, title, payload,
	GREATEST(similarity(title, $1), word_similarity($1, content)) AS score
FROM items
WHERE GREATEST(similarity(title, $1), word_similarity($1, content)) >= $2
ORDER BY score DESC, item_id ASC
LIMIT $3`, q, MinTrigramSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("trigram query: %w", err)
	}
	return scanHits(rows)
}

// Close closes the database.
func (p *PostgresCorpus) Close() error {
	return p.db.Close()
}
