package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS market_snapshots (
    market_id TEXT PRIMARY KEY,
    payload   TEXT     NOT NULL,
    saved_at  INTEGER  NOT NULL -- unix millis
);
`

// SQLiteCache keeps snapshots in a local SQLite file (pure Go driver).
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (or creates) the cache database at path. Use
// ":memory:" for a throwaway cache.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache.NewSQLiteCache: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache.NewSQLiteCache: apply schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// Get returns the stored entry for id or ErrMiss.
func (c *SQLiteCache) Get(ctx context.Context, id domain.MarketID) (Entry, error) {
	var payload string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM market_snapshots WHERE market_id = ?`, string(id),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache.SQLiteCache.Get %s: %w", id, err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, fmt.Errorf("cache.SQLiteCache.Get %s: decode: %w", id, err)
	}
	return e, nil
}

// Put upserts the entry for id. A zero SavedAt is stamped with the current
// time.
func (c *SQLiteCache) Put(ctx context.Context, id domain.MarketID, e Entry) error {
	if e.SavedAt.IsZero() {
		e.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache.SQLiteCache.Put %s: encode: %w", id, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (market_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		string(id), string(payload), e.SavedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache.SQLiteCache.Put %s: %w", id, err)
	}
	return nil
}

// Prune deletes entries saved before cutoff and returns how many went.
func (c *SQLiteCache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM market_snapshots WHERE saved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache.SQLiteCache.Prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

var _ SnapshotCache = (*SQLiteCache)(nil)
