package toolcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS tool_cache (
	key         TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	tools       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
)`

// SQLiteStore keeps entries in a SQLite database so they survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the cache database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("toolcache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("toolcache: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e       Entry
		raw     string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, tools, updated_at FROM tool_cache WHERE key = ?`, key,
	).Scan(&e.Fingerprint, &raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("toolcache: load %s: %w", key, err)
	}
	var tools []*mcp.Tool
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return Entry{}, false, fmt.Errorf("toolcache: decode %s: %w", key, err)
	}
	e.Tools = tools
	e.UpdatedAt = time.UnixMilli(updated)
	return e, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e.Tools)
	if err != nil {
		return fmt.Errorf("toolcache: encode %s: %w", key, err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_cache (key, fingerprint, tools, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET fingerprint = excluded.fingerprint, tools = excluded.tools, updated_at = excluded.updated_at`,
		key, e.Fingerprint, string(raw), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("toolcache: save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("toolcache: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
