package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteCallQueries = callQueries{
	schema: []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS voice_calls (
			call_id TEXT PRIMARY KEY,
			provider_call_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			record TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS voice_calls_started_at_idx ON voice_calls (started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS voice_calls_ended_at_idx ON voice_calls (ended_at)`,
	},
	upsert: `INSERT INTO voice_calls (call_id, provider_call_id, state, started_at, ended_at, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			provider_call_id = excluded.provider_call_id,
			state = excluded.state,
			ended_at = excluded.ended_at,
			record = excluded.record,
			updated_at = excluded.updated_at`,
	get:   `SELECT record FROM voice_calls WHERE call_id = ?`,
	list:  `SELECT record FROM voice_calls ORDER BY started_at DESC LIMIT ?`,
	prune: `DELETE FROM voice_calls WHERE ended_at IS NOT NULL AND ended_at < ?`,
}

// NewSQLiteStores opens a single-file SQLite store. SQLite allows one
// writer, so the pool is pinned to a single connection.
func NewSQLiteStores(ctx context.Context, path string) (StoreSet, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := newSQLCallStore(db, sqliteCallQueries)
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	return StoreSet{Calls: store, closer: db.Close}, nil
}
