package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PoolConfig configures connection pooling for Postgres and CockroachDB.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns default connection pool settings.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

var postgresCallQueries = callQueries{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS voice_calls (
			call_id TEXT PRIMARY KEY,
			provider_call_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT,
			record JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS voice_calls_started_at_idx ON voice_calls (started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS voice_calls_ended_at_idx ON voice_calls (ended_at)`,
	},
	upsert: `INSERT INTO voice_calls (call_id, provider_call_id, state, started_at, ended_at, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE SET
			provider_call_id = EXCLUDED.provider_call_id,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`,
	get:   `SELECT record FROM voice_calls WHERE call_id = $1`,
	list:  `SELECT record FROM voice_calls ORDER BY started_at DESC LIMIT $1`,
	prune: `DELETE FROM voice_calls WHERE ended_at IS NOT NULL AND ended_at < $1`,
}

// NewPostgresStoresFromDSN opens a Postgres (or CockroachDB) backed store
// and creates its table if needed.
func NewPostgresStoresFromDSN(ctx context.Context, dsn string, config *PoolConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	store := newSQLCallStore(db, postgresCallQueries)
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	return StoreSet{Calls: store, closer: db.Close}, nil
}
