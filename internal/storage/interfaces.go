// Package storage persists call records so they outlive the process.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

// ErrNotFound is returned when a call id has no stored record.
var ErrNotFound = voice.ErrCallNotFound

// CallStore persists call records and prunes old ones.
type CallStore interface {
	voice.CallStore

	// PruneEnded deletes records of calls that ended before cutoff.
	PruneEnded(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Calls  CallStore
	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a store backend.
type Config struct {
	Driver string
	DSN    string
	Pool   *PoolConfig
}

// Open builds the store set for the configured driver.
func Open(ctx context.Context, cfg Config) (StoreSet, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "voicecall.db"
		}
		return NewSQLiteStores(ctx, dsn)
	case DriverPostgres, "cockroach":
		return NewPostgresStoresFromDSN(ctx, cfg.DSN, cfg.Pool)
	case DriverMemory:
		return StoreSet{Calls: NewMemoryCallStore()}, nil
	default:
		return StoreSet{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
