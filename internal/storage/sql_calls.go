package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

var errInvalidRecord = errors.New("call record requires a call id")

// callQueries holds the dialect-specific statements for voice_calls.
type callQueries struct {
	schema []string
	upsert string
	get    string
	list   string
	prune  string
}

// sqlCallStore stores each record as a JSON document next to the columns
// used for lookups and retention.
type sqlCallStore struct {
	db *sql.DB
	q  callQueries
}

func newSQLCallStore(db *sql.DB, q callQueries) *sqlCallStore {
	return &sqlCallStore{db: db, q: q}
}

func (s *sqlCallStore) migrate(ctx context.Context) error {
	for _, stmt := range s.q.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate voice_calls: %w", err)
		}
	}
	return nil
}

func (s *sqlCallStore) SaveCall(ctx context.Context, record *voice.CallRecord) error {
	if record == nil || record.CallID == "" {
		return errInvalidRecord
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}
	var endedAt sql.NullInt64
	if record.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: record.EndedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.q.upsert,
		record.CallID,
		record.ProviderCallID,
		string(record.State),
		record.StartedAt.UnixMilli(),
		endedAt,
		string(doc),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *sqlCallStore) GetCall(ctx context.Context, callID string) (*voice.CallRecord, error) {
	if callID == "" {
		return nil, ErrNotFound
	}
	var doc []byte
	if err := s.db.QueryRowContext(ctx, s.q.get, callID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return decodeCall(doc)
}

func (s *sqlCallStore) ListCalls(ctx context.Context, limit int) ([]*voice.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q.list, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*voice.CallRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		record, err := decodeCall(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

func (s *sqlCallStore) PruneEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.prune, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return n, nil
}

func decodeCall(doc []byte) (*voice.CallRecord, error) {
	var record voice.CallRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("unmarshal call: %w", err)
	}
	return &record, nil
}
