package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

// MemoryCallStore keeps records in process memory.
type MemoryCallStore struct {
	mu    sync.RWMutex
	calls map[string]*voice.CallRecord
}

// NewMemoryCallStore creates an empty in-memory store.
func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{calls: make(map[string]*voice.CallRecord)}
}

func (s *MemoryCallStore) SaveCall(ctx context.Context, record *voice.CallRecord) error {
	if record == nil || record.CallID == "" {
		return errInvalidRecord
	}
	s.mu.Lock()
	s.calls[record.CallID] = record.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryCallStore) GetCall(ctx context.Context, callID string) (*voice.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// ListCalls returns the newest calls first.
func (s *MemoryCallStore) ListCalls(ctx context.Context, limit int) ([]*voice.CallRecord, error) {
	s.mu.RLock()
	out := make([]*voice.CallRecord, 0, len(s.calls))
	for _, record := range s.calls {
		out = append(out, record.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCallStore) PruneEnded(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, record := range s.calls {
		if record.EndedAt != nil && record.EndedAt.Before(cutoff) {
			delete(s.calls, id)
			n++
		}
	}
	return n, nil
}
