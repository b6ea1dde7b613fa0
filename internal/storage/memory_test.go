package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

func sampleRecord(id string, started time.Time) *voice.CallRecord {
	return &voice.CallRecord{
		CallID:         id,
		ProviderCallID: "CA-" + id,
		Provider:       voice.ProviderTwilio,
		Direction:      voice.DirectionOutbound,
		State:          voice.StateActive,
		From:           "+15550000000",
		To:             "+15551234567",
		StartedAt:      started,
		Transcript: []voice.TranscriptEntry{
			{Timestamp: started, Speaker: voice.SpeakerUser, Text: "hello", IsFinal: true},
		},
		ProcessedEventIDs: []string{"e1"},
	}
}

// exerciseCallStore runs the behavior every backend must share.
func exerciseCallStore(t *testing.T, store CallStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)

	if _, err := store.GetCall(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCall(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.SaveCall(ctx, &voice.CallRecord{}); err == nil {
		t.Fatal("SaveCall without id should fail")
	}

	first := sampleRecord("c1", base)
	second := sampleRecord("c2", base.Add(time.Minute))
	for _, r := range []*voice.CallRecord{first, second} {
		if err := store.SaveCall(ctx, r); err != nil {
			t.Fatalf("SaveCall(%s) error = %v", r.CallID, err)
		}
	}

	ended := base.Add(30 * time.Minute)
	first.State = voice.StateCompleted
	first.EndReason = voice.EndReasonCompleted
	first.EndedAt = &ended
	if err := store.SaveCall(ctx, first); err != nil {
		t.Fatalf("SaveCall(update) error = %v", err)
	}

	got, err := store.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if got.State != voice.StateCompleted || got.EndedAt == nil || len(got.Transcript) != 1 {
		t.Fatalf("GetCall() = %+v", got)
	}
	if got.Transcript[0].Text != "hello" || got.ProcessedEventIDs[0] != "e1" {
		t.Fatalf("round trip lost data: %+v", got)
	}

	list, err := store.ListCalls(ctx, 10)
	if err != nil {
		t.Fatalf("ListCalls() error = %v", err)
	}
	if len(list) != 2 || list[0].CallID != "c2" {
		t.Fatalf("ListCalls() order = %v", ids(list))
	}

	n, err := store.PruneEnded(ctx, ended.Add(time.Second))
	if err != nil {
		t.Fatalf("PruneEnded() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PruneEnded() = %d, want 1", n)
	}
	if _, err := store.GetCall(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned call still present: %v", err)
	}
	if _, err := store.GetCall(ctx, "c2"); err != nil {
		t.Fatalf("live call pruned: %v", err)
	}
}

func ids(records []*voice.CallRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.CallID)
	}
	return out
}

func TestMemoryCallStore(t *testing.T) {
	exerciseCallStore(t, NewMemoryCallStore())
}

func TestMemoryCallStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryCallStore()
	ctx := context.Background()
	_ = store.SaveCall(ctx, sampleRecord("c1", time.Now()))

	got, _ := store.GetCall(ctx, "c1")
	got.Transcript[0].Text = "mutated"

	again, _ := store.GetCall(ctx, "c1")
	if again.Transcript[0].Text != "hello" {
		t.Fatal("store handed out shared state")
	}
}

func TestOpen_Drivers(t *testing.T) {
	set, err := Open(context.Background(), Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := set.Calls.(*MemoryCallStore); !ok {
		t.Fatalf("Open(memory) = %T", set.Calls)
	}
	if err := set.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := Open(context.Background(), Config{Driver: "mongo"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}
