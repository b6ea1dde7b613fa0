package cues

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	kinds []Kind
}

func (r *recorder) speak(_ context.Context, kind Kind, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recorder) spoken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func ptr(s string) *string { return &s }

func TestResolvePlan(t *testing.T) {
	plan := ResolvePlan(Config{Enabled: true})
	if plan.Acknowledgement != DefaultAcknowledgement || plan.Progress != DefaultProgress || plan.ProgressDelay != DefaultProgressDelay {
		t.Fatalf("defaults = %+v", plan)
	}

	plan = ResolvePlan(Config{Enabled: true, Acknowledgement: ptr("  "), Progress: ptr(" Hang on. "), ProgressDelay: time.Second})
	if plan.Acknowledgement != "" {
		t.Fatalf("blank acknowledgement should disable it, got %q", plan.Acknowledgement)
	}
	if plan.Progress != "Hang on." || plan.ProgressDelay != time.Second {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestController_AcknowledgementOnce(t *testing.T) {
	rec := &recorder{}
	c := NewController(ResolvePlan(Config{Enabled: true}), rec.speak, nil)

	for i := 0; i < 3; i++ {
		if err := c.MaybeSpeakAcknowledgement(context.Background()); err != nil {
			t.Fatalf("MaybeSpeakAcknowledgement() error = %v", err)
		}
	}
	if got := rec.spoken(); len(got) != 1 || got[0] != DefaultAcknowledgement {
		t.Fatalf("spoken = %v", got)
	}
	if rec.kinds[0] != KindAcknowledgement {
		t.Fatalf("kind = %q, want %q", rec.kinds[0], KindAcknowledgement)
	}
}

func TestController_Disabled(t *testing.T) {
	rec := &recorder{}
	c := NewController(ResolvePlan(Config{Enabled: false}), rec.speak, nil)
	_ = c.MaybeSpeakAcknowledgement(context.Background())
	c.ScheduleProgressCue(context.Background())
	if got := rec.spoken(); len(got) != 0 {
		t.Fatalf("disabled controller spoke %v", got)
	}
}

func TestController_ProgressFires(t *testing.T) {
	rec := &recorder{}
	c := NewController(ResolvePlan(Config{Enabled: true, Acknowledgement: ptr(""), ProgressDelay: 10 * time.Millisecond}), rec.speak, nil)

	c.ScheduleProgressCue(context.Background())
	c.ScheduleProgressCue(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.spoken()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if got := rec.spoken(); len(got) != 1 || got[0] != DefaultProgress {
		t.Fatalf("spoken = %v, want one progress cue", got)
	}
}

func TestController_SettleCancelsProgress(t *testing.T) {
	rec := &recorder{}
	c := NewController(ResolvePlan(Config{Enabled: true, ProgressDelay: 20 * time.Millisecond}), rec.speak, nil)

	c.ScheduleProgressCue(context.Background())
	c.Settle()
	c.Settle()
	time.Sleep(60 * time.Millisecond)

	if got := rec.spoken(); len(got) != 0 {
		t.Fatalf("settled controller spoke %v", got)
	}
	if err := c.MaybeSpeakAcknowledgement(context.Background()); err != nil || len(rec.spoken()) != 0 {
		t.Fatal("acknowledgement spoken after settle")
	}
}
