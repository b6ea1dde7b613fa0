package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/voicecall/internal/voice"
)

func eventsBody(t *testing.T, events ...voice.CallEvent) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		t.Fatalf("marshal events: %v", err)
	}
	return string(data)
}

func postWebhook(env *testEnv, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/voice/webhook", strings.NewReader(body))
	for key, values := range header {
		req.Header[key] = values
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsNonPost(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/voice/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxBodyBytes = 16 })
	rec := postWebhook(env, strings.Repeat("x", 64), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestWebhookBodyTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.BodyTimeout = 30 * time.Millisecond })

	pr, pw := io.Pipe()
	defer pw.Close()
	req := httptest.NewRequest(http.MethodPost, "/voice/webhook", pr)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
}

func TestWebhookVerificationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.Secret = "s3cret"

	rec := postWebhook(env, `{"events":[]}`, http.Header{"X-Mock-Secret": {"wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = postWebhook(env, `{"events":[]}`, http.Header{"X-Mock-Secret": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookParseFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := postWebhook(env, `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookInboundConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Now()
	body := eventsBody(t,
		voice.CallEvent{ID: "ev-1", ProviderCallID: "CA100", Type: voice.EventCallInitiated,
			Direction: voice.DirectionInbound, From: "+15557654321", To: "+15550000000", Timestamp: now},
		voice.CallEvent{ID: "ev-2", ProviderCallID: "CA100", Type: voice.EventCallAnswered, Timestamp: now},
		voice.CallEvent{ID: "ev-3", ProviderCallID: "CA100", Type: voice.EventCallSpeech,
			Transcript: "I would like to reschedule my appointment", IsFinal: true, Timestamp: now},
	)

	rec := postWebhook(env, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if got := rec.Body.String(); got != `{"ok":true}` {
		t.Fatalf("body = %q", got)
	}

	record, ok := env.manager.GetCallByProviderCallID("CA100")
	if !ok {
		t.Fatal("inbound call not tracked")
	}
	if record.State != voice.StateAnswered {
		t.Fatalf("state = %s, want answered", record.State)
	}
	waitFor(t, "reply", spoke(env.provider, "Sure, I can help with that."))
	env.srv.inflight.Wait()

	if got := testutil.ToFloat64(env.metrics.CallsStarted.WithLabelValues("inbound")); got != 1 {
		t.Fatalf("inbound calls started = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.WebhookRequests.WithLabelValues("mock", "200")); got != 1 {
		t.Fatalf("webhook requests = %v, want 1", got)
	}

	// Redelivery is absorbed without a second reply.
	rec = postWebhook(env, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	env.srv.inflight.Wait()
	record, _ = env.manager.GetCallByProviderCallID("CA100")
	users := 0
	for _, entry := range record.Transcript {
		if entry.Speaker == voice.SpeakerUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("user transcript entries = %d, want 1", users)
	}
	if n := env.responder.count(); n != 1 {
		t.Fatalf("responder called %d times, want 1", n)
	}
}

func TestWebhookRejectedInboundStillResponds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.SetInboundPolicy(voice.InboundDisabled, nil)

	body := eventsBody(t, voice.CallEvent{
		ID: "ev-1", ProviderCallID: "CA200", Type: voice.EventCallInitiated,
		Direction: voice.DirectionInbound, From: "+15557654321",
	})
	rec := postWebhook(env, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := env.manager.GetCallByProviderCallID("CA200"); ok {
		t.Fatal("rejected call should not be tracked")
	}
	if got := env.provider.HangupCount(); got != 1 {
		t.Fatalf("hangups = %d, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.EventsProcessed.WithLabelValues("call.initiated", "rejected")); got != 1 {
		t.Fatalf("rejected events = %v, want 1", got)
	}
}

func TestWebhookTerminalEventMarksDisconnected(t *testing.T) {
	env := newTestEnv(t, nil)
	callID, providerCallID := env.answeredCall(t, voice.ModeConversation)
	before := env.srv.currentGeneration(callID)

	body := eventsBody(t, voice.CallEvent{
		ID: "ev-end", ProviderCallID: providerCallID, Type: voice.EventCallEnded,
		Reason: voice.EndReasonHangupUser,
	})
	if rec := postWebhook(env, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !env.disconnected(callID) {
		t.Fatal("call should be marked disconnected")
	}
	if env.srv.currentGeneration(callID) <= before {
		t.Fatal("generation should advance on hangup")
	}
}

// plainProvider leaves the webhook response to the server's defaults.
type plainProvider struct {
	*voice.MockProvider
}

func (p plainProvider) ParseWebhook(wc *voice.WebhookContext) (*voice.WebhookParseResult, error) {
	parsed, err := p.MockProvider.ParseWebhook(wc)
	if err != nil {
		return nil, err
	}
	return &voice.WebhookParseResult{Events: parsed.Events}, nil
}

func TestWebhookDefaultResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.cfg.Provider = plainProvider{env.provider}

	rec := postWebhook(env, `{"events":[]}`, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("response = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}
}

func TestRequestURLPrefersPublicURL(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.PublicURL = "https://voice.example.com/" })
	req := httptest.NewRequest(http.MethodPost, "http://10.0.0.5:3334/voice/webhook?callId=abc", nil)
	if got := env.srv.requestURL(req); got != "https://voice.example.com/voice/webhook?callId=abc" {
		t.Fatalf("requestURL = %q", got)
	}

	env.srv.cfg.PublicURL = ""
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := env.srv.requestURL(req); got != "https://10.0.0.5:3334/voice/webhook?callId=abc" {
		t.Fatalf("requestURL = %q", got)
	}
}

func TestProcessBatchSkipsUnknownCalls(t *testing.T) {
	env := newTestEnv(t, nil)
	callID, providerCallID := env.answeredCall(t, voice.ModeConversation)

	env.srv.processBatch(context.Background(), []voice.CallEvent{
		{ID: "ev-a", ProviderCallID: "unknown", Type: voice.EventCallSpeech, Transcript: "hello there friend", IsFinal: true},
		{ID: "ev-b", ProviderCallID: providerCallID, Type: voice.EventCallDTMF, Digits: "5"},
	})

	record, _ := env.manager.GetCall(callID)
	if got := record.Metadata[voice.MetaLastDigits]; got != "5" {
		t.Fatalf("last digits = %v, want 5", got)
	}
}

func TestProcessBatchTerminalForUnknownCallKeepsNoState(t *testing.T) {
	env := newTestEnv(t, nil)

	env.srv.processBatch(context.Background(), []voice.CallEvent{
		{ID: "ev-end", CallID: "ghost", ProviderCallID: "CAghost", Type: voice.EventCallEnded},
	})

	env.srv.respMu.Lock()
	n := len(env.srv.calls)
	env.srv.respMu.Unlock()
	if n != 0 {
		t.Fatalf("reply state entries = %d, want 0", n)
	}
}

func TestProcessBatchConcurrentRedeliveryRepliesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	callID, providerCallID := env.answeredCall(t, voice.ModeConversation)
	speech := voice.CallEvent{
		ID: "ev-speech", ProviderCallID: providerCallID, Type: voice.EventCallSpeech,
		Transcript: "Can you move my delivery to Friday", IsFinal: true,
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.srv.processBatch(context.Background(), []voice.CallEvent{speech})
		}()
	}
	wg.Wait()
	env.srv.inflight.Wait()

	if n := env.responder.count(); n != 1 {
		t.Fatalf("responder called %d times, want 1", n)
	}
	record, _ := env.manager.GetCall(callID)
	users := 0
	for _, entry := range record.Transcript {
		if entry.Speaker == voice.SpeakerUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("user transcript entries = %d, want 1", users)
	}
	if got := testutil.ToFloat64(env.metrics.EventsProcessed.WithLabelValues("call.speech", "ignored")); got != 3 {
		t.Fatalf("ignored speech events = %v, want 3", got)
	}
}
