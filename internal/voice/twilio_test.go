package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/voicecall/internal/backoff"
)

func newTestTwilio(t *testing.T, mutate func(*TwilioConfig)) *TwilioProvider {
	t.Helper()
	cfg := TwilioConfig{
		AccountSID:  "AC123",
		AuthToken:   "token",
		PublicURL:   "https://voice.example.com",
		WebhookPath: "/voice/webhook",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewTwilioProvider(cfg)
	if err != nil {
		t.Fatalf("NewTwilioProvider() error = %v", err)
	}
	p.policy = backoff.BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 1}
	return p
}

func twilioSignature(token, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k + v)
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestNewTwilioProvider_RequiresCredentials(t *testing.T) {
	if _, err := NewTwilioProvider(TwilioConfig{AuthToken: "x"}); err == nil {
		t.Error("expected error without account SID")
	}
	if _, err := NewTwilioProvider(TwilioConfig{AccountSID: "AC1"}); err == nil {
		t.Error("expected error without auth token")
	}
}

func TestTwilioVerifyWebhook(t *testing.T) {
	p := newTestTwilio(t, nil)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "From": {"+15551234567"}}
	fullURL := "https://voice.example.com/voice/webhook?callId=abc"

	wc := &WebhookContext{
		Headers: map[string]string{"X-Twilio-Signature": twilioSignature("token", fullURL, form)},
		Body:    form.Encode(),
		URL:     fullURL,
	}
	if res := p.VerifyWebhook(wc); !res.OK {
		t.Fatalf("valid signature rejected: %s", res.Reason)
	}

	wc.Headers["X-Twilio-Signature"] = "bogus"
	if res := p.VerifyWebhook(wc); res.OK || res.Reason != "signature mismatch" {
		t.Fatalf("bogus signature result = %+v", res)
	}

	delete(wc.Headers, "X-Twilio-Signature")
	if res := p.VerifyWebhook(wc); res.OK || res.Reason != "missing signature" {
		t.Fatalf("missing signature result = %+v", res)
	}
}

func TestTwilioParseWebhook_StatusMapping(t *testing.T) {
	p := newTestTwilio(t, nil)

	tests := []struct {
		status    string
		direction string
		query     map[string]string
		wantType  EventType
		reason    EndReason
	}{
		{status: "initiated", direction: "outbound-api", query: map[string]string{"type": "status"}, wantType: EventCallInitiated},
		{status: "ringing", direction: "outbound-api", query: map[string]string{"type": "status"}, wantType: EventCallRinging},
		{status: "ringing", direction: "inbound", wantType: EventCallInitiated},
		{status: "in-progress", direction: "outbound-api", wantType: EventCallAnswered},
		{status: "completed", direction: "outbound-api", wantType: EventCallEnded, reason: EndReasonCompleted},
		{status: "busy", direction: "outbound-api", wantType: EventCallEnded, reason: EndReasonBusy},
		{status: "no-answer", direction: "outbound-api", wantType: EventCallEnded, reason: EndReasonNoAnswer},
		{status: "canceled", direction: "outbound-api", wantType: EventCallEnded, reason: EndReasonHangupBot},
	}
	for _, tt := range tests {
		form := url.Values{"CallSid": {"CA1"}, "CallStatus": {tt.status}, "Direction": {tt.direction}}
		res, err := p.ParseWebhook(&WebhookContext{Body: form.Encode(), Query: tt.query})
		if err != nil {
			t.Fatalf("%s: ParseWebhook() error = %v", tt.status, err)
		}
		if len(res.Events) != 1 {
			t.Fatalf("%s: events = %d", tt.status, len(res.Events))
		}
		ev := res.Events[0]
		if ev.Type != tt.wantType || ev.Reason != tt.reason {
			t.Errorf("%s/%s: got %s/%s, want %s/%s", tt.status, tt.direction, ev.Type, ev.Reason, tt.wantType, tt.reason)
		}
		if ev.ProviderCallID != "CA1" || ev.ID == "" {
			t.Errorf("%s: event ids = %q/%q", tt.status, ev.ProviderCallID, ev.ID)
		}
	}
}

func TestTwilioParseWebhook_SpeechAndIDs(t *testing.T) {
	p := newTestTwilio(t, nil)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}, "SpeechResult": {"what time is it"}, "Confidence": {"0.92"}}
	wc := &WebhookContext{Body: form.Encode(), Query: map[string]string{"callId": "internal-1"}}

	first, err := p.ParseWebhook(wc)
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	ev := first.Events[0]
	if ev.Type != EventCallSpeech || ev.Transcript != "what time is it" || !ev.IsFinal || ev.Confidence != 0.92 {
		t.Fatalf("speech event = %+v", ev)
	}
	if ev.CallID != "internal-1" {
		t.Fatalf("call id = %q", ev.CallID)
	}

	wc.Headers = map[string]string{"I-Twilio-Idempotency-Token": "tok-1"}
	second, _ := p.ParseWebhook(wc)
	third, _ := p.ParseWebhook(wc)
	if second.Events[0].ID != "twilio:tok-1" || third.Events[0].ID != second.Events[0].ID {
		t.Fatalf("idempotency ids = %q/%q", second.Events[0].ID, third.Events[0].ID)
	}

	status := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "Direction": {"outbound-api"}}
	statusWC := &WebhookContext{Body: status.Encode(), Query: map[string]string{"type": "status"}}
	a, _ := p.ParseWebhook(statusWC)
	b, _ := p.ParseWebhook(statusWC)
	if a.Events[0].ID != b.Events[0].ID {
		t.Fatal("status redelivery produced a different event id")
	}
}

func TestTwilioParseWebhook_RepeatedAnswersAreDistinct(t *testing.T) {
	p := newTestTwilio(t, nil)
	mgr, _ := newTestManager(t, nil)
	callID := mustInitiate(t, mgr, InitiateOptions{})
	record, _ := mgr.GetCall(callID)

	form := url.Values{"CallSid": {record.ProviderCallID}, "CallStatus": {"in-progress"}, "SpeechResult": {"yes"}}
	wc := &WebhookContext{Body: form.Encode(), Query: map[string]string{"callId": callID}}

	var ids []string
	for i := 0; i < 2; i++ {
		res, err := p.ParseWebhook(wc)
		if err != nil {
			t.Fatalf("ParseWebhook() error = %v", err)
		}
		ev := res.Events[0]
		ids = append(ids, ev.ID)
		mustProcess(t, mgr, ev)
	}
	if ids[0] == ids[1] {
		t.Fatalf("identical answers share event id %q", ids[0])
	}

	record, _ = mgr.GetCall(callID)
	users := 0
	for _, entry := range record.Transcript {
		if entry.Speaker == SpeakerUser && entry.Text == "yes" {
			users++
		}
	}
	if users != 2 {
		t.Fatalf("user transcript entries = %d, want 2", users)
	}
}

func TestTwilioParseWebhook_MissingCallSid(t *testing.T) {
	p := newTestTwilio(t, nil)
	if _, err := p.ParseWebhook(&WebhookContext{Body: "CallStatus=ringing"}); err == nil {
		t.Fatal("expected error without CallSid")
	}
}

func TestTwilioTwiML_StreamWithToken(t *testing.T) {
	tokens, _ := NewStreamTokens("secret", 0)
	p := newTestTwilio(t, func(c *TwilioConfig) {
		c.StreamPath = "/voice/stream"
		c.StreamTokens = tokens
	})

	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"ringing"}, "Direction": {"inbound"}}
	res, err := p.ParseWebhook(&WebhookContext{Body: form.Encode()})
	if err != nil {
		t.Fatalf("ParseWebhook() error = %v", err)
	}
	if !strings.Contains(res.ResponseBody, `<Stream url="wss://voice.example.com/voice/stream">`) {
		t.Fatalf("TwiML missing stream: %s", res.ResponseBody)
	}
	start := strings.Index(res.ResponseBody, `value="`)
	if start < 0 {
		t.Fatalf("TwiML missing token parameter: %s", res.ResponseBody)
	}
	rest := res.ResponseBody[start+len(`value="`):]
	token := rest[:strings.Index(rest, `"`)]
	if sid, err := tokens.Verify(token); err != nil || sid != "CA9" {
		t.Fatalf("token verifies to %q, %v", sid, err)
	}
}

func TestTwilioTwiML_GatherWithoutStream(t *testing.T) {
	p := newTestTwilio(t, nil)
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"in-progress"}}
	res, _ := p.ParseWebhook(&WebhookContext{Body: form.Encode(), URL: "https://voice.example.com/voice/webhook?callId=x"})
	if !strings.Contains(res.ResponseBody, `<Gather input="speech"`) {
		t.Fatalf("TwiML = %s", res.ResponseBody)
	}
	if !strings.Contains(res.ResponseBody, `callId=x`) {
		t.Fatalf("gather action lost the call id: %s", res.ResponseBody)
	}

	status, _ := p.ParseWebhook(&WebhookContext{Body: form.Encode(), Query: map[string]string{"type": "status"}})
	if strings.Contains(status.ResponseBody, "Gather") {
		t.Fatal("status callbacks must get an empty response")
	}
}

func TestTwilioAPI_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		if form.Get("To") != "+15551234567" {
			t.Errorf("To = %q", form.Get("To"))
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA777","status":"queued"}`))
	}))
	defer srv.Close()

	p := newTestTwilio(t, func(c *TwilioConfig) { c.APIBaseURL = srv.URL })
	res, err := p.InitiateCall(context.Background(), &InitiateCallInput{CallID: "c1", From: "+1", To: "+15551234567"})
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if res.ProviderCallID != "CA777" || res.Status != "queued" {
		t.Fatalf("result = %+v", res)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestTwilioAPI_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"message":"bad number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newTestTwilio(t, func(c *TwilioConfig) { c.APIBaseURL = srv.URL })
	if _, err := p.InitiateCall(context.Background(), &InitiateCallInput{CallID: "c1", From: "+1", To: "+2"}); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestTwilioHangup_NotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Calls/CA404.json") {
			t.Errorf("path = %s", r.URL.Path)
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestTwilio(t, func(c *TwilioConfig) { c.APIBaseURL = srv.URL })
	if err := p.HangupCall(context.Background(), &HangupCallInput{ProviderCallID: "CA404"}); err != nil {
		t.Fatalf("HangupCall() error = %v", err)
	}
}

func TestEscapeXML(t *testing.T) {
	if got := escapeXML(`<a & "b">`); got != "&lt;a &amp; &quot;b&quot;&gt;" {
		t.Fatalf("escapeXML = %q", got)
	}
}
