package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/voicecall/internal/backoff"
)

const (
	twilioAPIBase        = "https://api.twilio.com/2010-04-01"
	twilioMaxAttempts    = 3
	twilioMaxResponse    = 1 << 20
	twilioIdempotencyKey = "i-twilio-idempotency-token"
	twilioSignatureKey   = "x-twilio-signature"
)

// TwilioProvider implements the Provider interface for the Twilio Voice API.
// It supports outbound calls, TwiML webhooks, and media streams.
//
// Thread Safety:
// TwilioProvider is safe for concurrent use.
type TwilioProvider struct {
	accountSID  string
	authToken   string
	baseURL     string
	publicURL   string
	webhookPath string
	streamPath  string
	voice       string
	locale      string
	tokens      *StreamTokens
	logger      *slog.Logger

	// providerCallID -> webhook URL with the internal call id attached
	webhookURLs map[string]string
	mu          sync.RWMutex

	client *http.Client
	policy backoff.BackoffPolicy
}

// TwilioConfig holds configuration for the Twilio provider.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required)
	AccountSID string

	// AuthToken is the Twilio auth token (required)
	AuthToken string

	// PublicURL is the externally reachable base URL of this service.
	PublicURL string

	// WebhookPath is where Twilio posts call callbacks.
	WebhookPath string

	// StreamPath enables media streams when set together with PublicURL.
	StreamPath string

	// StreamTokens signs the stream token handed to Twilio in TwiML.
	StreamTokens *StreamTokens

	Voice  string
	Locale string

	// APIBaseURL overrides the REST endpoint (tests).
	APIBaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewTwilioProvider creates a new Twilio voice provider.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = twilioAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	voice := cfg.Voice
	if voice == "" {
		voice = "Polly.Joanna"
	}
	locale := cfg.Locale
	if locale == "" {
		locale = "en-US"
	}

	return &TwilioProvider{
		accountSID:  cfg.AccountSID,
		authToken:   cfg.AuthToken,
		baseURL:     fmt.Sprintf("%s/Accounts/%s", apiBase, cfg.AccountSID),
		publicURL:   strings.TrimRight(cfg.PublicURL, "/"),
		webhookPath: cfg.WebhookPath,
		streamPath:  cfg.StreamPath,
		voice:       voice,
		locale:      locale,
		tokens:      cfg.StreamTokens,
		logger:      logger.With("component", "twilio"),
		webhookURLs: make(map[string]string),
		client:      client,
		policy:      backoff.ProviderAPIPolicy(),
	}, nil
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() ProviderName {
	return ProviderTwilio
}

// InitiateCall starts an outbound call via the Twilio API.
func (p *TwilioProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	webhookURL := input.WebhookURL
	if webhookURL == "" {
		webhookURL = p.defaultWebhookURL()
	}
	if webhookURL == "" {
		return nil, errors.New("twilio: webhook URL is required")
	}

	u, err := url.Parse(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("twilio: invalid webhook URL: %w", err)
	}
	q := u.Query()
	q.Set("callId", input.CallID)
	u.RawQuery = q.Encode()
	webhookURL = u.String()

	statusURL := *u
	sq := statusURL.Query()
	sq.Set("type", "status")
	statusURL.RawQuery = sq.Encode()

	params := url.Values{
		"To":                  {input.To},
		"From":                {input.From},
		"Url":                 {webhookURL},
		"StatusCallback":      {statusURL.String()},
		"StatusCallbackEvent": {"initiated", "ringing", "answered", "completed"},
		"Timeout":             {"30"},
	}

	resp, err := p.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to initiate call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("twilio: failed to parse response: %w", err)
	}
	if result.SID == "" {
		return nil, errors.New("twilio: response missing call sid")
	}

	p.mu.Lock()
	p.webhookURLs[result.SID] = webhookURL
	p.mu.Unlock()

	status := "initiated"
	if result.Status == "queued" {
		status = "queued"
	}
	return &InitiateCallResult{ProviderCallID: result.SID, Status: status}, nil
}

// HangupCall ends a call. A call Twilio no longer knows about counts as ended.
func (p *TwilioProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.forget(input.ProviderCallID)

	params := url.Values{"Status": {"completed"}}
	_, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params)
	var apiErr *TwilioAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("twilio: failed to hangup call: %w", err)
	}
	return nil
}

// PlayTTS redirects the live call to TwiML that speaks the text and then
// resumes listening.
func (p *TwilioProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	voice := input.Voice
	if voice == "" {
		voice = p.voice
	}
	locale := input.Locale
	if locale == "" {
		locale = p.locale
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	fmt.Fprintf(&b, `<Say voice="%s" language="%s">%s</Say>`, escapeXML(voice), escapeXML(locale), escapeXML(input.Text))
	b.WriteString(p.listenTwiML(input.ProviderCallID, locale))
	b.WriteString(`</Response>`)

	params := url.Values{"Twiml": {b.String()}}
	if _, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params); err != nil {
		return fmt.Errorf("twilio: failed to play TTS: %w", err)
	}
	return nil
}

// StartListening redirects the call into speech gathering.
func (p *TwilioProvider) StartListening(ctx context.Context, input *ListeningInput) error {
	language := input.Language
	if language == "" {
		language = p.locale
	}
	twiml := `<?xml version="1.0" encoding="UTF-8"?><Response>` + p.listenTwiML(input.ProviderCallID, language) + `</Response>`

	params := url.Values{"Twiml": {twiml}}
	if _, err := p.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", input.ProviderCallID), params); err != nil {
		return fmt.Errorf("twilio: failed to start listening: %w", err)
	}
	return nil
}

// StopListening is a no-op; <Gather> ends on its own when speech stops.
func (p *TwilioProvider) StopListening(ctx context.Context, input *ListeningInput) error {
	return nil
}

// VerifyWebhook validates the X-Twilio-Signature header (HMAC-SHA1 over the
// URL followed by the sorted form parameters).
func (p *TwilioProvider) VerifyWebhook(wc *WebhookContext) VerifyResult {
	signature := headerValue(wc.Headers, twilioSignatureKey)
	if signature == "" {
		return VerifyResult{Reason: "missing signature"}
	}

	params, err := url.ParseQuery(wc.Body)
	if err != nil {
		return VerifyResult{Reason: "malformed form body"}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sig strings.Builder
	sig.WriteString(wc.URL)
	for _, k := range keys {
		for _, v := range params[k] {
			sig.WriteString(k)
			sig.WriteString(v)
		}
	}

	if !hmac.Equal([]byte(signature), []byte(p.sign(sig.String()))) {
		return VerifyResult{Reason: "signature mismatch"}
	}
	return VerifyResult{OK: true}
}

func (p *TwilioProvider) sign(payload string) string {
	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhook parses a webhook into events and the TwiML reply.
func (p *TwilioProvider) ParseWebhook(wc *WebhookContext) (*WebhookParseResult, error) {
	params, err := url.ParseQuery(wc.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: failed to parse body: %w", err)
	}

	callSID := params.Get("CallSid")
	if callSID == "" {
		return nil, errors.New("twilio: missing CallSid")
	}
	isStatus := wc.Query["type"] == "status"

	event := p.normalizeEvent(params, wc.Query["callId"], callSID, isStatus)
	if event != nil {
		event.ID = twilioEventID(wc, params, event.Type)
		if event.Type == EventCallEnded {
			p.forget(callSID)
		}
	}

	result := &WebhookParseResult{
		ResponseBody:    p.generateTwiML(wc, params, isStatus),
		ResponseHeaders: map[string]string{"Content-Type": "application/xml"},
		StatusCode:      http.StatusOK,
	}
	if event != nil {
		result.Events = []CallEvent{*event}
	}
	return result, nil
}

// twilioEventID prefers Twilio's idempotency token so that retried
// deliveries collapse onto one event id. Without it, status callbacks hash
// their identifying fields. Gather results carry nothing that tells two
// identical answers apart, so each delivery gets a fresh id.
func twilioEventID(wc *WebhookContext, params url.Values, eventType EventType) string {
	if token := headerValue(wc.Headers, twilioIdempotencyKey); token != "" {
		return "twilio:" + token
	}
	if eventType == EventCallSpeech || eventType == EventCallDTMF {
		return "twilio:" + uuid.NewString()
	}
	h := sha256.New()
	for _, part := range []string{
		params.Get("CallSid"),
		params.Get("CallStatus"),
		params.Get("SequenceNumber"),
		wc.Query["type"],
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return "twilio:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// normalizeEvent converts Twilio webhook params to a normalized event.
func (p *TwilioProvider) normalizeEvent(params url.Values, callID, callSID string, isStatus bool) *CallEvent {
	event := &CallEvent{
		CallID:         callID,
		ProviderCallID: callSID,
		Timestamp:      time.Now(),
		From:           params.Get("From"),
		To:             params.Get("To"),
	}

	switch params.Get("Direction") {
	case "inbound":
		event.Direction = DirectionInbound
	case "outbound-api", "outbound-dial":
		event.Direction = DirectionOutbound
	}

	if speech := params.Get("SpeechResult"); speech != "" {
		event.Type = EventCallSpeech
		event.Transcript = speech
		event.IsFinal = true
		if conf, err := strconv.ParseFloat(params.Get("Confidence"), 64); err == nil {
			event.Confidence = conf
		}
		return event
	}

	if digits := params.Get("Digits"); digits != "" {
		event.Type = EventCallDTMF
		event.Digits = digits
		return event
	}

	switch params.Get("CallStatus") {
	case "queued", "initiated":
		event.Type = EventCallInitiated
	case "ringing":
		// The first voice request for an inbound call arrives as ringing;
		// it is what creates the call.
		if event.Direction == DirectionInbound && !isStatus {
			event.Type = EventCallInitiated
		} else {
			event.Type = EventCallRinging
		}
	case "in-progress":
		event.Type = EventCallAnswered
	case "completed":
		event.Type = EventCallEnded
		event.Reason = EndReasonCompleted
	case "busy":
		event.Type = EventCallEnded
		event.Reason = EndReasonBusy
	case "no-answer":
		event.Type = EventCallEnded
		event.Reason = EndReasonNoAnswer
	case "failed":
		event.Type = EventCallEnded
		event.Reason = EndReasonFailed
	case "canceled":
		event.Type = EventCallEnded
		event.Reason = EndReasonHangupBot
	default:
		return nil
	}
	return event
}

// generateTwiML creates the TwiML reply for a webhook.
func (p *TwilioProvider) generateTwiML(wc *WebhookContext, params url.Values, isStatus bool) string {
	const empty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	if isStatus {
		return empty
	}

	callStatus := params.Get("CallStatus")
	direction := params.Get("Direction")
	callSID := params.Get("CallSid")
	if direction == "inbound" || callStatus == "in-progress" {
		if wc.URL != "" && p.streamURL() == "" {
			p.mu.Lock()
			if _, ok := p.webhookURLs[callSID]; !ok {
				p.webhookURLs[callSID] = wc.URL
			}
			p.mu.Unlock()
		}
		return `<?xml version="1.0" encoding="UTF-8"?><Response>` + p.listenTwiML(callSID, p.locale) + `</Response>`
	}
	return empty
}

// listenTwiML connects the media stream when streaming is configured and
// falls back to speech gathering otherwise.
func (p *TwilioProvider) listenTwiML(callSID, language string) string {
	if streamURL := p.streamURL(); streamURL != "" {
		var param string
		if p.tokens != nil {
			token, err := p.tokens.Issue(callSID)
			if err != nil {
				p.logger.Error("failed to issue stream token", "provider_call_id", callSID, "error", err)
			} else {
				param = fmt.Sprintf(`<Parameter name="token" value="%s"/>`, escapeXML(token))
			}
		}
		return fmt.Sprintf(`<Connect><Stream url="%s">%s</Stream></Connect>`, escapeXML(streamURL), param)
	}

	action := p.webhookURLFor(callSID)
	if action == "" {
		return `<Pause length="30"/>`
	}
	return fmt.Sprintf(`<Gather input="speech" speechTimeout="auto" language="%s" action="%s" method="POST"></Gather>`,
		escapeXML(language), escapeXML(action))
}

func (p *TwilioProvider) webhookURLFor(callSID string) string {
	p.mu.RLock()
	u := p.webhookURLs[callSID]
	p.mu.RUnlock()
	if u != "" {
		return u
	}
	return p.defaultWebhookURL()
}

func (p *TwilioProvider) defaultWebhookURL() string {
	if p.publicURL == "" || p.webhookPath == "" {
		return ""
	}
	return p.publicURL + p.webhookPath
}

func (p *TwilioProvider) forget(callSID string) {
	p.mu.Lock()
	delete(p.webhookURLs, callSID)
	p.mu.Unlock()
}

// streamURL returns the WebSocket URL for media streaming.
func (p *TwilioProvider) streamURL() string {
	if p.publicURL == "" || p.streamPath == "" {
		return ""
	}
	u, err := url.Parse(p.publicURL)
	if err != nil {
		return ""
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, p.streamPath)
}

// TwilioAPIError is a non-2xx response from the Twilio REST API.
type TwilioAPIError struct {
	StatusCode int
	Body       string
}

func (e *TwilioAPIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
}

func (e *TwilioAPIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// apiRequest makes an authenticated request to the Twilio API, retrying
// rate limits, server errors, and transport failures.
func (p *TwilioProvider) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	result, err := backoff.RetryWithBackoff(ctx, p.policy, twilioMaxAttempts, func(attempt int) ([]byte, error) {
		body, err := p.doRequest(ctx, endpoint, params)
		var apiErr *TwilioAPIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return nil, backoff.Permanent(err)
		}
		if err != nil && attempt < twilioMaxAttempts {
			p.logger.Warn("twilio request failed, retrying", "endpoint", endpoint, "attempt", attempt, "error", err)
		}
		return body, err
	})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (p *TwilioProvider) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, twilioMaxResponse+1))
	if err != nil {
		return nil, err
	}
	if len(body) > twilioMaxResponse {
		return nil, backoff.Permanent(fmt.Errorf("API response too large (%d bytes)", len(body)))
	}
	if resp.StatusCode >= 400 {
		return nil, &TwilioAPIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// escapeXML escapes special characters for XML content.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
