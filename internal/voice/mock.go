package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is an in-process provider for local development and tests.
// Its webhook body is JSON: {"events": [CallEvent, ...]}.
type MockProvider struct {
	mu sync.Mutex

	// Secret, when set, must match the X-Mock-Secret header.
	Secret string

	InitiateErr error
	HangupErr   error
	PlayErr     error

	Initiated []InitiateCallInput
	Hangups   []HangupCallInput
	Spoken    []PlayTTSInput
}

// NewMockProvider returns a mock provider that accepts webhooks carrying secret.
func NewMockProvider(secret string) *MockProvider {
	return &MockProvider{Secret: secret}
}

func (p *MockProvider) Name() ProviderName { return ProviderMock }

func (p *MockProvider) InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InitiateErr != nil {
		return nil, p.InitiateErr
	}
	p.Initiated = append(p.Initiated, *input)
	return &InitiateCallResult{ProviderCallID: "mock-" + uuid.NewString(), Status: "initiated"}, nil
}

func (p *MockProvider) HangupCall(ctx context.Context, input *HangupCallInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HangupErr != nil {
		return p.HangupErr
	}
	p.Hangups = append(p.Hangups, *input)
	return nil
}

func (p *MockProvider) PlayTTS(ctx context.Context, input *PlayTTSInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.Spoken = append(p.Spoken, *input)
	return nil
}

func (p *MockProvider) StartListening(ctx context.Context, input *ListeningInput) error { return nil }
func (p *MockProvider) StopListening(ctx context.Context, input *ListeningInput) error  { return nil }

func (p *MockProvider) VerifyWebhook(wc *WebhookContext) VerifyResult {
	if p.Secret == "" || headerValue(wc.Headers, "x-mock-secret") == p.Secret {
		return VerifyResult{OK: true}
	}
	return VerifyResult{Reason: "secret mismatch"}
}

func (p *MockProvider) ParseWebhook(wc *WebhookContext) (*WebhookParseResult, error) {
	var payload struct {
		Events []CallEvent `json:"events"`
	}
	if err := json.Unmarshal([]byte(wc.Body), &payload); err != nil {
		return nil, fmt.Errorf("mock: invalid payload: %w", err)
	}
	return &WebhookParseResult{
		Events:          payload.Events,
		ResponseBody:    `{"ok":true}`,
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		StatusCode:      http.StatusOK,
	}, nil
}

// SpokenTexts returns the texts played so far.
func (p *MockProvider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Spoken))
	for _, s := range p.Spoken {
		out = append(out, s.Text)
	}
	return out
}

// HangupCount returns how many hangups were requested.
func (p *MockProvider) HangupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Hangups)
}

// SetPlayErr changes the PlayTTS failure under the provider lock.
func (p *MockProvider) SetPlayErr(err error) {
	p.mu.Lock()
	p.PlayErr = err
	p.mu.Unlock()
}
