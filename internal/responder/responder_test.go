package responder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/voicecall/internal/voice"
)

func entry(speaker voice.Speaker, text string) voice.TranscriptEntry {
	return voice.TranscriptEntry{Speaker: speaker, Text: text, IsFinal: true}
}

func TestBuildHistory(t *testing.T) {
	transcript := []voice.TranscriptEntry{
		entry(voice.SpeakerBot, "Hi, this is the clinic."),
		entry(voice.SpeakerUser, "I need to move"),
		entry(voice.SpeakerUser, "my appointment"),
		{Speaker: voice.SpeakerUser, Text: "partial", IsFinal: false},
	}

	turns := buildHistory(transcript, "my appointment")
	want := []turn{
		{role: roleUser, text: "(call connected)"},
		{role: roleAssistant, text: "Hi, this is the clinic."},
		{role: roleUser, text: "I need to move my appointment"},
	}
	if len(turns) != len(want) {
		t.Fatalf("turns = %+v", turns)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestBuildHistoryAppendsNewUtterance(t *testing.T) {
	transcript := []voice.TranscriptEntry{
		entry(voice.SpeakerUser, "hello"),
		entry(voice.SpeakerBot, "Hi there."),
	}
	turns := buildHistory(transcript, "what are your hours")
	last := turns[len(turns)-1]
	if last.role != roleUser || last.text != "what are your hours" {
		t.Fatalf("last turn = %+v", last)
	}
}

func TestCleanReply(t *testing.T) {
	got, err := cleanReply("  **Sure**,\n  we open at `9`. ")
	if err != nil {
		t.Fatalf("cleanReply() error = %v", err)
	}
	if got != "Sure, we open at 9." {
		t.Errorf("cleanReply() = %q", got)
	}
	if _, err := cleanReply(" \n "); !errors.Is(err, ErrEmptyReply) {
		t.Errorf("expected ErrEmptyReply, got %v", err)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "gemini"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := New(Config{Provider: "anthropic"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestStatic(t *testing.T) {
	r, err := New(Config{Provider: "static", StaticReply: " Thanks for calling. "})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := r.Respond(context.Background(), &Request{Utterance: "hi"})
	if err != nil || got != "Thanks for calling." {
		t.Fatalf("Respond() = %q, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Respond(ctx, &Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Respond(cancelled) error = %v", err)
	}
}

func TestAnthropicRespond(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"We open at **nine**."}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`)
	}))
	defer server.Close()

	r, err := New(Config{Provider: "anthropic", APIKey: "test-key", BaseURL: server.URL, Model: "claude-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := r.Respond(context.Background(), &Request{
		CallID:     "call-1",
		Transcript: []voice.TranscriptEntry{entry(voice.SpeakerUser, "when do you open")},
		Utterance:  "when do you open",
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got != "We open at nine." {
		t.Errorf("Respond() = %q", got)
	}
	if body["model"] != "claude-test" {
		t.Errorf("model = %v", body["model"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 1 {
		t.Errorf("messages = %v", body["messages"])
	}
	if _, ok := body["system"]; !ok {
		t.Errorf("system prompt not sent")
	}
}

func TestAnthropicRespondError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	defer server.Close()

	r, err := NewAnthropic(Config{APIKey: "k", BaseURL: server.URL, MaxTokens: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Respond(context.Background(), &Request{Utterance: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenAIRespond(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Sure thing."},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	r, err := New(Config{Provider: "openai", APIKey: "test-key", BaseURL: server.URL + "/v1/", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := r.Respond(context.Background(), &Request{
		Transcript: []voice.TranscriptEntry{
			entry(voice.SpeakerBot, "Hello!"),
			entry(voice.SpeakerUser, "can you help"),
		},
		Utterance: "can you help",
	})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got != "Sure thing." {
		t.Errorf("Respond() = %q", got)
	}
	if req.Model != "gpt-test" {
		t.Errorf("model = %q", req.Model)
	}
	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("roles = %v", roles)
	}
}
