// Package responder turns a caller's utterance into reply text.
package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

// DefaultSystemPrompt keeps replies short enough to speak.
const DefaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Answer in one or two short spoken sentences. Do not use markdown, lists, or emoji."

// ErrEmptyReply is returned when a backend produced no text.
var ErrEmptyReply = errors.New("responder: empty reply")

// Request is a single reply request for a call.
type Request struct {
	CallID     string
	Transcript []voice.TranscriptEntry
	Utterance  string
}

// Responder produces the text spoken back to the caller.
type Responder interface {
	Name() string
	Respond(ctx context.Context, req *Request) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	// Provider is "anthropic", "openai" or "static".
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
	StaticReply  string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// New builds the responder named by cfg.Provider.
func New(cfg Config) (Responder, error) {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "static":
		return NewStatic(cfg.StaticReply)
	default:
		return nil, fmt.Errorf("responder: unknown provider %q", cfg.Provider)
	}
}

type role string

const (
	roleUser      role = "user"
	roleAssistant role = "assistant"
)

type turn struct {
	role role
	text string
}

// buildHistory converts a call transcript into alternating chat turns that
// start with the caller and end with utterance. Consecutive entries from the
// same speaker are joined. Partial transcript entries are skipped.
func buildHistory(transcript []voice.TranscriptEntry, utterance string) []turn {
	var turns []turn
	push := func(r role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == r {
			turns[n-1].text += " " + text
			return
		}
		turns = append(turns, turn{role: r, text: text})
	}

	for _, entry := range transcript {
		if !entry.IsFinal {
			continue
		}
		r := roleUser
		if entry.Speaker == voice.SpeakerBot {
			r = roleAssistant
		}
		push(r, entry.Text)
	}

	utterance = strings.TrimSpace(utterance)
	if n := len(turns); utterance != "" {
		if n == 0 || turns[n-1].role != roleUser || !strings.HasSuffix(turns[n-1].text, utterance) {
			push(roleUser, utterance)
		}
	}

	if len(turns) > 0 && turns[0].role == roleAssistant {
		turns = append([]turn{{role: roleUser, text: "(call connected)"}}, turns...)
	}
	return turns
}

// cleanReply strips whitespace and markdown emphasis that would be read aloud.
func cleanReply(text string) (string, error) {
	text = strings.NewReplacer("**", "", "__", "", "`", "").Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// Static always replies with the same text.
type Static struct {
	reply string
}

// NewStatic returns a responder that always says reply.
func NewStatic(reply string) (*Static, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, errors.New("responder: static reply is required")
	}
	return &Static{reply: reply}, nil
}

func (s *Static) Name() string { return "static" }

func (s *Static) Respond(ctx context.Context, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.reply, nil
}
