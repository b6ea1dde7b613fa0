// Package voice tracks telephony calls through their lifecycle.
// Provider callbacks are normalized into CallEvents and applied to a
// per-call state machine owned by the CallManager.
package voice

import (
	"context"
	"errors"
	"time"
)

// ProviderName identifies a telephony provider.
type ProviderName string

const (
	ProviderTwilio ProviderName = "twilio"
	ProviderMock   ProviderName = "mock"
)

var (
	// ErrCallNotFound is returned when no call matches the given identifier.
	ErrCallNotFound = errors.New("call not found")
	// ErrCallNotActive is returned for operations that need a connected call.
	ErrCallNotActive = errors.New("call not active")
	// ErrProviderRequired is returned when a manager is built without a provider.
	ErrProviderRequired = errors.New("voice provider required")
	// ErrInboundRejected is returned when the inbound policy refuses a caller.
	ErrInboundRejected = errors.New("inbound call rejected")
)

// CallState represents the current state of a call.
type CallState string

const (
	// Active states
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateAnswered  CallState = "answered"
	StateActive    CallState = "active"

	// Terminal states
	StateCompleted  CallState = "completed"
	StateHangupUser CallState = "hangup-user"
	StateHangupBot  CallState = "hangup-bot"
	StateTimeout    CallState = "timeout"
	StateError      CallState = "error"
	StateFailed     CallState = "failed"
	StateNoAnswer   CallState = "no-answer"
	StateBusy       CallState = "busy"
	StateVoicemail  CallState = "voicemail"
)

// IsTerminal returns true if this is a terminal state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateHangupUser, StateHangupBot, StateTimeout,
		StateError, StateFailed, StateNoAnswer, StateBusy, StateVoicemail:
		return true
	}
	return false
}

// IsConnected reports whether audio can flow on the call.
func (s CallState) IsConnected() bool {
	return s == StateAnswered || s == StateActive
}

// rank orders the non-terminal states; the machine only moves forward.
func (s CallState) rank() int {
	switch s {
	case StateInitiated:
		return 0
	case StateRinging:
		return 1
	case StateAnswered:
		return 2
	case StateActive:
		return 3
	}
	if s.IsTerminal() {
		return 4
	}
	return -1
}

// CallDirection indicates if a call is inbound or outbound.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallMode controls what happens after the initial message is spoken.
type CallMode string

const (
	// ModeConversation keeps the call open for a back-and-forth.
	ModeConversation CallMode = "conversation"
	// ModeNotify hangs up shortly after the initial message.
	ModeNotify CallMode = "notify"
)

// ParseCallMode maps a user-supplied string to a CallMode.
func ParseCallMode(s string) (CallMode, bool) {
	switch CallMode(s) {
	case "", ModeConversation:
		return ModeConversation, true
	case ModeNotify:
		return ModeNotify, true
	}
	return "", false
}

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonHangupUser EndReason = "hangup-user"
	EndReasonHangupBot  EndReason = "hangup-bot"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonError      EndReason = "error"
	EndReasonFailed     EndReason = "failed"
	EndReasonNoAnswer   EndReason = "no-answer"
	EndReasonBusy       EndReason = "busy"
	EndReasonVoicemail  EndReason = "voicemail"
)

// terminalState maps an end reason onto the terminal state it produces.
func (r EndReason) terminalState() CallState {
	state := CallState(r)
	if !state.IsTerminal() {
		return StateCompleted
	}
	return state
}

// EventType categorizes call events.
type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallRinging   EventType = "call.ringing"
	EventCallAnswered  EventType = "call.answered"
	EventCallActive    EventType = "call.active"
	EventCallSpeech    EventType = "call.speech"
	EventCallDTMF      EventType = "call.dtmf"
	EventCallEnded     EventType = "call.ended"
	EventCallError     EventType = "call.error"
)

// CallEvent represents an event during a call's lifecycle.
type CallEvent struct {
	ID             string        `json:"id"`
	CallID         string        `json:"call_id,omitempty"`
	ProviderCallID string        `json:"provider_call_id,omitempty"`
	Type           EventType     `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	Direction      CallDirection `json:"direction,omitempty"`
	From           string        `json:"from,omitempty"`
	To             string        `json:"to,omitempty"`

	// Event-specific fields
	Transcript string    `json:"transcript,omitempty"` // For speech events
	IsFinal    bool      `json:"is_final,omitempty"`   // For speech events
	Confidence float64   `json:"confidence,omitempty"` // For speech events
	Digits     string    `json:"digits,omitempty"`     // For DTMF events
	Reason     EndReason `json:"reason,omitempty"`     // For ended events
	Error      string    `json:"error,omitempty"`      // For error events
	Retryable  bool      `json:"retryable,omitempty"`  // For error events
}

// IsTerminal reports whether applying the event ends the call.
func (e *CallEvent) IsTerminal() bool {
	switch e.Type {
	case EventCallEnded:
		return true
	case EventCallError:
		return !e.Retryable
	}
	return false
}

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerBot  Speaker = "bot"
	SpeakerUser Speaker = "user"
)

// TranscriptEntry represents a single utterance in a call transcript.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
}

// EndNotice tracks delivery of the ended callback for a call.
type EndNotice string

const (
	EndNoticePending   EndNotice = ""
	EndNoticeClaimed   EndNotice = "claimed"
	EndNoticeDelivered EndNotice = "delivered"
)

// Metadata keys recorded on calls.
const (
	MetaInitialMessage     = "initial_message"
	MetaInitialMessageSent = "initial_message_sent"
	MetaMode               = "mode"
	MetaLastError          = "last_error"
	MetaLastDigits         = "last_digits"
)

// CallRecord contains the full state of a call.
type CallRecord struct {
	CallID            string            `json:"call_id"`
	ProviderCallID    string            `json:"provider_call_id,omitempty"`
	Provider          ProviderName      `json:"provider"`
	Direction         CallDirection     `json:"direction"`
	State             CallState         `json:"state"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	StartedAt         time.Time         `json:"started_at"`
	AnsweredAt        *time.Time        `json:"answered_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	EndReason         EndReason         `json:"end_reason,omitempty"`
	EndNotice         EndNotice         `json:"end_notice,omitempty"`
	Transcript        []TranscriptEntry `json:"transcript"`
	ProcessedEventIDs []string          `json:"processed_event_ids,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Mode returns the call mode recorded in the metadata.
func (r *CallRecord) Mode() CallMode {
	if s, ok := r.Metadata[MetaMode].(string); ok {
		if mode, ok := ParseCallMode(s); ok {
			return mode
		}
	}
	return ModeConversation
}

// Clone returns a copy that shares no mutable state with r.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		out.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	out.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	out.ProcessedEventIDs = append([]string(nil), r.ProcessedEventIDs...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// InitiateCallInput contains parameters for starting an outbound call.
type InitiateCallInput struct {
	CallID     string `json:"call_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	WebhookURL string `json:"webhook_url"`
}

// InitiateCallResult contains the result of initiating a call.
type InitiateCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"` // "initiated" or "queued"
}

// HangupCallInput contains parameters for ending a call.
type HangupCallInput struct {
	CallID         string    `json:"call_id"`
	ProviderCallID string    `json:"provider_call_id"`
	Reason         EndReason `json:"reason"`
}

// PlayTTSInput contains parameters for text-to-speech playback.
type PlayTTSInput struct {
	CallID         string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id"`
	Text           string `json:"text"`
	Voice          string `json:"voice,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// ListeningInput contains parameters for toggling speech recognition.
type ListeningInput struct {
	CallID         string `json:"call_id"`
	ProviderCallID string `json:"provider_call_id"`
	Language       string `json:"language,omitempty"`
}

// WebhookContext provides context for processing webhook requests.
type WebhookContext struct {
	Headers map[string]string
	Body    string
	URL     string
	Method  string
	Query   map[string]string
}

// VerifyResult is the outcome of webhook signature verification.
type VerifyResult struct {
	OK     bool
	Reason string
}

// WebhookParseResult contains the result of parsing a webhook.
type WebhookParseResult struct {
	Events          []CallEvent
	ResponseBody    string
	ResponseHeaders map[string]string
	StatusCode      int
}

// Provider defines the interface for telephony providers.
type Provider interface {
	// Name returns the provider identifier.
	Name() ProviderName

	// InitiateCall starts an outbound call.
	InitiateCall(ctx context.Context, input *InitiateCallInput) (*InitiateCallResult, error)

	// HangupCall ends an active call.
	HangupCall(ctx context.Context, input *HangupCallInput) error

	// PlayTTS plays text-to-speech audio.
	PlayTTS(ctx context.Context, input *PlayTTSInput) error

	// StartListening begins speech recognition.
	StartListening(ctx context.Context, input *ListeningInput) error

	// StopListening stops speech recognition.
	StopListening(ctx context.Context, input *ListeningInput) error

	// VerifyWebhook validates webhook authenticity.
	VerifyWebhook(wc *WebhookContext) VerifyResult

	// ParseWebhook parses a webhook into events.
	ParseWebhook(wc *WebhookContext) (*WebhookParseResult, error)
}

// CallStore persists call records. Implementations live in the storage
// package; a nil store keeps records in memory only.
type CallStore interface {
	SaveCall(ctx context.Context, record *CallRecord) error
	GetCall(ctx context.Context, callID string) (*CallRecord, error)
	ListCalls(ctx context.Context, limit int) ([]*CallRecord, error)
}
