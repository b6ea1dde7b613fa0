// Package transcribe streams call audio to a speech-to-text service and
// reports caller utterances.
package transcribe

import "context"

// Handler receives session callbacks. All callbacks run on the session's
// read goroutine, in order. Nil callbacks are skipped.
type Handler struct {
	// OnSpeechStart fires when the service detects the caller talking.
	OnSpeechStart func()

	// OnPartial receives interim text for the utterance in progress.
	OnPartial func(text string)

	// OnTranscript receives a complete utterance.
	OnTranscript func(text string)
}

// SessionConfig describes the audio sent on a session.
type SessionConfig struct {
	Encoding   string // mulaw, linear16
	SampleRate int
	Language   string
}

// TelephonyAudio is the 8 kHz mu-law audio carried by phone media streams.
var TelephonyAudio = SessionConfig{Encoding: "mulaw", SampleRate: 8000}

// Session is a live transcription stream for one call.
type Session interface {
	SendAudio(chunk []byte) error
	Close() error
}

// Transcriber opens transcription sessions.
type Transcriber interface {
	StartSession(ctx context.Context, cfg SessionConfig, h Handler) (Session, error)
}
