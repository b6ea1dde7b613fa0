package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicecall/internal/transcribe"
	"github.com/haasonsaas/voicecall/internal/voice"
)

const (
	streamReadLimit    = 64 << 10
	streamWriteTimeout = 5 * time.Second
)

// streamMessage is a Twilio media stream frame.
type streamMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		AccountSid       string            `json:"accountSid"`
		CustomParameters map[string]string `json:"customParameters,omitempty"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

// mediaStream is one open media WebSocket bound to a call.
type mediaStream struct {
	conn      *websocket.Conn
	streamSid string
	callSid   string
	callID    string

	writeMu sync.Mutex
}

func (m *mediaStream) send(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return m.conn.WriteJSON(v)
}

// clear drops any audio the provider has buffered for playback.
func (m *mediaStream) clear() error {
	return m.send(map[string]string{"event": "clear", "streamSid": m.streamSid})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(streamReadLimit)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var (
		stream  *mediaStream
		session transcribe.Session
	)
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				s.logger.Debug("transcription session close failed", "error", err)
			}
		}
		if stream != nil {
			s.closeStream(stream)
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid stream frame", "error", err)
			continue
		}

		switch msg.Event {
		case "connected", "mark":
		case "start":
			if stream != nil || msg.Start == nil {
				continue
			}
			stream, err = s.openStream(conn, msg)
			if err != nil {
				s.logger.Warn("stream rejected", "provider_call_id", msg.Start.CallSid, "error", err)
				closeWith(conn, websocket.ClosePolicyViolation, err.Error())
				return
			}
			session = s.startTranscription(stream)
		case "media":
			if session == nil || msg.Media == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			if err := session.SendAudio(audio); err != nil {
				s.logger.Debug("send audio failed", "call_id", stream.callID, "error", err)
			}
		case "dtmf":
			if stream == nil || msg.DTMF == nil {
				continue
			}
			_, _ = s.applyEvent(s.ctx, &voice.CallEvent{
				ID:             uuid.NewString(),
				CallID:         stream.callID,
				ProviderCallID: stream.callSid,
				Type:           voice.EventCallDTMF,
				Timestamp:      time.Now(),
				Digits:         msg.DTMF.Digit,
			})
		case "stop":
			return
		}
	}
}

// openStream authenticates a stream start and binds it to its call.
func (s *Server) openStream(conn *websocket.Conn, msg streamMessage) (*mediaStream, error) {
	callSid := msg.Start.CallSid
	if s.cfg.StreamTokens != nil {
		subject, err := s.cfg.StreamTokens.Verify(msg.Start.CustomParameters["token"])
		if err != nil {
			return nil, err
		}
		if subject != callSid {
			return nil, voice.ErrInvalidStreamToken
		}
	}

	callID := s.manager.ResolveCallID(callSid, "")
	if callID == "" {
		return nil, voice.ErrCallNotFound
	}
	streamSid := msg.Start.StreamSid
	if streamSid == "" {
		streamSid = msg.StreamSid
	}
	stream := &mediaStream{conn: conn, streamSid: streamSid, callSid: callSid, callID: callID}

	// The state check holds respMu so a hangup landing now is either seen
	// here or disconnects after the stream is bound.
	s.respMu.Lock()
	record, ok := s.manager.GetCall(callID)
	if !ok || record.State.IsTerminal() {
		s.respMu.Unlock()
		return nil, voice.ErrCallNotActive
	}
	st := s.stateLocked(callID)
	st.disconnected = false
	st.stream = stream
	s.respMu.Unlock()

	s.metrics.StreamOpened()
	s.logger.Info("media stream started", "call_id", callID, "stream_sid", streamSid)
	return stream, nil
}

// closeStream unbinds the stream. A close the server caused by speaking is a
// restart and keeps the call's replies alive; any other close disconnects.
func (s *Server) closeStream(stream *mediaStream) {
	s.metrics.StreamClosed()

	s.respMu.Lock()
	st := s.stateLocked(stream.callID)
	if st.stream == stream {
		st.stream = nil
	}
	restart := st.pendingRestarts > 0
	if restart {
		st.pendingRestarts--
	}
	s.respMu.Unlock()

	if restart {
		s.logger.Debug("media stream restarting", "call_id", stream.callID)
		return
	}
	s.logger.Info("media stream closed", "call_id", stream.callID)
	s.MarkDisconnected(stream.callID)
}

func (s *Server) startTranscription(stream *mediaStream) transcribe.Session {
	if s.cfg.Transcriber == nil {
		return nil
	}
	session, err := s.cfg.Transcriber.StartSession(s.ctx, transcribe.TelephonyAudio, transcribe.Handler{
		OnSpeechStart: func() {
			s.metrics.RecordBargeIn()
			if err := stream.clear(); err != nil {
				s.logger.Debug("barge-in clear failed", "call_id", stream.callID, "error", err)
			}
		},
		OnTranscript: func(text string) {
			event := &voice.CallEvent{
				ID:             uuid.NewString(),
				CallID:         stream.callID,
				ProviderCallID: stream.callSid,
				Type:           voice.EventCallSpeech,
				Timestamp:      time.Now(),
				Transcript:     text,
				IsFinal:        true,
			}
			if _, err := s.applyEvent(s.ctx, event); err != nil {
				return
			}
			s.HandleUtterance(s.ctx, stream.callID, text)
		},
	})
	if err != nil {
		s.logger.Error("transcription session failed", "call_id", stream.callID, "error", err)
		return nil
	}
	return session
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
