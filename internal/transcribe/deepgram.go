package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deepgramEndpoint       = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel   = "nova-3"
	defaultLanguage        = "en-US"
	defaultEndpointing     = 300 * time.Millisecond
	defaultKeepAlive       = 5 * time.Second
	closeStreamGracePeriod = 2 * time.Second
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("transcribe: session is closed")

// DeepgramConfig configures the Deepgram streaming client.
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string

	// Endpointing is the silence that ends an utterance.
	Endpointing time.Duration

	// URL overrides the streaming endpoint.
	URL string

	KeepAlive time.Duration
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
}

// Deepgram implements Transcriber over the Deepgram live streaming API.
type Deepgram struct {
	cfg    DeepgramConfig
	logger *slog.Logger
}

// NewDeepgram creates a Deepgram transcriber. APIKey must be non-empty.
func NewDeepgram(cfg DeepgramConfig) (*Deepgram, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("deepgram: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultDeepgramModel
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.Endpointing <= 0 {
		cfg.Endpointing = defaultEndpointing
	}
	if cfg.URL == "" {
		cfg.URL = deepgramEndpoint
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deepgram{cfg: cfg, logger: logger.With("component", "deepgram")}, nil
}

func (d *Deepgram) buildURL(sc SessionConfig) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	lang := sc.Language
	if lang == "" {
		lang = d.cfg.Language
	}
	encoding := sc.Encoding
	if encoding == "" {
		encoding = TelephonyAudio.Encoding
	}
	rate := sc.SampleRate
	if rate == 0 {
		rate = TelephonyAudio.SampleRate
	}

	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.FormatInt(d.cfg.Endpointing.Milliseconds(), 10))
	q.Set("utterance_end_ms", "1000")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StartSession dials Deepgram and starts the read and keepalive loops.
func (d *Deepgram) StartSession(ctx context.Context, sc SessionConfig, h Handler) (Session, error) {
	wsURL, err := d.buildURL(sc)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &deepgramSession{
		conn:     conn,
		handler:  h,
		logger:   d.logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.keepAlive(d.cfg.KeepAlive)
	go s.readLoop()
	return s, nil
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramSession struct {
	conn    *websocket.Conn
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	// pending holds finalized segments of the utterance in progress.
	// Only the read goroutine touches it.
	pending []string
}

func (s *deepgramSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.write(websocket.BinaryMessage, chunk)
}

func (s *deepgramSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Close asks Deepgram to flush, waits briefly for the final results, then
// drops the connection.
func (s *deepgramSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		select {
		case <-s.readDone:
		case <-time.After(closeStreamGracePeriod):
		}
		_ = s.conn.Close()
		<-s.readDone
		s.wg.Wait()
	})
	return nil
}

func (s *deepgramSession) keepAlive(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.readDone:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (s *deepgramSession) readLoop() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-s.done:
				default:
					s.logger.Warn("deepgram read failed", "error", err)
				}
			}
			s.flush()
			return
		}
		s.dispatch(data)
	}
}

func (s *deepgramSession) dispatch(data []byte) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring malformed deepgram message", "error", err)
		return
	}
	switch msg.Type {
	case "SpeechStarted":
		if s.handler.OnSpeechStart != nil {
			s.handler.OnSpeechStart()
		}
	case "UtteranceEnd":
		s.flush()
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if !msg.IsFinal {
			if text != "" && s.handler.OnPartial != nil {
				s.handler.OnPartial(text)
			}
			return
		}
		if text != "" {
			s.pending = append(s.pending, text)
		}
		if msg.SpeechFinal {
			s.flush()
		}
	}
}

func (s *deepgramSession) flush() {
	if len(s.pending) == 0 {
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = s.pending[:0]
	if s.handler.OnTranscript != nil {
		s.handler.OnTranscript(text)
	}
}
