// Package gateway is the HTTP front door for live calls: provider webhooks,
// the media stream WebSocket, automatic replies, and the control API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/voicecall/internal/cues"
	"github.com/haasonsaas/voicecall/internal/observability"
	"github.com/haasonsaas/voicecall/internal/ratelimit"
	"github.com/haasonsaas/voicecall/internal/responder"
	"github.com/haasonsaas/voicecall/internal/topicguard"
	"github.com/haasonsaas/voicecall/internal/transcribe"
	"github.com/haasonsaas/voicecall/internal/voice"
)

const (
	defaultWebhookPath     = "/voice/webhook"
	defaultStreamPath      = "/voice/stream"
	defaultMaxBodyBytes    = 1 << 20
	defaultBodyTimeout     = 10 * time.Second
	defaultResponseTimeout = 30 * time.Second
)

// TopicGuardConfig controls off-topic handling for automatic replies.
type TopicGuardConfig struct {
	Enabled     bool
	MinKeywords int
	// WarningText is spoken on drift. Empty stays silent.
	WarningText string
	// MaxDrift ends the call after this many consecutive off-topic
	// utterances when EndOnDrift is set. Zero never ends.
	MaxDrift   int
	EndOnDrift bool
}

// Config configures the gateway server.
type Config struct {
	Manager  *voice.CallManager
	Provider voice.Provider

	// Responder generates automatic replies. Nil disables them.
	Responder responder.Responder

	// Transcriber handles media stream audio. Nil ignores audio frames.
	Transcriber transcribe.Transcriber

	// StreamTokens, when set, is required on every media stream start.
	StreamTokens *voice.StreamTokens

	Cues       cues.Plan
	TopicGuard TopicGuardConfig

	Addr         string
	WebhookPath  string
	StreamPath   string
	PublicURL    string
	MaxBodyBytes int64
	BodyTimeout  time.Duration

	ResponseTimeout time.Duration

	// APIToken enables the control API when non-empty.
	APIToken string

	// DialLimiter throttles POST /api/calls per destination. Nil disables it.
	DialLimiter *ratelimit.Limiter

	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// callState is the per-call reply bookkeeping. Guarded by Server.respMu.
type callState struct {
	generation   uint64
	disconnected bool
	cues         *cues.Controller

	anchor []string
	drift  int

	// pendingRestarts counts playbacks expected to cycle the media stream.
	pendingRestarts int
	stream          *mediaStream
}

// Server handles provider traffic for one CallManager.
type Server struct {
	cfg     Config
	manager *voice.CallManager
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	respMu sync.Mutex
	calls  map[string]*callState

	inflight sync.WaitGroup

	httpServer *http.Server
}

// New creates a gateway server.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: call manager is required")
	}
	if cfg.Provider == nil {
		return nil, voice.ErrProviderRequired
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = defaultWebhookPath
	}
	cfg.WebhookPath = "/" + strings.Trim(cfg.WebhookPath, "/")
	if cfg.StreamPath == "" {
		cfg.StreamPath = defaultStreamPath
	}
	cfg.StreamPath = "/" + strings.Trim(cfg.StreamPath, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.BodyTimeout <= 0 {
		cfg.BodyTimeout = defaultBodyTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.TopicGuard.MinKeywords < 1 {
		cfg.TopicGuard.MinKeywords = topicguard.DefaultMinKeywords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		manager: cfg.Manager,
		logger:  logger.With("component", "gateway"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*callState),
	}, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebhookPath, s.handleWebhook)
	mux.HandleFunc(s.cfg.WebhookPath+"/", s.handleWebhook)
	mux.HandleFunc(s.cfg.StreamPath, s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", s.cfg.MetricsHandler)
	}
	if s.cfg.APIToken != "" {
		s.mountAPI(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting http server",
		"addr", listener.Addr().String(),
		"webhook_path", s.cfg.WebhookPath,
		"stream_path", s.cfg.StreamPath,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.Close()
	return nil
}

// Close cancels in-flight replies and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.respMu.Lock()
	for _, st := range s.calls {
		if st.cues != nil {
			st.cues.Settle()
		}
	}
	s.respMu.Unlock()
	s.inflight.Wait()
}

// Forget drops reply state for calls the manager has evicted.
func (s *Server) Forget(callIDs ...string) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	for _, id := range callIDs {
		if st, ok := s.calls[id]; ok && st.cues != nil {
			st.cues.Settle()
		}
		delete(s.calls, id)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// stateLocked returns the reply state for a call, creating it. Caller holds respMu.
func (s *Server) stateLocked(callID string) *callState {
	st, ok := s.calls[callID]
	if !ok {
		st = &callState{}
		s.calls[callID] = st
	}
	return st
}

// MarkDisconnected invalidates every reply generation for the call and
// clears its topic state. Both the manager's ended callback and the
// webhook path call it.
func (s *Server) MarkDisconnected(callID string) {
	if callID == "" {
		return
	}
	s.respMu.Lock()
	defer s.respMu.Unlock()
	st := s.stateLocked(callID)
	if !st.disconnected {
		s.logger.Debug("call marked disconnected", "call_id", callID, "generation", st.generation)
	}
	st.disconnected = true
	st.generation++
	if st.cues != nil {
		st.cues.Settle()
		st.cues = nil
	}
	st.anchor = nil
	st.drift = 0
}

// beginGeneration supersedes any reply in flight for the call and returns
// the new generation with its cue controller. ok is false when the call is
// disconnected.
func (s *Server) beginGeneration(callID string) (gen uint64, ctrl *cues.Controller, ok bool) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	st := s.stateLocked(callID)
	if st.disconnected {
		return 0, nil, false
	}
	if st.cues != nil {
		st.cues.Settle()
	}
	st.generation++
	gen = st.generation
	ctrl = cues.NewController(s.cfg.Cues, s.cueSpeaker(callID, gen), s.logger)
	st.cues = ctrl
	return gen, ctrl, true
}

// isCurrent reports whether gen is still the call's live generation.
func (s *Server) isCurrent(callID string, gen uint64) bool {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	st, ok := s.calls[callID]
	return ok && !st.disconnected && st.generation == gen
}

func (s *Server) currentGeneration(callID string) uint64 {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	if st, ok := s.calls[callID]; ok {
		return st.generation
	}
	return 0
}
