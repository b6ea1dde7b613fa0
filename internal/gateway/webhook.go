package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/voicecall/internal/voice"
)

var errBodyTimeout = errors.New("request body read timed out")

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := string(s.cfg.Provider.Name())
	status := http.StatusOK
	defer func() {
		s.metrics.RecordWebhook(provider, strconv.Itoa(status), time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		http.Error(w, "Method Not Allowed", status)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			status = http.StatusRequestEntityTooLarge
			http.Error(w, "Payload Too Large", status)
		case errors.Is(err, errBodyTimeout):
			status = http.StatusRequestTimeout
			http.Error(w, "Request Timeout", status)
		default:
			status = http.StatusBadRequest
			http.Error(w, "Bad Request", status)
		}
		s.logger.Warn("webhook body rejected", "status", status, "error", err)
		return
	}

	ctx, span := s.tracer.TraceWebhook(r.Context(), provider)
	defer span.End()

	wc := s.webhookContext(r, body)
	if result := s.cfg.Provider.VerifyWebhook(wc); !result.OK {
		status = http.StatusUnauthorized
		s.logger.Warn("webhook verification failed", "reason", result.Reason)
		http.Error(w, "Unauthorized", status)
		return
	}

	parsed, err := s.cfg.Provider.ParseWebhook(wc)
	if err != nil {
		status = http.StatusBadRequest
		s.tracer.RecordError(span, err)
		s.logger.Warn("webhook parse failed", "error", err)
		http.Error(w, "Bad Request", status)
		return
	}

	s.processBatch(context.WithoutCancel(ctx), parsed.Events)

	for key, value := range parsed.ResponseHeaders {
		w.Header().Set(key, value)
	}
	if parsed.StatusCode != 0 {
		status = parsed.StatusCode
	}
	responseBody := parsed.ResponseBody
	if responseBody == "" {
		responseBody = "OK"
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, responseBody)
}

// readBody reads the capped request body, giving up after BodyTimeout.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(reader)
		done <- result{data: data, err: err}
	}()

	timer := time.NewTimer(s.cfg.BodyTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.data, res.err
	case <-timer.C:
		_ = reader.Close()
		return nil, errBodyTimeout
	case <-r.Context().Done():
		return nil, r.Context().Err()
	}
}

// webhookContext captures the request in provider-neutral form. Signatures
// are computed over the public URL the provider called.
func (s *Server) webhookContext(r *http.Request, body []byte) *voice.WebhookContext {
	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return &voice.WebhookContext{
		Headers: headers,
		Body:    string(body),
		URL:     s.requestURL(r),
		Method:  r.Method,
		Query:   query,
	}
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// processBatch applies each event independently, then tears down reply
// state for calls that just ended and finally starts replies for new
// caller speech.
func (s *Server) processBatch(ctx context.Context, events []voice.CallEvent) {
	var ended []string
	type utterance struct{ callID, text string }
	var utterances []utterance

	for i := range events {
		event := &events[i]
		// Resolve before applying so a promotion in this event cannot hide the call.
		before := s.manager.ResolveCallID(event.ProviderCallID, event.CallID)

		applied, err := s.applyEvent(ctx, event)

		// Terminal events tear down reply state even if applying them failed.
		if event.IsTerminal() {
			callID := before
			if callID == "" {
				callID = s.manager.ResolveCallID(event.ProviderCallID, event.CallID)
			}
			if callID != "" {
				ended = append(ended, callID)
			}
			continue
		}
		if err != nil || !applied {
			continue
		}
		if before == "" && event.Type == voice.EventCallInitiated && event.Direction == voice.DirectionInbound {
			s.metrics.CallStarted(string(voice.DirectionInbound))
		}
		if event.Type == voice.EventCallSpeech && event.IsFinal && strings.TrimSpace(event.Transcript) != "" {
			if callID := s.manager.ResolveCallID(event.ProviderCallID, event.CallID); callID != "" {
				utterances = append(utterances, utterance{callID: callID, text: event.Transcript})
			}
		}
	}

	for _, callID := range ended {
		s.MarkDisconnected(callID)
	}
	for _, u := range utterances {
		s.HandleUtterance(ctx, u.callID, u.text)
	}
}

// applyEvent hands one event to the manager, containing panics and errors.
// applied is false for duplicates and events the manager dropped.
func (s *Server) applyEvent(ctx context.Context, event *voice.CallEvent) (applied bool, err error) {
	eventType := string(event.Type)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing event: %v", r)
			s.logger.Error("event processing panicked",
				"event_id", event.ID,
				"event_type", eventType,
				"panic", r,
			)
			s.metrics.RecordEvent(eventType, "error")
		}
	}()

	ctx, span := s.tracer.TraceEvent(ctx, event.CallID, eventType)
	defer span.End()

	applied, err = s.manager.ApplyEvent(ctx, event)
	if err != nil {
		if errors.Is(err, voice.ErrInboundRejected) {
			s.metrics.RecordEvent(eventType, "rejected")
			return false, err
		}
		s.tracer.RecordError(span, err)
		s.logger.Error("event processing failed",
			"event_id", event.ID,
			"event_type", eventType,
			"provider_call_id", event.ProviderCallID,
			"error", err,
		)
		s.metrics.RecordEvent(eventType, "error")
		return false, err
	}
	if !applied {
		s.metrics.RecordEvent(eventType, "ignored")
		return false, nil
	}
	s.metrics.RecordEvent(eventType, "applied")
	return true, nil
}
