package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/voicecall/internal/voice"
)

const apiMaxBodyBytes = 64 << 10

// APIResponse is the envelope returned by every control API route.
type APIResponse struct {
	Success bool                `json:"success"`
	CallID  string              `json:"call_id,omitempty"`
	Error   string              `json:"error,omitempty"`
	Call    *voice.CallRecord   `json:"call,omitempty"`
	Calls   []*voice.CallRecord `json:"calls,omitempty"`
}

// InitiateRequest is the body of POST /api/calls.
type InitiateRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// SpeakRequest is the body of POST /api/calls/{id}/speak.
type SpeakRequest struct {
	Text string `json:"text"`
}

func (s *Server) mountAPI(mux *http.ServeMux) {
	mux.Handle("POST /api/calls", s.requireToken(s.handleInitiate))
	mux.Handle("GET /api/calls", s.requireToken(s.handleListCalls))
	mux.Handle("GET /api/calls/{id}", s.requireToken(s.handleGetCall))
	mux.Handle("POST /api/calls/{id}/speak", s.requireToken(s.handleSpeak))
	mux.Handle("POST /api/calls/{id}/hangup", s.requireToken(s.handleHangup))
}

func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, APIResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "to is required"})
		return
	}
	mode := voice.ModeConversation
	if req.Mode != "" {
		parsed, ok := voice.ParseCallMode(req.Mode)
		if !ok {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid mode " + req.Mode})
			return
		}
		mode = parsed
	}
	if s.cfg.DialLimiter != nil {
		if ok, wait := s.cfg.DialLimiter.Allow(strings.TrimSpace(req.To)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, APIResponse{Error: "too many calls to " + req.To})
			return
		}
	}

	callID, err := s.manager.InitiateCall(r.Context(), req.To, voice.InitiateOptions{
		From:    req.From,
		Message: req.Message,
		Mode:    mode,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, APIResponse{Error: err.Error()})
		return
	}
	s.metrics.CallStarted(string(voice.DirectionOutbound))
	writeJSON(w, http.StatusOK, APIResponse{Success: true, CallID: callID})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.manager.ActiveCalls()
	if calls == nil {
		calls = []*voice.CallRecord{}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Calls: calls})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	record, err := s.manager.LookupCall(r.Context(), callID)
	if err != nil {
		writeJSON(w, statusFor(err), APIResponse{CallID: callID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, CallID: callID, Call: record})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req SpeakRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{CallID: callID, Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, APIResponse{CallID: callID, Error: "text is required"})
		return
	}
	if err := s.speak(r.Context(), callID, req.Text, voice.SpeakOptions{}); err != nil {
		writeJSON(w, statusFor(err), APIResponse{CallID: callID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, CallID: callID})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if err := s.manager.EndCall(r.Context(), callID); err != nil {
		writeJSON(w, statusFor(err), APIResponse{CallID: callID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, CallID: callID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, voice.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrCallNotActive):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, apiMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}
