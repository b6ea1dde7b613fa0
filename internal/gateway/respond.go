package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/voicecall/internal/cues"
	"github.com/haasonsaas/voicecall/internal/responder"
	"github.com/haasonsaas/voicecall/internal/topicguard"
	"github.com/haasonsaas/voicecall/internal/voice"
)

// errStale is returned by speakCurrent when the generation was superseded.
var errStale = errors.New("generation superseded")

// HandleUtterance decides whether a final caller utterance gets a reply
// and, if so, starts a new generation that produces and speaks it.
func (s *Server) HandleUtterance(ctx context.Context, callID, text string) {
	if s.cfg.Responder == nil {
		return
	}
	if topicguard.IsNonResponse(text) {
		s.metrics.RecordResponse("filtered")
		s.logger.Debug("non-response utterance ignored", "call_id", callID)
		return
	}
	record, ok := s.manager.GetCall(callID)
	if !ok || record.State.IsTerminal() {
		return
	}
	if record.Mode() == voice.ModeNotify {
		return
	}
	if s.cfg.TopicGuard.Enabled && !s.checkTopic(ctx, callID, text) {
		return
	}

	gen, ctrl, ok := s.beginGeneration(callID)
	if !ok {
		return
	}
	s.inflight.Add(1)
	go s.respond(callID, gen, ctrl, text)
}

// checkTopic runs the topic guard against the call's anchor and applies the
// drift policy. It reports whether a reply should be generated.
func (s *Server) checkTopic(ctx context.Context, callID, text string) bool {
	guard := s.cfg.TopicGuard

	s.respMu.Lock()
	st := s.stateLocked(callID)
	if st.disconnected {
		s.respMu.Unlock()
		return false
	}
	decision := topicguard.Evaluate(text, st.anchor, guard.MinKeywords)
	if decision.Allow {
		st.drift = 0
		if decision.Judged {
			st.anchor = topicguard.MergeAnchor(st.anchor, decision.Keywords, topicguard.MaxAnchorKeywords)
		}
		s.respMu.Unlock()
		if decision.EstablishAnchor {
			s.logger.Debug("topic anchor established", "call_id", callID, "keywords", decision.Keywords)
		}
		return true
	}

	st.drift++
	drift := st.drift
	endCall := guard.EndOnDrift && guard.MaxDrift > 0 && drift >= guard.MaxDrift
	if endCall {
		st.anchor = nil
		st.drift = 0
	}
	s.respMu.Unlock()

	s.metrics.RecordTopicDrift()
	s.logger.Info("off-topic utterance",
		"call_id", callID,
		"drift", drift,
		"keywords", decision.Keywords,
	)

	ctx = context.WithoutCancel(ctx)
	if guard.WarningText != "" {
		if err := s.speak(ctx, callID, guard.WarningText, voice.SpeakOptions{}); err != nil {
			s.logger.Warn("drift warning failed", "call_id", callID, "error", err)
		}
	}
	if endCall {
		if err := s.manager.EndCall(ctx, callID); err != nil && !errors.Is(err, voice.ErrCallNotActive) {
			s.logger.Warn("end on drift failed", "call_id", callID, "error", err)
		}
	}
	return false
}

// respond produces and speaks the reply for one generation.
func (s *Server) respond(callID string, gen uint64, ctrl *cues.Controller, utterance string) {
	defer s.inflight.Done()
	defer ctrl.Settle()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ResponseTimeout)
	defer cancel()
	logger := s.logger.With("call_id", callID, "generation", gen)

	if err := ctrl.MaybeSpeakAcknowledgement(ctx); err != nil {
		logger.Warn("acknowledgement cue failed", "error", err)
	}
	ctrl.ScheduleProgressCue(ctx)

	record, ok := s.manager.GetCall(callID)
	if !ok {
		return
	}

	ctx, span := s.tracer.TraceResponse(ctx, callID, s.cfg.Responder.Name())
	started := time.Now()
	reply, err := s.cfg.Responder.Respond(ctx, &responder.Request{
		CallID:     callID,
		Transcript: record.Transcript,
		Utterance:  utterance,
	})
	s.metrics.ObserveResponder(s.cfg.Responder.Name(), time.Since(started).Seconds())
	ctrl.Settle()
	if err != nil {
		s.tracer.RecordError(span, err)
		span.End()
		if errors.Is(err, responder.ErrEmptyReply) {
			s.metrics.RecordResponse("empty")
			logger.Debug("responder returned nothing")
			return
		}
		s.metrics.RecordResponse("error")
		logger.Warn("response generation failed", "error", err)
		return
	}
	span.End()

	switch err := s.speakCurrent(ctx, callID, gen, reply, voice.SpeakOptions{}); {
	case errors.Is(err, errStale):
		s.metrics.RecordResponse("stale")
		logger.Debug("stale response dropped")
	case err != nil:
		s.metrics.RecordResponse("error")
		logger.Warn("speaking response failed", "error", err)
	default:
		s.metrics.RecordResponse("spoken")
	}
}

// cueSpeaker returns the cue callback for a generation. Cues never enter
// the transcript.
func (s *Server) cueSpeaker(callID string, gen uint64) cues.SpeakFunc {
	return func(ctx context.Context, kind cues.Kind, text string) error {
		err := s.speakCurrent(ctx, callID, gen, text, voice.SpeakOptions{SkipTranscript: true})
		switch {
		case errors.Is(err, errStale):
			return nil
		case err != nil:
			return err
		}
		s.metrics.CueSpoken(string(kind))
		return nil
	}
}

// speakCurrent speaks text only if gen is still current for the call.
func (s *Server) speakCurrent(ctx context.Context, callID string, gen uint64, text string, opts voice.SpeakOptions) error {
	if !s.isCurrent(callID, gen) {
		return errStale
	}
	return s.speak(ctx, callID, text, opts)
}

// speak plays text on the call, accounting for the media stream restart the
// playback causes.
func (s *Server) speak(ctx context.Context, callID, text string, opts voice.SpeakOptions) error {
	s.respMu.Lock()
	st, ok := s.calls[callID]
	// Twilio playback replaces the call's TwiML, which drops and reopens the media stream.
	expectRestart := ok && st.stream != nil && s.cfg.Provider.Name() == voice.ProviderTwilio
	if expectRestart {
		st.pendingRestarts++
	}
	s.respMu.Unlock()

	err := s.manager.Speak(ctx, callID, text, opts)
	if err != nil && expectRestart {
		s.respMu.Lock()
		if st.pendingRestarts > 0 {
			st.pendingRestarts--
		}
		s.respMu.Unlock()
	}
	return err
}
