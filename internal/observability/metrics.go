package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the voice service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// WebhookRequests counts webhook deliveries.
	// Labels: provider, status_code
	WebhookRequests *prometheus.CounterVec

	// WebhookDuration measures webhook handling time in seconds.
	// Labels: provider
	WebhookDuration *prometheus.HistogramVec

	// EventsProcessed counts normalized call events.
	// Labels: type, outcome (applied|ignored|rejected|error)
	EventsProcessed *prometheus.CounterVec

	// CallsStarted counts calls by direction.
	CallsStarted *prometheus.CounterVec

	// CallsEnded counts terminal calls by end reason.
	CallsEnded *prometheus.CounterVec

	// ActiveStreams is the number of open media streams.
	ActiveStreams prometheus.Gauge

	// Responses counts auto-response outcomes.
	// Labels: outcome (spoken|stale|error|filtered|off_topic|empty)
	Responses *prometheus.CounterVec

	// ResponseDuration measures responder latency in seconds.
	// Labels: provider
	ResponseDuration *prometheus.HistogramVec

	// CuesSpoken counts filler cues. Labels: kind (acknowledgement|progress)
	CuesSpoken *prometheus.CounterVec

	// TopicDrift counts off-topic utterances.
	TopicDrift prometheus.Counter

	// BargeIns counts playback interruptions triggered by caller speech.
	BargeIns prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_webhook_requests_total",
				Help: "Webhook deliveries by provider and response status",
			},
			[]string{"provider", "status_code"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicecall_webhook_duration_seconds",
				Help:    "Time spent handling a webhook delivery",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider"},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_events_total",
				Help: "Normalized call events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CallsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_calls_started_total",
				Help: "Calls started by direction",
			},
			[]string{"direction"},
		),
		CallsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_calls_ended_total",
				Help: "Calls ended by reason",
			},
			[]string{"reason"},
		),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_media_streams_active",
			Help: "Open media stream connections",
		}),
		Responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_responses_total",
				Help: "Auto-response outcomes",
			},
			[]string{"outcome"},
		),
		ResponseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicecall_response_duration_seconds",
				Help:    "Time taken by the responder to produce a reply",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 30},
			},
			[]string{"provider"},
		),
		CuesSpoken: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicecall_cues_spoken_total",
				Help: "Filler cues spoken while a reply was pending",
			},
			[]string{"kind"},
		),
		TopicDrift: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_topic_drift_total",
			Help: "Utterances rejected as off topic",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_barge_ins_total",
			Help: "Playback cleared because the caller started speaking",
		}),
	}
}

// RecordWebhook records one webhook delivery.
func (m *Metrics) RecordWebhook(provider, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(provider, statusCode).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordEvent counts a processed event.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// CallStarted counts a new call.
func (m *Metrics) CallStarted(direction string) {
	if m == nil {
		return
	}
	m.CallsStarted.WithLabelValues(direction).Inc()
}

// CallEnded counts a terminal call.
func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(reason).Inc()
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordResponse counts an auto-response outcome.
func (m *Metrics) RecordResponse(outcome string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(outcome).Inc()
}

// ObserveResponder records responder latency.
func (m *Metrics) ObserveResponder(provider string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ResponseDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// CueSpoken counts a filler cue.
func (m *Metrics) CueSpoken(kind string) {
	if m == nil {
		return
	}
	m.CuesSpoken.WithLabelValues(kind).Inc()
}

// RecordTopicDrift counts an off-topic utterance.
func (m *Metrics) RecordTopicDrift() {
	if m == nil {
		return
	}
	m.TopicDrift.Inc()
}

// RecordBargeIn counts an interruption.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}
