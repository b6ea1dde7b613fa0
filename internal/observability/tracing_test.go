package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	if tracer.config.ServiceName != "voicecall" {
		t.Errorf("service name = %q", tracer.config.ServiceName)
	}
	ctx, span := tracer.TraceWebhook(context.Background(), "twilio")
	tracer.SetAttributes(span, "status", 200, "ok", true)
	tracer.RecordError(span, errors.New("boom"))
	span.End()
	if GetTraceID(ctx) != "" {
		t.Errorf("no-op tracer produced a trace id")
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceResponse(context.Background(), "call-1", "static")
	if ctx == nil || span == nil {
		t.Fatal("nil tracer returned nil span")
	}
	span.End()
}
