package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing("", "scene-switcher", "test")
	if err != nil {
		t.Fatalf("InitTracing() error: %v", err)
	}
	shutdown()
	if IsTracingEnabled() {
		t.Fatal("tracing enabled without endpoint")
	}
}

func TestStartSpanNoopProvider(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "corr-1")
	ctx, span := StartSpan(ctx, "test", "op", RewardIDAttr("R1"), HTTPStatusAttr(200))
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	SetSpanSuccess(span)
	span.End()
}
