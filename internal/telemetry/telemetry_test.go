package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.ServiceName != "ddiagent" {
		t.Errorf("expected ServiceName 'ddiagent', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("expected ExporterType 'none', got %q", cfg.ExporterType)
	}
}

func TestNewTracerDisabled(t *testing.T) {
	ctx := context.Background()
	tracer, err := NewTracer(ctx, DefaultConfig())
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if tracer.Enabled() {
		t.Error("expected tracer to be disabled")
	}

	spanCtx, span := tracer.StartRequestSpan(ctx, RequestSpanOptions{Method: "GET", URL: "https://x", Kind: "poll"})
	defer span.End()

	if spanCtx == nil || span == nil {
		t.Fatal("expected non-nil context and span even when disabled")
	}
}

func TestGetGlobalTracerDefaultsToNoop(t *testing.T) {
	globalMu.Lock()
	globalTracer = nil
	globalMu.Unlock()

	tr := GetGlobalTracer()
	if tr == nil || tr.Enabled() {
		t.Fatal("expected a disabled no-op tracer")
	}
}

func TestRecordErrorOnNilSpanIsNoop(t *testing.T) {
	RecordError(nil, errors.New("boom"), "transport")
}

func TestMetricsDisabledRecordsAreNoop(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(ctx, DefaultMetricsConfig())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(ctx)

	if m.Enabled() {
		t.Error("expected metrics to be disabled")
	}

	m.RecordPollCycle(ctx, true)
	m.RecordDeployment(ctx, "success")
	m.RecordDownload(ctx, 1024, 1.5)
	m.RecordError(ctx, "transport")
}

func TestGetGlobalMetricsDefaultsToNoop(t *testing.T) {
	globalMetricsMu.Lock()
	globalMetrics = nil
	globalMetricsMu.Unlock()

	m := GetGlobalMetrics()
	if m == nil || m.Enabled() {
		t.Fatal("expected a disabled no-op meter")
	}
}
