package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// restoreGlobals puts back the global provider and propagator NewProvider replaces.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "vidcredit-test", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got %v", err)
	}
	if p.Enabled() {
		t.Error("expected tracing to be disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on disabled provider: %v", err)
	}
	if p.Tracer("x") == nil {
		t.Error("expected a fallback tracer")
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"missing service name", Config{Enabled: true, SamplingRate: 0.1}, ErrMissingServiceName},
		{"negative sampling rate", Config{Enabled: true, ServiceName: "svc", SamplingRate: -0.1}, ErrInvalidSamplingRate},
		{"sampling rate above one", Config{Enabled: true, ServiceName: "svc", SamplingRate: 1.5}, ErrInvalidSamplingRate},
		{"unknown exporter", Config{Enabled: true, ServiceName: "svc", SamplingRate: 1, ExporterType: "zipkin"}, ErrUnknownExporter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreGlobals(t)
			tt.cfg.Logger = quietLogger()
			_, err := NewProvider(context.Background(), tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewProvider_ExportsSpans(t *testing.T) {
	restoreGlobals(t)
	exporter := tracetest.NewInMemoryExporter()

	p, err := NewProvider(context.Background(), Config{
		ServiceName:  "vidcredit-test",
		Enabled:      true,
		Environment:  "test",
		SamplingRate: 1,
		Exporter:     exporter,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if !p.Enabled() {
		t.Fatal("expected enabled provider")
	}

	_, endSpan := StartSpan(context.Background(), "ledger.apply_purchase", AttrPurchaseID.String("pur_1"))
	endSpan(nil)

	// Shutdown flushes the batcher.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	if spans[0].Name != "ledger.apply_purchase" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "vidcredit-test" {
		t.Errorf("service.name = %q", service)
	}

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	if !fields["traceparent"] || !fields["baggage"] {
		t.Errorf("expected trace context and baggage propagation, got %v", fields)
	}
}

func TestNewProvider_NeverSample(t *testing.T) {
	restoreGlobals(t)
	exporter := tracetest.NewInMemoryExporter()

	p, err := NewProvider(context.Background(), Config{
		ServiceName: "vidcredit-test",
		Enabled:     true,
		Exporter:    exporter,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, endSpan := StartSpan(context.Background(), "dropped")
	endSpan(nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(exporter.GetSpans()); got != 0 {
		t.Errorf("sampling rate 0 exported %d spans", got)
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	if p.Enabled() {
		t.Error("nil provider reports enabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}
