package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.PipelineDuration == nil {
		t.Error("PipelineDuration is nil")
	}
	if m.PipelineAttempts == nil {
		t.Error("PipelineAttempts is nil")
	}
	if m.ResponderDuration == nil {
		t.Error("ResponderDuration is nil")
	}
	if m.DeliveryDuration == nil {
		t.Error("DeliveryDuration is nil")
	}
	if m.DeliveryErrors == nil {
		t.Error("DeliveryErrors is nil")
	}
	if m.WebhookRequests == nil {
		t.Error("WebhookRequests is nil")
	}
	if m.DuplicateDrops == nil {
		t.Error("DuplicateDrops is nil")
	}
	if m.TasksExhausted == nil {
		t.Error("TasksExhausted is nil")
	}
	if m.StoreBusyRetries == nil {
		t.Error("StoreBusyRetries is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments must still create cleanly.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
