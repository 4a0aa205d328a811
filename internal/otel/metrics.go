package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all mailpilot metrics instruments.
type Metrics struct {
	PipelineDuration  metric.Float64Histogram
	PipelineAttempts  metric.Int64Counter
	ResponderDuration metric.Float64Histogram
	DeliveryDuration  metric.Float64Histogram
	DeliveryErrors    metric.Int64Counter
	WebhookRequests   metric.Int64Counter
	DuplicateDrops    metric.Int64Counter
	TasksExhausted    metric.Int64Counter
	StoreBusyRetries  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PipelineDuration, err = meter.Float64Histogram("mailpilot.pipeline.duration",
		metric.WithDescription("End-to-end task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelineAttempts, err = meter.Int64Counter("mailpilot.pipeline.attempts",
		metric.WithDescription("Total processing attempts including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponderDuration, err = meter.Float64Histogram("mailpilot.responder.duration",
		metric.WithDescription("Reply generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram("mailpilot.delivery.duration",
		metric.WithDescription("Outbound send duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryErrors, err = meter.Int64Counter("mailpilot.delivery.errors",
		metric.WithDescription("Outbound send error count"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRequests, err = meter.Int64Counter("mailpilot.webhook.requests",
		metric.WithDescription("Inbound webhook requests received"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateDrops, err = meter.Int64Counter("mailpilot.dedupe.drops",
		metric.WithDescription("Messages dropped as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExhausted, err = meter.Int64Counter("mailpilot.tasks.exhausted",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreBusyRetries, err = meter.Int64Counter("mailpilot.store.busy_retries",
		metric.WithDescription("Store operations retried on a busy database"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
