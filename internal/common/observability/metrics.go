package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records workflow-level instruments through OpenTelemetry.
// The exporter registers with the default prometheus registry, so the
// same /metrics endpoint serves them.
type Observability struct {
	meterProvider *metric.MeterProvider
	triggers      otelmetric.Int64Counter
	stepActions   otelmetric.Int64Counter
	triggerTime   otelmetric.Float64Histogram
}

func New(serviceName string) (*Observability, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(serviceName)

	o := &Observability{meterProvider: provider}
	if o.triggers, err = meter.Int64Counter("notification.triggers",
		otelmetric.WithDescription("Workflow events handled by the trigger service")); err != nil {
		return nil, err
	}
	if o.stepActions, err = meter.Int64Counter("workflow.step_actions",
		otelmetric.WithDescription("Approval actions applied to workflow steps")); err != nil {
		return nil, err
	}
	if o.triggerTime, err = meter.Float64Histogram("notification.trigger.duration",
		otelmetric.WithDescription("Time to build and queue the notifications for one event"),
		otelmetric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return o, nil
}

// Noop returns an Observability whose recorders do nothing.
func Noop() *Observability {
	return &Observability{}
}

func (o *Observability) RecordTrigger(ctx context.Context, event, outcome string, took time.Duration) {
	if o == nil || o.triggers == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("event", event), attribute.String("outcome", outcome))
	o.triggers.Add(ctx, 1, attrs)
	o.triggerTime.Record(ctx, float64(took.Milliseconds()), attrs)
}

func (o *Observability) RecordStepAction(ctx context.Context, action, result string) {
	if o == nil || o.stepActions == nil {
		return
	}
	o.stepActions.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("action", action),
		attribute.String("result", result),
	))
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.meterProvider == nil {
		return nil
	}
	return o.meterProvider.Shutdown(ctx)
}
