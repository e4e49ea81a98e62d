package persistmsg

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/oagudo/persistmsg"

// Failure reasons reported with the failed counter.
const (
	reasonResolution     = "resolution"
	reasonDelivery       = "delivery"
	reasonMark           = "mark_processed"
	reasonRetryExhausted = "retry_exhausted"
)

type processorMetrics struct {
	recordsStored    metric.Int64Counter
	recordsProcessed metric.Int64Counter
	recordsFailed    metric.Int64Counter
	sweepDuration    metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   processorMetrics
		err error
	)

	m.recordsStored, err = meter.Int64Counter(
		"persistmsg.records.stored",
		metric.WithDescription("Number of message records written"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create persistmsg.records.stored counter: %w", err)
	}

	m.recordsProcessed, err = meter.Int64Counter(
		"persistmsg.records.processed",
		metric.WithDescription("Number of message records marked as processed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create persistmsg.records.processed counter: %w", err)
	}

	m.recordsFailed, err = meter.Int64Counter(
		"persistmsg.records.failed",
		metric.WithDescription("Number of failed message record processing attempts"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create persistmsg.records.failed counter: %w", err)
	}

	m.sweepDuration, err = meter.Float64Histogram(
		"persistmsg.sweep.duration",
		metric.WithDescription("Time taken to process all pending message records"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create persistmsg.sweep.duration histogram: %w", err)
	}

	return m, nil
}

func noopProcessorMetrics() processorMetrics {
	m, _ := newProcessorMetrics(noop.NewMeterProvider())
	return m
}

func (m processorMetrics) stored(ctx context.Context, dt DeliveryType) {
	m.recordsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("delivery_type", string(dt))))
}

func (m processorMetrics) processed(ctx context.Context, dt DeliveryType) {
	m.recordsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("delivery_type", string(dt))))
}

func (m processorMetrics) failed(ctx context.Context, dt DeliveryType, reason string) {
	m.recordsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("delivery_type", string(dt)),
		attribute.String("reason", reason),
	))
}
