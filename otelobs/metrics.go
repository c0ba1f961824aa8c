package otelobs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsHandler translates transport events into OpenTelemetry metrics,
// grounded on the teacher's MetricsHandler: one instrument set built once
// against a meter, one Handle method dispatching on event kind.
type MetricsHandler struct {
	enqueued          metric.Int64Counter
	dropped           metric.Int64Counter
	batchesInserted   metric.Int64Counter
	batchesFailed     metric.Int64Counter
	messagesInserted  metric.Int64Counter
	delivered         metric.Int64Counter
	callbackFailures  metric.Int64Counter
	insertDuration    metric.Float64Histogram
	deliveryLatency   metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler backed by meter's instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	enqueued, err := meter.Int64Counter("sessionbus.messages.enqueued",
		metric.WithDescription("Number of messages accepted by the Writer intake queue"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("sessionbus.messages.dropped",
		metric.WithDescription("Number of messages rejected because the intake queue was full"))
	if err != nil {
		return nil, err
	}
	batchesInserted, err := meter.Int64Counter("sessionbus.batches.inserted",
		metric.WithDescription("Number of batch inserts committed"))
	if err != nil {
		return nil, err
	}
	batchesFailed, err := meter.Int64Counter("sessionbus.batches.failed",
		metric.WithDescription("Number of batch inserts that failed and were discarded"))
	if err != nil {
		return nil, err
	}
	messagesInserted, err := meter.Int64Counter("sessionbus.messages.inserted",
		metric.WithDescription("Number of messages persisted across all batch inserts"))
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter("sessionbus.messages.delivered",
		metric.WithDescription("Number of messages dispatched to every registered callback"))
	if err != nil {
		return nil, err
	}
	callbackFailures, err := meter.Int64Counter("sessionbus.callbacks.failed",
		metric.WithDescription("Number of callback panics recovered during dispatch"))
	if err != nil {
		return nil, err
	}
	insertDuration, err := meter.Float64Histogram("sessionbus.batch.insert.duration",
		metric.WithDescription("Duration of a single InsertBatch call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	deliveryLatency, err := meter.Float64Histogram("sessionbus.message.delivery.latency",
		metric.WithDescription("Time between message creation and delivery to callbacks"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		enqueued:         enqueued,
		dropped:          dropped,
		batchesInserted:  batchesInserted,
		batchesFailed:    batchesFailed,
		messagesInserted: messagesInserted,
		delivered:        delivered,
		callbackFailures: callbackFailures,
		insertDuration:   insertDuration,
		deliveryLatency:  deliveryLatency,
	}, nil
}

// Hook returns a Hook that feeds events into this handler's instruments.
func (h *MetricsHandler) Hook() Hook {
	return h.Handle
}

// Handle records the metrics for one event.
func (h *MetricsHandler) Handle(e Event) {
	ctx := context.Background()
	sessionAttr := metric.WithAttributes(attribute.String("session_id", e.SessionID))

	switch e.Kind {
	case KindEnqueued:
		h.enqueued.Add(ctx, 1, sessionAttr)
	case KindDropped:
		h.dropped.Add(ctx, 1, sessionAttr)
	case KindBatchInserted:
		h.batchesInserted.Add(ctx, 1)
		h.messagesInserted.Add(ctx, int64(e.Count))
		h.insertDuration.Record(ctx, e.Elapsed.Seconds())
	case KindBatchFailed:
		h.batchesFailed.Add(ctx, 1)
	case KindDelivered:
		h.delivered.Add(ctx, 1, sessionAttr)
		h.deliveryLatency.Record(ctx, e.Elapsed.Seconds(), sessionAttr)
	case KindCallbackFailed:
		h.callbackFailures.Add(ctx, 1, sessionAttr)
	}
}
