package otelobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsHandlerEnqueuedAndDropped(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(Event{Kind: KindEnqueued, SessionID: "s", Time: time.Now()})
	h.Handle(Event{Kind: KindEnqueued, SessionID: "s", Time: time.Now()})
	h.Handle(Event{Kind: KindDropped, SessionID: "s", Time: time.Now()})

	rm := collectMetrics(t, reader)

	enq := findMetric(rm, "sessionbus.messages.enqueued")
	if enq == nil {
		t.Fatal("sessionbus.messages.enqueued metric not found")
	}
	sum, ok := enq.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", enq.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("expected a single data point valued 2, got %v", sum.DataPoints)
	}

	dropped := findMetric(rm, "sessionbus.messages.dropped")
	if dropped == nil {
		t.Fatal("sessionbus.messages.dropped metric not found")
	}
}

func TestMetricsHandlerBatchInsertedRecordsCountAndDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(Event{Kind: KindBatchInserted, Count: 50, Elapsed: 200 * time.Millisecond, Time: time.Now()})

	rm := collectMetrics(t, reader)

	batches := findMetric(rm, "sessionbus.batches.inserted")
	if batches == nil {
		t.Fatal("sessionbus.batches.inserted metric not found")
	}
	inserted := findMetric(rm, "sessionbus.messages.inserted")
	if inserted == nil {
		t.Fatal("sessionbus.messages.inserted metric not found")
	}
	sum := inserted.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 50 {
		t.Errorf("expected 50 messages inserted, got %d", sum.DataPoints[0].Value)
	}

	dur := findMetric(rm, "sessionbus.batch.insert.duration")
	if dur == nil {
		t.Fatal("sessionbus.batch.insert.duration metric not found")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Sum != 0.2 {
		t.Errorf("expected insert duration sum 0.2s, got %f", hist.DataPoints[0].Sum)
	}
}

func TestMetricsHandlerBatchFailedIncrementsFailureCounterOnly(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(Event{Kind: KindBatchFailed, Count: 10, Err: errors.New("insert failed"), Time: time.Now()})

	rm := collectMetrics(t, reader)

	failed := findMetric(rm, "sessionbus.batches.failed")
	if failed == nil {
		t.Fatal("sessionbus.batches.failed metric not found")
	}
	if inserted := findMetric(rm, "sessionbus.messages.inserted"); inserted != nil {
		sum := inserted.Data.(metricdata.Sum[int64])
		for _, dp := range sum.DataPoints {
			if dp.Value != 0 {
				t.Errorf("a failed batch must not count toward messages inserted, got %d", dp.Value)
			}
		}
	}
}

func TestMetricsHandlerDeliveredRecordsLatency(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(Event{Kind: KindDelivered, SessionID: "s", Elapsed: 500 * time.Millisecond, Time: time.Now()})

	rm := collectMetrics(t, reader)

	delivered := findMetric(rm, "sessionbus.messages.delivered")
	if delivered == nil {
		t.Fatal("sessionbus.messages.delivered metric not found")
	}
	latency := findMetric(rm, "sessionbus.message.delivery.latency")
	if latency == nil {
		t.Fatal("sessionbus.message.delivery.latency metric not found")
	}
	hist := latency.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Sum != 0.5 {
		t.Errorf("expected delivery latency sum 0.5s, got %f", hist.DataPoints[0].Sum)
	}
}

func TestMetricsHandlerCallbackFailed(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(Event{Kind: KindCallbackFailed, SessionID: "s", Time: time.Now()})

	rm := collectMetrics(t, reader)
	if findMetric(rm, "sessionbus.callbacks.failed") == nil {
		t.Fatal("sessionbus.callbacks.failed metric not found")
	}
}
