// Package otelobs translates transport-internal events into OpenTelemetry
// counters, histograms, and spans, the way the teacher's otel package
// translates runtime.Event into metrics and traces. It is optional: every
// component runs fine with a nil Hook.
package otelobs

import "time"

// Kind identifies what happened, mirroring the teacher's runtime.EventKind
// enum but scoped to what the Writer and Subscriber can observe.
type Kind string

const (
	KindEnqueued       Kind = "message.enqueued"
	KindDropped        Kind = "message.dropped"
	KindBatchInserted  Kind = "batch.inserted"
	KindBatchFailed    Kind = "batch.failed"
	KindDelivered      Kind = "message.delivered"
	KindCallbackFailed Kind = "callback.failed"
)

// Event is the payload a Hook receives. Fields not relevant to Kind are
// left zero.
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	MessageID int64
	Count     int           // batch size, for KindBatchInserted/KindBatchFailed
	Elapsed   time.Duration // insert duration or enqueue-to-delivery latency
	Err       error
}

// Hook is called synchronously from the Writer or Subscriber goroutine
// that observed the event; implementations must not block.
type Hook func(Event)

// MultiHook fans a single event out to every non-nil hook, mirroring
// message.MultiCallback.
func MultiHook(hooks ...Hook) Hook {
	filtered := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	return func(e Event) {
		for _, h := range filtered {
			h(e)
		}
	}
}
