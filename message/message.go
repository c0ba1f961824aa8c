// Package message defines the record shape carried through the session
// pub/sub transport and the callback capability subscribers register to
// receive it.
package message

import "time"

// Record is the event delivered to a Subscriber's registered callbacks.
// It is the on-the-wire shape from the store's point of view: the opaque
// data column is passed through verbatim, never re-parsed by the engine.
type Record struct {
	// ID is the store-assigned, strictly increasing, globally unique
	// identifier. It is the ordering authority for a session's stream.
	ID int64

	// SessionID is the opaque routing key for this record's stream.
	SessionID string

	// EventType is a short, publisher-defined label, not interpreted by
	// the engine.
	EventType string

	// Data is the opaque payload. May be empty.
	Data string

	// CreatedAt is the UTC instant the record was accepted by the Writer.
	CreatedAt time.Time

	// DeliveredAt is set once a Subscriber has handed the record to every
	// currently-registered callback. Zero value means undelivered.
	DeliveredAt time.Time
}

// Delivered reports whether the record has been marked delivered.
func (r Record) Delivered() bool {
	return !r.DeliveredAt.IsZero()
}

// Draft is the pre-persistence shape a Writer batches and hands to a
// Store's InsertBatch. It carries everything InsertBatch needs to assign
// an ID and a created_at.
type Draft struct {
	SessionID string
	EventType string
	Data      string
	CreatedAt time.Time
}

// Callback is the capability a Subscriber invokes once per delivered
// Record. Implementations must not block indefinitely — a slow callback
// delays every other callback registered for the same session and stalls
// the Subscriber's cursor from advancing.
type Callback func(Record)

// MultiCallback combines callbacks into one, invoking each in order.
// It mirrors the fan-out the Subscriber itself performs per row, but is
// useful for hosts that want to register one Hub callback backed by
// several independent sinks.
func MultiCallback(callbacks ...Callback) Callback {
	return func(r Record) {
		for _, cb := range callbacks {
			if cb != nil {
				cb(r)
			}
		}
	}
}
