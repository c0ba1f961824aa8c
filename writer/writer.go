// Package writer implements the process-wide intake that coalesces
// concurrent publishes into bounded, single-writer batch inserts.
//
// It is grounded on the teacher's ThrottledEmitter — a background goroutine
// draining a pending set on a ticker — generalized from "coalesce the
// latest value per key" to "batch everything in arrival order and persist
// it", which is what §4.2 of the transport spec actually needs.
package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/sessionbus/message"
	"github.com/relaykit/sessionbus/otelobs"
	"github.com/relaykit/sessionbus/store"
)

// Defaults mirror the configuration table in the transport spec.
const (
	DefaultBatchSize     = 200
	DefaultFlushInterval = 50 * time.Millisecond
	DefaultMaxQueueSize  = 10_000
	DefaultShutdownWait  = 5 * time.Second
	DefaultFlushDeadline = time.Second
)

// state is the Writer's lifecycle, per §4.2: Running -> Draining -> Stopped.
type state int32

const (
	stateRunning state = iota
	stateDraining
	stateStopped
)

// Config configures a Writer. Zero values are replaced with the defaults
// above by New.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	ShutdownWait  time.Duration
	FlushDeadline time.Duration
	Logger        *slog.Logger

	// Hook, if set, is called for every observable Writer event. Optional.
	Hook otelobs.Hook
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = DefaultShutdownWait
	}
	if c.FlushDeadline <= 0 {
		c.FlushDeadline = DefaultFlushDeadline
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats is a point-in-time snapshot of Writer counters, for host metrics
// scraping. An otelobs.MetricsHandler is fed through Config.Hook instead.
type Stats struct {
	Dropped  uint64
	Queued   int
	Batches  uint64
	Inserted uint64
}

// item is either a draft to persist or a flush sentinel.
type item struct {
	draft    *message.Draft
	sentinel *sentinel
}

// sentinel is a flush marker. When the worker observes one after draining
// everything ahead of it, it closes done to release the waiting Flush call.
type sentinel struct {
	token string
	done  chan struct{}
}

// Writer accepts non-blocking enqueues, coalesces them into batches, and
// inserts them via a Store on a single serial worker.
type Writer struct {
	cfg   Config
	store store.Store

	queue chan item
	ready chan struct{}

	state   atomic.Int32 // one of the state consts
	closeMu sync.Mutex
	closed  bool

	mu       sync.Mutex
	dropped  uint64
	batches  uint64
	inserted uint64

	workerDone chan struct{}
}

// New constructs a Writer and starts its single worker goroutine. It
// waits up to 100ms for the worker to signal readiness before returning,
// matching §4.2's guidance to avoid a startup race in test harnesses.
func New(st store.Store, cfg Config) *Writer {
	cfg = cfg.withDefaults()

	w := &Writer{
		cfg:        cfg,
		store:      st,
		queue:      make(chan item, cfg.MaxQueueSize),
		ready:      make(chan struct{}),
		workerDone: make(chan struct{}),
	}

	go w.run()

	select {
	case <-w.ready:
	case <-time.After(100 * time.Millisecond):
	}

	return w
}

// Enqueue accepts data for persistence. Non-blocking: returns false and
// increments the dropped counter if the intake queue is full or the
// Writer is shutting down.
func (w *Writer) Enqueue(sessionID, eventType, data string) bool {
	return w.push(message.Draft{
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// EnqueueJSON JSON-encodes a structured payload and enqueues it, per the
// DESIGN NOTES §9 split between a string entry point and a typed one.
func (w *Writer) EnqueueJSON(sessionID, eventType string, payload any) bool {
	encoded, err := json.Marshal(payload)
	if err != nil {
		w.cfg.Logger.Warn("writer: failed to encode payload", "session_id", sessionID, "error", err)
		return false
	}
	return w.push(message.Draft{
		SessionID: sessionID,
		EventType: eventType,
		Data:      string(encoded),
		CreatedAt: time.Now().UTC(),
	})
}

// push enqueues d, holding closeMu for the duration of the check-and-send
// so it can never observe the Writer as open and then race Shutdown's
// close of the same channel — mirroring how the teacher's
// ThrottledEmitter checks/sets te.closed under te.mu before ever touching
// what Close tears down (bus/throttle.go).
func (w *Writer) push(d message.Draft) bool {
	w.closeMu.Lock()

	if w.closed {
		w.closeMu.Unlock()
		w.countDrop(d.SessionID)
		return false
	}

	select {
	case w.queue <- item{draft: &d}:
		w.closeMu.Unlock()
		w.emit(otelobs.Event{Kind: otelobs.KindEnqueued, Time: time.Now(), SessionID: d.SessionID})
		return true
	default:
		w.closeMu.Unlock()
		w.countDrop(d.SessionID)
		return false
	}
}

func (w *Writer) countDrop(sessionID string) {
	w.mu.Lock()
	w.dropped++
	w.mu.Unlock()
	w.cfg.Logger.Warn("writer: intake queue full, dropping message", "session_id", sessionID)
	w.emit(otelobs.Event{Kind: otelobs.KindDropped, Time: time.Now(), SessionID: sessionID})
}

func (w *Writer) emit(e otelobs.Event) {
	if w.cfg.Hook != nil {
		w.cfg.Hook(e)
	}
}

// Flush blocks until every message enqueued strictly before this call has
// been persisted, or FlushDeadline elapses — whichever comes first. A
// Flush called after Shutdown has begun returns immediately: there is no
// worker left to observe the sentinel.
func (w *Writer) Flush() {
	s := &sentinel{token: uuid.NewString(), done: make(chan struct{})}

	if !w.sendSentinel(s) {
		return
	}

	select {
	case <-s.done:
	case <-time.After(w.cfg.FlushDeadline):
		w.cfg.Logger.Warn("writer: flush deadline exceeded", "token", s.token)
	}
}

// sendSentinel enqueues s, holding closeMu for the whole attempt so the
// send can never straddle Shutdown's close of w.queue (same reasoning as
// push). It falls back to a bounded blocking send if the queue is
// momentarily full, and reports whether the sentinel was actually queued.
func (w *Writer) sendSentinel(s *sentinel) bool {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()

	if w.closed {
		return false
	}

	select {
	case w.queue <- item{sentinel: s}:
		return true
	default:
	}

	select {
	case w.queue <- item{sentinel: s}:
		return true
	case <-time.After(w.cfg.FlushDeadline):
		return false
	}
}

// Shutdown marks the Writer closed, waits for the worker to drain the
// queue into the store (bounded by ShutdownWait), and logs the count of
// messages not written if that bound is exceeded.
func (w *Writer) Shutdown() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	w.storeState(stateDraining)
	close(w.queue)
	w.closeMu.Unlock()

	select {
	case <-w.workerDone:
	case <-time.After(w.cfg.ShutdownWait):
		pending := len(w.queue)
		w.cfg.Logger.Error("writer: shutdown timeout, residual messages abandoned", "pending", pending)
	}
	w.storeState(stateStopped)
}

// Stats returns a snapshot of Writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Dropped:  w.dropped,
		Queued:   len(w.queue),
		Batches:  w.batches,
		Inserted: w.inserted,
	}
}

func (w *Writer) loadState() int32 {
	return w.state.Load()
}

func (w *Writer) storeState(s state) {
	w.state.Store(int32(s))
}

// run is the single serial worker: blocking take, then non-blocking drain
// up to BatchSize or empty, then one InsertBatch call. Flush sentinels
// observed during gathering are signalled after the batch insert
// completes (or immediately, if the batch ends up empty).
func (w *Writer) run() {
	defer close(w.workerDone)
	close(w.ready)

	for {
		first, ok := <-w.queue
		if !ok {
			return
		}

		batch := make([]message.Draft, 0, w.cfg.BatchSize)
		var sentinels []*sentinel

		if first.sentinel != nil {
			sentinels = append(sentinels, first.sentinel)
		} else {
			batch = append(batch, *first.draft)
		}

	gather:
		for len(batch) < w.cfg.BatchSize {
			select {
			case it, ok := <-w.queue:
				if !ok {
					break gather
				}
				if it.sentinel != nil {
					sentinels = append(sentinels, it.sentinel)
					continue
				}
				batch = append(batch, *it.draft)
			default:
				break gather
			}
		}

		w.insertBatch(batch)

		for _, s := range sentinels {
			close(s.done)
		}
	}
}

func (w *Writer) insertBatch(batch []message.Draft) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.cfg.Logger.Error("writer: batch insert failed, discarding batch", "size", len(batch), "error", err)
		w.emit(otelobs.Event{Kind: otelobs.KindBatchFailed, Time: time.Now(), Count: len(batch), Err: err})
		return
	}
	elapsed := time.Since(start)

	w.mu.Lock()
	w.batches++
	w.inserted += uint64(len(batch))
	w.mu.Unlock()

	w.emit(otelobs.Event{Kind: otelobs.KindBatchInserted, Time: time.Now(), Count: len(batch), Elapsed: elapsed})
}
