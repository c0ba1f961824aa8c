// Package subscriber implements the per-session polling loop that tails a
// Store, dispatches undelivered rows to registered callbacks, and marks
// them delivered once every callback has seen them.
//
// The callback fan-out is grounded on the teacher's StoreSubscriber.Handle
// (one event in, every registered sink sees it); the poll loop itself is
// new, built from §4.3's cycle description.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/sessionbus/message"
	"github.com/relaykit/sessionbus/otelobs"
	"github.com/relaykit/sessionbus/store"
)

// DefaultPollingInterval is the Subscriber's sleep between empty polls.
const DefaultPollingInterval = 100 * time.Millisecond

// fetchLimit is the number of rows pulled per poll, per §4.3 step 2.
const fetchLimit = 100

// Config configures a Subscriber.
type Config struct {
	// PollingInterval is the sleep between empty polls. Defaults to
	// DefaultPollingInterval.
	PollingInterval time.Duration

	// RetryBudget bounds consecutive store errors before the Subscriber
	// stops itself. Zero means unlimited, the production default; tests
	// typically set a small budget.
	RetryBudget int

	Logger *slog.Logger

	// Hook, if set, is called for every observable Subscriber event. Optional.
	Hook otelobs.Hook
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Subscriber drives one session's delivery loop: poll, dispatch to every
// registered callback in ascending id order, mark delivered, repeat.
type Subscriber struct {
	sessionID string
	store     store.Store
	cfg       Config

	callbacksMu sync.RWMutex
	callbacks   []message.Callback

	lastMessageID int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	errCount int
}

// New constructs a Subscriber for sessionID against st. callbacks is the
// initial registration list; more can be added with AddCallback while the
// Subscriber runs.
func New(sessionID string, st store.Store, cfg Config, callbacks ...message.Callback) *Subscriber {
	return &Subscriber{
		sessionID: sessionID,
		store:     st,
		cfg:       cfg.withDefaults(),
		callbacks: append([]message.Callback(nil), callbacks...),
	}
}

// AddCallback registers another callback. Safe to call while the
// Subscriber is running.
func (s *Subscriber) AddCallback(cb message.Callback) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// CallbackCount reports how many callbacks are currently registered.
func (s *Subscriber) CallbackCount() int {
	s.callbacksMu.RLock()
	defer s.callbacksMu.RUnlock()
	return len(s.callbacks)
}

// Start launches the poll loop if it isn't already running. Idempotent.
func (s *Subscriber) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

// Stop signals the loop to exit and waits (bounded) for it to terminate.
// Idempotent.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		s.cfg.Logger.Warn("subscriber: stop timed out waiting for loop exit", "session_id", s.sessionID)
	}
}

func (s *Subscriber) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if !s.poll(stopCh) {
			return
		}
	}
}

// poll runs one cycle of §4.3's algorithm. It returns false if the
// Subscriber should stop (retry budget exhausted or told to stop).
func (s *Subscriber) poll(stopCh chan struct{}) bool {
	ctx := context.Background()

	rows, err := s.store.FetchUndelivered(ctx, s.sessionID, s.lastMessageID, fetchLimit)
	if err != nil {
		s.cfg.Logger.Warn("subscriber: fetch_undelivered failed", "session_id", s.sessionID, "error", err)
		s.errCount++
		if s.cfg.RetryBudget > 0 && s.errCount >= s.cfg.RetryBudget {
			s.cfg.Logger.Error("subscriber: retry budget exhausted, stopping", "session_id", s.sessionID)
			return false
		}
		return sleepOrStop(stopCh, s.cfg.PollingInterval)
	}
	s.errCount = 0

	if len(rows) == 0 {
		return sleepOrStop(stopCh, s.cfg.PollingInterval)
	}

	now := time.Now().UTC()
	delivered := make([]int64, 0, len(rows))
	for _, row := range rows {
		s.dispatch(row)
		s.lastMessageID = row.ID
		delivered = append(delivered, row.ID)
		s.emit(otelobs.Event{
			Kind:      otelobs.KindDelivered,
			Time:      now,
			SessionID: s.sessionID,
			MessageID: row.ID,
			Elapsed:   now.Sub(row.CreatedAt),
		})
	}

	if err := s.store.MarkDelivered(ctx, delivered, time.Now().UTC()); err != nil {
		s.cfg.Logger.Warn("subscriber: mark_delivered failed", "session_id", s.sessionID, "error", err)
	}

	return true
}

// dispatch invokes every registered callback with row. A callback panic
// is caught, logged, and does not prevent other callbacks from running nor
// later rows from being processed — per §4.3's CallbackFailure handling.
func (s *Subscriber) dispatch(row message.Record) {
	s.callbacksMu.RLock()
	callbacks := append([]message.Callback(nil), s.callbacks...)
	s.callbacksMu.RUnlock()

	rec := message.Record{
		ID:        row.ID,
		SessionID: row.SessionID,
		EventType: row.EventType,
		Data:      row.Data,
	}

	for _, cb := range callbacks {
		s.safeInvoke(cb, rec)
	}
}

func (s *Subscriber) safeInvoke(cb message.Callback, rec message.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("subscriber: callback panicked", "session_id", s.sessionID, "message_id", rec.ID, "panic", r)
			s.emit(otelobs.Event{
				Kind:      otelobs.KindCallbackFailed,
				Time:      time.Now(),
				SessionID: s.sessionID,
				MessageID: rec.ID,
				Err:       fmt.Errorf("subscriber: callback panic: %v", r),
			})
		}
	}()
	cb(rec)
}

func (s *Subscriber) emit(e otelobs.Event) {
	if s.cfg.Hook != nil {
		s.cfg.Hook(e)
	}
}

// sleepOrStop sleeps for d unless stopCh fires first, returning false in
// that case so the caller's loop exits immediately rather than after a
// full sleep.
func sleepOrStop(stopCh chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
