// Package hub provides the public pub/sub façade: subscribe, unsubscribe,
// broadcast, backlog, and shutdown. It composes a Writer and a map of
// per-session Subscribers.
//
// The get-or-create session map is grounded on the teacher's MemBus
// (Subscribe/SubscribeAll keyed by run id); Backlog's direct delegation to
// the store is grounded on the teacher's SSE handler's replay phase, minus
// the wire encoding that stays out of scope here.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaykit/sessionbus/message"
	"github.com/relaykit/sessionbus/store"
	"github.com/relaykit/sessionbus/subscriber"
	"github.com/relaykit/sessionbus/writer"
)

// Config configures a Hub.
type Config struct {
	SubscriberConfig subscriber.Config
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Hub is the pub/sub façade publishers and subscribers talk to.
type Hub struct {
	store  store.Store
	writer *writer.Writer
	cfg    Config

	mu    sync.Mutex
	subs  map[string]*subscriber.Subscriber
}

// New constructs a Hub backed by st, publishing through w.
func New(st store.Store, w *writer.Writer, cfg Config) *Hub {
	return &Hub{
		store:  st,
		writer: w,
		cfg:    cfg.withDefaults(),
		subs:   make(map[string]*subscriber.Subscriber),
	}
}

// Subscribe registers cb under sessionID. If no Subscriber yet exists for
// that session, one is created and started, sharing the registration list
// with any later subscribers for the same session. A concurrent second
// Subscribe for the same session never starts a second Subscriber — the
// get-or-create is guarded by the Hub's lock.
func (h *Hub) Subscribe(sessionID string, cb message.Callback) {
	h.mu.Lock()
	sub, exists := h.subs[sessionID]
	if !exists {
		sub = subscriber.New(sessionID, h.store, h.cfg.SubscriberConfig)
		h.subs[sessionID] = sub
	}
	h.mu.Unlock()

	sub.AddCallback(cb)
	if !exists {
		sub.Start()
	}
}

// Unsubscribe removes all callbacks for sessionID and stops its
// Subscriber, if one exists.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	sub, exists := h.subs[sessionID]
	if exists {
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()

	if exists {
		sub.Stop()
	}
}

// Broadcast delegates to the Writer and returns immediately; the
// publisher does not observe delivery.
func (h *Hub) Broadcast(sessionID, eventType, data string) bool {
	return h.writer.Enqueue(sessionID, eventType, data)
}

// BroadcastJSON JSON-encodes payload before enqueueing, per the
// broadcast_json entry point in DESIGN NOTES §9.
func (h *Hub) BroadcastJSON(sessionID, eventType string, payload any) bool {
	return h.writer.EnqueueJSON(sessionID, eventType, payload)
}

// Backlog serves the SSE reconnection query: rows with id > afterID that
// remain undelivered for sessionID. It does not mark them delivered — the
// caller is a one-shot HTTP replay, not a durable subscriber.
func (h *Hub) Backlog(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	return h.store.FetchUndelivered(ctx, sessionID, afterID, limit)
}

// Shutdown stops every Subscriber, then shuts down the Writer.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber.Subscriber, 0, len(h.subs))
	for sessionID, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscriber.Subscriber) {
			defer wg.Done()
			s.Stop()
		}(sub)
	}
	wg.Wait()

	h.writer.Shutdown()
}

// SessionCount reports how many sessions currently have an active
// Subscriber, for host metrics.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
