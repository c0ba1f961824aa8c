package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaykit/sessionbus/message"
)

// MemStore is a thread-safe in-memory Store, used by unit tests for the
// Writer, Subscriber, and Hub that don't need a real SQL engine.
type MemStore struct {
	mu       sync.RWMutex
	rows     []message.Record
	nextID   int64
	fetchErr error
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// FailNext makes the next FetchUndelivered call return err. Used by tests
// exercising StoreUnavailable handling in Subscriber.
func (s *MemStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *MemStore) InsertBatch(_ context.Context, rows []message.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range rows {
		s.nextID++
		s.rows = append(s.rows, message.Record{
			ID:        s.nextID,
			SessionID: d.SessionID,
			EventType: d.EventType,
			Data:      d.Data,
			CreatedAt: d.CreatedAt,
		})
	}
	return nil
}

func (s *MemStore) FetchUndelivered(_ context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	s.mu.Lock()
	if s.fetchErr != nil {
		err := s.fetchErr
		s.fetchErr = nil
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []message.Record
	for _, r := range s.rows {
		if r.SessionID != sessionID || r.ID <= afterID || r.Delivered() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MarkDelivered(_ context.Context, ids []int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for i := range s.rows {
		if set[s.rows[i].ID] {
			s.rows[i].DeliveredAt = now
		}
	}
	return nil
}

func (s *MemStore) DeleteOldDelivered(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.Delivered() && r.DeliveredAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return nil
}

func (s *MemStore) DeleteOldUndelivered(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	for _, r := range s.rows {
		if !r.Delivered() && r.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return nil
}

// Snapshot returns a copy of every row currently held, for test assertions.
func (s *MemStore) Snapshot() []message.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]message.Record, len(s.rows))
	copy(out, s.rows)
	return out
}

var _ Store = (*MemStore)(nil)
