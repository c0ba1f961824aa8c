package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/sessionbus/message"
	"github.com/relaykit/sessionbus/store"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubscriberDeliversInOrder(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "1", CreatedAt: time.Now()},
		{SessionID: "s", EventType: "e", Data: "2", CreatedAt: time.Now()},
		{SessionID: "s", EventType: "e", Data: "3", CreatedAt: time.Now()},
	})

	var mu sync.Mutex
	var got []string
	sub := New("s", st, Config{PollingInterval: time.Millisecond}, func(r message.Record) {
		mu.Lock()
		got = append(got, r.Data)
		mu.Unlock()
	})
	sub.Start()
	defer sub.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("expected in-order delivery, got %v", got)
	}
}

func TestSubscriberMarksDelivered(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "1", CreatedAt: time.Now()},
	})

	sub := New("s", st, Config{PollingInterval: time.Millisecond}, func(message.Record) {})
	sub.Start()
	defer sub.Stop()

	waitFor(t, time.Second, func() bool {
		rows, _ := st.FetchUndelivered(ctx, "s", 0, 10)
		return len(rows) == 0
	})
}

func TestSubscriberOnlyDeliversItsOwnSession(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s1", EventType: "e", Data: "mine", CreatedAt: time.Now()},
		{SessionID: "s2", EventType: "e", Data: "not-mine", CreatedAt: time.Now()},
	})

	var mu sync.Mutex
	var got []string
	sub := New("s1", st, Config{PollingInterval: time.Millisecond}, func(r message.Record) {
		mu.Lock()
		got = append(got, r.Data)
		mu.Unlock()
	})
	sub.Start()
	defer sub.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "mine" {
		t.Fatalf("session isolation violated, got %v", got)
	}
}

func TestSubscriberResumesFromLastID(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "1", CreatedAt: time.Now()},
	})

	sub := New("s", st, Config{PollingInterval: time.Millisecond}, func(message.Record) {})
	sub.Start()

	waitFor(t, time.Second, func() bool {
		rows, _ := st.FetchUndelivered(ctx, "s", 0, 10)
		return len(rows) == 0
	})
	sub.Stop()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "2", CreatedAt: time.Now()},
	})

	var mu sync.Mutex
	var got []string
	sub2 := New("s", st, Config{PollingInterval: time.Millisecond}, func(r message.Record) {
		mu.Lock()
		got = append(got, r.Data)
		mu.Unlock()
	})
	sub2.Start()
	defer sub2.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "2" {
		t.Fatalf("expected only the new message, got %v", got)
	}
}

func TestSubscriberCallbackPanicDoesNotStopOtherCallbacks(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "1", CreatedAt: time.Now()},
		{SessionID: "s", EventType: "e", Data: "2", CreatedAt: time.Now()},
	})

	var mu sync.Mutex
	var got []string

	sub := New("s", st, Config{PollingInterval: time.Millisecond},
		func(message.Record) { panic("boom") },
		func(r message.Record) {
			mu.Lock()
			got = append(got, r.Data)
			mu.Unlock()
		},
	)
	sub.Start()
	defer sub.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
}

func TestSubscriberAddCallbackWhileRunning(t *testing.T) {
	st := store.NewMemStore()
	sub := New("s", st, Config{PollingInterval: time.Millisecond})
	sub.Start()
	defer sub.Stop()

	if sub.CallbackCount() != 0 {
		t.Fatalf("expected 0 initial callbacks, got %d", sub.CallbackCount())
	}
	sub.AddCallback(func(message.Record) {})
	if sub.CallbackCount() != 1 {
		t.Fatalf("expected 1 callback after AddCallback, got %d", sub.CallbackCount())
	}
}

// alwaysFailingStore fails every FetchUndelivered call, to exercise the
// Subscriber's retry-budget self-stop.
type alwaysFailingStore struct {
	store.Store
	err error
}

func (s *alwaysFailingStore) FetchUndelivered(context.Context, string, int64, int) ([]message.Record, error) {
	return nil, s.err
}

func TestSubscriberRetryBudgetStopsLoop(t *testing.T) {
	st := &alwaysFailingStore{Store: store.NewMemStore(), err: errors.New("boom")}

	sub := New("s", st, Config{PollingInterval: time.Millisecond, RetryBudget: 3}, func(message.Record) {})
	sub.Start()

	sub.mu.Lock()
	doneCh := sub.doneCh
	sub.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("expected loop to stop itself after exhausting retry budget")
	}
}

func TestSubscriberStartIsIdempotent(t *testing.T) {
	st := store.NewMemStore()
	sub := New("s", st, Config{PollingInterval: time.Millisecond})
	sub.Start()
	sub.Start() // must not spawn a second loop or panic
	sub.Stop()
}

func TestSubscriberStopIsIdempotent(t *testing.T) {
	st := store.NewMemStore()
	sub := New("s", st, Config{PollingInterval: time.Millisecond})
	sub.Start()
	sub.Stop()
	sub.Stop() // must not hang or panic
}
