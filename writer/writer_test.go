package writer

import (
	"context"
	"sync"
	"testing"

	"github.com/relaykit/sessionbus/otelobs"
	"github.com/relaykit/sessionbus/store"
)

func TestWriterEnqueueAndFlush(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{})
	defer w.Shutdown()

	for i := 0; i < 10; i++ {
		if !w.Enqueue("sess-1", "chat", "msg") {
			t.Fatalf("Enqueue %d should have been accepted", i)
		}
	}

	w.Flush()

	if len(st.Snapshot()) != 10 {
		t.Fatalf("expected 10 rows persisted after Flush, got %d", len(st.Snapshot()))
	}
}

func TestWriterPreservesOrderPerSession(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{})
	defer w.Shutdown()

	for i := 0; i < 20; i++ {
		w.Enqueue("sess-1", "chat", string(rune('a'+i)))
	}
	w.Flush()

	rows, err := st.FetchUndelivered(context.Background(), "sess-1", 0, 100)
	if err != nil {
		t.Fatalf("FetchUndelivered: %v", err)
	}
	if len(rows) != 20 {
		t.Fatalf("expected 20 rows, got %d", len(rows))
	}
	for i, r := range rows {
		want := string(rune('a' + i))
		if r.Data != want {
			t.Errorf("row %d: data = %q, want %q", i, r.Data, want)
		}
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{MaxQueueSize: 1})
	defer w.Shutdown()

	accepted, dropped := 0, 0
	for i := 0; i < 50; i++ {
		if w.Enqueue("s", "e", "x") {
			accepted++
		} else {
			dropped++
		}
	}

	if dropped == 0 {
		t.Fatalf("expected at least one drop with a 1-slot queue under burst")
	}
	if stats := w.Stats(); stats.Dropped != uint64(dropped) {
		t.Errorf("Stats().Dropped = %d, want %d", stats.Dropped, dropped)
	}
}

func TestWriterEnqueueJSON(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{})
	defer w.Shutdown()

	type payload struct {
		Foo string `json:"foo"`
	}
	if !w.EnqueueJSON("s", "e", payload{Foo: "bar"}) {
		t.Fatalf("EnqueueJSON should have been accepted")
	}
	w.Flush()

	rows, _ := st.FetchUndelivered(context.Background(), "s", 0, 10)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Data != `{"foo":"bar"}` {
		t.Errorf("Data = %q, want JSON-encoded payload", rows[0].Data)
	}
}

func TestWriterShutdownIsIdempotent(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{})

	w.Shutdown()
	w.Shutdown() // must not panic or hang

	if w.Enqueue("s", "e", "x") {
		t.Fatalf("Enqueue should fail after Shutdown")
	}
}

func TestWriterEmitsBatchInsertedEvent(t *testing.T) {
	st := store.NewMemStore()

	var mu sync.Mutex
	var events []otelobs.Event
	hook := func(e otelobs.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	w := New(st, Config{Hook: hook})
	defer w.Shutdown()

	w.Enqueue("s", "e", "x")
	w.Flush()

	mu.Lock()
	defer mu.Unlock()

	var sawBatch bool
	for _, e := range events {
		if e.Kind == otelobs.KindBatchInserted {
			sawBatch = true
		}
	}
	if !sawBatch {
		t.Fatalf("expected a KindBatchInserted event, got %v", events)
	}
}

func TestWriterNoStarvationUnderBurst(t *testing.T) {
	st := store.NewMemStore()
	w := New(st, Config{BatchSize: 50})
	defer w.Shutdown()

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Enqueue("s", "e", string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()
	w.Flush()

	stats := w.Stats()
	if int(stats.Inserted)+int(stats.Dropped) != n {
		t.Fatalf("inserted(%d) + dropped(%d) should equal %d enqueue attempts", stats.Inserted, stats.Dropped, n)
	}
}
