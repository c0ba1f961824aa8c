package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/relaykit/sessionbus/message"
	"github.com/relaykit/sessionbus/store"
)

func newTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := store.NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSweeperRunDeletesOldDeliveredAndUndelivered(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	now := time.Now()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "old-undelivered", CreatedAt: now.Add(-48 * time.Hour)},
		{SessionID: "s", EventType: "e", Data: "old-delivered", CreatedAt: now.Add(-48 * time.Hour)},
		{SessionID: "s", EventType: "e", Data: "fresh-undelivered", CreatedAt: now},
	})

	rows, _ := st.FetchUndelivered(ctx, "s", 0, 10)
	var oldDeliveredID int64
	for _, r := range rows {
		if r.Data == "old-delivered" {
			oldDeliveredID = r.ID
		}
	}
	_ = st.MarkDelivered(ctx, []int64{oldDeliveredID}, now.Add(-2*time.Hour))

	sw := New(st, Config{DeliveredRetention: time.Hour, UndeliveredRetention: 24 * time.Hour})
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	remaining := st.Snapshot()
	if len(remaining) != 1 || remaining[0].Data != "fresh-undelivered" {
		t.Fatalf("expected only fresh-undelivered to survive, got %v", remaining)
	}
}

func TestSweeperRunIsIdempotent(t *testing.T) {
	st := store.NewMemStore()
	sw := New(st, Config{})

	if err := sw.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := sw.Run(context.Background()); err != nil {
		t.Fatalf("second Run on an already-clean store: %v", err)
	}
}

func TestSweeperUsesTransactorWhenAvailable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = st.InsertBatch(ctx, []message.Draft{
		{SessionID: "s", EventType: "e", Data: "old-undelivered", CreatedAt: now.Add(-48 * time.Hour)},
	})

	sw := New(st, Config{DeliveredRetention: time.Hour, UndeliveredRetention: 24 * time.Hour})
	if err := sw.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows, err := st.FetchUndelivered(ctx, "s", 0, 10)
	if err != nil {
		t.Fatalf("FetchUndelivered: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected the old undelivered row swept via the transactional path, got %v", rows)
	}
}
