// Package sweeper implements the retention sweep: deleting delivered
// messages older than one retention window and undelivered messages older
// than another, in a single transaction where the Store supports it.
//
// Grounded on the teacher's SQLiteEventStore.Prune and its pruneLoop
// ticker, restructured around the transport's two-step delete instead of
// the teacher's single age-based prune.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/sessionbus/store"
)

// Defaults mirror the retention windows in the transport's configuration
// table.
const (
	DefaultDeliveredRetention   = time.Hour
	DefaultUndeliveredRetention = 24 * time.Hour
)

// Config configures a Sweeper.
type Config struct {
	DeliveredRetention   time.Duration
	UndeliveredRetention time.Duration
	Logger               *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DeliveredRetention <= 0 {
		c.DeliveredRetention = DefaultDeliveredRetention
	}
	if c.UndeliveredRetention <= 0 {
		c.UndeliveredRetention = DefaultUndeliveredRetention
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sweeper runs the retention sweep on demand. It is not itself
// long-running; a host's job runner (or the optional Schedule below)
// invokes Run on a cadence.
type Sweeper struct {
	store store.Store
	cfg   Config
}

// New constructs a Sweeper against st.
func New(st store.Store, cfg Config) *Sweeper {
	return &Sweeper{store: st, cfg: cfg.withDefaults()}
}

// Run deletes old delivered rows, then old undelivered rows, per §4.5.
// If st implements store.Transactor, both deletes commit or roll back
// together; otherwise they run sequentially, best-effort, against a store
// with no transaction boundary to offer (MemStore).
func (s *Sweeper) Run(ctx context.Context) error {
	now := time.Now().UTC()
	deliveredCutoff := now.Add(-s.cfg.DeliveredRetention)
	undeliveredCutoff := now.Add(-s.cfg.UndeliveredRetention)

	sweep := func(st store.Store) error {
		if err := st.DeleteOldDelivered(ctx, deliveredCutoff); err != nil {
			return fmt.Errorf("sweeper: delete old delivered: %w", err)
		}
		if err := st.DeleteOldUndelivered(ctx, undeliveredCutoff); err != nil {
			return fmt.Errorf("sweeper: delete old undelivered: %w", err)
		}
		return nil
	}

	var err error
	if tx, ok := s.store.(store.Transactor); ok {
		err = tx.WithTx(ctx, sweep)
	} else {
		err = sweep(s.store)
	}

	if err != nil {
		s.cfg.Logger.Warn("sweeper: run failed", "error", err)
		return err
	}

	s.cfg.Logger.Info("sweeper: run complete",
		"delivered_cutoff", deliveredCutoff, "undelivered_cutoff", undeliveredCutoff)
	return nil
}
