package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaykit/sessionbus/message"
)

// PostgresSchema is the DDL a host must apply (via its own migration
// tool — explicitly out of scope per §1) before using PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	data         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages (session_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_delivered_at ON messages (delivered_at, created_at);
`

// pgExecQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// query helpers below run unmodified whether or not they're inside a
// transaction.
type pgExecQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a Store backed by a pgx connection pool, grounded on
// the pack's repository pattern (pgxpool.Pool held behind an interface,
// parameterized queries, explicit transactions for multi-statement work).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore from an existing pool. The pool
// is owned by the caller — PostgresStore never closes it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies PostgresSchema. Convenience for tests and small
// deployments; production hosts are expected to run their own migration
// tool per §1's non-goals.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return unavailable("ensure_schema", err)
	}
	return nil
}

func (s *PostgresStore) InsertBatch(ctx context.Context, rows []message.Draft) error {
	return insertBatchOn(ctx, s.pool, rows)
}

func (s *PostgresStore) FetchUndelivered(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	return fetchUndeliveredOn(ctx, s.pool, sessionID, afterID, limit)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, ids []int64, now time.Time) error {
	return markDeliveredOn(ctx, s.pool, ids, now)
}

func (s *PostgresStore) DeleteOldDelivered(ctx context.Context, cutoff time.Time) error {
	return deleteOldDeliveredOn(ctx, s.pool, cutoff)
}

func (s *PostgresStore) DeleteOldUndelivered(ctx context.Context, cutoff time.Time) error {
	return deleteOldUndeliveredOn(ctx, s.pool, cutoff)
}

// WithTx runs fn against a Store scoped to a single transaction, so the
// Sweeper's two deletes (§4.5) commit or roll back together.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("with_tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTxStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("with_tx: commit", err)
	}
	return nil
}

// pgTxStore is a Store scoped to a single pgx.Tx, used only inside WithTx.
type pgTxStore struct {
	tx pgx.Tx
}

func (s *pgTxStore) InsertBatch(ctx context.Context, rows []message.Draft) error {
	return insertBatchOn(ctx, s.tx, rows)
}

func (s *pgTxStore) FetchUndelivered(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	return fetchUndeliveredOn(ctx, s.tx, sessionID, afterID, limit)
}

func (s *pgTxStore) MarkDelivered(ctx context.Context, ids []int64, now time.Time) error {
	return markDeliveredOn(ctx, s.tx, ids, now)
}

func (s *pgTxStore) DeleteOldDelivered(ctx context.Context, cutoff time.Time) error {
	return deleteOldDeliveredOn(ctx, s.tx, cutoff)
}

func (s *pgTxStore) DeleteOldUndelivered(ctx context.Context, cutoff time.Time) error {
	return deleteOldUndeliveredOn(ctx, s.tx, cutoff)
}

func insertBatchOn(ctx context.Context, q pgExecQuerier, rows []message.Draft) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO messages (session_id, event_type, data, created_at) VALUES ($1, $2, $3, $4)`,
			row.SessionID, row.EventType, row.Data, row.CreatedAt.UTC(),
		)
	}

	pool, ok := q.(*pgxpool.Pool)
	if ok {
		br := pool.SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()
		for range rows {
			if _, err := br.Exec(); err != nil {
				return unavailable("insert_batch", err)
			}
		}
		return nil
	}

	tx, ok := q.(pgx.Tx)
	if !ok {
		return unavailable("insert_batch", fmt.Errorf("unsupported querier %T", q))
	}
	br := tx.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return unavailable("insert_batch", err)
		}
	}
	return nil
}

func fetchUndeliveredOn(ctx context.Context, q pgExecQuerier, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	query := `SELECT id, session_id, event_type, data, created_at, delivered_at
	          FROM messages
	          WHERE session_id = $1 AND delivered_at IS NULL AND id > $2
	          ORDER BY id ASC`
	args := []any{sessionID, afterID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	defer rows.Close()

	var out []message.Record
	for rows.Next() {
		var (
			r           message.Record
			deliveredAt *time.Time
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.EventType, &r.Data, &r.CreatedAt, &deliveredAt); err != nil {
			return nil, unavailable("fetch_undelivered", err)
		}
		if deliveredAt != nil {
			r.DeliveredAt = *deliveredAt
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	return out, nil
}

func markDeliveredOn(ctx context.Context, q pgExecQuerier, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `UPDATE messages SET delivered_at = $1 WHERE id = ANY($2)`, now.UTC(), ids)
	return unavailable("mark_delivered", err)
}

func deleteOldDeliveredOn(ctx context.Context, q pgExecQuerier, cutoff time.Time) error {
	_, err := q.Exec(ctx, `DELETE FROM messages WHERE delivered_at IS NOT NULL AND delivered_at < $1`, cutoff.UTC())
	return unavailable("delete_old_delivered", err)
}

func deleteOldUndeliveredOn(ctx context.Context, q pgExecQuerier, cutoff time.Time) error {
	_, err := q.Exec(ctx, `DELETE FROM messages WHERE delivered_at IS NULL AND created_at < $1`, cutoff.UTC())
	return unavailable("delete_old_undelivered", err)
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*pgTxStore)(nil)
var _ Transactor = (*PostgresStore)(nil)

// ParseConfig is a thin re-export point so callers building a pool don't
// need to import pgxpool directly just to validate a DSN.
func ParseConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	return cfg, nil
}
