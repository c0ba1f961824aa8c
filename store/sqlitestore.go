package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/relaykit/sessionbus/message"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore persists messages to a SQLite database in WAL mode. It is
// grounded on the same embed-and-exec schema bootstrap the teacher's
// SQLite event store uses, adapted to the messages table in §3.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed Store at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, rows []message.Draft) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("insert_batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (session_id, event_type, data, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return unavailable("insert_batch", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.SessionID, row.EventType, row.Data,
			row.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return unavailable("insert_batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("insert_batch", err)
	}
	return nil
}

func (s *SQLiteStore) FetchUndelivered(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	query := `SELECT id, session_id, event_type, data, created_at, delivered_at
	          FROM messages
	          WHERE session_id = ? AND delivered_at IS NULL AND id > ?
	          ORDER BY id ASC`
	args := []any{sessionID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]any, 0, len(ids)+1)
	placeholders = append(placeholders, now.UTC().Format(time.RFC3339Nano))
	query := `UPDATE messages SET delivered_at = ? WHERE id IN (`
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, id)
	}
	query += ")"

	if _, err := s.db.ExecContext(ctx, query, placeholders...); err != nil {
		return unavailable("mark_delivered", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOldDelivered(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE delivered_at IS NOT NULL AND delivered_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	return unavailable("delete_old_delivered", err)
}

func (s *SQLiteStore) DeleteOldUndelivered(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE delivered_at IS NULL AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	return unavailable("delete_old_undelivered", err)
}

// WithTx runs fn against a Store scoped to a single transaction, so the
// Sweeper's two deletes (§4.5) commit or roll back together.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("with_tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTxStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("with_tx: commit", err)
	}
	return nil
}

// sqliteTxStore is a Store scoped to a single *sql.Tx, used only inside
// WithTx. InsertBatch/FetchUndelivered aren't needed by the Sweeper but are
// implemented for interface completeness and future transactional callers.
type sqliteTxStore struct {
	tx *sql.Tx
}

func (s *sqliteTxStore) InsertBatch(ctx context.Context, rows []message.Draft) error {
	for _, row := range rows {
		if _, err := s.tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, event_type, data, created_at) VALUES (?, ?, ?, ?)`,
			row.SessionID, row.EventType, row.Data, row.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return unavailable("insert_batch", err)
		}
	}
	return nil
}

func (s *sqliteTxStore) FetchUndelivered(ctx context.Context, sessionID string, afterID int64, limit int) ([]message.Record, error) {
	query := `SELECT id, session_id, event_type, data, created_at, delivered_at
	          FROM messages WHERE session_id = ? AND delivered_at IS NULL AND id > ? ORDER BY id ASC`
	args := []any{sessionID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, unavailable("fetch_undelivered", err)
	}
	return out, nil
}

func (s *sqliteTxStore) MarkDelivered(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]any, 0, len(ids)+1)
	placeholders = append(placeholders, now.UTC().Format(time.RFC3339Nano))
	query := `UPDATE messages SET delivered_at = ? WHERE id IN (`
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, id)
	}
	query += ")"
	_, err := s.tx.ExecContext(ctx, query, placeholders...)
	return unavailable("mark_delivered", err)
}

func (s *sqliteTxStore) DeleteOldDelivered(ctx context.Context, cutoff time.Time) error {
	_, err := s.tx.ExecContext(ctx,
		`DELETE FROM messages WHERE delivered_at IS NOT NULL AND delivered_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	return unavailable("delete_old_delivered", err)
}

func (s *sqliteTxStore) DeleteOldUndelivered(ctx context.Context, cutoff time.Time) error {
	_, err := s.tx.ExecContext(ctx,
		`DELETE FROM messages WHERE delivered_at IS NULL AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	return unavailable("delete_old_undelivered", err)
}

var _ Store = (*sqliteTxStore)(nil)
var _ Transactor = (*SQLiteStore)(nil)

func scanMessages(rows *sql.Rows) ([]message.Record, error) {
	var out []message.Record
	for rows.Next() {
		var (
			r            message.Record
			createdAt    string
			deliveredAt  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.EventType, &r.Data, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse created_at %q: %w", createdAt, err)
		}
		r.CreatedAt = t

		if deliveredAt.Valid && deliveredAt.String != "" {
			dt, err := time.Parse(time.RFC3339Nano, deliveredAt.String)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: parse delivered_at %q: %w", deliveredAt.String, err)
			}
			r.DeliveredAt = dt
		}

		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
