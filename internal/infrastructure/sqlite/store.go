// Package sqlite provides a SQLite-backed ledger event index.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/execution-hub/booking-ledger/internal/infrastructure/sqlite/migrations"
	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// EventRepository persists ledger events in SQLite.
type EventRepository struct {
	db *sql.DB
}

// Open opens a SQLite event index at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*EventRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &EventRepository{db: db}, nil
}

func (r *EventRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Append inserts events, ignoring seqs already stored.
func (r *EventRepository) Append(ctx context.Context, events []state.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ledger_events (seq, height, tx_id, event_type, actor, payload, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().UnixMilli()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, int64(e.Seq), int64(e.Height), e.TxID, string(e.Type), string(e.Actor), string(e.Payload), now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

func (r *EventRepository) LastSeq(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_events`).Scan(&last); err != nil {
		return 0, err
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func (r *EventRepository) List(ctx context.Context, after uint64, limit int) ([]state.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, height, tx_id, event_type, actor, payload
		FROM ledger_events WHERE seq > ? ORDER BY seq LIMIT ?`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []state.Event{}
	for rows.Next() {
		var (
			seq, height    int64
			txID, typ, who string
			payload        string
		)
		if err := rows.Scan(&seq, &height, &txID, &typ, &who, &payload); err != nil {
			return nil, err
		}
		out = append(out, state.Event{
			Seq:     uint64(seq),
			Height:  uint64(height),
			TxID:    txID,
			Type:    state.EventType(typ),
			Actor:   keys.Identity(who),
			Payload: []byte(payload),
		})
	}
	return out, rows.Err()
}
