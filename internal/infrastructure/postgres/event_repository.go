package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/booking-ledger/internal/infrastructure/postgres/migrations"
	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// EventRepository implements indexer.Repository on Postgres.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// OpenEventRepository connects, migrates and returns a repository.
func OpenEventRepository(ctx context.Context, dsn string) (*EventRepository, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := RunMigrations(ctx, pool, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}
	return NewEventRepository(pool), nil
}

func (r *EventRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *EventRepository) Append(ctx context.Context, events []state.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		batch.Queue(`
			INSERT INTO ledger_events (seq, height, tx_id, event_type, actor, payload)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (seq) DO NOTHING
		`, int64(e.Seq), int64(e.Height), e.TxID, string(e.Type), string(e.Actor), []byte(payload))
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *EventRepository) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last), nil
}

func (r *EventRepository) List(ctx context.Context, after uint64, limit int) ([]state.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT seq, height, tx_id, event_type, actor, payload
		FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT $2
	`, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []state.Event{}
	for rows.Next() {
		var (
			seq, height    int64
			txID, typ, who string
			payload        []byte
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
			Payload: payload,
		})
	}
	return out, rows.Err()
}
