package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the postgres-backed outbox used by both services. Each service
// owns its own outbox table in its own database; the schema is identical.
type PGStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPGStore(log *slog.Logger, pool *pgxpool.Pool) *PGStore {
	return &PGStore{log: log, pool: pool}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS outbox (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		aggregate_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload BYTEA NOT NULL,
		traceparent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error TEXT,
		relay_id TEXT,
		lease_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// InsertTx appends an outbox row inside the caller's transaction. This is
// the only way business code writes to the outbox: the business rows and
// the record of intent to publish commit or roll back together.
func InsertTx(ctx context.Context, tx pgx.Tx, msg Message) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox (event_id, aggregate_id, type, payload, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,'pending')`,
		msg.EventID, msg.AggregateID, msg.Type, msg.Payload, msg.Traceparent)
	return err
}

func (s *PGStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, type, payload, traceparent, retry_count, created_at
		FROM outbox
		WHERE (status = 'pending' AND next_attempt_at <= now())
		   OR (status = 'in_progress' AND lease_until < now())
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.Type, &e.Payload, &e.Traceparent, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + $2::interval WHERE id = ANY($3)`,
		relayID, lease.String(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='published', relay_id=NULL, lease_until=NULL WHERE id = ANY($1)`, ids)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, id int64, errMsg string, retryIn time.Duration, exhausted bool) error {
	status := StatusPending
	if exhausted {
		status = StatusFailed
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox
		SET status=$2, last_error=$3, retry_count=retry_count+1,
		    next_attempt_at=now() + $4::interval, relay_id=NULL, lease_until=NULL
		WHERE id=$1`,
		id, string(status), errMsg, retryIn.String())
	return err
}
