// Package idempotency implements the processed-event ledger that makes
// at-least-once delivery safe. The postgres ledger, written in the same
// transaction as the handler's business effect, is authoritative; the
// redis store is only a cheap pre-filter in front of it.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicate reports that an event id has already been processed. Callers
// treat it as a successful no-op.
var ErrDuplicate = errors.New("event already processed")

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// MarkProcessedTx records the event id inside the caller's transaction.
// Returns ErrDuplicate when the id is already in the ledger, in which case
// the caller must roll the whole unit back.
func MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) error {
	ct, err := tx.Exec(ctx, `INSERT INTO processed_events (event_id, event_type)
		VALUES ($1,$2) ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Prefilter is a best-effort redis dedup in front of the ledger. A redis
// miss (or outage) is never an error: the message simply proceeds to the
// authoritative check. Seen is a pure read; the key is only written by Mark
// once the delivery reached an acknowledged outcome, so a redelivery of a
// message that crashed mid-flight always runs the handler again.
type Prefilter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPrefilter(rdb *redis.Client, ttl time.Duration) *Prefilter {
	return &Prefilter{rdb: rdb, ttl: ttl}
}

func (p *Prefilter) Key(eventID string) string {
	return fmt.Sprintf("idem:event:%s", eventID)
}

func (p *Prefilter) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, p.Key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records an acknowledged event id. Callers invoke it only after the
// message is safe to skip on redelivery.
func (p *Prefilter) Mark(ctx context.Context, eventID string) error {
	return p.rdb.Set(ctx, p.Key(eventID), "1", p.ttl).Err()
}
