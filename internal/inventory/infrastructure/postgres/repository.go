package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockflow/internal/inventory/domain"
	"stockflow/pkg/idempotency"
	"stockflow/pkg/outbox"
)

// Repository persists the stock ledger and reservations. Optimistic locking
// is an explicit compare-and-swap: every UPDATE carries the loaded version
// in its WHERE clause and a zero affected-row count rolls the whole
// transaction back with domain.ErrVersionConflict.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stock_ledger (
			product_id TEXT PRIMARY KEY,
			available INT NOT NULL CHECK (available >= 0),
			reserved INT NOT NULL CHECK (reserved >= 0),
			total INT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS reservations_pending_expiry
			ON reservations (expires_at) WHERE status = 'PENDING'`,
		`CREATE TABLE IF NOT EXISTS reservation_items (
			reservation_id TEXT NOT NULL REFERENCES reservations(id),
			position INT NOT NULL,
			product_id TEXT NOT NULL REFERENCES stock_ledger(product_id),
			quantity INT NOT NULL CHECK (quantity > 0),
			PRIMARY KEY (reservation_id, product_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := outbox.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	return idempotency.EnsureSchema(ctx, pool)
}

func (r *Repository) GetLedgerEntry(ctx context.Context, productID string) (*domain.StockLedgerEntry, error) {
	var e domain.StockLedgerEntry
	err := r.pool.QueryRow(ctx, `SELECT product_id, available, reserved, total, version, updated_at
		FROM stock_ledger WHERE product_id=$1`, productID).
		Scan(&e.ProductID, &e.Available, &e.Reserved, &e.Total, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) GetLedgerEntries(ctx context.Context, productIDs []string) (map[string]*domain.StockLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, available, reserved, total, version, updated_at
		FROM stock_ledger WHERE product_id = ANY($1)`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]*domain.StockLedgerEntry, len(productIDs))
	for rows.Next() {
		var e domain.StockLedgerEntry
		if err := rows.Scan(&e.ProductID, &e.Available, &e.Reserved, &e.Total, &e.Version, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries[e.ProductID] = &e
	}
	return entries, rows.Err()
}

func (r *Repository) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	var res domain.Reservation
	err := r.pool.QueryRow(ctx, `SELECT id, order_id, status, created_at, expires_at, version
		FROM reservations WHERE id=$1`, id).
		Scan(&res.ID, &res.OrderID, &res.Status, &res.CreatedAt, &res.ExpiresAt, &res.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, status, created_at, expires_at, version
		FROM reservations WHERE status='PENDING' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.OrderID, &res.Status, &res.CreatedAt, &res.ExpiresAt, &res.Version); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (r *Repository) CreateReservation(ctx context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg outbox.Message, causationEventID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Duplicate causing events short-circuit before anything is written.
	if causationEventID != "" {
		if err := idempotency.MarkProcessedTx(ctx, tx, causationEventID, msg.Type); err != nil {
			return err
		}
	}

	if err := casEntries(ctx, tx, entries); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO reservations (id, order_id, status, created_at, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,1)`,
		res.ID, res.OrderID, res.Status, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for i, it := range res.Items {
		batch.Queue(`INSERT INTO reservation_items (reservation_id, position, product_id, quantity)
			VALUES ($1,$2,$3,$4)`, res.ID, i, it.ProductID, it.Quantity)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	if err := outbox.InsertTx(ctx, tx, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) UpdateReservation(ctx context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg *outbox.Message) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE reservations SET status=$1, version=version+1
		WHERE id=$2 AND version=$3`, res.Status, res.ID, res.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %s", domain.ErrVersionConflict, res.ID)
	}

	if err := casEntries(ctx, tx, entries); err != nil {
		return err
	}
	if msg != nil {
		if err := outbox.InsertTx(ctx, tx, *msg); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) RecordFailure(ctx context.Context, causationEventID string, msg outbox.Message) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if causationEventID != "" {
		if err := idempotency.MarkProcessedTx(ctx, tx, causationEventID, msg.Type); err != nil {
			return err
		}
	}
	if err := outbox.InsertTx(ctx, tx, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Restock is a blind atomic increment; no version check is needed because
// it cannot invalidate any concurrent reader's arithmetic.
func (r *Repository) Restock(ctx context.Context, productID string, qty int) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_ledger (product_id, available, reserved, total, version, updated_at)
		VALUES ($1,$2,0,$2,1,now())
		ON CONFLICT (product_id) DO UPDATE
		SET available = stock_ledger.available + $2,
		    total = stock_ledger.total + $2,
		    version = stock_ledger.version + 1,
		    updated_at = now()`,
		productID, qty)
	return err
}

func (r *Repository) loadItems(ctx context.Context, res *domain.Reservation) error {
	rows, err := r.pool.Query(ctx, `SELECT product_id, quantity FROM reservation_items
		WHERE reservation_id=$1 ORDER BY position`, res.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.ReservationItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return err
		}
		res.Items = append(res.Items, it)
	}
	return rows.Err()
}

func casEntries(ctx context.Context, tx pgx.Tx, entries []*domain.StockLedgerEntry) error {
	for _, e := range entries {
		ct, err := tx.Exec(ctx, `UPDATE stock_ledger
			SET available=$1, reserved=$2, total=$3, version=version+1, updated_at=$4
			WHERE product_id=$5 AND version=$6`,
			e.Available, e.Reserved, e.Total, e.UpdatedAt, e.ProductID, e.Version)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: ledger %s", domain.ErrVersionConflict, e.ProductID)
		}
	}
	return nil
}
