package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockflow/internal/order/domain"
	"stockflow/pkg/idempotency"
	"stockflow/pkg/outbox"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			total_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			cancel_reason TEXT NOT NULL DEFAULT '',
			reservation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id),
			position INT NOT NULL,
			product_id TEXT NOT NULL,
			quantity INT NOT NULL CHECK (quantity > 0),
			unit_price BIGINT NOT NULL,
			PRIMARY KEY (order_id, product_id)
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

func (r *Repository) Create(ctx context.Context, o *domain.Order, msg outbox.Message) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, customer_id, total_amount, status, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,1)`,
		o.ID, o.CustomerID, o.TotalAmount, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, position, product_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)`, o.ID, i, it.ProductID, it.Quantity, it.UnitPrice)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	if err := outbox.InsertTx(ctx, tx, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `SELECT id, customer_id, total_amount, status, cancel_reason, reservation_id, created_at, updated_at, version
		FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &o.Status, &o.CancelReason, &o.ReservationID, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT product_id, quantity, unit_price FROM order_items
		WHERE order_id=$1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, o *domain.Order, causationEventID, causationEventType string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if causationEventID != "" {
		if err := idempotency.MarkProcessedTx(ctx, tx, causationEventID, causationEventType); err != nil {
			return err
		}
	}

	ct, err := tx.Exec(ctx, `UPDATE orders
		SET status=$1, cancel_reason=$2, reservation_id=$3, updated_at=$4, version=version+1
		WHERE id=$5 AND version=$6`,
		o.Status, o.CancelReason, o.ReservationID, o.UpdatedAt, o.ID, o.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrVersionConflict, o.ID)
	}
	return tx.Commit(ctx)
}
