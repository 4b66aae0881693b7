package application

import (
	"context"
	"time"

	"stockflow/internal/inventory/domain"
	"stockflow/pkg/outbox"
)

// Repository is the inventory side's atomic unit boundary. Write methods
// compare every entry's and the reservation's loaded Version and fail the
// whole transaction with domain.ErrVersionConflict when a concurrent writer
// got there first. A non-empty causationEventID is recorded in the
// processed-events ledger inside the same transaction; a duplicate id rolls
// the unit back with idempotency.ErrDuplicate.
type Repository interface {
	GetLedgerEntry(ctx context.Context, productID string) (*domain.StockLedgerEntry, error)
	GetLedgerEntries(ctx context.Context, productIDs []string) (map[string]*domain.StockLedgerEntry, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error)

	// CreateReservation persists the reservation, the mutated ledger
	// entries, and the outbox row in one transaction.
	CreateReservation(ctx context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg outbox.Message, causationEventID string) error

	// UpdateReservation persists a state transition together with any
	// released ledger entries and an optional outbox row.
	UpdateReservation(ctx context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg *outbox.Message) error

	// RecordFailure durably marks the causing event processed and enqueues
	// the failure event, with no business mutation.
	RecordFailure(ctx context.Context, causationEventID string, msg outbox.Message) error

	// Restock atomically increments available stock, creating the ledger
	// entry on first provisioning.
	Restock(ctx context.Context, productID string, qty int) error
}
