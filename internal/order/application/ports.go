package application

import (
	"context"

	"stockflow/internal/order/domain"
	"stockflow/pkg/outbox"
)

// Repository is the order side's atomic unit boundary. Semantics mirror the
// inventory repository: writes CAS on the order's loaded Version, and a
// non-empty causationEventID is recorded in the processed-events ledger
// inside the same transaction (idempotency.ErrDuplicate on replay).
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Order, error)

	// Create persists the order, its items, and the OrderCreated outbox
	// row in one transaction.
	Create(ctx context.Context, o *domain.Order, msg outbox.Message) error

	// UpdateStatus persists a settled status together with the processed
	// mark for the event that settled it.
	UpdateStatus(ctx context.Context, o *domain.Order, causationEventID, causationEventType string) error
}
