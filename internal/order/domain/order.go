package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusCancelled OrderStatus = "CANCELLED"
)

var (
	ErrOrderNotFound = fmt.Errorf("order not found")
	// ErrVersionConflict signals a lost optimistic-lock race on the order row.
	ErrVersionConflict = fmt.Errorf("version conflict")
)

type InvalidOrderStateError struct {
	Current   OrderStatus
	Requested OrderStatus
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order is %s, cannot transition to %s", e.Current, e.Requested)
}

type OrderItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// Order lives on the order side of the saga. It starts PENDING and is
// settled by the inventory outcome events: ItemsReserved confirms it,
// ReservationFailed cancels it.
type Order struct {
	ID            string
	CustomerID    string
	Items         []OrderItem
	TotalAmount   int64
	Status        OrderStatus
	CancelReason  string
	ReservationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

func NewOrder(customerID string, items []OrderItem) (*Order, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id required")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("order needs at least one item")
	}
	var total int64
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for %s", it.Quantity, it.ProductID)
		}
		total += int64(it.Quantity) * it.UnitPrice
	}
	now := time.Now().UTC()
	return &Order{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		Items:       items,
		TotalAmount: total,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Confirm settles the order after its stock was reserved. Re-confirming a
// confirmed order is a no-op so event redelivery stays harmless.
func (o *Order) Confirm(reservationID string) (bool, error) {
	switch o.Status {
	case StatusPending:
		o.Status = StatusConfirmed
		o.ReservationID = reservationID
		o.UpdatedAt = time.Now().UTC()
		return true, nil
	case StatusConfirmed:
		return false, nil
	default:
		return false, &InvalidOrderStateError{Current: o.Status, Requested: StatusConfirmed}
	}
}

// Cancel compensates a failed reservation. Idempotent on re-delivery.
func (o *Order) Cancel(reason string) (bool, error) {
	switch o.Status {
	case StatusPending:
		o.Status = StatusCancelled
		o.CancelReason = reason
		o.UpdatedAt = time.Now().UTC()
		return true, nil
	case StatusCancelled:
		return false, nil
	default:
		return false, &InvalidOrderStateError{Current: o.Status, Requested: StatusCancelled}
	}
}
