package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

const (
	MinTTL     = 1 * time.Minute
	MaxTTL     = 60 * time.Minute
	DefaultTTL = 15 * time.Minute
)

type ReservationItem struct {
	ProductID string
	Quantity  int
}

// Reservation is a TTL-bounded stock hold for one order. While PENDING its
// item quantities are mirrored in the reserved column of the corresponding
// ledger entries. Terminal reservations are retained, never deleted.
type Reservation struct {
	ID        string
	OrderID   string
	Items     []ReservationItem
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	Version   int64
}

func NewReservation(orderID string, items []ReservationItem, ttl time.Duration, now time.Time) (*Reservation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id required")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidQuantity)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return nil, fmt.Errorf("ttl %s out of range [%s, %s]", ttl, MinTTL, MaxTTL)
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s quantity %d", ErrInvalidQuantity, it.ProductID, it.Quantity)
		}
		if seen[it.ProductID] {
			return nil, fmt.Errorf("%w: duplicate product %s", ErrInvalidQuantity, it.ProductID)
		}
		seen[it.ProductID] = true
	}
	return &Reservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Items:     items,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func (r *Reservation) IsTerminal() bool {
	return r.Status != StatusPending
}

// IsExpired reports that a still-PENDING reservation has outlived its TTL.
// The reaper alone performs the actual EXPIRED transition; reads report the
// persisted status plus this flag.
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

func (r *Reservation) CanBeConfirmed(now time.Time) bool {
	return r.Status == StatusPending && now.Before(r.ExpiresAt)
}

func (r *Reservation) CanBeCancelled() bool {
	return r.Status != StatusConfirmed
}

// Confirm transitions PENDING to CONFIRMED while the TTL still holds.
func (r *Reservation) Confirm(now time.Time) error {
	if r.IsTerminal() {
		return &InvalidStateError{Current: r.Status, Reason: ReasonTerminal}
	}
	if !now.Before(r.ExpiresAt) {
		return &InvalidStateError{Current: r.Status, Reason: ReasonExpired}
	}
	r.Status = StatusConfirmed
	return nil
}

// Cancel transitions PENDING to CANCELLED. Cancelling an already-cancelled
// or expired reservation is an idempotent no-op (changed=false); a confirmed
// reservation cannot be rolled back through this path.
func (r *Reservation) Cancel() (bool, error) {
	switch r.Status {
	case StatusPending:
		r.Status = StatusCancelled
		return true, nil
	case StatusCancelled, StatusExpired:
		return false, nil
	default:
		return false, &InvalidStateError{Current: r.Status, Reason: ReasonTerminal}
	}
}

// Expire transitions PENDING to EXPIRED; terminal states are a no-op.
func (r *Reservation) Expire() bool {
	if r.IsTerminal() {
		return false
	}
	r.Status = StatusExpired
	return true
}
