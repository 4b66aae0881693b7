package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationConflict is surfaced after optimistic-lock retries are
	// exhausted; the caller should retry the whole request.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrVersionConflict is the infrastructure-level signal that a CAS write
	// lost to a concurrent writer. It never escapes the orchestrator.
	ErrVersionConflict = errors.New("version conflict")

	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrLedgerInvariant reports internal corruption of a ledger entry. It
	// is a fatal consistency error, never a business rejection.
	ErrLedgerInvariant = errors.New("ledger invariant violated")
)

// Shortfall describes one under-supplied item of a rejected reservation.
type Shortfall struct {
	ProductID string
	Requested int
	Available int
}

// InsufficientStockError carries the full list of under-supplied items so
// the caller sees every shortfall, not just the first.
type InsufficientStockError struct {
	Items []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, s := range e.Items {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// StateReason says why a reservation transition was rejected.
type StateReason string

const (
	ReasonTerminal StateReason = "already terminal"
	ReasonExpired  StateReason = "expired"
)

type InvalidStateError struct {
	Current ReservationStatus
	Reason  StateReason
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid reservation state %s: %s", e.Current, e.Reason)
}
