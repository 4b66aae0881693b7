package domain

import (
	"fmt"
	"time"
)

// StockLedgerEntry is the per-product bookkeeping record. Total is always
// Available + Reserved; Version is the optimistic-concurrency token the
// persistence layer compares on write.
type StockLedgerEntry struct {
	ProductID string
	Available int
	Reserved  int
	Total     int
	Version   int64
	UpdatedAt time.Time
}

func NewStockLedgerEntry(productID string, available int) *StockLedgerEntry {
	return &StockLedgerEntry{
		ProductID: productID,
		Available: available,
		Total:     available,
		UpdatedAt: time.Now().UTC(),
	}
}

func (e *StockLedgerEntry) IsAvailable(qty int) bool {
	return qty > 0 && e.Available >= qty
}

// Reserve moves qty from available to reserved. The caller persists the
// change with a CAS on Version.
func (e *StockLedgerEntry) Reserve(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve %d", ErrInvalidQuantity, qty)
	}
	if e.Available < qty {
		return &InsufficientStockError{Items: []Shortfall{{ProductID: e.ProductID, Requested: qty, Available: e.Available}}}
	}
	e.Available -= qty
	e.Reserved += qty
	return e.recompute()
}

// Release moves qty back from reserved to available.
func (e *StockLedgerEntry) Release(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: release %d", ErrInvalidQuantity, qty)
	}
	if qty > e.Reserved {
		return fmt.Errorf("%w: release %d exceeds reserved %d for %s", ErrInvalidQuantity, qty, e.Reserved, e.ProductID)
	}
	e.Available += qty
	e.Reserved -= qty
	return e.recompute()
}

// Restock adds qty to available. This is the provisioning path; it never
// touches reserved.
func (e *StockLedgerEntry) Restock(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: restock %d", ErrInvalidQuantity, qty)
	}
	e.Available += qty
	return e.recompute()
}

func (e *StockLedgerEntry) recompute() error {
	e.Total = e.Available + e.Reserved
	e.UpdatedAt = time.Now().UTC()
	if e.Available < 0 || e.Reserved < 0 {
		return fmt.Errorf("%w: %s available=%d reserved=%d", ErrLedgerInvariant, e.ProductID, e.Available, e.Reserved)
	}
	return nil
}
