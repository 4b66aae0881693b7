package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockflow/internal/inventory/domain"
	"stockflow/pkg/idempotency"
	"stockflow/pkg/outbox"
)

// fakeRepo mimics the postgres repository's compare-and-swap semantics in
// memory: reads hand out copies, writes commit only when the loaded version
// still matches, and forced conflicts simulate a concurrent writer.
type fakeRepo struct {
	mu            sync.Mutex
	entries       map[string]domain.StockLedgerEntry
	reservations  map[string]domain.Reservation
	processed     map[string]bool
	outbox        []outbox.Message
	conflictsLeft int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		entries:      make(map[string]domain.StockLedgerEntry),
		reservations: make(map[string]domain.Reservation),
		processed:    make(map[string]bool),
	}
}

func (f *fakeRepo) seedStock(productID string, available int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[productID] = domain.StockLedgerEntry{
		ProductID: productID,
		Available: available,
		Total:     available,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
}

func (f *fakeRepo) stock(productID string) domain.StockLedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[productID]
}

func (f *fakeRepo) GetLedgerEntry(_ context.Context, productID string) (*domain.StockLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return &e, nil
}

func (f *fakeRepo) GetLedgerEntries(_ context.Context, productIDs []string) (map[string]*domain.StockLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*domain.StockLedgerEntry)
	for _, id := range productIDs {
		if e, ok := f.entries[id]; ok {
			copied := e
			out[id] = &copied
		}
	}
	return out, nil
}

func (f *fakeRepo) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrReservationNotFound, id)
	}
	copied := r
	copied.Items = append([]domain.ReservationItem(nil), r.Items...)
	return &copied, nil
}

func (f *fakeRepo) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Reservation
	for _, r := range f.reservations {
		if r.Status == domain.StatusPending && r.ExpiresAt.Before(cutoff) && len(out) < limit {
			copied := r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateReservation(_ context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg outbox.Message, causationEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if causationEventID != "" {
		if f.processed[causationEventID] {
			return idempotency.ErrDuplicate
		}
	}
	if err := f.casEntries(entries); err != nil {
		return err
	}
	if causationEventID != "" {
		f.processed[causationEventID] = true
	}
	stored := *res
	stored.Items = append([]domain.ReservationItem(nil), res.Items...)
	stored.Version = 1
	f.reservations[res.ID] = stored
	f.outbox = append(f.outbox, msg)
	return nil
}

func (f *fakeRepo) UpdateReservation(_ context.Context, res *domain.Reservation, entries []*domain.StockLedgerEntry, msg *outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.reservations[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, res.ID)
	}
	if stored.Version != res.Version {
		return fmt.Errorf("%w: reservation %s", domain.ErrVersionConflict, res.ID)
	}
	if err := f.casEntries(entries); err != nil {
		return err
	}
	stored.Status = res.Status
	stored.Version++
	f.reservations[res.ID] = stored
	if msg != nil {
		f.outbox = append(f.outbox, *msg)
	}
	return nil
}

func (f *fakeRepo) RecordFailure(_ context.Context, causationEventID string, msg outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if causationEventID != "" {
		if f.processed[causationEventID] {
			return idempotency.ErrDuplicate
		}
		f.processed[causationEventID] = true
	}
	f.outbox = append(f.outbox, msg)
	return nil
}

func (f *fakeRepo) Restock(_ context.Context, productID string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[productID]
	if !ok {
		e = domain.StockLedgerEntry{ProductID: productID, Version: 0}
	}
	e.Available += qty
	e.Total = e.Available + e.Reserved
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	f.entries[productID] = e
	return nil
}

func (f *fakeRepo) casEntries(entries []*domain.StockLedgerEntry) error {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return fmt.Errorf("%w: forced", domain.ErrVersionConflict)
	}
	for _, e := range entries {
		stored, ok := f.entries[e.ProductID]
		if !ok || stored.Version != e.Version {
			return fmt.Errorf("%w: ledger %s", domain.ErrVersionConflict, e.ProductID)
		}
	}
	for _, e := range entries {
		committed := *e
		committed.Version++
		f.entries[e.ProductID] = committed
	}
	return nil
}
