package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"stockflow/internal/inventory/domain"
	"stockflow/pkg/events"
	"stockflow/pkg/outbox"
)

const defaultMaxAttempts = 3

// Service is the reservation orchestrator. Every write runs as one
// short-lived transaction through the repository; optimistic-lock conflicts
// are retried a bounded number of times with jittered backoff before
// surfacing domain.ErrReservationConflict.
type Service struct {
	log         *slog.Logger
	repo        Repository
	now         func() time.Time
	maxAttempts int
}

func NewService(log *slog.Logger, repo Repository) *Service {
	return &Service{
		log:         log,
		repo:        repo,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
}

type CreateReservationCommand struct {
	OrderID string
	Items   []domain.ReservationItem
	TTL     time.Duration

	// CausationEventID is the id of the OrderCreated event when the call
	// comes through the consumer; empty on the direct API path.
	CausationEventID string
	CorrelationID    string
	Traceparent      string
}

// CreateReservation reserves stock for every item or nothing at all. The
// reservation, the ledger mutations, and the ItemsReserved outbox row
// commit in one transaction.
func (s *Service) CreateReservation(ctx context.Context, cmd CreateReservationCommand) (*domain.Reservation, error) {
	res, err := domain.NewReservation(cmd.OrderID, cmd.Items, cmd.TTL, s.now())
	if err != nil {
		return nil, err
	}
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		correlationID = cmd.OrderID
	}

	for attempt := 1; ; attempt++ {
		entries, err := s.loadEntries(ctx, res.Items)
		if err != nil {
			return nil, err
		}

		var shortfalls []domain.Shortfall
		for _, it := range res.Items {
			e := entries[it.ProductID]
			if !e.IsAvailable(it.Quantity) {
				shortfalls = append(shortfalls, domain.Shortfall{
					ProductID: it.ProductID,
					Requested: it.Quantity,
					Available: e.Available,
				})
			}
		}
		if len(shortfalls) > 0 {
			return nil, &domain.InsufficientStockError{Items: shortfalls}
		}

		ordered := make([]*domain.StockLedgerEntry, 0, len(res.Items))
		for _, it := range res.Items {
			e := entries[it.ProductID]
			if err := e.Reserve(it.Quantity); err != nil {
				return nil, err
			}
			ordered = append(ordered, e)
		}

		msg, err := reservedMessage(res, correlationID, cmd.Traceparent)
		if err != nil {
			return nil, err
		}

		err = s.repo.CreateReservation(ctx, res, ordered, msg, cmd.CausationEventID)
		if err == nil {
			s.log.Info("reservation created", "reservation_id", res.ID, "order_id", res.OrderID, "expires_at", res.ExpiresAt)
			return res, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= s.maxAttempts {
			s.log.Warn("reservation retries exhausted", "order_id", cmd.OrderID, "attempts", attempt)
			return nil, domain.ErrReservationConflict
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// RecordReservationFailure durably records a rejected reservation attempt:
// the causing event is marked processed and a ReservationFailed event is
// enqueued, in one transaction. Nothing in the ledger changes.
func (s *Service) RecordReservationFailure(ctx context.Context, orderID, reason string, shortfalls []domain.Shortfall, causationEventID, correlationID, traceparent string) error {
	unavailable := make([]events.UnavailableItem, 0, len(shortfalls))
	for _, sf := range shortfalls {
		unavailable = append(unavailable, events.UnavailableItem{
			ProductID: sf.ProductID,
			Requested: sf.Requested,
			Available: sf.Available,
		})
	}
	if correlationID == "" {
		correlationID = orderID
	}
	env, err := events.NewEnvelope(events.TypeReservationFailed, orderID, correlationID, events.ReservationFailed{
		OrderID:          orderID,
		Reason:           reason,
		UnavailableItems: unavailable,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.repo.RecordFailure(ctx, causationEventID, outbox.Message{
		EventID:     env.EventID,
		AggregateID: orderID,
		Type:        env.EventType,
		Payload:     payload,
		Traceparent: traceparent,
	})
}

// ConfirmReservation finalizes a pending, unexpired reservation. The stock
// stays reserved; fulfilment draws it down outside this system.
func (s *Service) ConfirmReservation(ctx context.Context, id string) error {
	for attempt := 1; ; attempt++ {
		res, err := s.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if err := res.Confirm(s.now()); err != nil {
			return err
		}
		err = s.repo.UpdateReservation(ctx, res, nil, nil)
		if err == nil {
			s.log.Info("reservation confirmed", "reservation_id", id)
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if attempt >= s.maxAttempts {
			return domain.ErrReservationConflict
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// CancelReservation releases the held stock and terminalizes the
// reservation. Cancelling an already-cancelled or expired reservation is a
// no-op success and releases nothing.
func (s *Service) CancelReservation(ctx context.Context, id string) error {
	return s.releaseAndTerminalize(ctx, id, func(r *domain.Reservation) (bool, error) {
		return r.Cancel()
	}, "reservation cancelled")
}

// ExpireReservation is the reaper's path. It reuses the cancellation
// release path; the ledger version check guards against double-release when
// racing a concurrent cancel.
func (s *Service) ExpireReservation(ctx context.Context, id string) error {
	return s.releaseAndTerminalize(ctx, id, func(r *domain.Reservation) (bool, error) {
		return r.Expire(), nil
	}, "reservation expired")
}

func (s *Service) releaseAndTerminalize(ctx context.Context, id string, transition func(*domain.Reservation) (bool, error), logMsg string) error {
	for attempt := 1; ; attempt++ {
		res, err := s.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		changed, err := transition(res)
		if err != nil {
			return err
		}
		if !changed {
			// Idempotent no-op path: never release stock twice.
			return nil
		}

		entries, err := s.loadEntries(ctx, res.Items)
		if err != nil {
			return err
		}
		ordered := make([]*domain.StockLedgerEntry, 0, len(res.Items))
		for _, it := range res.Items {
			e := entries[it.ProductID]
			if err := e.Release(it.Quantity); err != nil {
				return err
			}
			ordered = append(ordered, e)
		}

		err = s.repo.UpdateReservation(ctx, res, ordered, nil)
		if err == nil {
			s.log.Info(logMsg, "reservation_id", id, "order_id", res.OrderID)
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		if attempt >= s.maxAttempts {
			return domain.ErrReservationConflict
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// GetReservation returns the reservation as persisted. A pending
// reservation past its TTL is still reported as PENDING; callers read the
// expiry through Reservation.IsExpired until the reaper processes it.
func (s *Service) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}

func (s *Service) GetStock(ctx context.Context, productID string) (*domain.StockLedgerEntry, error) {
	return s.repo.GetLedgerEntry(ctx, productID)
}

func (s *Service) Restock(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: restock %d", domain.ErrInvalidQuantity, qty)
	}
	if err := s.repo.Restock(ctx, productID, qty); err != nil {
		return err
	}
	s.log.Info("restocked", "product_id", productID, "qty", qty)
	return nil
}

func (s *Service) loadEntries(ctx context.Context, items []domain.ReservationItem) (map[string]*domain.StockLedgerEntry, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	entries, err := s.repo.GetLedgerEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := entries[id]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, id)
		}
	}
	return entries, nil
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 20 * time.Millisecond
	d += time.Duration(rand.Int64N(int64(d)))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reservedMessage(res *domain.Reservation, correlationID, traceparent string) (outbox.Message, error) {
	reserved := make([]events.ReservedItem, 0, len(res.Items))
	for _, it := range res.Items {
		reserved = append(reserved, events.ReservedItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	env, err := events.NewEnvelope(events.TypeItemsReserved, res.OrderID, correlationID, events.ItemsReserved{
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		Items:         reserved,
	})
	if err != nil {
		return outbox.Message{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return outbox.Message{}, err
	}
	return outbox.Message{
		EventID:     env.EventID,
		AggregateID: res.OrderID,
		Type:        env.EventType,
		Payload:     payload,
		Traceparent: traceparent,
	}, nil
}
