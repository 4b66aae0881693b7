package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"stockflow/internal/order/domain"
	"stockflow/pkg/events"
	"stockflow/pkg/outbox"
)

const maxAttempts = 3

type Service struct {
	log  *slog.Logger
	repo Repository
}

func NewService(log *slog.Logger, repo Repository) *Service {
	return &Service{log: log, repo: repo}
}

// CreateOrder persists the order and enqueues OrderCreated in one
// transaction. Inventory picks the event up and answers with the
// reservation outcome; until then the order stays PENDING.
func (s *Service) CreateOrder(ctx context.Context, customerID string, items []domain.OrderItem, traceparent string) (*domain.Order, error) {
	o, err := domain.NewOrder(customerID, items)
	if err != nil {
		return nil, err
	}

	evItems := make([]events.OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		evItems = append(evItems, events.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	env, err := events.NewEnvelope(events.TypeOrderCreated, o.ID, o.ID, events.OrderCreated{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Items:       evItems,
		TotalAmount: o.TotalAmount,
	})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	err = s.repo.Create(ctx, o, outbox.Message{
		EventID:     env.EventID,
		AggregateID: o.ID,
		Type:        env.EventType,
		Payload:     payload,
		Traceparent: traceparent,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("order created", "order_id", o.ID, "customer_id", o.CustomerID, "total", o.TotalAmount)
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.Get(ctx, id)
}

// HandleItemsReserved settles the order as CONFIRMED.
func (s *Service) HandleItemsReserved(ctx context.Context, env events.Envelope) error {
	var ev events.ItemsReserved
	if err := env.Decode(events.TypeItemsReserved, &ev); err != nil {
		return err
	}
	return s.settle(ctx, ev.OrderID, env, func(o *domain.Order) (bool, error) {
		return o.Confirm(ev.ReservationID)
	})
}

// HandleReservationFailed compensates: the order is cancelled with the
// failure reason.
func (s *Service) HandleReservationFailed(ctx context.Context, env events.Envelope) error {
	var ev events.ReservationFailed
	if err := env.Decode(events.TypeReservationFailed, &ev); err != nil {
		return err
	}
	return s.settle(ctx, ev.OrderID, env, func(o *domain.Order) (bool, error) {
		return o.Cancel(ev.Reason)
	})
}

func (s *Service) settle(ctx context.Context, orderID string, env events.Envelope, transition func(*domain.Order) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		o, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return err
		}
		changed, err := transition(o)
		if err != nil {
			return err
		}
		if !changed {
			// Already settled the same way; still mark the event
			// processed so redelivery stops here next time.
			return s.repo.UpdateStatus(ctx, o, env.EventID, env.EventType)
		}
		err = s.repo.UpdateStatus(ctx, o, env.EventID, env.EventType)
		if err == nil {
			s.log.Info("order settled", "order_id", orderID, "status", o.Status, "event_id", env.EventID)
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= maxAttempts {
			return err
		}
	}
}
