package kafka

import (
	"context"
	"errors"
	"log/slog"

	"stockflow/internal/inventory/application"
	"stockflow/internal/inventory/domain"
	"stockflow/pkg/consumer"
	"stockflow/pkg/events"
)

// Handler reacts to OrderCreated by attempting a stock reservation. The
// saga outcome (ItemsReserved or ReservationFailed) is enqueued through the
// outbox in the same transaction that marks the event processed.
type Handler struct {
	log *slog.Logger
	svc *application.Service
}

func NewHandler(log *slog.Logger, svc *application.Service) *Handler {
	return &Handler{log: log, svc: svc}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, traceparent string) error {
	var ev events.OrderCreated
	if err := env.Decode(events.TypeOrderCreated, &ev); err != nil {
		return err
	}

	items := make([]domain.ReservationItem, 0, len(ev.Items))
	for _, it := range ev.Items {
		items = append(items, domain.ReservationItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	_, err := h.svc.CreateReservation(ctx, application.CreateReservationCommand{
		OrderID:          ev.OrderID,
		Items:            items,
		CausationEventID: env.EventID,
		CorrelationID:    env.CorrelationID,
		Traceparent:      traceparent,
	})
	if err == nil {
		return nil
	}

	// Business rejections are a valid saga outcome, not a processing
	// failure: record them durably so the order side can compensate.
	var insufficient *domain.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		h.log.Info("reservation rejected", "order_id", ev.OrderID, "reason", "insufficient stock")
		return h.svc.RecordReservationFailure(ctx, ev.OrderID, "insufficient stock", insufficient.Items, env.EventID, env.CorrelationID, traceparent)
	case errors.Is(err, domain.ErrProductNotFound):
		h.log.Info("reservation rejected", "order_id", ev.OrderID, "reason", "product not found")
		return h.svc.RecordReservationFailure(ctx, ev.OrderID, err.Error(), nil, env.EventID, env.CorrelationID, traceparent)
	default:
		// Conflicts and infrastructure errors: let the consumer retry.
		return err
	}
}

// NewConsumer wires the handler into the shared idempotent consumer loop.
func NewConsumer(log *slog.Logger, cfg consumer.Config, prefilter consumer.Prefilter, dlt consumer.Producer, svc *application.Service) *consumer.Consumer {
	h := NewHandler(log, svc)
	return consumer.New(log, cfg, prefilter, dlt, h.Handle)
}
