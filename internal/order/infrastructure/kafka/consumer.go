package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"stockflow/internal/order/application"
	"stockflow/pkg/consumer"
	"stockflow/pkg/events"
)

// Handler routes inventory outcome events to the order service's saga
// reactions.
type Handler struct {
	log *slog.Logger
	svc *application.Service
}

func NewHandler(log *slog.Logger, svc *application.Service) *Handler {
	return &Handler{log: log, svc: svc}
}

func (h *Handler) Handle(ctx context.Context, env events.Envelope, _ string) error {
	switch env.EventType {
	case events.TypeItemsReserved:
		return h.svc.HandleItemsReserved(ctx, env)
	case events.TypeReservationFailed:
		return h.svc.HandleReservationFailed(ctx, env)
	default:
		return fmt.Errorf("unknown event type %q (event %s)", env.EventType, env.EventID)
	}
}

func NewConsumer(log *slog.Logger, cfg consumer.Config, prefilter consumer.Prefilter, dlt consumer.Producer, svc *application.Service) *consumer.Consumer {
	h := NewHandler(log, svc)
	return consumer.New(log, cfg, prefilter, dlt, h.Handle)
}
