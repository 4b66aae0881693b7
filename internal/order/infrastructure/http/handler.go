package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/order/application"
	"stockflow/internal/order/domain"
	"stockflow/pkg/tracing"
)

type Handler struct {
	log    *slog.Logger
	svc    *application.Service
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc *application.Service) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		tracer: otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	return r
}

type orderItemDTO struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type createOrderReq struct {
	CustomerID string         `json:"customerId"`
	Items      []orderItemDTO `json:"items"`
}

type orderResp struct {
	OrderID       string         `json:"orderId"`
	CustomerID    string         `json:"customerId"`
	Items         []orderItemDTO `json:"items"`
	TotalAmount   int64          `json:"totalAmount"`
	Status        string         `json:"status"`
	CancelReason  string         `json:"cancelReason,omitempty"`
	ReservationID string         `json:"reservationId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func toResp(o *domain.Order) orderResp {
	items := make([]orderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemDTO{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return orderResp{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Items:         items,
		TotalAmount:   o.TotalAmount,
		Status:        string(o.Status),
		CancelReason:  o.CancelReason,
		ReservationID: o.ReservationID,
		CreatedAt:     o.CreatedAt,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	o, err := h.svc.CreateOrder(ctx, req.CustomerID, items, tracing.Traceparent(ctx))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The saga settles the order asynchronously; 202 reflects that.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(toResp(o))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error("get order failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResp(o))
}
