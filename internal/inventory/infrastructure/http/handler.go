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

	"stockflow/internal/inventory/application"
	"stockflow/internal/inventory/domain"
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
		tracer: otel.Tracer("inventory-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/reservations", h.createReservation)
	r.Get("/reservations/{id}", h.getReservation)
	r.Post("/reservations/{id}/confirm", h.confirmReservation)
	r.Post("/reservations/{id}/cancel", h.cancelReservation)
	r.Get("/stock/{productId}", h.getStock)
	r.Post("/stock/{productId}/restock", h.restock)
	return r
}

type reservationItemDTO struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createReservationReq struct {
	OrderID    string               `json:"orderId"`
	Items      []reservationItemDTO `json:"items"`
	TTLMinutes int                  `json:"ttlMinutes,omitempty"`
}

type reservationResp struct {
	ReservationID string               `json:"reservationId"`
	OrderID       string               `json:"orderId"`
	Status        string               `json:"status"`
	Items         []reservationItemDTO `json:"items"`
	CreatedAt     time.Time            `json:"createdAt"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	IsExpired     bool                 `json:"isExpired"`
}

func toResp(res *domain.Reservation) reservationResp {
	items := make([]reservationItemDTO, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, reservationItemDTO{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return reservationResp{
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		Status:        string(res.Status),
		Items:         items,
		CreatedAt:     res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
		IsExpired:     res.IsExpired(time.Now().UTC()),
	}
}

func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateReservation")
	defer span.End()

	var req createReservationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body", nil)
		return
	}
	items := make([]domain.ReservationItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.ReservationItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	res, err := h.svc.CreateReservation(ctx, application.CreateReservationCommand{
		OrderID:     req.OrderID,
		Items:       items,
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
		Traceparent: tracing.Traceparent(ctx),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toResp(res))
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResp(res))
}

func (h *Handler) confirmReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmReservation")
	defer span.End()
	if err := h.svc.ConfirmReservation(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelReservation")
	defer span.End()
	if err := h.svc.CancelReservation(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stockResp struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Total     int    `json:"total"`
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetStock(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stockResp{
		ProductID: e.ProductID,
		Available: e.Available,
		Reserved:  e.Reserved,
		Total:     e.Total,
	})
}

type restockReq struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Restock")
	defer span.End()

	var req restockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.svc.Restock(ctx, chi.URLParam(r, "productId"), req.Quantity); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResp struct {
	Error string `json:"error"`
	Items any    `json:"items,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, items any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResp{Error: msg, Items: items})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientStockError
	var invalidState *domain.InvalidStateError
	switch {
	case errors.As(err, &insufficient):
		h.writeError(w, http.StatusConflict, "insufficient stock", insufficient.Items)
	case errors.As(err, &invalidState):
		h.writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, domain.ErrReservationConflict):
		h.writeError(w, http.StatusConflict, "concurrent update, retry the request", nil)
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrReservationNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidQuantity):
		h.writeError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		h.log.Error("request failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
