// Package events defines the cross-service event contract: the envelope
// every message on the bus is wrapped in, the known event types, and their
// payload shapes. Both services import this package; nothing else is shared.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeOrderCreated      = "OrderCreated"
	TypeItemsReserved     = "ItemsReserved"
	TypeReservationFailed = "ReservationFailed"
)

// Envelope wraps every published event. EventID is the idempotency key
// consumers dedup on; CorrelationID ties all events of one saga together.
type Envelope struct {
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	EventTimestamp time.Time       `json:"eventTimestamp"`
	CorrelationID  string          `json:"correlationId"`
	AggregateID    string          `json:"aggregateId"`
	Payload        json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, aggregateID, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		EventTimestamp: time.Now().UTC(),
		CorrelationID:  correlationID,
		AggregateID:    aggregateID,
		Payload:        raw,
	}, nil
}

// Decode unmarshals the payload into v after checking the envelope carries
// the expected type.
func (e Envelope) Decode(eventType string, v any) error {
	if e.EventType != eventType {
		return fmt.Errorf("envelope %s: expected type %s, got %s", e.EventID, eventType, e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type OrderCreated struct {
	OrderID     string      `json:"orderId"`
	CustomerID  string      `json:"customerId"`
	Items       []OrderItem `json:"items"`
	TotalAmount int64       `json:"totalAmount"`
}

type ReservedItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type ItemsReserved struct {
	ReservationID string         `json:"reservationId"`
	OrderID       string         `json:"orderId"`
	Items         []ReservedItem `json:"items"`
}

type UnavailableItem struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type ReservationFailed struct {
	OrderID          string            `json:"orderId"`
	Reason           string            `json:"reason"`
	UnavailableItems []UnavailableItem `json:"unavailableItems,omitempty"`
}
