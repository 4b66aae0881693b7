package domain

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pendingReservation(t *testing.T, ttl time.Duration) *Reservation {
	t.Helper()
	r, err := NewReservation("O1", []ReservationItem{{ProductID: "P1", Quantity: 4}}, ttl, testNow)
	if err != nil {
		t.Fatalf("NewReservation: %v", err)
	}
	return r
}

func TestNewReservation_Defaults(t *testing.T) {
	r := pendingReservation(t, 0)

	if r.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", r.Status)
	}
	if want := testNow.Add(DefaultTTL); !r.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, r.ExpiresAt)
	}
	if r.ID == "" {
		t.Error("expected generated id")
	}
}

func TestNewReservation_Validation(t *testing.T) {
	cases := []struct {
		name  string
		order string
		items []ReservationItem
		ttl   time.Duration
	}{
		{"no items", "O1", nil, 0},
		{"zero quantity", "O1", []ReservationItem{{ProductID: "P1", Quantity: 0}}, 0},
		{"duplicate product", "O1", []ReservationItem{{ProductID: "P1", Quantity: 1}, {ProductID: "P1", Quantity: 2}}, 0},
		{"ttl too short", "O1", []ReservationItem{{ProductID: "P1", Quantity: 1}}, 30 * time.Second},
		{"ttl too long", "O1", []ReservationItem{{ProductID: "P1", Quantity: 1}}, 90 * time.Minute},
		{"missing order", "", []ReservationItem{{ProductID: "P1", Quantity: 1}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewReservation(tc.order, tc.items, tc.ttl, testNow); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReservation_Confirm(t *testing.T) {
	r := pendingReservation(t, 0)

	if err := r.Confirm(testNow.Add(time.Minute)); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if r.Status != StatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", r.Status)
	}
}

func TestReservation_Confirm_Expired(t *testing.T) {
	r := pendingReservation(t, 0)

	err := r.Confirm(testNow.Add(DefaultTTL))
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got: %v", err)
	}
	if state.Reason != ReasonExpired {
		t.Errorf("expected reason %q, got %q", ReasonExpired, state.Reason)
	}
	if r.Status != StatusPending {
		t.Errorf("failed confirm must not change status, got %s", r.Status)
	}
}

func TestReservation_Confirm_Terminal(t *testing.T) {
	r := pendingReservation(t, 0)
	if _, err := r.Cancel(); err != nil {
		t.Fatal(err)
	}

	err := r.Confirm(testNow)
	var state *InvalidStateError
	if !errors.As(err, &state) {
		t.Fatalf("expected InvalidStateError, got: %v", err)
	}
	if state.Reason != ReasonTerminal {
		t.Errorf("expected reason %q, got %q", ReasonTerminal, state.Reason)
	}
}

func TestReservation_Cancel_Idempotent(t *testing.T) {
	r := pendingReservation(t, 0)

	changed, err := r.Cancel()
	if err != nil || !changed {
		t.Fatalf("first cancel: changed=%v err=%v", changed, err)
	}
	changed, err = r.Cancel()
	if err != nil || changed {
		t.Fatalf("second cancel must be a no-op: changed=%v err=%v", changed, err)
	}
	if r.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", r.Status)
	}
}

func TestReservation_Cancel_Confirmed(t *testing.T) {
	r := pendingReservation(t, 0)
	if err := r.Confirm(testNow); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Cancel(); err == nil {
		t.Error("expected error cancelling a confirmed reservation")
	}
}

func TestReservation_Cancel_Expired(t *testing.T) {
	r := pendingReservation(t, 0)
	r.Expire()

	changed, err := r.Cancel()
	if err != nil || changed {
		t.Errorf("cancel on EXPIRED must be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestReservation_Expire(t *testing.T) {
	r := pendingReservation(t, 0)

	if !r.Expire() {
		t.Fatal("expected first expire to change state")
	}
	if r.Expire() {
		t.Error("expire on terminal must be a no-op")
	}
	if r.Status != StatusExpired {
		t.Errorf("expected EXPIRED, got %s", r.Status)
	}
}

func TestReservation_Predicates(t *testing.T) {
	r := pendingReservation(t, 0)

	if !r.CanBeConfirmed(testNow) || !r.CanBeCancelled() {
		t.Error("fresh pending reservation should be confirmable and cancellable")
	}
	if r.IsExpired(testNow) {
		t.Error("fresh reservation is not expired")
	}

	past := testNow.Add(DefaultTTL)
	if r.CanBeConfirmed(past) {
		t.Error("pending-past-expiry reservation must not be confirmable")
	}
	if !r.IsExpired(past) {
		t.Error("pending-past-expiry reservation must report IsExpired")
	}
	if r.Status != StatusPending {
		t.Error("IsExpired is a read-only flag, status stays PENDING until the reaper")
	}
}
