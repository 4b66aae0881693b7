package outbox

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"stockflow/pkg/metrics"
)

type Store interface {
	// LockBatch claims due events (pending with next_attempt_at reached, or
	// in_progress rows whose lease expired) for this relay instance.
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64) error
	// MarkFailed records the error and schedules the next attempt; when
	// exhausted is true the row stays failed and is left for an operator.
	MarkFailed(ctx context.Context, id int64, errMsg string, retryIn time.Duration, exhausted bool) error
}

const (
	DefaultMaxRetries = 10
	maxRetryDelay     = 5 * time.Minute
)

// Relay drains the outbox on a fixed interval and hands events to the
// dispatcher. Multiple instances may run concurrently; the lease in
// LockBatch keeps them off each other's batches.
type Relay struct {
	log        *slog.Logger
	store      Store
	dispatch   *Dispatcher
	relayID    string
	batchSize  int
	interval   time.Duration
	lease      time.Duration
	maxRetries int
}

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string) *Relay {
	return &Relay{
		log:        log,
		store:      store,
		dispatch:   dispatch,
		relayID:    relayID,
		batchSize:  100,
		interval:   500 * time.Millisecond,
		lease:      5 * time.Second,
		maxRetries: DefaultMaxRetries,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
			if err != nil {
				r.log.Error("relay lock batch error", "err", err)
				continue
			}
			if len(events) == 0 {
				continue
			}

			published := make([]int64, 0, len(events))
			for _, e := range events {
				if err := r.dispatch.Dispatch(ctx, e); err != nil {
					r.handleFailure(ctx, e, err)
					continue
				}
				metrics.OutboxPublished.WithLabelValues(e.Type).Inc()
				published = append(published, e.ID)
			}
			if len(published) > 0 {
				if err := r.store.MarkPublished(ctx, published); err != nil {
					r.log.Error("relay mark published error", "err", err)
				}
			}
		}
	}
}

func (r *Relay) handleFailure(ctx context.Context, e Event, dispatchErr error) {
	metrics.OutboxFailed.WithLabelValues(e.Type).Inc()
	attempt := e.RetryCount + 1
	exhausted := attempt >= r.maxRetries
	if exhausted {
		r.log.Error("outbox event exhausted retries, operator attention required",
			"event_id", e.EventID, "type", e.Type, "attempts", attempt, "err", dispatchErr)
	}
	if err := r.store.MarkFailed(ctx, e.ID, dispatchErr.Error(), retryDelay(attempt), exhausted); err != nil {
		r.log.Error("relay mark failed error", "event_id", e.EventID, "err", err)
	}
}

// retryDelay is exponential with jitter, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	d := time.Second << min(attempt, 8)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d + time.Duration(rand.Int64N(int64(d/4+1)))
}
