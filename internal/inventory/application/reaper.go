package application

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultReapInterval = 30 * time.Second
	reapBatchSize       = 100
)

// Reaper is the sole authority for the EXPIRED transition. It periodically
// sweeps PENDING reservations past their TTL and releases their stock
// through the orchestrator's release path. Each reservation is processed
// independently; a reservation terminalized by a concurrent cancel or
// confirm since the query ran becomes a no-op.
type Reaper struct {
	log      *slog.Logger
	svc      *Service
	interval time.Duration
}

func NewReaper(log *slog.Logger, svc *Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{log: log, svc: svc, interval: interval}
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return nil
		case <-t.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one reap cycle. A failure on one reservation does not stop the
// cycle; whatever is left is picked up next time.
func (r *Reaper) Sweep(ctx context.Context) error {
	expired, err := r.svc.repo.ListExpired(ctx, r.svc.now(), reapBatchSize)
	if err != nil {
		return err
	}
	for _, res := range expired {
		if err := r.svc.ExpireReservation(ctx, res.ID); err != nil {
			r.log.Error("expire failed", "reservation_id", res.ID, "err", err)
		}
	}
	if len(expired) > 0 {
		r.log.Info("sweep complete", "expired", len(expired))
	}
	return nil
}
