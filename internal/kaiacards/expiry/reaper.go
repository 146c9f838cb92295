package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"go.uber.org/zap"
)

type OrderStore interface {
	ListExpiredPending(ctx context.Context) (orderIDs, productIDs []string, err error)
	MarkExpired(ctx context.Context, orderID string) error
	RestoreStock(ctx context.Context, productID string) error
}

// Tracker drops an order from payment monitoring once it is expired.
type Tracker interface {
	Untrack(orderID string)
}

type Config struct {
	SweepPeriod time.Duration
}

// Reaper expires unpaid orders past their payment window and returns their
// reserved stock. The guarded pending -> expired update loses cleanly to a
// concurrent payment match, so a late payment always wins the race.
type Reaper struct {
	store   OrderStore
	tracker Tracker
	cfg     Config
	logger  *logging.ZapLogger
	done    chan struct{}
}

func NewReaper(cfg Config, store OrderStore, tracker Tracker, logger *logging.ZapLogger) *Reaper {
	return &Reaper{
		store:   store,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.ErrorCtx(ctx, "expiry sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Reaper) Stop() {
	close(r.done)
}

func (r *Reaper) Sweep(ctx context.Context) error {
	orderIDs, productIDs, err := r.store.ListExpiredPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list expired orders: %w", err)
	}
	for i, orderID := range orderIDs {
		if err := r.ExpireOrder(ctx, orderID, productIDs[i]); err != nil {
			r.logger.ErrorCtx(ctx, "failed to expire order",
				zap.String("orderID", orderID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ExpireOrder is also called from the payment monitor when a tracked order
// runs out of time between sweeps.
func (r *Reaper) ExpireOrder(ctx context.Context, orderID, productID string) error {
	err := r.store.MarkExpired(ctx, orderID)
	switch {
	case errors.Is(err, data.ErrStatusConflict):
		// The order got paid before the sweep reached it.
		r.logger.DebugCtx(ctx, "order no longer pending, skipping expiry", zap.String("orderID", orderID))
		return nil
	case err != nil:
		return fmt.Errorf("failed to mark order expired: %w", err)
	}

	if err := r.store.RestoreStock(ctx, productID); err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	r.tracker.Untrack(orderID)

	r.logger.InfoCtx(ctx, "order expired",
		zap.String("orderID", orderID),
		zap.String("productID", productID),
	)
	return nil
}
