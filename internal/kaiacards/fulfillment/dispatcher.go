package fulfillment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/internal/kaiacards/fulfillment/providers"
	"kaiacards/internal/kaiacards/paymentmonitor"
	"kaiacards/pkg/logging"
	"kaiacards/pkg/threadsafe"
	"kaiacards/pkg/timeutils"

	"go.uber.org/zap"
)

const deliveryTimeoutMessage = "Timeout waiting for card delivery"

type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (data.Order, error)
	MarkProcessing(ctx context.Context, orderID string) error
	MarkDelivered(ctx context.Context, orderID, cardCode, cardPIN, redemptionURL, fulfillmentHash string) error
	MarkFulfillmentFailed(ctx context.Context, orderID, message string) error
	SetProviderOrderID(ctx context.Context, orderID, providerOrderID string) error
	ListInFlightOrders(ctx context.Context) ([]data.Order, error)
}

type Config struct {
	WorkersCount        int
	TasksBufferLength   int
	PollAttempts        int
	PollInterval        time.Duration
	PurchaseRetryDelays []time.Duration
}

// Dispatcher turns payment confirmations into delivered cards. Each order is
// handled by exactly one worker; the guarded paid -> processing transition
// makes a duplicate confirmation a no-op even across processes.
type Dispatcher struct {
	store    OrderStore
	registry *providers.Registry
	notifier Notifier
	source   <-chan paymentmonitor.Confirmation
	tasks    chan paymentmonitor.Confirmation
	inFlight *threadsafe.HashSet[string]
	cfg      Config
	logger   *logging.ZapLogger
	done     chan struct{}
}

func NewDispatcher(
	cfg Config,
	store OrderStore,
	registry *providers.Registry,
	notifier Notifier,
	source <-chan paymentmonitor.Confirmation,
	logger *logging.ZapLogger,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		notifier: notifier,
		source:   source,
		tasks:    make(chan paymentmonitor.Confirmation, cfg.TasksBufferLength),
		inFlight: threadsafe.NewHashSet[string](),
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	wg := &sync.WaitGroup{}

	for i := 0; i < d.cfg.WorkersCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.forward(ctx)
	}()

	wg.Wait()
}

func (d *Dispatcher) Stop() {
	close(d.done)
}

// RecoverInFlight re-dispatches orders that were confirmed before a restart.
// Orders already holding a provider reference resume by polling provider
// state instead of purchasing again.
func (d *Dispatcher) RecoverInFlight(ctx context.Context) error {
	orders, err := d.store.ListInFlightOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight orders: %w", err)
	}
	for _, order := range orders {
		d.logger.InfoCtx(ctx, "re-dispatching in-flight order", zap.String("orderID", order.ID))
		select {
		case d.tasks <- paymentmonitor.Confirmation{OrderID: order.ID, TxHash: order.TxHash, Amount: order.ExpectedAmount}:
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // unnecessary
		}
	}
	return nil
}

func (d *Dispatcher) forward(ctx context.Context) {
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case confirmation := <-d.source:
			select {
			case d.tasks <- confirmation:
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case confirmation := <-d.tasks:
			if err := d.dispatch(ctx, confirmation); err != nil {
				d.logger.ErrorCtx(ctx, "failed to dispatch order",
					zap.String("orderID", confirmation.OrderID),
					zap.Error(err),
				)
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, confirmation paymentmonitor.Confirmation) error {
	if !d.inFlight.Add(confirmation.OrderID) {
		return nil
	}
	defer d.inFlight.Remove(confirmation.OrderID)

	order, err := d.store.GetOrder(ctx, confirmation.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	switch order.Status {
	case data.PaidStatus:
		if err := d.store.MarkProcessing(ctx, order.ID); err != nil {
			switch {
			case errors.Is(err, data.ErrStatusConflict):
				// Another dispatch already advanced the order.
				return nil
			default:
				return fmt.Errorf("failed to mark order processing: %w", err)
			}
		}
	case data.ProcessingStatus:
		// Restart recovery path.
	default:
		d.logger.DebugCtx(ctx, "order not dispatchable",
			zap.String("orderID", order.ID),
			zap.String("status", string(order.Status)),
		)
		return nil
	}

	card, err := d.obtainCard(ctx, order)
	if err != nil {
		return d.fail(ctx, order, err)
	}
	return d.deliver(ctx, order, card)
}

func (d *Dispatcher) obtainCard(ctx context.Context, order data.Order) (providers.Card, error) {
	provider := d.registry.Resolve(order.Provider)

	if order.ProviderOrderID != "" {
		return d.pollForCard(ctx, provider, order.ProviderOrderID)
	}

	result, err := timeutils.Retry(
		ctx,
		d.cfg.PurchaseRetryDelays,
		func(ctx context.Context) (providers.PurchaseResult, error) {
			return provider.Purchase(ctx, providers.PurchaseRequest{
				OrderID:   order.ID,
				ProductID: order.ProductID,
				SKU:       order.SKU,
				Brand:     order.BrandID,
				Value:     order.FaceValue,
				Recipient: order.RecipientRef,
			})
		},
		func(_ providers.PurchaseResult, err error) bool {
			// Permanent provider refusals are not worth retrying.
			return err != nil && !errors.Is(err, providers.ErrOrderFailed)
		},
	)
	if err != nil {
		return providers.Card{}, err
	}
	if result.Delivered {
		return result.Card, nil
	}

	if err := d.store.SetProviderOrderID(ctx, order.ID, result.ProviderOrderID); err != nil {
		return providers.Card{}, fmt.Errorf("failed to persist provider order id: %w", err)
	}
	return d.pollForCard(ctx, provider, result.ProviderOrderID)
}

func (d *Dispatcher) pollForCard(
	ctx context.Context,
	provider providers.Provider,
	providerOrderID string,
) (providers.Card, error) {
	for i := 0; i < d.cfg.PollAttempts; i++ {
		if err := timeutils.SleepCtx(ctx, d.cfg.PollInterval); err != nil {
			return providers.Card{}, err
		}
		state, err := provider.PollStatus(ctx, providerOrderID)
		if err != nil {
			d.logger.WarnCtx(ctx, "provider status poll failed",
				zap.String("providerOrderID", providerOrderID),
				zap.Error(err),
			)
			continue
		}
		switch state.Status {
		case providers.StatusDelivered:
			return state.Card, nil
		case providers.StatusFailed:
			return providers.Card{}, providers.ErrOrderFailed
		}
	}
	return providers.Card{}, errors.New(deliveryTimeoutMessage)
}

func (d *Dispatcher) deliver(ctx context.Context, order data.Order, card providers.Card) error {
	hash := fulfillmentHash(order.ID, card.Code, time.Now())
	err := d.store.MarkDelivered(ctx, order.ID, card.Code, card.PIN, card.RedemptionURL, hash)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrStatusConflict):
			d.logger.DebugCtx(ctx, "order already resolved", zap.String("orderID", order.ID))
			return nil
		default:
			return fmt.Errorf("failed to mark order delivered: %w", err)
		}
	}

	order.CardCode = card.Code
	order.CardPIN = card.PIN
	order.RedemptionURL = card.RedemptionURL
	order.Status = data.DeliveredStatus
	if err := d.notifier.Notify(ctx, order.RecipientRef, order); err != nil {
		d.logger.ErrorCtx(ctx, "delivery notification failed",
			zap.String("orderID", order.ID),
			zap.Error(err),
		)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, order data.Order, cause error) error {
	d.logger.WarnCtx(ctx, "fulfillment failed",
		zap.String("orderID", order.ID),
		zap.Error(cause),
	)
	err := d.store.MarkFulfillmentFailed(ctx, order.ID, cause.Error())
	if err != nil {
		switch {
		case errors.Is(err, data.ErrStatusConflict):
			return nil
		default:
			return fmt.Errorf("failed to mark order failed: %w", err)
		}
	}
	return nil
}

func fulfillmentHash(orderID, cardCode string, at time.Time) string {
	digest := sha256.Sum256([]byte(orderID + cardCode + at.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(digest[:])
}
