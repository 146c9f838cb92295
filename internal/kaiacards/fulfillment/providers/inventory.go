package providers

import (
	"context"
	"errors"
	"fmt"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"go.uber.org/zap"
)

type InventoryStore interface {
	ClaimInventoryCard(ctx context.Context, productID, orderID string) (data.InventoryCard, error)
}

// InventoryProvider pulls pre-provisioned codes from local stock. The claim
// is a status-guarded update in the store, so it is atomic and idempotent
// per order.
type InventoryProvider struct {
	store  InventoryStore
	logger *logging.ZapLogger
}

func NewInventoryProvider(store InventoryStore, logger *logging.ZapLogger) *InventoryProvider {
	return &InventoryProvider{
		store:  store,
		logger: logger,
	}
}

func (p *InventoryProvider) Name() string {
	return "inventory"
}

func (p *InventoryProvider) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	card, err := p.store.ClaimInventoryCard(ctx, req.ProductID, req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrNoCardsAvailable):
			return PurchaseResult{}, fmt.Errorf("%w: %s", ErrOrderFailed, data.ErrNoCardsAvailable)
		default:
			return PurchaseResult{}, fmt.Errorf("failed to claim inventory card: %w", err)
		}
	}
	p.logger.DebugCtx(ctx, "inventory card claimed",
		zap.String("orderID", req.OrderID),
		zap.String("cardID", card.ID),
	)
	return PurchaseResult{
		Delivered:       true,
		ProviderOrderID: card.ID,
		Card: Card{
			Code: card.Code,
			PIN:  card.PIN,
		},
	}, nil
}

func (p *InventoryProvider) PollStatus(ctx context.Context, providerOrderID string) (OrderState, error) {
	// Claims are synchronous; there is nothing to poll.
	return OrderState{}, fmt.Errorf("inventory provider has no async orders (id %s)", providerOrderID)
}
