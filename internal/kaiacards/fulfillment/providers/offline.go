package providers

import (
	"context"
	"fmt"

	"kaiacards/pkg/cardcode"
)

// BrandPattern describes how a brand formats its codes.
type BrandPattern struct {
	Prefix       string
	Pattern      string
	PINPattern   string
	Instructions string
}

// OfflineProvider issues deterministic codes derived from the order id.
// It backs deployments without live supplier credentials; the same order
// always yields the same card, so replays are harmless.
type OfflineProvider struct {
	brands   map[string]BrandPattern
	fallback BrandPattern
}

func NewOfflineProvider(brands map[string]BrandPattern) *OfflineProvider {
	return &OfflineProvider{
		brands: brands,
		fallback: BrandPattern{
			Prefix:     "KAI",
			Pattern:    "XXXX-XXXX-XXXX-XXXX",
			PINPattern: "XXXX",
		},
	}
}

// DefaultBrandPatterns covers the brands sold on the test deployment.
func DefaultBrandPatterns() map[string]BrandPattern {
	return map[string]BrandPattern{
		"shopee": {
			Prefix:       "SHP",
			Pattern:      "XXXX-XXXX-XXXX-XXXX",
			PINPattern:   "XXXX",
			Instructions: "Open ShopeePay and enter this code to add credit.",
		},
		"grab": {
			Prefix:       "GRB",
			Pattern:      "XXXXXXXXXX",
			Instructions: "Open GrabPay, tap Add Credit, enter this promo code.",
		},
		"lazada": {
			Prefix:       "LZD",
			Pattern:      "XXXX-XXXX-XXXX",
			PINPattern:   "XXXXXX",
			Instructions: "Go to Lazada Wallet and enter code and PIN.",
		},
		"steam": {
			Prefix:       "STM",
			Pattern:      "XXXXX-XXXXX-XXXXX",
			Instructions: "Activate a Product on Steam and enter this code.",
		},
	}
}

func (p *OfflineProvider) Name() string {
	return "offline"
}

func (p *OfflineProvider) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	pattern, ok := p.brands[req.Brand]
	if !ok {
		pattern = p.fallback
	}
	seed := []byte(req.OrderID)
	card := Card{
		Code:          cardcode.Format(pattern.Prefix, pattern.Pattern, seed),
		RedemptionURL: pattern.Instructions,
	}
	if pattern.PINPattern != "" {
		card.PIN = cardcode.FormatPIN(pattern.PINPattern, seed)
	}
	return PurchaseResult{
		Delivered:       true,
		ProviderOrderID: req.OrderID,
		Card:            card,
	}, nil
}

func (p *OfflineProvider) PollStatus(ctx context.Context, providerOrderID string) (OrderState, error) {
	return OrderState{}, fmt.Errorf("offline provider has no async orders (id %s)", providerOrderID)
}
