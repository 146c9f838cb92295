package providers

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrOrderFailed marks a permanent provider-side failure; the dispatcher
// resolves it to a terminal order status without further retries.
var ErrOrderFailed = errors.New("provider order failed")

type Status string

const (
	StatusPending   = Status("pending")
	StatusDelivered = Status("delivered")
	StatusFailed    = Status("failed")
)

type PurchaseRequest struct {
	OrderID   string
	ProductID string
	SKU       string
	Brand     string
	Value     decimal.Decimal
	Recipient string
}

type Card struct {
	Code          string
	PIN           string
	RedemptionURL string
}

// PurchaseResult is either a delivered card (synchronous providers) or a
// provider order reference to poll (asynchronous providers).
type PurchaseResult struct {
	Delivered       bool
	ProviderOrderID string
	Card            Card
}

type OrderState struct {
	Status Status
	Card   Card
}

// Provider is the capability every gift-card supply source exposes.
type Provider interface {
	Name() string
	Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error)
	PollStatus(ctx context.Context, providerOrderID string) (OrderState, error)
}

// Registry resolves the provider serving a brand; unknown brands fall back
// to the configured default.
type Registry struct {
	providers map[string]Provider
	fallback  Provider
}

func NewRegistry(fallback Provider) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  fallback,
	}
}

func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

func (r *Registry) Resolve(name string) Provider {
	if provider, ok := r.providers[name]; ok {
		return provider
	}
	return r.fallback
}
