package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"kaiacards/pkg/logging"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type DirectConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
}

// DirectProvider is the asynchronous REST supplier: a purchase creates a
// provider order which is then polled until the card is issued.
type DirectProvider struct {
	http   *resty.Client
	cfg    DirectConfig
	logger *logging.ZapLogger
}

func NewDirectProvider(cfg DirectConfig, logger *logging.ZapLogger) *DirectProvider {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("X-API-KEY", cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &DirectProvider{
		http:   httpClient,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *DirectProvider) Name() string {
	return "direct"
}

type directOrderRequest struct {
	ProductID string `json:"productId"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Signature string `json:"signature,omitempty"`
}

type directOrderResponse struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	CardCode      string `json:"cardCode"`
	CardPIN       string `json:"cardPin"`
	RedemptionURL string `json:"redemptionUrl"`
}

func (p *DirectProvider) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	payload := directOrderRequest{
		ProductID: req.SKU,
		Amount:    req.Value.String(),
		Recipient: req.Recipient,
		Reference: req.OrderID,
	}
	signature, err := p.sign(payload)
	if err != nil {
		return PurchaseResult{}, err
	}
	payload.Signature = signature

	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post("/orders")
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("provider order request failed: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 201 {
		return PurchaseResult{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	order := directOrderResponse{}
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return PurchaseResult{}, fmt.Errorf("error unmarshalling order response: %w", err)
	}
	p.logger.DebugCtx(ctx, "provider order created",
		zap.String("orderID", req.OrderID),
		zap.String("providerOrderID", order.OrderID),
	)
	return PurchaseResult{ProviderOrderID: order.OrderID}, nil
}

func (p *DirectProvider) PollStatus(ctx context.Context, providerOrderID string) (OrderState, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetPathParam("id", providerOrderID).
		Get("/orders/{id}")
	if err != nil {
		return OrderState{}, fmt.Errorf("provider status request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return OrderState{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	order := directOrderResponse{}
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return OrderState{}, fmt.Errorf("error unmarshalling status response: %w", err)
	}
	switch order.Status {
	case "delivered":
		return OrderState{
			Status: StatusDelivered,
			Card: Card{
				Code:          order.CardCode,
				PIN:           order.CardPIN,
				RedemptionURL: order.RedemptionURL,
			},
		}, nil
	case "failed":
		return OrderState{Status: StatusFailed}, nil
	default:
		return OrderState{Status: StatusPending}, nil
	}
}

func (p *DirectProvider) sign(payload directOrderRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error marshalling payload for signing: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(p.cfg.APISecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
