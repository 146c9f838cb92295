package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"kaiacards/pkg/logging"

	"github.com/go-resty/resty/v2"
)

type TangoConfig struct {
	BaseURL            string
	PlatformName       string
	PlatformKey        string
	AccountIdentifier  string
	CustomerIdentifier string
}

// TangoProvider is a catalog supplier: orders usually complete synchronously
// with the credentials in the response, otherwise the reference order id is
// polled.
type TangoProvider struct {
	http   *resty.Client
	cfg    TangoConfig
	logger *logging.ZapLogger
}

func NewTangoProvider(cfg TangoConfig, logger *logging.ZapLogger) *TangoProvider {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.PlatformName, cfg.PlatformKey).
		SetHeader("Content-Type", "application/json")
	return &TangoProvider{
		http:   httpClient,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *TangoProvider) Name() string {
	return "tango"
}

type tangoOrderRequest struct {
	AccountIdentifier  string  `json:"accountIdentifier"`
	CustomerIdentifier string  `json:"customerIdentifier"`
	UTID               string  `json:"utid"`
	Amount             float64 `json:"amount"`
	RecipientEmail     string  `json:"recipientEmail"`
	ExternalRefID      string  `json:"externalRefID"`
	SendEmail          bool    `json:"sendEmail"`
}

type tangoCredentials struct {
	Number string `json:"number"`
	Code   string `json:"code"`
	PIN    string `json:"pin"`
}

type tangoReward struct {
	Credentials            tangoCredentials `json:"credentials"`
	RedemptionInstructions string           `json:"redemptionInstructions"`
}

type tangoOrderResponse struct {
	ReferenceOrderID string      `json:"referenceOrderID"`
	Status           string      `json:"status"`
	Reward           tangoReward `json:"reward"`
}

func (p *TangoProvider) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	amount, _ := req.Value.Float64()
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(tangoOrderRequest{
			AccountIdentifier:  p.cfg.AccountIdentifier,
			CustomerIdentifier: p.cfg.CustomerIdentifier,
			UTID:               req.SKU,
			Amount:             amount,
			RecipientEmail:     req.Recipient,
			ExternalRefID:      req.OrderID,
			SendEmail:          false,
		}).
		Post("/orders")
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("catalog order request failed: %w", err)
	}
	if resp.StatusCode() != 200 && resp.StatusCode() != 201 {
		return PurchaseResult{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	order := tangoOrderResponse{}
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return PurchaseResult{}, fmt.Errorf("error unmarshalling order response: %w", err)
	}
	if order.Status == "COMPLETE" {
		return PurchaseResult{
			Delivered:       true,
			ProviderOrderID: order.ReferenceOrderID,
			Card:            cardFromReward(order.Reward),
		}, nil
	}
	return PurchaseResult{ProviderOrderID: order.ReferenceOrderID}, nil
}

func (p *TangoProvider) PollStatus(ctx context.Context, providerOrderID string) (OrderState, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetPathParam("id", providerOrderID).
		Get("/orders/{id}")
	if err != nil {
		return OrderState{}, fmt.Errorf("catalog status request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return OrderState{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	order := tangoOrderResponse{}
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return OrderState{}, fmt.Errorf("error unmarshalling status response: %w", err)
	}
	switch order.Status {
	case "COMPLETE":
		return OrderState{Status: StatusDelivered, Card: cardFromReward(order.Reward)}, nil
	case "FAILED", "DECLINED":
		return OrderState{Status: StatusFailed}, nil
	default:
		return OrderState{Status: StatusPending}, nil
	}
}

func cardFromReward(reward tangoReward) Card {
	code := reward.Credentials.Number
	if code == "" {
		code = reward.Credentials.Code
	}
	if code == "" {
		code = reward.Credentials.PIN
	}
	return Card{
		Code:          code,
		PIN:           reward.Credentials.PIN,
		RedemptionURL: reward.RedemptionInstructions,
	}
}
