package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"kaiacards/pkg/logging"

	"github.com/go-resty/resty/v2"
)

type DingConfig struct {
	BaseURL string
	APIKey  string
}

// DingProvider is the second catalog supplier; it completes transfers
// synchronously and reports the issued pins in the response.
type DingProvider struct {
	http   *resty.Client
	cfg    DingConfig
	logger *logging.ZapLogger
}

func NewDingProvider(cfg DingConfig, logger *logging.ZapLogger) *DingProvider {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("api_key", cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &DingProvider{
		http:   httpClient,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *DingProvider) Name() string {
	return "ding"
}

type dingTransferRequest struct {
	SkuCode        string  `json:"SkuCode"`
	SendValue      float64 `json:"SendValue"`
	AccountNumber  string  `json:"AccountNumber"`
	DistributorRef string  `json:"DistributorRef"`
}

type dingPins struct {
	Code string `json:"Code"`
	Pin  string `json:"Pin"`
}

type dingTransferResponse struct {
	TransactionID string   `json:"TransactionId"`
	Status        string   `json:"Status"`
	Pins          dingPins `json:"Pins"`
	ReceiptText   string   `json:"ReceiptText"`
}

func (p *DingProvider) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	value, _ := req.Value.Float64()
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(dingTransferRequest{
			SkuCode:        req.SKU,
			SendValue:      value,
			AccountNumber:  req.Recipient,
			DistributorRef: req.OrderID,
		}).
		Post("/SendTransfer")
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("transfer request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return PurchaseResult{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	transfer := dingTransferResponse{}
	if err := json.Unmarshal(resp.Body(), &transfer); err != nil {
		return PurchaseResult{}, fmt.Errorf("error unmarshalling transfer response: %w", err)
	}
	if transfer.Status != "Success" {
		return PurchaseResult{}, fmt.Errorf("%w: transfer status %s", ErrOrderFailed, transfer.Status)
	}
	code := transfer.Pins.Code
	if code == "" {
		code = transfer.TransactionID
	}
	return PurchaseResult{
		Delivered:       true,
		ProviderOrderID: transfer.TransactionID,
		Card: Card{
			Code:          code,
			PIN:           transfer.Pins.Pin,
			RedemptionURL: transfer.ReceiptText,
		},
	}, nil
}

func (p *DingProvider) PollStatus(ctx context.Context, providerOrderID string) (OrderState, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("transactionId", providerOrderID).
		Get("/GetSendTransferStatus")
	if err != nil {
		return OrderState{}, fmt.Errorf("transfer status request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return OrderState{}, fmt.Errorf("unexpected status code %v", resp.StatusCode())
	}
	transfer := dingTransferResponse{}
	if err := json.Unmarshal(resp.Body(), &transfer); err != nil {
		return OrderState{}, fmt.Errorf("error unmarshalling status response: %w", err)
	}
	switch transfer.Status {
	case "Success":
		code := transfer.Pins.Code
		if code == "" {
			code = transfer.TransactionID
		}
		return OrderState{
			Status: StatusDelivered,
			Card: Card{
				Code:          code,
				PIN:           transfer.Pins.Pin,
				RedemptionURL: transfer.ReceiptText,
			},
		}, nil
	case "Failed":
		return OrderState{Status: StatusFailed}, nil
	default:
		return OrderState{Status: StatusPending}, nil
	}
}
