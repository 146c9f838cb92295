package data

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	NullStatus              = Status("")
	PendingStatus           = Status("pending")
	PaidStatus              = Status("paid")
	ProcessingStatus        = Status("processing")
	DeliveredStatus         = Status("delivered")
	FulfillmentFailedStatus = Status("fulfillment_failed")
	ExpiredStatus           = Status("expired")
)

// Terminal reports whether no further transition is legal from the status.
func (s Status) Terminal() bool {
	switch s {
	case DeliveredStatus, FulfillmentFailedStatus, ExpiredStatus:
		return true
	}
	return false
}

type Order struct {
	ID              string
	BrandID         string
	ProductID       string
	SKU             string
	Provider        string
	FaceValue       decimal.Decimal
	ExpectedAmount  decimal.Decimal
	PaymentAddress  string
	ShopKey         string
	RecipientRef    string
	Status          Status
	TxHash          string
	ProviderOrderID string
	CardCode        string
	CardPIN         string
	RedemptionURL   string
	ErrorMessage    string
	FulfillmentHash string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	PaidAt          *time.Time
	DeliveredAt     *time.Time
}

// LedgerEvent is an observed on-chain value transfer or marketplace purchase.
// Events are immutable and may be delivered more than once; the transaction
// log dedupes them by TxHash.
type LedgerEvent struct {
	TxHash      string
	From        string
	To          string
	ShopKey     string
	Amount      decimal.Decimal
	BlockNumber uint64
}

// InventoryCard is a pre-provisioned code held in local stock.
type InventoryCard struct {
	ID   string
	Code string
	PIN  string
}
