package paymentmonitor

import (
	"strings"

	"github.com/shopspring/decimal"

	"kaiacards/internal/kaiacards/data"
)

// MatchStrategy associates ledger events with monitored orders. The two
// implementations are deployment modes, never combined: address matching
// keys on the order's one-time receiving address, contract matching keys on
// the marketplace shop id carried by the purchase event.
type MatchStrategy interface {
	// Key derives the matching key a monitored order is indexed under.
	Key(order data.Order) string
	// Candidates returns monitored entries the event may settle, oldest first.
	Candidates(event data.LedgerEvent, entries []*Entry) []*Entry
}

type AddressStrategy struct{}

func NewAddressStrategy() *AddressStrategy {
	return &AddressStrategy{}
}

func (s *AddressStrategy) Key(order data.Order) string {
	return strings.ToLower(order.PaymentAddress)
}

func (s *AddressStrategy) Candidates(event data.LedgerEvent, entries []*Entry) []*Entry {
	key := strings.ToLower(event.To)
	result := make([]*Entry, 0, 1)
	for _, entry := range entries {
		if entry.MatchKey == key {
			result = append(result, entry)
		}
	}
	return result
}

type ContractStrategy struct {
	tolerance decimal.Decimal
}

func NewContractStrategy(tolerance decimal.Decimal) *ContractStrategy {
	return &ContractStrategy{tolerance: tolerance}
}

func (s *ContractStrategy) Key(order data.Order) string {
	return order.ShopKey
}

// Candidates matches on shop key and amount together. Several orders for
// different products can wait under one shop key at once, so an event only
// settles entries whose expected price equals the paid amount within the
// tolerance band.
func (s *ContractStrategy) Candidates(event data.LedgerEvent, entries []*Entry) []*Entry {
	result := make([]*Entry, 0, 1)
	for _, entry := range entries {
		if entry.MatchKey == event.ShopKey && s.amountMatches(event.Amount, entry.ExpectedAmount) {
			result = append(result, entry)
		}
	}
	return result
}

func (s *ContractStrategy) amountMatches(paid, expected decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(expected.Mul(s.tolerance)) &&
		expected.GreaterThanOrEqual(paid.Mul(s.tolerance))
}
