package paymentmonitor

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeStore struct {
	mux      sync.Mutex
	pending  []data.Order
	paid     map[string]string
	txLog    map[string]int
	conflict map[string]bool
}

func newFakeStore(pending ...data.Order) *fakeStore {
	return &fakeStore{
		pending:  pending,
		paid:     make(map[string]string),
		txLog:    make(map[string]int),
		conflict: make(map[string]bool),
	}
}

func (s *fakeStore) ListPendingOrders(_ context.Context) ([]data.Order, error) {
	return s.pending, nil
}

func (s *fakeStore) MarkPaid(_ context.Context, orderID, txHash, _ string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.conflict[orderID] {
		return data.ErrStatusConflict
	}
	if _, ok := s.paid[orderID]; ok {
		return data.ErrStatusConflict
	}
	s.paid[orderID] = txHash
	return nil
}

func (s *fakeStore) AppendTransactionLog(_ context.Context, event data.LedgerEvent, _ string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.txLog[event.TxHash]; ok {
		return data.ErrDuplicateTransaction
	}
	s.txLog[event.TxHash] = 1
	return nil
}

func (s *fakeStore) paidTx(orderID string) string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.paid[orderID]
}

func (s *fakeStore) logSize() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.txLog)
}

type fakeTxManager struct {
	store *fakeStore
}

func (m *fakeTxManager) DoWithTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	m.store.mux.Lock()
	logSnapshot := maps.Clone(m.store.txLog)
	paidSnapshot := maps.Clone(m.store.paid)
	m.store.mux.Unlock()

	if err := f(ctx); err != nil {
		m.store.mux.Lock()
		m.store.txLog = logSnapshot
		m.store.paid = paidSnapshot
		m.store.mux.Unlock()
		return err
	}
	return nil
}

type fakeChain struct {
	mux           sync.Mutex
	confirmations map[string]uint64
	events        map[string]data.LedgerEvent
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		confirmations: make(map[string]uint64),
		events:        make(map[string]data.LedgerEvent),
	}
}

func (c *fakeChain) ConfirmationsOf(_ context.Context, txHash string) (uint64, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.confirmations[txHash], nil
}

func (c *fakeChain) TransactionEvent(_ context.Context, txHash string) (data.LedgerEvent, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.events[txHash], nil
}

func (c *fakeChain) setConfirmations(txHash string, value uint64) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.confirmations[txHash] = value
}

type fakeExpirer struct {
	mux     sync.Mutex
	expired []string
}

func (e *fakeExpirer) ExpireOrder(_ context.Context, orderID, _ string) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.expired = append(e.expired, orderID)
	return nil
}

func (e *fakeExpirer) expiredOrders() []string {
	e.mux.Lock()
	defer e.mux.Unlock()
	return append([]string(nil), e.expired...)
}

func testPolicy() Policy {
	return Policy{
		AmountTolerance:        decimal.RequireFromString("0.99"),
		RequiredConfirmations:  3,
		RecheckSpacing:         10 * time.Millisecond,
		ConfirmationRetryDelay: 10 * time.Millisecond,
	}
}

func testOrder(id, address, amount string) data.Order {
	return data.Order{
		ID:             id,
		ProductID:      "product-1",
		PaymentAddress: address,
		ExpectedAmount: decimal.RequireFromString(amount),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func newTestMonitor(t *testing.T, store *fakeStore, chain *fakeChain, strategy MatchStrategy) *PaymentMonitor {
	t.Helper()
	logger, err := logging.NewZapLogger(zapcore.ErrorLevel)
	require.NoError(t, err)
	return New(testPolicy(), store, &fakeTxManager{store: store}, chain, strategy, logger)
}

func TestHandleEventAmountTolerance(t *testing.T) {
	tests := []struct {
		name       string
		expected   string
		observed   string
		expectPaid bool
	}{
		{
			name:       "just below tolerance",
			expected:   "100",
			observed:   "98.9",
			expectPaid: false,
		},
		{
			name:       "just above tolerance",
			expected:   "100",
			observed:   "99.1",
			expectPaid: true,
		},
		{
			name:       "exactly at tolerance",
			expected:   "100",
			observed:   "99",
			expectPaid: true,
		},
		{
			name:       "exact amount",
			expected:   "100",
			observed:   "100",
			expectPaid: true,
		},
		{
			name:       "overpayment",
			expected:   "100",
			observed:   "100.05",
			expectPaid: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newFakeStore()
			chain := newFakeChain()
			chain.setConfirmations("0xtx", 5)
			monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

			monitor.Track(testOrder("order-1", "0xAbC", test.expected))
			monitor.HandleEvent(context.Background(), data.LedgerEvent{
				TxHash: "0xtx",
				To:     "0xabc",
				Amount: decimal.RequireFromString(test.observed),
			})

			if test.expectPaid {
				assert.Equal(t, "0xtx", store.paidTx("order-1"))
				assert.Empty(t, monitor.Snapshot())
			} else {
				assert.Empty(t, store.paidTx("order-1"))
				assert.Len(t, monitor.Snapshot(), 1)
				assert.Equal(t, []string{"0xtx"}, monitor.Orphans())
			}
		})
	}
}

func TestHandleEventWaitsForConfirmations(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 2)
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	monitor.Track(testOrder("order-1", "0xabc", "100"))
	monitor.HandleEvent(context.Background(), data.LedgerEvent{
		TxHash: "0xtx",
		To:     "0xabc",
		Amount: decimal.RequireFromString("100"),
	})

	assert.Empty(t, store.paidTx("order-1"))
	require.Len(t, monitor.Snapshot(), 1)
	assert.Equal(t, uint64(2), monitor.Snapshot()[0].Confirmations)

	chain.setConfirmations("0xtx", 3)

	require.Eventually(t, func() bool {
		return store.paidTx("order-1") == "0xtx"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, monitor.Snapshot())
}

func TestHandleEventDeduplicatesTransaction(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 5)
	monitor := newTestMonitor(t, store, chain, NewContractStrategy(testPolicy().AmountTolerance))

	first := testOrder("order-1", "", "100")
	first.ShopKey = "shop-1"
	second := testOrder("order-2", "", "100")
	second.ShopKey = "shop-1"
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	monitor.Track(first)
	monitor.Track(second)

	event := data.LedgerEvent{
		TxHash:  "0xtx",
		ShopKey: "shop-1",
		Amount:  decimal.RequireFromString("100"),
	}
	monitor.HandleEvent(context.Background(), event)
	monitor.HandleEvent(context.Background(), event)

	assert.Equal(t, "0xtx", store.paidTx("order-1"))
	assert.Empty(t, store.paidTx("order-2"))
	assert.Equal(t, 1, store.logSize())
	assert.Len(t, monitor.Snapshot(), 1)
}

func TestHandleEventContractModeMatchesAmount(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 5)
	monitor := newTestMonitor(t, store, chain, NewContractStrategy(testPolicy().AmountTolerance))

	cheap := testOrder("order-cheap", "", "10")
	cheap.ShopKey = "shop-1"
	pricey := testOrder("order-pricey", "", "100")
	pricey.ShopKey = "shop-1"
	pricey.CreatedAt = cheap.CreatedAt.Add(time.Second)
	monitor.Track(cheap)
	monitor.Track(pricey)

	monitor.HandleEvent(context.Background(), data.LedgerEvent{
		TxHash:  "0xtx",
		ShopKey: "shop-1",
		Amount:  decimal.RequireFromString("100"),
	})

	// The older cheap order shares the shop key but not the price, so the
	// payment must settle the pricey order.
	assert.Empty(t, store.paidTx("order-cheap"))
	assert.Equal(t, "0xtx", store.paidTx("order-pricey"))
	require.Len(t, monitor.Snapshot(), 1)
	assert.Equal(t, "order-cheap", monitor.Snapshot()[0].OrderID)
}

func TestHandleEventStatusConflictIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.conflict["order-1"] = true
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 5)
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	monitor.Track(testOrder("order-1", "0xabc", "100"))
	monitor.HandleEvent(context.Background(), data.LedgerEvent{
		TxHash: "0xtx",
		To:     "0xabc",
		Amount: decimal.RequireFromString("100"),
	})

	assert.Empty(t, store.paidTx("order-1"))
	assert.Zero(t, store.logSize())
	assert.Empty(t, monitor.Snapshot())
}

func TestHandleEventUnknownDestinationIsOrphan(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	monitor.Track(testOrder("order-1", "0xabc", "100"))
	monitor.HandleEvent(context.Background(), data.LedgerEvent{
		TxHash: "0xother",
		To:     "0xdef",
		Amount: decimal.RequireFromString("100"),
	})

	assert.Empty(t, store.paidTx("order-1"))
	assert.Equal(t, []string{"0xother"}, monitor.Orphans())
}

func TestRepeatedOrphanEventIsRecordedOnce(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	event := data.LedgerEvent{
		TxHash: "0xorphan",
		To:     "0xdef",
		Amount: decimal.RequireFromString("100"),
	}
	for i := 0; i < 5; i++ {
		monitor.HandleEvent(context.Background(), event)
	}

	assert.Equal(t, []string{"0xorphan"}, monitor.Orphans())
}

func TestOrphanHistoryEvictsOldest(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	for i := 0; i < orphanHistoryLimit+3; i++ {
		monitor.HandleEvent(context.Background(), data.LedgerEvent{
			TxHash: fmt.Sprintf("0x%04x", i),
			To:     "0xdef",
			Amount: decimal.RequireFromString("100"),
		})
	}

	orphans := monitor.Orphans()
	require.Len(t, orphans, orphanHistoryLimit)
	assert.Equal(t, "0x0003", orphans[0])
	assert.Equal(t, fmt.Sprintf("0x%04x", orphanHistoryLimit+2), orphans[len(orphans)-1])
}

func TestVerifyPayment(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 5)
	chain.events["0xtx"] = data.LedgerEvent{
		TxHash: "0xtx",
		To:     "0xabc",
		Amount: decimal.RequireFromString("99.95"),
	}
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())
	monitor.Track(testOrder("order-1", "0xabc", "100"))

	err := monitor.VerifyPayment(context.Background(), "unknown", "0xtx")
	assert.ErrorIs(t, err, ErrOrderNotMonitored)

	err = monitor.VerifyPayment(context.Background(), "order-1", "0xtx")
	require.NoError(t, err)
	assert.Equal(t, "0xtx", store.paidTx("order-1"))
}

func TestVerifyPaymentRejectsMismatch(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.setConfirmations("0xtx", 5)
	chain.events["0xtx"] = data.LedgerEvent{
		TxHash: "0xtx",
		To:     "0xabc",
		Amount: decimal.RequireFromString("50"),
	}
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())
	monitor.Track(testOrder("order-1", "0xabc", "100"))

	err := monitor.VerifyPayment(context.Background(), "order-1", "0xtx")
	require.Error(t, err)
	assert.Empty(t, store.paidTx("order-1"))
}

func TestRecheckExpiresTimedOutOrders(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())
	expirer := &fakeExpirer{}
	monitor.SetExpirer(expirer)

	order := testOrder("order-1", "0xabc", "100")
	order.ExpiresAt = time.Now().Add(-time.Minute)
	monitor.Track(order)

	go monitor.Run(context.Background())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return len(expirer.expiredOrders()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"order-1"}, expirer.expiredOrders())
	assert.Empty(t, monitor.Snapshot())
}

func TestLoadPendingPopulatesWorkingSet(t *testing.T) {
	store := newFakeStore(
		testOrder("order-1", "0xabc", "100"),
		testOrder("order-2", "0xdef", "25"),
	)
	chain := newFakeChain()
	monitor := newTestMonitor(t, store, chain, NewAddressStrategy())

	require.NoError(t, monitor.LoadPending(context.Background()))
	assert.Len(t, monitor.Snapshot(), 2)
}
