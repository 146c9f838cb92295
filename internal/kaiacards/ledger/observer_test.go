package ledger

import (
	"context"
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

type fakeChain struct {
	mux       sync.Mutex
	head      uint64
	transfers []data.LedgerEvent
	purchases []data.LedgerEvent
}

func (c *fakeChain) BlockNumber(_ context.Context) (uint64, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.head, nil
}

func (c *fakeChain) TransferEvents(_ context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return inRange(c.transfers, fromBlock, toBlock), nil
}

func (c *fakeChain) PurchaseEvents(_ context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return inRange(c.purchases, fromBlock, toBlock), nil
}

func (c *fakeChain) advance(head uint64, transfers ...data.LedgerEvent) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.head = head
	c.transfers = append(c.transfers, transfers...)
}

func inRange(events []data.LedgerEvent, fromBlock, toBlock uint64) []data.LedgerEvent {
	result := make([]data.LedgerEvent, 0)
	for _, event := range events {
		if event.BlockNumber >= fromBlock && event.BlockNumber <= toBlock {
			result = append(result, event)
		}
	}
	return result
}

type eventSink struct {
	mux    sync.Mutex
	events []data.LedgerEvent
}

func (s *eventSink) handle(_ context.Context, event data.LedgerEvent) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.events = append(s.events, event)
}

func (s *eventSink) txHashes() []string {
	s.mux.Lock()
	defer s.mux.Unlock()
	hashes := make([]string, len(s.events))
	for i, event := range s.events {
		hashes[i] = event.TxHash
	}
	return hashes
}

func testEvent(txHash string, blockNumber uint64) data.LedgerEvent {
	return data.LedgerEvent{
		TxHash:      txHash,
		To:          "0xabc",
		Amount:      decimal.RequireFromString("100"),
		BlockNumber: blockNumber,
	}
}

func newTestObserver(t *testing.T, chain Chain, mode Mode) *Observer {
	t.Helper()
	logger, err := logging.NewZapLogger(zapcore.ErrorLevel)
	require.NoError(t, err)
	return NewObserver(ObserverConfig{
		Mode:              mode,
		SubscribeInterval: 5 * time.Millisecond,
		ReconcileInterval: time.Hour,
		LookbackBlocks:    50,
	}, chain, logger)
}

func TestObserverDeliversNewBlocks(t *testing.T) {
	chain := &fakeChain{head: 100}
	chain.advance(100, testEvent("0xold", 80))
	sink := &eventSink{}
	observer := newTestObserver(t, chain, AddressMode)
	observer.Subscribe(sink.handle)

	go func() {
		_ = observer.Run(context.Background())
	}()
	defer observer.Stop()

	// Startup lookback covers blocks 50..100, so the old event is replayed.
	require.Eventually(t, func() bool {
		return len(sink.txHashes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0xold"}, sink.txHashes())

	chain.advance(105, testEvent("0xnew", 103))

	require.Eventually(t, func() bool {
		return len(sink.txHashes()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0xold", "0xnew"}, sink.txHashes())
	assert.False(t, observer.LastScanTime().IsZero())
}

func TestObserverCursorDoesNotRescan(t *testing.T) {
	chain := &fakeChain{}
	chain.advance(100, testEvent("0xtx", 90))
	sink := &eventSink{}
	observer := newTestObserver(t, chain, AddressMode)
	observer.Subscribe(sink.handle)

	go func() {
		_ = observer.Run(context.Background())
	}()
	defer observer.Stop()

	require.Eventually(t, func() bool {
		return len(sink.txHashes()) == 1
	}, time.Second, 5*time.Millisecond)

	// Let several more scan ticks pass; the cursor sits past the event block.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"0xtx"}, sink.txHashes())
}

func TestPollReconcileReplaysWindow(t *testing.T) {
	chain := &fakeChain{}
	chain.advance(100, testEvent("0xtx", 90))
	sink := &eventSink{}
	observer := newTestObserver(t, chain, AddressMode)
	observer.Subscribe(sink.handle)

	events, err := observer.PollReconcile(context.Background(), 85)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"0xtx"}, sink.txHashes())

	events, err = observer.PollReconcile(context.Background(), 95)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestObserverContractMode(t *testing.T) {
	purchase := testEvent("0xpurchase", 90)
	purchase.ShopKey = "shop-1"
	chain := &fakeChain{head: 100, purchases: []data.LedgerEvent{purchase}}
	sink := &eventSink{}
	observer := newTestObserver(t, chain, ContractMode)
	observer.Subscribe(sink.handle)

	events, err := observer.PollReconcile(context.Background(), 80)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "shop-1", events[0].ShopKey)
}
