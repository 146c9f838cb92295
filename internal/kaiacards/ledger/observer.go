package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"
	"kaiacards/pkg/threadsafe"

	"go.uber.org/zap"
)

type Mode string

const (
	// AddressMode watches token transfers to per-order receiving addresses.
	AddressMode = Mode("address")
	// ContractMode watches marketplace purchase events keyed by shop id.
	ContractMode = Mode("contract")
)

type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransferEvents(ctx context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error)
	PurchaseEvents(ctx context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error)
}

type EventHandler func(ctx context.Context, event data.LedgerEvent)

type ObserverConfig struct {
	Mode              Mode
	SubscribeInterval time.Duration
	ReconcileInterval time.Duration
	LookbackBlocks    uint64
}

// Observer feeds chain events to a single registered handler over two paths:
// a fast per-block subscription loop and a slower reconcile loop that
// re-reads a lookback window to recover events lost to node hiccups. The
// handler must tolerate duplicate delivery.
type Observer struct {
	chain     Chain
	cfg       ObserverConfig
	logger    *logging.ZapLogger
	handler   EventHandler
	lastScan  *threadsafe.Time
	mux       sync.Mutex
	nextBlock uint64
	done      chan struct{}
}

func NewObserver(cfg ObserverConfig, chain Chain, logger *logging.ZapLogger) *Observer {
	return &Observer{
		chain:    chain,
		cfg:      cfg,
		logger:   logger,
		lastScan: threadsafe.NewTime(time.Time{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers the push callback. Must be called before Run.
func (o *Observer) Subscribe(handler EventHandler) {
	o.handler = handler
}

func (o *Observer) Run(ctx context.Context) error {
	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	start := uint64(0)
	if head > o.cfg.LookbackBlocks {
		start = head - o.cfg.LookbackBlocks
	}
	o.setNextBlock(start)
	o.logger.InfoCtx(ctx, "ledger observer started",
		zap.String("mode", string(o.cfg.Mode)),
		zap.Uint64("head", head),
		zap.Uint64("startBlock", start),
	)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.subscribeLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reconcileLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (o *Observer) Stop() {
	close(o.done)
}

// LastScanTime reports when the subscription loop last completed a scan.
func (o *Observer) LastScanTime() time.Time {
	return o.lastScan.Get()
}

func (o *Observer) subscribeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.scanNewBlocks(ctx); err != nil {
				// The next tick retries with the same cursor, so a dropped
				// connection only delays delivery.
				o.logger.ErrorCtx(ctx, "chain scan failed", zap.Error(err))
			}
		}
	}
}

func (o *Observer) scanNewBlocks(ctx context.Context) error {
	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	from := o.getNextBlock()
	if head < from {
		return nil
	}
	events, err := o.fetch(ctx, from, head)
	if err != nil {
		return err
	}
	for _, event := range events {
		o.deliver(ctx, event)
	}
	o.setNextBlock(head + 1)
	o.lastScan.Set(time.Now())
	return nil
}

func (o *Observer) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := o.chain.BlockNumber(ctx)
			if err != nil {
				o.logger.ErrorCtx(ctx, "reconcile head read failed", zap.Error(err))
				continue
			}
			since := uint64(0)
			if head > o.cfg.LookbackBlocks {
				since = head - o.cfg.LookbackBlocks
			}
			if _, err := o.PollReconcile(ctx, since); err != nil {
				o.logger.ErrorCtx(ctx, "poll reconcile failed", zap.Error(err))
			}
		}
	}
}

// PollReconcile re-reads events from sinceBlock to the chain head and pushes
// them through the registered handler. Events already seen are deduplicated
// downstream by tx hash.
func (o *Observer) PollReconcile(ctx context.Context, sinceBlock uint64) ([]data.LedgerEvent, error) {
	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	if head < sinceBlock {
		return nil, nil
	}
	events, err := o.fetch(ctx, sinceBlock, head)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		o.deliver(ctx, event)
	}
	return events, nil
}

func (o *Observer) fetch(ctx context.Context, fromBlock, toBlock uint64) ([]data.LedgerEvent, error) {
	switch o.cfg.Mode {
	case ContractMode:
		return o.chain.PurchaseEvents(ctx, fromBlock, toBlock)
	default:
		return o.chain.TransferEvents(ctx, fromBlock, toBlock)
	}
}

func (o *Observer) deliver(ctx context.Context, event data.LedgerEvent) {
	if o.handler == nil {
		return
	}
	o.handler(ctx, event)
}

func (o *Observer) getNextBlock() uint64 {
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.nextBlock
}

func (o *Observer) setNextBlock(block uint64) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.nextBlock = block
}
