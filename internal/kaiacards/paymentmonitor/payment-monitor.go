package paymentmonitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"
	"kaiacards/pkg/threadsafe"
	"kaiacards/pkg/timeutils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	confirmationsBufferLength = 64
	orphanHistoryLimit        = 256
)

var ErrOrderNotMonitored = errors.New("order is not monitored")

type TransactionManager interface {
	DoWithTransaction(ctx context.Context, f func(ctx context.Context) error) error
}

type OrderStore interface {
	ListPendingOrders(ctx context.Context) ([]data.Order, error)
	MarkPaid(ctx context.Context, orderID, txHash, payerAddress string) error
	AppendTransactionLog(ctx context.Context, event data.LedgerEvent, status string) error
}

type Chain interface {
	ConfirmationsOf(ctx context.Context, txHash string) (uint64, error)
	TransactionEvent(ctx context.Context, txHash string) (data.LedgerEvent, error)
}

// OrderExpirer performs the guarded pending -> expired transition with stock
// restore. Implemented by the expiry reaper and shared with the monitor's
// recheck loop so both paths race safely on the same conditional update.
type OrderExpirer interface {
	ExpireOrder(ctx context.Context, orderID, productID string) error
}

type Policy struct {
	AmountTolerance        decimal.Decimal
	RequiredConfirmations  uint64
	RecheckSpacing         time.Duration
	ConfirmationRetryDelay time.Duration
}

// Confirmation is the signal emitted once per matched order.
type Confirmation struct {
	OrderID string
	TxHash  string
	Amount  decimal.Decimal
}

// Entry is the in-memory projection of an order awaiting payment.
type Entry struct {
	OrderID        string
	MatchKey       string
	ProductID      string
	ExpectedAmount decimal.Decimal
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastChecked    time.Time
	Confirmations  uint64
}

// PaymentMonitor owns the working set of orders awaiting payment and matches
// ledger events against it. All working-set mutations go through its mutex;
// the persisted transition is a guarded update so a duplicate or racing event
// collapses to a no-op.
type PaymentMonitor struct {
	store              OrderStore
	transactionManager TransactionManager
	chain              Chain
	strategy           MatchStrategy
	expirer            OrderExpirer
	policy             Policy
	logger             *logging.ZapLogger
	mux                sync.Mutex
	entries            map[string]*Entry
	orphanMux          sync.Mutex
	orphans            *threadsafe.SafeSlice[string]
	orphanSeen         *threadsafe.HashSet[string]
	confirmations      chan Confirmation
	done               chan struct{}
}

func New(
	policy Policy,
	store OrderStore,
	transactionManager TransactionManager,
	chain Chain,
	strategy MatchStrategy,
	logger *logging.ZapLogger,
) *PaymentMonitor {
	return &PaymentMonitor{
		store:              store,
		transactionManager: transactionManager,
		chain:              chain,
		strategy:           strategy,
		policy:             policy,
		logger:             logger,
		entries:            make(map[string]*Entry),
		orphans:            threadsafe.NewSafeSlice[string](0),
		orphanSeen:         threadsafe.NewHashSet[string](),
		confirmations:      make(chan Confirmation, confirmationsBufferLength),
		done:               make(chan struct{}),
	}
}

// SetExpirer wires the reaper in after construction; monitor and reaper
// reference each other only through interfaces.
func (pm *PaymentMonitor) SetExpirer(expirer OrderExpirer) {
	pm.expirer = expirer
}

func (pm *PaymentMonitor) Confirmations() <-chan Confirmation {
	return pm.confirmations
}

// LoadPending populates the working set from the order store. Called once at
// startup before the observer starts delivering events.
func (pm *PaymentMonitor) LoadPending(ctx context.Context) error {
	orders, err := pm.store.ListPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending orders: %w", err)
	}
	for _, order := range orders {
		pm.Track(order)
	}
	pm.logger.InfoCtx(ctx, "loaded pending orders for monitoring", zap.Int("count", len(orders)))
	return nil
}

func (pm *PaymentMonitor) Track(order data.Order) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	pm.entries[order.ID] = &Entry{
		OrderID:        order.ID,
		MatchKey:       pm.strategy.Key(order),
		ProductID:      order.ProductID,
		ExpectedAmount: order.ExpectedAmount,
		CreatedAt:      order.CreatedAt,
		ExpiresAt:      order.ExpiresAt,
	}
}

func (pm *PaymentMonitor) Untrack(orderID string) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	delete(pm.entries, orderID)
}

func (pm *PaymentMonitor) snapshot() []*Entry {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	entries := make([]*Entry, 0, len(pm.entries))
	for _, entry := range pm.entries {
		entryCopy := *entry
		entries = append(entries, &entryCopy)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// HandleEvent is the single downstream matcher shared by the subscription
// path, the reconcile path and on-demand verification.
func (pm *PaymentMonitor) HandleEvent(ctx context.Context, event data.LedgerEvent) {
	candidates := pm.strategy.Candidates(event, pm.snapshot())
	if len(candidates) == 0 {
		pm.recordOrphan(ctx, event)
		return
	}
	for _, entry := range candidates {
		matched, err := pm.tryMatch(ctx, entry, event)
		if err != nil {
			pm.logger.ErrorCtx(ctx, "failed to match event",
				zap.String("orderID", entry.OrderID),
				zap.String("txHash", event.TxHash),
				zap.Error(err),
			)
			return
		}
		if matched {
			return
		}
	}
	pm.recordOrphan(ctx, event)
}

// tryMatch verifies tolerance and confirmation depth for one candidate and,
// when both pass, performs the exactly-once transition. Returns false when
// the event does not settle this entry (amount too low).
func (pm *PaymentMonitor) tryMatch(ctx context.Context, entry *Entry, event data.LedgerEvent) (bool, error) {
	required := entry.ExpectedAmount.Mul(pm.policy.AmountTolerance)
	if event.Amount.LessThan(required) {
		pm.logger.WarnCtx(ctx, "event amount below tolerance",
			zap.String("orderID", entry.OrderID),
			zap.String("txHash", event.TxHash),
			zap.String("observed", event.Amount.String()),
			zap.String("required", required.String()),
		)
		return false, nil
	}

	confirmations, err := pm.chain.ConfirmationsOf(ctx, event.TxHash)
	if err != nil {
		return false, fmt.Errorf("failed to get confirmations: %w", err)
	}
	pm.setConfirmations(entry.OrderID, confirmations)
	if confirmations < pm.policy.RequiredConfirmations {
		pm.logger.DebugCtx(ctx, "waiting for confirmations",
			zap.String("orderID", entry.OrderID),
			zap.String("txHash", event.TxHash),
			zap.Uint64("confirmations", confirmations),
			zap.Uint64("required", pm.policy.RequiredConfirmations),
		)
		pm.scheduleRecheck(ctx, event)
		return true, nil
	}

	if err := pm.finalize(ctx, entry, event); err != nil {
		return false, err
	}
	return true, nil
}

// finalize writes the transaction log row and the guarded pending -> paid
// update in one transaction. Duplicate tx hashes and lost status races both
// roll the transaction back and resolve to a no-op.
func (pm *PaymentMonitor) finalize(ctx context.Context, entry *Entry, event data.LedgerEvent) error {
	err := pm.transactionManager.DoWithTransaction(ctx, func(ctx context.Context) error {
		if err := pm.store.AppendTransactionLog(ctx, event, "confirmed"); err != nil {
			return err
		}
		return pm.store.MarkPaid(ctx, entry.OrderID, event.TxHash, event.From)
	})
	if err != nil {
		switch {
		case errors.Is(err, data.ErrDuplicateTransaction):
			pm.logger.DebugCtx(ctx, "transaction already consumed", zap.String("txHash", event.TxHash))
			return nil
		case errors.Is(err, data.ErrStatusConflict):
			pm.logger.DebugCtx(ctx, "order already settled", zap.String("orderID", entry.OrderID))
			pm.Untrack(entry.OrderID)
			return nil
		default:
			return fmt.Errorf("failed to finalize payment: %w", err)
		}
	}

	pm.Untrack(entry.OrderID)
	pm.logger.InfoCtx(ctx, "payment matched",
		zap.String("orderID", entry.OrderID),
		zap.String("txHash", event.TxHash),
		zap.String("amount", event.Amount.String()),
	)
	select {
	case pm.confirmations <- Confirmation{OrderID: entry.OrderID, TxHash: event.TxHash, Amount: event.Amount}:
	case <-ctx.Done():
	case <-pm.done:
	}
	return nil
}

// scheduleRecheck re-runs the matcher for an event whose transaction is not
// deep enough yet. The retry stops once the order leaves the working set.
func (pm *PaymentMonitor) scheduleRecheck(ctx context.Context, event data.LedgerEvent) {
	go func() {
		if err := timeutils.SleepCtx(ctx, pm.policy.ConfirmationRetryDelay); err != nil {
			return
		}
		select {
		case <-pm.done:
			return
		default:
		}
		pm.HandleEvent(ctx, event)
	}()
}

// VerifyPayment runs the matcher once for a manually reported transaction.
func (pm *PaymentMonitor) VerifyPayment(ctx context.Context, orderID, txHash string) error {
	pm.mux.Lock()
	entry, ok := pm.entries[orderID]
	pm.mux.Unlock()
	if !ok {
		return ErrOrderNotMonitored
	}
	event, err := pm.chain.TransactionEvent(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to resolve transaction: %w", err)
	}
	matched, err := pm.tryMatch(ctx, entry, event)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("transaction %s does not settle order %s", txHash, orderID)
	}
	return nil
}

// Run drives the periodic recheck sweep: entries past their expiry timestamp
// are handed to the reaper's guarded transition.
func (pm *PaymentMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pm.policy.RecheckSpacing)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.recheck(ctx)
		}
	}
}

func (pm *PaymentMonitor) Stop() {
	close(pm.done)
}

func (pm *PaymentMonitor) recheck(ctx context.Context) {
	now := time.Now()
	for _, entry := range pm.snapshot() {
		if now.Sub(entry.LastChecked) < pm.policy.RecheckSpacing {
			continue
		}
		pm.setLastChecked(entry.OrderID, now)
		if entry.ExpiresAt.Before(now) && pm.expirer != nil {
			if err := pm.expirer.ExpireOrder(ctx, entry.OrderID, entry.ProductID); err != nil {
				pm.logger.ErrorCtx(ctx, "failed to expire order",
					zap.String("orderID", entry.OrderID), zap.Error(err))
				continue
			}
			pm.Untrack(entry.OrderID)
		}
	}
}

func (pm *PaymentMonitor) setLastChecked(orderID string, t time.Time) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	if entry, ok := pm.entries[orderID]; ok {
		entry.LastChecked = t
	}
}

func (pm *PaymentMonitor) setConfirmations(orderID string, confirmations uint64) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	if entry, ok := pm.entries[orderID]; ok {
		entry.Confirmations = confirmations
	}
}

// recordOrphan keeps one history row per transaction hash. Reconcile replays
// the lookback window every interval, so the same unmatched transaction is
// delivered again and again; duplicates are dropped and the history evicts
// its oldest row past the limit.
func (pm *PaymentMonitor) recordOrphan(ctx context.Context, event data.LedgerEvent) {
	if !pm.orphanSeen.Add(event.TxHash) {
		return
	}
	pm.logger.WarnCtx(ctx, "orphan ledger event",
		zap.String("txHash", event.TxHash),
		zap.String("to", event.To),
		zap.String("shopKey", event.ShopKey),
		zap.String("amount", event.Amount.String()),
	)
	pm.orphanMux.Lock()
	defer pm.orphanMux.Unlock()
	if pm.orphans.Size() >= orphanHistoryLimit {
		pm.orphanSeen.Remove(pm.orphans.Get(0))
		pm.orphans.RemoveAt(0)
	}
	pm.orphans.Append(event.TxHash)
}

// EntryView is the read-only working-set projection served by the status API.
type EntryView struct {
	OrderID        string    `json:"order_id"`
	MatchKey       string    `json:"match_key"`
	ExpectedAmount string    `json:"expected_amount"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastChecked    time.Time `json:"last_checked"`
	Confirmations  uint64    `json:"confirmations"`
}

func (pm *PaymentMonitor) Snapshot() []EntryView {
	entries := pm.snapshot()
	views := make([]EntryView, len(entries))
	for i, entry := range entries {
		views[i] = EntryView{
			OrderID:        entry.OrderID,
			MatchKey:       entry.MatchKey,
			ExpectedAmount: entry.ExpectedAmount.String(),
			ExpiresAt:      entry.ExpiresAt,
			LastChecked:    entry.LastChecked,
			Confirmations:  entry.Confirmations,
		}
	}
	return views
}

func (pm *PaymentMonitor) Orphans() []string {
	return pm.orphans.Items()
}
