package handlers

import (
	"context"
	"net/http"
	"time"

	"kaiacards/internal/kaiacards/paymentmonitor"
	"kaiacards/pkg/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type MonitorStatusHandler struct {
	monitor    MonitorStatusSource
	scanSource ScanSource
	balances   BalanceSource
	logger     *logging.ZapLogger
}

type MonitorStatusSource interface {
	Snapshot() []paymentmonitor.EntryView
	Orphans() []string
}

// BalanceSource reports the current token balance of a receiving address.
// Only address-keyed deployments have one address per order; contract-keyed
// deployments wire a nil source and the balance column is omitted.
type BalanceSource interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

type TrackedOrder struct {
	paymentmonitor.EntryView
	Balance string `json:"balance,omitempty"`
}

type MonitorStatus struct {
	TrackedOrders []TrackedOrder `json:"tracked_orders"`
	OrphanTxs     []string       `json:"orphan_transactions"`
	LastScan      time.Time      `json:"last_ledger_scan"`
}

func NewMonitorStatusHandler(
	monitor MonitorStatusSource,
	scanSource ScanSource,
	balances BalanceSource,
	logger *logging.ZapLogger,
) *MonitorStatusHandler {
	return &MonitorStatusHandler{
		monitor:    monitor,
		scanSource: scanSource,
		balances:   balances,
		logger:     logger,
	}
}

func (h *MonitorStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	views := h.monitor.Snapshot()
	tracked := make([]TrackedOrder, len(views))
	for i, view := range views {
		tracked[i] = TrackedOrder{EntryView: view}
		if h.balances == nil {
			continue
		}
		balance, err := h.balances.GetBalance(r.Context(), view.MatchKey)
		if err != nil {
			h.logger.WarnCtx(r.Context(), "balance lookup failed",
				zap.String("address", view.MatchKey),
				zap.Error(err),
			)
			continue
		}
		tracked[i].Balance = balance.String()
	}

	status := MonitorStatus{
		TrackedOrders: tracked,
		OrphanTxs:     h.monitor.Orphans(),
		LastScan:      h.scanSource.LastScanTime(),
	}
	if err := tryWriteResponseJSON(w, status); err != nil {
		h.logger.ErrorCtx(r.Context(), "Error writing response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
