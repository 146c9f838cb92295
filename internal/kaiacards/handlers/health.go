package handlers

import (
	"context"
	"net/http"
	"time"

	"kaiacards/pkg/logging"

	"go.uber.org/zap"
)

type HealthHandler struct {
	pinger       Pinger
	scanSource   ScanSource
	maxScanDelay time.Duration
	logger       *logging.ZapLogger
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type ScanSource interface {
	LastScanTime() time.Time
}

type HealthStatus struct {
	Database string    `json:"database"`
	Ledger   string    `json:"ledger"`
	LastScan time.Time `json:"last_ledger_scan"`
}

func NewHealthHandler(
	pinger Pinger,
	scanSource ScanSource,
	maxScanDelay time.Duration,
	logger *logging.ZapLogger,
) *HealthHandler {
	return &HealthHandler{
		pinger:       pinger,
		scanSource:   scanSource,
		maxScanDelay: maxScanDelay,
		logger:       logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Database: "ok",
		Ledger:   "ok",
		LastScan: h.scanSource.LastScanTime(),
	}
	healthy := true

	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.ErrorCtx(r.Context(), "database ping failed", zap.Error(err))
		status.Database = "unreachable"
		healthy = false
	}
	if time.Since(status.LastScan) > h.maxScanDelay {
		status.Ledger = "stale"
		healthy = false
	}

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := tryWriteResponseJSON(w, status); err != nil {
		h.logger.ErrorCtx(r.Context(), "Error writing response", zap.Error(err))
	}
}
