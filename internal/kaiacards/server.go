package kaiacards

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kaiacards/internal/kaiacards/handlers"
	"kaiacards/internal/kaiacards/middleware"
	"kaiacards/pkg/logging"

	"github.com/go-chi/chi/v5"
)

type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration
	MaxScanDelay    time.Duration
}

type Server struct {
	logger     *logging.ZapLogger
	httpServer *http.Server
	cfg        ServerConfig
}

func NewServer(
	cfg ServerConfig,
	pinger handlers.Pinger,
	scanSource handlers.ScanSource,
	monitor handlers.MonitorStatusSource,
	balances handlers.BalanceSource,
	verifier handlers.PaymentVerifier,
	logger *logging.ZapLogger,
) *Server {
	srv := &http.Server{
		Addr: cfg.Address,
		Handler: createMux(
			cfg,
			pinger,
			scanSource,
			monitor,
			balances,
			verifier,
			logger,
		),
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		httpServer: srv,
	}
}

func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server ListenAndServe failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func createMux(
	cfg ServerConfig,
	pinger handlers.Pinger,
	scanSource handlers.ScanSource,
	monitor handlers.MonitorStatusSource,
	balances handlers.BalanceSource,
	verifier handlers.PaymentVerifier,
	logger *logging.ZapLogger,
) *chi.Mux {
	healthHandler := handlers.NewHealthHandler(pinger, scanSource, cfg.MaxScanDelay, logger)
	monitorStatusHandler := handlers.NewMonitorStatusHandler(monitor, scanSource, balances, logger)
	paymentVerificationHandler := handlers.NewPaymentVerificationHandler(verifier, logger)

	loggerContext := middleware.NewLoggerContext()
	panicRecover := middleware.NewPanicRecover(logger)

	router := chi.NewRouter()
	router.Use(loggerContext.CreateHandler)
	router.Use(panicRecover.CreateHandler)

	router.Route("/api", func(router chi.Router) {
		router.Get("/health", healthHandler.ServeHTTP)
		router.Get("/monitor/status", monitorStatusHandler.ServeHTTP)
		router.Post("/payments/verify", paymentVerificationHandler.ServeHTTP)
	})

	return router
}
