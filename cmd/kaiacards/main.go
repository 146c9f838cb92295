package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"kaiacards/cmd/kaiacards/config"
	"kaiacards/internal/kaiacards"
	"kaiacards/internal/kaiacards/data/database"
	"kaiacards/internal/kaiacards/data/dbrepository"
	"kaiacards/internal/kaiacards/expiry"
	"kaiacards/internal/kaiacards/fulfillment"
	"kaiacards/internal/kaiacards/fulfillment/providers"
	"kaiacards/internal/kaiacards/handlers"
	"kaiacards/internal/kaiacards/ledger"
	"kaiacards/internal/kaiacards/paymentmonitor"
	"kaiacards/pkg/logging"
	"kaiacards/pkg/pgxstorage"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewZapLogger(zapcore.DebugLevel)
	if err != nil {
		log.Fatal(err)
	}

	dbFactory := database.NewPgxDatabaseFactory(cfg.DB)
	storage, err := pgxstorage.New(dbFactory)
	if err != nil {
		log.Fatal(err)
	}
	repository := dbrepository.New(storage, logger)
	transactionManager := pgxstorage.NewTransactionsManager(storage)

	chainClient := ledger.NewClient(cfg.Ledger, logger)
	observer := ledger.NewObserver(cfg.Observer, chainClient, logger)

	var strategy paymentmonitor.MatchStrategy
	var balances handlers.BalanceSource
	switch cfg.Observer.Mode {
	case ledger.ContractMode:
		strategy = paymentmonitor.NewContractStrategy(cfg.Policy.AmountTolerance)
	default:
		strategy = paymentmonitor.NewAddressStrategy()
		balances = chainClient
	}

	monitor := paymentmonitor.New(
		cfg.Policy,
		repository,
		transactionManager,
		chainClient,
		strategy,
		logger,
	)
	observer.Subscribe(monitor.HandleEvent)

	registry, err := buildRegistry(cfg, repository, logger)
	if err != nil {
		log.Fatal(err)
	}

	notifier := fulfillment.NewLogNotifier(logger)
	dispatcher := fulfillment.NewDispatcher(
		cfg.Dispatcher,
		repository,
		registry,
		notifier,
		monitor.Confirmations(),
		logger,
	)

	reaper := expiry.NewReaper(cfg.Reaper, repository, monitor, logger)
	monitor.SetExpirer(reaper)

	server := kaiacards.NewServer(
		cfg.Server,
		storage,
		observer,
		monitor,
		balances,
		monitor,
		logger,
	)

	rootCtx, cancelCtx := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGABRT,
	)
	defer cancelCtx()

	app := &application{
		cfg:        cfg,
		server:     server,
		observer:   observer,
		monitor:    monitor,
		dispatcher: dispatcher,
		reaper:     reaper,
		logger:     logger,
	}

	if err := app.run(rootCtx); err != nil {
		logger.ErrorCtx(rootCtx, "Service shutdown with error", zap.Error(err))
	} else {
		logger.InfoCtx(rootCtx, "Service shutdown gracefully")
	}
	storage.Close()
}

type application struct {
	cfg        *config.Config
	server     *kaiacards.Server
	observer   *ledger.Observer
	monitor    *paymentmonitor.PaymentMonitor
	dispatcher *fulfillment.Dispatcher
	reaper     *expiry.Reaper
	logger     *logging.ZapLogger
}

func (app *application) run(rootCtx context.Context) error {
	g, ctx := errgroup.WithContext(rootCtx)

	context.AfterFunc(ctx, func() {
		ctx, cancelCtx := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
		defer cancelCtx()

		<-ctx.Done()
		log.Fatal("failed to gracefully shutdown the service")
	})

	if err := app.monitor.LoadPending(ctx); err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}
	if err := app.dispatcher.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("failed to recover in-flight orders: %w", err)
	}

	g.Go(func() error {
		if err := app.observer.Run(ctx); err != nil {
			return fmt.Errorf("ledger observer error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		app.monitor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		app.dispatcher.Run(ctx)
		return nil
	})

	g.Go(func() error {
		app.reaper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := app.server.Run(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer app.logger.InfoCtx(ctx, "Shutting down service")
		<-ctx.Done()
		app.observer.Stop()
		app.monitor.Stop()
		app.dispatcher.Stop()
		app.reaper.Stop()
		if err := app.server.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("goroutine error occured: %w", err)
	}

	return nil
}

func buildRegistry(
	cfg *config.Config,
	repository *dbrepository.DBRepository,
	logger *logging.ZapLogger,
) (*providers.Registry, error) {
	patterns, err := config.LoadBrandPatterns(cfg.Providers.BrandPatternsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load brand patterns: %w", err)
	}

	offline := providers.NewOfflineProvider(patterns)
	inventory := providers.NewInventoryProvider(repository, logger)

	available := map[string]providers.Provider{
		offline.Name():   offline,
		inventory.Name(): inventory,
	}
	if cfg.Providers.Direct.BaseURL != "" {
		direct := providers.NewDirectProvider(cfg.Providers.Direct, logger)
		available[direct.Name()] = direct
	}
	if cfg.Providers.Tango.BaseURL != "" {
		tango := providers.NewTangoProvider(cfg.Providers.Tango, logger)
		available[tango.Name()] = tango
	}
	if cfg.Providers.Ding.BaseURL != "" {
		ding := providers.NewDingProvider(cfg.Providers.Ding, logger)
		available[ding.Name()] = ding
	}

	fallback, ok := available[cfg.Providers.Default]
	if !ok {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.Providers.Default)
	}

	registry := providers.NewRegistry(fallback)
	for _, provider := range available {
		registry.Register(provider)
	}
	return registry, nil
}
