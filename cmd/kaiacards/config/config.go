package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"kaiacards/internal/kaiacards"
	"kaiacards/internal/kaiacards/data/database"
	"kaiacards/internal/kaiacards/expiry"
	"kaiacards/internal/kaiacards/fulfillment"
	"kaiacards/internal/kaiacards/fulfillment/providers"
	"kaiacards/internal/kaiacards/ledger"
	"kaiacards/internal/kaiacards/paymentmonitor"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	serverAddressFlag         = "a"
	serverAddressEnv          = "RUN_ADDRESS"
	serverAddressDefault      = "localhost:8080"
	rpcURLFlag                = "r"
	rpcURLEnv                 = "LEDGER_RPC_URL"
	rpcURLDefault             = "http://localhost:8545"
	dbConnectionStringFlag    = "d"
	dbConnectionStringEnv     = "DATABASE_URI"
	dbConnectionStringDefault = ""
	monitorModeEnv            = "MONITOR_MODE"
	amountToleranceEnv        = "PAYMENT_AMOUNT_TOLERANCE"
	amountToleranceDefault    = "0.99"
	requiredConfirmationsEnv  = "PAYMENT_REQUIRED_CONFIRMATIONS"
	defaultProviderEnv        = "FULFILLMENT_DEFAULT_PROVIDER"
	defaultProviderDefault    = "offline"
	brandPatternsFileEnv      = "BRAND_PATTERNS_FILE"
)

type Config struct {
	Server     kaiacards.ServerConfig
	DB         database.Config
	Ledger     ledger.Config
	Observer   ledger.ObserverConfig
	Policy     paymentmonitor.Policy
	Dispatcher fulfillment.Config
	Reaper     expiry.Config
	Providers  ProvidersConfig

	ShutdownTimeout time.Duration
}

type ProvidersConfig struct {
	Default           string
	BrandPatternsFile string
	Direct            providers.DirectConfig
	Tango             providers.TangoConfig
	Ding              providers.DingConfig
}

func Load() (*Config, error) {
	// Local overrides; absence of the file is not an error.
	_ = godotenv.Load()

	serverAddress := flag.String(
		serverAddressFlag,
		serverAddressDefault,
		"Server address host:port",
	)

	rpcURL := flag.String(
		rpcURLFlag,
		rpcURLDefault,
		"Chain node JSON-RPC endpoint",
	)

	dbConnectionString := flag.String(
		dbConnectionStringFlag,
		dbConnectionStringDefault,
		"PostgreSQL connection string",
	)

	flag.Parse()

	if valStr, ok := os.LookupEnv(serverAddressEnv); ok {
		*serverAddress = valStr
	}

	if valStr, ok := os.LookupEnv(rpcURLEnv); ok {
		*rpcURL = valStr
	}

	if valStr, ok := os.LookupEnv(dbConnectionStringEnv); ok {
		*dbConnectionString = valStr
	}

	mode, err := parseMode(getEnvString(monitorModeEnv, string(ledger.AddressMode)))
	if err != nil {
		return nil, err
	}

	tolerance, err := decimal.NewFromString(getEnvString(amountToleranceEnv, amountToleranceDefault))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", amountToleranceEnv, err)
	}

	recheckSpacing, err := getEnvDuration("PAYMENT_RECHECK_SPACING", 10*time.Second)
	if err != nil {
		return nil, err
	}

	confirmationRetryDelay, err := getEnvDuration("PAYMENT_CONFIRMATION_RETRY_DELAY", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pollInterval, err := getEnvDuration("FULFILLMENT_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}

	sweepPeriod, err := getEnvDuration("EXPIRY_SWEEP_PERIOD", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	subscribeInterval, err := getEnvDuration("LEDGER_SUBSCRIBE_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	reconcileInterval, err := getEnvDuration("LEDGER_RECONCILE_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}

	requestTimeout, err := getEnvDuration("LEDGER_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	maxScanDelay, err := getEnvDuration("HEALTH_MAX_SCAN_DELAY", time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: kaiacards.ServerConfig{
			Address:         *serverAddress,
			ShutdownTimeout: 5 * time.Second,
			MaxScanDelay:    maxScanDelay,
		},
		DB: database.Config{
			ConnectionString: *dbConnectionString,
		},
		Ledger: ledger.Config{
			RPCURL:             *rpcURL,
			TokenAddress:       getEnvString("LEDGER_TOKEN_ADDRESS", ""),
			TokenDecimals:      int32(getEnvInt("LEDGER_TOKEN_DECIMALS", 6)),
			MarketplaceAddress: getEnvString("LEDGER_MARKETPLACE_ADDRESS", ""),
			RequestTimeout:     requestTimeout,
		},
		Observer: ledger.ObserverConfig{
			Mode:              mode,
			SubscribeInterval: subscribeInterval,
			ReconcileInterval: reconcileInterval,
			LookbackBlocks:    uint64(getEnvInt("LEDGER_LOOKBACK_BLOCKS", 600)),
		},
		Policy: paymentmonitor.Policy{
			AmountTolerance:        tolerance,
			RequiredConfirmations:  uint64(getEnvInt(requiredConfirmationsEnv, 3)),
			RecheckSpacing:         recheckSpacing,
			ConfirmationRetryDelay: confirmationRetryDelay,
		},
		Dispatcher: fulfillment.Config{
			WorkersCount:        getEnvInt("FULFILLMENT_WORKERS_COUNT", 4),
			TasksBufferLength:   getEnvInt("FULFILLMENT_TASKS_BUFFER", 64),
			PollAttempts:        getEnvInt("FULFILLMENT_POLL_ATTEMPTS", 30),
			PollInterval:        pollInterval,
			PurchaseRetryDelays: []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		},
		Reaper: expiry.Config{
			SweepPeriod: sweepPeriod,
		},
		Providers: ProvidersConfig{
			Default:           getEnvString(defaultProviderEnv, defaultProviderDefault),
			BrandPatternsFile: getEnvString(brandPatternsFileEnv, ""),
			Direct: providers.DirectConfig{
				BaseURL:   getEnvString("DIRECT_BASE_URL", ""),
				APIKey:    getEnvString("DIRECT_API_KEY", ""),
				APISecret: getEnvString("DIRECT_API_SECRET", ""),
			},
			Tango: providers.TangoConfig{
				BaseURL:            getEnvString("TANGO_BASE_URL", ""),
				PlatformName:       getEnvString("TANGO_PLATFORM_NAME", ""),
				PlatformKey:        getEnvString("TANGO_PLATFORM_KEY", ""),
				AccountIdentifier:  getEnvString("TANGO_ACCOUNT_IDENTIFIER", ""),
				CustomerIdentifier: getEnvString("TANGO_CUSTOMER_IDENTIFIER", ""),
			},
			Ding: providers.DingConfig{
				BaseURL: getEnvString("DING_BASE_URL", ""),
				APIKey:  getEnvString("DING_API_KEY", ""),
			},
		},
		ShutdownTimeout: 5 * time.Second,
	}, nil
}

func parseMode(value string) (ledger.Mode, error) {
	switch ledger.Mode(value) {
	case ledger.AddressMode:
		return ledger.AddressMode, nil
	case ledger.ContractMode:
		return ledger.ContractMode, nil
	default:
		return "", fmt.Errorf("invalid %s: %q", monitorModeEnv, value)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}
