package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/breaker"
	"github.com/MarkoPoloResearchLab/vendgate/internal/engine"
	"github.com/MarkoPoloResearchLab/vendgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/vendgate/internal/idemcache"
	"github.com/MarkoPoloResearchLab/vendgate/internal/ledger"
	"github.com/MarkoPoloResearchLab/vendgate/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/vendgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/vendgate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/vendgate/internal/token"
	"github.com/MarkoPoloResearchLab/vendgate/internal/vend"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL   = "database-url"
	flagListenAddr    = "listen-addr"
	flagRedisAddr     = "redis-addr"
	flagEngineBaseURL = "engine-base-url"
	flagLedgerStore   = "ledger-store"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyRedisAddr      = "redis_addr"
	configKeyEngineBaseURL  = "engine_base_url"
	configKeyLedgerStore    = "ledger_store"
	configKeyEngineSecret   = "engine_shared_secret"
	configKeySigningKey     = "token_signing_key"
	configKeyAdminAPIKey    = "admin_api_key"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyTokenIssuer    = "token_issuer"
	configKeyTokenTTL       = "token_ttl"
	configKeyIdempotencyTTL = "idempotency_ttl"
	configKeyCallerLimit    = "caller_limit"
	configKeyOriginLimit    = "origin_limit"
	configKeyRateWindow     = "rate_window"
	configKeySpendCost      = "spend_cost"
	configKeyEngineTimeout  = "engine_call_timeout"
	configKeyEngineRetries  = "engine_max_retries"
	configKeyEngineBackoff  = "engine_backoff_base"
	configKeyOutboundRPS    = "engine_outbound_rps"
	configKeyOutboundBurst  = "engine_outbound_burst"
	configKeyBreakerTrip    = "breaker_failure_threshold"
	configKeyBreakerRecover = "breaker_recovery_timeout"
	configKeyBreakerProbes  = "breaker_half_open_max_calls"

	defaultDatabaseURL = "sqlite:///tmp/vendgate.db"
	defaultListenAddr  = ":8080"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL string
	ListenAddr  string
	RedisAddr   string
	LedgerStore string

	EngineBaseURL      string
	EngineSharedSecret string
	TokenSigningKey    string
	AdminAPIKey        string
	AllowedOrigins     string

	TokenIssuer    string
	TokenTTL       time.Duration
	IdempotencyTTL time.Duration

	CallerLimit int
	OriginLimit int
	RateWindow  time.Duration
	SpendCost   int64

	EngineCallTimeout   time.Duration
	EngineMaxRetries    int
	EngineBackoffBase   time.Duration
	EngineOutboundRPS   float64
	EngineOutboundBurst int

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMaxCalls int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vendgated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "vendgated",
		Short:         "Metered token-vending gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "ledger database connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "redis address for shared idempotency/rate state (optional)")
	cmd.Flags().String(flagEngineBaseURL, "", "downstream engine base URL")
	cmd.Flags().String(flagLedgerStore, storeBackendGorm, "ledger store backend for postgres URLs (gorm or pgx)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyRedisAddr:      "REDIS_ADDR",
		configKeyEngineBaseURL:  "ENGINE_BASE_URL",
		configKeyLedgerStore:    "LEDGER_STORE",
		configKeyEngineSecret:   "ENGINE_SHARED_SECRET",
		configKeySigningKey:     "TOKEN_SIGNING_KEY",
		configKeyAdminAPIKey:    "ADMIN_API_KEY",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyTokenIssuer:    "TOKEN_ISSUER",
		configKeyTokenTTL:       "TOKEN_TTL",
		configKeyIdempotencyTTL: "IDEMPOTENCY_TTL",
		configKeyCallerLimit:    "CALLER_LIMIT",
		configKeyOriginLimit:    "ORIGIN_LIMIT",
		configKeyRateWindow:     "RATE_WINDOW",
		configKeySpendCost:      "SPEND_COST",
		configKeyEngineTimeout:  "ENGINE_CALL_TIMEOUT",
		configKeyEngineRetries:  "ENGINE_MAX_RETRIES",
		configKeyEngineBackoff:  "ENGINE_BACKOFF_BASE",
		configKeyOutboundRPS:    "ENGINE_OUTBOUND_RPS",
		configKeyOutboundBurst:  "ENGINE_OUTBOUND_BURST",
		configKeyBreakerTrip:    "BREAKER_FAILURE_THRESHOLD",
		configKeyBreakerRecover: "BREAKER_RECOVERY_TIMEOUT",
		configKeyBreakerProbes:  "BREAKER_HALF_OPEN_MAX_CALLS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL:   flagDatabaseURL,
		configKeyListenAddr:    flagListenAddr,
		configKeyRedisAddr:     flagRedisAddr,
		configKeyEngineBaseURL: flagEngineBaseURL,
		configKeyLedgerStore:   flagLedgerStore,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.LedgerStore = viper.GetString(configKeyLedgerStore)
	if cfg.LedgerStore == "" {
		cfg.LedgerStore = storeBackendGorm
	}
	cfg.EngineBaseURL = viper.GetString(configKeyEngineBaseURL)
	cfg.EngineSharedSecret = viper.GetString(configKeyEngineSecret)
	cfg.TokenSigningKey = viper.GetString(configKeySigningKey)
	cfg.AdminAPIKey = viper.GetString(configKeyAdminAPIKey)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)

	cfg.TokenIssuer = viper.GetString(configKeyTokenIssuer)
	cfg.TokenTTL = viper.GetDuration(configKeyTokenTTL)
	cfg.IdempotencyTTL = viper.GetDuration(configKeyIdempotencyTTL)
	cfg.CallerLimit = viper.GetInt(configKeyCallerLimit)
	cfg.OriginLimit = viper.GetInt(configKeyOriginLimit)
	cfg.RateWindow = viper.GetDuration(configKeyRateWindow)
	cfg.SpendCost = viper.GetInt64(configKeySpendCost)
	cfg.EngineCallTimeout = viper.GetDuration(configKeyEngineTimeout)
	// Zero retries is a valid setting, so only an explicit value overrides
	// the Validate default.
	cfg.EngineMaxRetries = -1
	if viper.IsSet(configKeyEngineRetries) {
		cfg.EngineMaxRetries = viper.GetInt(configKeyEngineRetries)
	}
	cfg.EngineBackoffBase = viper.GetDuration(configKeyEngineBackoff)
	cfg.EngineOutboundRPS = viper.GetFloat64(configKeyOutboundRPS)
	cfg.EngineOutboundBurst = viper.GetInt(configKeyOutboundBurst)
	cfg.BreakerFailureThreshold = viper.GetInt(configKeyBreakerTrip)
	cfg.BreakerRecoveryTimeout = viper.GetDuration(configKeyBreakerRecover)
	cfg.BreakerHalfOpenMaxCalls = viper.GetInt(configKeyBreakerProbes)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	apiConfig := httpapi.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		AdminAPIKey:     cfg.AdminAPIKey,
		TokenSigningKey: cfg.TokenSigningKey,
		TokenIssuer:     cfg.TokenIssuer,
		TokenTTL:        cfg.TokenTTL,
		IdempotencyTTL:  cfg.IdempotencyTTL,

		CallerLimit: cfg.CallerLimit,
		OriginLimit: cfg.OriginLimit,
		RateWindow:  cfg.RateWindow,
		SpendCost:   cfg.SpendCost,

		EngineBaseURL:       cfg.EngineBaseURL,
		EngineSharedSecret:  cfg.EngineSharedSecret,
		EngineCallTimeout:   cfg.EngineCallTimeout,
		EngineMaxRetries:    cfg.EngineMaxRetries,
		EngineBackoffBase:   cfg.EngineBackoffBase,
		EngineOutboundRPS:   cfg.EngineOutboundRPS,
		EngineOutboundBurst: cfg.EngineOutboundBurst,

		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerRecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		BreakerHalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
	}
	if err := apiConfig.Validate(); err != nil {
		return err
	}

	ledgerStore, cleanup, err := openLedgerStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ledger store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	var (
		idemStore   idemcache.Store
		rateCounter ratelimit.Counter
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		idemStore = idemcache.NewRedisStore(redisClient)
		rateCounter = ratelimit.NewRedisCounter(redisClient)
		logger.Info("using redis for idempotency and rate state", zap.String("addr", cfg.RedisAddr))
	} else {
		idemStore = idemcache.NewMemoryStore()
		rateCounter = ratelimit.NewMemoryCounter()
	}
	limiter := ratelimit.NewLimiter(rateCounter, logger)

	issuer, err := token.NewIssuer([]byte(apiConfig.TokenSigningKey), apiConfig.TokenIssuer)
	if err != nil {
		return fmt.Errorf("token issuer init: %w", err)
	}

	engineBreaker := breaker.New(breaker.Settings{
		Name:             "engine",
		FailureThreshold: apiConfig.BreakerFailureThreshold,
		RecoveryTimeout:  apiConfig.BreakerRecoveryTimeout,
		HalfOpenMaxCalls: apiConfig.BreakerHalfOpenMaxCalls,
	}, breaker.WithLogger(logger))

	engineClient, err := engine.NewClient(engine.Config{
		BaseURL:       apiConfig.EngineBaseURL,
		SharedSecret:  apiConfig.EngineSharedSecret,
		MaxRetries:    apiConfig.EngineMaxRetries,
		BackoffBase:   apiConfig.EngineBackoffBase,
		CallTimeout:   apiConfig.EngineCallTimeout,
		OutboundRPS:   apiConfig.EngineOutboundRPS,
		OutboundBurst: apiConfig.EngineOutboundBurst,
	}, engineBreaker, logger)
	if err != nil {
		return fmt.Errorf("engine client init: %w", err)
	}

	vendService, err := vend.NewService(ledgerService, idemStore, limiter, issuer, engineClient, vend.Policy{
		SpendCost:      apiConfig.SpendCost,
		TokenTTL:       apiConfig.TokenTTL,
		IdempotencyTTL: apiConfig.IdempotencyTTL,
		CallerLimit:    apiConfig.CallerLimit,
		OriginLimit:    apiConfig.OriginLimit,
		Window:         apiConfig.RateWindow,
	}, logger)
	if err != nil {
		return fmt.Errorf("vend service init: %w", err)
	}

	return httpapi.Run(ctx, apiConfig, httpapi.Deps{
		Logger: logger,
		Vend:   vendService,
		Ledger: ledgerService,
	})
}

func openLedgerStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" && cfg.LedgerStore == storeBackendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	if driver == "sqlite" {
		if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.AuditRecord{}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "vendgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
