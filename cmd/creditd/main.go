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

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lyriclabs/creditledger/internal/audit"
	"github.com/lyriclabs/creditledger/internal/httpserver"
	"github.com/lyriclabs/creditledger/internal/store/gormstore"
	"github.com/lyriclabs/creditledger/internal/store/pgstore"
	"github.com/lyriclabs/creditledger/pkg/billing"
	"github.com/lyriclabs/creditledger/pkg/credits"
	"github.com/lyriclabs/creditledger/pkg/pricing"
)

const (
	flagDatabaseURL   = "database-url"
	flagStoreDriver   = "store-driver"
	flagListenAddr    = "listen-addr"
	flagWebhookSecret = "webhook-secret"
	flagOrigins       = "allowed-origins"
	flagAuditInterval = "audit-interval"

	configKeyDatabaseURL   = "database_url"
	configKeyStoreDriver   = "store_driver"
	configKeyListenAddr    = "listen_addr"
	configKeyWebhookSecret = "webhook_secret"
	configKeyOrigins       = "allowed_origins"
	configKeyAuditInterval = "audit_interval"

	storeDriverPgx  = "pgx"
	storeDriverGorm = "gorm"

	defaultDatabaseURL   = "sqlite:///tmp/creditledger.db"
	defaultListenAddr    = ":8080"
	defaultAuditInterval = 10 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	StoreDriver    string
	ListenAddr     string
	WebhookSecret  string
	AllowedOrigins []string
	AuditInterval  time.Duration
}

// ledgerStore is the full persistence surface the daemon needs from one
// backend: the transactional ledger store, the subscription store, and the
// rate-card loader. Account enumeration for the audit sweep comes with
// credits.Store.
type ledgerStore interface {
	credits.Store
	billing.SubscriptionStore
	SeedPlans(ctx context.Context, plans []billing.Plan) error
	LoadPlans(ctx context.Context) ([]billing.Plan, error)
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and billing reconciliation server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagStoreDriver, storeDriverPgx, "postgres store implementation: pgx or gorm")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "billing provider webhook signing secret")
	cmd.Flags().StringSlice(flagOrigins, nil, "allowed CORS origins")
	cmd.Flags().Duration(flagAuditInterval, defaultAuditInterval, "balance audit sweep interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:   "DATABASE_URL",
		configKeyStoreDriver:   "STORE_DRIVER",
		configKeyListenAddr:    "LISTEN_ADDR",
		configKeyWebhookSecret: "WEBHOOK_SECRET",
		configKeyOrigins:       "ALLOWED_ORIGINS",
		configKeyAuditInterval: "AUDIT_INTERVAL",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:   flagDatabaseURL,
		configKeyStoreDriver:   flagStoreDriver,
		configKeyListenAddr:    flagListenAddr,
		configKeyWebhookSecret: flagWebhookSecret,
		configKeyOrigins:       flagOrigins,
		configKeyAuditInterval: flagAuditInterval,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyOrigins)
	cfg.AuditInterval = viper.GetDuration(configKeyAuditInterval)
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = defaultAuditInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	if err := store.SeedPlans(ctx, defaultPlans()); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	plans, err := store.LoadPlans(ctx)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	catalog, err := billing.NewStaticCatalog(plans)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, clock,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	reconciler, err := billing.NewReconciler(creditService, store, catalog, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	metrics := httpserver.NewMetrics(nil)
	server, err := httpserver.New(httpserver.Config{
		ListenAddr:           cfg.ListenAddr,
		AllowedOrigins:       cfg.AllowedOrigins,
		WebhookSigningSecret: cfg.WebhookSecret,
	}, logger, creditService, pricing.DefaultSchedule(), reconciler, metrics)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	sweeper, err := audit.NewSweeper(creditService, store, logger, cfg.AuditInterval, nil)
	if err != nil {
		return fmt.Errorf("audit sweeper init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	group.Go(func() error {
		if sweepErr := sweeper.Run(groupCtx); sweepErr != nil && sweepErr != context.Canceled {
			return sweepErr
		}
		return nil
	})
	return group.Wait()
}

type storeBackend int

const (
	backendSQLite storeBackend = iota
	backendPgx
	backendGormPostgres
)

// selectBackend picks the backend from the URL scheme and the configured
// driver: postgres URLs use pgx by default or gorm when asked, everything
// else is treated as SQLite.
func selectBackend(dsn string, driver string) (storeBackend, error) {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return backendSQLite, nil
	}
	switch driver {
	case "", storeDriverPgx:
		return backendPgx, nil
	case storeDriverGorm:
		return backendGormPostgres, nil
	default:
		return 0, fmt.Errorf("unknown store driver %q", driver)
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (ledgerStore, func(), error) {
	backend, err := selectBackend(cfg.DatabaseURL, cfg.StoreDriver)
	if err != nil {
		return nil, nil, err
	}
	switch backend {
	case backendPgx:
		return openPgxStore(ctx, cfg.DatabaseURL, logger)
	case backendGormPostgres:
		return openGormPostgresStore(ctx, cfg.DatabaseURL, logger)
	default:
		return openSQLiteStore(ctx, cfg.DatabaseURL)
	}
}

func openPgxStore(ctx context.Context, dsn string, logger *zap.Logger) (ledgerStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := waitForDatabase(ctx, logger, pool.Ping); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pgstore.New(pool), pool.Close, nil
}

// openGormPostgresStore serves deployments that prefer the gorm store over
// raw pgx against the same externally managed schema.
func openGormPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (ledgerStore, func(), error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if err := waitForDatabase(ctx, logger, sqlDB.PingContext); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return gormstore.New(db.WithContext(ctx)), func() { _ = sqlDB.Close() }, nil
}

func openSQLiteStore(ctx context.Context, dsn string) (ledgerStore, func(), error) {
	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(db.WithContext(ctx))
	if err := store.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, func() { _ = sqlDB.Close() }, nil
}

func waitForDatabase(ctx context.Context, logger *zap.Logger, ping func(context.Context) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := ping(ctx); pingErr != nil {
			logger.Warn("database not ready", zap.Error(pingErr))
			return retry.RetryableError(pingErr)
		}
		return nil
	})
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
	}
	return normalizeSQLitePath(path)
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

// zapOperationLogger forwards ledger operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_ref", entry.AccountRef.String()),
		zap.String("transaction_id", entry.TransactionID),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("kind", entry.Kind.String()),
		zap.String("reference_id", entry.ReferenceID),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

func defaultPlans() []billing.Plan {
	return []billing.Plan{
		{Name: "starter", CreditsPerMonth: 100, PriceCents: 900, ProviderPriceID: "price_starter_monthly"},
		{Name: "creator", CreditsPerMonth: 400, PriceCents: 2900, ProviderPriceID: "price_creator_monthly"},
		{Name: "studio", CreditsPerMonth: 1500, PriceCents: 9900, ProviderPriceID: "price_studio_monthly"},
	}
}
