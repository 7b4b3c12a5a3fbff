// Command creditcored runs the credit ledger and job orchestration daemon.
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

	"github.com/MarkoPoloResearchLab/creditcore/internal/gdpr"
	"github.com/MarkoPoloResearchLab/creditcore/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditcore/internal/jobs"
	"github.com/MarkoPoloResearchLab/creditcore/internal/mail"
	"github.com/MarkoPoloResearchLab/creditcore/internal/renewal"
	"github.com/MarkoPoloResearchLab/creditcore/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagSweepInterval  = "sweep-interval"
	flagStallAfter     = "stall-after"
	flagRetentionAge   = "retention-age"
	flagRetentionCount = "retention-count"
	flagWorkers        = "transcription-workers"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySweepInterval  = "sweep_interval"
	configKeyStallAfter     = "stall_after"
	configKeyRetentionAge   = "retention_age"
	configKeyRetentionCount = "retention_count"
	configKeyWorkers        = "transcription_workers"

	defaultDatabaseURL   = "sqlite:///tmp/creditcore.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins string
	SweepInterval  time.Duration
	StallAfter     time.Duration
	RetentionAge   time.Duration
	RetentionCount int
	Workers        int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditcored: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	root := &cobra.Command{
		Use:           "creditcored",
		Short:         "Credit ledger and job orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "postgres DSN or sqlite path")
	root.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	root.PersistentFlags().String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	root.PersistentFlags().String(flagJWTIssuer, "", "expected JWT issuer")
	root.PersistentFlags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	root.PersistentFlags().Duration(flagSweepInterval, defaultSweepInterval, "how often the built-in sweepers run; 0 disables them")
	root.PersistentFlags().Duration(flagStallAfter, 0, "how long an active job may sit before the janitor requeues it")
	root.PersistentFlags().Duration(flagRetentionAge, 0, "how long terminal jobs are kept")
	root.PersistentFlags().Int(flagRetentionCount, 0, "how many terminal jobs are kept per queue")
	root.PersistentFlags().Int(flagWorkers, 0, "worker goroutines for the transcription queue")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue workers, and sweepers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run the deletion, reminder, and renewal sweepers once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg)
		},
	})

	return root
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySweepInterval:  flagSweepInterval,
		configKeyStallAfter:     flagStallAfter,
		configKeyRetentionAge:   flagRetentionAge,
		configKeyRetentionCount: flagRetentionCount,
		configKeyWorkers:        flagWorkers,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey, strings.ToUpper(configKey)); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.StallAfter = viper.GetDuration(configKeyStallAfter)
	cfg.RetentionAge = viper.GetDuration(configKeyRetentionAge)
	cfg.RetentionCount = viper.GetInt(configKeyRetentionCount)
	cfg.Workers = viper.GetInt(configKeyWorkers)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

type services struct {
	logger         *zap.Logger
	store          *gormstore.Store
	ledgerService  *ledger.Service
	gdprService    *gdpr.Service
	renewalService *renewal.Service
	manager        *queue.Manager
	cleanup        func() error
}

func buildServices(ctx context.Context, cfg *runtimeConfig) (*services, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(zapOperationLogger{logger: logger}))
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	manager, err := queue.NewManager(store, logger, clock, queue.ManagerConfig{
		StallAfter: cfg.StallAfter,
		Retention:  queue.RetentionPolicy{MaxAge: cfg.RetentionAge, MaxCount: cfg.RetentionCount},
	})
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("queue manager init: %w", err)
	}
	gdprService, err := gdpr.NewService(store, manager, store, mail.NewLogSender(logger), clock, logger)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("gdpr service init: %w", err)
	}
	renewalService, err := renewal.NewService(ledgerService, store, manager, clock, logger)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("renewal service init: %w", err)
	}

	return &services{
		logger:         logger,
		store:          store,
		ledgerService:  ledgerService,
		gdprService:    gdprService,
		renewalService: renewalService,
		manager:        manager,
		cleanup:        cleanup,
	}, nil
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	deps, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = deps.cleanup() }()
	defer func() { _ = deps.logger.Sync() }()

	usage, err := jobs.NewUsageCharger(deps.ledgerService, deps.logger)
	if err != nil {
		return fmt.Errorf("usage charger init: %w", err)
	}
	if err := jobs.Register(deps.manager, deps.gdprService, deps.renewalService, usage, jobs.Concurrency{
		Transcription: cfg.Workers,
	}); err != nil {
		return fmt.Errorf("worker registration: %w", err)
	}
	if err := deps.manager.Start(ctx); err != nil {
		return fmt.Errorf("queue start: %w", err)
	}
	defer deps.manager.Stop()

	if cfg.SweepInterval > 0 {
		go runSweepLoop(ctx, deps, cfg.SweepInterval)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}, deps.ledgerService, deps.gdprService, deps.manager, deps.logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func runSweepLoop(ctx context.Context, deps *services, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, deps)
		}
	}
}

func sweepOnce(ctx context.Context, deps *services) {
	if enqueued, err := deps.gdprService.SweepDue(ctx); err != nil {
		deps.logger.Error("deletion sweep failed", zap.Error(err))
	} else if enqueued > 0 {
		deps.logger.Info("deletion sweep enqueued jobs", zap.Int("count", enqueued))
	}
	if enqueued, err := deps.gdprService.SweepReminders(ctx); err != nil {
		deps.logger.Error("reminder sweep failed", zap.Error(err))
	} else if enqueued > 0 {
		deps.logger.Info("reminder sweep enqueued jobs", zap.Int("count", enqueued))
	}
	if enqueued, err := deps.renewalService.Sweep(ctx); err != nil {
		deps.logger.Error("renewal sweep failed", zap.Error(err))
	} else if enqueued > 0 {
		deps.logger.Info("renewal sweep enqueued jobs", zap.Int("count", enqueued))
	}
}

func runSweep(ctx context.Context, cfg *runtimeConfig) error {
	deps, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = deps.cleanup() }()
	defer func() { _ = deps.logger.Sync() }()

	sweepOnce(ctx, deps)
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("holder_id", entry.HolderID.String()),
		zap.String("status", entry.Status),
	}
	if entry.CounterpartyID != nil {
		fields = append(fields, zap.String("counterparty_id", entry.CounterpartyID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditcore.db"
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
