// Command streamer connects to the trading API, streams ticks for the
// requested symbols and logs balance updates of the active account.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/config"
	"github.com/coachpo/tickwire/internal/infra/persistence/migrations"
	"github.com/coachpo/tickwire/internal/infra/persistence/postgres"
	"github.com/coachpo/tickwire/internal/infra/persistence/redisstore"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/observability"
	"github.com/coachpo/tickwire/pkg/client"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	tokensEnv                = "TICKWIRE_TOKENS"
	shutdownTimeout          = 15 * time.Second
	clientShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	storeShutdownTimeout     = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	envFile    string
	symbols    []string
	tokens     string
	pool       string
}

func main() {
	opts := parseFlags()
	if err := loadEnvFile(opts.envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := appCfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "apply environment: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := observability.NewZapLogger(appCfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapLogger.Named("streamer")
	observability.SetLogger(zapLogger)

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("endpoint", appCfg.Endpoint.URL),
		observability.F("storage", appCfg.Storage.Backend))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err))
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, logger, appCfg.Storage)
	if err != nil {
		logger.Error("open session store", observability.F("error", err))
		os.Exit(1)
	}

	tickwire, err := buildClient(appCfg, opts.tokens, store, logger)
	if err != nil {
		logger.Error("build client", observability.F("error", err))
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	release := tickwire.Subscribe(newEventLogger(logger, tickwire, cancel))
	lifecycle.Go(func() {
		if err := start(ctx, logger, tickwire, opts); err != nil {
			logger.Error("start streaming", observability.F("error", err))
			cancel()
		}
	})

	logger.Info("streamer started; awaiting shutdown signal", observability.F("symbols", opts.symbols))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		client:     tickwire,
		release:    release,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closeStore: closeStore,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() options {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", defaultEnvFile, "Optional dotenv file loaded before configuration")
	symbols := flag.String("symbols", "R_100", "Comma separated symbols to stream")
	tokens := flag.String("tokens", "", fmt.Sprintf("API tokens or OAuth redirect query (default: $%s)", tokensEnv))
	pool := flag.String("account", "", "Switch to the first account of this pool after login (real|demo)")
	flag.Parse()
	return options{
		configPath: *cfgPath,
		envFile:    *envFile,
		symbols:    splitSymbols(*symbols),
		tokens:     *tokens,
		pool:       strings.TrimSpace(*pool),
	}
}

func splitSymbols(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		symbol := schema.NormalizeSymbol(part)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}

// loadEnvFile populates unset variables from path. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := appCfg.Telemetry
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// openStore returns the configured session store and its close function.
func openStore(ctx context.Context, logger observability.Logger, cfg config.StorageConfig) (sessionstore.Store, func() error, error) {
	switch cfg.Backend {
	case config.StorageRedis:
		store, err := redisstore.Open(ctx, cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("session store ready", observability.F("backend", cfg.Backend))
		return store, store.Close, nil
	case config.StoragePostgres:
		if cfg.Database.RunMigrations {
			if err := migrations.Apply(ctx, cfg.Database.DSN, migrations.EmbeddedDir, logger); err != nil {
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Open(ctx, cfg.Database.DSN, postgres.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("session store ready", observability.F("backend", cfg.Backend))
		return store, store.Close, nil
	default:
		return sessionstore.NewMemoryStore(), func() error { return nil }, nil
	}
}

func buildClient(appCfg config.AppConfig, rawTokens string, store sessionstore.Store, logger observability.Logger) (*client.Client, error) {
	cfg, err := client.ConfigFromApp(appCfg)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithStore(store),
	}
	if strings.TrimSpace(rawTokens) == "" {
		rawTokens = os.Getenv(tokensEnv)
	}
	if strings.TrimSpace(rawTokens) != "" {
		creds, err := client.ParseCredentials(rawTokens)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSession(creds))
	}
	return client.New(cfg, opts...)
}

func start(ctx context.Context, logger observability.Logger, tickwire *client.Client, opts options) error {
	if err := tickwire.Connect(ctx); err != nil {
		// Ticks need no login; keep streaming when authorization fails.
		logger.Warn("connect", observability.F("error", err))
	}
	if opts.pool != "" {
		if err := tickwire.SwitchAccount(ctx, opts.pool); err != nil {
			logger.Warn("switch account", observability.F("pool", opts.pool), observability.F("error", err))
		}
	}
	for _, symbol := range opts.symbols {
		if err := tickwire.SubscribeToSymbol(ctx, symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	return nil
}

func newEventLogger(logger observability.Logger, tickwire *client.Client, stop context.CancelFunc) func(eventbus.Event) {
	return func(evt eventbus.Event) {
		switch evt.Kind {
		case eventbus.KindOpen:
			logger.Info("connection open",
				observability.F("epoch", evt.Open.Epoch),
				observability.F("reconnect", evt.Open.Reconnect))
		case eventbus.KindClose:
			logger.Warn("connection closed",
				observability.F("code", evt.Close.Code),
				observability.F("reason", evt.Close.Reason))
		case eventbus.KindError:
			logger.Error("connection error",
				observability.F("error", evt.Failure.Err),
				observability.F("terminal", evt.Failure.Terminal))
			if evt.Failure.Terminal {
				stop()
			}
		case eventbus.KindMessage:
			logMessage(logger, tickwire, evt.Message)
		}
	}
}

func logMessage(logger observability.Logger, tickwire *client.Client, msg *schema.Message) {
	if tick, ok := msg.Tick(); ok {
		logger.Info("tick",
			observability.F("symbol", tick.Symbol),
			observability.F("quote", tick.Quote.String()),
			observability.F("epoch", tick.Epoch))
		return
	}
	if _, ok := msg.Balance(); ok {
		acct, active := tickwire.Session().Active()
		balance, known := tickwire.Session().CurrentBalance()
		if !active || !known {
			return
		}
		logger.Info("balance",
			observability.F("loginid", acct.LoginID),
			observability.F("currency", acct.Currency),
			observability.F("balance", balance.String()))
	}
}

type gracefulShutdownConfig struct {
	client     *client.Client
	release    func()
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closeStore func() error
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err))
		}
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.client != nil {
		shutdownStep("closing client", clientShutdownTimeout, func(stepCtx context.Context) error {
			if cfg.release != nil {
				cfg.release()
			}
			var closeErr error
			if err := waitWithContext(stepCtx, func() { closeErr = cfg.client.Close() }); err != nil {
				return err
			}
			return closeErr
		})
	}

	if cfg.closeStore != nil {
		shutdownStep("closing session store", storeShutdownTimeout, func(context.Context) error {
			return cfg.closeStore()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitWithContext(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown: %w", ctx.Err())
	}
}
