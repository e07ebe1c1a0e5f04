// recio is the multi-service trading binary. The same executable runs every
// service of the stack; the coordinator re-invokes it with a service name:
//
//	recio unified_production_coordinator   launch and babysit the whole stack
//	recio main_app                         UI-facing HTTP API + WebSocket stream
//	recio trade_manager                    trade lifecycle owner + order executor
//	recio active_trade_supervisor          1 Hz monitoring and auto-stop
//	recio auto_entry_supervisor            scanner that opens qualifying trades
//	recio kalshi_account_sync              exchange reconciliation loop
//	recio kalshi_api_watchdog              market snapshot feed health
//	recio btc_price_watchdog               BTC spot sampling into the price log
//	recio eth_price_watchdog               ETH spot sampling into the price log
//	recio cascading_failure_detector       tiered failure escalation
//
// Config comes from configs/config.yaml (override with RECIO_CONFIG) plus the
// DB_* environment variables; the port manifest binds service names to ports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recio/internal/accounts"
	"recio/internal/api"
	"recio/internal/ats"
	"recio/internal/autoentry"
	"recio/internal/cfd"
	"recio/internal/config"
	"recio/internal/exchange"
	"recio/internal/feed"
	"recio/internal/store"
	"recio/internal/supervisor"
	"recio/internal/trade"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <service>\n\nservices:\n", filepath.Base(os.Args[0]))
		for _, name := range serviceNames() {
			fmt.Fprintf(os.Stderr, "  %s\n", name)
		}
		os.Exit(2)
	}
	service := os.Args[1]

	cfgPath := os.Getenv("RECIO_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, service)

	registry, err := config.LoadRegistry(cfg.Ports.ManifestPath)
	if err != nil {
		logger.Error("port manifest", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, service, cfg, registry, logger); err != nil {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, service string, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	switch service {
	case config.SvcCoordinator:
		return runCoordinator(ctx, cfg, registry, logger)
	case config.SvcMainApp:
		return runMainApp(ctx, cfg, registry, logger)
	case config.SvcTradeManager:
		return runTradeManager(ctx, cfg, registry, logger)
	case config.SvcTradeExecutor:
		// The executor is the trade manager's single-writer queue; it has
		// no standalone mode.
		return fmt.Errorf("%s runs inside %s", config.SvcTradeExecutor, config.SvcTradeManager)
	case config.SvcATS:
		return runActiveTradeSupervisor(ctx, cfg, registry, logger)
	case config.SvcAutoEntry:
		return runAutoEntry(ctx, cfg, registry, logger)
	case config.SvcAccountSync:
		return runAccountSync(ctx, cfg, registry, logger)
	case config.SvcMarketWatchdog:
		return runMarketWatchdog(ctx, cfg, registry, logger)
	case config.SvcBTCWatchdog:
		return runPriceWatchdog(ctx, "BTC", config.SvcBTCWatchdog, cfg, registry, logger)
	case config.SvcETHWatchdog:
		return runPriceWatchdog(ctx, "ETH", config.SvcETHWatchdog, cfg, registry, logger)
	case config.SvcCFD:
		return runFailureDetector(ctx, cfg, registry, logger)
	default:
		return fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(serviceNames(), ", "))
	}
}

func serviceNames() []string {
	return []string{
		config.SvcCoordinator,
		config.SvcMainApp,
		config.SvcTradeManager,
		config.SvcATS,
		config.SvcAutoEntry,
		config.SvcAccountSync,
		config.SvcMarketWatchdog,
		config.SvcBTCWatchdog,
		config.SvcETHWatchdog,
		config.SvcCFD,
	}
}

// runCoordinator launches the rest of the stack by re-invoking this binary
// with each service name.
func runCoordinator(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	root, err := config.ProjectRoot()
	if err != nil {
		return err
	}

	supCfg := cfg.Supervisor
	supCfg.ServicesPath = resolvePath(root, supCfg.ServicesPath)
	supCfg.LogDir = resolvePath(root, supCfg.LogDir)

	specs, err := supervisor.LoadSpecs(supCfg.ServicesPath)
	if err != nil {
		return err
	}

	binPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate binary: %w", err)
	}

	sup := supervisor.New(supCfg, binPath, specs, logger)

	addr, err := registry.Addr(config.SvcCoordinator)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() {
		errCh <- serveHTTP(ctx, addr, sup.Router(cfg.CFD.MaxRestartsPerHour), logger)
	}()
	return firstError(ctx, errCh, 2)
}

func runMainApp(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	// The main app is the sink for change notifications, so its own store
	// carries no notifier.
	st, err := store.Open(cfg.DB, cfg.UserID, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	tmURL, err := registry.URL(config.SvcTradeManager)
	if err != nil {
		return err
	}
	addr, err := registry.Addr(config.SvcMainApp)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	cache := ats.NewCache(st, cfg.ATS.CacheTTL)
	handlers := api.NewHandlers(st, cache, hub, api.NewTradeProxy(tmURL), logger)
	srv := api.NewServer(addr, cfg.API, handlers, hub, logger)
	return srv.Run(ctx)
}

func runTradeManager(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client, env, err := kalshiClient(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("exchange environment", "mode", env.Name, "live", env.Live())

	executor := trade.NewExecutor(client, cfg.Executor, logger)
	manager := trade.NewManager(st, executor, logger)

	addr, err := registry.Addr(config.SvcTradeManager)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- executor.Run(ctx) }()
	go func() { errCh <- serveHTTP(ctx, addr, manager.Router(), logger) }()
	return firstError(ctx, errCh, 2)
}

func runActiveTradeSupervisor(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, mf, err := buildMarketFeed(cfg, logger)
	if err != nil {
		return err
	}

	tmURL, err := registry.URL(config.SvcTradeManager)
	if err != nil {
		return err
	}
	addr, err := registry.Addr(config.SvcATS)
	if err != nil {
		return err
	}

	sup := ats.New(
		st,
		snap,
		feed.NewDBSource(st),
		feed.NewModel(st, logger),
		trade.NewRPCClient(tmURL),
		cfg.ATS,
		cfg.MarketFeed,
		logger,
	)

	errCh := make(chan error, 3)
	go func() { errCh <- mf.Run(ctx) }()
	go func() { errCh <- sup.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, sup.Healthy, logger) }()
	return firstError(ctx, errCh, 3)
}

func runAutoEntry(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, mf, err := buildMarketFeed(cfg, logger)
	if err != nil {
		return err
	}

	tmURL, err := registry.URL(config.SvcTradeManager)
	if err != nil {
		return err
	}
	addr, err := registry.Addr(config.SvcAutoEntry)
	if err != nil {
		return err
	}

	engine := autoentry.New(
		st,
		snap,
		feed.NewDBSource(st),
		feed.NewModel(st, logger),
		trade.NewRPCClient(tmURL),
		cfg.AutoEntry,
		cfg.MarketFeed,
		logger,
	)

	errCh := make(chan error, 3)
	go func() { errCh <- mf.Run(ctx) }()
	go func() { errCh <- engine.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, alwaysHealthy, logger) }()
	return firstError(ctx, errCh, 3)
}

func runAccountSync(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	client, _, err := kalshiClient(cfg, logger)
	if err != nil {
		return err
	}

	addr, err := registry.Addr(config.SvcAccountSync)
	if err != nil {
		return err
	}

	// Reconciliation only walks the store; this manager never places orders
	// so it carries no executor.
	reconciler := trade.NewManager(st, nil, logger)
	sync := accounts.NewSync(client, st, reconciler, cfg.Account.Interval, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- sync.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, alwaysHealthy, logger) }()
	return firstError(ctx, errCh, 2)
}

func runMarketWatchdog(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	snap, mf, err := buildMarketFeed(cfg, logger)
	if err != nil {
		return err
	}

	addr, err := registry.Addr(config.SvcMarketWatchdog)
	if err != nil {
		return err
	}

	healthy := func() bool {
		return snap.HeartbeatAge(time.Now()) < cfg.MarketFeed.StaleAfter
	}

	errCh := make(chan error, 2)
	go func() { errCh <- mf.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, healthy, logger) }()
	return firstError(ctx, errCh, 2)
}

func runPriceWatchdog(ctx context.Context, symbol, service string, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	addr, err := registry.Addr(service)
	if err != nil {
		return err
	}

	cb := exchange.NewCoinbase(cfg.Coinbase.BaseURL, logger)
	watchdog := feed.NewPriceWatchdog(symbol, cb, st, cfg.Coinbase.Cadence, logger)

	healthy := func() bool {
		_, age := watchdog.Last(time.Now())
		return age < cfg.MarketFeed.PriceStale
	}

	errCh := make(chan error, 2)
	go func() { errCh <- watchdog.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, healthy, logger) }()
	return firstError(ctx, errCh, 2)
}

func runFailureDetector(ctx context.Context, cfg *config.Config, registry *config.Registry, logger *slog.Logger) error {
	st, err := openStore(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	addr, err := registry.Addr(config.SvcCFD)
	if err != nil {
		return err
	}

	detector := cfd.New(cfg.CFD, registry, st, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- detector.Run(ctx) }()
	go func() { errCh <- serveHealth(ctx, addr, alwaysHealthy, logger) }()
	return firstError(ctx, errCh, 2)
}

// openStore opens the per-user store with change notifications pointed at
// the main app.
func openStore(cfg *config.Config, registry *config.Registry, logger *slog.Logger) (*store.Store, error) {
	mainURL, err := registry.URL(config.SvcMainApp)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DB, cfg.UserID, store.NewNotifier(mainURL, logger), logger)
}

// exchangeEnv resolves the user's account mode into an authenticated
// environment.
func exchangeEnv(cfg *config.Config) (exchange.Env, *exchange.Auth, error) {
	paths := config.UserPaths{DataDir: cfg.DataDir, UserID: cfg.UserID}

	mode, err := config.AccountMode(paths)
	if err != nil {
		return exchange.Env{}, nil, err
	}
	env := exchange.SelectEnv(cfg.Kalshi, mode)

	creds, err := config.LoadCredentials(paths, mode)
	if err != nil {
		return exchange.Env{}, nil, err
	}
	auth, err := exchange.NewAuth(creds.KeyID, creds.PEMPath)
	if err != nil {
		return exchange.Env{}, nil, err
	}
	return env, auth, nil
}

// kalshiClient builds an authenticated exchange client for the environment
// selected by the user's account mode state.
func kalshiClient(cfg *config.Config, logger *slog.Logger) (*exchange.Client, exchange.Env, error) {
	env, auth, err := exchangeEnv(cfg)
	if err != nil {
		return nil, exchange.Env{}, err
	}
	client, err := exchange.NewClient(env, auth, logger)
	if err != nil {
		return nil, exchange.Env{}, err
	}
	return client, env, nil
}

// buildMarketFeed builds the snapshot and its feeder in the configured mode.
func buildMarketFeed(cfg *config.Config, logger *slog.Logger) (*feed.Snapshot, *feed.MarketFeed, error) {
	env, auth, err := exchangeEnv(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := exchange.NewClient(env, auth, logger)
	if err != nil {
		return nil, nil, err
	}

	ws := exchange.NewWSFeed(env, auth, cfg.MarketFeed.MaxRetries, cfg.MarketFeed.Timeout, logger)
	snap := feed.NewSnapshot()
	return snap, feed.NewMarketFeed(client, ws, cfg.MarketFeed, snap, logger), nil
}

func alwaysHealthy() bool { return true }

// serveHealth exposes /health on the service's manifest port so the failure
// detector and the readiness probe can see the process.
func serveHealth(ctx context.Context, addr string, healthy func() bool, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("degraded"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return serveHTTP(ctx, addr, r, logger)
}

// serveHTTP runs one listener until the context is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// firstError drains the goroutine results: the first failure wins, a clean
// context cancellation collects every nil.
func firstError(ctx context.Context, errCh chan error, n int) error {
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func newLogger(cfg config.LoggingConfig, service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", service)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
