// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// env-var overrides; the DB_* variables may also come from a .env file.
// The port manifest (ports.go) and the per-user credential tree (users.go)
// live here too, so every service resolves the same single source of truth.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"recio/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. One Config is loaded per service process at boot; nothing reads
// configuration from globals after that.
type Config struct {
	UserID     string           `mapstructure:"user_id"`
	DataDir    string           `mapstructure:"data_dir"` // users/<id>/ trees live under here
	DB         DBConfig         `mapstructure:"db"`
	Ports      PortsConfig      `mapstructure:"ports"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Coinbase   CoinbaseConfig   `mapstructure:"coinbase"`
	MarketFeed MarketFeedConfig `mapstructure:"market_feed"`
	Account    AccountConfig    `mapstructure:"account_sync"`
	ATS        ATSConfig        `mapstructure:"active_trade_supervisor"`
	AutoEntry  AutoEntryConfig  `mapstructure:"auto_entry"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	CFD        CFDConfig        `mapstructure:"cascading_failure_detector"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DBConfig holds PostgreSQL connection parameters. Values come from the
// DB_* environment variables (optionally via .env); the YAML file only
// carries non-secret defaults.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the lib/pq connection string.
func (d DBConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, sslMode)
}

// PortsConfig points at the port manifest.
type PortsConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
}

// KalshiConfig holds the exchange endpoints per environment. Which pair is
// used comes from the user's account_mode_state, not from here.
type KalshiConfig struct {
	ProdBaseURL string `mapstructure:"prod_base_url"`
	ProdWSURL   string `mapstructure:"prod_ws_url"`
	DemoBaseURL string `mapstructure:"demo_base_url"`
	DemoWSURL   string `mapstructure:"demo_ws_url"`
}

// CoinbaseConfig holds the spot-price endpoint and the watched symbols.
type CoinbaseConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Symbols []string      `mapstructure:"symbols"` // e.g. ["BTC", "ETH"]
	Cadence time.Duration `mapstructure:"cadence"` // ~1s
}

// MarketFeedConfig selects the market-data mode and its tuning.
//
//   - UseWebsocket:   preferred mode; deltas applied to an in-memory snapshot.
//   - FallbackToHTTP: on retry exhaustion, switch to 1 Hz full-list polling.
//   - StaleAfter:     consumers treat the feed as stale past this heartbeat age.
type MarketFeedConfig struct {
	UseWebsocket   bool          `mapstructure:"use_websocket"`
	FallbackToHTTP bool          `mapstructure:"fallback_to_http"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PriceStale     time.Duration `mapstructure:"price_stale"` // spot-tick staleness bound
	EventSeries    []string      `mapstructure:"event_series"`
}

// AccountConfig tunes the exchange reconciliation loop.
type AccountConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 5–15s
}

// ATSConfig tunes the active trade supervisor's monitoring loop.
type ATSConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`    // 1s, never slower than 2s
	TickDeadline   time.Duration `mapstructure:"tick_deadline"`    // per-tick budget, default 800ms
	Workers        int           `mapstructure:"workers"`          // bounded evaluation pool
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`        // UI read cache, ~2s
	ErrorTickLimit int           `mapstructure:"error_tick_limit"` // consecutive failures before health signal
}

// AutoEntryConfig tunes the entry engine.
type AutoEntryConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// ExecutorConfig tunes the order-placement path.
type ExecutorConfig struct {
	RetryBudget  time.Duration `mapstructure:"retry_budget"` // total time spent retrying transient errors
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	TicketLogDir string        `mapstructure:"ticket_log_dir"`
}

// SupervisorConfig points at the declarative service list and sets the
// restart stability window.
type SupervisorConfig struct {
	ServicesPath    string        `mapstructure:"services_path"`
	LogDir          string        `mapstructure:"log_dir"`
	StabilityWindow time.Duration `mapstructure:"stability_window"` // RUNNING this long resets restart_count
	StopGrace       time.Duration `mapstructure:"stop_grace"`       // SIGTERM → SIGKILL delay
	MaxLogSize      int64         `mapstructure:"max_log_size"`     // bytes before rotation
}

// CFDConfig tunes the cascading failure detector.
type CFDConfig struct {
	SampleInterval     time.Duration `mapstructure:"sample_interval"` // ~60s
	MaxRestartsPerHour int           `mapstructure:"max_restarts_per_hour"`
	CriticalThreshold  int           `mapstructure:"critical_threshold"`  // consecutive failures, critical tier
	StandardThreshold  int           `mapstructure:"standard_threshold"`  // non-critical tier
	AdvisoryThreshold  int           `mapstructure:"advisory_threshold"`  // advisory tier
	CriticalServices   []string      `mapstructure:"critical_services"`   // tiered by name
	AdvisoryServices   []string      `mapstructure:"advisory_services"`
}

// APIConfig controls the main app HTTP surface.
type APIConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AuthEnabled    bool     `mapstructure:"auth_enabled"`
	AuthToken      string   `mapstructure:"auth_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A .env file in
// the working directory is honored for the DB_* variables. Named env vars
// from the deployment contract (DB_*, TRADING_SYSTEM_HOST, USE_WEBSOCKET_
// MARKET_DATA, WEBSOCKET_*, AUTH_ENABLED) always win over the file.
func Load(path string) (*Config, error) {
	// Best-effort: absence of .env is normal in production.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RECIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if h := os.Getenv("DB_HOST"); h != "" {
		cfg.DB.Host = h
	}
	if p := os.Getenv("DB_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.DB.Port = port
		}
	}
	if n := os.Getenv("DB_NAME"); n != "" {
		cfg.DB.Name = n
	}
	if u := os.Getenv("DB_USER"); u != "" {
		cfg.DB.User = u
	}
	if pw := os.Getenv("DB_PASSWORD"); pw != "" {
		cfg.DB.Password = pw
	}
	if ws := os.Getenv("USE_WEBSOCKET_MARKET_DATA"); ws != "" {
		cfg.MarketFeed.UseWebsocket = ws == "true" || ws == "1"
	}
	if fb := os.Getenv("WEBSOCKET_FALLBACK_TO_HTTP"); fb != "" {
		cfg.MarketFeed.FallbackToHTTP = fb == "true" || fb == "1"
	}
	if to := os.Getenv("WEBSOCKET_TIMEOUT"); to != "" {
		if d, err := time.ParseDuration(to); err == nil {
			cfg.MarketFeed.Timeout = d
		}
	}
	if mr := os.Getenv("WEBSOCKET_MAX_RETRIES"); mr != "" {
		if n, err := strconv.Atoi(mr); err == nil {
			cfg.MarketFeed.MaxRetries = n
		}
	}
	if ae := os.Getenv("AUTH_ENABLED"); ae != "" {
		cfg.API.AuthEnabled = ae == "true" || ae == "1"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Coinbase.Cadence <= 0 {
		cfg.Coinbase.Cadence = time.Second
	}
	if cfg.MarketFeed.Timeout <= 0 {
		cfg.MarketFeed.Timeout = 10 * time.Second
	}
	if cfg.MarketFeed.MaxRetries <= 0 {
		cfg.MarketFeed.MaxRetries = 3
	}
	if cfg.MarketFeed.PollInterval <= 0 {
		cfg.MarketFeed.PollInterval = time.Second
	}
	if cfg.MarketFeed.StaleAfter <= 0 {
		cfg.MarketFeed.StaleAfter = 10 * time.Second
	}
	if cfg.MarketFeed.PriceStale <= 0 {
		cfg.MarketFeed.PriceStale = 5 * time.Second
	}
	if cfg.Account.Interval <= 0 {
		cfg.Account.Interval = 10 * time.Second
	}
	if cfg.ATS.TickInterval <= 0 {
		cfg.ATS.TickInterval = time.Second
	}
	// The monitoring loop must never run slower than 0.5 Hz.
	if cfg.ATS.TickInterval > 2*time.Second {
		cfg.ATS.TickInterval = 2 * time.Second
	}
	if cfg.ATS.TickDeadline <= 0 {
		cfg.ATS.TickDeadline = 800 * time.Millisecond
	}
	if cfg.ATS.Workers <= 0 {
		cfg.ATS.Workers = 8
	}
	if cfg.ATS.CacheTTL <= 0 {
		cfg.ATS.CacheTTL = 2 * time.Second
	}
	if cfg.ATS.ErrorTickLimit <= 0 {
		cfg.ATS.ErrorTickLimit = 5
	}
	if cfg.AutoEntry.ScanInterval <= 0 {
		cfg.AutoEntry.ScanInterval = time.Second
	}
	if cfg.Executor.RetryBudget <= 0 {
		cfg.Executor.RetryBudget = 30 * time.Second
	}
	if cfg.Executor.BaseBackoff <= 0 {
		cfg.Executor.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.Executor.MaxBackoff <= 0 {
		cfg.Executor.MaxBackoff = 8 * time.Second
	}
	if cfg.Supervisor.StabilityWindow <= 0 {
		cfg.Supervisor.StabilityWindow = 60 * time.Second
	}
	if cfg.Supervisor.StopGrace <= 0 {
		cfg.Supervisor.StopGrace = 10 * time.Second
	}
	if cfg.Supervisor.MaxLogSize <= 0 {
		cfg.Supervisor.MaxLogSize = 50 << 20
	}
	if cfg.CFD.SampleInterval <= 0 {
		cfg.CFD.SampleInterval = 60 * time.Second
	}
	if cfg.CFD.MaxRestartsPerHour <= 0 {
		cfg.CFD.MaxRestartsPerHour = 2
	}
	if cfg.CFD.CriticalThreshold <= 0 {
		cfg.CFD.CriticalThreshold = 10
	}
	if cfg.CFD.StandardThreshold <= 0 {
		cfg.CFD.StandardThreshold = 5
	}
	if cfg.CFD.AdvisoryThreshold <= 0 {
		cfg.CFD.AdvisoryThreshold = 15
	}
}

// Validate checks all required fields. Config errors are the only errors
// that abort at boot.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return types.ConfigMissingf("user_id is required")
	}
	if c.DataDir == "" {
		return types.ConfigMissingf("data_dir is required")
	}
	if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
		return types.ConfigMissingf("db.host, db.name and db.user are required (set DB_HOST, DB_NAME, DB_USER)")
	}
	if c.DB.Port == 0 {
		return types.ConfigMissingf("db.port is required (set DB_PORT)")
	}
	if c.Ports.ManifestPath == "" {
		return types.ConfigMissingf("ports.manifest_path is required")
	}
	if c.Kalshi.ProdBaseURL == "" || c.Kalshi.DemoBaseURL == "" {
		return types.ConfigMissingf("kalshi.prod_base_url and kalshi.demo_base_url are required")
	}
	if c.Coinbase.BaseURL == "" {
		return types.ConfigMissingf("coinbase.base_url is required")
	}
	if len(c.Coinbase.Symbols) == 0 {
		return types.ConfigMissingf("coinbase.symbols must list at least one symbol")
	}
	return nil
}

// ProjectRoot locates the repository root so paths in the supervisor config
// stay dynamic. Resolution: RECIO_ROOT env, then walking up from the working
// directory looking for go.mod.
func ProjectRoot() (string, error) {
	if root := os.Getenv("RECIO_ROOT"); root != "" {
		return root, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project root not found (set RECIO_ROOT)")
		}
		dir = parent
	}
}
