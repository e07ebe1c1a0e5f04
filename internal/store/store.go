// Package store is the PostgreSQL persistence layer.
//
// Schemas:
//
//	users     — per-user tables: trades_<user>, active_trades_<user>,
//	            fills_<user>, orders_<user>, positions_<user>,
//	            settlements_<user>, balance_<user>, trade_preferences_<user>
//	live_data — per-symbol price logs with a 30-day rolling window
//	system    — health rows written by the supervisor and detector
//
// Writers are partitioned by ownership: the trade manager and active trade
// supervisor own trades and active_trades, account sync owns the account
// tables, each price watchdog owns its symbol log. Everything else reads.
// Every mutation of a watched table is followed by a best-effort db_change
// notification (notify.go); correctness never depends on it.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"recio/internal/config"
)

// Store wraps the database handle and the per-user table names.
type Store struct {
	db       *sql.DB
	user     string // sanitized user id used in table names
	notifier *Notifier
	logger   *slog.Logger
}

var userIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Open connects to PostgreSQL and ensures the schemas and per-user tables
// exist. The user id becomes part of table names, so it is validated against
// a strict pattern rather than escaped.
func Open(cfg config.DBConfig, userID string, notifier *Notifier, logger *slog.Logger) (*Store, error) {
	if !userIDPattern.MatchString(userID) {
		return nil, fmt.Errorf("user id %q must match %s", userID, userIDPattern)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{
		db:       db,
		user:     userID,
		notifier: notifier,
		logger:   logger.With("component", "store"),
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// table returns the schema-qualified per-user table name.
func (s *Store) table(base string) string {
	return fmt.Sprintf("users.%s_%s", base, s.user)
}

// notify publishes a best-effort db_change hint after a commit.
func (s *Store) notify(table string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(table, s.user)
}

// ensureSchema creates schemas and per-user tables if missing. Statements
// are idempotent so every service can call Open at boot without coordination.
func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS users`,
		`CREATE SCHEMA IF NOT EXISTS live_data`,
		`CREATE SCHEMA IF NOT EXISTS system`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			ticket_id     TEXT NOT NULL UNIQUE,
			symbol        TEXT NOT NULL,
			contract      TEXT NOT NULL,
			side          TEXT NOT NULL,
			strike        NUMERIC NOT NULL,
			buy_price     INTEGER NOT NULL,
			position      INTEGER NOT NULL,
			fees          NUMERIC NOT NULL DEFAULT 0,
			prob          DOUBLE PRECISION,
			diff          DOUBLE PRECISION,
			momentum      DOUBLE PRECISION,
			symbol_open   NUMERIC,
			status        TEXT NOT NULL,
			entry_method  TEXT NOT NULL,
			close_reason  TEXT,
			created_at    TEXT NOT NULL,
			opened_at     TEXT,
			closed_at     TEXT
		)`, s.table("trades")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			trade_id              BIGINT PRIMARY KEY,
			ticket_id             TEXT NOT NULL,
			symbol                TEXT NOT NULL,
			contract              TEXT NOT NULL,
			side                  TEXT NOT NULL,
			strike                NUMERIC,
			buy_price             INTEGER NOT NULL,
			position              INTEGER NOT NULL,
			status                TEXT NOT NULL,
			current_symbol_price  NUMERIC,
			current_close_price   INTEGER,
			buffer_from_strike    NUMERIC,
			time_since_entry      INTEGER,
			ttc_seconds           INTEGER,
			current_probability   DOUBLE PRECISION,
			current_pnl           NUMERIC,
			degraded              BOOLEAN NOT NULL DEFAULT FALSE,
			last_updated          TEXT NOT NULL
		)`, s.table("active_trades")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			trade_id     TEXT PRIMARY KEY,
			order_id     TEXT NOT NULL,
			ticker       TEXT NOT NULL,
			side         TEXT NOT NULL,
			action       TEXT NOT NULL,
			count        INTEGER NOT NULL,
			price        INTEGER NOT NULL,
			is_taker     BOOLEAN,
			created_time TEXT
		)`, s.table("fills")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			order_id        TEXT PRIMARY KEY,
			client_order_id TEXT,
			ticker          TEXT NOT NULL,
			side            TEXT NOT NULL,
			action          TEXT NOT NULL,
			order_type      TEXT,
			status          TEXT NOT NULL,
			price           INTEGER,
			initial_count   INTEGER,
			remaining_count INTEGER,
			created_time    TEXT
		)`, s.table("orders")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ticker          TEXT PRIMARY KEY,
			position        INTEGER NOT NULL,
			market_exposure INTEGER,
			realized_pnl    INTEGER,
			total_traded    INTEGER,
			updated_at      TEXT NOT NULL
		)`, s.table("positions")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ticker        TEXT NOT NULL,
			settled_time  TEXT NOT NULL,
			market_result TEXT,
			yes_count     INTEGER,
			no_count      INTEGER,
			revenue       INTEGER,
			PRIMARY KEY (ticker, settled_time)
		)`, s.table("settlements")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			balance    BIGINT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table("balance")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			prefs      JSONB NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table("trade_preferences")),

		`CREATE TABLE IF NOT EXISTS live_data.btc_price_log (
			timestamp TEXT PRIMARY KEY,
			price     NUMERIC NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS live_data.eth_price_log (
			timestamp TEXT PRIMARY KEY,
			price     NUMERIC NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS system.service_health (
			service      TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			pid          INTEGER,
			restarts     INTEGER NOT NULL DEFAULT 0,
			last_checked TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// priceLogTable maps a collateral symbol to its live_data log table. Symbols
// are a closed set; anything else is a programming error surfaced as such.
func priceLogTable(symbol string) (string, error) {
	switch symbol {
	case "BTC":
		return "live_data.btc_price_log", nil
	case "ETH":
		return "live_data.eth_price_log", nil
	}
	return "", fmt.Errorf("no price log table for symbol %q", symbol)
}
