package exchange

import (
	"recio/internal/config"
)

// Env is the exchange-flavor capability: everything that differs between the
// demo and prod environments lives here, selected once at construction from
// the user's account_mode_state. Call sites never branch on a mode flag.
type Env struct {
	Name    config.Environment
	BaseURL string // REST base, e.g. https://api.elections.kalshi.com/trade-api/v2
	WSURL   string // WebSocket endpoint
}

// SelectEnv binds the configured endpoints for the given environment.
func SelectEnv(cfg config.KalshiConfig, mode config.Environment) Env {
	if mode == config.EnvProd {
		return Env{Name: config.EnvProd, BaseURL: cfg.ProdBaseURL, WSURL: cfg.ProdWSURL}
	}
	return Env{Name: config.EnvDemo, BaseURL: cfg.DemoBaseURL, WSURL: cfg.DemoWSURL}
}

// Live reports whether orders placed through this environment move real
// money.
func (e Env) Live() bool {
	return e.Name == config.EnvProd
}
