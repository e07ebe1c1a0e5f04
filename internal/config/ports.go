package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"recio/pkg/types"
)

// Canonical service names. These are the only keys the port manifest is
// allowed to be queried with; anything else is a config error at boot.
const (
	SvcMainApp         = "main_app"
	SvcTradeManager    = "trade_manager"
	SvcTradeExecutor   = "trade_executor"
	SvcATS             = "active_trade_supervisor"
	SvcAutoEntry       = "auto_entry_supervisor"
	SvcAccountSync     = "kalshi_account_sync"
	SvcMarketWatchdog  = "kalshi_api_watchdog"
	SvcBTCWatchdog     = "btc_price_watchdog"
	SvcETHWatchdog     = "eth_price_watchdog"
	SvcCFD             = "cascading_failure_detector"
	SvcCoordinator     = "unified_production_coordinator"
)

// Registry is the single source of truth mapping service name → TCP port
// and bind host. It is bound once at boot from the JSON manifest; there are
// deliberately no fallback ports, so configuration drift fails loudly.
type Registry struct {
	host  string
	ports map[string]int
}

// portManifest is the on-disk JSON shape.
type portManifest struct {
	Services map[string]int `json:"services"`
}

// LoadRegistry reads the manifest and resolves the bind host.
// Host resolution order: TRADING_SYSTEM_HOST env → detected LAN IP →
// localhost.
func LoadRegistry(manifestPath string) (*Registry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, types.ConfigMissingf("port manifest %s", manifestPath)
	}

	var manifest portManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse port manifest %s: %w", manifestPath, err)
	}
	if len(manifest.Services) == 0 {
		return nil, types.ConfigMissingf("port manifest %s has no services", manifestPath)
	}

	return &Registry{
		host:  detectHost(),
		ports: manifest.Services,
	}, nil
}

// NewRegistry builds a registry from an explicit map. Used by tests and by
// services that receive the manifest over RPC.
func NewRegistry(host string, ports map[string]int) *Registry {
	return &Registry{host: host, ports: ports}
}

// Port returns the assigned port for a service. A missing name is a config
// error; there are no silent defaults.
func (r *Registry) Port(name string) (int, error) {
	port, ok := r.ports[name]
	if !ok {
		return 0, types.ConfigMissingf("no port assigned for service %q", name)
	}
	return port, nil
}

// Host returns the resolved bind host.
func (r *Registry) Host() string {
	return r.host
}

// Addr returns "host:port" for a service.
func (r *Registry) Addr(name string) (string, error) {
	port, err := r.Port(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", r.host, port), nil
}

// URL returns the http base URL for a service.
func (r *Registry) URL(name string) (string, error) {
	addr, err := r.Addr(name)
	if err != nil {
		return "", err
	}
	return "http://" + addr, nil
}

// Names returns every service name present in the manifest.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ports))
	for name := range r.ports {
		names = append(names, name)
	}
	return names
}

// detectHost resolves the host every service binds and dials on.
func detectHost() string {
	if h := os.Getenv("TRADING_SYSTEM_HOST"); h != "" {
		return h
	}
	if ip := lanIP(); ip != "" {
		return ip
	}
	return "localhost"
}

// lanIP finds the outbound LAN address without sending any packets: a UDP
// "connect" only selects a local interface.
func lanIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
