package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"recio/pkg/types"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ports.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeManifest(t, `{"services":{"main_app":3000,"trade_manager":4000}}`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	port, err := reg.Port("trade_manager")
	if err != nil {
		t.Fatalf("Port: %v", err)
	}
	if port != 4000 {
		t.Errorf("port = %d, want 4000", port)
	}
}

func TestMissingServiceIsConfigError(t *testing.T) {
	path := writeManifest(t, `{"services":{"main_app":3000}}`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	if _, err := reg.Port("no_such_service"); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("missing name should yield ErrConfigMissing, got %v", err)
	}
}

func TestMissingManifestIsConfigError(t *testing.T) {
	if _, err := LoadRegistry("/nonexistent/ports.json"); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("missing manifest should yield ErrConfigMissing, got %v", err)
	}
}

func TestEmptyManifestIsConfigError(t *testing.T) {
	path := writeManifest(t, `{"services":{}}`)
	if _, err := LoadRegistry(path); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("empty manifest should yield ErrConfigMissing, got %v", err)
	}
}

func TestHostEnvOverride(t *testing.T) {
	t.Setenv("TRADING_SYSTEM_HOST", "10.0.0.9")

	path := writeManifest(t, `{"services":{"main_app":3000}}`)
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg.Host() != "10.0.0.9" {
		t.Errorf("host = %q, want env override", reg.Host())
	}

	addr, err := reg.Addr("main_app")
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if addr != "10.0.0.9:3000" {
		t.Errorf("addr = %q", addr)
	}
}
