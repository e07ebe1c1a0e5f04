package cfd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"recio/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.CFDConfig {
	return config.CFDConfig{
		CriticalThreshold: 3,
		StandardThreshold: 5,
		AdvisoryThreshold: 8,
		CriticalServices:  []string{config.SvcTradeManager, config.SvcCoordinator},
		AdvisoryServices:  []string{config.SvcETHWatchdog},
	}
}

// coordinatorStub serves the control RPC and counts restart requests.
func coordinatorStub(t *testing.T) (*config.Registry, *atomic.Int32) {
	t.Helper()

	var restarts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/master_restart" && r.Method == http.MethodPost {
			restarts.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	registry := config.NewRegistry(u.Hostname(), map[string]int{
		config.SvcCoordinator: port,
	})
	return registry, &restarts
}

func TestTierAssignment(t *testing.T) {
	t.Parallel()

	d := New(testConfig(), nil, nil, testLogger())

	if got := d.tier(config.SvcTradeManager); got != TierCritical {
		t.Errorf("trade_manager tier = %s", got)
	}
	if got := d.tier(config.SvcETHWatchdog); got != TierAdvisory {
		t.Errorf("eth watchdog tier = %s", got)
	}
	if got := d.tier(config.SvcMainApp); got != TierStandard {
		t.Errorf("unlisted service tier = %s, want standard default", got)
	}

	if got := d.threshold(TierCritical); got != 3 {
		t.Errorf("critical threshold = %d", got)
	}
	if got := d.threshold(TierStandard); got != 5 {
		t.Errorf("standard threshold = %d", got)
	}
	if got := d.threshold(TierAdvisory); got != 8 {
		t.Errorf("advisory threshold = %d", got)
	}
}

func TestCriticalCascadeTriggersRestart(t *testing.T) {
	t.Parallel()

	registry, restarts := coordinatorStub(t)
	d := New(testConfig(), registry, nil, testLogger())
	ctx := context.Background()

	// Two failures stay below the critical threshold of three.
	d.recordFailure(ctx, config.SvcTradeManager)
	d.recordFailure(ctx, config.SvcTradeManager)
	if n := restarts.Load(); n != 0 {
		t.Fatalf("restart requested after %d failures", 2)
	}

	d.recordFailure(ctx, config.SvcTradeManager)
	if n := restarts.Load(); n != 1 {
		t.Fatalf("restarts = %d, want 1 at the threshold", n)
	}

	// Counters reset with the restart; the next failure starts over.
	d.recordFailure(ctx, config.SvcTradeManager)
	if n := restarts.Load(); n != 1 {
		t.Errorf("restarts = %d after counter reset", n)
	}
}

func TestRecoveryResetsCounter(t *testing.T) {
	t.Parallel()

	registry, restarts := coordinatorStub(t)
	d := New(testConfig(), registry, nil, testLogger())
	ctx := context.Background()

	d.recordFailure(ctx, config.SvcTradeManager)
	d.recordFailure(ctx, config.SvcTradeManager)
	d.recordSuccess(config.SvcTradeManager)
	d.recordFailure(ctx, config.SvcTradeManager)
	d.recordFailure(ctx, config.SvcTradeManager)

	if n := restarts.Load(); n != 0 {
		t.Errorf("interleaved recovery should prevent escalation, restarts = %d", n)
	}
}

func TestAdvisoryNeverRestarts(t *testing.T) {
	t.Parallel()

	registry, restarts := coordinatorStub(t)
	d := New(testConfig(), registry, nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		d.recordFailure(ctx, config.SvcETHWatchdog)
	}
	if n := restarts.Load(); n != 0 {
		t.Errorf("advisory tier requested %d restarts", n)
	}
}
