// Package cfd is the cascading failure detector. It samples the
// coordinator's service states and each service's health endpoint on a slow
// cadence, counts consecutive failures per service against a tiered
// threshold, and requests a master restart when a tier's threshold is
// crossed. The coordinator enforces the restart rate limit; this detector
// only asks.
package cfd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"recio/internal/config"
	"recio/internal/store"
	"recio/pkg/types"
)

// Tier is the escalation class of a service.
type Tier string

const (
	TierCritical Tier = "critical"
	TierStandard Tier = "standard"
	TierAdvisory Tier = "advisory"
)

// Detector runs the sampling loop.
type Detector struct {
	cfg      config.CFDConfig
	registry *config.Registry
	store    *store.Store
	http     *resty.Client
	logger   *slog.Logger

	tiers    map[string]Tier
	failures map[string]int // consecutive failed samples per service
}

// New builds a detector. The registry supplies every service's health URL
// and the coordinator's control RPC address.
func New(cfg config.CFDConfig, registry *config.Registry, st *store.Store, logger *slog.Logger) *Detector {
	tiers := make(map[string]Tier)
	for _, name := range cfg.CriticalServices {
		tiers[name] = TierCritical
	}
	for _, name := range cfg.AdvisoryServices {
		tiers[name] = TierAdvisory
	}

	return &Detector{
		cfg:      cfg,
		registry: registry,
		store:    st,
		http:     resty.New().SetTimeout(5 * time.Second),
		logger:   logger.With("component", "cascading_failure_detector"),
		tiers:    tiers,
		failures: make(map[string]int),
	}
}

// tier returns the service's escalation class, standard by default.
func (d *Detector) tier(service string) Tier {
	if t, ok := d.tiers[service]; ok {
		return t
	}
	return TierStandard
}

// threshold maps a tier to its consecutive-failure budget.
func (d *Detector) threshold(t Tier) int {
	switch t {
	case TierCritical:
		return d.cfg.CriticalThreshold
	case TierAdvisory:
		return d.cfg.AdvisoryThreshold
	}
	return d.cfg.StandardThreshold
}

// Run samples until the context is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()

	d.logger.Info("failure detector starting",
		"interval", d.cfg.SampleInterval,
		"max_restarts_per_hour", d.cfg.MaxRestartsPerHour,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sample(ctx)
		}
	}
}

// sample performs one pass: coordinator states plus per-service health.
func (d *Detector) sample(ctx context.Context) {
	states, err := d.coordinatorStates(ctx)
	if err != nil {
		d.logger.Warn("coordinator unreachable", "error", err)
		// The coordinator itself is a critical service; count it.
		d.recordFailure(ctx, config.SvcCoordinator)
		return
	}
	d.recordSuccess(config.SvcCoordinator)

	for _, st := range states {
		healthy := st.Status == types.ServiceRunning && d.healthOK(ctx, st.Name)

		if err := d.store.UpsertServiceHealth(ctx, st); err != nil {
			d.logger.Warn("health row write failed", "service", st.Name, "error", err)
		}

		if healthy {
			d.recordSuccess(st.Name)
			continue
		}
		// FATAL services are the coordinator's problem, not a cascade:
		// the retry cap already stopped them on purpose.
		if st.Status == types.ServiceFatal {
			continue
		}
		d.recordFailure(ctx, st.Name)
	}
}

// healthOK probes the service's /health endpoint. Services with no manifest
// port have no health surface and count as healthy on process status alone.
func (d *Detector) healthOK(ctx context.Context, service string) bool {
	url, err := d.registry.URL(service)
	if err != nil {
		return true
	}
	resp, err := d.http.R().SetContext(ctx).Get(url + "/health")
	if err != nil {
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

func (d *Detector) recordSuccess(service string) {
	if d.failures[service] > 0 {
		d.logger.Info("service recovered", "service", service, "after", d.failures[service])
	}
	d.failures[service] = 0
}

func (d *Detector) recordFailure(ctx context.Context, service string) {
	d.failures[service]++
	n := d.failures[service]
	t := d.tier(service)
	limit := d.threshold(t)

	d.logger.Warn("service failing",
		"service", service,
		"tier", t,
		"consecutive", n,
		"threshold", limit,
	)

	if n < limit {
		return
	}

	if t == TierAdvisory {
		// Advisory services never trigger a restart; the threshold only
		// escalates the log level.
		d.logger.Error("advisory service degraded", "service", service, "consecutive", n)
		d.failures[service] = 0
		return
	}

	d.logger.Error("cascade threshold crossed, requesting master restart",
		"service", service, "tier", t, "consecutive", n)

	if err := d.masterRestart(ctx); err != nil {
		d.logger.Error("master restart refused", "error", err)
		return
	}
	// Counters restart with the stack.
	d.failures = make(map[string]int)
}

// coordinatorStates fetches the service table from the coordinator RPC.
func (d *Detector) coordinatorStates(ctx context.Context) ([]types.ServiceState, error) {
	url, err := d.registry.URL(config.SvcCoordinator)
	if err != nil {
		return nil, err
	}

	var states []types.ServiceState
	resp, err := d.http.R().SetContext(ctx).SetResult(&states).Get(url + "/services")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("coordinator status %d", resp.StatusCode())
	}
	return states, nil
}

func (d *Detector) masterRestart(ctx context.Context) error {
	url, err := d.registry.URL(config.SvcCoordinator)
	if err != nil {
		return err
	}
	resp, err := d.http.R().SetContext(ctx).Post(url + "/master_restart")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("master restart status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
