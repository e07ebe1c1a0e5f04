package autoentry

import (
	"math"
	"sync"
	"time"

	"recio/pkg/types"
)

// SpikeCooldown suppresses entries after a momentum spike. A spike arms the
// cooldown; it re-arms while momentum stays above the cooldown threshold, so
// the suppression window slides until the market actually calms down.
type SpikeCooldown struct {
	mu        sync.Mutex
	lastSpike time.Time
}

// Observe feeds one momentum sample.
func (c *SpikeCooldown) Observe(momentum float64, prefs types.Preferences, now time.Time) {
	if prefs.SpikeAlertMomentumThreshold <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	abs := math.Abs(momentum)
	if abs >= prefs.SpikeAlertMomentumThreshold {
		c.lastSpike = now
		return
	}
	// Within an active cooldown, elevated momentum keeps the clock running.
	if !c.lastSpike.IsZero() && abs > prefs.SpikeAlertCooldownThreshold {
		window := time.Duration(prefs.SpikeAlertCooldownMinutes) * time.Minute
		if now.Sub(c.lastSpike) < window {
			c.lastSpike = now
		}
	}
}

// Suppressed reports whether entries are currently blocked.
func (c *SpikeCooldown) Suppressed(prefs types.Preferences, now time.Time) bool {
	if prefs.SpikeAlertMomentumThreshold <= 0 || prefs.SpikeAlertCooldownMinutes <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSpike.IsZero() {
		return false
	}
	window := time.Duration(prefs.SpikeAlertCooldownMinutes) * time.Minute
	return now.Sub(c.lastSpike) < window
}
