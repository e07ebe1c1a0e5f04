// Package ats is the active trade supervisor: a 1 Hz monitoring loop over
// every open trade that refreshes risk metrics and issues close intents when
// an auto-stop predicate fires.
package ats

import "recio/pkg/types"

// Auto-stop reasons recorded on the trade when a predicate fires.
const (
	ReasonProbabilityFloor = "probability_floor"
	ReasonTTCFloor         = "ttc_floor"
	ReasonMomentumSpike    = "momentum_spike"
)

// StopInputs are the per-tick measurements a stop decision is made from.
type StopInputs struct {
	CurrentProbability float64
	TTCSeconds         int64
	Momentum           float64
	AdverseDown        bool // true when the position loses on a downward move
}

// EvaluateStops returns the first triggered auto-stop reason, or empty when
// the position holds. Floors use strict inequality: sitting exactly at the
// floor is not a breach.
func EvaluateStops(in StopInputs, prefs types.Preferences) string {
	if probabilityFloor(in.CurrentProbability, prefs.MinCurrentProbability) {
		return ReasonProbabilityFloor
	}
	if ttcFloor(in.TTCSeconds, prefs.MinTTCSeconds) {
		return ReasonTTCFloor
	}
	if momentumSpike(in.Momentum, in.AdverseDown, prefs) {
		return ReasonMomentumSpike
	}
	return ""
}

func probabilityFloor(current, floor float64) bool {
	return current < floor
}

func ttcFloor(ttc, floor int64) bool {
	return ttc < floor
}

// momentumSpike fires on adverse momentum at or beyond the threshold. A
// spike is an event, not a floor, so reaching the threshold counts.
func momentumSpike(momentum float64, adverseDown bool, prefs types.Preferences) bool {
	if !prefs.MomentumSpikeEnabled || prefs.MomentumSpikeThreshold <= 0 {
		return false
	}
	adverse := momentum
	if adverseDown {
		adverse = -momentum
	}
	return adverse >= prefs.MomentumSpikeThreshold
}
