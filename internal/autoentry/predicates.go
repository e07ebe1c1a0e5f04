// Package autoentry scans the market snapshot and opens positions when every
// entry rule passes. One engine instance runs per user; it never places
// orders itself, it hands entry intents to the trade manager.
package autoentry

import "recio/pkg/types"

// Reject reasons, logged at debug so a quiet engine can be audited.
const (
	rejectProbability = "probability_below_min"
	rejectDiff        = "differential_below_min"
	rejectWindow      = "outside_entry_window"
	rejectTTC         = "ttc_below_min"
	rejectVolume      = "volume_below_min"
	rejectAsk         = "ask_above_max"
	rejectNoQuote     = "no_executable_quote"
)

// EntryInputs are the measurements one candidate entry is judged on.
type EntryInputs struct {
	Prob         float64 // model win probability, 0–100
	Diff         float64 // edge: model probability minus ask-implied, points
	WindowAgeSec int64   // seconds since the trading window opened
	TTCSeconds   int64   // seconds until the market resolves
	Volume       int64
	AskCents     int
}

// EvaluateEntry applies the all-pass rule set. Every predicate must hold;
// boundaries are inclusive, so a value exactly at its threshold passes.
// Returns the first failing rule, or empty when the entry qualifies.
func EvaluateEntry(in EntryInputs, prefs types.Preferences) string {
	if in.AskCents <= 0 || in.AskCents >= 100 {
		return rejectNoQuote
	}
	if in.Prob < prefs.MinProbability {
		return rejectProbability
	}
	if in.Diff < prefs.MinDifferential {
		return rejectDiff
	}
	if in.WindowAgeSec < prefs.MinTimeSec || in.WindowAgeSec > prefs.MaxTimeSec {
		return rejectWindow
	}
	if in.TTCSeconds < prefs.MinTTCSeconds {
		return rejectTTC
	}
	if in.Volume < prefs.WatchlistMinVolume {
		return rejectVolume
	}
	if in.AskCents > prefs.WatchlistMaxAsk {
		return rejectAsk
	}
	return ""
}
