package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds per the system's taxonomy. Components classify at their own
// boundary and never rethrow across service boundaries; only config errors
// abort at boot.
var (
	// ErrConfigMissing marks a missing port mapping, credential, or manifest
	// field. Fatal at startup.
	ErrConfigMissing = errors.New("config missing")

	// ErrPermanent marks a non-retryable exchange rejection (4xx except 429).
	// The owning intent fails fast.
	ErrPermanent = errors.New("permanent exchange error")

	// ErrInvariant marks a state that must never occur (duplicate active
	// trade row, reverse status transition, concurrent closes). The affected
	// trade is quarantined.
	ErrInvariant = errors.New("invariant violation")

	// ErrStale marks decisions suppressed because a feed heartbeat is too
	// old. Observation continues; actions do not.
	ErrStale = errors.New("stale market data")
)

// ConfigMissingf wraps ErrConfigMissing with context.
func ConfigMissingf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfigMissing)...)
}

// PermanentHTTPStatus reports whether an HTTP status code is a permanent
// failure: any 4xx except 429 (rate limited, which is retryable).
func PermanentHTTPStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
