package exchange

import (
	"testing"
	"time"
)

func TestRetryStateResetsAfterStableSession(t *testing.T) {
	t.Parallel()

	var rs retryState

	// Two sessions that die within seconds count as consecutive failures.
	rs.note(2 * time.Second)
	rs.note(3 * time.Second)
	if rs.failures != 2 {
		t.Fatalf("failures = %d after two quick deaths, want 2", rs.failures)
	}

	// An hour of healthy streaming before the next drop forgives the
	// earlier failures: only the fresh disconnect counts.
	rs.note(time.Hour)
	if rs.failures != 1 {
		t.Errorf("failures = %d after a stable session, want 1", rs.failures)
	}
	if d := rs.wait(time.Minute); d != time.Second {
		t.Errorf("backoff = %s after a stable session, want 1s", d)
	}
}

func TestRetryStateBackoffDoublesToCap(t *testing.T) {
	t.Parallel()

	var rs retryState
	rs.note(time.Second)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if d := rs.wait(8 * time.Second); d != w {
			t.Errorf("wait %d = %s, want %s", i, d, w)
		}
	}
}
