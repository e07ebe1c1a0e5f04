package store

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"recio/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUserIDPattern(t *testing.T) {
	t.Parallel()

	valid := []string{"0001", "alice", "user_0001"}
	for _, id := range valid {
		if !userIDPattern.MatchString(id) {
			t.Errorf("%q should be a valid user id", id)
		}
	}

	invalid := []string{"", "User1", "u-1", "u;DROP TABLE", "u 1", "ü1"}
	for _, id := range invalid {
		if userIDPattern.MatchString(id) {
			t.Errorf("%q should be rejected", id)
		}
	}
}

func TestTableNaming(t *testing.T) {
	t.Parallel()

	s := &Store{user: "0001"}
	if got := s.table("trades"); got != "users.trades_0001" {
		t.Errorf("table = %q", got)
	}
	if got := s.table("active_trades"); got != "users.active_trades_0001" {
		t.Errorf("table = %q", got)
	}
}

func TestPriceLogTable(t *testing.T) {
	t.Parallel()

	for symbol, want := range map[string]string{
		"BTC": "live_data.btc_price_log",
		"ETH": "live_data.eth_price_log",
	} {
		got, err := priceLogTable(symbol)
		if err != nil {
			t.Fatalf("priceLogTable(%s): %v", symbol, err)
		}
		if got != want {
			t.Errorf("priceLogTable(%s) = %q, want %q", symbol, got, want)
		}
	}

	if _, err := priceLogTable("DOGE"); err == nil {
		t.Error("unknown symbol should error")
	}
}

func TestRetentionCutoffFormat(t *testing.T) {
	t.Parallel()

	cutoff := types.FormatTimestamp(types.NowEastern().Add(-retentionWindow))
	if _, err := types.ParseTimestamp(cutoff); err != nil {
		t.Fatalf("cutoff %q does not round-trip: %v", cutoff, err)
	}
	// Fixed-width layout keeps lexical order aligned with time order,
	// which the prune DELETE relies on.
	if len(cutoff) != len(types.TimestampLayout) {
		t.Errorf("cutoff %q is not fixed width", cutoff)
	}
}

func TestNotifierPublish(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notify_db_change" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"trades"`) {
			t.Errorf("body = %s", body)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, testLogger())
	n.Publish("trades", "0001")

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Errorf("notifier made %d requests, want 1", hits.Load())
	}
}

func TestNotifierUnreachableDoesNotPanic(t *testing.T) {
	t.Parallel()

	n := NewNotifier("http://127.0.0.1:1", testLogger())
	n.Publish("trades", "0001") // must not block or panic
	time.Sleep(50 * time.Millisecond)
}

func TestStoreNilNotifier(t *testing.T) {
	t.Parallel()

	s := &Store{user: "0001", logger: testLogger()}
	s.notify("trades") // nil notifier is a no-op
}
