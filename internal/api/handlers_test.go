package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"recio/internal/config"
	"recio/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer mounts the handlers with no store behind them; only endpoints
// that avoid the database are exercised here.
func testServer(t *testing.T, cfg config.APIConfig) (*httptest.Server, *Hub) {
	t.Helper()

	hub := NewHub(testLogger())
	go hub.Run()

	handlers := NewHandlers(nil, nil, hub, nil, testLogger())

	r := chi.NewRouter()
	if cfg.AuthEnabled {
		r.Use(bearerAuth(cfg.AuthToken))
	}
	handlers.mountRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, config.APIConfig{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestAuthGate(t *testing.T) {
	srv, _ := testServer(t, config.APIConfig{AuthEnabled: true, AuthToken: "secret"})

	// Health stays open for probes.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health behind auth = %d", resp.StatusCode)
	}

	// Everything else requires the token.
	resp, err = http.Get(srv.URL + "/api/preferences")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated request = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/notify_db_change", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated request = %d", resp.StatusCode)
	}

	// Query-parameter token for WebSocket clients.
	resp, err = http.Get(srv.URL + "/api/notify_db_change?token=secret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("query token rejected")
	}
}

func TestDBChangeFlowsToWebSocket(t *testing.T) {
	srv, _ := testServer(t, config.APIConfig{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/notify_db_change", "application/json",
		strings.NewReader(`{"table":"trades","user":"0001"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notify = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt UIEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read ws event: %v", err)
	}
	if evt.Type != "db_change" {
		t.Errorf("event type = %q", evt.Type)
	}
	data, ok := evt.Data.(map[string]any)
	if !ok || data["table"] != "trades" {
		t.Errorf("event data = %#v", evt.Data)
	}
}

func TestManualEntryMintsIntentID(t *testing.T) {
	// Stand-in for the trade manager RPC: record what the proxy forwards.
	var got types.EntryIntent
	tm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode forwarded intent: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ticket_id":"tkt-1"}`))
	}))
	defer tm.Close()

	hub := NewHub(testLogger())
	go hub.Run()
	handlers := NewHandlers(nil, nil, hub, NewTradeProxy(tm.URL), testLogger())

	r := chi.NewRouter()
	handlers.mountRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	// A UI entry carries contract, side and size but no intent_id.
	resp, err := http.Post(srv.URL+"/api/trades", "application/json",
		strings.NewReader(`{"contract":"KXBTCD-25AUG2417-T97250","side":"YES","contracts":1,"buy_price":95}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("manual entry = %d, body %s", resp.StatusCode, body)
	}

	if got.IntentID == "" {
		t.Error("forwarded intent has no intent_id")
	}
	if got.Method != types.EntryManual {
		t.Errorf("method = %q, want manual", got.Method)
	}

	// A client-supplied id passes through untouched so retries dedupe.
	resp, err = http.Post(srv.URL+"/api/trades", "application/json",
		strings.NewReader(`{"intent_id":"ui-7","contract":"KXBTCD-25AUG2417-T97250","side":"YES","contracts":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got.IntentID != "ui-7" {
		t.Errorf("client intent_id overwritten: %q", got.IntentID)
	}
}

func TestMalformedDBChangeStillAccepted(t *testing.T) {
	srv, _ := testServer(t, config.APIConfig{})

	resp, err := http.Post(srv.URL+"/api/notify_db_change", "application/json",
		strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("malformed hint = %d, want 200 (fire and forget)", resp.StatusCode)
	}
}
