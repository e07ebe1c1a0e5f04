package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"recio/internal/config"
	"recio/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	path, _ := writeTestKey(t)
	auth, err := NewAuth("test-key", path)
	if err != nil {
		t.Fatal(err)
	}

	env := Env{Name: config.EnvDemo, BaseURL: srv.URL + "/trade-api/v2"}
	client, err := NewClient(env, auth, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestMarketsPagination(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("KALSHI-ACCESS-KEY") == "" {
			t.Error("request not signed")
		}
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			io.WriteString(w, `{"markets":[{"ticker":"KXBTC-1"},{"ticker":"KXBTC-2"}],"cursor":"next"}`)
			return
		}
		io.WriteString(w, `{"markets":[{"ticker":"KXBTC-3"}],"cursor":""}`)
	})

	markets, err := client.Markets(context.Background(), "KXBTC")
	if err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if len(markets) != 3 {
		t.Errorf("got %d markets, want 3 across pages", len(markets))
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2", calls)
	}
}

func TestCreateOrder(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"order":{"order_id":"ord-1","client_order_id":"tkt-1","status":"resting"}}`)
	})

	order, err := client.CreateOrder(context.Background(), OrderRequest{
		Ticker:        "KXBTC-1",
		ClientOrderID: "tkt-1",
		Side:          "yes",
		Action:        "buy",
		Count:         1,
		Type:          "limit",
		YesPrice:      96,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderID != "ord-1" {
		t.Errorf("order id = %q", order.OrderID)
	}
}

func TestCreateOrderPermanentError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":{"code":"insufficient_balance"}}`)
	})

	_, err := client.CreateOrder(context.Background(), OrderRequest{Ticker: "T", ClientOrderID: "c"})
	if !errors.Is(err, types.ErrPermanent) {
		t.Errorf("4xx should classify as permanent, got %v", err)
	}
}

func TestBalance(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"balance":123456}`)
	})

	balance, err := client.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 123456 {
		t.Errorf("balance = %d", balance)
	}
}

func TestCoinbaseSpot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-USD/spot" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"amount":"97251.42","base":"BTC","currency":"USD"}}`)
	}))
	defer srv.Close()

	cb := NewCoinbase(srv.URL, testLogger())
	price, err := cb.Spot(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Spot: %v", err)
	}
	if price.String() != "97251.42" {
		t.Errorf("price = %s", price)
	}
}

func TestSelectEnv(t *testing.T) {
	t.Parallel()

	cfg := config.KalshiConfig{
		ProdBaseURL: "https://prod/trade-api/v2",
		ProdWSURL:   "wss://prod/ws",
		DemoBaseURL: "https://demo/trade-api/v2",
		DemoWSURL:   "wss://demo/ws",
	}

	prod := SelectEnv(cfg, config.EnvProd)
	if !prod.Live() || prod.BaseURL != cfg.ProdBaseURL {
		t.Errorf("prod env wrong: %+v", prod)
	}

	demo := SelectEnv(cfg, config.EnvDemo)
	if demo.Live() || demo.WSURL != cfg.DemoWSURL {
		t.Errorf("demo env wrong: %+v", demo)
	}
}
