package trade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"recio/internal/config"
	"recio/internal/exchange"
	"recio/pkg/types"

	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlacer scripts CreateOrder outcomes in sequence.
type fakePlacer struct {
	calls atomic.Int32
	fn    func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error)
}

func (f *fakePlacer) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*types.AccountOrder, error) {
	return f.fn(f.calls.Add(1), req)
}

func runExecutor(t *testing.T, placer orderPlacer, cfg config.ExecutorConfig) *Executor {
	t.Helper()
	e := NewExecutor(placer, cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e
}

func fastConfig(logDir string) config.ExecutorConfig {
	return config.ExecutorConfig{
		RetryBudget:  2 * time.Second,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
		TicketLogDir: logDir,
	}
}

func TestExecutorRetriesTransient(t *testing.T) {
	placer := &fakePlacer{fn: func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error) {
		if attempt < 3 {
			return nil, errors.New("status 503")
		}
		return &types.AccountOrder{OrderID: "ord-1", ClientOrderID: req.ClientOrderID}, nil
	}}
	e := runExecutor(t, placer, fastConfig(""))

	order, err := e.Submit(context.Background(), exchange.OrderRequest{ClientOrderID: "tkt-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.OrderID != "ord-1" {
		t.Errorf("order id = %q", order.OrderID)
	}
	if placer.calls.Load() != 3 {
		t.Errorf("made %d attempts, want 3", placer.calls.Load())
	}
}

func TestExecutorFailsFastOnPermanent(t *testing.T) {
	placer := &fakePlacer{fn: func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error) {
		return nil, fmt.Errorf("status 422: %w", types.ErrPermanent)
	}}
	e := runExecutor(t, placer, fastConfig(""))

	_, err := e.Submit(context.Background(), exchange.OrderRequest{ClientOrderID: "tkt-1"})
	if !errors.Is(err, types.ErrPermanent) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if placer.calls.Load() != 1 {
		t.Errorf("permanent rejection retried: %d attempts", placer.calls.Load())
	}
}

func TestExecutorBudgetExhaustion(t *testing.T) {
	placer := &fakePlacer{fn: func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error) {
		return nil, errors.New("connection refused")
	}}
	cfg := fastConfig("")
	cfg.RetryBudget = 50 * time.Millisecond
	e := runExecutor(t, placer, cfg)

	_, err := e.Submit(context.Background(), exchange.OrderRequest{ClientOrderID: "tkt-1"})
	if err == nil {
		t.Fatal("expected budget exhaustion error")
	}
	if errors.Is(err, types.ErrPermanent) {
		t.Errorf("transient exhaustion misclassified as permanent: %v", err)
	}
}

func TestExecutorSerializesOrders(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	placer := &fakePlacer{fn: func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &types.AccountOrder{OrderID: fmt.Sprintf("ord-%d", attempt)}, nil
	}}
	e := runExecutor(t, placer, fastConfig(""))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			e.Submit(context.Background(), exchange.OrderRequest{ClientOrderID: fmt.Sprintf("tkt-%d", i)})
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent placements = %d, want 1", maxInFlight.Load())
	}
}

func TestExecutorTicketLog(t *testing.T) {
	dir := t.TempDir()
	placer := &fakePlacer{fn: func(attempt int32, req exchange.OrderRequest) (*types.AccountOrder, error) {
		if attempt == 1 {
			return nil, errors.New("status 500")
		}
		return &types.AccountOrder{OrderID: "ord-1"}, nil
	}}
	e := runExecutor(t, placer, fastConfig(dir))

	if _, err := e.Submit(context.Background(), exchange.OrderRequest{ClientOrderID: "tkt-log"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "tkt-log.log"))
	if err != nil {
		t.Fatalf("ticket log missing: %v", err)
	}
	log := string(raw)
	for _, want := range []string{"submit", "retry attempt=1", "accepted order_id=ord-1"} {
		if !strings.Contains(log, want) {
			t.Errorf("ticket log missing %q:\n%s", want, log)
		}
	}
	if strings.Count(log, "\n") != 3 {
		t.Errorf("ticket log has %d lines, want 3:\n%s", strings.Count(log, "\n"), log)
	}
}
