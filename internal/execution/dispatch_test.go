package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

// TestHandleTradeMessageDelaysBuyUntilSellsSettle exercises spec.md §4.3.5's
// sharded-mode settlement check: a BUY trade message must not price or
// submit until every sibling SELL in its run has left the pending/running
// sets, even though the ordered bus has already delivered it.
func TestHandleTradeMessageDelaysBuyUntilSellsSettle(t *testing.T) {
	br := newFakeBroker()
	store := runstate.NewMemoryStore()
	qc := quotes.NewCache(zap.NewNop(), fakeFeed{br: br}, quotes.DefaultConfig())
	bus := eventbus.NewBus(zap.NewNop(), eventbus.DefaultBusConfig())
	t.Cleanup(bus.Close)

	exec := execution.NewExecutor(zap.NewNop(), br, qc, store, bus, nil, testParams())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go exec.Start(ctx)

	run := &domain.RunRecord{
		RunID:           "run-shard-1",
		Status:          domain.RunStatusPending,
		TotalTrades:     2,
		PendingTradeIDs: []string{"sell-1", "buy-1"},
		SellTradeIDs:    []string{"sell-1"},
		CreatedAt:       time.Now(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	buyTrade := domain.TradeMessage{
		RunID: "run-shard-1", TradeID: "buy-1", Symbol: "AAPL",
		Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(1000), Phase: domain.PhaseBuy,
	}
	handler := exec.HandleTradeMessage(execution.AccountState{Account: domain.AccountSnapshot{PortfolioValue: decimal.NewFromInt(100000)}})
	bus.Subscribe(domain.EventTradeMessage, handler)
	env := eventbus.NewTradeEnvelope("env-1", buyTrade)
	bus.Publish(env)

	time.Sleep(200 * time.Millisecond)
	if br.nextID != 0 {
		t.Fatalf("broker should not have been called while sibling sell is unsettled, got %d submissions", br.nextID)
	}

	// Settle the sibling sell; the redelivered buy (scheduled by the
	// handler's visibility-delay timer) should then execute normally.
	if err := store.MarkStarted(context.Background(), "run-shard-1", "sell-1"); err != nil {
		t.Fatalf("MarkStarted(sell-1): %v", err)
	}
	sellStatus := domain.PerTradeStatus{TradeID: "sell-1", Status: domain.TradeStatusCompleted}
	if err := store.MarkCompleted(context.Background(), "run-shard-1", sellStatus, true); err != nil {
		t.Fatalf("MarkCompleted(sell-1): %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runNow, err := store.GetRun(context.Background(), "run-shard-1")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if runNow.SucceededTrades >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("buy trade never executed after sibling sell settled")
}
