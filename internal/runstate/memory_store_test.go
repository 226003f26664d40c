package runstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

func newTestRun(runID string, tradeIDs ...string) *domain.RunRecord {
	return &domain.RunRecord{
		RunID:           runID,
		PlanID:          "plan-1",
		CorrelationID:   "corr-1",
		Status:          domain.RunStatusPending,
		TotalTrades:     len(tradeIDs),
		PendingTradeIDs: tradeIDs,
		DayTradedValue:  decimal.Zero,
		CreatedAt:       time.Now(),
		TTL:             time.Hour,
	}
}

func TestMarkStartedTransitionsRunToRunning(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()

	if err := store.CreateRun(ctx, newTestRun("run-1", "t1", "t2")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := store.MarkStarted(ctx, "run-1", "t1"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Errorf("status = %s, want RUNNING", run.Status)
	}
	if len(run.PendingTradeIDs) != 1 || run.PendingTradeIDs[0] != "t2" {
		t.Errorf("pending = %v, want [t2]", run.PendingTradeIDs)
	}
	if len(run.RunningTradeIDs) != 1 || run.RunningTradeIDs[0] != "t1" {
		t.Errorf("running = %v, want [t1]", run.RunningTradeIDs)
	}
}

func TestMarkCompletedTracksSuccessAndFailureCounts(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()

	if err := store.CreateRun(ctx, newTestRun("run-1", "t1", "t2")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.MarkStarted(ctx, "run-1", "t1"); err != nil {
		t.Fatalf("MarkStarted t1: %v", err)
	}
	if err := store.MarkStarted(ctx, "run-1", "t2"); err != nil {
		t.Fatalf("MarkStarted t2: %v", err)
	}

	if err := store.MarkCompleted(ctx, "run-1", domain.PerTradeStatus{TradeID: "t1", Status: domain.TradeStatusCompleted}, true); err != nil {
		t.Fatalf("MarkCompleted t1: %v", err)
	}
	if err := store.MarkCompleted(ctx, "run-1", domain.PerTradeStatus{TradeID: "t2", Status: domain.TradeStatusFailed}, false); err != nil {
		t.Fatalf("MarkCompleted t2: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.CompletedTrades != 2 {
		t.Errorf("completed_trades = %d, want 2", run.CompletedTrades)
	}
	if run.SucceededTrades != 1 {
		t.Errorf("succeeded_trades = %d, want 1", run.SucceededTrades)
	}
	if run.FailedTrades != 1 {
		t.Errorf("failed_trades = %d, want 1", run.FailedTrades)
	}
	if len(run.RunningTradeIDs) != 0 {
		t.Errorf("running = %v, want empty", run.RunningTradeIDs)
	}
}

func TestTryClaimCompletionSucceedsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()

	if err := store.CreateRun(ctx, newTestRun("run-1", "t1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	won, err := store.TryClaimCompletion(ctx, "run-1")
	if err != nil {
		t.Fatalf("TryClaimCompletion first: %v", err)
	}
	if !won {
		t.Fatal("first claim should succeed")
	}

	won, err = store.TryClaimCompletion(ctx, "run-1")
	if err != nil {
		t.Fatalf("TryClaimCompletion second: %v", err)
	}
	if won {
		t.Fatal("second claim should fail, flag already set")
	}
}

func TestIncrementDailyTradedValueRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()

	limit := decimal.NewFromInt(500000)
	amount := decimal.NewFromInt(150000)

	for i := 0; i < 3; i++ {
		if err := store.IncrementDailyTradedValue(ctx, "2026-07-31", amount, limit); err != nil {
			t.Fatalf("increment %d: unexpected error: %v", i, err)
		}
	}

	// Fourth trade of $150,000 would reach $600,000 > $500,000 limit.
	err := store.IncrementDailyTradedValue(ctx, "2026-07-31", amount, limit)
	if err == nil {
		t.Fatal("expected daily limit error on fourth increment")
	}
	if _, ok := err.(*runstate.ErrDailyLimitExceeded); !ok {
		t.Errorf("error type = %T, want *runstate.ErrDailyLimitExceeded", err)
	}

	got, err := store.GetDailyTradedValue(ctx, "2026-07-31")
	if err != nil {
		t.Fatalf("GetDailyTradedValue: %v", err)
	}
	want := decimal.NewFromInt(450000)
	if !got.Equal(want) {
		t.Errorf("daily traded value = %s, want %s", got, want)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ctx := context.Background()
	store := runstate.NewMemoryStore()

	_, err := store.GetRun(ctx, "missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	if _, ok := err.(*runstate.ErrNotFound); !ok {
		t.Errorf("error type = %T, want *runstate.ErrNotFound", err)
	}
}
