package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/portfolio"
)

func pct(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func defaultParams() portfolio.Params {
	return portfolio.Params{
		MinTradeAmountUSD: decimal.NewFromInt(5),
		CashReservePct:    decimal.NewFromFloat(0.02),
		MinCashReserveUSD: decimal.NewFromInt(100),
	}
}

func TestPlanCleanBullRebalanceBuysIntoTargets(t *testing.T) {
	stage := portfolio.NewStage(zap.NewNop(), defaultParams())

	in := portfolio.Input{
		CorrelationID: "corr-1",
		TargetWeights: map[string]decimal.Decimal{"AAPL": pct(0.6), "MSFT": pct(0.4)},
		Account: domain.AccountSnapshot{
			Cash:           decimal.NewFromInt(100000),
			PortfolioValue: decimal.NewFromInt(100000),
		},
		Timestamp: time.Now(),
	}

	plan, err := stage.Plan(in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var total decimal.Decimal
	for _, item := range plan.Items {
		total = total.Add(item.TradeAmount.Abs())
		if item.Action != domain.ActionBuy {
			t.Errorf("%s action = %s, want BUY", item.Symbol, item.Action)
		}
	}
	if !total.Equal(plan.TotalTradeValue) {
		t.Errorf("sum of |trade_amount| = %s, want %s", total, plan.TotalTradeValue)
	}
}

func TestPlanFullExitProducesSellAndPriorityOne(t *testing.T) {
	stage := portfolio.NewStage(zap.NewNop(), defaultParams())

	in := portfolio.Input{
		CorrelationID: "corr-2",
		TargetWeights: map[string]decimal.Decimal{},
		Positions: []domain.PositionSnapshot{
			{Symbol: "TSLA", MarketValue: decimal.NewFromInt(20000)},
		},
		Account: domain.AccountSnapshot{
			Cash:           decimal.NewFromInt(80000),
			PortfolioValue: decimal.NewFromInt(100000),
		},
		Timestamp: time.Now(),
	}

	plan, err := stage.Plan(in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(plan.Items))
	}
	item := plan.Items[0]
	if item.Action != domain.ActionSell {
		t.Errorf("action = %s, want SELL", item.Action)
	}
	if item.Priority != 1 {
		t.Errorf("priority = %d, want 1 for full exit", item.Priority)
	}
}

func TestPlanDustBoundaryExactlyFiveDollarsHolds(t *testing.T) {
	stage := portfolio.NewStage(zap.NewNop(), defaultParams())

	// Target value vs current value differs by exactly $5, the
	// MIN_TRADE_AMOUNT_USD threshold itself: the inclusive boundary favors
	// inaction, so this must HOLD, not trade. Cash covers the $100 reserve
	// plus the buy, so only the dust filter decides the action.
	in := portfolio.Input{
		CorrelationID: "corr-3",
		TargetWeights: map[string]decimal.Decimal{"AAPL": pct(1.0)},
		Positions: []domain.PositionSnapshot{
			{Symbol: "AAPL", MarketValue: decimal.NewFromInt(995)},
		},
		Account: domain.AccountSnapshot{
			Cash:           decimal.NewFromInt(200),
			PortfolioValue: decimal.NewFromInt(1000),
		},
		Timestamp: time.Now(),
	}

	plan, err := stage.Plan(in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(plan.Items))
	}
	if plan.Items[0].Action != domain.ActionHold {
		t.Errorf("action = %s, want HOLD at exactly the dust boundary", plan.Items[0].Action)
	}

	// One cent above the threshold must trade.
	in.Positions[0].MarketValue = decimal.NewFromFloat(994.99)
	plan, err = stage.Plan(in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Items[0].Action != domain.ActionBuy {
		t.Errorf("action = %s, want BUY just above the dust boundary", plan.Items[0].Action)
	}
}

func TestPlanScalesBuysToDeployableCapital(t *testing.T) {
	stage := portfolio.NewStage(zap.NewNop(), defaultParams())

	// Targets call for $100,000 of buys but only $8,100 cash is deployable
	// after the 2% ($2,000) reserve, so all three buy legs must be scaled
	// down proportionally.
	in := portfolio.Input{
		CorrelationID: "corr-4",
		TargetWeights: map[string]decimal.Decimal{"AAPL": pct(0.5), "MSFT": pct(0.4), "CASH_LIKE": pct(0.1)},
		Account: domain.AccountSnapshot{
			Cash:           decimal.NewFromInt(10100),
			PortfolioValue: decimal.NewFromInt(100000),
		},
		Timestamp: time.Now(),
	}

	plan, err := stage.Plan(in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var totalBuy decimal.Decimal
	for _, item := range plan.Items {
		if item.Action == domain.ActionBuy {
			totalBuy = totalBuy.Add(item.TradeAmount)
		}
	}
	if totalBuy.GreaterThan(decimal.NewFromInt(8100)) {
		t.Errorf("scaled total buy = %s, want <= deployable 8100", totalBuy)
	}
}

func TestShardPlanOrdersSellsBeforeBuys(t *testing.T) {
	plan := domain.RebalancePlan{
		PlanID:        "plan-1",
		CorrelationID: "corr-5",
		Items: []domain.RebalancePlanItem{
			{Symbol: "AAPL", Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(1000), Priority: 3},
			{Symbol: "TSLA", Action: domain.ActionSell, TradeAmount: decimal.NewFromInt(-2000), Priority: 1},
			{Symbol: "MSFT", Action: domain.ActionHold, Priority: 5},
		},
	}

	trades, run := portfolio.ShardPlan(plan, time.Hour)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2 (HOLD excluded)", len(trades))
	}
	if trades[0].Phase != domain.PhaseSell {
		t.Errorf("trades[0].Phase = %s, want SELL first", trades[0].Phase)
	}
	if trades[1].Phase != domain.PhaseBuy {
		t.Errorf("trades[1].Phase = %s, want BUY second", trades[1].Phase)
	}
	if run.TotalTrades != 2 {
		t.Errorf("run.TotalTrades = %d, want 2", run.TotalTrades)
	}
	if run.Status != domain.RunStatusPending {
		t.Errorf("run.Status = %s, want PENDING", run.Status)
	}
	if len(run.SellTradeIDs) != 1 || run.SellTradeIDs[0] != trades[0].TradeID {
		t.Errorf("run.SellTradeIDs = %v, want [%s]", run.SellTradeIDs, trades[0].TradeID)
	}
}
