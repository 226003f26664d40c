package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/signal"
)

type fakeEvaluator struct {
	id      string
	weights map[string]decimal.Decimal
	err     error
}

func (f fakeEvaluator) StrategyID() string { return f.id }

func (f fakeEvaluator) Evaluate(_ context.Context, _ time.Time) (map[string]decimal.Decimal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.weights, nil
}

func pct(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestGenerateConsolidatesTwoStrategiesByShare(t *testing.T) {
	stage := signal.NewStage(zap.NewNop(), signal.Config{})

	strategies := []signal.StrategyWeight{
		{Evaluator: fakeEvaluator{id: "momentum", weights: map[string]decimal.Decimal{"aapl": pct(1.0)}}, Share: pct(0.5)},
		{Evaluator: fakeEvaluator{id: "value", weights: map[string]decimal.Decimal{"msft": pct(1.0)}}, Share: pct(0.5)},
	}

	result, err := stage.Generate(context.Background(), "corr-1", strategies, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(result.StrategyAllocations) != 2 {
		t.Fatalf("allocations = %d, want 2", len(result.StrategyAllocations))
	}

	w := result.Consolidated.Weights
	if !w["AAPL"].Equal(pct(0.5)) {
		t.Errorf("AAPL weight = %s, want 0.5", w["AAPL"])
	}
	if !w["MSFT"].Equal(pct(0.5)) {
		t.Errorf("MSFT weight = %s, want 0.5", w["MSFT"])
	}
}

func TestGenerateContinuesOnPartialFailure(t *testing.T) {
	stage := signal.NewStage(zap.NewNop(), signal.Config{MinStrategiesForPartial: 1})

	strategies := []signal.StrategyWeight{
		{Evaluator: fakeEvaluator{id: "broken", err: errBoom}, Share: pct(0.5)},
		{Evaluator: fakeEvaluator{id: "value", weights: map[string]decimal.Decimal{"msft": pct(1.0)}}, Share: pct(0.5)},
	}

	result, err := stage.Generate(context.Background(), "corr-1", strategies, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.StrategyAllocations) != 1 {
		t.Fatalf("allocations = %d, want 1 survivor", len(result.StrategyAllocations))
	}
	if !result.Consolidated.Weights["MSFT"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("MSFT weight = %s, want 1", result.Consolidated.Weights["MSFT"])
	}
}

func TestGenerateFailsWhenAllStrategiesFail(t *testing.T) {
	stage := signal.NewStage(zap.NewNop(), signal.Config{})

	strategies := []signal.StrategyWeight{
		{Evaluator: fakeEvaluator{id: "broken", err: errBoom}, Share: pct(1.0)},
	}

	_, err := stage.Generate(context.Background(), "corr-1", strategies, time.Now())
	if err == nil {
		t.Fatal("expected error when every strategy fails")
	}
}

func TestGenerateDropsDustAndRenormalizes(t *testing.T) {
	stage := signal.NewStage(zap.NewNop(), signal.Config{})

	strategies := []signal.StrategyWeight{
		{Evaluator: fakeEvaluator{id: "one", weights: map[string]decimal.Decimal{
			"aapl": pct(0.999),
			"xyz":  pct(0.0001), // below dust threshold
		}}, Share: pct(1.0)},
	}

	result, err := stage.Generate(context.Background(), "corr-1", strategies, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok := result.Consolidated.Weights["XYZ"]; ok {
		t.Error("dust symbol XYZ should have been dropped")
	}
	if !result.Consolidated.Weights["AAPL"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("AAPL weight after renormalization = %s, want 1", result.Consolidated.Weights["AAPL"])
	}
}

var errBoom = errTestBoom{}

type errTestBoom struct{}

func (errTestBoom) Error() string { return "boom" }
