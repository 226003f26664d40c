// Package signal implements the Signal Stage: for each configured strategy,
// invoke its (externally supplied) pure evaluation function and consolidate
// the resulting target-allocation vectors into one portfolio-wide weight
// map. The strategy DSL evaluator itself is out of scope; this
// package only normalizes, dust-filters, and weight-merges its output.
package signal

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/errs"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// weightSumTolerance is the ±0.01 tolerance allowed around 1.0 for a
// normalized weight vector.
var weightSumTolerance = decimal.NewFromFloat(0.01)

// dustThreshold is the per-symbol weight below which a strategy's own
// allocation is dropped before renormalization.
var dustThreshold = decimal.NewFromFloat(0.0005)

// Evaluator is the external strategy DSL boundary: a pure function from
// market data (opaque to this package) and a resolution timestamp to a
// target-weight vector. Concrete evaluators live outside this module.
type Evaluator interface {
	StrategyID() string
	Evaluate(ctx context.Context, asOf time.Time) (map[string]decimal.Decimal, error)
}

// StrategyWeight pairs a configured strategy with its consolidation share
// (a_i in weighted-merge formula).
type StrategyWeight struct {
	Evaluator Evaluator
	Share     decimal.Decimal
}

// Result is the Signal Stage's output: the consolidated portfolio plus the
// individual strategy allocations it was built from.
type Result struct {
	Consolidated        domain.ConsolidatedPortfolio
	StrategyAllocations []domain.StrategyAllocation
}

// Config controls partial-failure tolerance across strategies.
type Config struct {
	MinStrategiesForPartial int
}

// Stage runs the Signal Stage for one resolution timestamp.
type Stage struct {
	logger *zap.Logger
	cfg    Config
}

// NewStage constructs a Signal Stage.
func NewStage(logger *zap.Logger, cfg Config) *Stage {
	if cfg.MinStrategiesForPartial <= 0 {
		cfg.MinStrategiesForPartial = 1
	}
	return &Stage{logger: logger, cfg: cfg}
}

// Generate evaluates every configured strategy and consolidates the
// results. If one of N>1 strategies fails and at least
// MinStrategiesForPartial strategies still succeeded, the stage continues
// with the survivors; otherwise it fails the whole signal with a
// KindDataUnavailable error.
func (s *Stage) Generate(ctx context.Context, correlationID string, strategies []StrategyWeight, asOf time.Time) (Result, error) {
	if len(strategies) == 0 {
		return Result{}, errs.Validation("signal", "Generate", correlationID, "", "no strategies configured")
	}

	var allocations []domain.StrategyAllocation
	var survivingShares []decimal.Decimal
	var failures int

	for _, sw := range strategies {
		raw, err := sw.Evaluator.Evaluate(ctx, asOf)
		if err != nil {
			failures++
			s.logger.Warn("strategy evaluation failed",
				zap.String("strategy_id", sw.Evaluator.StrategyID()),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			continue
		}

		weights, err := normalize(raw)
		if err != nil {
			failures++
			s.logger.Warn("strategy weights failed normalization",
				zap.String("strategy_id", sw.Evaluator.StrategyID()),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			continue
		}

		allocations = append(allocations, domain.StrategyAllocation{
			StrategyID:    sw.Evaluator.StrategyID(),
			CorrelationID: correlationID,
			Timestamp:     asOf,
			Weights:       weights,
			SchemaVersion: domain.SchemaVersion,
		})
		survivingShares = append(survivingShares, sw.Share)
	}

	if len(allocations) == 0 {
		return Result{}, errs.DataUnavailable("signal", "Generate", correlationID, errAllStrategiesFailed)
	}
	if len(strategies) > 1 && failures > 0 && len(allocations) < s.cfg.MinStrategiesForPartial {
		return Result{}, errs.DataUnavailable("signal", "Generate", correlationID, errMinStrategiesNotMet)
	}

	consolidated, err := consolidate(correlationID, asOf, allocations, survivingShares)
	if err != nil {
		return Result{}, err
	}

	return Result{Consolidated: consolidated, StrategyAllocations: allocations}, nil
}

// normalize uppercases/trims symbols, rejects duplicates and negative
// weights, drops dust, and rescales the remainder to sum to 1.0.
func normalize(raw map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	cleaned := make(map[string]decimal.Decimal, len(raw))
	for symbol, weight := range raw {
		sym := utils.NormalizeSymbol(symbol)
		if sym == "" {
			continue
		}
		if weight.IsNegative() {
			return nil, errWeightNegative
		}
		if _, dup := cleaned[sym]; dup {
			return nil, errDuplicateSymbol
		}
		cleaned[sym] = weight
	}

	total := decimal.Zero
	for sym, w := range cleaned {
		if w.LessThan(dustThreshold) {
			delete(cleaned, sym)
			continue
		}
		total = total.Add(w)
	}

	if total.IsZero() {
		return nil, errAllDust
	}

	out := make(map[string]decimal.Decimal, len(cleaned))
	for sym, w := range cleaned {
		out[sym] = w.Div(total)
	}
	return out, nil
}

// consolidate implements weighted merge: consolidated(s) =
// sum_i share_i * weight_i(s), then rescales the result to sum to 1.0±0.01.
func consolidate(correlationID string, asOf time.Time, allocations []domain.StrategyAllocation, shares []decimal.Decimal) (domain.ConsolidatedPortfolio, error) {
	shareTotal := decimal.Zero
	for _, sh := range shares {
		shareTotal = shareTotal.Add(sh)
	}
	if shareTotal.IsZero() {
		return domain.ConsolidatedPortfolio{}, errs.Planning("signal", "consolidate", correlationID, "", errZeroShareTotal)
	}

	merged := make(map[string]decimal.Decimal)
	contributing := make([]string, 0, len(allocations))
	for i, alloc := range allocations {
		normalizedShare := shares[i].Div(shareTotal)
		contributing = append(contributing, alloc.StrategyID)
		for sym, w := range alloc.Weights {
			merged[sym] = merged[sym].Add(normalizedShare.Mul(w))
		}
	}

	total := decimal.Zero
	for _, w := range merged {
		total = total.Add(w)
	}
	if !total.IsZero() {
		for sym, w := range merged {
			merged[sym] = w.Div(total)
		}
	}

	if err := validateConsolidated(merged); err != nil {
		return domain.ConsolidatedPortfolio{}, errs.Planning("signal", "consolidate", correlationID, "", err)
	}

	sort.Strings(contributing)
	return domain.ConsolidatedPortfolio{
		CorrelationID:          correlationID,
		Timestamp:              asOf,
		Weights:                merged,
		ContributingStrategies: contributing,
		SchemaVersion:          domain.SchemaVersion,
	}, nil
}

func validateConsolidated(weights map[string]decimal.Decimal) error {
	total := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() || w.GreaterThan(decimal.NewFromInt(1)) {
			return errWeightOutOfRange
		}
		total = total.Add(w)
	}
	lower := decimal.NewFromInt(1).Sub(weightSumTolerance)
	upper := decimal.NewFromInt(1).Add(weightSumTolerance)
	if total.LessThan(lower) || total.GreaterThan(upper) {
		return errWeightSumOutOfTolerance
	}
	return nil
}

// NewCorrelationID generates a fresh workflow-level correlation identifier,
// the root of the causation chain every downstream event must propagate.
func NewCorrelationID() string { return uuid.NewString() }
