// Package portfolio implements the Portfolio Stage: consolidating a target
// weight vector against the live account into a RebalancePlan, and, in
// sharded-execution mode, lifting that plan's non-HOLD items into
// independent TradeMessages plus an initialized run record.
package portfolio

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/errs"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// weightSumTolerance is the ±0.01 tolerance a consolidated portfolio's
// weights are allowed to sum within.
var weightSumTolerance = decimal.NewFromFloat(0.01)

var hundred = decimal.NewFromInt(100)

// Params carries the configuration knobs the rebalance planning algorithm
// consults.
type Params struct {
	MinTradeAmountUSD decimal.Decimal
	CashReservePct    decimal.Decimal
	MinCashReserveUSD decimal.Decimal
}

// Input bundles the consolidated target weights with the account snapshot
// the Portfolio stage plans against.
type Input struct {
	CorrelationID       string
	CausationID         string
	TargetWeights       map[string]decimal.Decimal
	Positions           []domain.PositionSnapshot
	Account             domain.AccountSnapshot
	Timestamp           time.Time
}

// Stage plans rebalances for one account snapshot at a time.
type Stage struct {
	logger *zap.Logger
	params Params
}

// NewStage constructs a Portfolio stage.
func NewStage(logger *zap.Logger, params Params) *Stage {
	return &Stage{logger: logger, params: params}
}

// Plan computes a RebalancePlan via a five-step diff, sizing, priority,
// capital-scaling, and dust-filter algorithm.
func (s *Stage) Plan(in Input) (domain.RebalancePlan, error) {
	if err := validateWeights(in.TargetWeights); err != nil {
		return domain.RebalancePlan{}, errs.Planning("portfolio", "Plan", in.CorrelationID, in.CausationID, err)
	}
	if in.Account.PortfolioValue.IsZero() {
		return domain.RebalancePlan{}, errs.Planning("portfolio", "Plan", in.CorrelationID, in.CausationID, errZeroPortfolioValue)
	}

	currentValue := make(map[string]decimal.Decimal, len(in.Positions))
	currentWeight := make(map[string]decimal.Decimal, len(in.Positions))
	for _, pos := range in.Positions {
		currentValue[pos.Symbol] = pos.MarketValue
		currentWeight[pos.Symbol] = pos.MarketValue.Div(in.Account.PortfolioValue)
	}

	symbols := unionSymbols(currentValue, in.TargetWeights)

	items := make([]domain.RebalancePlanItem, 0, len(symbols))
	for _, sym := range symbols {
		targetWeight := in.TargetWeights[sym]
		curValue := currentValue[sym]
		curWeight := currentWeight[sym]
		targetValue := in.Account.PortfolioValue.Mul(targetWeight)
		tradeAmount := targetValue.Sub(curValue)

		// spec.md §8's boundary test is explicit: a trade_amount exactly at
		// MIN_TRADE_AMOUNT is HOLD (inclusive boundary favors inaction), so
		// only a strictly greater magnitude trades.
		action := domain.ActionHold
		if tradeAmount.GreaterThan(s.params.MinTradeAmountUSD) {
			action = domain.ActionBuy
		} else if tradeAmount.Neg().GreaterThan(s.params.MinTradeAmountUSD) {
			action = domain.ActionSell
		} else {
			tradeAmount = decimal.Zero
		}

		items = append(items, domain.RebalancePlanItem{
			Symbol:        sym,
			CurrentWeight: curWeight,
			TargetWeight:  targetWeight,
			WeightDiff:    targetWeight.Sub(curWeight),
			CurrentValue:  curValue,
			TargetValue:   targetValue,
			TradeAmount:   tradeAmount,
			Action:        action,
		})
	}

	assignPriorities(items)
	applyDeployableCapital(items, in.Account, s.params)

	totalTradeValue := decimal.Zero
	for _, item := range items {
		totalTradeValue = totalTradeValue.Add(item.TradeAmount.Abs())
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })

	plan := domain.RebalancePlan{
		PlanID:              uuid.NewString(),
		CorrelationID:       in.CorrelationID,
		CausationID:         in.CausationID,
		Timestamp:           in.Timestamp,
		Items:               items,
		TotalPortfolioValue: in.Account.PortfolioValue,
		TotalTradeValue:     totalTradeValue,
		Metadata:            map[string]string{},
		SchemaVersion:       domain.SchemaVersion,
	}
	return plan, nil
}

// assignPriorities implements step 3: priority 1 for a
// position being fully exited, descending toward 5 for tiny rebalances,
// ranked by the magnitude of the weight change. Ties break lexicographically
// by symbol, which the caller's subsequent sort provides.
func assignPriorities(items []domain.RebalancePlanItem) {
	for i := range items {
		item := &items[i]
		if item.Action == domain.ActionHold {
			item.Priority = 5
			continue
		}
		if item.TargetWeight.IsZero() && item.CurrentValue.IsPositive() {
			item.Priority = 1
			continue
		}
		diff := item.WeightDiff.Abs()
		switch {
		case diff.GreaterThanOrEqual(decimal.NewFromFloat(0.20)):
			item.Priority = 2
		case diff.GreaterThanOrEqual(decimal.NewFromFloat(0.10)):
			item.Priority = 3
		case diff.GreaterThanOrEqual(decimal.NewFromFloat(0.05)):
			item.Priority = 4
		default:
			item.Priority = 5
		}
	}
}

// applyDeployableCapital implements step 4: scale all BUY
// amounts proportionally if their sum would exceed cash plus expected sell
// proceeds, less the cash reserve.
func applyDeployableCapital(items []domain.RebalancePlanItem, account domain.AccountSnapshot, params Params) {
	totalBuy := decimal.Zero
	totalSellProceeds := decimal.Zero
	for _, item := range items {
		switch item.Action {
		case domain.ActionBuy:
			totalBuy = totalBuy.Add(item.TradeAmount)
		case domain.ActionSell:
			totalSellProceeds = totalSellProceeds.Add(item.TradeAmount.Abs())
		}
	}
	if totalBuy.IsZero() {
		return
	}

	reserve := params.MinCashReserveUSD
	pctReserve := params.CashReservePct.Mul(account.PortfolioValue)
	if pctReserve.GreaterThan(reserve) {
		reserve = pctReserve
	}

	deployable := utils.MaxDecimal(account.Cash.Add(totalSellProceeds).Sub(reserve), decimal.Zero)

	if totalBuy.LessThanOrEqual(deployable) {
		return
	}

	scale := deployable.Div(totalBuy)
	for i := range items {
		if items[i].Action == domain.ActionBuy {
			items[i].TradeAmount = utils.MaxDecimal(items[i].TradeAmount.Mul(scale), decimal.Zero)
			if items[i].TradeAmount.LessThanOrEqual(params.MinTradeAmountUSD) {
				items[i].TradeAmount = decimal.Zero
				items[i].Action = domain.ActionHold
			}
		}
	}
}

func unionSymbols(a map[string]decimal.Decimal, b map[string]decimal.Decimal) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for sym := range a {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	for sym := range b {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func validateWeights(weights map[string]decimal.Decimal) error {
	total := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() {
			return errNegativeWeight
		}
		total = total.Add(w)
	}
	if len(weights) == 0 {
		return nil // an all-exit rebalance (target = empty book) is valid
	}
	lower := decimal.NewFromInt(1).Sub(weightSumTolerance)
	upper := decimal.NewFromInt(1).Add(weightSumTolerance)
	if total.LessThan(lower) || total.GreaterThan(upper) {
		return errWeightsNotNormalized
	}
	return nil
}

// ShardPlan lifts plan's non-HOLD items into independent TradeMessages for
// sharded dispatch, and builds the run record Execution will consult.
// SequenceNumber ordering guarantees sells precede buys within the run.
func ShardPlan(plan domain.RebalancePlan, runTTL time.Duration) ([]domain.TradeMessage, *domain.RunRecord) {
	nonHold := plan.NonHoldItems()
	trades := make([]domain.TradeMessage, 0, len(nonHold))
	tradeIDs := make([]string, 0, len(nonHold))
	sellTradeIDs := make([]string, 0, len(nonHold))

	for _, item := range nonHold {
		phase := domain.PhaseBuy
		if item.Action == domain.ActionSell {
			phase = domain.PhaseSell
		}
		tradeID := uuid.NewString()
		tradeIDs = append(tradeIDs, tradeID)
		if phase == domain.PhaseSell {
			sellTradeIDs = append(sellTradeIDs, tradeID)
		}

		trades = append(trades, domain.TradeMessage{
			RunID:               plan.PlanID,
			TradeID:             tradeID,
			PlanID:              plan.PlanID,
			CorrelationID:       plan.CorrelationID,
			CausationID:         plan.PlanID,
			Symbol:              item.Symbol,
			Action:              item.Action,
			TradeAmount:         item.TradeAmount,
			Phase:               phase,
			SequenceNumber:      domain.SequenceNumber(phase, item.Priority),
			Priority:            item.Priority,
			TotalPortfolioValue: plan.TotalPortfolioValue,
			RunTimestamp:        plan.Timestamp,
			Metadata:            map[string]string{},
			SchemaVersion:       domain.SchemaVersion,
		})
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].SequenceNumber < trades[j].SequenceNumber })

	run := &domain.RunRecord{
		RunID:           plan.PlanID,
		PlanID:          plan.PlanID,
		CorrelationID:   plan.CorrelationID,
		Status:          domain.RunStatusPending,
		TotalTrades:     len(trades),
		PendingTradeIDs: tradeIDs,
		SellTradeIDs:    sellTradeIDs,
		DayTradedValue:  decimal.Zero,
		CreatedAt:       time.Now(),
		TTL:             runTTL,
	}

	return trades, run
}

// PercentString formats a weight as a human-readable percentage, for log
// fields and operator-facing output.
func PercentString(w decimal.Decimal) string {
	return w.Mul(hundred).StringFixed(2) + "%"
}
