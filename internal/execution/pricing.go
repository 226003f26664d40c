package execution

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// equityTickSize is the minimum price increment US equities trade in; a peg
// price below a dollar in principle trades in finer increments, but pegging
// to the cent is the safe default absent a per-symbol tick table.
var equityTickSize = decimal.NewFromFloat(0.01)

// isCloseOut reports whether a SELL trade's magnitude is within
// params.ClosePositionThreshold of the full current position, in which case
// the broker's native close-position primitive is used instead of a
// notional or quantity order.
func isCloseOut(trade domain.TradeMessage, positionValue decimal.Decimal, threshold decimal.Decimal) bool {
	if trade.Action != domain.ActionSell || positionValue.IsZero() {
		return false
	}
	diff := positionValue.Sub(trade.TradeAmount.Abs()).Abs()
	return diff.Div(positionValue).LessThanOrEqual(threshold)
}

// buildOrderRequest computes the size for one submission attempt. BUYs are
// submitted as notional dollar orders so the broker handles fractional
// shares; SELLs are submitted as share quantities derived from the trade
// amount and the current quote, except for a close-out, which always uses
// the broker's native close-position primitive regardless of attempt count.
func buildOrderRequest(trade domain.TradeMessage, quote domain.Quote, positionValue decimal.Decimal, params Params, limitPrice decimal.Decimal, strategy domain.SubmissionStrategy, clientOrderID string) broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          trade.Action,
		Type:          strategy,
		TradeID:       trade.TradeID,
		CorrelationID: trade.CorrelationID,
		ClientOrderID: clientOrderID,
	}

	if isCloseOut(trade, positionValue, params.ClosePositionThreshold) {
		req.ClosePosition = true
		return req
	}

	switch trade.Action {
	case domain.ActionBuy:
		req.NotionalAmount = trade.TradeAmount
	case domain.ActionSell:
		if !quote.Mid().IsZero() {
			req.Quantity = trade.TradeAmount.Abs().Div(quote.Mid())
		}
	}

	if strategy == domain.SubmissionLimit {
		req.LimitPrice = limitPrice
	}
	return req
}

// reduceByFilled shrinks req's size fields by what agg has already filled
// across prior attempts for the same trade_id, so a re-peg or market
// fallback only asks the broker for the unfilled remainder (spec.md
// §4.3.3 step 5: "resubmit the unfilled quantity"). A close-position
// request is left untouched — it always targets the full remaining
// position by definition.
func reduceByFilled(req *broker.OrderRequest, requestedQty decimal.Decimal, agg *fillAggregate) {
	switch {
	case req.ClosePosition:
		return
	case req.Quantity.IsPositive():
		remaining := requestedQty.Sub(agg.totalQty)
		if remaining.IsPositive() {
			req.Quantity = remaining
		}
	case req.NotionalAmount.IsPositive():
		remaining := req.NotionalAmount.Sub(agg.totalNotional)
		if remaining.IsPositive() {
			req.NotionalAmount = remaining
		}
	}
}

// pegAggressiveness returns the base aggressiveness for side, and converging
// toward 1.0 (cross the spread) as re-peg attempts accumulate. The initial
// wide-spread check happens once, before the pipeline enters this loop at
// all (spec.md §4.3.3 step 1); this halving is a secondary guard against the
// spread widening between re-peg attempts after that initial check passed.
func pegAggressiveness(side domain.Action, quote domain.Quote, params Params, attempt int) decimal.Decimal {
	base := params.PegAggressivenessBuy
	if side == domain.ActionSell {
		base = params.PegAggressivenessSell
	}

	if quote.SpreadBps().GreaterThan(params.SpreadWideBps) {
		base = base.Mul(decimal.NewFromFloat(0.5))
	}

	step := decimal.NewFromFloat(0.1).Mul(decimal.NewFromInt(int64(attempt)))
	return utils.ClampDecimal(base.Add(step), decimal.Zero, decimal.NewFromInt(1))
}

// computeLimitPrice pegs the limit price between bid and ask according to
// aggressiveness (0 is the passive touch, 1 crosses all the way to the
// opposite side's price), then rounds down to the tradable tick so the
// broker never rejects a sub-penny limit.
func computeLimitPrice(side domain.Action, quote domain.Quote, aggressiveness decimal.Decimal) decimal.Decimal {
	spread := quote.Spread()
	var price decimal.Decimal
	if side == domain.ActionBuy {
		price = quote.BidPrice.Add(spread.Mul(aggressiveness))
	} else {
		price = quote.AskPrice.Sub(spread.Mul(aggressiveness))
	}
	return utils.RoundToTickSize(price, equityTickSize)
}
