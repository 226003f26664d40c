package execution

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/errs"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

// validateTradeMessage performs the structural checks required before a
// trade message is allowed into the pipeline at all.
func validateTradeMessage(trade domain.TradeMessage) error {
	if trade.Symbol == "" || trade.TradeID == "" || trade.RunID == "" {
		return errInvalidTradeMessage
	}
	if trade.Action != domain.ActionBuy && trade.Action != domain.ActionSell {
		return errInvalidTradeMessage
	}
	if trade.TradeAmount.IsZero() {
		return errInvalidTradeMessage
	}
	return nil
}

// preTradeGate runs the mandatory gates in order: the per-order size cap,
// the daily traded value ceiling, and (unless bypassed) the venue's
// open/closed state. The first one that rejects wins and its reason is
// attached to the returned error. The daily gate adds the amount to the
// day's total when it admits the trade, so a trade then rejected as
// market-closed still counts toward that total.
func preTradeGate(ctx context.Context, store runstate.Store, br broker.Adapter, params Params, trade domain.TradeMessage, day string) error {
	amount := trade.TradeAmount.Abs()

	if amount.GreaterThan(params.MaxSingleOrderUSD) {
		return errs.Gating("execution", "preTradeGate", trade.CorrelationID, trade.TradeID, errs.GatingOrderTooLarge, map[string]any{
			"trade_id":  trade.TradeID,
			"amount":    amount.String(),
			"max_order": params.MaxSingleOrderUSD.String(),
		})
	}

	if err := store.IncrementDailyTradedValue(ctx, day, amount, params.MaxDailyTradeValueUSD); err != nil {
		var limitErr *runstate.ErrDailyLimitExceeded
		if errors.As(err, &limitErr) {
			return errs.Gating("execution", "preTradeGate", trade.CorrelationID, trade.TradeID, errs.GatingDailyLimitExceeded, map[string]any{
				"trade_id":  trade.TradeID,
				"attempted": limitErr.Attempted.String(),
				"limit":     limitErr.Limit.String(),
			})
		}
		return errs.BrokerTransient("execution", "preTradeGate", trade.CorrelationID, trade.TradeID, err)
	}

	if !params.BypassMarketHours {
		open, err := br.IsMarketOpen(ctx)
		if err != nil {
			return errs.BrokerTransient("execution", "preTradeGate", trade.CorrelationID, trade.TradeID, err)
		}
		if !open {
			return errs.Gating("execution", "preTradeGate", trade.CorrelationID, trade.TradeID, errs.GatingMarketClosed, map[string]any{
				"trade_id": trade.TradeID,
			})
		}
	}

	return nil
}

// alreadySettled reports whether tradeID appears in run's completed or
// failed sets, the idempotency check required before any retry or
// redelivery re-executes a trade.
func alreadySettled(run *domain.RunRecord, tradeID string) bool {
	for _, id := range run.CompletedTradeIDs {
		if id == tradeID {
			return true
		}
	}
	for _, id := range run.FailedTradeIDs {
		if id == tradeID {
			return true
		}
	}
	return false
}

// RiskGate is an optional layer ahead of the mandatory gates: a pluggable
// check a deployment can install
// to reject trades on portfolio-level risk grounds (concentration, exposure
// caps) without touching the mandatory daily-limit/order-size/market-hours
// gates above.
type RiskGate interface {
	Check(ctx context.Context, trade domain.TradeMessage, account domain.AccountSnapshot) error
}

// NoopRiskGate allows every trade through; the default when no risk gate is
// configured.
type NoopRiskGate struct{}

func (NoopRiskGate) Check(context.Context, domain.TradeMessage, domain.AccountSnapshot) error { return nil }

// ConcentrationRiskGate rejects a BUY whose trade amount alone exceeds
// MaxSymbolWeight of the account's portfolio value; the symbol's existing
// position is not counted.
type ConcentrationRiskGate struct {
	MaxSymbolWeight decimal.Decimal
}

func (g ConcentrationRiskGate) Check(_ context.Context, trade domain.TradeMessage, account domain.AccountSnapshot) error {
	if trade.Action != domain.ActionBuy || account.PortfolioValue.IsZero() {
		return nil
	}
	postTradeWeight := trade.TradeAmount.Div(account.PortfolioValue)
	if postTradeWeight.GreaterThan(g.MaxSymbolWeight) {
		return errs.Gating("execution", "ConcentrationRiskGate", trade.CorrelationID, trade.TradeID, errs.GatingOrderTooLarge, map[string]any{
			"trade_id":      trade.TradeID,
			"symbol":        trade.Symbol,
			"post_weight":   postTradeWeight.String(),
			"max_weight":    g.MaxSymbolWeight.String(),
		})
	}
	return nil
}
