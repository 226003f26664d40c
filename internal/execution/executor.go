// Package execution implements the Execution stage: pre-trade gating, the
// smart limit pipeline (quote acquisition, sizing, peg pricing, submission,
// monitoring, re-peg, market fallback), run-state bookkeeping, and the
// completion detection that fires the workflow-level completion event
// exactly once per run.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/errs"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

// Params is the subset of config.Config the Execution stage consults. It is
// a separate type so this package does not import internal/config, keeping
// the dependency direction pointing inward from cmd/ toward the stages.
type Params struct {
	BuyTimeout             time.Duration
	SellTimeout            time.Duration
	MaxRepegsPerOrder      int
	RepegInterval          time.Duration
	QuoteTimeout           time.Duration
	SpreadWideBps          decimal.Decimal
	PegAggressivenessBuy   decimal.Decimal
	PegAggressivenessSell  decimal.Decimal
	ClosePositionThreshold decimal.Decimal
	MaxSingleOrderUSD      decimal.Decimal
	MaxDailyTradeValueUSD  decimal.Decimal
	BypassMarketHours      bool
	SettlementTimeout      time.Duration
}

// MetricsRecorder is the optional metrics sink an Executor reports into.
// internal/api's Metrics type satisfies this interface so the two packages
// never need to import each other.
type MetricsRecorder interface {
	RecordTrade(action, status string)
	RecordTradeFailure(reason string)
	RecordRunCompletion(status string)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) RecordTrade(string, string) {}
func (noopMetricsRecorder) RecordTradeFailure(string)  {}
func (noopMetricsRecorder) RecordRunCompletion(string) {}

// Executor runs the Execution stage for one trade at a time. It is safe for
// concurrent use: callers execute trades for the same run from multiple
// goroutines and rely on Executor and the run-state store to serialize the
// bookkeeping correctly.
type Executor struct {
	logger  *zap.Logger
	broker  broker.Adapter
	quotes  *quotes.Cache
	store   runstate.Store
	bus     *eventbus.Bus
	risk    RiskGate
	metrics MetricsRecorder
	params  Params

	hub *updateHub
}

// NewExecutor constructs an Executor. Start must be called once before any
// ExecuteTrade call so the trade-update demultiplexer is running.
func NewExecutor(logger *zap.Logger, br broker.Adapter, qc *quotes.Cache, store runstate.Store, bus *eventbus.Bus, risk RiskGate, params Params) *Executor {
	if risk == nil {
		risk = NoopRiskGate{}
	}
	return &Executor{
		logger:  logger,
		broker:  br,
		quotes:  qc,
		store:   store,
		bus:     bus,
		risk:    risk,
		metrics: noopMetricsRecorder{},
		params:  params,
		hub:     newUpdateHub(logger),
	}
}

// WithMetrics attaches a metrics sink and returns the Executor for chaining.
func (e *Executor) WithMetrics(m MetricsRecorder) *Executor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Start launches the background trade-update demultiplexer. It blocks until
// ctx is canceled or the broker stream fails, so call it in its own
// goroutine; a failure is logged and does not panic the process, since a
// lost update stream degrades monitoring to the repeg-interval poll rather
// than stopping execution outright.
func (e *Executor) Start(ctx context.Context) {
	if err := e.hub.run(ctx, e.broker); err != nil && ctx.Err() == nil {
		e.logger.Error("trade update stream ended", zap.Error(err))
	}
}

// ExecuteTrade runs one trade message through the full pipeline: idempotency
// check, gating, quote acquisition, sizing, the smart limit submit/monitor/
// re-peg/fallback loop, and run-state bookkeeping. It returns the per-trade
// status regardless of success or failure; only infrastructure errors that
// prevented the pipeline from reaching a verdict are returned as err.
func (e *Executor) ExecuteTrade(ctx context.Context, trade domain.TradeMessage, account domain.AccountSnapshot, positions []domain.PositionSnapshot) (domain.PerTradeStatus, error) {
	status := domain.PerTradeStatus{
		TradeID: trade.TradeID,
		Symbol:  trade.Symbol,
		Action:  trade.Action,
		Phase:   trade.Phase,
		Status:  domain.TradeStatusRunning,
	}
	now := time.Now()
	status.StartedAt = &now

	run, err := e.store.GetRun(ctx, trade.RunID)
	if err != nil {
		return status, fmt.Errorf("execution: load run %s: %w", trade.RunID, err)
	}
	if alreadySettled(run, trade.TradeID) {
		e.logger.Info("trade already settled, skipping",
			zap.String("trade_id", trade.TradeID), zap.String("run_id", trade.RunID))
		return e.priorStatus(run, trade.TradeID), nil
	}

	if err := validateTradeMessage(trade); err != nil {
		return e.fail(ctx, trade, status, errs.Validation("execution", "ExecuteTrade", trade.CorrelationID, trade.TradeID, err.Error()), nil)
	}

	if err := e.risk.Check(ctx, trade, account); err != nil {
		return e.fail(ctx, trade, status, err, nil)
	}

	if err := preTradeGate(ctx, e.store, e.broker, e.params, trade, runstate.DayKey(time.Now())); err != nil {
		return e.fail(ctx, trade, status, err, nil)
	}

	if err := e.store.MarkStarted(ctx, trade.RunID, trade.TradeID); err != nil {
		return status, fmt.Errorf("execution: mark started: %w", err)
	}

	order, filled, execErr := e.runSmartLimitPipeline(ctx, trade, positions)
	if execErr != nil {
		return e.fail(ctx, trade, status, execErr, order)
	}
	if !filled {
		// Re-pegs and the market fallback both ran but the cumulative fill
		// still came up short of the 99% threshold (spec.md §4.3.3 step 7):
		// still a terminal, completed trade, but one that counts against
		// failed_trades rather than succeeded_trades.
		return e.fail(ctx, trade, status, errPartialFill(trade, order), order)
	}

	status.Status = domain.TradeStatusCompleted
	status.OrderID = order.OrderID
	completedAt := time.Now()
	status.CompletedAt = &completedAt

	if err := e.store.MarkCompleted(ctx, trade.RunID, status, true); err != nil {
		return status, fmt.Errorf("execution: mark completed: %w", err)
	}
	e.appendLedger(ctx, trade, order, domain.TradeStatusCompleted)
	e.metrics.RecordTrade(string(trade.Action), string(domain.TradeStatusCompleted))
	e.checkCompletion(ctx, trade.RunID, trade.CorrelationID)

	return status, nil
}

// errPartialFill builds the KindExecutionTimeout error that marks a trade
// FAILED-partial: every re-peg and the market fallback ran to completion
// without error, but the cumulative fill never reached the 99% threshold.
func errPartialFill(trade domain.TradeMessage, order *domain.ExecutedOrder) error {
	data := map[string]any{"reason": "partial_fill"}
	if order != nil {
		data["filled_quantity"] = order.FilledQuantity.String()
		data["requested_quantity"] = order.RequestedQuantity.String()
	}
	return errs.ExecutionTimeout("execution", "runSmartLimitPipeline", trade.CorrelationID, trade.TradeID, data)
}

// fail finalizes status as FAILED, records it in the run-state store, and
// still runs completion detection: one failed trade does not block the rest
// of the run from reaching COMPLETED_WITH_ERRORS. order may be non-nil even
// on failure (a partial fill still produced a real broker order).
func (e *Executor) fail(ctx context.Context, trade domain.TradeMessage, status domain.PerTradeStatus, cause error, order *domain.ExecutedOrder) (domain.PerTradeStatus, error) {
	status.Status = domain.TradeStatusFailed
	status.Error = cause.Error()
	completedAt := time.Now()
	status.CompletedAt = &completedAt
	if order != nil {
		status.OrderID = order.OrderID
	}

	e.logger.Warn("trade execution failed",
		zap.String("trade_id", trade.TradeID),
		zap.String("symbol", trade.Symbol),
		zap.Error(cause),
	)

	if err := e.store.MarkCompleted(ctx, trade.RunID, status, false); err != nil {
		return status, fmt.Errorf("execution: mark completed (failure path): %w", err)
	}
	e.appendLedger(ctx, trade, order, domain.TradeStatusFailed)
	e.metrics.RecordTrade(string(trade.Action), string(domain.TradeStatusFailed))
	e.metrics.RecordTradeFailure(string(errs.KindOf(cause)))
	e.checkCompletion(ctx, trade.RunID, trade.CorrelationID)
	return status, nil
}

func (e *Executor) priorStatus(run *domain.RunRecord, tradeID string) domain.PerTradeStatus {
	status := domain.TradeStatusCompleted
	for _, id := range run.FailedTradeIDs {
		if id == tradeID {
			status = domain.TradeStatusFailed
		}
	}
	return domain.PerTradeStatus{TradeID: tradeID, Status: status}
}

// fillRatioThreshold is the spec.md §4.3.3 step 7 boundary: a trade whose
// cumulative fill reaches at least 99% of its requested quantity is a
// success; anything short, even after the market fallback, is a partial
// failure that still counts as a terminal, completed trade.
var fillRatioThreshold = decimal.NewFromFloat(0.99)

// runSmartLimitPipeline implements the smart limit order pipeline: quote
// acquisition, size computation, limit pricing, submit/monitor, re-peg up
// to MaxRepegsPerOrder, and a final market-order fallback. It always returns
// the best ExecutedOrder record it has, even when filled is false, so the
// caller can record the order_id and partial fill on the failure path too.
// err is non-nil when the quote could not be fetched or was invalid, or
// when the broker rejected a submission outright (no order to report).
func (e *Executor) runSmartLimitPipeline(ctx context.Context, trade domain.TradeMessage, positions []domain.PositionSnapshot) (order *domain.ExecutedOrder, filled bool, err error) {
	quoteCtx, cancel := context.WithTimeout(ctx, e.params.QuoteTimeout)
	quote, err := e.quotes.GetQuote(quoteCtx, trade.Symbol)
	cancel()
	if err != nil {
		return nil, false, errs.DataUnavailable("execution", "runSmartLimitPipeline", trade.CorrelationID, err)
	}
	if !quote.Valid() {
		return nil, false, errs.DataUnavailable("execution", "runSmartLimitPipeline", trade.CorrelationID, errQuoteInvalid)
	}

	positionValue := decimal.Zero
	for _, pos := range positions {
		if pos.Symbol == trade.Symbol {
			positionValue = pos.MarketValue
		}
	}

	requestedQty := requestedQuantity(trade, quote, positionValue, e.params.ClosePositionThreshold)

	timeout := e.params.BuyTimeout
	if trade.Action == domain.ActionSell {
		timeout = e.params.SellTimeout
	}
	pipelineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agg := &fillAggregate{}
	var lastOrderID string
	var lastStatus domain.OrderStatus
	attempts := 0

	// spec.md §4.3.3 step 1: a spread wider than SpreadWideBps of the mid is
	// not worth pegging into; skip straight to the market-order fallback
	// below instead of placing a limit order at all.
	wideSpread := quote.SpreadBps().GreaterThan(e.params.SpreadWideBps)
	if wideSpread {
		e.logger.Warn("spread too wide for limit pricing, falling through to market order",
			zap.String("symbol", trade.Symbol), zap.String("trade_id", trade.TradeID),
			zap.String("spread_bps", quote.SpreadBps().String()))
	}

	for attempt := 0; !wideSpread && attempt <= e.params.MaxRepegsPerOrder; attempt++ {
		aggressiveness := pegAggressiveness(trade.Action, quote, e.params, attempt)
		limitPrice := computeLimitPrice(trade.Action, quote, aggressiveness)
		req := buildOrderRequest(trade, quote, positionValue, e.params, limitPrice, domain.SubmissionLimit, fmt.Sprintf("%s-%d", trade.TradeID, attempt))
		reduceByFilled(&req, requestedQty, agg)

		orderID, submitErr := e.broker.SubmitOrder(pipelineCtx, req)
		if submitErr != nil {
			if agg.totalQty.IsZero() {
				return nil, false, classifySubmitErr(trade, submitErr)
			}
			// A prior attempt already has a partial fill on the books; report
			// it rather than discarding it behind a submit error.
			break
		}
		lastOrderID = orderID
		attempts++
		e.quotes.MarkOpenOrder(trade.Symbol, true)

		filledQty, avgPrice, status := e.monitorOrder(pipelineCtx, orderID)
		e.quotes.MarkOpenOrder(trade.Symbol, false)
		agg.addAttempt(filledQty, avgPrice)
		lastStatus = status

		if status == domain.OrderStatusFilled {
			break
		}

		_ = e.broker.CancelOrder(ctx, orderID)
		if refreshed, qErr := e.quotes.GetQuote(ctx, trade.Symbol); qErr == nil && refreshed.Valid() {
			quote = refreshed
		}

		select {
		case <-pipelineCtx.Done():
			order = e.toExecutedOrder(trade, lastOrderID, agg, lastStatus, domain.SubmissionLimit, attempts, requestedQty)
			return order, meetsFillThreshold(agg.totalQty, requestedQty), nil
		default:
		}

		if meetsFillThreshold(agg.totalQty, requestedQty) {
			break
		}
	}

	if !meetsFillThreshold(agg.totalQty, requestedQty) {
		// Market fallback: cross the spread unconditionally rather than leave
		// the trade unresolved after exhausting every re-peg attempt.
		req := buildOrderRequest(trade, quote, positionValue, e.params, decimal.Zero, domain.SubmissionMarket, trade.TradeID+"-market")
		reduceByFilled(&req, requestedQty, agg)
		orderID, submitErr := e.broker.SubmitOrder(pipelineCtx, req)
		if submitErr != nil {
			if agg.totalQty.IsZero() {
				return nil, false, classifySubmitErr(trade, submitErr)
			}
		} else {
			lastOrderID = orderID
			attempts++
			e.quotes.MarkOpenOrder(trade.Symbol, true)
			filledQty, avgPrice, status := e.monitorOrder(pipelineCtx, orderID)
			e.quotes.MarkOpenOrder(trade.Symbol, false)
			agg.addAttempt(filledQty, avgPrice)
			lastStatus = status
		}
	}

	order = e.toExecutedOrder(trade, lastOrderID, agg, lastStatus, domain.SubmissionMarket, attempts, requestedQty)
	return order, meetsFillThreshold(agg.totalQty, requestedQty), nil
}

// meetsFillThreshold reports whether filledQty reaches the 99% fill-ratio
// success boundary. A zero requested quantity (a close-position order, whose
// size the broker determines) is always treated as fully requested once any
// fill is observed, since there is nothing to compare it against upfront.
func meetsFillThreshold(filledQty, requestedQty decimal.Decimal) bool {
	if requestedQty.IsZero() {
		return filledQty.IsPositive()
	}
	return filledQty.Div(requestedQty).GreaterThanOrEqual(fillRatioThreshold)
}

// requestedQuantity estimates the share quantity a trade targets, for the
// fill-ratio comparison of spec.md §4.3.3 step 7. Close-out sells report
// zero: the broker's close-position primitive fills the entire remaining
// position by definition, not a precomputed quantity.
func requestedQuantity(trade domain.TradeMessage, quote domain.Quote, positionValue, closeThreshold decimal.Decimal) decimal.Decimal {
	if isCloseOut(trade, positionValue, closeThreshold) {
		return decimal.Zero
	}
	mid := quote.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return trade.TradeAmount.Abs().Div(mid)
}

// monitorOrder waits on the update hub for orderID to reach a terminal
// state, up to RepegInterval, and polls GetOrder once if the stream yields
// nothing in time. It always returns the best information available, even
// on a non-terminal outcome, so the caller can decide whether to re-peg.
func (e *Executor) monitorOrder(ctx context.Context, orderID string) (filledQty, avgPrice decimal.Decimal, status domain.OrderStatus) {
	ch := e.hub.register(orderID)
	defer e.hub.unregister(orderID)

	deadline := time.NewTimer(e.params.RepegInterval)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.pollOrder(ctx, orderID)
		case <-deadline.C:
			return e.pollOrder(ctx, orderID)
		case update, ok := <-ch:
			if !ok {
				return e.pollOrder(ctx, orderID)
			}
			if update.Status.IsTerminal() {
				return update.FilledQty, update.AvgPrice, update.Status
			}
		}
	}
}

func (e *Executor) pollOrder(ctx context.Context, orderID string) (decimal.Decimal, decimal.Decimal, domain.OrderStatus) {
	order, err := e.broker.GetOrder(ctx, orderID)
	if err != nil || order == nil {
		return decimal.Zero, decimal.Zero, domain.OrderStatusNew
	}
	return order.FilledQuantity, order.AverageFillPrice, order.Status
}

func (e *Executor) toExecutedOrder(trade domain.TradeMessage, orderID string, agg *fillAggregate, status domain.OrderStatus, strategy domain.SubmissionStrategy, attempts int, requestedQty decimal.Decimal) *domain.ExecutedOrder {
	now := time.Now()
	return &domain.ExecutedOrder{
		OrderID:            orderID,
		Symbol:             trade.Symbol,
		Side:               trade.Action,
		RequestedQuantity:  requestedQty,
		FilledQuantity:     agg.totalQty,
		AverageFillPrice:   agg.vwap(),
		Status:             status,
		AttemptCount:       attempts,
		SubmissionStrategy: strategy,
		CorrelationID:      trade.CorrelationID,
		TradeID:            trade.TradeID,
		SubmittedAt:        now,
		LastUpdateAt:       now,
		TerminalAt:         &now,
	}
}

func classifySubmitErr(trade domain.TradeMessage, err error) error {
	if _, ok := err.(*broker.RateLimitError); ok {
		return errs.BrokerTransient("execution", "SubmitOrder", trade.CorrelationID, trade.TradeID, err)
	}
	return errs.BrokerPermanent("execution", "SubmitOrder", trade.CorrelationID, trade.TradeID, err)
}

func (e *Executor) appendLedger(ctx context.Context, trade domain.TradeMessage, order *domain.ExecutedOrder, status domain.TradeStatus) {
	entry := domain.TradeLedgerEntry{
		TradeID:       trade.TradeID,
		RunID:         trade.RunID,
		CorrelationID: trade.CorrelationID,
		Symbol:        trade.Symbol,
		Side:          trade.Action,
		Status:        status,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if order != nil {
		entry.FilledQuantity = order.FilledQuantity
		entry.AverageFillPrice = order.AverageFillPrice
	}
	if err := e.store.AppendLedgerEntry(ctx, entry); err != nil {
		e.logger.Warn("ledger append failed", zap.String("trade_id", trade.TradeID), zap.Error(err))
	}
}

// checkCompletion loads the run and, if every trade has reached a terminal
// state, attempts the write-once completion CAS and publishes the
// corresponding workflow event to whichever goroutine wins it.
func (e *Executor) checkCompletion(ctx context.Context, runID, correlationID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Warn("completion check: load run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if run.CompletedTrades < run.TotalTrades {
		return
	}

	won, err := e.store.TryClaimCompletion(ctx, runID)
	if err != nil || !won {
		return
	}

	status := domain.RunStatusCompleted
	if run.FailedTrades > 0 {
		status = domain.RunStatusCompletedWithErrors
	}
	e.metrics.RecordRunCompletion(string(status))

	if e.bus == nil {
		return
	}
	env := eventbus.NewEnvelope(runID+"-completed", domain.EventWorkflowCompleted, correlationID, runID, domain.WorkflowCompleted{
		CorrelationID:   correlationID,
		RunID:           runID,
		Status:          status,
		SucceededTrades: run.SucceededTrades,
		FailedTrades:    run.FailedTrades,
	})
	e.bus.Publish(env)
}
