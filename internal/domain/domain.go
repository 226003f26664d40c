// Package domain holds the core pipeline DTOs that flow between the Signal,
// Portfolio, and Execution stages: strategy allocations, rebalance plans,
// trade messages, run records, and executed orders. Every monetary or weight
// field is a decimal.Decimal; nothing here uses native floats.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every wire DTO so downstream consumers can
// detect an incompatible producer before decoding fields.
const SchemaVersion = "1.0"

// Action classifies a rebalance plan item or trade message.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Phase groups trades within a run for sequencing: all SELL trades carry a
// lower sequence_number than any BUY trade in the same run.
type Phase string

const (
	PhaseSell Phase = "SELL"
	PhaseBuy  Phase = "BUY"
)

// RunStatus is the lifecycle state of an execution run record.
type RunStatus string

const (
	RunStatusPending             RunStatus = "PENDING"
	RunStatusRunning             RunStatus = "RUNNING"
	RunStatusCompleted           RunStatus = "COMPLETED"
	RunStatusCompletedWithErrors RunStatus = "COMPLETED_WITH_ERRORS"
	RunStatusFailed              RunStatus = "FAILED"
)

// TradeStatus is the lifecycle state of a single trade's per-trade record.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusRunning   TradeStatus = "RUNNING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// OrderStatus mirrors the broker's reported order state machine.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status ends an order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// SubmissionStrategy records how an executed order reached the broker.
type SubmissionStrategy string

const (
	SubmissionLimit     SubmissionStrategy = "LIMIT"
	SubmissionMarket    SubmissionStrategy = "MARKET"
	SubmissionLiquidate SubmissionStrategy = "LIQUIDATE"
)

// StrategyAllocation is the target-weight vector produced by one strategy's
// evaluation for one resolution timestamp. Weights are normalized: symbols
// uppercase and trimmed, no duplicates, weights in [0,1] summing to 1.0±0.01.
type StrategyAllocation struct {
	StrategyID    string
	CorrelationID string
	Timestamp     time.Time
	Weights       map[string]decimal.Decimal
	SchemaVersion string
}

// ConsolidatedPortfolio is the weighted merge of one or more strategy
// allocations, carrying the same weight invariants as its inputs.
type ConsolidatedPortfolio struct {
	CorrelationID         string
	Timestamp             time.Time
	Weights               map[string]decimal.Decimal
	ContributingStrategies []string
	SchemaVersion         string
}

// RebalancePlanItem is one symbol's row in a rebalance plan.
type RebalancePlanItem struct {
	Symbol        string
	CurrentWeight decimal.Decimal
	TargetWeight  decimal.Decimal
	WeightDiff    decimal.Decimal
	CurrentValue  decimal.Decimal
	TargetValue   decimal.Decimal
	TradeAmount   decimal.Decimal
	Action        Action
	Priority      int
}

// RebalancePlan is the immutable output of the Portfolio stage.
type RebalancePlan struct {
	PlanID            string
	CorrelationID     string
	CausationID       string
	Timestamp         time.Time
	Items             []RebalancePlanItem
	TotalPortfolioValue decimal.Decimal
	TotalTradeValue   decimal.Decimal
	Metadata          map[string]string
	SchemaVersion     string
}

// NonHoldItems returns the items whose Action is not HOLD, in the order they
// appear in the plan.
func (p RebalancePlan) NonHoldItems() []RebalancePlanItem {
	out := make([]RebalancePlanItem, 0, len(p.Items))
	for _, item := range p.Items {
		if item.Action != ActionHold {
			out = append(out, item)
		}
	}
	return out
}

// TradeMessage lifts one non-HOLD plan item into its own envelope for
// sharded dispatch. SequenceNumber encodes the sell-before-buy invariant:
// (phase==SELL ? 1000 : 2000) + priority.
type TradeMessage struct {
	RunID               string
	TradeID             string
	PlanID              string
	CorrelationID       string
	CausationID         string
	Symbol              string
	Action              Action
	TradeAmount         decimal.Decimal
	Phase               Phase
	SequenceNumber      int
	Priority            int
	TotalPortfolioValue decimal.Decimal
	RunTimestamp        time.Time
	Metadata            map[string]string
	SchemaVersion       string
}

// SequenceNumber computes the sell-before-buy ordering key for a phase and
// priority, per the invariant in the data model.
func SequenceNumber(phase Phase, priority int) int {
	base := 2000
	if phase == PhaseSell {
		base = 1000
	}
	return base + priority
}

// RunRecord is the durable record of one execution run, mutated monotonically
// by execution workers as trades complete.
type RunRecord struct {
	RunID                    string
	PlanID                   string
	CorrelationID            string
	Status                   RunStatus
	TotalTrades              int
	CompletedTrades          int
	SucceededTrades          int
	FailedTrades             int
	PendingTradeIDs          []string
	RunningTradeIDs          []string
	CompletedTradeIDs        []string
	FailedTradeIDs           []string
	SellTradeIDs             []string
	DayTradedValue           decimal.Decimal
	CompletionPublishedFlag  bool
	CreatedAt                time.Time
	CompletedAt              *time.Time
	TTL                      time.Duration
}

// PerTradeStatus is a child record of a run tracking one trade's lifecycle.
type PerTradeStatus struct {
	TradeID     string
	Symbol      string
	Action      Action
	Phase       Phase
	Status      TradeStatus
	OrderID     string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ExecutedOrder is a broker-side object submitted for one trade. A trade may
// produce multiple ExecutedOrder records across re-peg attempts, linked by
// TradeID and an increasing AttemptCount.
type ExecutedOrder struct {
	OrderID            string
	Symbol             string
	Side               Action
	RequestedQuantity  decimal.Decimal
	FilledQuantity     decimal.Decimal
	AverageFillPrice   decimal.Decimal
	Status             OrderStatus
	AttemptCount       int
	SubmissionStrategy SubmissionStrategy
	CorrelationID      string
	TradeID            string
	SubmittedAt        time.Time
	LastUpdateAt       time.Time
	TerminalAt         *time.Time
}

// Quote is the inside market for a symbol at a point in time.
type Quote struct {
	Symbol       string
	BidPrice     decimal.Decimal
	AskPrice     decimal.Decimal
	BidSize      decimal.Decimal
	AskSize      decimal.Decimal
	Timestamp    time.Time
	StalenessAge time.Duration
}

// Mid returns the midpoint of the quote.
func (q Quote) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// SpreadBps returns the spread in basis points of the mid price. Returns
// zero when the mid is zero rather than dividing by zero.
func (q Quote) SpreadBps() decimal.Decimal {
	mid := q.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

// Valid reports whether the quote passes the structural checks required
// before it can be used for pricing: positive bid and ask, ask not below
// bid.
func (q Quote) Valid() bool {
	return q.BidPrice.IsPositive() && q.AskPrice.IsPositive() && !q.AskPrice.LessThan(q.BidPrice)
}

// PositionSnapshot is a broker-reported open position, as consumed by the
// Portfolio stage's current-value computation.
type PositionSnapshot struct {
	Symbol       string
	Quantity     decimal.Decimal
	MarketValue  decimal.Decimal
	AveragePrice decimal.Decimal
}

// AccountSnapshot summarizes the broker account state the Portfolio stage
// needs for the deployable-capital discipline: cash, equity, buying power.
type AccountSnapshot struct {
	Cash          decimal.Decimal
	Equity        decimal.Decimal
	BuyingPower   decimal.Decimal
	PortfolioValue decimal.Decimal
	UpdatedAt     time.Time
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// TradeLedgerEntry is an optional append-only row recording one attempted
// trade, independent of the run record's lifecycle bookkeeping.
type TradeLedgerEntry struct {
	TradeID             string
	RunID               string
	CorrelationID       string
	Symbol              string
	Side                Action
	RequestedQuantity   decimal.Decimal
	FilledQuantity      decimal.Decimal
	AverageFillPrice    decimal.Decimal
	Status              TradeStatus
	StrategyAttribution []string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Event type names carried on the event bus envelope. Handlers switch on
// these to decode the correct payload.
const (
	EventSignalGenerated = "SignalGenerated"
	EventRebalancePlanned = "RebalancePlanned"
	EventTradeMessage     = "TradeMessage"
	EventWorkflowCompleted = "WorkflowCompleted"
	EventWorkflowFailed   = "WorkflowFailed"
)

// WorkflowCompleted is the completion event published exactly once per run,
// by whichever worker wins the completion-flag CAS.
type WorkflowCompleted struct {
	CorrelationID    string
	RunID            string
	Status           RunStatus
	SucceededTrades  int
	FailedTrades     int
	TotalTradedValue decimal.Decimal
	DurationMs       int64
}

// WorkflowFailed is emitted only when a run cannot complete at all, e.g. a
// planning error or total broker outage.
type WorkflowFailed struct {
	CorrelationID string
	RunID         string
	ErrorKind     string
	ErrorMessage  string
	FailedStage   string
}
