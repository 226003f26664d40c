// Package broker defines the capability surface Execution consumes: submit/
// cancel/query orders, a trade-update stream, and positions/account/quotes/
// bars. Two implementations are provided: a paper adapter that simulates
// fills for the "paper" operating mode, and a live equities adapter skeleton
// for "live" mode.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// OrderRequest describes one order to submit, in whichever submission
// strategy Execution has chosen for the current attempt.
type OrderRequest struct {
	Symbol             string
	Side               domain.Action
	Type               domain.SubmissionStrategy
	Quantity           decimal.Decimal // zero when NotionalAmount is set
	NotionalAmount      decimal.Decimal // dollar amount, for notional BUY orders
	LimitPrice         decimal.Decimal // zero for market orders
	ClosePosition      bool            // use the broker's native close-position primitive
	TradeID            string
	CorrelationID      string
	ClientOrderID      string
}

// TradeUpdate is one state transition delivered on the trade-update stream.
type TradeUpdate struct {
	OrderID   string
	Status    domain.OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	EventType string // NEW, FILL, PARTIAL_FILL, CANCELED, REJECTED, EXPIRED, DONE_FOR_DAY
	Timestamp time.Time
}

// Adapter is the broker capability surface consumed by Execution.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// SubmitOrder places req and returns the broker-assigned order_id.
	SubmitOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*domain.ExecutedOrder, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*domain.ExecutedOrder, error)

	GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error)
	GetAccount(ctx context.Context) (domain.AccountSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
	GetBars(ctx context.Context, symbol string, timeframe string, limit int) ([]domain.Bar, error)

	// SubscribeTradeUpdates returns a channel of trade-update events for all
	// in-flight orders, multiplexed by order_id. Neither adapter in this
	// package closes the channel; the live adapter stops sending once its
	// stream cannot be re-established, so consumers also watch ctx.
	SubscribeTradeUpdates(ctx context.Context) (<-chan TradeUpdate, error)

	// IsMarketOpen reports whether the venue is currently accepting orders.
	IsMarketOpen(ctx context.Context) (bool, error)
}

// RateLimitError is returned by an Adapter when the broker's rate limiter
// rejects a call; RetryAfter carries the server hint if present.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "broker: rate limited" }
