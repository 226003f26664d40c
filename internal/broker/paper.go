package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// simulatedSlippagePct is applied to the order's limit price, or to the
// reference quote's mid price when the order has none, in both directions,
// mirroring a conservative fill assumption for paper mode.
var simulatedSlippagePct = decimal.NewFromFloat(0.0025)

// simulatedCommissionPct approximates a typical equities commission.
var simulatedCommissionPct = decimal.NewFromFloat(0.001)

// PaperOrder tracks a simulated order's lifecycle entirely in memory.
type PaperOrder struct {
	order    domain.ExecutedOrder
	symbol   string
}

// PaperBroker simulates fills against a caller-supplied quote source instead
// of a real venue, for the engine's "paper" operating mode.
type PaperBroker struct {
	logger *zap.Logger
	quotes QuoteSource

	mu        sync.Mutex
	orders    map[string]*PaperOrder
	positions map[string]domain.PositionSnapshot
	cash      decimal.Decimal

	updates chan TradeUpdate
}

// QuoteSource is the minimal read surface PaperBroker needs to price a fill;
// internal/quotes.Cache satisfies this.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// NewPaperBroker constructs a paper broker seeded with startingCash.
func NewPaperBroker(logger *zap.Logger, quotes QuoteSource, startingCash decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		logger:    logger,
		quotes:    quotes,
		orders:    make(map[string]*PaperOrder),
		positions: make(map[string]domain.PositionSnapshot),
		cash:      startingCash,
		updates:   make(chan TradeUpdate, 1000),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) Connect(_ context.Context) error    { return nil }
func (p *PaperBroker) Disconnect() error                  { return nil }
func (p *PaperBroker) IsConnected() bool                  { return true }
func (p *PaperBroker) IsMarketOpen(_ context.Context) (bool, error) { return true, nil }

// SubmitOrder simulates an immediate fill against the current quote,
// applying simulated slippage and commission the way the executor this
// package is grounded on does for its paper-trading path.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	quote, err := p.quotes.GetQuote(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("paper broker: get quote for %s: %w", req.Symbol, err)
	}

	qty := req.Quantity
	refPrice := quote.Mid()
	if req.LimitPrice.IsPositive() {
		refPrice = req.LimitPrice
	}
	if qty.IsZero() && req.NotionalAmount.IsPositive() {
		qty = req.NotionalAmount.Div(refPrice).Truncate(6)
	}

	fillPrice := refPrice
	if req.Side == domain.ActionBuy {
		fillPrice = refPrice.Mul(decimal.NewFromInt(1).Add(simulatedSlippagePct))
	} else {
		fillPrice = refPrice.Mul(decimal.NewFromInt(1).Sub(simulatedSlippagePct))
	}

	commission := qty.Mul(fillPrice).Mul(simulatedCommissionPct)

	orderID := uuid.NewString()
	now := time.Now()
	order := domain.ExecutedOrder{
		OrderID:            orderID,
		Symbol:             req.Symbol,
		Side:               req.Side,
		RequestedQuantity:  qty,
		FilledQuantity:     qty,
		AverageFillPrice:   fillPrice,
		Status:             domain.OrderStatusFilled,
		AttemptCount:       1,
		SubmissionStrategy: req.Type,
		CorrelationID:      req.CorrelationID,
		TradeID:            req.TradeID,
		SubmittedAt:        now,
		LastUpdateAt:       now,
		TerminalAt:         &now,
	}

	p.mu.Lock()
	p.orders[orderID] = &PaperOrder{order: order, symbol: req.Symbol}
	p.applyFill(req.Side, req.Symbol, qty, fillPrice, commission)
	p.mu.Unlock()

	p.logger.Info("paper order filled",
		zap.String("order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("qty", qty.String()),
		zap.String("fill_price", fillPrice.String()),
	)

	select {
	case p.updates <- TradeUpdate{OrderID: orderID, Status: domain.OrderStatusFilled, FilledQty: qty, AvgPrice: fillPrice, EventType: "FILL", Timestamp: now}:
	default:
	}

	return orderID, nil
}

func (p *PaperBroker) applyFill(side domain.Action, symbol string, qty, price, commission decimal.Decimal) {
	notional := qty.Mul(price)
	pos := p.positions[symbol]
	pos.Symbol = symbol

	if side == domain.ActionBuy {
		p.cash = p.cash.Sub(notional).Sub(commission)
		newQty := pos.Quantity.Add(qty)
		if newQty.IsPositive() {
			pos.AveragePrice = pos.AveragePrice.Mul(pos.Quantity).Add(notional).Div(newQty)
		}
		pos.Quantity = newQty
	} else {
		p.cash = p.cash.Add(notional).Sub(commission)
		pos.Quantity = pos.Quantity.Sub(qty)
	}
	pos.MarketValue = pos.Quantity.Mul(price)
	p.positions[symbol] = pos
}

func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper broker: order %s not found", orderID)
	}
	// Paper fills are instantaneous, so by the time a cancel arrives the
	// order is already terminal; this is a no-op kept for interface parity.
	_ = po
	return nil
}

func (p *PaperBroker) GetOrder(_ context.Context, orderID string) (*domain.ExecutedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper broker: order %s not found", orderID)
	}
	order := po.order
	return &order, nil
}

func (p *PaperBroker) GetOpenOrders(_ context.Context, symbol string) ([]*domain.ExecutedOrder, error) {
	// All paper orders fill immediately in SubmitOrder, so there are never
	// any open orders to report.
	return nil, nil
}

func (p *PaperBroker) GetPositions(_ context.Context) ([]domain.PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PositionSnapshot, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperBroker) GetAccount(_ context.Context) (domain.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.MarketValue)
	}
	return domain.AccountSnapshot{
		Cash:           p.cash,
		Equity:         equity,
		BuyingPower:    p.cash,
		PortfolioValue: equity,
		UpdatedAt:      time.Now(),
	}, nil
}

func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return p.quotes.GetQuote(ctx, symbol)
}

func (p *PaperBroker) GetBars(_ context.Context, _ string, _ string, _ int) ([]domain.Bar, error) {
	return nil, fmt.Errorf("paper broker: historical bars not supported")
}

func (p *PaperBroker) SubscribeTradeUpdates(ctx context.Context) (<-chan TradeUpdate, error) {
	return p.updates, nil
}
