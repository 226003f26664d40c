package execution_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

// fakeBroker fills every order immediately, at its limit price or at $100
// when it has none, so the
// pipeline's first attempt always succeeds without needing to exercise the
// re-peg loop.
type fakeBroker struct {
	mu         sync.Mutex
	orders     map[string]*domain.ExecutedOrder
	updates    chan broker.TradeUpdate
	nextID     int
	marketOpen bool
	submitErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders:     make(map[string]*domain.ExecutedOrder),
		updates:    make(chan broker.TradeUpdate, 100),
		marketOpen: true,
	}
}

func (b *fakeBroker) Name() string                        { return "fake" }
func (b *fakeBroker) Connect(context.Context) error        { return nil }
func (b *fakeBroker) Disconnect() error                    { return nil }
func (b *fakeBroker) IsConnected() bool                    { return true }
func (b *fakeBroker) CancelOrder(context.Context, string) error { return nil }

func (b *fakeBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.mu.Lock()
	b.nextID++
	orderID := fmt.Sprintf("order-%d", b.nextID)

	qty := req.Quantity
	price := req.LimitPrice
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}
	if qty.IsZero() && !req.NotionalAmount.IsZero() {
		qty = req.NotionalAmount.Div(price)
	}

	order := &domain.ExecutedOrder{
		OrderID:          orderID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		FilledQuantity:   qty,
		AverageFillPrice: price,
		Status:           domain.OrderStatusFilled,
	}
	b.orders[orderID] = order
	b.mu.Unlock()

	b.updates <- broker.TradeUpdate{
		OrderID:   orderID,
		Status:    domain.OrderStatusFilled,
		FilledQty: qty,
		AvgPrice:  price,
		EventType: "FILL",
		Timestamp: time.Now(),
	}
	return orderID, nil
}

func (b *fakeBroker) GetOrder(_ context.Context, orderID string) (*domain.ExecutedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, errors.New("fakeBroker: order not found")
	}
	return o, nil
}

func (b *fakeBroker) GetOpenOrders(context.Context, string) ([]*domain.ExecutedOrder, error) {
	return nil, nil
}
func (b *fakeBroker) GetPositions(context.Context) ([]domain.PositionSnapshot, error) { return nil, nil }
func (b *fakeBroker) GetAccount(context.Context) (domain.AccountSnapshot, error) {
	return domain.AccountSnapshot{}, nil
}
func (b *fakeBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromInt(99),
		AskPrice:  decimal.NewFromInt(101),
		Timestamp: time.Now(),
	}, nil
}
func (b *fakeBroker) GetBars(context.Context, string, string, int) ([]domain.Bar, error) { return nil, nil }
func (b *fakeBroker) SubscribeTradeUpdates(context.Context) (<-chan broker.TradeUpdate, error) {
	return b.updates, nil
}
func (b *fakeBroker) IsMarketOpen(context.Context) (bool, error) { return b.marketOpen, nil }

type fakeFeed struct{ br *fakeBroker }

func (f fakeFeed) DialQuoteStream(context.Context) (*websocket.Conn, error) {
	return nil, errors.New("fakeFeed: no streaming connection in tests")
}
func (f fakeFeed) RESTQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return f.br.GetQuote(ctx, symbol)
}

func testParams() execution.Params {
	return execution.Params{
		BuyTimeout:             2 * time.Second,
		SellTimeout:            2 * time.Second,
		MaxRepegsPerOrder:      1,
		RepegInterval:          50 * time.Millisecond,
		QuoteTimeout:           time.Second,
		SpreadWideBps:          decimal.NewFromInt(50),
		PegAggressivenessBuy:   decimal.NewFromFloat(0.75),
		PegAggressivenessSell:  decimal.NewFromFloat(0.85),
		ClosePositionThreshold: decimal.NewFromFloat(0.01),
		MaxSingleOrderUSD:      decimal.NewFromInt(100000),
		MaxDailyTradeValueUSD:  decimal.NewFromInt(500000),
		BypassMarketHours:      true,
	}
}

func newTestExecutor(t *testing.T, br *fakeBroker, params execution.Params) (*execution.Executor, runstate.Store) {
	t.Helper()
	store := runstate.NewMemoryStore()
	qc := quotes.NewCache(zap.NewNop(), fakeFeed{br: br}, quotes.DefaultConfig())
	exec := execution.NewExecutor(zap.NewNop(), br, qc, store, nil, nil, params)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go exec.Start(ctx)

	return exec, store
}

func seedRun(t *testing.T, store runstate.Store, runID string, tradeIDs []string) {
	t.Helper()
	run := &domain.RunRecord{
		RunID:           runID,
		Status:          domain.RunStatusPending,
		TotalTrades:     len(tradeIDs),
		PendingTradeIDs: tradeIDs,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seedRun CreateRun: %v", err)
	}
}

func TestExecuteTradeFillsAndMarksCompleted(t *testing.T) {
	br := newFakeBroker()
	exec, store := newTestExecutor(t, br, testParams())

	seedRun(t, store, "run-1", []string{"trade-1"})
	trade := domain.TradeMessage{
		RunID: "run-1", TradeID: "trade-1", Symbol: "AAPL",
		Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(1000), Phase: domain.PhaseBuy,
	}

	status, err := exec.ExecuteTrade(context.Background(), trade, domain.AccountSnapshot{PortfolioValue: decimal.NewFromInt(100000)}, nil)
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if status.Status != domain.TradeStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", status.Status)
	}

	run, err := store.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.SucceededTrades != 1 {
		t.Errorf("SucceededTrades = %d, want 1", run.SucceededTrades)
	}
	if !run.CompletionPublishedFlag {
		t.Errorf("CompletionPublishedFlag = false, want true after last trade completes")
	}
}

func TestExecuteTradeFailsGatingWhenOrderTooLarge(t *testing.T) {
	br := newFakeBroker()
	params := testParams()
	params.MaxSingleOrderUSD = decimal.NewFromInt(100)
	exec, store := newTestExecutor(t, br, params)

	seedRun(t, store, "run-2", []string{"trade-2"})
	trade := domain.TradeMessage{
		RunID: "run-2", TradeID: "trade-2", Symbol: "AAPL",
		Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(1000), Phase: domain.PhaseBuy,
	}

	status, err := exec.ExecuteTrade(context.Background(), trade, domain.AccountSnapshot{}, nil)
	if err != nil {
		t.Fatalf("ExecuteTrade returned infrastructure error: %v", err)
	}
	if status.Status != domain.TradeStatusFailed {
		t.Fatalf("status = %s, want FAILED", status.Status)
	}
	if status.Error == "" {
		t.Error("expected a non-empty gating error message")
	}
}

func TestExecuteTradeSkipsAlreadySettledTrade(t *testing.T) {
	br := newFakeBroker()
	exec, store := newTestExecutor(t, br, testParams())

	seedRun(t, store, "run-3", []string{"trade-3"})
	completed := domain.PerTradeStatus{TradeID: "trade-3", Status: domain.TradeStatusCompleted}
	if err := store.MarkCompleted(context.Background(), "run-3", completed, true); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	trade := domain.TradeMessage{RunID: "run-3", TradeID: "trade-3", Symbol: "AAPL", Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(500)}
	status, err := exec.ExecuteTrade(context.Background(), trade, domain.AccountSnapshot{}, nil)
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if status.Status != domain.TradeStatusCompleted {
		t.Errorf("status = %s, want COMPLETED (idempotent replay)", status.Status)
	}
	if br.nextID != 0 {
		t.Errorf("broker should not have been called for an already-settled trade, got %d submissions", br.nextID)
	}
}

func TestExecuteTradeRejectsMarketClosedUnlessBypassed(t *testing.T) {
	br := newFakeBroker()
	br.marketOpen = false
	params := testParams()
	params.BypassMarketHours = false
	exec, store := newTestExecutor(t, br, params)

	seedRun(t, store, "run-4", []string{"trade-4"})
	trade := domain.TradeMessage{RunID: "run-4", TradeID: "trade-4", Symbol: "AAPL", Action: domain.ActionBuy, TradeAmount: decimal.NewFromInt(500)}

	status, err := exec.ExecuteTrade(context.Background(), trade, domain.AccountSnapshot{}, nil)
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if status.Status != domain.TradeStatusFailed {
		t.Errorf("status = %s, want FAILED when market is closed", status.Status)
	}
}
