package execution

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/broker"
)

// updateHub demultiplexes the broker's single trade-update stream into
// per-order channels, so each in-flight order's monitor loop only sees its
// own events instead of filtering every update itself.
type updateHub struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]chan broker.TradeUpdate
}

func newUpdateHub(logger *zap.Logger) *updateHub {
	return &updateHub{logger: logger, subs: make(map[string]chan broker.TradeUpdate)}
}

// run consumes br's trade-update stream until ctx is canceled or the stream
// closes, fanning each update out to the channel registered for its
// order_id, if any. Call once, in a background goroutine, per broker
// connection.
func (h *updateHub) run(ctx context.Context, br broker.Adapter) error {
	updates, err := br.SubscribeTradeUpdates(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			h.dispatch(update)
		}
	}
}

func (h *updateHub) dispatch(update broker.TradeUpdate) {
	h.mu.Lock()
	ch, ok := h.subs[update.OrderID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- update:
	default:
		h.logger.Warn("trade update dropped, subscriber not draining", zap.String("order_id", update.OrderID))
	}
}

// register opens a buffered channel for orderID's updates. The caller must
// call unregister once it stops reading.
func (h *updateHub) register(orderID string) <-chan broker.TradeUpdate {
	ch := make(chan broker.TradeUpdate, 32)
	h.mu.Lock()
	h.subs[orderID] = ch
	h.mu.Unlock()
	return ch
}

func (h *updateHub) unregister(orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[orderID]; ok {
		delete(h.subs, orderID)
		close(ch)
	}
}

// fillAggregate accumulates the volume-weighted average fill price across
// every submission attempt for one trade_id: a re-peg cancels one order and
// opens a new one, but the partial fill from the canceled attempt still
// counts toward the trade's final executed quantity and price.
type fillAggregate struct {
	totalQty      decimal.Decimal
	totalNotional decimal.Decimal
	attempts      int
}

func (f *fillAggregate) addAttempt(filledQty, avgPrice decimal.Decimal) {
	f.attempts++
	if filledQty.IsZero() {
		return
	}
	f.totalQty = f.totalQty.Add(filledQty)
	f.totalNotional = f.totalNotional.Add(filledQty.Mul(avgPrice))
}

func (f *fillAggregate) vwap() decimal.Decimal {
	if f.totalQty.IsZero() {
		return decimal.Zero
	}
	return f.totalNotional.Div(f.totalQty)
}
