package quotes_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
)

// fakeFeed never succeeds at dialing a stream, forcing every GetQuote call
// onto the REST fallback path; that's enough to exercise staleness and
// eviction without a real WebSocket server.
type fakeFeed struct {
	restCalls int
	quote     domain.Quote
	dialErr   error
}

func (f *fakeFeed) DialQuoteStream(_ context.Context) (*websocket.Conn, error) {
	return nil, f.dialErr
}

func (f *fakeFeed) RESTQuote(_ context.Context, symbol string) (domain.Quote, error) {
	f.restCalls++
	q := f.quote
	q.Symbol = symbol
	q.Timestamp = time.Now()
	return q, nil
}

func newFeed() *fakeFeed {
	return &fakeFeed{
		quote: domain.Quote{
			BidPrice: decimal.NewFromFloat(150.00),
			AskPrice: decimal.NewFromFloat(150.10),
		},
	}
}

func TestGetQuoteFallsBackToRESTWhenNoStreamTick(t *testing.T) {
	feed := newFeed()
	cache := quotes.NewCache(zap.NewNop(), feed, quotes.DefaultConfig())

	q, err := cache.GetQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Symbol != "AAPL" {
		t.Errorf("symbol = %s, want AAPL", q.Symbol)
	}
	if feed.restCalls != 1 {
		t.Errorf("rest calls = %d, want 1", feed.restCalls)
	}
}

func TestSubscribeEvictsLRUWhenAtCapacity(t *testing.T) {
	feed := newFeed()
	feed.dialErr = context.DeadlineExceeded // force Subscribe's dial to fail silently for this test's purposes
	cache := quotes.NewCache(zap.NewNop(), feed, quotes.Config{MaxSymbols: 2, StaleAfter: time.Second})
	ctx := context.Background()

	cache.Subscribe(ctx, "AAPL")
	cache.Unsubscribe("AAPL")
	cache.Subscribe(ctx, "MSFT")
	cache.Unsubscribe("MSFT")

	if cache.Len() != 2 {
		t.Fatalf("len = %d, want 2 before third subscribe", cache.Len())
	}

	cache.Subscribe(ctx, "GOOG")

	if cache.Len() != 2 {
		t.Errorf("len = %d, want 2 after eviction", cache.Len())
	}
}

func TestMarkOpenOrderExemptsFromEviction(t *testing.T) {
	feed := newFeed()
	feed.dialErr = context.DeadlineExceeded
	cache := quotes.NewCache(zap.NewNop(), feed, quotes.Config{MaxSymbols: 1, StaleAfter: time.Second})
	ctx := context.Background()

	cache.Subscribe(ctx, "AAPL")
	cache.Unsubscribe("AAPL")
	cache.MarkOpenOrder("AAPL", true)

	cache.Subscribe(ctx, "MSFT")
	cache.Unsubscribe("MSFT")

	if cache.Len() != 2 {
		t.Errorf("len = %d, want 2 (AAPL exempted from eviction by open order)", cache.Len())
	}
}
