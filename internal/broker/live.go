package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// slidingWindowLimiter enforces a requests-per-second ceiling on outbound
// broker REST calls using a local sliding window of request timestamps.
type slidingWindowLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
}

func newSlidingWindowLimiter(requestsPerSecond int) *slidingWindowLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 200
	}
	return &slidingWindowLimiter{limit: requestsPerSecond, window: time.Second}
}

// Wait blocks until a slot is available or ctx is canceled.
func (l *slidingWindowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.window)
		kept := l.requests[:0]
		for _, t := range l.requests {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.requests = kept

		if len(l.requests) < l.limit {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return nil
		}
		retryAfter := l.requests[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// LiveConfig configures the live equities broker adapter.
type LiveConfig struct {
	BaseURL        string
	StreamURL      string
	QuoteStreamURL string
	APIKey         string
	APISecret      string
	RateLimitRPS   int
	HTTPTimeout    time.Duration
}

// LiveBroker is a REST + WebSocket adapter for a live equities broker. The
// wire format below is intentionally generic (a signed-header REST API plus
// a JSON trade-update WebSocket stream); a concrete broker integration fills
// in request/response shapes without changing this file's structure.
type LiveBroker struct {
	logger  *zap.Logger
	cfg     LiveConfig
	http    *http.Client
	limiter *slidingWindowLimiter

	mu        sync.RWMutex
	connected bool
	conn      *websocket.Conn
	updates   chan TradeUpdate
}

// NewLiveBroker constructs a LiveBroker; Connect must be called before use.
func NewLiveBroker(logger *zap.Logger, cfg LiveConfig) *LiveBroker {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &LiveBroker{
		logger:  logger,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: newSlidingWindowLimiter(cfg.RateLimitRPS),
		updates: make(chan TradeUpdate, 1000),
	}
}

func (b *LiveBroker) Name() string { return "live" }

// Connect dials the trade-update WebSocket stream and starts a background
// reader that demultiplexes events into the updates channel. On disconnect
// it retries the dial up to five times with backoff; if all fail, the
// reader stops and no further updates arrive.
func (b *LiveBroker) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("broker: dial trade-update stream: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	go b.readLoop(ctx)
	return nil
}

func (b *LiveBroker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			b.logger.Warn("trade-update stream disconnected, reconnecting", zap.Error(err))
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()
			if !b.reconnect(ctx) {
				return
			}
			continue
		}

		var update TradeUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			b.logger.Error("failed to decode trade update", zap.Error(err))
			continue
		}

		select {
		case b.updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

func (b *LiveBroker) reconnect(ctx context.Context) bool {
	retryCfg := utils.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 16 * time.Second, Multiplier: 2.0}
	conn, err := utils.Retry(retryCfg, func() (*websocket.Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.StreamURL, nil)
		return conn, err
	})
	if err != nil {
		return false
	}
	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()
	return true
}

func (b *LiveBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *LiveBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *LiveBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	// A concrete broker integration builds the signed REST request here
	// (symbol, side, type, quantity/notional, limit price, client_order_id)
	// and parses the broker's order_id out of the response body.
	return "", fmt.Errorf("broker: live order submission requires a concrete broker integration")
}

func (b *LiveBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return fmt.Errorf("broker: live order cancellation requires a concrete broker integration")
}

func (b *LiveBroker) GetOrder(ctx context.Context, orderID string) (*domain.ExecutedOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("broker: live order query requires a concrete broker integration")
}

func (b *LiveBroker) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.ExecutedOrder, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("broker: live open-orders query requires a concrete broker integration")
}

func (b *LiveBroker) GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("broker: live positions query requires a concrete broker integration")
}

func (b *LiveBroker) GetAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.AccountSnapshot{}, err
	}
	return domain.AccountSnapshot{}, fmt.Errorf("broker: live account query requires a concrete broker integration")
}

func (b *LiveBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{}, fmt.Errorf("broker: live REST quote snapshot requires a concrete broker integration")
}

func (b *LiveBroker) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("broker: live bars query requires a concrete broker integration")
}

func (b *LiveBroker) SubscribeTradeUpdates(_ context.Context) (<-chan TradeUpdate, error) {
	return b.updates, nil
}

// DialQuoteStream opens the broker's inbound market-data WebSocket, used by
// internal/quotes.Cache to satisfy the quotes.Feed interface. It is a
// separate connection from the trade-update stream: one is this process's
// outbound order lifecycle feed, the other is inbound price ticks.
func (b *LiveBroker) DialQuoteStream(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.QuoteStreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial quote stream: %w", err)
	}
	return conn, nil
}

// RESTQuote fetches a single-shot quote snapshot, the fallback path
// quotes.Cache uses when no fresh WebSocket tick is available.
func (b *LiveBroker) RESTQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return b.GetQuote(ctx, symbol)
}

func (b *LiveBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	hour := now.Hour()
	weekday := now.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return false, nil
	}
	// Approximate 14:30-21:00 UTC (9:30-16:00 ET) without DST correction; a
	// concrete integration replaces this with the broker's calendar endpoint.
	return hour >= 14 && hour < 21, nil
}
