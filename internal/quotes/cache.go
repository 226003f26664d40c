// Package quotes provides the real-time quote cache the smart limit pipeline
// prices off of: a shared map guarded by a reader-writer lock, fed by a
// broker market-data WebSocket and bounded to a configurable subscription
// set with LRU eviction that favors symbols carrying open orders.
package quotes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
)

// Feed is the broker's inbound market-data stream surface the cache dials.
type Feed interface {
	// DialQuoteStream opens the WebSocket connection used to subscribe to
	// and receive quote ticks for symbols.
	DialQuoteStream(ctx context.Context) (*websocket.Conn, error)
	// RESTQuote fetches a single-shot snapshot quote, used as a fallback
	// when the cached tick is missing or older than StaleAfter; GetQuote
	// falls back at once and does not wait for a fresh tick.
	RESTQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

type entry struct {
	quote      domain.Quote
	lastAccess time.Time
	openOrders int
}

// Cache is a process-wide, WebSocket-fed quote cache capped at MaxSymbols
// subscriptions. Subscriptions are reference-counted: the last worker to
// drop interest in a symbol releases its subscription slot.
type Cache struct {
	logger *zap.Logger
	feed   Feed

	maxSymbols int

	mu      sync.RWMutex
	entries map[string]*entry
	refs    map[string]int

	conn   *websocket.Conn
	connMu sync.Mutex

	staleAfter time.Duration
}

// Config configures the cache's capacity and staleness tolerance.
type Config struct {
	MaxSymbols int
	StaleAfter time.Duration
}

// DefaultConfig returns conservative defaults: 30 symbols, 2s staleness.
func DefaultConfig() Config {
	return Config{MaxSymbols: 30, StaleAfter: 2 * time.Second}
}

// NewCache constructs a quote cache backed by feed.
func NewCache(logger *zap.Logger, feed Feed, cfg Config) *Cache {
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 30
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Second
	}
	return &Cache{
		logger:     logger,
		feed:       feed,
		maxSymbols: cfg.MaxSymbols,
		entries:    make(map[string]*entry),
		refs:       make(map[string]int),
		staleAfter: cfg.StaleAfter,
	}
}

// Subscribe increments symbol's reference count, dialing the shared stream
// connection on first use and evicting an LRU symbol (favoring symbols with
// no open orders) if the cache is at capacity.
func (c *Cache) Subscribe(ctx context.Context, symbol string) error {
	c.mu.Lock()
	if _, ok := c.entries[symbol]; !ok {
		if len(c.entries) >= c.maxSymbols {
			c.evictLocked()
		}
		c.entries[symbol] = &entry{lastAccess: time.Now()}
	}
	c.refs[symbol]++
	c.mu.Unlock()

	return c.ensureConnected(ctx)
}

// Unsubscribe decrements symbol's reference count; the entry is only
// dropped from the cache by a subsequent eviction, not immediately, so a
// quick resubscribe within the same run doesn't re-pay the dial cost.
func (c *Cache) Unsubscribe(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[symbol] > 0 {
		c.refs[symbol]--
	}
}

// MarkOpenOrder records that symbol currently has an outstanding order,
// exempting it from LRU eviction until the order is cleared.
func (c *Cache) MarkOpenOrder(symbol string, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return
	}
	if open {
		e.openOrders++
	} else if e.openOrders > 0 {
		e.openOrders--
	}
}

// evictLocked removes the least-recently-used zero-refcount, no-open-order
// symbol. Called with mu held.
func (c *Cache) evictLocked() {
	var victim string
	var oldest time.Time
	for sym, e := range c.entries {
		if c.refs[sym] > 0 || e.openOrders > 0 {
			continue
		}
		if victim == "" || e.lastAccess.Before(oldest) {
			victim = sym
			oldest = e.lastAccess
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		delete(c.refs, victim)
		c.logger.Debug("quote cache evicted symbol", zap.String("symbol", victim))
	}
}

func (c *Cache) ensureConnected(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, err := c.feed.DialQuoteStream(ctx)
	if err != nil {
		return fmt.Errorf("quotes: dial stream: %w", err)
	}
	c.conn = conn
	go c.readLoop(ctx)
	return nil
}

func (c *Cache) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var tick domain.Quote
		if err := conn.ReadJSON(&tick); err != nil {
			c.logger.Warn("quote stream disconnected, reconnecting", zap.Error(err))
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		c.ingest(tick)
	}
}

func (c *Cache) reconnect(ctx context.Context) bool {
	retryCfg := utils.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 16 * time.Second, Multiplier: 2.0}
	conn, err := utils.Retry(retryCfg, func() (*websocket.Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return c.feed.DialQuoteStream(ctx)
	})
	if err != nil {
		return false
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return true
}

func (c *Cache) ingest(q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[q.Symbol]
	if !ok {
		return // not subscribed; drop
	}
	e.quote = q
	e.lastAccess = time.Now()
}

// GetQuote returns the freshest quote for symbol. If the cached tick is
// older than StaleAfter (or none has arrived), it falls back to a REST
// snapshot.
func (c *Cache) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	var cached domain.Quote
	if ok {
		cached = e.quote
	}
	c.mu.RUnlock()

	if ok && !cached.Timestamp.IsZero() && time.Since(cached.Timestamp) <= c.staleAfter {
		cached.StalenessAge = time.Since(cached.Timestamp)
		return cached, nil
	}

	quote, err := c.feed.RESTQuote(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quotes: rest fallback for %s: %w", symbol, err)
	}
	quote.StalenessAge = time.Since(quote.Timestamp)

	c.mu.Lock()
	if e, ok := c.entries[symbol]; ok {
		e.quote = quote
		e.lastAccess = time.Now()
	}
	c.mu.Unlock()

	return quote, nil
}

// Len reports the number of symbols currently held in the cache, for
// operator metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
