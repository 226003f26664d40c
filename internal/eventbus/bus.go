// Package eventbus provides the pipeline's event bus abstraction, with
// correlation-ID propagation between the Signal,
// Portfolio, and Execution stages. Two implementations are provided: an
// in-process worker-pool bus for single-host deployments and tests, and a
// Kafka-backed bus that gives the ordering-per-message-group-key guarantee
// sharded execution depends on.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// Envelope wraps one pipeline event with the routing metadata every handler
// must propagate: correlation_id (workflow-spanning) and causation_id (the
// immediate upstream message that produced this one).
type Envelope struct {
	ID             string
	Type           string
	CorrelationID  string
	CausationID    string
	MessageGroupID string // run_id; all messages sharing this key preserve order
	DeduplicationID string // trade_id, for at-least-once redelivery tolerance
	Timestamp      time.Time
	Payload        any
}

// Handler processes one envelope. An error is logged but does not stop
// delivery to other subscribers.
type Handler func(ctx context.Context, env Envelope) error

// Filter selectively admits envelopes to a subscription.
type Filter func(env Envelope) bool

// SubscriptionOptions configures how a handler is invoked.
type SubscriptionOptions struct {
	Filter Filter
	Async  bool
}

type subscription struct {
	id      string
	msgType string
	handler Handler
	opts    SubscriptionOptions
	active  atomic.Bool
}

// Stats summarizes bus throughput for operator dashboards.
type Stats struct {
	Published        int64
	Processed        int64
	Dropped          int64
	ProcessingErrors int64
	P99LatencyNs      int64
}

// BusConfig configures the in-process Bus's worker pool.
type BusConfig struct {
	NumWorkers int
	BufferSize int
}

// DefaultBusConfig returns sensible defaults for the in-process bus.
func DefaultBusConfig() BusConfig {
	return BusConfig{NumWorkers: 16, BufferSize: 10000}
}

// Bus is an in-process, worker-pool-backed event bus. Delivery is
// best-effort: Publish drops an envelope when the buffer is full and counts
// it in Stats.Dropped. It gives no cross-process ordering: use the
// Kafka-backed bus when sharded workers run across hosts.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	allSubs     []*subscription

	envelopes   chan Envelope
	workerCount int

	published        atomic.Int64
	processed        atomic.Int64
	dropped          atomic.Int64
	processingErrors atomic.Int64

	latencyMu sync.Mutex
	latencies []int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus starts an in-process event bus with a fixed worker pool.
func NewBus(logger *zap.Logger, cfg BusConfig) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 16
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[string][]*subscription),
		envelopes:   make(chan Envelope, cfg.BufferSize),
		workerCount: cfg.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		latencies:   make([]int64, 0, 1000),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Info("event bus started", zap.Int("workers", cfg.NumWorkers), zap.Int("buffer_size", cfg.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-b.envelopes:
			start := time.Now()
			b.dispatch(env)
			b.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	b.mu.RLock()
	subs := b.subscribers[env.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, env)
	}
	for _, sub := range all {
		b.deliver(sub, env)
	}
	b.processed.Add(1)
}

func (b *Bus) deliver(sub *subscription, env Envelope) {
	if !sub.active.Load() {
		return
	}
	if sub.opts.Filter != nil && !sub.opts.Filter(env) {
		return
	}
	if sub.opts.Async {
		go b.invoke(sub, env)
	} else {
		b.invoke(sub, env)
	}
}

func (b *Bus) invoke(sub *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", env.Type),
				zap.Any("panic", r),
				zap.String("correlation_id", env.CorrelationID),
			)
		}
	}()

	if err := sub.handler(b.ctx, env); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error",
			zap.String("subscription_id", sub.id),
			zap.String("event_type", env.Type),
			zap.Error(err),
			zap.String("correlation_id", env.CorrelationID),
		)
	}
}

func (b *Bus) trackLatency(ns int64) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	b.latencies = append(b.latencies, ns)
	if len(b.latencies) > 10000 {
		b.latencies = b.latencies[5000:]
	}
}

var subCounter atomic.Int64

func nextSubID() string {
	n := subCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(n)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Subscribe registers handler for one message type (e.g. domain.EventTradeMessage).
func (b *Bus) Subscribe(msgType string, handler Handler, opts ...SubscriptionOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	sub := &subscription{id: nextSubID(), msgType: msgType, handler: handler, opts: o}
	sub.active.Store(true)
	b.subscribers[msgType] = append(b.subscribers[msgType], sub)
}

// SubscribeAll registers handler for every message type published on the bus.
func (b *Bus) SubscribeAll(handler Handler, opts ...SubscriptionOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	sub := &subscription{id: nextSubID(), msgType: "*", handler: handler, opts: o}
	sub.active.Store(true)
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers env to subscribers, non-blocking; if the internal buffer
// is full the envelope is dropped and counted rather than backpressuring
// the caller.
func (b *Bus) Publish(env Envelope) {
	select {
	case b.envelopes <- env:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full",
			zap.String("event_type", env.Type),
			zap.String("correlation_id", env.CorrelationID),
		)
	}
}

// PublishSync delivers env synchronously on the caller's goroutine.
func (b *Bus) PublishSync(ctx context.Context, env Envelope) {
	b.published.Add(1)
	b.dispatch(env)
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:        b.published.Load(),
		Processed:        b.processed.Load(),
		Dropped:          b.dropped.Load(),
		ProcessingErrors: b.processingErrors.Load(),
		P99LatencyNs:      b.p99LatencyNs(),
	}
}

func (b *Bus) p99LatencyNs() int64 {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(b.latencies))
	copy(sorted, b.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Close stops the worker pool, waiting up to 5s for in-flight handlers.
func (b *Bus) Close() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Int64("processed", b.processed.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus stop timed out")
	}
}

// NewEnvelope builds an Envelope for payload, stamping the schema-level
// correlation/causation chain required of every handler signature.
func NewEnvelope(id, msgType, correlationID, causationID string, payload any) Envelope {
	return Envelope{
		ID:            id,
		Type:          msgType,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Timestamp:     time.Now(),
		Payload:       payload,
	}
}

// NewTradeEnvelope builds the Envelope for a TradeMessage, setting the
// message-group/dedup keys the ordered bus uses for per-run sequencing.
func NewTradeEnvelope(id string, trade domain.TradeMessage) Envelope {
	env := NewEnvelope(id, domain.EventTradeMessage, trade.CorrelationID, trade.CausationID, trade)
	env.MessageGroupID = trade.RunID
	env.DeduplicationID = trade.TradeID
	return env
}
