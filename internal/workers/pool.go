// Package workers provides the bounded goroutine pool the Execution stage
// shards trade processing across: a fixed number of
// workers pull trades off a queue, each trade execution gets its own
// per-task timeout and panic recovery, and shutdown cancels the pool's
// context, which abandons any in-flight task rather than waiting for it.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a fixed-size pool of worker goroutines draining a bounded
// task queue. One Pool is created per execution phase (sell, then buy) in
// batched dispatch; sharded dispatch instead relies on the event bus's
// own concurrency and does not use a Pool directly.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	workers   []*worker
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Name            string        // pool name, used in log fields
	NumWorkers      int           // number of worker goroutines
	QueueSize       int           // size of the buffered task queue
	TaskTimeout     time.Duration // per-task deadline
	ShutdownTimeout time.Duration // how long Stop waits for in-flight tasks
	PanicRecovery   bool          // recover a panicking task instead of crashing the pool
}

// PoolMetrics tracks a pool's throughput and failure counts. A phase's final
// Pool.Stats() snapshot is logged once the phase drains, so a stuck or
// overloaded run is visible in the engine's structured logs without needing
// a dedicated metrics scrape.
type PoolMetrics struct {
	mu sync.RWMutex

	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64

	latencies  []int64
	latencyIdx int

	startTime      time.Time
	lastCheckpoint time.Time
	lastCompleted  int64
}

const latencySampleSize = 10000

// NewPoolMetrics creates a new metrics tracker.
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		latencies:      make([]int64, latencySampleSize),
		startTime:      time.Now(),
		lastCheckpoint: time.Now(),
	}
}

// RecordLatency records one task's execution latency in nanoseconds.
func (m *PoolMetrics) RecordLatency(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.latencyIdx] = ns
	m.latencyIdx = (m.latencyIdx + 1) % latencySampleSize
}

// GetP99Latency returns the 99th percentile latency over the retained
// sample window.
func (m *PoolMetrics) GetP99Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filled := latencySampleSize
	for i := m.latencyIdx; i < latencySampleSize; i++ {
		if m.latencies[i] == 0 {
			filled = m.latencyIdx
			break
		}
	}
	if filled == 0 {
		return 0
	}

	sorted := make([]int64, filled)
	copy(sorted, m.latencies[:filled])
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// GetThroughput returns the pool's lifetime tasks-completed-per-second rate.
func (m *PoolMetrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.TasksCompleted)) / elapsed
}

// GetStats returns a snapshot of the pool's current metrics.
func (m *PoolMetrics) GetStats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&m.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&m.TasksFailed),
		TasksTimeout:   atomic.LoadInt64(&m.TasksTimeout),
		PanicRecovered: atomic.LoadInt64(&m.PanicRecovered),
		P99Latency:     m.GetP99Latency(),
		Throughput:     m.GetThroughput(),
		Uptime:         time.Since(m.startTime),
	}
}

// PoolStats is a point-in-time snapshot of PoolMetrics.
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	P99Latency     time.Duration `json:"p99_latency"`
	Throughput     float64       `json:"throughput"`
	Uptime         time.Duration `json:"uptime"`
}

// worker is a single pool goroutine.
type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger
}

// NewPool creates a worker pool. A nil config is not accepted; every
// caller in this module sizes its pool to the phase it is about to run
// (sell-side vs. buy-side trade count), so there is no sensible default.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		workers:   make([]*worker, config.NumWorkers),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   NewPoolMetrics(),
	}
}

// Start launches the configured number of worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		w := &worker{id: i, pool: p, logger: p.logger.With(zap.Int("worker_id", i))}
		p.workers[i] = w
		p.wg.Add(1)
		go w.run()
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		select {
		case <-w.pool.ctx.Done():
			return
		case task, ok := <-w.pool.taskQueue:
			if !ok {
				return
			}
			w.executeTask(task)
		}
	}
}

// executeTask runs task with a per-task timeout and, if configured, panic
// recovery; a trade execution that panics must not take down the whole
// phase's worker pool or leave its run-state record stuck in RUNNING.
func (w *worker) executeTask(task Task) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		var err error
		if w.pool.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&w.pool.metrics.PanicRecovered, 1)
					w.logger.Error("worker recovered from panic", zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
				done <- err
			}()
		}
		err = task.Execute()
		if !w.pool.config.PanicRecovery {
			done <- err
		}
	}()

	select {
	case err := <-done:
		elapsed := time.Since(startTime)
		w.pool.metrics.RecordLatency(elapsed.Nanoseconds())
		if err != nil {
			atomic.AddInt64(&w.pool.metrics.TasksFailed, 1)
			w.logger.Debug("task failed", zap.Error(err))
		} else {
			atomic.AddInt64(&w.pool.metrics.TasksCompleted, 1)
		}

	case <-ctx.Done():
		atomic.AddInt64(&w.pool.metrics.TasksTimeout, 1)
		w.logger.Warn("task timed out", zap.Duration("timeout", w.pool.config.TaskTimeout))
	}
}

// Submit enqueues task without blocking; it fails fast with ErrQueueFull
// rather than applying backpressure, since a full execution-phase queue
// means the worker count was undersized for the phase, not a transient dip.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.metrics.TasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels the pool's context and waits up to ShutdownTimeout for the
// worker goroutines to exit. Cancellation ends each worker's wait on its
// in-flight task at once: the task counts as timed out and its goroutine is
// left running. A timed-out trade is left in whatever
// run-state it reached; idempotent redelivery
// picks it back up on the next invocation.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// QueueLength returns the number of tasks currently queued.
func (p *Pool) QueueLength() int { return len(p.taskQueue) }

// IsRunning reports whether the pool has been started and not yet stopped.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns a snapshot of the pool's metrics.
func (p *Pool) Stats() PoolStats { return p.metrics.GetStats() }

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError is a sentinel-style pool error.
type PoolError struct{ Message string }

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a recovered panic value as the task's error result.
type PanicError struct{ Recovered interface{} }

func (e *PanicError) Error() string { return "panic recovered" }
