package workers_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/workers"
)

func newTestPool(t *testing.T, cfg *workers.PoolConfig) *workers.Pool {
	t.Helper()
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := newTestPool(t, &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      4,
		QueueSize:       100,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		PanicRecovery:   true,
	})

	var mu sync.Mutex
	var ran int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := pool.Submit(workers.TaskFunc(func() error {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if ran != 50 {
		t.Fatalf("ran = %d, want 50", ran)
	}
	stats := pool.Stats()
	if stats.TasksCompleted != 50 {
		t.Fatalf("TasksCompleted = %d, want 50", stats.TasksCompleted)
	}
}

func TestPoolRecordsFailure(t *testing.T) {
	pool := newTestPool(t, &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      1,
		QueueSize:       10,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		PanicRecovery:   true,
	})

	done := make(chan struct{})
	if err := pool.Submit(workers.TaskFunc(func() error {
		defer close(done)
		return errors.New("boom")
	})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done
	time.Sleep(20 * time.Millisecond)

	if stats := pool.Stats(); stats.TasksFailed != 1 {
		t.Fatalf("TasksFailed = %d, want 1", stats.TasksFailed)
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	pool := newTestPool(t, &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      1,
		QueueSize:       10,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		PanicRecovery:   true,
	})

	done := make(chan struct{})
	if err := pool.Submit(workers.TaskFunc(func() error {
		defer close(done)
		panic("trade execution blew up")
	})); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done
	time.Sleep(20 * time.Millisecond)

	if stats := pool.Stats(); stats.PanicRecovered != 1 {
		t.Fatalf("PanicRecovered = %d, want 1", stats.PanicRecovered)
	}

	// The pool must still accept work after a panic.
	again := make(chan struct{})
	if err := pool.Submit(workers.TaskFunc(func() error {
		close(again)
		return nil
	})); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("pool stopped processing after a panic")
	}
}

func TestPoolSubmitAfterStopFails(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      1,
		QueueSize:       1,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
	})
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	err := pool.Submit(workers.TaskFunc(func() error { return nil }))
	if err != workers.ErrPoolStopped {
		t.Fatalf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name:            "test",
		NumWorkers:      0,
		QueueSize:       1,
		TaskTimeout:     time.Second,
		ShutdownTimeout: time.Second,
	})
	pool.Start()
	defer pool.Stop()

	block := workers.TaskFunc(func() error { return nil })
	if err := pool.Submit(block); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := pool.Submit(block); err != workers.ErrQueueFull {
		t.Fatalf("second Submit = %v, want ErrQueueFull", err)
	}
}
