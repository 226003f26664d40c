package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
)

func TestPublishDeliversToTypeSubscriber(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), eventbus.BusConfig{NumWorkers: 2, BufferSize: 10})
	defer bus.Close()

	var mu sync.Mutex
	received := []string{}

	bus.Subscribe(domain.EventTradeMessage, func(_ context.Context, env eventbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env.ID)
		return nil
	}, eventbus.SubscriptionOptions{Async: false})

	bus.Publish(eventbus.NewEnvelope("evt-1", domain.EventTradeMessage, "corr-1", "cause-1", nil))
	bus.Publish(eventbus.NewEnvelope("evt-2", domain.EventRebalancePlanned, "corr-1", "cause-1", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "evt-1" {
		t.Errorf("received = %v, want [evt-1]", received)
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), eventbus.BusConfig{NumWorkers: 2, BufferSize: 10})
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.SubscribeAll(func(_ context.Context, _ eventbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}, eventbus.SubscriptionOptions{Async: false})

	bus.Publish(eventbus.NewEnvelope("evt-1", domain.EventSignalGenerated, "corr-1", "", nil))
	bus.Publish(eventbus.NewEnvelope("evt-2", domain.EventWorkflowCompleted, "corr-1", "", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestPublishSyncDeliversImmediately(t *testing.T) {
	bus := eventbus.NewBus(zap.NewNop(), eventbus.BusConfig{NumWorkers: 1, BufferSize: 1})
	defer bus.Close()

	delivered := false
	bus.Subscribe(domain.EventWorkflowFailed, func(_ context.Context, _ eventbus.Envelope) error {
		delivered = true
		return nil
	}, eventbus.SubscriptionOptions{Async: false})

	bus.PublishSync(context.Background(), eventbus.NewEnvelope("evt-1", domain.EventWorkflowFailed, "corr-1", "", nil))

	if !delivered {
		t.Error("expected synchronous delivery before PublishSync returns")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
