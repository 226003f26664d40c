package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
	"github.com/atlas-desktop/trading-engine/internal/portfolio"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
	"github.com/atlas-desktop/trading-engine/internal/workers"
)

// AccountState is the live account snapshot a dispatch round plans and
// executes against.
type AccountState struct {
	Account   domain.AccountSnapshot
	Positions []domain.PositionSnapshot
}

// RunBatch executes plan's trades in-process, settlement-discipline order:
// every SELL trade reaches a terminal state, then settle pauses for
// SettlementTimeout, before any BUY trade begins. Buying power is not
// re-read before the buys; they run against the plan the portfolio stage's
// deployable-capital discipline already budgeted. Both phases
// run their trades concurrently across a worker pool.
func (e *Executor) RunBatch(ctx context.Context, plan domain.RebalancePlan, state AccountState, concurrency int) (*domain.RunRecord, error) {
	trades, run := portfolio.ShardPlan(plan, e.params.SettlementTimeout*4)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	sells := make([]domain.TradeMessage, 0, len(trades))
	buys := make([]domain.TradeMessage, 0, len(trades))
	for _, t := range trades {
		if t.Phase == domain.PhaseSell {
			sells = append(sells, t)
		} else {
			buys = append(buys, t)
		}
	}

	if concurrency <= 0 {
		concurrency = 4
	}

	e.logger.Info("batch run starting",
		zap.String("run_id", run.RunID),
		zap.Int("sells", len(sells)),
		zap.Int("buys", len(buys)),
	)

	e.runPhase(ctx, sells, state, concurrency)
	e.settle(ctx, run.RunID)
	e.runPhase(ctx, buys, state, concurrency)

	final, err := e.store.GetRun(ctx, run.RunID)
	if err != nil {
		return run, err
	}
	return final, nil
}

// runPhase executes trades concurrently across a bounded worker pool,
// blocking until every trade in the phase has reached a terminal state.
func (e *Executor) runPhase(ctx context.Context, trades []domain.TradeMessage, state AccountState, concurrency int) {
	if len(trades) == 0 {
		return
	}

	pool := workers.NewPool(e.logger, &workers.PoolConfig{
		Name:            "execution-phase",
		NumWorkers:      concurrency,
		QueueSize:       len(trades) + 1,
		TaskTimeout:     e.params.BuyTimeout + e.params.SellTimeout + 30*time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()

	var wg sync.WaitGroup
	for _, trade := range trades {
		trade := trade
		wg.Add(1)
		_ = pool.Submit(workers.TaskFunc(func() error {
			defer wg.Done()
			if _, err := e.ExecuteTrade(ctx, trade, state.Account, state.Positions); err != nil {
				e.logger.Error("trade execution error", zap.String("trade_id", trade.TradeID), zap.Error(err))
			}
			return nil
		}))
	}
	wg.Wait()
	stats := pool.Stats()
	e.logger.Debug("execution phase drained",
		zap.Int64("tasks_completed", stats.TasksCompleted),
		zap.Int64("tasks_failed", stats.TasksFailed),
		zap.Int64("tasks_timeout", stats.TasksTimeout),
		zap.Duration("p99_latency", stats.P99Latency),
	)
	_ = pool.Stop()
}

// settle waits up to SettlementTimeout for sell proceeds to clear before the
// buy phase begins, polling the account's cash balance is the caller's
// responsibility in live mode; here it simply pauses so the broker has time
// to report updated buying power.
func (e *Executor) settle(ctx context.Context, runID string) {
	if e.params.SettlementTimeout <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.params.SettlementTimeout):
	}
	e.logger.Debug("settlement window elapsed", zap.String("run_id", runID))
}

// buyVisibilityDelay is how long a BUY trade message waits before being
// redelivered when its run's SELL phase hasn't settled yet (spec.md §4.3.5
// sharded mode: "return the message to the queue with a short visibility
// delay").
const buyVisibilityDelay = 2 * time.Second

// HandleTradeMessage is the sharded-dispatch entry point: registered as an
// eventbus handler for domain.EventTradeMessage, it executes exactly the one
// trade carried by env and lets the ordered bus (Kafka, keyed by run_id)
// provide the sell-before-buy ordering RunBatch enforces explicitly. A BUY
// trade additionally checks that every sibling SELL in its run has already
// reached a terminal state before pricing; if not, it redelivers itself
// after buyVisibilityDelay instead of pricing against stale buying power
// (an Executor built without a bus drops such a message instead).
func (e *Executor) HandleTradeMessage(state AccountState) eventbus.Handler {
	return func(ctx context.Context, env eventbus.Envelope) error {
		trade, ok := env.Payload.(domain.TradeMessage)
		if !ok {
			return nil
		}

		if trade.Phase == domain.PhaseBuy {
			ready, err := e.sellsSettled(ctx, trade.RunID)
			if err != nil {
				return err
			}
			if !ready {
				e.logger.Debug("buy trade waiting on sibling sells to settle",
					zap.String("run_id", trade.RunID), zap.String("trade_id", trade.TradeID))
				if e.bus != nil {
					time.AfterFunc(buyVisibilityDelay, func() { e.bus.Publish(env) })
				}
				return nil
			}
		}

		_, err := e.ExecuteTrade(ctx, trade, state.Account, state.Positions)
		return err
	}
}

// sellsSettled reports whether every SELL trade_id recorded against runID
// has left the pending/running sets — the cheap read spec.md §4.3.5 asks a
// BUY worker to perform before pricing.
func (e *Executor) sellsSettled(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if len(run.SellTradeIDs) == 0 {
		return true, nil
	}
	unsettled := make(map[string]bool, len(run.PendingTradeIDs)+len(run.RunningTradeIDs))
	for _, id := range run.PendingTradeIDs {
		unsettled[id] = true
	}
	for _, id := range run.RunningTradeIDs {
		unsettled[id] = true
	}
	for _, id := range run.SellTradeIDs {
		if unsettled[id] {
			return false, nil
		}
	}
	return true, nil
}

// InitializeRun creates the run record for a sharded dispatch before its
// TradeMessages are published, so the first trade to land always finds a
// PENDING run waiting for it.
func InitializeRun(ctx context.Context, store runstate.Store, plan domain.RebalancePlan, runTTL time.Duration) ([]domain.TradeMessage, *domain.RunRecord, error) {
	trades, run := portfolio.ShardPlan(plan, runTTL)
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	return trades, run, nil
}
