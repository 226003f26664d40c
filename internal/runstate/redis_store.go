package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// incrementDailyScript conditionally increments a daily-traded-value counter
// stored as a string-encoded decimal. It reads the current value, refuses
// the increment if it would exceed the limit, and writes back atomically: a
// compare-and-swap expressed as a single round trip so concurrent sharded
// workers never race the read-then-write.
//
// KEYS[1] = daily traded value key
// ARGV[1] = amount to add (string decimal)
// ARGV[2] = limit (string decimal)
// ARGV[3] = ttl seconds for the key
//
// Returns 1 if admitted, 0 if it would exceed the limit.
const incrementDailyScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + amount > limit then
  return 0
end
redis.call("SET", KEYS[1], tostring(current + amount), "EX", ARGV[3])
return 1
`

// claimCompletionScript performs the write-once CAS on
// completion_published_flag: it sets the field only if absent.
//
// KEYS[1] = run hash key
// Returns 1 if this call set the flag, 0 if it was already set.
const claimCompletionScript = `
local existing = redis.call("HGET", KEYS[1], "completion_published_flag")
if existing == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "completion_published_flag", "1")
return 1
`

// RedisStore implements Store against Redis, keying run records as hashes
// and pending/running/completed/failed trade sets as Redis sets, following
// the per-entity key-prefix convention and pipelined multi-key writes of
// the repository pattern this module is grounded on.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	runTTL time.Duration
}

// NewRedisStore wires a RedisStore against an already-constructed client.
func NewRedisStore(client *redis.Client, logger *zap.Logger, runTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, logger: logger, runTTL: runTTL}
}

func runKey(runID string) string          { return fmt.Sprintf("engine:run:%s", runID) }
func runTradeKey(runID, tradeID string) string {
	return fmt.Sprintf("engine:run:%s:trade:%s", runID, tradeID)
}
func dailyValueKey(day string) string { return fmt.Sprintf("engine:daily_traded_value:%s", day) }
func ledgerKey() string                { return "engine:trade_ledger" }

func (s *RedisStore) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	key := runKey(run.RunID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"run_id":         run.RunID,
		"plan_id":        run.PlanID,
		"correlation_id": run.CorrelationID,
		"status":         string(run.Status),
		"total_trades":   run.TotalTrades,
		"completed_trades": 0,
		"succeeded_trades": 0,
		"failed_trades":    0,
		"day_traded_value": run.DayTradedValue.String(),
		"created_at":       run.CreatedAt.Format(time.RFC3339Nano),
	})
	for _, tradeID := range run.PendingTradeIDs {
		pipe.SAdd(ctx, key+":pending", tradeID)
	}
	for _, tradeID := range run.SellTradeIDs {
		pipe.SAdd(ctx, key+":sells", tradeID)
	}
	pipe.Expire(ctx, key, run.TTL)
	pipe.Expire(ctx, key+":pending", run.TTL)
	if len(run.SellTradeIDs) > 0 {
		pipe.Expire(ctx, key+":sells", run.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runstate: create run %s: %w", run.RunID, err)
	}
	s.logger.Info("run created", zap.String("run_id", run.RunID), zap.Int("total_trades", run.TotalTrades))
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	key := runKey(runID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get run %s: %w", runID, err)
	}
	if len(fields) == 0 {
		return nil, &ErrNotFound{RunID: runID}
	}

	pending, err := s.client.SMembers(ctx, key+":pending").Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get pending for %s: %w", runID, err)
	}
	running, err := s.client.SMembers(ctx, key+":running").Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get running for %s: %w", runID, err)
	}
	completed, err := s.client.SMembers(ctx, key+":completed").Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get completed for %s: %w", runID, err)
	}
	failed, err := s.client.SMembers(ctx, key+":failed").Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get failed for %s: %w", runID, err)
	}
	sells, err := s.client.SMembers(ctx, key+":sells").Result()
	if err != nil {
		return nil, fmt.Errorf("runstate: get sells for %s: %w", runID, err)
	}

	run := &domain.RunRecord{
		RunID:              fields["run_id"],
		PlanID:             fields["plan_id"],
		CorrelationID:      fields["correlation_id"],
		Status:             domain.RunStatus(fields["status"]),
		PendingTradeIDs:    pending,
		RunningTradeIDs:    running,
		CompletedTradeIDs:  completed,
		FailedTradeIDs:     failed,
		SellTradeIDs:       sells,
		CompletionPublishedFlag: fields["completion_published_flag"] == "1",
	}
	fmt.Sscanf(fields["total_trades"], "%d", &run.TotalTrades)
	fmt.Sscanf(fields["completed_trades"], "%d", &run.CompletedTrades)
	fmt.Sscanf(fields["succeeded_trades"], "%d", &run.SucceededTrades)
	fmt.Sscanf(fields["failed_trades"], "%d", &run.FailedTrades)
	if dtv, err := decimal.NewFromString(fields["day_traded_value"]); err == nil {
		run.DayTradedValue = dtv
	}
	if created, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		run.CreatedAt = created
	}
	return run, nil
}

func (s *RedisStore) MarkStarted(ctx context.Context, runID, tradeID string) error {
	key := runKey(runID)

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, key+":pending", tradeID)
	pipe.SAdd(ctx, key+":running", tradeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runstate: mark started %s/%s: %w", runID, tradeID, err)
	}

	// Transition PENDING -> RUNNING the first time any trade starts. HSet
	// is idempotent so a benign race between two first-starters is safe.
	current, err := s.client.HGet(ctx, key, "status").Result()
	if err == nil && current == string(domain.RunStatusPending) {
		s.client.HSet(ctx, key, "status", string(domain.RunStatusRunning))
	}
	return nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, runID string, trade domain.PerTradeStatus, success bool) error {
	key := runKey(runID)
	tradeKey := runTradeKey(runID, trade.TradeID)

	destSet := key + ":failed"
	counterField := "failed_trades"
	if success {
		destSet = key + ":completed"
		counterField = "succeeded_trades"
	}

	tradeJSON, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("runstate: marshal trade status %s: %w", trade.TradeID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, key+":pending", trade.TradeID)
	pipe.SRem(ctx, key+":running", trade.TradeID)
	pipe.SAdd(ctx, destSet, trade.TradeID)
	pipe.HIncrBy(ctx, key, "completed_trades", 1)
	pipe.HIncrBy(ctx, key, counterField, 1)
	pipe.Set(ctx, tradeKey, tradeJSON, s.runTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("runstate: mark completed %s/%s: %w", runID, trade.TradeID, err)
	}
	return nil
}

func (s *RedisStore) TryClaimCompletion(ctx context.Context, runID string) (bool, error) {
	key := runKey(runID)
	result, err := s.client.Eval(ctx, claimCompletionScript, []string{key}).Int()
	if err != nil {
		return false, fmt.Errorf("runstate: claim completion %s: %w", runID, err)
	}
	return result == 1, nil
}

func (s *RedisStore) IncrementDailyTradedValue(ctx context.Context, day string, amount, limit decimal.Decimal) error {
	key := dailyValueKey(day)
	ttlSeconds := int((48 * time.Hour).Seconds())
	result, err := s.client.Eval(ctx, incrementDailyScript, []string{key}, amount.String(), limit.String(), ttlSeconds).Int()
	if err != nil {
		return fmt.Errorf("runstate: increment daily traded value: %w", err)
	}
	if result == 0 {
		return &ErrDailyLimitExceeded{Attempted: amount, Limit: limit}
	}
	return nil
}

func (s *RedisStore) GetDailyTradedValue(ctx context.Context, day string) (decimal.Decimal, error) {
	val, err := s.client.Get(ctx, dailyValueKey(day)).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("runstate: get daily traded value: %w", err)
	}
	return decimal.NewFromString(val)
}

func (s *RedisStore) AppendLedgerEntry(ctx context.Context, entry domain.TradeLedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("runstate: marshal ledger entry: %w", err)
	}
	if err := s.client.RPush(ctx, ledgerKey(), data).Err(); err != nil {
		return fmt.Errorf("runstate: append ledger entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
