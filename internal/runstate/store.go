// Package runstate implements the durable Run-State Store: the
// conditional-write key-value store that tracks each run's expected trades,
// per-trade status, cumulative daily traded value, and the one-shot
// completion flag consulted by every Execution invocation.
package runstate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// ErrNotFound is returned by GetRun when no record exists for a run_id.
type ErrNotFound struct{ RunID string }

func (e *ErrNotFound) Error() string { return "runstate: run not found: " + e.RunID }

// ErrDailyLimitExceeded is returned by IncrementDailyTradedValue when the
// conditional increment would push the counter past the configured ceiling.
// This is the trigger for the daily-limit gate, not a storage failure.
type ErrDailyLimitExceeded struct {
	Attempted decimal.Decimal
	Limit     decimal.Decimal
}

func (e *ErrDailyLimitExceeded) Error() string {
	return "runstate: daily traded value would exceed limit"
}

// Store is the contract consumed by Portfolio and Execution. All
// multi-field updates within one call are atomic with respect to other
// callers of the same store.
type Store interface {
	// CreateRun initializes a run record with status PENDING and all
	// tradeIDs enumerated under pending_trade_ids.
	CreateRun(ctx context.Context, run *domain.RunRecord) error

	// GetRun returns the current run record, or *ErrNotFound.
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// MarkStarted atomically moves tradeID from pending to running and
	// transitions the run to RUNNING if it was PENDING.
	MarkStarted(ctx context.Context, runID, tradeID string) error

	// MarkCompleted atomically moves tradeID out of pending or running into
	// completed or failed, increments the corresponding counters, and records the
	// per-trade status child record.
	MarkCompleted(ctx context.Context, runID string, trade domain.PerTradeStatus, success bool) error

	// TryClaimCompletion attempts the write-once CAS on
	// completion_published_flag. Returns true exactly once per run, to
	// whichever caller wins the race.
	TryClaimCompletion(ctx context.Context, runID string) (bool, error)

	// IncrementDailyTradedValue performs the conditional compare-and-update
	// for the daily limit gate: if current+amount > limit it returns
	// *ErrDailyLimitExceeded and leaves the counter unchanged; otherwise it
	// increments atomically and returns nil. day is a date-scoped key
	// (e.g. "2026-07-31") so the counter resets naturally across days.
	IncrementDailyTradedValue(ctx context.Context, day string, amount, limit decimal.Decimal) error

	// GetDailyTradedValue returns the current cumulative traded value for
	// the given day key.
	GetDailyTradedValue(ctx context.Context, day string) (decimal.Decimal, error)

	// AppendLedgerEntry appends one row to the optional trade ledger.
	AppendLedgerEntry(ctx context.Context, entry domain.TradeLedgerEntry) error

	// Close releases any underlying connections.
	Close() error
}

// DayKey formats t as the date-scoped key used for daily-traded-value
// accounting, in the store's timezone-naive UTC convention.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
