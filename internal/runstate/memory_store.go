package runstate

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-engine/internal/domain"
)

// MemoryStore is an in-process Store implementation for single-writer
// deployments and tests. It is not safe to share across processes: the
// daily-traded-value and completion-flag CAS only hold within one address
// space. A multi-worker deployment must use RedisStore.
type MemoryStore struct {
	mu sync.Mutex

	runs   map[string]*domain.RunRecord
	trades map[string]map[string]domain.PerTradeStatus
	daily  map[string]decimal.Decimal
	ledger []domain.TradeLedgerEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*domain.RunRecord),
		trades: make(map[string]map[string]domain.PerTradeStatus),
		daily:  make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	cp.PendingTradeIDs = append([]string(nil), run.PendingTradeIDs...)
	cp.RunningTradeIDs = nil
	cp.CompletedTradeIDs = nil
	cp.FailedTradeIDs = nil
	s.runs[run.RunID] = &cp
	s.trades[run.RunID] = make(map[string]domain.PerTradeStatus)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &ErrNotFound{RunID: runID}
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) MarkStarted(_ context.Context, runID, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return &ErrNotFound{RunID: runID}
	}
	run.PendingTradeIDs = removeString(run.PendingTradeIDs, tradeID)
	run.RunningTradeIDs = append(run.RunningTradeIDs, tradeID)
	if run.Status == domain.RunStatusPending {
		run.Status = domain.RunStatusRunning
	}
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, runID string, trade domain.PerTradeStatus, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return &ErrNotFound{RunID: runID}
	}
	run.PendingTradeIDs = removeString(run.PendingTradeIDs, trade.TradeID)
	run.RunningTradeIDs = removeString(run.RunningTradeIDs, trade.TradeID)
	if success {
		run.CompletedTradeIDs = append(run.CompletedTradeIDs, trade.TradeID)
		run.SucceededTrades++
	} else {
		run.FailedTradeIDs = append(run.FailedTradeIDs, trade.TradeID)
		run.FailedTrades++
	}
	run.CompletedTrades++
	s.trades[runID][trade.TradeID] = trade
	return nil
}

func (s *MemoryStore) TryClaimCompletion(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, &ErrNotFound{RunID: runID}
	}
	if run.CompletionPublishedFlag {
		return false, nil
	}
	run.CompletionPublishedFlag = true
	return true, nil
}

func (s *MemoryStore) IncrementDailyTradedValue(_ context.Context, day string, amount, limit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.daily[day]
	if current.Add(amount).GreaterThan(limit) {
		return &ErrDailyLimitExceeded{Attempted: amount, Limit: limit}
	}
	s.daily[day] = current.Add(amount)
	return nil
}

func (s *MemoryStore) GetDailyTradedValue(_ context.Context, day string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[day], nil
}

func (s *MemoryStore) AppendLedgerEntry(_ context.Context, entry domain.TradeLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, entry)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func removeString(slice []string, target string) []string {
	out := slice[:0]
	for _, s := range slice {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
