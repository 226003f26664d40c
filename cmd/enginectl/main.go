// Package main provides enginectl, the operator CLI surface:
// trigger a daily workflow in paper or live mode, inspect a run's status,
// list current positions, and cancel a resting order. It is deliberately
// thin: the engine's daemon (cmd/server) owns the long-running dispatch
// loop and operator HTTP/WebSocket surface; enginectl drives the same
// internal packages for one-shot operator actions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/errs"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/portfolio"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
	"github.com/atlas-desktop/trading-engine/internal/signal"
	"github.com/atlas-desktop/trading-engine/pkg/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operator surface for the trading engine: trigger runs, inspect status, manage positions and orders.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional; ATLAS_ env vars always apply)")

	root.AddCommand(newRunCmd(), newStatusCmd(), newPositionsCmd(), newCancelCmd())

	if err := root.Execute(); err != nil {
		// Cobra has already printed the usage/error; exitCodeFor picks the
		// exit code. Errors outside the taxonomy, cobra's own usage and
		// argument errors among them, exit 1.
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error from a subcommand's RunE to an exit code:
// 0 success, 2 usage error, 3 configuration error, 4 broker error.
// Anything else falls back to 1 (general failure); exit code 5 (run
// completed with errors) is assigned directly by runCmd off a
// WorkflowCompleted status, not through this path.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(*exitCodeError); ok {
		return ec.code
	}
	return errs.ExitCode(err)
}

// exitCodeError lets a command force a specific exit code (used for the
// run-completed-with-errors case, which is a status, not a Go error kind).
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.LogLevel, "development")
	if err != nil {
		panic(err)
	}
	return logger
}

func newStore(cfg *config.Config, logger *zap.Logger) runstate.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return runstate.NewRedisStore(client, logger, cfg.RunTTL)
}

func newBrokerAdapter(cfg *config.Config, logger *zap.Logger) broker.Adapter {
	if cfg.Mode == config.ModeLive {
		return broker.NewLiveBroker(logger, broker.LiveConfig{
			BaseURL:        cfg.BrokerBaseURL,
			StreamURL:      cfg.BrokerBaseURL,
			QuoteStreamURL: cfg.BrokerBaseURL,
			APIKey:         cfg.BrokerAPIKey,
			APISecret:      cfg.BrokerAPISecret,
			RateLimitRPS:   cfg.BrokerRateLimitRPS,
			HTTPTimeout:    10 * time.Second,
		})
	}
	return broker.NewPaperBroker(logger, staticPriceSource{}, decimal.NewFromInt(100000))
}

// staticPriceSource hands the paper broker a flat reference quote; enginectl
// never maintains its own market-data stream, unlike the long-running daemon.
type staticPriceSource struct{}

func (staticPriceSource) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromInt(100),
		AskPrice:  decimal.NewFromFloat(100.05),
		Timestamp: time.Now(),
	}, nil
}

// configEvaluator treats the operator's statically configured
// strategy_allocations as a single strategy's target weights, standing in
// for a real strategy DSL evaluator so `enginectl run` can drive the full
// pipeline end to end.
type configEvaluator struct {
	weights map[string]decimal.Decimal
}

func (e configEvaluator) StrategyID() string { return "configured" }

func (e configEvaluator) Evaluate(_ context.Context, _ time.Time) (map[string]decimal.Decimal, error) {
	if len(e.weights) == 0 {
		return nil, fmt.Errorf("no strategy_allocations configured")
	}
	return e.weights, nil
}

func newRunCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger one daily workflow: signal generation, portfolio planning, and trade execution.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			ctx := cmd.Context()
			store := newStore(cfg, logger)
			defer store.Close()

			br := newBrokerAdapter(cfg, logger)
			if err := br.Connect(ctx); err != nil {
				return errs.BrokerTransient("enginectl", "run", "", "", err)
			}
			defer br.Disconnect()

			correlationID := signal.NewCorrelationID()
			asOf := time.Now().UTC()

			signalStage := signal.NewStage(logger, signal.Config{MinStrategiesForPartial: 1})
			sigResult, err := signalStage.Generate(ctx, correlationID, []signal.StrategyWeight{
				{Evaluator: configEvaluator{weights: cfg.StrategyAllocations}, Share: decimal.NewFromInt(1)},
			}, asOf)
			if err != nil {
				return err
			}

			positions, err := br.GetPositions(ctx)
			if err != nil {
				return errs.BrokerTransient("enginectl", "run", correlationID, "", err)
			}
			account, err := br.GetAccount(ctx)
			if err != nil {
				return errs.BrokerTransient("enginectl", "run", correlationID, "", err)
			}

			planningStage := portfolio.NewStage(logger, portfolio.Params{
				MinTradeAmountUSD: cfg.MinTradeAmountUSD,
				CashReservePct:    cfg.CashReservePct,
				MinCashReserveUSD: cfg.MinCashReserveUSD,
			})
			plan, err := planningStage.Plan(portfolio.Input{
				CorrelationID: correlationID,
				CausationID:   correlationID,
				TargetWeights: sigResult.Consolidated.Weights,
				Positions:     positions,
				Account:       account,
				Timestamp:     asOf,
			})
			if err != nil {
				return err
			}

			fmt.Printf("plan %s: %d item(s), total trade value %s\n", plan.PlanID, len(plan.Items), plan.TotalTradeValue.StringFixed(2))
			for _, item := range plan.Items {
				if item.Action == domain.ActionHold {
					continue
				}
				fmt.Printf("  %-6s %-4s %s (priority %d)\n", item.Symbol, item.Action, item.TradeAmount.StringFixed(2), item.Priority)
			}

			quoteCache := quotes.NewCache(logger, noStreamFeed{br}, quotes.Config{MaxSymbols: 100, StaleAfter: cfg.QuoteMaxStaleness})
			executor := execution.NewExecutor(logger, br, quoteCache, store, nil, nil, execution.Params{
				BuyTimeout:             cfg.BuyTimeout,
				SellTimeout:            cfg.SellTimeout,
				MaxRepegsPerOrder:      cfg.MaxRepegsPerOrder,
				RepegInterval:          cfg.RepegInterval,
				QuoteTimeout:           cfg.QuoteTimeout,
				SpreadWideBps:          cfg.SpreadWideBps,
				PegAggressivenessBuy:   cfg.PegAggressivenessBuy,
				PegAggressivenessSell:  cfg.PegAggressivenessSell,
				ClosePositionThreshold: cfg.ClosePositionThreshold,
				MaxSingleOrderUSD:      cfg.MaxSingleOrderUSD,
				MaxDailyTradeValueUSD:  cfg.MaxDailyTradeValueUSD,
				BypassMarketHours:      cfg.BypassMarketHours,
				SettlementTimeout:      cfg.SettlementTimeout,
			})
			go executor.Start(ctx)

			run, err := executor.RunBatch(ctx, plan, execution.AccountState{Account: account, Positions: positions}, concurrency)
			if err != nil {
				return err
			}

			fmt.Printf("run %s: status=%s succeeded=%d failed=%d total=%d\n",
				run.RunID, run.Status, run.SucceededTrades, run.FailedTrades, run.TotalTrades)

			if run.Status == domain.RunStatusCompletedWithErrors {
				return &exitCodeError{code: 5, msg: "run completed with errors"}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "number of trades to execute concurrently per phase")
	return cmd
}

// noStreamFeed adapts a broker.Adapter's REST quote method into a
// quotes.Feed for one-shot CLI invocations that don't want a live WS
// subscription; DialQuoteStream always fails, forcing the cache onto its
// REST fallback path.
type noStreamFeed struct {
	br broker.Adapter
}

func (f noStreamFeed) DialQuoteStream(ctx context.Context) (*websocket.Conn, error) {
	return nil, fmt.Errorf("enginectl: no streaming quote feed, REST snapshots only")
}

func (f noStreamFeed) RESTQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return f.br.GetQuote(ctx, symbol)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Print a run's current status and per-trade breakdown.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			store := newStore(cfg, logger)
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				if _, ok := err.(*runstate.ErrNotFound); ok {
					return &exitCodeError{code: 2, msg: fmt.Sprintf("no such run: %s", args[0])}
				}
				return errs.BrokerTransient("enginectl", "status", "", "", err)
			}

			fmt.Printf("run_id:          %s\n", run.RunID)
			fmt.Printf("plan_id:         %s\n", run.PlanID)
			fmt.Printf("status:          %s\n", run.Status)
			fmt.Printf("total_trades:    %d\n", run.TotalTrades)
			fmt.Printf("completed:       %d (succeeded=%d failed=%d)\n", run.CompletedTrades, run.SucceededTrades, run.FailedTrades)
			fmt.Printf("pending:         %d\n", len(run.PendingTradeIDs))
			fmt.Printf("running:         %d\n", len(run.RunningTradeIDs))
			fmt.Printf("day_traded_value: %s\n", run.DayTradedValue.StringFixed(2))
			if run.CompletedAt != nil {
				fmt.Printf("completed_at:    %s\n", run.CompletedAt.Format(time.RFC3339))
			}

			if run.Status == domain.RunStatusCompletedWithErrors {
				return &exitCodeError{code: 5, msg: "run completed with errors"}
			}
			return nil
		},
	}
}

func newPositionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List current broker positions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			br := newBrokerAdapter(cfg, logger)
			ctx := cmd.Context()
			if err := br.Connect(ctx); err != nil {
				return errs.BrokerTransient("enginectl", "positions", "", "", err)
			}
			defer br.Disconnect()

			positions, err := br.GetPositions(ctx)
			if err != nil {
				return errs.BrokerTransient("enginectl", "positions", "", "", err)
			}
			if len(positions) == 0 {
				fmt.Println("no open positions")
				return nil
			}
			for _, p := range positions {
				fmt.Printf("%-6s qty=%s value=%s avg_price=%s\n", p.Symbol, p.Quantity.StringFixed(6), p.MarketValue.StringFixed(2), p.AveragePrice.StringFixed(4))
			}
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order_id>",
		Short: "Cancel a resting order by id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			br := newBrokerAdapter(cfg, logger)
			ctx := cmd.Context()
			if err := br.Connect(ctx); err != nil {
				return errs.BrokerTransient("enginectl", "cancel", "", "", err)
			}
			defer br.Disconnect()

			if err := br.CancelOrder(ctx, args[0]); err != nil {
				return errs.BrokerTransient("enginectl", "cancel", "", "", err)
			}
			fmt.Printf("canceled %s\n", args[0])
			return nil
		},
	}
}
