// Package main provides the entry point for the trading engine's operator
// daemon: it loads configuration, connects the run-state store, broker, and
// event bus, keeps the execution stage's trade-update demultiplexer and
// sharded-dispatch consumer running, and serves the operator HTTP/WebSocket
// surface until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/api"
	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/eventbus"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/quotes"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
	"github.com/atlas-desktop/trading-engine/pkg/logging"
)

var errNoStreamInPaperMode = errors.New("paper mode has no live quote stream, REST snapshots only")

func main() {
	configPath := flag.String("config", "", "Path to a config file (optional; ATLAS_ env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting trading engine",
		zap.String("env", cfg.Env),
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("sharded_execution", cfg.ShardedExecution),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := newRunStateStore(logger, cfg)
	defer closeStore()

	bus := eventbus.NewBus(logger, eventbus.DefaultBusConfig())
	defer bus.Close()

	br, quoteFeed := newBroker(logger, cfg)
	if err := br.Connect(ctx); err != nil {
		logger.Fatal("broker connect failed", zap.Error(err))
	}
	defer br.Disconnect()

	quoteCache := quotes.NewCache(logger, quoteFeed, quotes.Config{
		MaxSymbols: 100,
		StaleAfter: cfg.QuoteMaxStaleness,
	})

	metrics := api.NewMetrics()

	executor := execution.NewExecutor(logger, br, quoteCache, store, bus, nil, execution.Params{
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
	}).WithMetrics(metrics)

	go executor.Start(ctx)

	if cfg.ShardedExecution {
		account, acctErr := br.GetAccount(ctx)
		if acctErr != nil {
			logger.Warn("initial account snapshot failed, sharded dispatch will retry per trade", zap.Error(acctErr))
		}
		positions, _ := br.GetPositions(ctx)
		state := execution.AccountState{Account: account, Positions: positions}
		bus.Subscribe(domain.EventTradeMessage, executor.HandleTradeMessage(state))
		logger.Info("sharded dispatch enabled, subscribed to TradeMessage events")
	}

	server := api.NewServer(logger, cfg.HTTPAddr, store, br, bus)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("operator server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("trading engine stopped")
}

// newRunStateStore connects to Redis per cfg and returns a Store plus a
// close function. Redis is mandatory: the run-state store is the engine's
// source of truth for idempotency and the daily-limit gate across process
// restarts, so an in-memory fallback would silently break both.
func newRunStateStore(logger *zap.Logger, cfg *config.Config) (runstate.Store, func()) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := runstate.NewRedisStore(client, logger, cfg.RunTTL)
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("run-state store close failed", zap.Error(err))
		}
	}
}

// newBroker constructs the configured broker adapter along with the quote
// feed that backs the shared quote cache. LiveBroker satisfies quotes.Feed
// directly; PaperBroker needs a thin adapter since it has no independent
// streaming connection of its own.
func newBroker(logger *zap.Logger, cfg *config.Config) (broker.Adapter, quotes.Feed) {
	switch cfg.Mode {
	case config.ModeLive:
		live := broker.NewLiveBroker(logger, broker.LiveConfig{
			BaseURL:        cfg.BrokerBaseURL,
			StreamURL:      cfg.BrokerBaseURL,
			QuoteStreamURL: cfg.BrokerBaseURL,
			APIKey:         cfg.BrokerAPIKey,
			APISecret:      cfg.BrokerAPISecret,
			RateLimitRPS:   cfg.BrokerRateLimitRPS,
			HTTPTimeout:    10 * time.Second,
		})
		return live, live
	default:
		paper := broker.NewPaperBroker(logger, paperPriceSeed{}, decimal.NewFromInt(100000))
		return paper, paperQuoteFeed{broker: paper}
	}
}

// paperPriceSeed hands the paper broker a flat reference price until a real
// market-data feed is wired in; paper mode's fills are illustrative, not a
// backtest, so a static mid price is an acceptable placeholder.
type paperPriceSeed struct{}

func (paperPriceSeed) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromInt(100),
		AskPrice:  decimal.NewFromFloat(100.05),
		Timestamp: time.Now(),
	}, nil
}

// paperQuoteFeed lets the quote cache read through to the paper broker's
// quote source when no live market-data stream is configured, so paper mode
// never blocks on an external dependency.
type paperQuoteFeed struct {
	broker *broker.PaperBroker
}

func (f paperQuoteFeed) DialQuoteStream(ctx context.Context) (*websocket.Conn, error) {
	return nil, errNoStreamInPaperMode
}

func (f paperQuoteFeed) RESTQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return f.broker.GetQuote(ctx, symbol)
}
