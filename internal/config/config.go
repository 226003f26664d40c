// Package config loads and validates the engine's configuration surface. It
// wires spf13/viper across defaults, environment variables (ATLAS_ prefix),
// and an optional config file, then validates the result into the shared error
// taxonomy rather than panicking on a bad operator override.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/trading-engine/internal/errs"
)

// Mode selects paper or live broker connectivity.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config is the fully-resolved configuration surface for one process.
type Config struct {
	// Planning
	MinTradeAmountUSD decimal.Decimal
	CashReservePct    decimal.Decimal
	MinCashReserveUSD decimal.Decimal

	// Gating
	MaxSingleOrderUSD     decimal.Decimal
	MaxDailyTradeValueUSD decimal.Decimal
	BypassMarketHours     bool

	// Smart limit pipeline
	BuyTimeout            time.Duration
	SellTimeout           time.Duration
	MaxRepegsPerOrder      int
	RepegInterval          time.Duration
	QuoteTimeout           time.Duration
	QuoteMaxStaleness      time.Duration
	SpreadWideBps          decimal.Decimal
	PegAggressivenessBuy   decimal.Decimal
	PegAggressivenessSell  decimal.Decimal
	ClosePositionThreshold decimal.Decimal

	// Settlement
	SettlementTimeout time.Duration

	// Dispatch
	Mode              Mode
	ShardedExecution  bool

	// Strategies
	AllowedStrategies   []string
	StrategyAllocations map[string]decimal.Decimal

	// Run-state store / event bus / broker connectivity
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RunTTL         time.Duration

	KafkaBrokers      []string
	KafkaTopicPrefix  string

	BrokerBaseURL   string
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerRateLimitRPS int

	// Operator surface
	LogLevel string
	Env      string
	HTTPAddr string
}

// Load resolves configuration from defaults, an optional config file at
// path (ignored if empty and not found), and ATLAS_-prefixed environment
// variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATLAS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, errs.Configuration("config", "Load", err)
			}
		}
	}

	cfg := &Config{
		MinTradeAmountUSD:      decimalFromViper(v, "min_trade_amount_usd"),
		CashReservePct:         decimalFromViper(v, "cash_reserve_pct"),
		MinCashReserveUSD:      decimalFromViper(v, "min_cash_reserve_usd"),
		MaxSingleOrderUSD:      decimalFromViper(v, "max_single_order_usd"),
		MaxDailyTradeValueUSD:  decimalFromViper(v, "max_daily_trade_value_usd"),
		BypassMarketHours:      v.GetBool("bypass_market_hours"),
		BuyTimeout:             v.GetDuration("buy_timeout_seconds") ,
		SellTimeout:            v.GetDuration("sell_timeout_seconds"),
		MaxRepegsPerOrder:      v.GetInt("max_repegs_per_order"),
		RepegInterval:          v.GetDuration("repeg_interval_seconds"),
		QuoteTimeout:           v.GetDuration("quote_timeout_seconds"),
		QuoteMaxStaleness:      v.GetDuration("quote_max_staleness_seconds"),
		SpreadWideBps:          decimalFromViper(v, "spread_wide_bps"),
		PegAggressivenessBuy:   decimalFromViper(v, "peg_aggressiveness_buy"),
		PegAggressivenessSell:  decimalFromViper(v, "peg_aggressiveness_sell"),
		ClosePositionThreshold: decimalFromViper(v, "close_position_threshold"),
		SettlementTimeout:      v.GetDuration("settlement_timeout_seconds"),
		Mode:                   Mode(v.GetString("mode")),
		ShardedExecution:       v.GetBool("sharded_execution"),
		AllowedStrategies:      v.GetStringSlice("allowed_strategies"),
		StrategyAllocations:    decimalMapFromViper(v, "strategy_allocations"),
		RedisAddr:              v.GetString("redis_addr"),
		RedisPassword:          v.GetString("redis_password"),
		RedisDB:                v.GetInt("redis_db"),
		RunTTL:                 v.GetDuration("run_ttl_days") * 24 * time.Hour,
		KafkaBrokers:           v.GetStringSlice("kafka_brokers"),
		KafkaTopicPrefix:       v.GetString("kafka_topic_prefix"),
		BrokerBaseURL:          v.GetString("broker_base_url"),
		BrokerAPIKey:           v.GetString("broker_api_key"),
		BrokerAPISecret:        v.GetString("broker_api_secret"),
		BrokerRateLimitRPS:     v.GetInt("broker_rate_limit_rps"),
		LogLevel:               v.GetString("log_level"),
		Env:                    v.GetString("env"),
		HTTPAddr:               v.GetString("http_addr"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("min_trade_amount_usd", "5")
	v.SetDefault("cash_reserve_pct", "0.01")
	v.SetDefault("min_cash_reserve_usd", "0")
	v.SetDefault("max_single_order_usd", "100000")
	v.SetDefault("max_daily_trade_value_usd", "500000")
	v.SetDefault("bypass_market_hours", false)
	v.SetDefault("buy_timeout_seconds", "15s")
	v.SetDefault("sell_timeout_seconds", "10s")
	v.SetDefault("max_repegs_per_order", 5)
	v.SetDefault("repeg_interval_seconds", "3s")
	v.SetDefault("quote_timeout_seconds", "1s")
	v.SetDefault("quote_max_staleness_seconds", "2s")
	v.SetDefault("spread_wide_bps", "50")
	v.SetDefault("peg_aggressiveness_buy", "0.75")
	v.SetDefault("peg_aggressiveness_sell", "0.85")
	v.SetDefault("close_position_threshold", "0.01")
	v.SetDefault("settlement_timeout_seconds", "30s")
	v.SetDefault("mode", "paper")
	v.SetDefault("sharded_execution", false)
	v.SetDefault("allowed_strategies", []string{})
	v.SetDefault("strategy_allocations", map[string]any{})
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("run_ttl_days", 30)
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("kafka_topic_prefix", "atlas.engine")
	v.SetDefault("broker_rate_limit_rps", 200)
	v.SetDefault("log_level", "info")
	v.SetDefault("env", "production")
	v.SetDefault("http_addr", ":8080")
}

func decimalFromViper(v *viper.Viper, key string) decimal.Decimal {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decimalMapFromViper(v *viper.Viper, key string) map[string]decimal.Decimal {
	raw := v.GetStringMapString(key)
	out := make(map[string]decimal.Decimal, len(raw))
	for k, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		out[k] = d
	}
	return out
}

// Validate rejects configuration that would make the engine unsafe to run.
// Defaults cover every key except broker_api_key and broker_api_secret, so
// apart from those two being absent in live mode it fails only on explicit
// operator overrides outside their valid domain.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return errs.Configuration("config", "Validate", fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode))
	}
	if c.MinTradeAmountUSD.IsNegative() {
		return errs.Configuration("config", "Validate", fmt.Errorf("min_trade_amount_usd must be >= 0"))
	}
	if c.MaxSingleOrderUSD.LessThanOrEqual(decimal.Zero) {
		return errs.Configuration("config", "Validate", fmt.Errorf("max_single_order_usd must be > 0"))
	}
	if c.MaxDailyTradeValueUSD.LessThanOrEqual(decimal.Zero) {
		return errs.Configuration("config", "Validate", fmt.Errorf("max_daily_trade_value_usd must be > 0"))
	}
	if c.CashReservePct.IsNegative() || c.CashReservePct.GreaterThan(decimal.NewFromInt(1)) {
		return errs.Configuration("config", "Validate", fmt.Errorf("cash_reserve_pct must be in [0,1]"))
	}
	if !inOpenUnitInterval(c.PegAggressivenessBuy) {
		return errs.Configuration("config", "Validate", fmt.Errorf("peg_aggressiveness_buy must be in (0,1), got %s", c.PegAggressivenessBuy))
	}
	if !inOpenUnitInterval(c.PegAggressivenessSell) {
		return errs.Configuration("config", "Validate", fmt.Errorf("peg_aggressiveness_sell must be in (0,1), got %s", c.PegAggressivenessSell))
	}
	if c.MaxRepegsPerOrder < 0 {
		return errs.Configuration("config", "Validate", fmt.Errorf("max_repegs_per_order must be >= 0"))
	}
	if c.RedisAddr == "" {
		return errs.Configuration("config", "Validate", fmt.Errorf("redis_addr is required"))
	}
	if c.Mode == ModeLive && (c.BrokerAPIKey == "" || c.BrokerAPISecret == "") {
		return errs.Configuration("config", "Validate", fmt.Errorf("broker_api_key and broker_api_secret are required in live mode"))
	}
	return nil
}

func inOpenUnitInterval(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero) && d.LessThan(decimal.NewFromInt(1))
}
