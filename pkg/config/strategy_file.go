package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"maker-core/pkg/exchange"
	"maker-core/pkg/store"
)

// StrategySeed is one strategy entry of the bootstrap YAML file. Only the
// fields users typically set by hand are exposed; everything else takes the
// document defaults.
type StrategySeed struct {
	ID       string `yaml:"id"`
	MarketID string `yaml:"market"`
	IsActive bool   `yaml:"is_active"`

	OrderType          string `yaml:"order_type"` // MARKET or LIMIT
	PriceMode          string `yaml:"price_mode"` // mid, best_bid, best_ask, last_price
	PriceOffsetPercent string `yaml:"price_offset_percent"`
	MaxSpreadPercent   string `yaml:"max_spread_percent"`

	SizingMode      string `yaml:"sizing_mode"` // percentage or fixed_usd
	BasePercent     string `yaml:"base_percent"`
	QuotePercent    string `yaml:"quote_percent"`
	FixedUSD        string `yaml:"fixed_usd"`
	MinOrderSizeUSD string `yaml:"min_order_size_usd"`
	MaxOrderSizeUSD string `yaml:"max_order_size_usd"`

	OnlySellAboveBuyPrice bool `yaml:"only_sell_above_buy_price"`
	MaxOpenOrdersPerSide  int  `yaml:"max_open_orders_per_side"`

	TakeProfitPercent   string `yaml:"take_profit_percent"`
	StopLossPercent     string `yaml:"stop_loss_percent"`
	OrderTimeoutMinutes int    `yaml:"order_timeout_minutes"`
	MaxSessionLossUSD   string `yaml:"max_session_loss_usd"`
	MaxDayLossUSD       string `yaml:"max_day_loss_usd"`

	CycleIntervalMinMs int64 `yaml:"cycle_interval_min_ms"`
	CycleIntervalMaxMs int64 `yaml:"cycle_interval_max_ms"`
}

type strategyFile struct {
	Strategies []StrategySeed `yaml:"strategies"`
}

// LoadStrategyFile parses a YAML bootstrap file into strategy config
// documents owned by owner. Invalid entries fail the whole load so a typo
// cannot silently disable a risk limit.
func LoadStrategyFile(path, owner string) ([]store.StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}

	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}

	out := make([]store.StrategyConfig, 0, len(file.Strategies))
	for i, seed := range file.Strategies {
		cfg, err := seed.toConfig(owner)
		if err != nil {
			return nil, fmt.Errorf("strategy %d (%s): %w", i, seed.MarketID, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s StrategySeed) toConfig(owner string) (store.StrategyConfig, error) {
	cfg := store.StrategyConfig{
		ID:       s.ID,
		Owner:    owner,
		MarketID: s.MarketID,
		IsActive: s.IsActive,
	}
	if cfg.ID == "" {
		cfg.ID = owner + ":" + s.MarketID
	}

	cfg.Order.Type = orderTypeOrDefault(s.OrderType)
	cfg.Order.PriceMode = priceModeOrDefault(s.PriceMode)

	var err error
	set := func(dst *decimal.Decimal, raw, def string) {
		if err != nil {
			return
		}
		if raw == "" {
			raw = def
		}
		var v decimal.Decimal
		if v, err = decimal.NewFromString(raw); err != nil {
			err = fmt.Errorf("bad decimal %q: %w", raw, err)
			return
		}
		*dst = v
	}
	set(&cfg.Order.PriceOffsetPercent, s.PriceOffsetPercent, "0.1")
	set(&cfg.Order.MaxSpreadPercent, s.MaxSpreadPercent, "0")
	set(&cfg.Sizing.BasePercent, s.BasePercent, "0")
	set(&cfg.Sizing.QuotePercent, s.QuotePercent, "0")
	set(&cfg.Sizing.FixedUSD, s.FixedUSD, "0")
	set(&cfg.Sizing.MinOrderSizeUSD, s.MinOrderSizeUSD, "10")
	set(&cfg.Sizing.MaxOrderSizeUSD, s.MaxOrderSizeUSD, "0")
	set(&cfg.Risk.TakeProfitPercent, s.TakeProfitPercent, "0")
	set(&cfg.Risk.StopLossPercent, s.StopLossPercent, "0")
	set(&cfg.Risk.MaxSessionLossUSD, s.MaxSessionLossUSD, "0")
	set(&cfg.Risk.MaxDayLossUSD, s.MaxDayLossUSD, "0")
	if err != nil {
		return cfg, err
	}

	cfg.Sizing.Mode = store.SizingPercentage
	if s.SizingMode == string(store.SizingFixedUSD) {
		cfg.Sizing.Mode = store.SizingFixedUSD
	}

	cfg.Management.OnlySellAboveBuyPrice = s.OnlySellAboveBuyPrice
	cfg.Management.MaxOpenOrdersPerSide = s.MaxOpenOrdersPerSide
	if cfg.Management.MaxOpenOrdersPerSide <= 0 {
		cfg.Management.MaxOpenOrdersPerSide = 1
	}

	cfg.Risk.StopLossEnabled = cfg.Risk.StopLossPercent.Sign() > 0
	cfg.Risk.OrderTimeoutEnabled = s.OrderTimeoutMinutes > 0
	cfg.Risk.OrderTimeoutMinutes = s.OrderTimeoutMinutes
	cfg.Risk.MaxSessionLossEnabled = cfg.Risk.MaxSessionLossUSD.Sign() > 0
	cfg.Risk.MaxDayLossEnabled = cfg.Risk.MaxDayLossUSD.Sign() > 0

	cfg.Timing.CycleIntervalMinMs = s.CycleIntervalMinMs
	cfg.Timing.CycleIntervalMaxMs = s.CycleIntervalMaxMs
	if cfg.Timing.CycleIntervalMinMs <= 0 {
		cfg.Timing.CycleIntervalMinMs = 30_000
	}
	if cfg.Timing.CycleIntervalMaxMs < cfg.Timing.CycleIntervalMinMs {
		cfg.Timing.CycleIntervalMaxMs = cfg.Timing.CycleIntervalMinMs
	}

	return cfg, cfg.Validate()
}

func orderTypeOrDefault(s string) exchange.OrderType {
	if s == string(exchange.OrderTypeMarket) {
		return exchange.OrderTypeMarket
	}
	return exchange.OrderTypeLimit
}

func priceModeOrDefault(s string) store.PriceMode {
	switch store.PriceMode(s) {
	case store.PriceModeBestBid, store.PriceModeBestAsk, store.PriceModeLast:
		return store.PriceMode(s)
	default:
		return store.PriceModeMid
	}
}
