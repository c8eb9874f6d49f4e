package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"maker-core/pkg/exchange"
)

// PriceMode selects the reference price for order pricing.
type PriceMode string

const (
	PriceModeMid     PriceMode = "mid"
	PriceModeBestBid PriceMode = "best_bid"
	PriceModeBestAsk PriceMode = "best_ask"
	PriceModeLast    PriceMode = "last_price"
)

// SizingMode selects how order size is derived.
type SizingMode string

const (
	SizingPercentage SizingMode = "percentage"
	SizingFixedUSD   SizingMode = "fixed_usd"
)

// OrderConfig controls order type and pricing for one strategy.
type OrderConfig struct {
	Type               exchange.OrderType `json:"type"`
	PriceMode          PriceMode          `json:"price_mode"`
	PriceOffsetPercent decimal.Decimal    `json:"price_offset_percent"`
	MaxSpreadPercent   decimal.Decimal    `json:"max_spread_percent"`
	// SideFilter restricts trading to one side; empty means both.
	SideFilter exchange.Side `json:"side_filter,omitempty"`
}

// SizingConfig controls position sizing.
type SizingConfig struct {
	Mode SizingMode `json:"mode"`
	// Percentage-of-balance sizing, per side.
	BasePercent  decimal.Decimal `json:"base_percent"`
	QuotePercent decimal.Decimal `json:"quote_percent"`
	// Fixed-USD sizing.
	FixedUSD decimal.Decimal `json:"fixed_usd"`

	MinOrderSizeUSD decimal.Decimal `json:"min_order_size_usd"`
	MaxOrderSizeUSD decimal.Decimal `json:"max_order_size_usd"` // zero = unlimited
}

// ManagementConfig controls open-order management.
type ManagementConfig struct {
	OnlySellAboveBuyPrice bool `json:"only_sell_above_buy_price"`
	MaxOpenOrdersPerSide  int  `json:"max_open_orders_per_side"`
}

// RiskConfig holds the risk limits enforced by the engine and executor.
type RiskConfig struct {
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`

	StopLossEnabled bool            `json:"stop_loss_enabled"`
	StopLossPercent decimal.Decimal `json:"stop_loss_percent"`

	OrderTimeoutEnabled bool `json:"order_timeout_enabled"`
	OrderTimeoutMinutes int  `json:"order_timeout_minutes"`

	MaxSessionLossEnabled bool            `json:"max_session_loss_enabled"`
	MaxSessionLossUSD     decimal.Decimal `json:"max_session_loss_usd"`

	MaxDayLossEnabled bool            `json:"max_day_loss_enabled"`
	MaxDayLossUSD     decimal.Decimal `json:"max_day_loss_usd"`
}

// TimingConfig bounds the jittered cycle interval.
type TimingConfig struct {
	CycleIntervalMinMs int64 `json:"cycle_interval_min_ms"`
	CycleIntervalMaxMs int64 `json:"cycle_interval_max_ms"`
}

// DailyPnL is the rolling daily loss record used by the max-day-loss gate.
type DailyPnL struct {
	Date        string          `json:"date"` // 2006-01-02
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	PausedUntil time.Time       `json:"paused_until,omitempty"`
}

// StrategyState is the engine-mutated portion of a strategy config:
// fill-price tracking and daily P&L.
type StrategyState struct {
	// AverageBuyPrice is either empty or a positive decimal string.
	AverageBuyPrice  string    `json:"average_buy_price,omitempty"`
	AverageSellPrice string    `json:"average_sell_price,omitempty"`
	LastFillPrices   []string  `json:"last_fill_prices,omitempty"`
	Daily            *DailyPnL `json:"daily,omitempty"`
}

// StrategyConfig is the per-market strategy document. The UI mutates the
// config sections; the engine mutates State.
type StrategyConfig struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	MarketID string `json:"market_id"`
	IsActive bool   `json:"is_active"`

	Order      OrderConfig      `json:"order"`
	Sizing     SizingConfig     `json:"sizing"`
	Management ManagementConfig `json:"management"`
	Risk       RiskConfig       `json:"risk"`
	Timing     TimingConfig     `json:"timing"`
	State      StrategyState    `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants the engine relies on.
func (c *StrategyConfig) Validate() error {
	if c.MarketID == "" {
		return fmt.Errorf("strategy config: market id is empty")
	}
	if c.Timing.CycleIntervalMinMs > c.Timing.CycleIntervalMaxMs {
		return fmt.Errorf("strategy config %s: cycle interval min %d > max %d",
			c.ID, c.Timing.CycleIntervalMinMs, c.Timing.CycleIntervalMaxMs)
	}
	hundred := decimal.NewFromInt(100)
	for name, p := range map[string]decimal.Decimal{
		"base_percent":  c.Sizing.BasePercent,
		"quote_percent": c.Sizing.QuotePercent,
	} {
		if p.IsNegative() || p.GreaterThan(hundred) {
			return fmt.Errorf("strategy config %s: %s %s outside [0,100]", c.ID, name, p)
		}
	}
	if c.State.AverageBuyPrice != "" {
		avg, err := decimal.NewFromString(c.State.AverageBuyPrice)
		if err != nil || avg.Sign() <= 0 {
			return fmt.Errorf("strategy config %s: average buy price %q is not a positive decimal",
				c.ID, c.State.AverageBuyPrice)
		}
	}
	return nil
}

// AvgBuyPrice parses the tracked average buy price. ok is false when unset.
func (c *StrategyConfig) AvgBuyPrice() (decimal.Decimal, bool) {
	if c.State.AverageBuyPrice == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(c.State.AverageBuyPrice)
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, false
	}
	return d, true
}

// TradeStatus is the local trade history record status.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeFilled    TradeStatus = "filled"
	TradeCancelled TradeStatus = "cancelled"
	TradeFailed    TradeStatus = "failed"
)

// Trade is the denormalized local record of an order placement and its
// outcome, kept for display and resync against the exchange.
type Trade struct {
	ID       string             `json:"id"`
	OrderID  string             `json:"order_id"`
	MarketID string             `json:"market_id"`
	Owner    string             `json:"owner"`
	Side     exchange.Side      `json:"side"`
	Type     exchange.OrderType `json:"type"`

	// Human-unit decimal strings.
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	FillPrice    string `json:"fill_price,omitempty"`
	FillQuantity string `json:"fill_quantity,omitempty"`

	Status  TradeStatus `json:"status"`
	Message string      `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a trading session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// SessionTrade is one bounded-log entry recording a confirmed fill with the
// cost-basis snapshot retained for audit.
type SessionTrade struct {
	Time            time.Time       `json:"time"`
	OrderID         string          `json:"order_id"`
	Side            exchange.Side   `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Fee             decimal.Decimal `json:"fee"`
	PnL             decimal.Decimal `json:"pnl"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
}

// ConsoleLine is one entry of the bounded session console ring.
type ConsoleLine struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

// Session is a per (owner, market, trading-start) accounting document.
// RealizedPnL moves only on confirmed fills, never on order placement.
type Session struct {
	ID       string        `json:"id"`
	Owner    string        `json:"owner"`
	MarketID string        `json:"market_id"`
	Status   SessionStatus `json:"status"`

	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`

	TradeCount int `json:"trade_count"`
	BuyCount   int `json:"buy_count"`
	SellCount  int `json:"sell_count"`

	// Weighted-average-cost inventory of unsold buys.
	UnsoldQuantity  decimal.Decimal `json:"unsold_quantity"`
	UnsoldCostBasis decimal.Decimal `json:"unsold_cost_basis"`

	// Sell aggregates kept for average-sell-price reporting.
	SellQuantity decimal.Decimal `json:"sell_quantity"`
	SellNotional decimal.Decimal `json:"sell_notional"`

	// Asset -> human amount at session start.
	StartingBalances map[string]string `json:"starting_balances,omitempty"`

	Trades  []SessionTrade `json:"trades,omitempty"`
	Console []ConsoleLine  `json:"console,omitempty"`

	// Last context snapshot, for display after restart.
	ContextCache json.RawMessage `json:"context_cache,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
