package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"maker-core/pkg/num"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// IsOpen reports whether the order can still receive fills.
func (s OrderStatus) IsOpen() bool {
	return s == StatusOpen || s == StatusPartial
}

// Market carries the precision and size constraints for one trading pair.
type Market struct {
	ID         string `json:"id"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	BaseDecimals  int32 `json:"base_decimals"`
	QuoteDecimals int32 `json:"quote_decimals"`

	// TickSize/StepSize are human-unit increments; zero means the max
	// precision fallback applies.
	TickSize decimal.Decimal `json:"tick_size"`
	StepSize decimal.Decimal `json:"step_size"`

	MaxPricePrecision    int32 `json:"max_price_precision"`
	MaxQuantityPrecision int32 `json:"max_quantity_precision"`

	MinOrderValueUSD decimal.Decimal `json:"min_order_value_usd"`
	MaxOrderValueUSD decimal.Decimal `json:"max_order_value_usd"` // zero = unlimited
}

// Order is the exchange view of a single order. Price and quantity fields
// are integer strings in asset base units (human value * 10^decimals).
type Order struct {
	ID       string    `json:"id"`
	MarketID string    `json:"market_id"`
	Side     Side      `json:"side"`
	Type     OrderType `json:"type"`

	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	FillPrice      string `json:"fill_price"`

	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// HumanPrice decodes the scaled price using the market's quote decimals.
func (o *Order) HumanPrice(m Market) (decimal.Decimal, error) {
	return num.FromScaled(o.Price, m.QuoteDecimals)
}

// HumanFilledQuantity decodes the scaled filled quantity using the market's
// base decimals.
func (o *Order) HumanFilledQuantity(m Market) (decimal.Decimal, error) {
	return num.FromScaled(o.FilledQuantity, m.BaseDecimals)
}

// OrderRequest captures an order intent to be sent to the venue.
type OrderRequest struct {
	MarketID string    `json:"market_id"`
	Side     Side      `json:"side"`
	Type     OrderType `json:"type"`
	// Scaled integer strings, same encoding as Order.
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Owner    string `json:"owner"`
}

// Ticker is the latest trade price for a market.
type Ticker struct {
	MarketID  string          `json:"market_id"`
	LastPrice decimal.Decimal `json:"last_price"`
}

// OrderBook holds depth snapshots, best levels first.
type OrderBook struct {
	Bids []num.Level `json:"bids"`
	Asks []num.Level `json:"asks"`
}

// BestBid returns the top bid price, zero when the side is empty.
func (b *OrderBook) BestBid() decimal.Decimal {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask price, zero when the side is empty.
func (b *OrderBook) BestAsk() decimal.Decimal {
	if b == nil || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Balance is a per-asset account balance in scaled integer strings.
type Balance struct {
	Asset    string `json:"asset"`
	Unlocked string `json:"unlocked"`
	Locked   string `json:"locked"`
	Total    string `json:"total"`
}
