package exchange

import "context"

// Gateway abstracts order placement on a trading venue. All scaled values
// are integer strings in asset base units.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID, marketID, owner string) (*Order, error)
	GetOpenOrders(ctx context.Context, marketID, owner string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID, marketID, owner string) error
}

// MarketData provides read-only market state.
type MarketData interface {
	GetTicker(ctx context.Context, marketID string) (*Ticker, error)
	GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error)
	GetMarket(ctx context.Context, marketID string) (*Market, error)
}

// BalanceSource reads per-asset balances for a trading account.
type BalanceSource interface {
	GetBalance(ctx context.Context, account, asset string) (*Balance, error)
}
