// Package executor decides whether and what to buy/sell in one engine
// cycle: stop-loss, spread gating, pricing, sizing, profit protection,
// precision validation, and submission.
package executor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"maker-core/internal/balance"
	"maker-core/pkg/exchange"
	"maker-core/pkg/num"
	"maker-core/pkg/store"
)

// marketSlippageBuffer shrinks usable balance for market orders to absorb
// price movement between calculation and execution (2%).
var marketSlippageBuffer = decimal.RequireFromString("0.98")

// Input is the market context gathered by the engine for one cycle.
type Input struct {
	Market  exchange.Market
	Config  *store.StrategyConfig
	Owner   string
	Account string

	Ticker *exchange.Ticker
	Book   *exchange.OrderBook

	// Unlocked balances in human units.
	BaseUnlocked  decimal.Decimal
	QuoteUnlocked decimal.Decimal

	OpenBuyOrders  int
	OpenSellOrders int
}

// OrderOutcome records one attempted placement. Order is nil when the
// attempt failed or was rejected by validation; Err carries the reason.
type OrderOutcome struct {
	Side     exchange.Side
	Type     exchange.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal

	ScaledPrice    string
	ScaledQuantity string

	Order *exchange.Order
	Err   string
}

// Failed reports whether the placement did not reach the exchange.
func (o *OrderOutcome) Failed() bool { return o.Order == nil }

// Result is the outcome of one executor run. Errors are always carried as
// values; Execute never propagates a failure up to the scheduler.
type Result struct {
	Executed      bool
	Orders        []OrderOutcome
	SkipReason    string
	StopLossFired bool
	// ConfigDirty is set when the executor mutated Config.State (e.g.
	// clearing the tracked average buy price after a stop-loss) and the
	// caller must persist it.
	ConfigDirty bool
}

// Executor runs the per-cycle trading decision.
type Executor struct {
	gateway  exchange.Gateway
	balances *balance.Cache
	log      *zap.SugaredLogger
}

// New creates an executor.
func New(gw exchange.Gateway, balances *balance.Cache, logger *zap.Logger) *Executor {
	return &Executor{
		gateway:  gw,
		balances: balances,
		log:      logger.Sugar(),
	}
}

// Execute runs the decision sequence for one market cycle.
func (e *Executor) Execute(ctx context.Context, in Input) Result {
	cfg := in.Config

	// 1. Stop-loss short-circuits everything else.
	if res, fired := e.checkStopLoss(ctx, in); fired {
		return res
	}

	// 2. Effective (depth-aware) spread gate.
	if skip := e.spreadGate(in); skip != "" {
		return Result{SkipReason: skip}
	}

	var res Result

	// 3-8. Evaluate both sides under the open-order caps.
	if cfg.Order.SideFilter != exchange.SideSell {
		if in.OpenBuyOrders >= cfg.Management.MaxOpenOrdersPerSide {
			e.log.Debugw("buy side at open-order cap", "market", in.Market.ID, "open", in.OpenBuyOrders)
		} else if out, attempted := e.tryOrder(ctx, in, exchange.SideBuy, decimal.Zero); attempted {
			res.Orders = append(res.Orders, out)
		}
	}
	if cfg.Order.SideFilter != exchange.SideBuy {
		if in.OpenSellOrders >= cfg.Management.MaxOpenOrdersPerSide {
			e.log.Debugw("sell side at open-order cap", "market", in.Market.ID, "open", in.OpenSellOrders)
		} else if out, attempted := e.tryOrder(ctx, in, exchange.SideSell, decimal.Zero); attempted {
			res.Orders = append(res.Orders, out)
		}
	}

	for i := range res.Orders {
		if !res.Orders[i].Failed() {
			res.Executed = true
		}
	}
	if len(res.Orders) == 0 && res.SkipReason == "" {
		res.SkipReason = "no side eligible this cycle"
	}
	return res
}

// ExecuteSellForFill places the profit-protected sell matching a just-
// confirmed buy fill of fillQty. Used by the engine's fill-tracking step.
func (e *Executor) ExecuteSellForFill(ctx context.Context, in Input, fillQty decimal.Decimal) Result {
	var res Result
	if out, attempted := e.tryOrder(ctx, in, exchange.SideSell, fillQty); attempted {
		res.Orders = append(res.Orders, out)
		res.Executed = !out.Failed()
	} else {
		res.SkipReason = "sell for fill not eligible"
	}
	return res
}

// checkStopLoss fires when the enabled stop-loss threshold is breached:
// cancel every open order, market-sell the entire base balance when it
// clears the minimum order value, then clear the tracked average buy price
// so the trigger cannot keep re-firing against stale state.
func (e *Executor) checkStopLoss(ctx context.Context, in Input) (Result, bool) {
	cfg := in.Config
	if !cfg.Risk.StopLossEnabled || in.Ticker == nil {
		return Result{}, false
	}
	avgBuy, ok := cfg.AvgBuyPrice()
	if !ok {
		return Result{}, false
	}

	threshold := avgBuy.Mul(decimal.NewFromInt(1).Sub(num.Pct(cfg.Risk.StopLossPercent)))
	if in.Ticker.LastPrice.GreaterThanOrEqual(threshold) {
		return Result{}, false
	}

	res := Result{StopLossFired: true}
	e.log.Warnw("stop-loss triggered",
		"market", in.Market.ID, "last", in.Ticker.LastPrice,
		"avg_buy", avgBuy, "threshold", threshold)

	open, err := e.gateway.GetOpenOrders(ctx, in.Market.ID, in.Owner)
	if err != nil {
		e.log.Errorw("stop-loss: list open orders failed", "err", err)
	}
	for _, o := range open {
		if err := e.gateway.CancelOrder(ctx, o.ID, in.Market.ID, in.Owner); err != nil {
			e.log.Errorw("stop-loss: cancel failed", "order", o.ID, "err", err)
		}
	}

	// Fresh base balance: the cancellations just unlocked funds.
	e.balances.Invalidate(in.Account)
	baseQty := in.BaseUnlocked
	if bal, err := e.balances.Get(ctx, in.Account, in.Market.BaseAsset); err == nil {
		if fresh, err := num.FromScaled(bal.Unlocked, in.Market.BaseDecimals); err == nil {
			baseQty = fresh
		}
	}

	qty := num.RoundDownToStep(baseQty, in.Market.StepSize, in.Market.MaxQuantityPrecision)
	value := qty.Mul(in.Ticker.LastPrice)
	if qty.Sign() > 0 && value.GreaterThanOrEqual(minOrderValue(in)) {
		out := e.submit(ctx, in, exchange.SideSell, exchange.OrderTypeMarket, in.Ticker.LastPrice, qty)
		res.Orders = append(res.Orders, out)
		res.Executed = !out.Failed()
	} else {
		e.log.Infow("stop-loss: base balance below minimum order value, nothing to liquidate",
			"market", in.Market.ID, "qty", qty, "value", value)
	}

	cfg.State.AverageBuyPrice = ""
	res.ConfigDirty = true
	return res, true
}

// spreadGate returns a skip reason when the depth-aware spread exceeds the
// configured maximum. The reference fill size is derived from the minimum
// order size, and insufficient depth counts as an infinite spread.
func (e *Executor) spreadGate(in Input) string {
	cfg := in.Config
	if in.Book == nil || cfg.Order.MaxSpreadPercent.Sign() <= 0 {
		return ""
	}

	ref := e.referencePrice(in, store.PriceModeMid)
	if ref.Sign() <= 0 {
		return "no reference price for spread check"
	}
	refQty := minOrderValue(in).Div(ref)

	spread, ok := num.EffectiveSpread(in.Book.Bids, in.Book.Asks, refQty)
	if !ok {
		return "orderbook too thin to fill reference size; treating spread as infinite"
	}
	if spread.GreaterThan(cfg.Order.MaxSpreadPercent) {
		return fmt.Sprintf("effective spread %s%% above maximum %s%%",
			spread.StringFixed(4), cfg.Order.MaxSpreadPercent)
	}
	return ""
}

// tryOrder runs pricing, sizing, profit protection, and precision
// validation for one side, then submits. attempted is false when the side
// was skipped without an order attempt (e.g. zero size, unverifiable
// profit); a validation rejection counts as an attempt and is reported.
func (e *Executor) tryOrder(ctx context.Context, in Input, side exchange.Side, fixedQty decimal.Decimal) (OrderOutcome, bool) {
	cfg := in.Config

	// 4. Reference price and offset.
	ref := e.referencePrice(in, cfg.Order.PriceMode)
	if ref.Sign() <= 0 {
		return OrderOutcome{}, false
	}

	offset := num.Pct(cfg.Order.PriceOffsetPercent)
	var price decimal.Decimal
	if side == exchange.SideBuy {
		price = ref.Mul(decimal.NewFromInt(1).Sub(offset))
	} else {
		price = ref.Mul(decimal.NewFromInt(1).Add(offset))
	}

	orderType := cfg.Order.Type

	// Limit buys never cross the book; market buys may float above with
	// a warning only.
	if side == exchange.SideBuy {
		if bestAsk := in.Book.BestAsk(); bestAsk.Sign() > 0 && price.GreaterThan(bestAsk) {
			if orderType == exchange.OrderTypeLimit {
				price = bestAsk
			} else {
				e.log.Warnw("market buy priced above best ask",
					"market", in.Market.ID, "price", price, "best_ask", bestAsk)
			}
		}
	}

	// 6. Profit-protection floor for sells, before sizing so the raised
	// price sizes the order correctly.
	if side == exchange.SideSell && cfg.Management.OnlySellAboveBuyPrice {
		avgBuy, ok := cfg.AvgBuyPrice()
		if !ok {
			// Without a tracked buy price the margin cannot be verified.
			e.log.Debugw("sell skipped: no tracked average buy price", "market", in.Market.ID)
			return OrderOutcome{}, false
		}
		floor := avgBuy.Mul(decimal.NewFromInt(1).Add(num.Pct(cfg.Risk.TakeProfitPercent)))
		if price.LessThan(floor) {
			// Raise to the floor instead of skipping; above-market
			// prices cannot execute as market orders, so the order
			// rests as a limit.
			price = floor
			orderType = exchange.OrderTypeLimit
		}
	}

	// 5. Sizing.
	var qty decimal.Decimal
	if fixedQty.Sign() > 0 {
		qty = fixedQty
	} else {
		qty = e.orderQuantity(in, side, price, orderType)
	}
	if qty.Sign() <= 0 {
		return OrderOutcome{}, false
	}

	// 7. Precision and market limits.
	qty = num.RoundDownToStep(qty, in.Market.StepSize, in.Market.MaxQuantityPrecision)
	price = num.TruncToTick(price, in.Market.TickSize, in.Market.MaxPricePrecision)

	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return OrderOutcome{}, false
	}
	value := price.Mul(qty)
	if value.LessThan(minOrderValue(in)) {
		return OrderOutcome{
			Side: side, Type: orderType, Price: price, Quantity: qty,
			Err: fmt.Sprintf("order value %s below market minimum %s", value, minOrderValue(in)),
		}, true
	}
	if max := in.Market.MaxOrderValueUSD; max.Sign() > 0 && value.GreaterThan(max) {
		return OrderOutcome{
			Side: side, Type: orderType, Price: price, Quantity: qty,
			Err: fmt.Sprintf("order value %s above market maximum %s", value, max),
		}, true
	}

	// 8. Submit.
	return e.submit(ctx, in, side, orderType, price, qty), true
}

// orderQuantity derives the order size in base units from the sizing
// config and available balances.
func (e *Executor) orderQuantity(in Input, side exchange.Side, price decimal.Decimal, orderType exchange.OrderType) decimal.Decimal {
	cfg := in.Config

	// Usable balance in quote terms for the side.
	var usable decimal.Decimal
	if side == exchange.SideBuy {
		usable = in.QuoteUnlocked
	} else {
		usable = in.BaseUnlocked.Mul(price)
	}
	if orderType == exchange.OrderTypeMarket {
		usable = usable.Mul(marketSlippageBuffer)
	}

	var value decimal.Decimal
	switch cfg.Sizing.Mode {
	case store.SizingFixedUSD:
		value = cfg.Sizing.FixedUSD
		if max := cfg.Sizing.MaxOrderSizeUSD; max.Sign() > 0 && value.GreaterThan(max) {
			value = max
		}
		value = decimal.Min(value, usable)

	default: // percentage of balance
		pct := cfg.Sizing.QuotePercent
		if side == exchange.SideSell {
			pct = cfg.Sizing.BasePercent
		}
		value = usable.Mul(num.Pct(pct))
		if max := cfg.Sizing.MaxOrderSizeUSD; max.Sign() > 0 && value.GreaterThan(max) {
			value = max
		}
		// Re-cap after the clamp: the clamp can never grow the order
		// beyond what the balance supports.
		value = decimal.Min(value, usable)
	}

	if value.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}
	return value.Div(price)
}

// referencePrice resolves the configured reference price, falling back to
// the last trade price when the book is unavailable.
func (e *Executor) referencePrice(in Input, mode store.PriceMode) decimal.Decimal {
	last := decimal.Zero
	if in.Ticker != nil {
		last = in.Ticker.LastPrice
	}
	if in.Book == nil {
		return last
	}

	bid, ask := in.Book.BestBid(), in.Book.BestAsk()
	switch mode {
	case store.PriceModeBestBid:
		if bid.Sign() > 0 {
			return bid
		}
	case store.PriceModeBestAsk:
		if ask.Sign() > 0 {
			return ask
		}
	case store.PriceModeLast:
		return last
	default: // mid
		if bid.Sign() > 0 && ask.Sign() > 0 {
			return bid.Add(ask).Div(decimal.NewFromInt(2))
		}
	}
	return last
}

// submit scales the order into base units and places it, capturing any
// failure into the outcome.
func (e *Executor) submit(ctx context.Context, in Input, side exchange.Side, orderType exchange.OrderType, price, qty decimal.Decimal) OrderOutcome {
	out := OrderOutcome{
		Side:           side,
		Type:           orderType,
		Price:          price,
		Quantity:       qty,
		ScaledPrice:    num.ToScaled(price, in.Market.QuoteDecimals),
		ScaledQuantity: num.ToScaled(qty, in.Market.BaseDecimals),
	}

	order, err := e.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		MarketID: in.Market.ID,
		Side:     side,
		Type:     orderType,
		Price:    out.ScaledPrice,
		Quantity: out.ScaledQuantity,
		Owner:    in.Owner,
	})
	if err != nil {
		out.Err = err.Error()
		e.log.Errorw("order placement failed",
			"market", in.Market.ID, "side", side, "price", price, "qty", qty, "err", err)
		return out
	}

	out.Order = order
	e.balances.Invalidate(in.Account)
	e.log.Infow("order placed",
		"market", in.Market.ID, "order", order.ID, "side", side,
		"type", orderType, "price", num.FormatPrice(price), "qty", qty)
	return out
}

// minOrderValue is the market's minimum order value, falling back to the
// strategy's configured minimum when the market does not declare one.
func minOrderValue(in Input) decimal.Decimal {
	if in.Market.MinOrderValueUSD.Sign() > 0 {
		return in.Market.MinOrderValueUSD
	}
	return in.Config.Sizing.MinOrderSizeUSD
}
