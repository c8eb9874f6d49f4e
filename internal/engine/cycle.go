package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"maker-core/internal/events"
	"maker-core/internal/executor"
	"maker-core/internal/fills"
	"maker-core/internal/ledger"
	"maker-core/internal/metrics"
	"maker-core/pkg/exchange"
	"maker-core/pkg/num"
	"maker-core/pkg/store"
)

var errMarketDeactivated = errors.New("engine: strategy deactivated")

// runCycle is the timer callback for one market. It never lets a failure
// kill the loop: errors reschedule with a fixed backoff.
func (e *Engine) runCycle(marketID string) {
	e.mu.Lock()
	if e.state != EngineRunning {
		e.mu.Unlock()
		return
	}
	loop, ok := e.markets[marketID]
	if !ok || loop.state == MarketRemoved {
		e.mu.Unlock()
		return
	}

	// One submission critical section per (owner, account) at a time.
	key := e.owner + ":" + e.account
	if !e.locks.TryAcquire(key) {
		e.scheduleLocked(loop, lockBackoff)
		e.mu.Unlock()
		return
	}
	loop.state = MarketExecuting
	ctx := e.ctx
	cfgID, sessionID, market := loop.configID, loop.sessionID, loop.market
	e.mu.Unlock()

	start := e.clock.Now()
	delay, err := e.cycle(ctx, market, cfgID, sessionID)
	e.locks.Release(key)
	metrics.CycleDuration.WithLabelValues(market.ID).Observe(e.clock.Now().Sub(start).Seconds())

	switch {
	case errors.Is(err, errMarketDeactivated):
		e.log.Infow("strategy deactivated, stopping market", "market", market.ID)
		e.StopMarketTrading(market.ID)
		return
	case err != nil:
		metrics.CyclesTotal.WithLabelValues(market.ID, "error").Inc()
		e.log.Errorw("trading cycle failed", "market", market.ID, "err", err)
		e.emitStatus(market.ID, fmt.Sprintf("trading cycle error: %v", err), events.SeverityError)
		delay = errorBackoff
	}

	// A late-finishing cycle must not resurrect a stopped loop.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EngineRunning {
		return
	}
	loop, ok = e.markets[marketID]
	if !ok || loop.state == MarketRemoved {
		return
	}
	e.scheduleLocked(loop, delay)
}

// cycle runs the documented step sequence for one market and returns the
// delay until the next run.
func (e *Engine) cycle(ctx context.Context, market exchange.Market, cfgID, sessionID string) (time.Duration, error) {
	// Re-read the config: risk settings may have changed since the timer
	// was armed.
	cfg, err := e.store.GetStrategyConfig(ctx, cfgID)
	if err != nil {
		return 0, fmt.Errorf("re-read config: %w", err)
	}
	if !cfg.IsActive {
		return 0, errMarketDeactivated
	}

	// Loss limits park the market on a long fixed delay instead of the
	// configured interval.
	if delay, parked := e.riskParked(ctx, cfg, sessionID, market.ID); parked {
		return delay, nil
	}

	if cfg.Risk.OrderTimeoutEnabled && cfg.Risk.OrderTimeoutMinutes > 0 {
		e.cancelTimedOut(ctx, market, cfg.Risk.OrderTimeoutMinutes)
	}

	g, err := e.gatherContext(ctx, market, cfg, sessionID)
	if err != nil {
		return 0, err
	}

	in := executor.Input{
		Market:         market,
		Config:         cfg,
		Owner:          e.owner,
		Account:        e.account,
		Ticker:         g.ticker,
		Book:           g.book,
		BaseUnlocked:   g.baseBal,
		QuoteUnlocked:  g.quoteBal,
		OpenBuyOrders:  g.openBuys,
		OpenSellOrders: g.openSells,
	}
	res := e.executor.Execute(ctx, in)
	cfgDirty := res.ConfigDirty

	if res.StopLossFired {
		metrics.RiskTriggers.WithLabelValues(market.ID, "stop_loss").Inc()
		e.emitStatus(market.ID,
			fmt.Sprintf("stop-loss triggered on %s, position liquidated", market.ID),
			events.SeverityWarning)
	}
	if res.SkipReason != "" {
		e.emitVerbose(market.ID, fmt.Sprintf("cycle skipped: %s", res.SkipReason))
	}
	e.recordOutcomes(ctx, market, sessionID, res.Orders)

	if e.processFills(ctx, market, cfg, sessionID, g) {
		cfgDirty = true
	}

	e.syncPendingTrades(ctx, market)

	if cfgDirty {
		cfg.UpdatedAt = e.clock.Now()
		if err := e.store.PutStrategyConfig(ctx, *cfg); err != nil {
			e.log.Errorw("config state not persisted", "market", market.ID, "err", err)
		}
	}

	result := "skipped"
	if res.Executed {
		result = "executed"
	}
	metrics.CyclesTotal.WithLabelValues(market.ID, result).Inc()

	return jitter(cfg.Timing), nil
}

// riskParked checks the max-session-loss and max-day-loss gates.
func (e *Engine) riskParked(ctx context.Context, cfg *store.StrategyConfig, sessionID, marketID string) (time.Duration, bool) {
	if cfg.Risk.MaxSessionLossEnabled && cfg.Risk.MaxSessionLossUSD.Sign() > 0 {
		pnl := e.sessionPnL(ctx, sessionID)
		if pnl.LessThan(cfg.Risk.MaxSessionLossUSD.Neg()) {
			metrics.RiskTriggers.WithLabelValues(marketID, "max_session_loss").Inc()
			e.emitStatus(marketID,
				fmt.Sprintf("session loss %s exceeds limit %s, trading parked",
					pnl.StringFixed(2), cfg.Risk.MaxSessionLossUSD),
				events.SeverityWarning)
			return riskParkDelay, true
		}
	}
	if cfg.Risk.MaxDayLossEnabled && cfg.Risk.MaxDayLossUSD.Sign() > 0 && cfg.State.Daily != nil {
		d := cfg.State.Daily
		if d.Date == e.clock.Now().Format("2006-01-02") &&
			d.RealizedPnL.LessThan(cfg.Risk.MaxDayLossUSD.Neg()) {
			metrics.RiskTriggers.WithLabelValues(marketID, "max_day_loss").Inc()
			e.emitStatus(marketID,
				fmt.Sprintf("daily loss %s exceeds limit %s, trading parked",
					d.RealizedPnL.StringFixed(2), cfg.Risk.MaxDayLossUSD),
				events.SeverityWarning)
			return riskParkDelay, true
		}
	}
	return 0, false
}

// cancelTimedOut cancels open orders older than the configured timeout.
func (e *Engine) cancelTimedOut(ctx context.Context, market exchange.Market, minutes int) {
	open, err := e.gateway.GetOpenOrders(ctx, market.ID, e.owner)
	if err != nil {
		e.log.Warnw("open orders unavailable for timeout check", "market", market.ID, "err", err)
		return
	}
	cutoff := e.clock.Now().Add(-time.Duration(minutes) * time.Minute)
	cancelled := 0
	for _, o := range open {
		if o.CreatedAt.IsZero() || o.CreatedAt.After(cutoff) {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, o.ID, market.ID, e.owner); err != nil {
			e.log.Errorw("timeout cancel failed", "order", o.ID, "err", err)
			continue
		}
		cancelled++
		metrics.OrdersCancelled.WithLabelValues(market.ID, "timeout").Inc()
		e.emitStatus(market.ID,
			fmt.Sprintf("cancelled %s order %s after %dm timeout", o.Side, o.ID, minutes),
			events.SeverityInfo)
	}
	if cancelled > 0 {
		e.balances.Invalidate(e.account)
	}
}

// gathered is the per-cycle market context fetched concurrently.
type gathered struct {
	ticker     *exchange.Ticker
	book       *exchange.OrderBook
	baseBal    decimal.Decimal
	quoteBal   decimal.Decimal
	openBuys   int
	openSells  int
	openOrders []exchange.Order
}

// gatherContext fetches balances, open orders, and market data
// concurrently, emits the context snapshot to observers, and persists a
// lightweight copy into the session.
func (e *Engine) gatherContext(ctx context.Context, market exchange.Market, cfg *store.StrategyConfig, sessionID string) (*gathered, error) {
	var (
		g    gathered
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		base, err := e.humanUnlocked(ctx, market.BaseAsset, market.BaseDecimals)
		if err != nil {
			fail(fmt.Errorf("base balance: %w", err))
			return
		}
		quote, err := e.humanUnlocked(ctx, market.QuoteAsset, market.QuoteDecimals)
		if err != nil {
			fail(fmt.Errorf("quote balance: %w", err))
			return
		}
		g.baseBal, g.quoteBal = base, quote
	}()
	go func() {
		defer wg.Done()
		ticker, err := e.marketData.GetTicker(ctx, market.ID)
		if err != nil {
			fail(fmt.Errorf("ticker: %w", err))
			return
		}
		g.ticker = ticker
		book, err := e.marketData.GetOrderBook(ctx, market.ID)
		if err != nil {
			// The executor degrades to last-price mode without a book.
			e.log.Warnw("orderbook unavailable", "market", market.ID, "err", err)
			return
		}
		g.book = book
	}()
	go func() {
		defer wg.Done()
		open, err := e.gateway.GetOpenOrders(ctx, market.ID, e.owner)
		if err != nil {
			fail(fmt.Errorf("open orders: %w", err))
			return
		}
		g.openOrders = open
	}()
	wg.Wait()

	if len(errs) > 0 {
		return nil, errs[0]
	}

	for _, o := range g.openOrders {
		if o.Side == exchange.SideBuy {
			g.openBuys++
		} else {
			g.openSells++
		}
	}

	snap := &MarketContext{
		MarketID:       market.ID,
		Time:           e.clock.Now(),
		LastPrice:      num.FormatPrice(g.ticker.LastPrice),
		BaseBalance:    g.baseBal.String(),
		QuoteBalance:   g.quoteBal.String(),
		OpenBuyOrders:  g.openBuys,
		OpenSellOrders: g.openSells,
		RealizedPnL:    e.sessionPnL(ctx, sessionID).String(),
	}

	// Both sides below the minimum order size with nothing resting means
	// the strategy can never act again on its own.
	minVal := market.MinOrderValueUSD
	if minVal.Sign() <= 0 {
		minVal = cfg.Sizing.MinOrderSizeUSD
	}
	baseValue := g.baseBal.Mul(g.ticker.LastPrice)
	if len(g.openOrders) == 0 && g.quoteBal.LessThan(minVal) && baseValue.LessThan(minVal) {
		snap.Warning = "both balances below minimum order size and no open orders; trading is deadlocked"
		e.emitStatus(market.ID, snap.Warning, events.SeverityWarning)
	}

	e.mu.Lock()
	e.contexts[market.ID] = snap
	e.mu.Unlock()

	e.bus.Publish(events.TopicContext, *snap)
	e.bus.Publish(events.TopicMultiContext, e.Contexts())

	if raw, err := json.Marshal(snap); err == nil {
		if err := e.ledger.SaveContext(ctx, sessionID, raw); err != nil {
			e.log.Warnw("context cache not persisted", "market", market.ID, "err", err)
		}
	}
	return &g, nil
}

func (e *Engine) humanUnlocked(ctx context.Context, asset string, decimals int32) (decimal.Decimal, error) {
	bal, err := e.balances.Get(ctx, e.account, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return num.FromScaled(bal.Unlocked, decimals)
}

// recordOutcomes turns placement results into trade records and status
// events. Successful placements are fetched back (bounded retries) to
// learn the fill price for display.
func (e *Engine) recordOutcomes(ctx context.Context, market exchange.Market, sessionID string, outcomes []executor.OrderOutcome) {
	for i := range outcomes {
		out := &outcomes[i]
		now := e.clock.Now()
		trade := store.Trade{
			ID:        uuid.NewString(),
			MarketID:  market.ID,
			Owner:     e.owner,
			Side:      out.Side,
			Type:      out.Type,
			Price:     out.Price.String(),
			Quantity:  out.Quantity.String(),
			CreatedAt: now,
			UpdatedAt: now,
		}

		if out.Failed() {
			trade.Status = store.TradeFailed
			trade.Message = out.Err
			e.emitStatus(market.ID,
				fmt.Sprintf("%s order rejected: %s", out.Side, out.Err),
				events.SeverityError)
		} else {
			trade.OrderID = out.Order.ID
			trade.Status = store.TradePending
			metrics.OrdersPlaced.WithLabelValues(market.ID, string(out.Side), string(out.Type)).Inc()

			// FillQuantity stays unset until the ledger records the
			// fill; it is the replay watermark.
			if ord := e.fetchOrderWithRetry(ctx, out.Order.ID, market.ID); ord != nil {
				if p, err := ord.HumanPrice(market); err == nil && p.Sign() > 0 {
					trade.FillPrice = p.String()
				}
			}

			e.bus.Publish(events.TopicOrderPlaced, *out.Order)
			msg := fmt.Sprintf("placed %s %s %s %s @ %s",
				out.Side, out.Type, trade.Quantity, market.BaseAsset, num.FormatPrice(out.Price))
			e.emitStatus(market.ID, msg, events.SeverityInfo)
			if err := e.ledger.AppendConsole(ctx, sessionID, string(events.SeverityInfo), msg); err != nil {
				e.log.Debugw("console append failed", "err", err)
			}
		}

		if err := e.store.PutTrade(ctx, trade); err != nil {
			e.log.Errorw("trade record not persisted", "market", market.ID, "err", err)
		}
	}
}

// fetchOrderWithRetry polls the placed order until a fill price or a
// terminal status appears, bounded by fillPriceAttempts. An engine stop
// aborts the wait.
func (e *Engine) fetchOrderWithRetry(ctx context.Context, orderID, marketID string) *exchange.Order {
	var last *exchange.Order
	for i := 0; i < fillPriceAttempts; i++ {
		ord, err := e.gateway.GetOrder(ctx, orderID, marketID, e.owner)
		if err == nil {
			last = ord
			if (ord.FillPrice != "" && ord.FillPrice != "0") || !ord.Status.IsOpen() {
				return ord
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(fillPriceInterval):
		}
	}
	return last
}

// processFills runs the fill tracker and records every new delta into the
// ledger, then reacts to buy fills with a profit-protected sell. Returns
// true when cfg.State was mutated.
func (e *Engine) processFills(ctx context.Context, market exchange.Market, cfg *store.StrategyConfig, sessionID string, g *gathered) bool {
	deltas, err := e.fills.Track(ctx, e.owner, market)
	if err != nil {
		e.log.Warnw("fill tracking failed", "market", market.ID, "err", err)
		return false
	}
	if len(deltas) == 0 {
		return false
	}

	dirty := false
	for _, d := range deltas {
		price := e.fillPrice(d, market, g)
		contrib, err := e.ledger.RecordConfirmedFill(ctx, sessionID, ledger.Fill{
			OrderID:      d.Order.ID,
			Side:         d.Order.Side,
			FillPrice:    price,
			FillQuantity: d.Increment,
			MarketPair:   market.ID,
		})
		if err != nil {
			e.log.Errorw("fill not recorded", "order", d.Order.ID, "err", err)
			continue
		}

		// Persist fill progress so a restart does not replay this delta.
		trade := d.Trade
		trade.FillQuantity = d.NewFilled.String()
		trade.FillPrice = price.String()
		if d.Order.Status == exchange.StatusFilled {
			trade.Status = store.TradeFilled
			e.fills.Forget(d.Order.ID)
		}
		trade.UpdatedAt = e.clock.Now()
		if err := e.store.PutTrade(ctx, trade); err != nil {
			e.log.Errorw("fill progress not persisted", "order", d.Order.ID, "err", err)
		}

		metrics.FillsTotal.WithLabelValues(market.ID, string(d.Order.Side)).Inc()
		e.bus.Publish(events.TopicFill, d)
		e.emitStatus(market.ID,
			fmt.Sprintf("fill: %s %s %s @ %s (pnl %s)",
				d.Order.Side, d.Increment, market.BaseAsset,
				num.FormatPrice(price), contrib.StringFixed(4)),
			events.SeverityInfo)

		e.applyFillToState(ctx, cfg, sessionID, d, price, contrib)
		dirty = true

		if d.Order.Side == exchange.SideBuy {
			e.sellForFill(ctx, market, cfg, sessionID, g, d.Increment)
		}
	}

	e.balances.Invalidate(e.account)
	pnl := e.sessionPnL(ctx, sessionID)
	metrics.SessionRealizedPnL.WithLabelValues(market.ID).Set(pnl.InexactFloat64())
	return dirty
}

// fillPrice resolves the human fill price for a delta, preferring the
// exchange-reported fill price, then the order price, then the ticker.
func (e *Engine) fillPrice(d fills.Delta, market exchange.Market, g *gathered) decimal.Decimal {
	if p, err := num.FromScaled(d.Order.FillPrice, market.QuoteDecimals); err == nil && p.Sign() > 0 {
		return p
	}
	if p, err := d.Order.HumanPrice(market); err == nil && p.Sign() > 0 {
		return p
	}
	if g.ticker != nil {
		return g.ticker.LastPrice
	}
	return decimal.Zero
}

// applyFillToState updates the strategy's tracked averages and daily P&L.
func (e *Engine) applyFillToState(ctx context.Context, cfg *store.StrategyConfig, sessionID string, d fills.Delta, price, contrib decimal.Decimal) {
	if d.Order.Side == exchange.SideBuy {
		if avg, ok, err := e.ledger.AverageBuyCost(ctx, sessionID); err == nil && ok {
			cfg.State.AverageBuyPrice = avg.String()
		}
	} else if sess, err := e.ledger.Get(ctx, sessionID); err == nil && sess.SellQuantity.Sign() > 0 {
		cfg.State.AverageSellPrice = sess.SellNotional.Div(sess.SellQuantity).String()
	}

	cfg.State.LastFillPrices = append(cfg.State.LastFillPrices, price.String())
	if n := len(cfg.State.LastFillPrices); n > 10 {
		cfg.State.LastFillPrices = cfg.State.LastFillPrices[n-10:]
	}

	today := e.clock.Now().Format("2006-01-02")
	if cfg.State.Daily == nil || cfg.State.Daily.Date != today {
		cfg.State.Daily = &store.DailyPnL{Date: today}
	}
	cfg.State.Daily.RealizedPnL = cfg.State.Daily.RealizedPnL.Add(contrib)
}

// sellForFill places the profit-protected sell matching a confirmed buy
// fill, using a fresh base balance.
func (e *Engine) sellForFill(ctx context.Context, market exchange.Market, cfg *store.StrategyConfig, sessionID string, g *gathered, qty decimal.Decimal) {
	e.balances.Invalidate(e.account)
	base, err := e.humanUnlocked(ctx, market.BaseAsset, market.BaseDecimals)
	if err != nil {
		base = g.baseBal
	}

	in := executor.Input{
		Market:        market,
		Config:        cfg,
		Owner:         e.owner,
		Account:       e.account,
		Ticker:        g.ticker,
		Book:          g.book,
		BaseUnlocked:  base,
		QuoteUnlocked: g.quoteBal,
	}
	res := e.executor.ExecuteSellForFill(ctx, in, qty)
	e.recordOutcomes(ctx, market, sessionID, res.Orders)
}

// syncPendingTrades reconciles local pending trades whose orders were
// cancelled or completed externally.
func (e *Engine) syncPendingTrades(ctx context.Context, market exchange.Market) {
	pending, err := e.store.ListPendingTrades(ctx, e.owner, market.ID)
	if err != nil {
		e.log.Warnw("pending trades unavailable", "market", market.ID, "err", err)
		return
	}
	for _, trade := range pending {
		if trade.OrderID == "" {
			continue
		}
		ord, err := e.gateway.GetOrder(ctx, trade.OrderID, market.ID, e.owner)
		if err != nil {
			continue
		}
		switch ord.Status {
		case exchange.StatusCancelled, exchange.StatusRejected:
			trade.Status = store.TradeCancelled
			trade.UpdatedAt = e.clock.Now()
			if err := e.store.PutTrade(ctx, trade); err != nil {
				e.log.Errorw("trade status not synced", "trade", trade.ID, "err", err)
			}
			e.fills.Forget(trade.OrderID)
		case exchange.StatusFilled:
			// Marked filled only once the tracker has recorded the full
			// quantity; otherwise the next Track pass picks it up.
			if filled, err := ord.HumanFilledQuantity(market); err == nil &&
				trade.FillQuantity != "" && filled.String() == trade.FillQuantity {
				trade.Status = store.TradeFilled
				trade.UpdatedAt = e.clock.Now()
				if err := e.store.PutTrade(ctx, trade); err != nil {
					e.log.Errorw("trade status not synced", "trade", trade.ID, "err", err)
				}
				e.fills.Forget(trade.OrderID)
			}
		}
	}
}

func (e *Engine) emitVerbose(marketID, msg string) {
	e.bus.Publish(events.TopicStatus, events.Status{
		Message:   msg,
		Severity:  events.SeverityInfo,
		Verbosity: events.VerbosityVerbose,
		MarketID:  marketID,
		Time:      e.clock.Now(),
	})
}
