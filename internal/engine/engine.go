// Package engine is the per-market trading scheduler: one timer-driven
// loop per active market, sequencing risk gates, context gathering,
// strategy execution, fill tracking, P&L recording, and rescheduling.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"maker-core/internal/balance"
	"maker-core/internal/events"
	"maker-core/internal/executor"
	"maker-core/internal/fills"
	"maker-core/internal/ledger"
	"maker-core/internal/metrics"
	"maker-core/pkg/exchange"
	"maker-core/pkg/num"
	"maker-core/pkg/store"
)

const (
	// lockBackoff reschedules a market whose account lock is held by
	// another market's cycle.
	lockBackoff = 2500 * time.Millisecond
	// riskParkDelay reschedules a market parked by a loss limit.
	riskParkDelay = 60 * time.Second
	// errorBackoff reschedules a market after a failed cycle.
	errorBackoff = 10 * time.Second

	fillPriceAttempts = 5
	fillPriceInterval = time.Second
)

// Deps are the constructor-injected collaborators. No globals; tests and
// hosts can run any number of independent engines.
type Deps struct {
	Gateway    exchange.Gateway
	MarketData exchange.MarketData
	Balances   *balance.Cache
	Store      *store.Store
	Ledger     *ledger.Ledger
	Executor   *executor.Executor
	Fills      *fills.Tracker
	Bus        *events.Bus
	Clock      Clock
	Logger     *zap.Logger
}

// marketLoop is the in-memory binding of a strategy to its timer and
// session. Created on market activation, dropped on stop.
type marketLoop struct {
	market    exchange.Market
	configID  string
	sessionID string
	state     MarketState
	timer     Timer
	nextRunAt time.Time
}

// MarketContext is the last gathered per-market snapshot, emitted to
// observers each cycle and retained for display after stop.
type MarketContext struct {
	MarketID       string    `json:"market_id"`
	Time           time.Time `json:"time"`
	LastPrice      string    `json:"last_price"`
	BaseBalance    string    `json:"base_balance"`
	QuoteBalance   string    `json:"quote_balance"`
	OpenBuyOrders  int       `json:"open_buy_orders"`
	OpenSellOrders int       `json:"open_sell_orders"`
	RealizedPnL    string    `json:"realized_pnl"`
	Warning        string    `json:"warning,omitempty"`
}

// Engine schedules and runs the per-market trading loops.
type Engine struct {
	gateway    exchange.Gateway
	marketData exchange.MarketData
	balances   *balance.Cache
	store      *store.Store
	ledger     *ledger.Ledger
	executor   *executor.Executor
	fills      *fills.Tracker
	bus        *events.Bus
	clock      Clock
	log        *zap.SugaredLogger

	locks *accountLocks

	mu       sync.Mutex
	state    EngineState
	owner    string
	account  string
	markets  map[string]*marketLoop
	contexts map[string]*MarketContext
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds an engine from its collaborators. Clock defaults to the
// system clock when nil.
func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = NewRealClock()
	}
	return &Engine{
		gateway:    d.Gateway,
		marketData: d.MarketData,
		balances:   d.Balances,
		store:      d.Store,
		ledger:     d.Ledger,
		executor:   d.Executor,
		fills:      d.Fills,
		bus:        d.Bus,
		clock:      d.Clock,
		log:        d.Logger.Sugar(),
		locks:      newAccountLocks(),
		markets:    make(map[string]*marketLoop),
		contexts:   make(map[string]*MarketContext),
	}
}

// Initialize sets the trading identity. No side effects until Start.
func (e *Engine) Initialize(owner, account string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = owner
	e.account = account
}

// Start activates every active strategy config for the owner and schedules
// each market's first cycle immediately. With resume set, an existing
// paused/active session per market is resumed instead of starting fresh.
// When no active configs exist it warns and returns nil. No-op when
// already running.
func (e *Engine) Start(ctx context.Context, resume bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EngineRunning {
		return nil
	}
	if e.owner == "" {
		return fmt.Errorf("engine: not initialized")
	}

	configs, err := e.store.ListActiveStrategyConfigs(ctx, e.owner)
	if err != nil {
		return fmt.Errorf("engine: list active configs: %w", err)
	}
	if len(configs) == 0 {
		e.log.Warnw("no active strategy configs, engine not started", "owner", e.owner)
		e.emitStatus("", "no active strategy configurations to trade", events.SeverityWarning)
		return nil
	}

	e.state = EngineRunning
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for i := range configs {
		cfg := configs[i]
		if err := e.startMarketLocked(ctx, &cfg, resume); err != nil {
			e.log.Errorw("market not started", "market", cfg.MarketID, "err", err)
			e.emitStatus(cfg.MarketID,
				fmt.Sprintf("failed to start trading %s: %v", cfg.MarketID, err),
				events.SeverityError)
		}
	}
	if len(e.markets) == 0 {
		e.state = EngineStopped
		e.cancel()
		return fmt.Errorf("engine: no market could be started")
	}

	metrics.ActiveMarkets.Set(float64(len(e.markets)))
	e.log.Infow("engine started", "markets", len(e.markets), "resume", resume)
	return nil
}

// startMarketLocked resolves the market, resumes or creates the session,
// and arms an immediate first run. Caller holds e.mu.
func (e *Engine) startMarketLocked(ctx context.Context, cfg *store.StrategyConfig, resume bool) error {
	market, err := e.marketData.GetMarket(ctx, cfg.MarketID)
	if err != nil {
		return fmt.Errorf("resolve market %s: %w", cfg.MarketID, err)
	}

	var sessionID string
	if resume {
		if sess, err := e.ledger.FindResumable(ctx, e.owner, cfg.MarketID); err == nil {
			if err := e.ledger.Resume(ctx, sess.ID); err == nil {
				sessionID = sess.ID
				e.log.Infow("resumed session", "market", cfg.MarketID, "session", sess.ID)
			}
		}
	}
	if sessionID == "" {
		sess, err := e.ledger.CreateSession(ctx, e.owner, cfg.MarketID, e.startingBalances(ctx, *market))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
	}

	loop := &marketLoop{
		market:    *market,
		configID:  cfg.ID,
		sessionID: sessionID,
		state:     MarketIdle,
	}
	e.markets[market.ID] = loop
	// First run is immediate, not jittered.
	e.scheduleLocked(loop, 0)
	return nil
}

// startingBalances snapshots the base and quote balances in human units.
// Fetch failures leave the asset out of the snapshot.
func (e *Engine) startingBalances(ctx context.Context, market exchange.Market) map[string]string {
	snap := make(map[string]string, 2)
	for asset, decimals := range map[string]int32{
		market.BaseAsset:  market.BaseDecimals,
		market.QuoteAsset: market.QuoteDecimals,
	} {
		bal, err := e.balances.Get(ctx, e.account, asset)
		if err != nil {
			e.log.Warnw("starting balance unavailable", "asset", asset, "err", err)
			continue
		}
		if v, err := num.FromScaled(bal.Total, decimals); err == nil {
			snap[asset] = v.String()
		}
	}
	return snap
}

// Stop is idempotent: pauses every session, clears timers and the fill
// watermark memory, and drops the in-memory market loops. Last known
// contexts stay available for display.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.state != EngineRunning {
		return
	}
	e.state = EngineStopped
	e.cancel()

	for id, loop := range e.markets {
		if loop.timer != nil {
			loop.timer.Stop()
		}
		loop.state = MarketRemoved
		if err := e.ledger.Pause(context.Background(), loop.sessionID); err != nil {
			e.log.Warnw("session not paused on stop", "market", id, "err", err)
		}
		delete(e.markets, id)
	}
	e.fills.Clear()

	metrics.ActiveMarkets.Set(0)
	e.log.Infow("engine stopped")
	e.emitStatus("", "trading engine stopped", events.SeverityInfo)
}

// StopMarketTrading removes one market without disturbing the others and
// pauses its session. Removing the last market cascades into a full Stop.
func (e *Engine) StopMarketTrading(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loop, ok := e.markets[marketID]
	if !ok {
		return
	}
	if loop.timer != nil {
		loop.timer.Stop()
	}
	loop.state = MarketRemoved
	if err := e.ledger.Pause(context.Background(), loop.sessionID); err != nil {
		e.log.Warnw("session not paused", "market", marketID, "err", err)
	}
	delete(e.markets, marketID)
	metrics.ActiveMarkets.Set(float64(len(e.markets)))
	e.emitStatus(marketID, fmt.Sprintf("stopped trading %s", marketID), events.SeverityInfo)

	if len(e.markets) == 0 {
		e.stopLocked()
	}
}

// AddMarketTrading hot-adds a market while running: fresh session, loop
// scheduled immediately, other markets untouched.
func (e *Engine) AddMarketTrading(ctx context.Context, marketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != EngineRunning {
		return fmt.Errorf("engine: not running")
	}
	if _, ok := e.markets[marketID]; ok {
		return fmt.Errorf("engine: market %s already trading", marketID)
	}

	cfg, err := e.store.GetStrategyConfigByMarket(ctx, e.owner, marketID)
	if err != nil {
		return fmt.Errorf("engine: config for %s: %w", marketID, err)
	}
	if err := e.startMarketLocked(ctx, cfg, false); err != nil {
		return fmt.Errorf("engine: add %s: %w", marketID, err)
	}
	metrics.ActiveMarkets.Set(float64(len(e.markets)))
	e.emitStatus(marketID, fmt.Sprintf("started trading %s", marketID), events.SeverityInfo)
	return nil
}

// IsActive reports whether at least one market loop is scheduled.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == EngineRunning && len(e.markets) > 0
}

// State returns the global engine state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MarketStateOf returns the loop state for one market; ok is false when
// the market is not tracked.
func (e *Engine) MarketStateOf(marketID string) (MarketState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loop, ok := e.markets[marketID]
	if !ok {
		return MarketRemoved, false
	}
	return loop.state, true
}

// Contexts returns a copy of the last known per-market contexts. Entries
// survive Stop so observers can keep showing the final snapshot.
func (e *Engine) Contexts() map[string]MarketContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]MarketContext, len(e.contexts))
	for id, c := range e.contexts {
		out[id] = *c
	}
	return out
}

// scheduleLocked arms the market's next run after delay. Caller holds e.mu
// and has verified the loop is still tracked.
func (e *Engine) scheduleLocked(loop *marketLoop, delay time.Duration) {
	// Re-arming an already scheduled loop (lock backoff) is legal.
	if loop.state != MarketScheduled && !canTransition(loop.state, MarketScheduled) {
		e.log.Warnw("illegal schedule transition",
			"market", loop.market.ID, "from", loop.state)
		return
	}
	loop.state = MarketScheduled
	loop.nextRunAt = e.clock.Now().Add(delay)
	marketID := loop.market.ID
	loop.timer = e.clock.AfterFunc(delay, func() { e.runCycle(marketID) })
}

// jitter picks a uniform delay within the configured cycle interval.
func jitter(t store.TimingConfig) time.Duration {
	min, max := t.CycleIntervalMinMs, t.CycleIntervalMaxMs
	if min <= 0 {
		min = 1000
	}
	if max < min {
		max = min
	}
	ms := min
	if max > min {
		ms = min + rand.Int63n(max-min+1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) emitStatus(marketID, msg string, sev events.Severity) {
	e.bus.Publish(events.TopicStatus, events.Status{
		Message:  msg,
		Severity: sev,
		MarketID: marketID,
		Time:     e.clock.Now(),
	})
}

// sessionPnL reads the session's realized P&L, zero when unavailable.
func (e *Engine) sessionPnL(ctx context.Context, sessionID string) decimal.Decimal {
	sess, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		return decimal.Zero
	}
	return sess.RealizedPnL
}
