package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker-core/internal/balance"
	"maker-core/internal/events"
	"maker-core/internal/executor"
	"maker-core/internal/fills"
	"maker-core/internal/ledger"
	"maker-core/pkg/exchange"
	"maker-core/pkg/logging"
	"maker-core/pkg/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeClock records AfterFunc callbacks so tests fire cycles manually.
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool { t.stopped = true; return true }

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: delay, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers that are armed and have not run.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest pending timer synchronously.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var next *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			next = tm
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer to fire")
	}
	next.fired = true
	c.now = c.now.Add(next.delay)
	c.mu.Unlock()
	next.fn()
}

// fakeVenue implements Gateway, MarketData and BalanceSource in memory.
type fakeVenue struct {
	mu     sync.Mutex
	market exchange.Market
	ticker exchange.Ticker

	balances map[string]string // asset -> scaled unlocked
	orders   map[string]*exchange.Order
	placed   []exchange.OrderRequest
	nextID   int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		market: exchange.Market{
			ID:                   "BTC-USD",
			BaseAsset:            "BTC",
			QuoteAsset:           "USD",
			BaseDecimals:         8,
			QuoteDecimals:        6,
			TickSize:             d("0.01"),
			StepSize:             d("0.0001"),
			MaxPricePrecision:    2,
			MaxQuantityPrecision: 4,
			MinOrderValueUSD:     d("10"),
		},
		ticker: exchange.Ticker{MarketID: "BTC-USD", LastPrice: d("100")},
		balances: map[string]string{
			"BTC": "100000000",  // 1 BTC
			"USD": "1000000000", // 1000 USD
		},
		orders: make(map[string]*exchange.Order),
	}
}

func (v *fakeVenue) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	v.nextID++
	o := &exchange.Order{
		ID:        fmt.Sprintf("ord-%d", v.nextID),
		MarketID:  req.MarketID,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		FillPrice: req.Price, // echo so fill-price polling returns at once
		Status:    exchange.StatusOpen,
		CreatedAt: time.Now(),
	}
	v.orders[o.ID] = o
	return o, nil
}

func (v *fakeVenue) GetOrder(_ context.Context, orderID, _, _ string) (*exchange.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (v *fakeVenue) GetOpenOrders(_ context.Context, marketID, _ string) ([]exchange.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []exchange.Order
	for _, o := range v.orders {
		if o.MarketID == marketID && o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, orderID, _, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[orderID]; ok {
		o.Status = exchange.StatusCancelled
	}
	return nil
}

func (v *fakeVenue) GetTicker(_ context.Context, _ string) (*exchange.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := v.ticker
	return &t, nil
}

func (v *fakeVenue) GetOrderBook(_ context.Context, _ string) (*exchange.OrderBook, error) {
	return nil, fmt.Errorf("orderbook unavailable")
}

func (v *fakeVenue) GetMarket(_ context.Context, _ string) (*exchange.Market, error) {
	m := v.market
	return &m, nil
}

func (v *fakeVenue) GetBalance(_ context.Context, _, asset string) (*exchange.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	amt, ok := v.balances[asset]
	if !ok {
		amt = "0"
	}
	return &exchange.Balance{Asset: asset, Unlocked: amt, Total: amt}, nil
}

func (v *fakeVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

type testRig struct {
	engine *Engine
	venue  *fakeVenue
	clock  *fakeClock
	store  *store.Store
	bus    *events.Bus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	venue := newFakeVenue()
	clock := newFakeClock()
	bus := events.NewBus()
	log := logging.NewNop()
	cache := balance.New(venue)
	led := ledger.New(st, d("0"), log)

	eng := New(Deps{
		Gateway:    venue,
		MarketData: venue,
		Balances:   cache,
		Store:      st,
		Ledger:     led,
		Executor:   executor.New(venue, cache, log),
		Fills:      fills.New(venue, st, log),
		Bus:        bus,
		Clock:      clock,
		Logger:     log,
	})
	eng.Initialize("owner-1", "acct-1")
	return &testRig{engine: eng, venue: venue, clock: clock, store: st, bus: bus}
}

// seedConfig writes an active strategy that buys 50% of quote each cycle.
func (r *testRig) seedConfig(t *testing.T, mutate func(*store.StrategyConfig)) *store.StrategyConfig {
	t.Helper()
	cfg := store.StrategyConfig{
		ID:       "cfg-1",
		Owner:    "owner-1",
		MarketID: "BTC-USD",
		IsActive: true,
		Order: store.OrderConfig{
			Type:               exchange.OrderTypeLimit,
			PriceMode:          store.PriceModeLast,
			PriceOffsetPercent: d("0.1"),
			SideFilter:         exchange.SideBuy,
		},
		Sizing: store.SizingConfig{
			Mode:            store.SizingPercentage,
			QuotePercent:    d("50"),
			MinOrderSizeUSD: d("10"),
		},
		Management: store.ManagementConfig{MaxOpenOrdersPerSide: 1},
		Timing:     store.TimingConfig{CycleIntervalMinMs: 30000, CycleIntervalMaxMs: 30000},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, r.store.PutStrategyConfig(context.Background(), cfg))
	return &cfg
}

func TestStartWithoutConfigsWarnsAndStaysStopped(t *testing.T) {
	r := newTestRig(t)

	require.NoError(t, r.engine.Start(context.Background(), false))

	assert.Equal(t, EngineStopped, r.engine.State())
	assert.False(t, r.engine.IsActive())

	last, ok := r.bus.Last(events.TopicStatus)
	require.True(t, ok)
	assert.Equal(t, events.SeverityWarning, last.(events.Status).Severity)
}

func TestStartSchedulesImmediateFirstCycle(t *testing.T) {
	r := newTestRig(t)
	r.seedConfig(t, nil)

	require.NoError(t, r.engine.Start(context.Background(), false))
	require.True(t, r.engine.IsActive())

	pending := r.clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, time.Duration(0), pending[0].delay, "first run is immediate, not jittered")

	r.clock.fire(t)
	assert.Equal(t, 1, r.venue.placedCount(), "cycle should place the buy order")

	// Rescheduled at the configured interval (min == max, so no jitter).
	pending = r.clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 30*time.Second, pending[0].delay)

	state, ok := r.engine.MarketStateOf("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, MarketScheduled, state)
}

func TestStopPausesSessionAndClearsLoops(t *testing.T) {
	r := newTestRig(t)
	r.seedConfig(t, nil)
	ctx := context.Background()

	require.NoError(t, r.engine.Start(ctx, false))
	sess, err := r.store.FindResumableSession(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)

	r.engine.Stop()
	r.engine.Stop() // idempotent

	assert.Equal(t, EngineStopped, r.engine.State())
	assert.False(t, r.engine.IsActive())
	assert.Empty(t, r.clock.pending(), "stop clears armed timers")

	sess, err = r.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPaused, sess.Status)
}

func TestStopLastMarketCascadesToFullStop(t *testing.T) {
	r := newTestRig(t)
	r.seedConfig(t, nil)

	require.NoError(t, r.engine.Start(context.Background(), false))
	r.engine.StopMarketTrading("BTC-USD")

	assert.Equal(t, EngineStopped, r.engine.State())
	_, tracked := r.engine.MarketStateOf("BTC-USD")
	assert.False(t, tracked)
}

func TestLockBusyReschedulesWithBackoff(t *testing.T) {
	r := newTestRig(t)
	r.seedConfig(t, nil)

	require.NoError(t, r.engine.Start(context.Background(), false))
	require.True(t, r.engine.locks.TryAcquire("owner-1:acct-1"))
	defer r.engine.locks.Release("owner-1:acct-1")

	r.clock.fire(t)

	assert.Zero(t, r.venue.placedCount(), "busy lock must skip execution")
	pending := r.clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, lockBackoff, pending[0].delay)
}

func TestDeactivatedConfigStopsMarket(t *testing.T) {
	r := newTestRig(t)
	cfg := r.seedConfig(t, nil)
	ctx := context.Background()

	require.NoError(t, r.engine.Start(ctx, false))

	cfg.IsActive = false
	require.NoError(t, r.store.PutStrategyConfig(ctx, *cfg))

	r.clock.fire(t)

	assert.Equal(t, EngineStopped, r.engine.State(), "last market removal cascades to stop")
	assert.Zero(t, r.venue.placedCount())
}

func TestSessionLossLimitParksMarket(t *testing.T) {
	r := newTestRig(t)
	r.seedConfig(t, func(c *store.StrategyConfig) {
		c.Risk.MaxSessionLossEnabled = true
		c.Risk.MaxSessionLossUSD = d("50")
	})
	ctx := context.Background()

	require.NoError(t, r.engine.Start(ctx, false))
	sess, err := r.store.FindResumableSession(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)
	sess.RealizedPnL = d("-100")
	require.NoError(t, r.store.PutSession(ctx, *sess))

	r.clock.fire(t)

	assert.Zero(t, r.venue.placedCount(), "parked market must not trade")
	pending := r.clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, riskParkDelay, pending[0].delay)
}

func TestStopStartDoesNotDoubleCountFills(t *testing.T) {
	r := newTestRig(t)
	// No order placement: buys disabled by zero quote percent, sells by
	// the missing average buy price.
	r.seedConfig(t, func(c *store.StrategyConfig) {
		c.Order.SideFilter = exchange.SideBuy
		c.Sizing.QuotePercent = d("0")
	})
	ctx := context.Background()

	// A pending buy trade whose order is partially filled on the venue.
	now := time.Now()
	r.venue.orders["ord-x"] = &exchange.Order{
		ID:             "ord-x",
		MarketID:       "BTC-USD",
		Side:           exchange.SideBuy,
		Type:           exchange.OrderTypeLimit,
		Price:          "100000000", // 100 USD
		Quantity:       "100000000", // 1 BTC
		FilledQuantity: "40000000",  // 0.4 BTC
		FillPrice:      "100000000",
		Status:         exchange.StatusPartial,
		CreatedAt:      now,
	}
	require.NoError(t, r.store.PutTrade(ctx, store.Trade{
		ID:        "trade-x",
		OrderID:   "ord-x",
		MarketID:  "BTC-USD",
		Owner:     "owner-1",
		Side:      exchange.SideBuy,
		Type:      exchange.OrderTypeLimit,
		Price:     "100",
		Quantity:  "1",
		Status:    store.TradePending,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, r.engine.Start(ctx, false))
	sess, err := r.store.FindResumableSession(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)

	r.clock.fire(t)

	got, err := r.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.BuyCount, "fill recorded once")
	require.True(t, got.UnsoldQuantity.Equal(d("0.4")), "unsold %s", got.UnsoldQuantity)

	// Restart: watermark memory is gone, but fill progress was persisted
	// on the trade record.
	r.engine.Stop()
	require.NoError(t, r.engine.Start(ctx, true))
	r.clock.fire(t)

	got, err = r.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BuyCount, "restart must not replay the fill")
	assert.True(t, got.UnsoldQuantity.Equal(d("0.4")), "unsold %s", got.UnsoldQuantity)
	assert.Equal(t, store.SessionActive, got.Status, "resumed session is active again")
}

func TestMarketStateTransitions(t *testing.T) {
	assert.True(t, canTransition(MarketIdle, MarketScheduled))
	assert.True(t, canTransition(MarketScheduled, MarketExecuting))
	assert.True(t, canTransition(MarketExecuting, MarketScheduled))
	assert.True(t, canTransition(MarketExecuting, MarketPaused))
	assert.False(t, canTransition(MarketRemoved, MarketScheduled), "removed is terminal")
	assert.False(t, canTransition(MarketIdle, MarketExecuting), "must schedule before executing")
}
