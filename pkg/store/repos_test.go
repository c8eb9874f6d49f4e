package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"maker-core/pkg/exchange"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConfig(id, marketID string, active bool) StrategyConfig {
	return StrategyConfig{
		ID:       id,
		Owner:    "owner-1",
		MarketID: marketID,
		IsActive: active,
		Order: OrderConfig{
			Type:               exchange.OrderTypeLimit,
			PriceMode:          PriceModeLast,
			PriceOffsetPercent: decimal.RequireFromString("0.1"),
			MaxSpreadPercent:   decimal.RequireFromString("1"),
		},
		Sizing: SizingConfig{
			Mode:            SizingFixedUSD,
			FixedUSD:        decimal.RequireFromString("100"),
			MinOrderSizeUSD: decimal.RequireFromString("10"),
		},
		Timing: TimingConfig{CycleIntervalMinMs: 5000, CycleIntervalMaxMs: 15000},
	}
}

func TestStrategyConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := sampleConfig("cfg-1", "BTC-USD", true)
	cfg.State.AverageBuyPrice = "100.5"
	require.NoError(t, s.PutStrategyConfig(ctx, cfg))

	got, err := s.GetStrategyConfig(ctx, "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "BTC-USD", got.MarketID)
	require.Equal(t, "100.5", got.State.AverageBuyPrice)
	require.True(t, got.Sizing.FixedUSD.Equal(decimal.RequireFromString("100")))
	require.False(t, got.CreatedAt.IsZero())

	byMarket, err := s.GetStrategyConfigByMarket(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)
	require.Equal(t, "cfg-1", byMarket.ID)
}

func TestStrategyConfigUpsertReplacesDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := sampleConfig("cfg-1", "BTC-USD", true)
	require.NoError(t, s.PutStrategyConfig(ctx, cfg))

	cfg.IsActive = false
	cfg.State.AverageBuyPrice = "99"
	require.NoError(t, s.PutStrategyConfig(ctx, cfg))

	got, err := s.GetStrategyConfig(ctx, "cfg-1")
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Equal(t, "99", got.State.AverageBuyPrice)
}

func TestListActiveStrategyConfigsFiltersInactive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutStrategyConfig(ctx, sampleConfig("cfg-1", "BTC-USD", true)))
	require.NoError(t, s.PutStrategyConfig(ctx, sampleConfig("cfg-2", "ETH-USD", false)))
	require.NoError(t, s.PutStrategyConfig(ctx, sampleConfig("cfg-3", "SOL-USD", true)))

	active, err := s.ListActiveStrategyConfigs(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, cfg := range active {
		require.True(t, cfg.IsActive)
	}
}

func TestGetStrategyConfigNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetStrategyConfig(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStrategyConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutStrategyConfig(ctx, sampleConfig("cfg-1", "BTC-USD", true)))
	require.NoError(t, s.DeleteStrategyConfig(ctx, "cfg-1"))

	_, err := s.GetStrategyConfig(ctx, "cfg-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindResumableSessionPrefersNewestAndSkipsEnded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	put := func(id string, status SessionStatus, startedAt time.Time) {
		require.NoError(t, s.PutSession(ctx, Session{
			ID:        id,
			Owner:     "owner-1",
			MarketID:  "BTC-USD",
			Status:    status,
			StartedAt: startedAt,
		}))
	}
	put("sess-old", SessionPaused, base)
	put("sess-new", SessionPaused, base.Add(time.Hour))
	put("sess-ended", SessionEnded, base.Add(2*time.Hour))

	got, err := s.FindResumableSession(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)
	require.Equal(t, "sess-new", got.ID)

	_, err = s.FindResumableSession(ctx, "owner-1", "ETH-USD")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRoundTripKeepsDecimals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := Session{
		ID:              "sess-1",
		Owner:           "owner-1",
		MarketID:        "BTC-USD",
		Status:          SessionActive,
		RealizedPnL:     decimal.RequireFromString("-12.34"),
		UnsoldQuantity:  decimal.RequireFromString("0.5"),
		UnsoldCostBasis: decimal.RequireFromString("50.25"),
		StartedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, got.RealizedPnL.Equal(sess.RealizedPnL))
	require.True(t, got.UnsoldQuantity.Equal(sess.UnsoldQuantity))
	require.True(t, got.UnsoldCostBasis.Equal(sess.UnsoldCostBasis))
}

func TestListTradesByMarketNewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"trade-1", "trade-2", "trade-3"} {
		require.NoError(t, s.PutTrade(ctx, Trade{
			ID:        id,
			OrderID:   "ord-" + id,
			MarketID:  "BTC-USD",
			Owner:     "owner-1",
			Side:      exchange.SideBuy,
			Status:    TradeFilled,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	trades, err := s.ListTradesByMarket(ctx, "BTC-USD", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, "trade-3", trades[0].ID)
	require.Equal(t, "trade-2", trades[1].ID)
}

func TestListPendingTradesFiltersStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	put := func(id string, status TradeStatus) {
		require.NoError(t, s.PutTrade(ctx, Trade{
			ID:       id,
			OrderID:  "ord-" + id,
			MarketID: "BTC-USD",
			Owner:    "owner-1",
			Status:   status,
		}))
	}
	put("trade-1", TradePending)
	put("trade-2", TradeFilled)
	put("trade-3", TradePending)

	pending, err := s.ListPendingTrades(ctx, "owner-1", "BTC-USD")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, tr := range pending {
		require.Equal(t, TradePending, tr.Status)
	}
}

func TestStrategyConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*StrategyConfig)
		wantErr bool
	}{
		{"valid", func(c *StrategyConfig) {}, false},
		{"empty market", func(c *StrategyConfig) { c.MarketID = "" }, true},
		{"interval min above max", func(c *StrategyConfig) {
			c.Timing.CycleIntervalMinMs = 20000
			c.Timing.CycleIntervalMaxMs = 10000
		}, true},
		{"percent above 100", func(c *StrategyConfig) {
			c.Sizing.QuotePercent = decimal.RequireFromString("150")
		}, true},
		{"bad average buy price", func(c *StrategyConfig) {
			c.State.AverageBuyPrice = "-1"
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sampleConfig("cfg-1", "BTC-USD", true)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
