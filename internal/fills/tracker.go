// Package fills detects new order fills by diffing filled quantities
// against the last locally seen value per order.
package fills

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"maker-core/pkg/exchange"
	"maker-core/pkg/store"
)

// Delta reports one newly observed fill increment. A given order+increment
// is reported exactly once across repeated polls.
type Delta struct {
	Order          exchange.Order
	Trade          store.Trade
	PreviousFilled decimal.Decimal
	NewFilled      decimal.Decimal
	Increment      decimal.Decimal
}

// Tracker polls live order state for locally pending trades. Its in-memory
// watermark map is cleared on engine stop; on a cold start the watermark is
// seeded from the persisted trade record, so fills confirmed before a
// restart are not replayed into the ledger a second time.
type Tracker struct {
	gateway exchange.Gateway
	store   *store.Store
	log     *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]decimal.Decimal // orderID -> last seen filled qty
}

// New creates a tracker.
func New(gw exchange.Gateway, st *store.Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		gateway: gw,
		store:   st,
		log:     logger.Sugar(),
		seen:    make(map[string]decimal.Decimal),
	}
}

// Track fetches the live state of every pending trade's order for the
// market and returns the fill deltas since the previous call, keyed by
// order id. Fetch failures for individual orders are logged and skipped;
// they surface again on the next poll.
func (t *Tracker) Track(ctx context.Context, owner string, market exchange.Market) (map[string]Delta, error) {
	pending, err := t.store.ListPendingTrades(ctx, owner, market.ID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deltas := make(map[string]Delta)
	for _, trade := range pending {
		order, err := t.gateway.GetOrder(ctx, trade.OrderID, market.ID, owner)
		if err != nil {
			t.log.Warnw("fill poll failed", "order", trade.OrderID, "err", err)
			continue
		}
		if order == nil {
			continue
		}

		filled, err := order.HumanFilledQuantity(market)
		if err != nil {
			t.log.Warnw("bad filled quantity", "order", order.ID, "raw", order.FilledQuantity, "err", err)
			continue
		}

		prev, ok := t.seen[order.ID]
		if !ok {
			prev = persistedFill(trade)
			t.seen[order.ID] = prev
		}

		if filled.GreaterThan(prev) {
			deltas[order.ID] = Delta{
				Order:          *order,
				Trade:          trade,
				PreviousFilled: prev,
				NewFilled:      filled,
				Increment:      filled.Sub(prev),
			}
			t.seen[order.ID] = filled
		}
	}
	return deltas, nil
}

// Forget drops the watermark for one order once it is terminal.
func (t *Tracker) Forget(orderID string) {
	t.mu.Lock()
	delete(t.seen, orderID)
	t.mu.Unlock()
}

// Clear resets the de-dup memory. Called on engine stop.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.seen = make(map[string]decimal.Decimal)
	t.mu.Unlock()
}

// persistedFill reads the already-confirmed fill quantity out of the trade
// record, which the engine updates whenever a delta is recorded.
func persistedFill(trade store.Trade) decimal.Decimal {
	if trade.FillQuantity == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(trade.FillQuantity)
	if err != nil {
		return decimal.Zero
	}
	return d
}
