// Package ledger owns trading sessions and realized P&L accounting.
//
// The central invariant: P&L moves only on confirmed fills, never on order
// placement, so orders cancelled later (e.g. by timeout) cannot leave
// phantom profit or loss behind. Sell fills are matched against a
// weighted-average-cost inventory of unsold buys.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"maker-core/pkg/exchange"
	"maker-core/pkg/store"
)

const (
	maxTradeLog   = 200
	maxConsoleLog = 100
)

// ErrSessionEnded is returned for any transition out of the terminal state.
var ErrSessionEnded = errors.New("ledger: session already ended")

// Ledger manages session documents in the store. All mutations go through
// one mutex; sessions are small documents and the engine serializes its
// order-critical sections anyway.
type Ledger struct {
	store   *store.Store
	feeRate decimal.Decimal
	now     func() time.Time
	log     *zap.SugaredLogger

	mu sync.Mutex
}

// New creates a ledger. feeRate is the fixed per-fill fee fraction
// (0.001 = 10 bps of fill value).
func New(st *store.Store, feeRate decimal.Decimal, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:   st,
		feeRate: feeRate,
		now:     time.Now,
		log:     logger.Sugar(),
	}
}

// CreateSession starts a new active session for (owner, market), capturing
// the starting balance snapshot. Any other active or paused session for the
// same pair is transitioned to ended first, which keeps exactly one
// non-ended session per (owner, market).
func (l *Ledger) CreateSession(ctx context.Context, owner, marketID string, startingBalances map[string]string) (*store.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	open, err := l.store.ListOpenSessions(ctx, owner, marketID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	for i := range open {
		open[i].Status = store.SessionEnded
		open[i].EndedAt = l.now().UTC()
		if err := l.store.PutSession(ctx, open[i]); err != nil {
			return nil, fmt.Errorf("end superseded session %s: %w", open[i].ID, err)
		}
		l.log.Infow("ended superseded session", "session", open[i].ID, "market", marketID)
	}

	sess := store.Session{
		ID:               uuid.NewString(),
		Owner:            owner,
		MarketID:         marketID,
		Status:           store.SessionActive,
		StartingBalances: startingBalances,
		StartedAt:        l.now().UTC(),
	}
	if err := l.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// Resume reactivates a paused session; an already active session is left
// untouched. Ended sessions cannot come back.
func (l *Ledger) Resume(ctx context.Context, sessionID string) error {
	return l.transition(ctx, sessionID, func(sess *store.Session) error {
		switch sess.Status {
		case store.SessionEnded:
			return ErrSessionEnded
		case store.SessionActive:
			return nil
		default:
			sess.Status = store.SessionActive
			return nil
		}
	})
}

// Pause marks a session paused without resetting counters.
func (l *Ledger) Pause(ctx context.Context, sessionID string) error {
	return l.transition(ctx, sessionID, func(sess *store.Session) error {
		if sess.Status == store.SessionEnded {
			return ErrSessionEnded
		}
		sess.Status = store.SessionPaused
		return nil
	})
}

// End is terminal.
func (l *Ledger) End(ctx context.Context, sessionID string) error {
	return l.transition(ctx, sessionID, func(sess *store.Session) error {
		if sess.Status == store.SessionEnded {
			return ErrSessionEnded
		}
		sess.Status = store.SessionEnded
		sess.EndedAt = l.now().UTC()
		return nil
	})
}

// Get loads a session.
func (l *Ledger) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return l.store.GetSession(ctx, sessionID)
}

// FindResumable returns the newest active/paused session for (owner, market).
func (l *Ledger) FindResumable(ctx context.Context, owner, marketID string) (*store.Session, error) {
	return l.store.FindResumableSession(ctx, owner, marketID)
}

// Fill is one confirmed (partial or full) execution reported by the fill
// tracker. Price and quantity are human units.
type Fill struct {
	OrderID      string
	Side         exchange.Side
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	MarketPair   string
}

// RecordConfirmedFill applies a confirmed fill to the session and returns
// the realized P&L contribution (net of the fee).
//
// Buy: contribution = -fee; the fill grows the unsold inventory pool.
// Sell: matchedQty = min(fillQty, unsoldQty); gross = (price - avgCost) *
// matchedQty; net = gross - fee on the entire sell quantity. Quantity beyond
// the tracked inventory contributes only its share of the fee - no P&L is
// attributed to inventory the session never recorded buying. Inventory is
// reduced proportionally to preserve the weighted average under partials.
func (l *Ledger) RecordConfirmedFill(ctx context.Context, sessionID string, f Fill) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("record fill: %w", err)
	}
	if sess.Status == store.SessionEnded {
		return decimal.Zero, ErrSessionEnded
	}
	if f.FillQuantity.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("record fill: non-positive quantity %s", f.FillQuantity)
	}

	fillValue := f.FillPrice.Mul(f.FillQuantity)
	fee := fillValue.Mul(l.feeRate)

	var contribution decimal.Decimal
	var matched, costBasis decimal.Decimal

	switch f.Side {
	case exchange.SideBuy:
		contribution = fee.Neg()
		sess.UnsoldCostBasis = sess.UnsoldCostBasis.Add(fillValue)
		sess.UnsoldQuantity = sess.UnsoldQuantity.Add(f.FillQuantity)
		sess.BuyCount++

	case exchange.SideSell:
		matched = decimal.Min(f.FillQuantity, sess.UnsoldQuantity)
		if matched.Sign() > 0 {
			costBasis = sess.UnsoldCostBasis.Div(sess.UnsoldQuantity)
			gross := f.FillPrice.Sub(costBasis).Mul(matched)
			contribution = gross.Sub(fee)

			// Proportional reduction keeps the weighted average exact
			// under partial matches.
			ratio := matched.Div(sess.UnsoldQuantity)
			sess.UnsoldCostBasis = sess.UnsoldCostBasis.Sub(sess.UnsoldCostBasis.Mul(ratio))
			sess.UnsoldQuantity = sess.UnsoldQuantity.Sub(matched)
			if sess.UnsoldQuantity.Sign() <= 0 {
				sess.UnsoldQuantity = decimal.Zero
				sess.UnsoldCostBasis = decimal.Zero
			}
		} else {
			contribution = fee.Neg()
		}
		if excess := f.FillQuantity.Sub(matched); excess.Sign() > 0 {
			l.appendConsole(sess, "warning", fmt.Sprintf(
				"sell fill of %s exceeds tracked inventory by %s; excess carries fee only",
				f.FillQuantity, excess))
		}
		sess.SellCount++
		sess.SellQuantity = sess.SellQuantity.Add(f.FillQuantity)
		sess.SellNotional = sess.SellNotional.Add(fillValue)

	default:
		return decimal.Zero, fmt.Errorf("record fill: unknown side %q", f.Side)
	}

	sess.TradeCount++
	sess.TotalVolume = sess.TotalVolume.Add(fillValue)
	sess.TotalFees = sess.TotalFees.Add(fee)
	sess.RealizedPnL = sess.RealizedPnL.Add(contribution)

	sess.Trades = append(sess.Trades, store.SessionTrade{
		Time:            l.now().UTC(),
		OrderID:         f.OrderID,
		Side:            f.Side,
		Price:           f.FillPrice,
		Quantity:        f.FillQuantity,
		Fee:             fee,
		PnL:             contribution,
		MatchedQuantity: matched,
		CostBasis:       costBasis,
	})
	if len(sess.Trades) > maxTradeLog {
		sess.Trades = sess.Trades[len(sess.Trades)-maxTradeLog:]
	}

	if err := l.store.PutSession(ctx, *sess); err != nil {
		return decimal.Zero, fmt.Errorf("record fill: %w", err)
	}

	l.log.Infow("confirmed fill recorded",
		"session", sessionID, "order", f.OrderID, "side", f.Side,
		"price", f.FillPrice, "qty", f.FillQuantity, "pnl", contribution,
		"realized_pnl", sess.RealizedPnL)

	return contribution, nil
}

// AverageBuyCost returns the weighted-average cost of the unsold inventory,
// or false when the pool is empty.
func (l *Ledger) AverageBuyCost(ctx context.Context, sessionID string) (decimal.Decimal, bool, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if sess.UnsoldQuantity.Sign() <= 0 {
		return decimal.Zero, false, nil
	}
	return sess.UnsoldCostBasis.Div(sess.UnsoldQuantity), true, nil
}

// AppendConsole adds a line to the session's bounded console ring.
func (l *Ledger) AppendConsole(ctx context.Context, sessionID, severity, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	l.appendConsole(sess, severity, msg)
	return l.store.PutSession(ctx, *sess)
}

// SaveContext persists a lightweight cycle context snapshot into the
// session for display after restarts.
func (l *Ledger) SaveContext(ctx context.Context, sessionID string, snapshot json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.ContextCache = snapshot
	return l.store.PutSession(ctx, *sess)
}

func (l *Ledger) appendConsole(sess *store.Session, severity, msg string) {
	sess.Console = append(sess.Console, store.ConsoleLine{
		Time:     l.now().UTC(),
		Severity: severity,
		Message:  msg,
	})
	if len(sess.Console) > maxConsoleLog {
		sess.Console = sess.Console[len(sess.Console)-maxConsoleLog:]
	}
}

func (l *Ledger) transition(ctx context.Context, sessionID string, apply func(*store.Session) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := apply(sess); err != nil {
		return err
	}
	return l.store.PutSession(ctx, *sess)
}
