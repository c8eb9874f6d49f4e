package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Strategy configs ---

// PutStrategyConfig inserts or replaces a strategy config document.
func (s *Store) PutStrategyConfig(ctx context.Context, cfg StrategyConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO strategy_configs (id, owner, market_id, is_active, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			market_id = excluded.market_id,
			is_active = excluded.is_active,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Owner, cfg.MarketID, boolToInt(cfg.IsActive), string(doc), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put strategy config %s: %w", cfg.ID, err)
	}
	return nil
}

// GetStrategyConfig loads one config by id.
func (s *Store) GetStrategyConfig(ctx context.Context, id string) (*StrategyConfig, error) {
	return s.scanConfig(s.DB.QueryRowContext(ctx,
		`SELECT doc FROM strategy_configs WHERE id = ?`, id))
}

// GetStrategyConfigByMarket loads the config bound to (owner, market).
func (s *Store) GetStrategyConfigByMarket(ctx context.Context, owner, marketID string) (*StrategyConfig, error) {
	return s.scanConfig(s.DB.QueryRowContext(ctx,
		`SELECT doc FROM strategy_configs WHERE owner = ? AND market_id = ?`, owner, marketID))
}

// ListActiveStrategyConfigs returns every active config for an owner.
func (s *Store) ListActiveStrategyConfigs(ctx context.Context, owner string) ([]StrategyConfig, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT doc FROM strategy_configs WHERE owner = ? AND is_active = 1`, owner)
	if err != nil {
		return nil, fmt.Errorf("list active configs: %w", err)
	}
	defer rows.Close()

	var out []StrategyConfig
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var cfg StrategyConfig
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal strategy config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteStrategyConfig removes a config document.
func (s *Store) DeleteStrategyConfig(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM strategy_configs WHERE id = ?`, id)
	return err
}

func (s *Store) scanConfig(row *sql.Row) (*StrategyConfig, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg StrategyConfig
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal strategy config: %w", err)
	}
	return &cfg, nil
}

// --- Sessions ---

// PutSession inserts or replaces a session document.
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	sess.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, owner, market_id, status, doc, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Owner, sess.MarketID, string(sess.Status), string(doc), sess.StartedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.scanSession(s.DB.QueryRowContext(ctx,
		`SELECT doc FROM sessions WHERE id = ?`, id))
}

// FindResumableSession returns the newest active or paused session for
// (owner, market), or ErrNotFound.
func (s *Store) FindResumableSession(ctx context.Context, owner, marketID string) (*Session, error) {
	return s.scanSession(s.DB.QueryRowContext(ctx, `
		SELECT doc FROM sessions
		WHERE owner = ? AND market_id = ? AND status IN ('active', 'paused')
		ORDER BY started_at DESC LIMIT 1
	`, owner, marketID))
}

// ListOpenSessions returns every non-ended session for (owner, market).
func (s *Store) ListOpenSessions(ctx context.Context, owner, marketID string) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT doc FROM sessions
		WHERE owner = ? AND market_id = ? AND status IN ('active', 'paused')
	`, owner, marketID)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// --- Trades ---

// PutTrade inserts or replaces a trade record.
func (s *Store) PutTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, market_id, owner, status, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, t.ID, t.OrderID, t.MarketID, t.Owner, string(t.Status), string(doc), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTradesByMarket returns trade history for a market, newest first.
func (s *Store) ListTradesByMarket(ctx context.Context, marketID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT doc FROM trades WHERE market_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListPendingTrades returns locally pending trades for a market; these are
// the orders the fill tracker and status-sync pass watch.
func (s *Store) ListPendingTrades(ctx context.Context, owner, marketID string) ([]Trade, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT doc FROM trades WHERE owner = ? AND market_id = ? AND status = 'pending'
	`, owner, marketID)
	if err != nil {
		return nil, fmt.Errorf("list pending trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]Trade, error) {
	var out []Trade
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t Trade
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
