package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polycopy/bot/internal/domain"
)

// CopyTradeStore implements domain.CopyTradeStore using PostgreSQL.
type CopyTradeStore struct {
	pool *pgxpool.Pool
}

// NewCopyTradeStore creates a CopyTradeStore backed by the given pool.
func NewCopyTradeStore(pool *pgxpool.Pool) *CopyTradeStore {
	return &CopyTradeStore{pool: pool}
}

// Insert appends one copy decision to the audit trail.
func (s *CopyTradeStore) Insert(ctx context.Context, ct domain.CopyTrade) error {
	const query = `
		INSERT INTO copy_trades (
			id, trade_id, trader, market_id, asset_id, side,
			trader_usd, copy_usd, price, status, reason, preview, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		ct.ID, ct.TradeID, ct.Trader, ct.MarketID, ct.AssetID, string(ct.Side),
		ct.TraderUSD, ct.CopyUSD, ct.Price, ct.Status, ct.Reason, ct.Preview, ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert copy trade %s: %w", ct.ID, err)
	}
	return nil
}

// ListBefore returns up to limit audit rows older than cutoff, oldest first.
// The archiver drains the retention backlog in pages through this.
func (s *CopyTradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.CopyTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, trader, market_id, asset_id, side,
		       trader_usd, copy_usd, price, status, reason, preview, created_at
		FROM copy_trades
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copy trades before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var out []domain.CopyTrade
	for rows.Next() {
		var ct domain.CopyTrade
		var side string
		if err := rows.Scan(
			&ct.ID, &ct.TradeID, &ct.Trader, &ct.MarketID, &ct.AssetID, &side,
			&ct.TraderUSD, &ct.CopyUSD, &ct.Price, &ct.Status, &ct.Reason,
			&ct.Preview, &ct.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan copy trade: %w", err)
		}
		ct.Side = domain.OrderSide(side)
		out = append(out, ct)
	}
	return out, rows.Err()
}

// SumExecutedSince returns the executed copy notional recorded since the
// given time, filtered to the current run mode. The risk ledger's daily
// volume is rebuilt from this at startup.
func (s *CopyTradeStore) SumExecutedSince(ctx context.Context, since time.Time, preview bool) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(copy_usd), 0)
		FROM copy_trades
		WHERE status = 'executed' AND preview = $2 AND created_at >= $1`,
		since, preview).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum executed copy trades since %s: %w", since, err)
	}
	return total, nil
}

// DeleteBefore prunes audit rows older than cutoff, returning the count.
func (s *CopyTradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM copy_trades WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete copy trades before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.CopyTradeStore = (*CopyTradeStore)(nil)
