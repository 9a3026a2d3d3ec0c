package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polycopy/bot/internal/domain"
)

// TraderPositionStore implements domain.TraderPositionStore using PostgreSQL.
type TraderPositionStore struct {
	pool *pgxpool.Pool
}

// NewTraderPositionStore creates a TraderPositionStore backed by the given pool.
func NewTraderPositionStore(pool *pgxpool.Pool) *TraderPositionStore {
	return &TraderPositionStore{pool: pool}
}

const traderPositionSelectCols = `trader, asset_id, market_id, outcome, size,
	avg_price, cur_price, current_usd, initial_usd, percent_pnl, redeemable,
	title, slug, refreshed_at`

// UpsertBatch replaces the mirrored rows for the given positions in one
// transaction.
func (s *TraderPositionStore) UpsertBatch(ctx context.Context, positions []domain.TraderPosition) error {
	if len(positions) == 0 {
		return nil
	}

	const query = `
		INSERT INTO trader_positions (
			trader, asset_id, market_id, outcome, size,
			avg_price, cur_price, current_usd, initial_usd, percent_pnl,
			redeemable, title, slug, refreshed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
		ON CONFLICT (trader, asset_id) DO UPDATE SET
			size         = EXCLUDED.size,
			avg_price    = EXCLUDED.avg_price,
			cur_price    = EXCLUDED.cur_price,
			current_usd  = EXCLUDED.current_usd,
			initial_usd  = EXCLUDED.initial_usd,
			percent_pnl  = EXCLUDED.percent_pnl,
			redeemable   = EXCLUDED.redeemable,
			refreshed_at = EXCLUDED.refreshed_at`

	batch := &pgx.Batch{}
	for _, tp := range positions {
		batch.Queue(query,
			tp.Trader, tp.AssetID, tp.MarketID, tp.Outcome, tp.Size,
			tp.AvgPrice, tp.CurPrice, tp.CurrentUSD, tp.InitialUSD, tp.PercentPnL,
			tp.Redeemable, tp.Title, tp.Slug, tp.RefreshedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range positions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert trader positions: %w", err)
		}
	}
	return nil
}

// GetByTraderAsset returns a trader's mirrored position for one outcome
// token, or domain.ErrNotFound.
func (s *TraderPositionStore) GetByTraderAsset(ctx context.Context, trader, assetID string) (domain.TraderPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+traderPositionSelectCols+` FROM trader_positions
		 WHERE trader = $1 AND asset_id = $2`, trader, assetID)

	var tp domain.TraderPosition
	err := row.Scan(
		&tp.Trader, &tp.AssetID, &tp.MarketID, &tp.Outcome, &tp.Size,
		&tp.AvgPrice, &tp.CurPrice, &tp.CurrentUSD, &tp.InitialUSD, &tp.PercentPnL,
		&tp.Redeemable, &tp.Title, &tp.Slug, &tp.RefreshedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TraderPosition{}, domain.ErrNotFound
		}
		return domain.TraderPosition{}, fmt.Errorf("postgres: get trader position %s/%s: %w", trader, assetID, err)
	}
	return tp, nil
}

// ListByTrader returns all mirrored positions for one trader.
func (s *TraderPositionStore) ListByTrader(ctx context.Context, trader string) ([]domain.TraderPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+traderPositionSelectCols+` FROM trader_positions
		 WHERE trader = $1 ORDER BY refreshed_at DESC`, trader)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trader positions %s: %w", trader, err)
	}
	defer rows.Close()

	var out []domain.TraderPosition
	for rows.Next() {
		var tp domain.TraderPosition
		if err := rows.Scan(
			&tp.Trader, &tp.AssetID, &tp.MarketID, &tp.Outcome, &tp.Size,
			&tp.AvgPrice, &tp.CurPrice, &tp.CurrentUSD, &tp.InitialUSD, &tp.PercentPnL,
			&tp.Redeemable, &tp.Title, &tp.Slug, &tp.RefreshedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trader position: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

var _ domain.TraderPositionStore = (*TraderPositionStore)(nil)
