package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polycopy/bot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, asset_id, outcome, trader, strategy,
	size, avg_entry_price, current_price, realized_pnl, unrealized_pnl,
	status, opened_at, updated_at, closed_at, claimed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.MarketID, &p.AssetID, &p.Outcome, &p.Trader, &p.Strategy,
		&p.Size, &p.AvgEntryPrice, &p.CurrentPrice, &p.RealizedPnL, &p.UnrealizedPnL,
		&status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt, &p.ClaimedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert inserts or replaces the position for its outcome token.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, asset_id, outcome, trader, strategy,
			size, avg_entry_price, current_price, realized_pnl, unrealized_pnl,
			status, opened_at, updated_at, closed_at, claimed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)
		ON CONFLICT (asset_id) DO UPDATE SET
			size            = EXCLUDED.size,
			avg_entry_price = EXCLUDED.avg_entry_price,
			current_price   = EXCLUDED.current_price,
			realized_pnl    = EXCLUDED.realized_pnl,
			unrealized_pnl  = EXCLUDED.unrealized_pnl,
			status          = EXCLUDED.status,
			updated_at      = EXCLUDED.updated_at,
			closed_at       = EXCLUDED.closed_at,
			claimed_at      = EXCLUDED.claimed_at`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.AssetID, p.Outcome, p.Trader, p.Strategy,
		p.Size, p.AvgEntryPrice, p.CurrentPrice, p.RealizedPnL, p.UnrealizedPnL,
		string(p.Status), p.OpenedAt, p.UpdatedAt, p.ClosedAt, p.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.AssetID, err)
	}
	return nil
}

// GetByAsset returns the position for an outcome token, or domain.ErrNotFound.
func (s *PositionStore) GetByAsset(ctx context.Context, assetID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE asset_id = $1`, assetID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", assetID, err)
	}
	return p, nil
}

// ListByStatus returns all positions in any of the given states.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = ANY($1)
		 ORDER BY opened_at`, vals)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListByMarket returns all positions in a market, regardless of state.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1
		 ORDER BY opened_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by market: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
