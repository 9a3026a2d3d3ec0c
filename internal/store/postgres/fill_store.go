package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polycopy/bot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `idempotency_key, order_id, trader, market_id, asset_id,
	outcome, side, price, size_tokens, size_usd, status, applied, preview,
	created_at, updated_at`

func scanFill(row pgx.Row) (domain.Fill, error) {
	var f domain.Fill
	var side, status string

	err := row.Scan(
		&f.IdempotencyKey, &f.OrderID, &f.Trader, &f.MarketID, &f.AssetID,
		&f.Outcome, &side, &f.Price, &f.SizeTokens, &f.SizeUSD,
		&status, &f.Applied, &f.Preview, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return domain.Fill{}, err
	}
	f.Side = domain.OrderSide(side)
	f.Status = domain.OrderStatus(status)
	return f, nil
}

// Record inserts the pending fill for an order about to be submitted. A
// duplicate idempotency key is left untouched: the original record stands.
func (s *FillStore) Record(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (
			idempotency_key, order_id, trader, market_id, asset_id,
			outcome, side, price, size_tokens, size_usd, status, applied,
			preview, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15
		)
		ON CONFLICT (idempotency_key) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		f.IdempotencyKey, f.OrderID, f.Trader, f.MarketID, f.AssetID,
		f.Outcome, string(f.Side), f.Price, f.SizeTokens, f.SizeUSD,
		string(f.Status), f.Applied, f.Preview, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record fill %s: %w", f.IdempotencyKey, err)
	}
	return nil
}

// Update finalizes a fill with its terminal result.
func (s *FillStore) Update(ctx context.Context, f domain.Fill) error {
	const query = `
		UPDATE fills SET
			order_id    = $2,
			price       = $3,
			size_tokens = $4,
			size_usd    = $5,
			status      = $6,
			applied     = $7,
			updated_at  = $8
		WHERE idempotency_key = $1`

	tag, err := s.pool.Exec(ctx, query,
		f.IdempotencyKey, f.OrderID, f.Price, f.SizeTokens, f.SizeUSD,
		string(f.Status), f.Applied, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update fill %s: %w", f.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByKey returns a fill by idempotency key, or domain.ErrNotFound.
func (s *FillStore) GetByKey(ctx context.Context, idempotencyKey string) (domain.Fill, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE idempotency_key = $1`, idempotencyKey)

	f, err := scanFill(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Fill{}, domain.ErrNotFound
		}
		return domain.Fill{}, fmt.Errorf("postgres: get fill %s: %w", idempotencyKey, err)
	}
	return f, nil
}

// MarkApplied flags a fill as absorbed into the position state.
func (s *FillStore) MarkApplied(ctx context.Context, idempotencyKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fills SET applied = TRUE, updated_at = NOW() WHERE idempotency_key = $1`,
		idempotencyKey)
	if err != nil {
		return fmt.Errorf("postgres: mark fill applied %s: %w", idempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListUnapplied returns fills not yet absorbed by the tracker, oldest first.
func (s *FillStore) ListUnapplied(ctx context.Context) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE NOT applied ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unapplied fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

var _ domain.FillStore = (*FillStore)(nil)
