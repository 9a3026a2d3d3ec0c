package domain

import (
	"context"
	"time"
)

// PositionStore persists copied positions. Implementations must make writes
// durable before returning: the tracker acknowledges a state transition only
// after the store call succeeds.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByAsset(ctx context.Context, assetID string) (Position, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
}

// FillStore persists fill records keyed by idempotency key. ListUnapplied
// feeds startup reconciliation.
type FillStore interface {
	Record(ctx context.Context, fill Fill) error
	Update(ctx context.Context, fill Fill) error
	GetByKey(ctx context.Context, idempotencyKey string) (Fill, error)
	MarkApplied(ctx context.Context, idempotencyKey string) error
	ListUnapplied(ctx context.Context) ([]Fill, error)
}

// CopyTradeStore is the append-only audit trail of copy decisions.
// SumExecutedSince rebuilds the current day's traded volume after a restart.
type CopyTradeStore interface {
	Insert(ctx context.Context, ct CopyTrade) error
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]CopyTrade, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	SumExecutedSince(ctx context.Context, since time.Time, preview bool) (float64, error)
}

// TraderPositionStore mirrors tracked traders' venue-side positions.
type TraderPositionStore interface {
	UpsertBatch(ctx context.Context, positions []TraderPosition) error
	GetByTraderAsset(ctx context.Context, trader, assetID string) (TraderPosition, error)
	ListByTrader(ctx context.Context, trader string) ([]TraderPosition, error)
}
