package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// PositionSource lists a wallet's current venue positions.
type PositionSource interface {
	Positions(ctx context.Context, wallet string) ([]domain.TraderPosition, error)
}

// Refresher mirrors the tracked traders' venue positions into the database on
// an interval. Sell-proportional sizing reads the mirror instead of hitting
// the data API on every observed sale.
type Refresher struct {
	interval time.Duration
	traders  []string
	source   PositionSource
	store    domain.TraderPositionStore
	logger   *slog.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(
	interval time.Duration,
	traders []string,
	source PositionSource,
	store domain.TraderPositionStore,
	logger *slog.Logger,
) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		interval: interval,
		traders:  traders,
		source:   source,
		store:    store,
		logger:   logger.With(slog.String("component", "trader_refresher")),
	}
}

// Run refreshes immediately and then on every tick until the context is
// cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("trader position refresher started",
		slog.Duration("interval", r.interval),
		slog.Int("traders", len(r.traders)))

	r.Refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh runs one mirror pass over all tracked traders. Per-trader failures
// are logged and skipped; a flaky data API must not stall the others.
func (r *Refresher) Refresh(ctx context.Context) {
	for _, trader := range r.traders {
		positions, err := r.source.Positions(ctx, trader)
		if err != nil {
			r.logger.WarnContext(ctx, "fetching trader positions failed",
				slog.String("trader", trader),
				slog.String("error", err.Error()))
			continue
		}
		if len(positions) == 0 {
			continue
		}
		if err := r.store.UpsertBatch(ctx, positions); err != nil {
			r.logger.ErrorContext(ctx, "mirroring trader positions failed",
				slog.String("trader", trader),
				slog.String("error", err.Error()))
		}
	}
}
