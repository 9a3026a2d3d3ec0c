package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// MidpointSource fetches current midpoint prices from the CLOB.
type MidpointSource interface {
	Midpoints(ctx context.Context, assetIDs []string) (map[string]float64, error)
}

// PricePoller refreshes the price cache for every asset with an open
// position. The trade tape only covers assets that are actively trading; the
// poller keeps quiet markets marked too, so TP/SL never acts on stale prices.
type PricePoller struct {
	interval time.Duration
	store    domain.PositionStore
	source   MidpointSource
	prices   domain.PriceCache
	logger   *slog.Logger
}

// NewPricePoller creates a PricePoller.
func NewPricePoller(interval time.Duration, store domain.PositionStore, source MidpointSource, prices domain.PriceCache, logger *slog.Logger) *PricePoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PricePoller{
		interval: interval,
		store:    store,
		source:   source,
		prices:   prices,
		logger:   logger.With(slog.String("component", "price_poller")),
	}
}

// Run polls until the context is cancelled.
func (p *PricePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one refresh pass.
func (p *PricePoller) Poll(ctx context.Context) {
	positions, err := p.store.ListByStatus(ctx,
		domain.PositionStatusOpen,
		domain.PositionStatusPartiallyClosing)
	if err != nil {
		p.logger.ErrorContext(ctx, "listing positions failed", slog.String("error", err.Error()))
		return
	}
	if len(positions) == 0 {
		return
	}

	assetIDs := make([]string, 0, len(positions))
	for _, pos := range positions {
		assetIDs = append(assetIDs, pos.AssetID)
	}

	mids, err := p.source.Midpoints(ctx, assetIDs)
	if err != nil {
		p.logger.WarnContext(ctx, "midpoint fetch failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for assetID, price := range mids {
		if err := p.prices.SetPrice(ctx, assetID, price, now); err != nil {
			p.logger.DebugContext(ctx, "price cache write failed",
				slog.String("asset_id", assetID),
				slog.String("error", err.Error()))
		}
	}
}
