// Package tracker owns position state. Every fill, close and claim funnels
// through here; per-asset locking keeps concurrent updates to the same holding
// serialized without stalling unrelated markets.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polycopy/bot/internal/domain"
)

// VenueState exposes the account's venue-side holdings for reconciliation.
type VenueState interface {
	OwnPositions(ctx context.Context) ([]domain.TraderPosition, error)
}

// Tracker applies fills to positions and enforces the lifecycle state machine.
type Tracker struct {
	store  domain.PositionStore
	fills  domain.FillStore
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per asset id
}

// New creates a Tracker.
func New(store domain.PositionStore, fills domain.FillStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		fills:  fills,
		logger: logger.With(slog.String("component", "tracker")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockAsset serializes updates per outcome token.
func (t *Tracker) lockAsset(assetID string) func() {
	t.mu.Lock()
	l, ok := t.locks[assetID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[assetID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ApplyFill folds a confirmed fill into the position for its asset. Buys
// reweight the average entry price; sells realize PnL against it and close
// the position when the remaining size is dust.
func (t *Tracker) ApplyFill(ctx context.Context, fill domain.Fill) error {
	if fill.SizeTokens <= 0 {
		return nil
	}
	unlock := t.lockAsset(fill.AssetID)
	defer unlock()

	pos, err := t.store.GetByAsset(ctx, fill.AssetID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if fill.Side == domain.OrderSideSell {
			return fmt.Errorf("tracker: sell fill for unknown position %s", fill.AssetID)
		}
		pos = domain.Position{
			ID:       uuid.New().String(),
			MarketID: fill.MarketID,
			AssetID:  fill.AssetID,
			Outcome:  fill.Outcome,
			Trader:   fill.Trader,
			Status:   domain.PositionStatusOpening,
			OpenedAt: time.Now().UTC(),
		}
	case err != nil:
		return fmt.Errorf("tracker: loading position: %w", err)
	}

	if fill.Side == domain.OrderSideBuy {
		err = t.applyBuy(&pos, fill)
	} else {
		err = t.applySell(&pos, fill)
	}
	if err != nil {
		return err
	}

	pos.UpdatedAt = time.Now().UTC()
	if err := t.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("tracker: persisting position: %w", err)
	}
	t.logger.InfoContext(ctx, "position updated",
		slog.String("asset_id", pos.AssetID),
		slog.String("status", string(pos.Status)),
		slog.Float64("size", pos.Size),
		slog.Float64("avg_entry", pos.AvgEntryPrice),
		slog.Float64("realized_pnl", pos.RealizedPnL))
	return nil
}

func (t *Tracker) applyBuy(pos *domain.Position, fill domain.Fill) error {
	if err := t.transition(pos, domain.PositionStatusOpen); err != nil {
		return err
	}
	newSize := pos.Size + fill.SizeTokens
	pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Size + fill.Price*fill.SizeTokens) / newSize
	pos.Size = newSize
	pos.CurrentPrice = fill.Price
	return nil
}

func (t *Tracker) applySell(pos *domain.Position, fill domain.Fill) error {
	tokens := fill.SizeTokens
	if tokens > pos.Size {
		tokens = pos.Size
	}
	pos.RealizedPnL += (fill.Price - pos.AvgEntryPrice) * tokens
	pos.Size -= tokens
	pos.CurrentPrice = fill.Price

	target := domain.PositionStatusOpen
	if pos.Size <= domain.ZeroSizeThreshold {
		pos.Size = 0
		target = domain.PositionStatusClosed
	}
	if err := t.transition(pos, target); err != nil {
		return err
	}
	if target == domain.PositionStatusClosed && pos.ClosedAt == nil {
		now := time.Now().UTC()
		pos.ClosedAt = &now
	}
	return nil
}

// transition moves the position to target, tolerating same-state writes.
func (t *Tracker) transition(pos *domain.Position, target domain.PositionStatus) error {
	if pos.Status == target {
		return nil
	}
	if !domain.CanTransition(pos.Status, target) {
		return &domain.InvalidTransitionError{PositionID: pos.ID, From: pos.Status, To: target}
	}
	pos.Status = target
	return nil
}

// MarkClosing flags a position while its closing order is in flight so the
// TP/SL monitor does not fire a second exit against it.
func (t *Tracker) MarkClosing(ctx context.Context, assetID string) error {
	unlock := t.lockAsset(assetID)
	defer unlock()

	pos, err := t.store.GetByAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("tracker: loading position: %w", err)
	}
	if err := t.transition(&pos, domain.PositionStatusPartiallyClosing); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now().UTC()
	return t.store.Upsert(ctx, pos)
}

// ReleaseClose returns a position from partially_closing to open after its
// exit order failed or was rejected, so the TP/SL monitor evaluates it again
// on the next pass. No-op for positions in any other state.
func (t *Tracker) ReleaseClose(ctx context.Context, assetID string) error {
	unlock := t.lockAsset(assetID)
	defer unlock()

	pos, err := t.store.GetByAsset(ctx, assetID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracker: loading position: %w", err)
	}
	if pos.Status != domain.PositionStatusPartiallyClosing {
		return nil
	}
	if err := t.transition(&pos, domain.PositionStatusOpen); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now().UTC()
	t.logger.WarnContext(ctx, "exit order did not go through, position reopened",
		slog.String("asset_id", assetID))
	return t.store.Upsert(ctx, pos)
}

// MarkClaimed finalizes a redeemed position. Calling it twice is a no-op.
func (t *Tracker) MarkClaimed(ctx context.Context, assetID string, redeemedUSD float64) error {
	unlock := t.lockAsset(assetID)
	defer unlock()

	pos, err := t.store.GetByAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("tracker: loading position: %w", err)
	}
	if pos.Status == domain.PositionStatusClaimed {
		return nil
	}
	if pos.Status == domain.PositionStatusOpen && pos.Size > 0 {
		// Redeeming an open position realizes it at the settlement value.
		pos.RealizedPnL += redeemedUSD - pos.AvgEntryPrice*pos.Size
		pos.Size = 0
	}
	if err := t.transition(&pos, domain.PositionStatusClaimed); err != nil {
		return err
	}
	now := time.Now().UTC()
	pos.ClaimedAt = &now
	if pos.ClosedAt == nil {
		pos.ClosedAt = &now
	}
	pos.UpdatedAt = now
	return t.store.Upsert(ctx, pos)
}

// UpdatePrice refreshes the mark and unrealized PnL without touching the
// lifecycle state.
func (t *Tracker) UpdatePrice(ctx context.Context, assetID string, price float64) error {
	unlock := t.lockAsset(assetID)
	defer unlock()

	pos, err := t.store.GetByAsset(ctx, assetID)
	if err != nil {
		return err
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Size
	pos.UpdatedAt = time.Now().UTC()
	return t.store.Upsert(ctx, pos)
}

// Reconcile aligns local position state with the venue at startup. The venue
// is authoritative: local sizes are overwritten, local positions absent
// venue-side are closed, and venue holdings with no local record are adopted.
// Unapplied fills are then retired, since the venue snapshot already includes
// whatever they did or did not do.
func (t *Tracker) Reconcile(ctx context.Context, venue VenueState) error {
	venuePositions, err := venue.OwnPositions(ctx)
	if err != nil {
		return fmt.Errorf("tracker: fetching venue positions: %w", err)
	}
	byAsset := make(map[string]domain.TraderPosition, len(venuePositions))
	for _, vp := range venuePositions {
		byAsset[vp.AssetID] = vp
	}

	local, err := t.store.ListByStatus(ctx,
		domain.PositionStatusOpening,
		domain.PositionStatusOpen,
		domain.PositionStatusPartiallyClosing)
	if err != nil {
		return fmt.Errorf("tracker: listing local positions: %w", err)
	}

	now := time.Now().UTC()
	for _, pos := range local {
		vp, held := byAsset[pos.AssetID]
		delete(byAsset, pos.AssetID)

		if !held || vp.Size <= domain.ZeroSizeThreshold {
			t.logger.WarnContext(ctx, "local position absent venue-side, closing",
				slog.String("asset_id", pos.AssetID),
				slog.Float64("local_size", pos.Size))
			pos.Size = 0
			pos.Status = domain.PositionStatusClosed
			pos.ClosedAt = &now
		} else {
			if pos.Size != vp.Size {
				t.logger.WarnContext(ctx, "position size drift, adopting venue size",
					slog.String("asset_id", pos.AssetID),
					slog.Float64("local_size", pos.Size),
					slog.Float64("venue_size", vp.Size))
			}
			pos.Size = vp.Size
			pos.AvgEntryPrice = vp.AvgPrice
			pos.CurrentPrice = vp.CurPrice
			pos.Status = domain.PositionStatusOpen
		}
		pos.UpdatedAt = now
		if err := t.store.Upsert(ctx, pos); err != nil {
			return fmt.Errorf("tracker: reconciling position %s: %w", pos.AssetID, err)
		}
	}

	// Venue holdings we have no record of, e.g. manual trades or lost state.
	for _, vp := range byAsset {
		if vp.Size <= domain.ZeroSizeThreshold {
			continue
		}
		pos := domain.Position{
			ID:            uuid.New().String(),
			MarketID:      vp.MarketID,
			AssetID:       vp.AssetID,
			Outcome:       vp.Outcome,
			Size:          vp.Size,
			AvgEntryPrice: vp.AvgPrice,
			CurrentPrice:  vp.CurPrice,
			Status:        domain.PositionStatusOpen,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		t.logger.InfoContext(ctx, "adopting untracked venue position",
			slog.String("asset_id", vp.AssetID),
			slog.Float64("size", vp.Size))
		if err := t.store.Upsert(ctx, pos); err != nil {
			return fmt.Errorf("tracker: adopting position %s: %w", vp.AssetID, err)
		}
	}

	unapplied, err := t.fills.ListUnapplied(ctx)
	if err != nil {
		return fmt.Errorf("tracker: listing unapplied fills: %w", err)
	}
	for _, f := range unapplied {
		if err := t.fills.MarkApplied(ctx, f.IdempotencyKey); err != nil {
			return fmt.Errorf("tracker: retiring fill %s: %w", f.IdempotencyKey, err)
		}
	}
	if len(unapplied) > 0 {
		t.logger.InfoContext(ctx, "retired unapplied fills after reconciliation",
			slog.Int("count", len(unapplied)))
	}
	return nil
}
