package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/risk"
)

// Price levels at which a binary outcome token counts as resolved. The data
// API reports settled winners at (or within dust of) 1 and losers at 0.
const (
	ResolvedHighPrice = 0.99
	ResolvedLowPrice  = 0.01
)

// AccountPositions exposes the bot wallet's venue-side holdings, including
// the redeemable flag on resolved markets.
type AccountPositions interface {
	OwnPositions(ctx context.Context) ([]domain.TraderPosition, error)
}

// Redeemer settles a resolved market on chain, converting winning outcome
// tokens back to collateral. Must be idempotent: redeeming an already-settled
// market returns domain.ErrAlreadyClaimed.
type Redeemer interface {
	Redeem(ctx context.Context, marketID string) (txHash string, err error)
}

// AutoClaimConfig controls the claim sweeper.
type AutoClaimConfig struct {
	Enabled  bool
	Interval time.Duration
	LockTTL  time.Duration
}

// AutoClaim periodically redeems resolved positions. A distributed lock per
// market keeps concurrent bot instances from racing the same redemption.
type AutoClaim struct {
	cfg      AutoClaimConfig
	venue    AccountPositions
	redeemer Redeemer
	manager  PositionManager
	store    domain.PositionStore
	locks    domain.LockManager
	ledger   *risk.Ledger
	notifier Notifier
	logger   *slog.Logger
}

// NewAutoClaim creates the claim sweeper. locks and notifier may be nil.
func NewAutoClaim(
	cfg AutoClaimConfig,
	venue AccountPositions,
	redeemer Redeemer,
	manager PositionManager,
	store domain.PositionStore,
	locks domain.LockManager,
	ledger *risk.Ledger,
	notifier Notifier,
	logger *slog.Logger,
) *AutoClaim {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &AutoClaim{
		cfg:      cfg,
		venue:    venue,
		redeemer: redeemer,
		manager:  manager,
		store:    store,
		locks:    locks,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "autoclaim")),
	}
}

// Run sweeps for claimable positions on each tick until the context is
// cancelled.
func (a *AutoClaim) Run(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Info("auto-claim disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	a.logger.Info("auto-claim started", slog.Duration("interval", a.cfg.Interval))
	defer a.logger.Info("auto-claim stopped")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the account's venue positions and redeems every
// resolved, still-unclaimed holding.
func (a *AutoClaim) Sweep(ctx context.Context) {
	positions, err := a.venue.OwnPositions(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "fetching account positions failed", slog.String("error", err.Error()))
		return
	}
	for _, vp := range positions {
		if !vp.Redeemable || vp.Size <= domain.ZeroSizeThreshold {
			continue
		}
		a.claim(ctx, vp)
	}
}

func (a *AutoClaim) claim(ctx context.Context, vp domain.TraderPosition) {
	log := a.logger.With(
		slog.String("market_id", vp.MarketID),
		slog.String("asset_id", vp.AssetID))

	local, err := a.store.GetByAsset(ctx, vp.AssetID)
	tracked := err == nil
	if tracked && local.Status == domain.PositionStatusClaimed {
		// Already settled locally; nothing to do.
		return
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.ErrorContext(ctx, "loading local position failed", slog.String("error", err.Error()))
		return
	}

	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "claim:"+vp.MarketID, a.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.DebugContext(ctx, "claim lock held elsewhere, skipping")
			} else {
				log.WarnContext(ctx, "claim lock failed", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}

	txHash, err := a.redeemer.Redeem(ctx, vp.MarketID)
	if err != nil && !errors.Is(err, domain.ErrAlreadyClaimed) {
		log.ErrorContext(ctx, "redemption failed", slog.String("error", err.Error()))
		return
	}

	// Winning tokens settle at 1 USDC apiece; losers at zero.
	payout := 0.0
	if vp.CurPrice >= ResolvedHighPrice {
		payout = vp.Size
	}

	if tracked {
		if err := a.manager.MarkClaimed(ctx, vp.AssetID, payout); err != nil {
			log.ErrorContext(ctx, "marking position claimed failed", slog.String("error", err.Error()))
			return
		}
		a.ledger.ReduceExposure(vp.MarketID, vp.InitialUSD)
	}

	log.InfoContext(ctx, "position claimed",
		slog.Float64("tokens", vp.Size),
		slog.Float64("payout_usd", payout),
		slog.String("tx", txHash))

	if a.notifier != nil {
		msg := fmt.Sprintf("redeemed %.2f tokens on %s for %.2f USDC", vp.Size, vp.MarketID, payout)
		if err := a.notifier.Notify(ctx, "claim_succeeded", "Position claimed", msg); err != nil {
			log.DebugContext(ctx, "notification failed", slog.String("error", err.Error()))
		}
	}
}
