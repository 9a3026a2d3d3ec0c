// Package monitor holds the background watchers that act on open positions:
// the take-profit/stop-loss exit monitor and the auto-claim sweeper for
// resolved markets.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// PositionManager is the slice of the tracker the monitors drive.
type PositionManager interface {
	MarkClosing(ctx context.Context, assetID string) error
	MarkClaimed(ctx context.Context, assetID string, redeemedUSD float64) error
	UpdatePrice(ctx context.Context, assetID string, price float64) error
}

// Notifier delivers operator alerts. Events are filtered by the notifier's
// own configuration.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SellFunc places the exit order for a triggered position.
type SellFunc func(ctx context.Context, pos domain.Position, price float64)

// TPSLConfig holds exit thresholds as positive percentages relative to the
// weighted entry price: TakeProfitPercent 10 exits at +10%, StopLossPercent
// 10 exits at -10%. Both boundaries are inclusive.
type TPSLConfig struct {
	Enabled           bool
	TakeProfitPercent float64
	StopLossPercent   float64
	Interval          time.Duration
}

// TPSL periodically compares open positions against cached prices and fires
// exit orders when a threshold is crossed. Positions already in
// partially_closing are not listed and therefore cannot double-fire.
type TPSL struct {
	cfg      TPSLConfig
	store    domain.PositionStore
	prices   domain.PriceCache
	manager  PositionManager
	sell     SellFunc
	notifier Notifier
	logger   *slog.Logger
}

// NewTPSL creates the exit monitor. notifier may be nil.
func NewTPSL(
	cfg TPSLConfig,
	store domain.PositionStore,
	prices domain.PriceCache,
	manager PositionManager,
	sell SellFunc,
	notifier Notifier,
	logger *slog.Logger,
) *TPSL {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &TPSL{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		manager:  manager,
		sell:     sell,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "tpsl")),
	}
}

// Run checks positions on each tick until the context is cancelled.
func (m *TPSL) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("tp/sl monitor disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info("tp/sl monitor started",
		slog.Float64("take_profit_pct", m.cfg.TakeProfitPercent),
		slog.Float64("stop_loss_pct", m.cfg.StopLossPercent))
	defer m.logger.Info("tp/sl monitor stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one evaluation pass over all open positions.
func (m *TPSL) Check(ctx context.Context) {
	positions, err := m.store.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		m.logger.ErrorContext(ctx, "listing open positions failed", slog.String("error", err.Error()))
		return
	}
	if len(positions) == 0 {
		return
	}

	assetIDs := make([]string, 0, len(positions))
	for _, p := range positions {
		assetIDs = append(assetIDs, p.AssetID)
	}
	prices, err := m.prices.GetPrices(ctx, assetIDs)
	if err != nil {
		m.logger.WarnContext(ctx, "price lookup failed", slog.String("error", err.Error()))
		return
	}

	for _, pos := range positions {
		price, ok := prices[pos.AssetID]
		if !ok || price <= 0 {
			continue
		}
		m.evaluate(ctx, pos, price)
	}
}

func (m *TPSL) evaluate(ctx context.Context, pos domain.Position, price float64) {
	if err := m.manager.UpdatePrice(ctx, pos.AssetID, price); err != nil {
		m.logger.WarnContext(ctx, "price update failed",
			slog.String("asset_id", pos.AssetID),
			slog.String("error", err.Error()))
	}

	pct := pos.PnLPercent(price)
	var event, label string
	switch {
	case m.cfg.TakeProfitPercent > 0 && pct >= m.cfg.TakeProfitPercent:
		event, label = "tp_triggered", "take profit"
	case m.cfg.StopLossPercent > 0 && pct <= -m.cfg.StopLossPercent:
		event, label = "sl_triggered", "stop loss"
	default:
		return
	}

	// MarkClosing is the claim on the position: losing the transition race
	// means another path is already exiting it.
	if err := m.manager.MarkClosing(ctx, pos.AssetID); err != nil {
		m.logger.DebugContext(ctx, "position no longer eligible for exit",
			slog.String("asset_id", pos.AssetID),
			slog.String("error", err.Error()))
		return
	}

	m.logger.InfoContext(ctx, "exit triggered",
		slog.String("asset_id", pos.AssetID),
		slog.String("trigger", event),
		slog.Float64("entry", pos.AvgEntryPrice),
		slog.Float64("price", price),
		slog.Float64("change_pct", pct))

	m.sell(ctx, pos, price)

	if m.notifier != nil {
		msg := fmt.Sprintf("%s on %s %s: %.2f%% (entry %.3f, now %.3f)",
			label, pos.MarketID, pos.Outcome, pct, pos.AvgEntryPrice, price)
		if err := m.notifier.Notify(ctx, event, "Position exit", msg); err != nil {
			m.logger.DebugContext(ctx, "notification failed", slog.String("error", err.Error()))
		}
	}
}
