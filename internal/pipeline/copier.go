// Package pipeline connects the observed trade stream to order execution:
// each tracked trade is sized against the risk ledger, batched, and handed to
// the executor. Trades that fail a risk or sizing check are recorded in the
// audit trail and dropped.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polycopy/bot/internal/aggregator"
	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/sizing"
)

// BalanceSource reports a wallet's available collateral in USD.
type BalanceSource interface {
	Value(ctx context.Context, wallet string) (float64, error)
}

// Copier turns observed trades into sized copy orders. It is the feed's
// handler: one call per deduplicated tracked trade.
type Copier struct {
	engine          *sizing.Engine
	agg             *aggregator.Aggregator
	positions       domain.PositionStore
	traderPositions domain.TraderPositionStore
	balance         BalanceSource
	copies          domain.CopyTradeStore
	wallet          string
	preview         bool
	logger          *slog.Logger
}

// NewCopier creates a Copier. balance and traderPositions may be nil; sizing
// then falls back to a zero balance and full-close sells respectively.
func NewCopier(
	engine *sizing.Engine,
	agg *aggregator.Aggregator,
	positions domain.PositionStore,
	traderPositions domain.TraderPositionStore,
	balance BalanceSource,
	copies domain.CopyTradeStore,
	wallet string,
	preview bool,
	logger *slog.Logger,
) *Copier {
	return &Copier{
		engine:          engine,
		agg:             agg,
		positions:       positions,
		traderPositions: traderPositions,
		balance:         balance,
		copies:          copies,
		wallet:          wallet,
		preview:         preview,
		logger:          logger.With(slog.String("component", "copier")),
	}
}

// Handle processes one observed trade end to end.
func (c *Copier) Handle(ctx context.Context, ev domain.TradeEvent) {
	c.logger.InfoContext(ctx, "tracked trade observed",
		slog.String("trader", ev.Trader),
		slog.String("asset_id", ev.AssetID),
		slog.String("side", string(ev.Side)),
		slog.Float64("usd_size", ev.USDSize),
		slog.Float64("price", ev.Price))

	switch ev.Side {
	case domain.OrderSideBuy:
		c.handleBuy(ctx, ev)
	case domain.OrderSideSell:
		c.handleSell(ctx, ev)
	default:
		c.logger.WarnContext(ctx, "unknown trade side", slog.String("side", string(ev.Side)))
	}
}

func (c *Copier) handleBuy(ctx context.Context, ev domain.TradeEvent) {
	var balance float64
	if c.balance != nil {
		v, err := c.balance.Value(ctx, c.wallet)
		if err != nil {
			// A zero balance lets the minimum-order check produce the audit
			// record instead of silently dropping the trade.
			c.logger.WarnContext(ctx, "balance fetch failed",
				slog.String("error", err.Error()))
		} else {
			balance = v
		}
	}

	req, res, err := c.engine.SizeBuy(ev, balance)
	if err != nil {
		c.reject(ctx, ev, err)
		return
	}
	c.agg.Add(req, res)
}

func (c *Copier) handleSell(ctx context.Context, ev domain.TradeEvent) {
	var held domain.Position
	pos, err := c.positions.GetByAsset(ctx, ev.AssetID)
	switch {
	case err == nil:
		held = pos
	case errors.Is(err, domain.ErrNotFound):
		// No holding; SizeSell produces the rejection.
	default:
		c.logger.ErrorContext(ctx, "loading position failed",
			slog.String("asset_id", ev.AssetID),
			slog.String("error", err.Error()))
		return
	}

	// The trader's remaining venue-side position tells us what fraction of
	// their holding this sale was. Unknown means close our whole holding.
	traderRemaining := -1.0
	if c.traderPositions != nil {
		if tp, err := c.traderPositions.GetByTraderAsset(ctx, ev.Trader, ev.AssetID); err == nil {
			traderRemaining = tp.Size
		}
	}

	req, err := c.engine.SizeSell(ev, held, traderRemaining)
	if err != nil {
		c.reject(ctx, ev, err)
		return
	}
	c.agg.Add(req, nil)
}

// reject records a not-copied decision in the audit trail.
func (c *Copier) reject(ctx context.Context, ev domain.TradeEvent, cause error) {
	c.logger.InfoContext(ctx, "trade not copied",
		slog.String("trade_id", ev.TradeID),
		slog.String("trader", ev.Trader),
		slog.String("reason", cause.Error()))

	if c.copies == nil {
		return
	}
	ct := domain.CopyTrade{
		ID:        uuid.New().String(),
		TradeID:   ev.TradeID,
		Trader:    ev.Trader,
		MarketID:  ev.MarketID,
		AssetID:   ev.AssetID,
		Side:      ev.Side,
		TraderUSD: ev.USDSize,
		Price:     ev.Price,
		Status:    "rejected",
		Reason:    cause.Error(),
		Preview:   c.preview,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.copies.Insert(ctx, ct); err != nil {
		c.logger.WarnContext(ctx, "copy trade audit insert failed",
			slog.String("error", err.Error()))
	}
}
