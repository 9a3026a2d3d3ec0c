// Package feed ingests the venue's real-time activity stream, normalizes and
// deduplicates trades, and hands tracked traders' trades to the copy
// pipeline. It also keeps the price cache warm: the trade tape and a midpoint
// poller both write into it.
package feed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/platform/polymarket"
)

// Handler receives each deduplicated trade by a tracked trader.
type Handler func(ctx context.Context, ev domain.TradeEvent)

// Config controls the activity feed.
type Config struct {
	WSURL string
	// Traders is the set of wallets to copy. Case-insensitive.
	Traders []string
	// DedupTTL is the suppression window for replayed trades.
	DedupTTL time.Duration
	// QueueSize bounds the internal event buffer between the socket reader
	// and the pipeline.
	QueueSize int
}

// ActivityFeed consumes the real-time activity stream.
type ActivityFeed struct {
	cfg     Config
	handler Handler
	prices  domain.PriceCache
	dedup   *Dedup
	traders map[string]bool
	logger  *slog.Logger

	eventCh   chan polymarket.ActivityTrade
	closeOnce sync.Once
	done      chan struct{}
}

// New creates an ActivityFeed delivering tracked trades to handler. prices
// may be nil.
func New(cfg Config, handler Handler, prices domain.PriceCache, logger *slog.Logger) *ActivityFeed {
	if cfg.WSURL == "" {
		cfg.WSURL = polymarket.DefaultRTDSURL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	traders := make(map[string]bool, len(cfg.Traders))
	for _, t := range cfg.Traders {
		traders[strings.ToLower(t)] = true
	}
	return &ActivityFeed{
		cfg:     cfg,
		handler: handler,
		prices:  prices,
		dedup:   NewDedup(cfg.DedupTTL),
		traders: traders,
		logger:  logger.With(slog.String("component", "activity_feed")),
		eventCh: make(chan polymarket.ActivityTrade, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Run connects to the stream and processes trades until the context is
// cancelled. The socket client reconnects internally; Run only returns on
// cancellation or a failed initial connect.
func (f *ActivityFeed) Run(ctx context.Context) error {
	client := polymarket.NewRTDSClient(f.cfg.WSURL)
	defer client.Close()

	client.OnTrade(func(trade polymarket.ActivityTrade) {
		select {
		case f.eventCh <- trade:
		default:
			// The pipeline is behind; dropping beats unbounded buffering, and
			// startup reconciliation repairs anything missed.
			f.logger.Warn("event buffer full, dropping trade",
				slog.String("tx", trade.TransactionHash))
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	f.logger.Info("activity stream connected",
		slog.String("url", f.cfg.WSURL),
		slog.Int("tracked_traders", len(f.traders)))

	cleanup := time.NewTicker(30 * time.Second)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-cleanup.C:
			f.dedup.Cleanup()
		case trade := <-f.eventCh:
			f.process(ctx, trade)
		}
	}
}

// Close stops the feed.
func (f *ActivityFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// process runs one raw trade through validation, price capture, the trader
// filter and dedup.
func (f *ActivityFeed) process(ctx context.Context, trade polymarket.ActivityTrade) {
	if !trade.Valid() {
		f.logger.Debug("dropping malformed trade", slog.String("tx", trade.TransactionHash))
		return
	}
	ev := trade.ToDomain()

	// Every trade on the tape is a fresh mark, tracked trader or not.
	if f.prices != nil {
		if err := f.prices.SetPrice(ctx, ev.AssetID, ev.Price, ev.Timestamp); err != nil {
			f.logger.Debug("price cache write failed", slog.String("error", err.Error()))
		}
	}

	if !f.traders[ev.Trader] {
		return
	}
	if f.dedup.Seen(ev.TradeID) {
		f.logger.Debug("duplicate trade suppressed", slog.String("trade_id", ev.TradeID))
		return
	}

	f.logger.Info("tracked trade observed",
		slog.String("trade_id", ev.TradeID),
		slog.String("trader", ev.Trader),
		slog.String("side", string(ev.Side)),
		slog.Float64("price", ev.Price),
		slog.Float64("usd", ev.USDSize),
		slog.String("title", ev.Title))
	f.handler(ctx, ev)
}

