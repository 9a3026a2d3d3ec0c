package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/polycopy/bot/internal/aggregator"
	"github.com/polycopy/bot/internal/crypto"
	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/executor"
	"github.com/polycopy/bot/internal/feed"
	"github.com/polycopy/bot/internal/monitor"
	"github.com/polycopy/bot/internal/pipeline"
	"github.com/polycopy/bot/internal/platform/polymarket"
	"github.com/polycopy/bot/internal/risk"
	"github.com/polycopy/bot/internal/settlement"
	"github.com/polycopy/bot/internal/sizing"
	"github.com/polycopy/bot/internal/tracker"
)

// selfPositions adapts the data API to the venue-state interfaces used by
// reconciliation and the auto-claimer: it reports our own wallet's positions.
type selfPositions struct {
	data   *polymarket.DataClient
	wallet string
}

func (s selfPositions) OwnPositions(ctx context.Context) ([]domain.TraderPosition, error) {
	return s.data.Positions(ctx, s.wallet)
}

// CopyMode runs the full copy pipeline: feed -> sizing -> aggregation ->
// execution -> position tracking, plus the TP/SL monitor, auto-claim sweeper,
// price poller, trader mirror, and audit archiver. With preview set, orders
// fill synthetically and no venue credentials are required.
func (a *App) CopyMode(ctx context.Context, deps *Dependencies, preview bool) error {
	a.logger.InfoContext(ctx, "starting copy pipeline", slog.Bool("preview", preview))

	g, ctx := errgroup.WithContext(ctx)

	ledger := risk.NewLedger(risk.Limits{
		MaxOrderUSD:       a.cfg.Risk.MaxOrderUSD,
		MinOrderUSD:       a.cfg.Risk.MinOrderUSD,
		MaxPositionUSD:    a.cfg.Risk.MaxPositionUSD,
		MaxDailyVolumeUSD: a.cfg.Risk.MaxDailyVolumeUSD,
	})

	data := polymarket.NewDataClient(a.cfg.Polymarket.DataHost)

	// Wallet-backed pieces. Preview mode runs without a wallet; everything
	// that needs one (venue client, redemption, reconciliation) is skipped.
	var (
		keyHex     string
		clob       *polymarket.ClobClient
		venue      executor.Venue
		selfWallet string
	)
	walletConfigured := a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != ""
	if walletConfigured {
		var err error
		keyHex, err = crypto.LoadKey(crypto.KeySource{
			RawPrivateKey:    a.cfg.Wallet.PrivateKey,
			EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      a.cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fmt.Errorf("copy mode: load wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(keyHex, a.cfg.Polymarket.ChainID, a.cfg.Polymarket.ExchangeAddress)
		if err != nil {
			return fmt.Errorf("copy mode: create signer: %w", err)
		}

		clob = polymarket.NewClobClient(
			a.cfg.Polymarket.ClobHost, signer, nil,
			a.cfg.Wallet.Funder, a.cfg.Polymarket.SignatureType,
		)
		if err := clob.DeriveAPIKey(ctx); err != nil {
			if !preview {
				return fmt.Errorf("copy mode: derive venue API key: %w", err)
			}
			a.logger.WarnContext(ctx, "derive API key failed, price polling disabled",
				slog.String("error", err.Error()))
			clob = nil
		}
		if clob != nil {
			venue = clob
		}

		selfWallet = a.cfg.Wallet.Funder
		if selfWallet == "" {
			selfWallet = signer.Address().Hex()
		}
	}

	posTracker := tracker.New(deps.PositionStore, deps.FillStore, a.logger)

	// The venue is authoritative at startup; everything downstream sizes
	// against reconciled state.
	if selfWallet != "" {
		if err := posTracker.Reconcile(ctx, selfPositions{data: data, wallet: selfWallet}); err != nil {
			a.logger.WarnContext(ctx, "startup reconciliation failed, continuing with local state",
				slog.String("error", err.Error()))
		}
	}
	a.seedLedger(ctx, deps, ledger, preview)

	exec := executor.New(
		executor.Config{
			Preview:     preview,
			MaxRetries:  a.cfg.Executor.MaxRetries,
			BaseBackoff: a.cfg.Executor.BaseBackoff.Duration,
			RateLimit:   a.cfg.Executor.RateLimit,
			RateWindow:  a.cfg.Executor.RateWindow.Duration,
			QueueSize:   a.cfg.Executor.QueueSize,
		},
		venue, deps.FillStore, deps.CopyTradeStore, posTracker,
		ledger, deps.RateLimiter, deps.SignalBus, a.logger,
	)
	g.Go(func() error {
		return exec.Run(ctx)
	})

	tiers, err := domain.ParseMultiplierTiers(a.cfg.Strategy.MultiplierTiers)
	if err != nil {
		return fmt.Errorf("copy mode: %w", err)
	}
	engine := sizing.NewEngine(sizing.Config{
		Strategy:        a.cfg.Strategy.CopyStrategy(),
		Tiers:           tiers,
		FlatMultiplier:  a.cfg.Strategy.Multiplier,
		DisabledTraders: a.cfg.Traders.Disabled,
		MaxTradeAge:     a.cfg.Strategy.MaxTradeAge.Duration,
	}, ledger, a.logger)

	agg := aggregator.New(aggregator.Config{
		Enabled:    a.cfg.Aggregation.Enabled,
		Window:     a.cfg.Aggregation.Window.Duration,
		CeilingUSD: a.cfg.Aggregation.CeilingUSD,
	}, ledger, func(req domain.OrderRequest, reservations []*risk.Reservation) {
		exec.Enqueue(req, reservations, nil)
	}, a.logger)

	var balance pipeline.BalanceSource
	if selfWallet != "" {
		balance = data
	}
	copier := pipeline.NewCopier(
		engine, agg, deps.PositionStore, deps.TraderPositionStore,
		balance, deps.CopyTradeStore, selfWallet, preview, a.logger,
	)

	activity := feed.New(feed.Config{
		WSURL:     a.cfg.Polymarket.WsHost,
		Traders:   a.cfg.Traders.Addresses,
		DedupTTL:  a.cfg.Feed.DedupTTL.Duration,
		QueueSize: a.cfg.Feed.QueueSize,
	}, copier.Handle, deps.PriceCache, a.logger)
	g.Go(func() error {
		defer activity.Close()
		return activity.Run(ctx)
	})

	// Trader mirror keeps sell-proportional sizing honest.
	refresher := pipeline.NewRefresher(
		a.cfg.Traders.RefreshInterval.Duration,
		a.cfg.Traders.Addresses,
		data, deps.TraderPositionStore, a.logger,
	)
	g.Go(func() error {
		return refresher.Run(ctx)
	})

	// Midpoint polling covers assets whose markets go quiet on the tape.
	if clob != nil {
		poller := feed.NewPricePoller(
			a.cfg.Feed.PricePollInterval.Duration,
			deps.PositionStore, clob, deps.PriceCache, a.logger,
		)
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}

	tpsl := monitor.NewTPSL(monitor.TPSLConfig{
		Enabled:           a.cfg.TPSL.Enabled,
		TakeProfitPercent: a.cfg.TPSL.TakeProfitPercent,
		StopLossPercent:   a.cfg.TPSL.StopLossPercent,
		Interval:          a.cfg.TPSL.Interval.Duration,
	}, deps.PositionStore, deps.PriceCache, posTracker,
		func(ctx context.Context, pos domain.Position, price float64) {
			exec.Enqueue(domain.OrderRequest{
				IdempotencyKey: fmt.Sprintf("exit-%s-%d", pos.ID, time.Now().UnixNano()),
				MarketID:       pos.MarketID,
				AssetID:        pos.AssetID,
				Outcome:        pos.Outcome,
				Side:           domain.OrderSideSell,
				SizeTokens:     pos.Size,
				LimitPrice:     sizing.LimitPrice(domain.OrderSideSell, price),
				Strategy:       pos.Strategy,
				CreatedAt:      time.Now().UTC(),
			}, nil, nil)
		}, deps.Notifier, a.logger)
	g.Go(func() error {
		return tpsl.Run(ctx)
	})

	// Auto-claim needs a signing key for the on-chain redemption.
	if a.cfg.AutoClaim.Enabled && keyHex != "" && !preview {
		key, err := ethcrypto.HexToECDSA(keyHex)
		if err != nil {
			return fmt.Errorf("copy mode: parse wallet key: %w", err)
		}
		redeemer, err := settlement.NewRedeemer(ctx, settlement.Config{
			RPCURL:      a.cfg.Polymarket.RPCURL,
			CTFAddress:  a.cfg.Polymarket.CTFAddress,
			USDCAddress: a.cfg.Polymarket.USDCAddress,
			ChainID:     int64(a.cfg.Polymarket.ChainID),
		}, key, a.logger)
		if err != nil {
			return fmt.Errorf("copy mode: settlement: %w", err)
		}
		a.closers = append(a.closers, redeemer.Close)

		// USDC has 6 decimals. Submissions without allowance fail later with
		// an opaque venue rejection, so flag the misconfiguration up front.
		minAllowance := new(big.Int).SetUint64(uint64(a.cfg.Risk.MaxOrderUSD * 1e6))
		ok, err := redeemer.HasExchangeAllowance(ctx, a.cfg.Polymarket.ExchangeAddress, minAllowance)
		if err != nil {
			a.logger.WarnContext(ctx, "allowance check failed",
				slog.String("error", err.Error()))
		} else if !ok {
			a.logger.WarnContext(ctx, "USDC allowance for the exchange is below the max order size, submissions may be rejected",
				slog.String("exchange", a.cfg.Polymarket.ExchangeAddress),
				slog.Float64("max_order_usd", a.cfg.Risk.MaxOrderUSD))
		}

		claimer := monitor.NewAutoClaim(monitor.AutoClaimConfig{
			Enabled:  true,
			Interval: a.cfg.AutoClaim.Interval.Duration,
			LockTTL:  a.cfg.AutoClaim.LockTTL.Duration,
		}, selfPositions{data: data, wallet: selfWallet}, redeemer,
			posTracker, deps.PositionStore, deps.LockManager, ledger,
			deps.Notifier, a.logger)
		g.Go(func() error {
			return claimer.Run(ctx)
		})
	}

	// Operator alerts for executed copies ride the same bus the executor
	// publishes on.
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, "copybot:events")
		if err != nil {
			return fmt.Errorf("copy mode: subscribe events: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				a.notifyLifecycleEvent(ctx, deps, msg)
			}
		}
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps.Archiver)
		})
	}

	err = g.Wait()
	agg.Close()
	return err
}

// MonitorMode observes the tracked traders without placing orders: trades are
// logged and price-marked, and the venue-side position mirror stays fresh for
// operator queries.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	activity := feed.New(feed.Config{
		WSURL:     a.cfg.Polymarket.WsHost,
		Traders:   a.cfg.Traders.Addresses,
		DedupTTL:  a.cfg.Feed.DedupTTL.Duration,
		QueueSize: a.cfg.Feed.QueueSize,
	}, func(ctx context.Context, ev domain.TradeEvent) {
		a.logger.InfoContext(ctx, "tracked trade observed",
			slog.String("trader", ev.Trader),
			slog.String("asset_id", ev.AssetID),
			slog.String("side", string(ev.Side)),
			slog.Float64("usd_size", ev.USDSize),
			slog.Float64("price", ev.Price))
	}, deps.PriceCache, a.logger)
	g.Go(func() error {
		defer activity.Close()
		return activity.Run(ctx)
	})

	data := polymarket.NewDataClient(a.cfg.Polymarket.DataHost)
	refresher := pipeline.NewRefresher(
		a.cfg.Traders.RefreshInterval.Duration,
		a.cfg.Traders.Addresses,
		data, deps.TraderPositionStore, a.logger,
	)
	g.Go(func() error {
		return refresher.Run(ctx)
	})

	// Surface lifecycle events from a copy instance sharing this Redis.
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, "copybot:events")
		if err != nil {
			return fmt.Errorf("monitor mode: subscribe events: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				a.logger.DebugContext(ctx, "order event", slog.String("payload", string(msg)))
			}
		}
	})

	return g.Wait()
}

// seedLedger primes the risk ledger with state that predates this run: the
// entry notional of positions currently held, and the volume already traded
// in the current UTC day. Without this a restart would hand every limit a
// fresh budget. Best effort: a failed seed leaves the run conservative-side
// only for volume, so it warns and continues.
func (a *App) seedLedger(ctx context.Context, deps *Dependencies, ledger *risk.Ledger, preview bool) {
	positions, err := deps.PositionStore.ListByStatus(ctx,
		domain.PositionStatusOpening,
		domain.PositionStatusOpen,
		domain.PositionStatusPartiallyClosing)
	if err != nil {
		a.logger.WarnContext(ctx, "seeding exposure from open positions failed",
			slog.String("error", err.Error()))
	} else {
		byMarket := make(map[string]float64)
		for _, pos := range positions {
			byMarket[pos.MarketID] += pos.Size * pos.AvgEntryPrice
		}
		for market, usd := range byMarket {
			ledger.SeedExposure(market, usd)
		}
		if len(byMarket) > 0 {
			a.logger.InfoContext(ctx, "seeded position exposure",
				slog.Int("markets", len(byMarket)))
		}
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	volume, err := deps.CopyTradeStore.SumExecutedSince(ctx, midnight, preview)
	if err != nil {
		a.logger.WarnContext(ctx, "seeding daily volume failed",
			slog.String("error", err.Error()))
		return
	}
	ledger.SeedDailyVolume(volume)
	if volume > 0 {
		a.logger.InfoContext(ctx, "seeded daily volume",
			slog.Float64("usd", volume))
	}
}

// notifyLifecycleEvent turns a bus event into an operator alert. The notifier
// applies its own event filter.
func (a *App) notifyLifecycleEvent(ctx context.Context, deps *Dependencies, payload []byte) {
	var ev struct {
		Event   string  `json:"event"`
		AssetID string  `json:"asset_id"`
		Side    string  `json:"side"`
		USD     float64 `json:"usd"`
		Price   float64 `json:"price"`
		Preview bool    `json:"preview"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Event == "" {
		return
	}
	msg := fmt.Sprintf("%s %s for %.2f USD at %.3f", ev.Side, ev.AssetID, ev.USD, ev.Price)
	if ev.Preview {
		msg = "[preview] " + msg
	}
	if err := deps.Notifier.Notify(ctx, ev.Event, "Copy trade", msg); err != nil {
		a.logger.DebugContext(ctx, "notification failed", slog.String("error", err.Error()))
	}
}

// runArchiveLoop periodically moves aged audit rows to object storage.
func (a *App) runArchiveLoop(ctx context.Context, archiver domain.Archiver) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := archiver.ArchiveCopyTrades(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "archiving copy trades failed",
					slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "archived copy trades",
					slog.Int64("rows", n),
					slog.Time("cutoff", cutoff))
			}
		}
	}
}
