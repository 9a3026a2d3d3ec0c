// Package executor submits sized copy orders to the venue. It owns the
// durable fill records, the idempotent retry loop, and the final disposition
// of every risk reservation it is handed.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/risk"
)

// Venue is the order-entry surface of the exchange. QueryStatus looks up an
// order by the same idempotency key Submit was called with, which is how an
// ambiguous submission (timeout, dropped connection) is resolved without
// double-placing.
type Venue interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	QueryStatus(ctx context.Context, idempotencyKey string) (domain.OrderResult, error)
}

// FillHandler absorbs terminal fills into position state. ReleaseClose
// returns the closing claim on a position whose exit order never filled, so
// the position is not stranded in partially_closing.
type FillHandler interface {
	ApplyFill(ctx context.Context, fill domain.Fill) error
	ReleaseClose(ctx context.Context, assetID string) error
}

// Config controls submission behavior.
type Config struct {
	// Preview short-circuits venue calls: every decision and durable record
	// is produced exactly as in live mode, but orders fill synthetically at
	// their limit price.
	Preview     bool
	MaxRetries  int
	BaseBackoff time.Duration
	// RateLimit bounds venue submissions per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	QueueSize  int
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// submission pairs a merged order with the reservations backing it.
type submission struct {
	req          domain.OrderRequest
	reservations []*risk.Reservation
	observed     *domain.TradeEvent // originating trade, for the audit trail
}

// Executor drains the order queue and runs each submission through the full
// persist-submit-reconcile pipeline.
type Executor struct {
	cfg     Config
	venue   Venue
	fills   domain.FillStore
	copies  domain.CopyTradeStore
	handler FillHandler
	ledger  *risk.Ledger
	limiter domain.RateLimiter
	bus     domain.SignalBus
	logger  *slog.Logger

	orderCh chan submission
}

// New creates an Executor. handler, limiter and bus may be nil.
func New(
	cfg Config,
	venue Venue,
	fills domain.FillStore,
	copies domain.CopyTradeStore,
	handler FillHandler,
	ledger *risk.Ledger,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Executor {
	cfg.defaults()
	return &Executor{
		cfg:     cfg,
		venue:   venue,
		fills:   fills,
		copies:  copies,
		handler: handler,
		ledger:  ledger,
		limiter: limiter,
		bus:     bus,
		logger:  logger.With(slog.String("component", "executor")),
		orderCh: make(chan submission, cfg.QueueSize),
	}
}

// Enqueue hands a merged order to the executor. It takes ownership of the
// reservations. Non-blocking: a full queue releases the reservations and
// drops the order, which is safer than backpressuring the feed.
func (e *Executor) Enqueue(req domain.OrderRequest, reservations []*risk.Reservation, observed *domain.TradeEvent) {
	select {
	case e.orderCh <- submission{req: req, reservations: reservations, observed: observed}:
	default:
		e.logger.Error("order queue full, dropping order",
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("asset_id", req.AssetID))
		for _, r := range reservations {
			e.ledger.Release(r)
		}
	}
}

// Run processes submissions until the context is cancelled, then drains the
// queue releasing reservations rather than racing orders out during shutdown.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Bool("preview", e.cfg.Preview))
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case sub := <-e.orderCh:
			e.process(ctx, sub)
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case sub := <-e.orderCh:
			e.logger.Warn("releasing queued order after shutdown",
				slog.String("idempotency_key", sub.req.IdempotencyKey))
			for _, r := range sub.reservations {
				e.ledger.Release(r)
			}
		default:
			return
		}
	}
}

// process runs one submission end to end. The pending fill is durable before
// the first venue call, so a crash mid-submission leaves a record that startup
// reconciliation can resolve against venue state.
func (e *Executor) process(ctx context.Context, sub submission) {
	req := sub.req
	log := e.logger.With(
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.String("asset_id", req.AssetID),
		slog.String("side", string(req.Side)),
	)

	pending := domain.Fill{
		IdempotencyKey: req.IdempotencyKey,
		Trader:         req.Trader,
		MarketID:       req.MarketID,
		AssetID:        req.AssetID,
		Outcome:        req.Outcome,
		Side:           req.Side,
		Price:          req.LimitPrice,
		SizeTokens:     req.SizeTokens,
		SizeUSD:        req.SizeUSD,
		Status:         domain.OrderStatusPending,
		Preview:        e.cfg.Preview,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.fills.Record(ctx, pending); err != nil {
		log.Error("recording pending fill failed, not submitting", slog.String("error", err.Error()))
		e.releaseAll(sub.reservations)
		return
	}

	var result domain.OrderResult
	if e.cfg.Preview {
		result = e.previewResult(req)
	} else {
		var err error
		result, err = e.submitWithRetry(ctx, req, log)
		if err != nil {
			e.settleFailure(ctx, sub, err, log)
			return
		}
	}
	e.settle(ctx, sub, result, log)
}

// previewResult fabricates a full fill at the limit price so preview runs
// exercise the same downstream state transitions as live ones.
func (e *Executor) previewResult(req domain.OrderRequest) domain.OrderResult {
	tokens := req.SizeTokens
	usd := req.SizeUSD
	if req.Side == domain.OrderSideBuy && req.LimitPrice > 0 {
		tokens = usd / req.LimitPrice
	} else if req.Side == domain.OrderSideSell {
		usd = tokens * req.LimitPrice
	}
	return domain.OrderResult{
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        "preview-" + uuid.New().String(),
		Status:         domain.OrderStatusFilled,
		FilledTokens:   tokens,
		FilledUSD:      usd,
		AvgFillPrice:   req.LimitPrice,
	}
}

// submitWithRetry submits the order, retrying transient failures with
// exponential backoff. An error from Submit is ambiguous (the order may have
// reached the book), so every retry is preceded by a status probe on the
// idempotency key.
func (e *Executor) submitWithRetry(ctx context.Context, req domain.OrderRequest, log *slog.Logger) (domain.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.BaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return domain.OrderResult{}, ctx.Err()
			case <-time.After(backoff):
			}

			// Resolve the previous ambiguous attempt before resubmitting. A
			// pending probe result means the order is resting on the book and
			// may still match: keep probing, never resubmit over it and never
			// settle it as rejected.
			res, err := e.venue.QueryStatus(ctx, req.IdempotencyKey)
			switch {
			case err == nil && res.Terminal():
				log.Info("ambiguous submission resolved by status query",
					slog.String("status", string(res.Status)))
				return res, nil
			case err == nil:
				lastErr = fmt.Errorf("executor: order %s still pending venue-side", req.IdempotencyKey)
				log.Info("submitted order still pending, waiting",
					slog.Int("attempt", attempt+1))
				continue
			case !errors.Is(err, domain.ErrNotFound):
				lastErr = err
				continue
			}
			// ErrNotFound: the order never reached the venue, resubmit.
		}

		if err := e.waitForRateLimit(ctx, log); err != nil {
			return domain.OrderResult{}, err
		}

		res, err := e.venue.Submit(ctx, req)
		if err != nil {
			lastErr = err
			log.Warn("order submission failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}
		if res.Terminal() {
			return res, nil
		}
		if res.Status == domain.OrderStatusPending {
			// Accepted as a resting limit order; the probe loop above tracks
			// it to a terminal state.
			lastErr = fmt.Errorf("executor: order %s resting unfilled", req.IdempotencyKey)
			log.Info("order resting on the book",
				slog.Int("attempt", attempt+1),
				slog.String("order_id", res.OrderID))
			continue
		}
		if !res.ShouldRetry {
			return res, nil
		}
		lastErr = fmt.Errorf("executor: transient venue failure: %s", res.Message)
		log.Warn("transient venue failure, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("message", res.Message))
	}
	return domain.OrderResult{}, fmt.Errorf("executor: retries exhausted: %w", lastErr)
}

func (e *Executor) waitForRateLimit(ctx context.Context, log *slog.Logger) error {
	if e.limiter == nil {
		return nil
	}
	for {
		ok, err := e.limiter.Allow(ctx, "venue:orders", e.cfg.RateLimit, e.cfg.RateWindow)
		if err != nil {
			// A broken limiter backend should not halt trading.
			log.Warn("rate limiter unavailable, proceeding", slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// settle finalizes a terminal result: durable fill, ledger accounting, audit
// record, lifecycle event, and position update.
func (e *Executor) settle(ctx context.Context, sub submission, result domain.OrderResult, log *slog.Logger) {
	req := sub.req
	filled := result.Status == domain.OrderStatusFilled || result.Status == domain.OrderStatusPartiallyFilled

	fill := domain.Fill{
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        result.OrderID,
		Trader:         req.Trader,
		MarketID:       req.MarketID,
		AssetID:        req.AssetID,
		Outcome:        req.Outcome,
		Side:           req.Side,
		Price:          result.AvgFillPrice,
		SizeTokens:     result.FilledTokens,
		SizeUSD:        result.FilledUSD,
		Status:         result.Status,
		Preview:        e.cfg.Preview,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.fills.Update(ctx, fill); err != nil {
		log.Error("updating fill failed", slog.String("error", err.Error()))
	}

	if req.Side == domain.OrderSideBuy {
		e.commitAll(sub.reservations, result.FilledUSD)
	} else {
		e.releaseAll(sub.reservations)
		if filled {
			e.ledger.ReduceExposure(req.MarketID, result.FilledUSD)
			e.ledger.RecordSellVolume(result.FilledUSD)
		}
	}

	status := "executed"
	reason := ""
	if !filled {
		status = "rejected"
		reason = result.Message
	}
	e.audit(ctx, sub, status, reason, result.FilledUSD)

	if !filled {
		log.Warn("order rejected by venue",
			slog.String("order_id", result.OrderID),
			slog.String("message", result.Message))
		if req.Side == domain.OrderSideSell {
			e.reopenPosition(ctx, req.AssetID, log)
		}
		return
	}

	log.Info("order filled",
		slog.String("order_id", result.OrderID),
		slog.String("status", string(result.Status)),
		slog.Float64("filled_usd", result.FilledUSD),
		slog.Float64("avg_price", result.AvgFillPrice))

	if e.handler != nil {
		if err := e.handler.ApplyFill(ctx, fill); err != nil {
			log.Error("applying fill to position failed", slog.String("error", err.Error()))
		} else if err := e.fills.MarkApplied(ctx, fill.IdempotencyKey); err != nil {
			log.Error("marking fill applied failed", slog.String("error", err.Error()))
		}
	}
	e.publish(ctx, "trade_copied", fill)
}

// settleFailure handles an exhausted retry loop. The fill is parked as failed
// for manual review; the reservation comes back so the budget is not stuck on
// an order that may or may not exist venue-side.
func (e *Executor) settleFailure(ctx context.Context, sub submission, cause error, log *slog.Logger) {
	req := sub.req
	fill := domain.Fill{
		IdempotencyKey: req.IdempotencyKey,
		Trader:         req.Trader,
		MarketID:       req.MarketID,
		AssetID:        req.AssetID,
		Outcome:        req.Outcome,
		Side:           req.Side,
		Price:          req.LimitPrice,
		SizeTokens:     req.SizeTokens,
		SizeUSD:        req.SizeUSD,
		Status:         domain.OrderStatusFailed,
		Preview:        e.cfg.Preview,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.fills.Update(ctx, fill); err != nil {
		log.Error("updating failed fill failed", slog.String("error", err.Error()))
	}
	e.releaseAll(sub.reservations)
	if req.Side == domain.OrderSideSell {
		e.reopenPosition(ctx, req.AssetID, log)
	}
	e.audit(ctx, sub, "failed", cause.Error(), 0)
	log.Error("order failed after retries, flagged for manual review",
		slog.String("error", cause.Error()))
}

// reopenPosition hands a position claimed by an exit order back to the open
// pool after the exit failed, so the TP/SL monitor can fire again.
func (e *Executor) reopenPosition(ctx context.Context, assetID string, log *slog.Logger) {
	if e.handler == nil {
		return
	}
	if err := e.handler.ReleaseClose(ctx, assetID); err != nil {
		log.Error("reopening position after failed exit failed",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()))
	}
}

// commitAll distributes the realized notional across the reservations in
// order; anything unfilled is released by Commit's own remainder handling.
func (e *Executor) commitAll(reservations []*risk.Reservation, filledUSD float64) {
	remaining := filledUSD
	for _, r := range reservations {
		take := remaining
		if take > r.USD() {
			take = r.USD()
		}
		e.ledger.Commit(r, take)
		remaining -= take
	}
}

func (e *Executor) releaseAll(reservations []*risk.Reservation) {
	for _, r := range reservations {
		e.ledger.Release(r)
	}
}

// audit writes the append-only copy-trade record. Best effort.
func (e *Executor) audit(ctx context.Context, sub submission, status, reason string, copyUSD float64) {
	if e.copies == nil {
		return
	}
	ct := domain.CopyTrade{
		ID:        uuid.New().String(),
		Trader:    sub.req.Trader,
		MarketID:  sub.req.MarketID,
		AssetID:   sub.req.AssetID,
		Side:      sub.req.Side,
		CopyUSD:   copyUSD,
		Price:     sub.req.LimitPrice,
		Status:    status,
		Reason:    reason,
		Preview:   e.cfg.Preview,
		CreatedAt: time.Now().UTC(),
	}
	if sub.observed != nil {
		ct.TradeID = sub.observed.TradeID
		ct.TraderUSD = sub.observed.USDSize
		ct.Price = sub.observed.Price
	}
	if err := e.copies.Insert(ctx, ct); err != nil {
		e.logger.Warn("copy trade audit insert failed", slog.String("error", err.Error()))
	}
}

// publish emits a lifecycle event on the signal bus. Best effort.
func (e *Executor) publish(ctx context.Context, event string, fill domain.Fill) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":       event,
		"asset_id":    fill.AssetID,
		"market_id":   fill.MarketID,
		"side":        fill.Side,
		"tokens":      fill.SizeTokens,
		"usd":         fill.SizeUSD,
		"price":       fill.Price,
		"preview":     fill.Preview,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, "copybot:events", payload); err != nil {
		e.logger.Debug("event publish failed", slog.String("error", err.Error()))
	}
}
