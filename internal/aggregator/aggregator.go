// Package aggregator batches sized copy orders over a short window so a burst
// of small trades from the same trader in the same market becomes one venue
// order instead of many.
package aggregator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/risk"
)

// FlushFunc receives a merged order together with the risk reservations of
// every constituent. The callee owns the reservations from that point on.
type FlushFunc func(req domain.OrderRequest, reservations []*risk.Reservation)

// Config controls batching behavior.
type Config struct {
	Enabled bool
	// Window is how long the first order in a bucket waits for company.
	Window time.Duration
	// CeilingUSD flushes a buy bucket early once its notional reaches this;
	// <= 0 disables the ceiling.
	CeilingUSD float64
}

type bucketKey struct {
	trader  string
	assetID string
	side    domain.OrderSide
}

type bucket struct {
	req          domain.OrderRequest
	reservations []*risk.Reservation
	timer        *time.Timer
}

// Aggregator merges orders per (trader, asset, side) bucket. All mutation of
// the bucket map happens under the mutex, so a timer flush and a concurrent
// Add can never both take the same bucket.
type Aggregator struct {
	cfg    Config
	ledger *risk.Ledger
	flush  FlushFunc
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	closed  bool
}

// New creates an Aggregator delivering merged orders to flush.
func New(cfg Config, ledger *risk.Ledger, flush FlushFunc, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		ledger:  ledger,
		flush:   flush,
		logger:  logger.With(slog.String("component", "aggregator")),
		buckets: make(map[bucketKey]*bucket),
	}
}

// Add enqueues a sized order. With aggregation disabled the order passes
// straight through to the flush callback.
func (a *Aggregator) Add(req domain.OrderRequest, res *risk.Reservation) {
	var reservations []*risk.Reservation
	if res != nil {
		reservations = []*risk.Reservation{res}
	}

	if !a.cfg.Enabled || a.cfg.Window <= 0 {
		a.flush(req, reservations)
		return
	}

	key := bucketKey{trader: req.Trader, assetID: req.AssetID, side: req.Side}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		for _, r := range reservations {
			a.ledger.Release(r)
		}
		return
	}

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{req: req, reservations: reservations}
		b.timer = time.AfterFunc(a.cfg.Window, func() { a.flushKey(key) })
		a.buckets[key] = b
	} else {
		merge(&b.req, req)
		b.reservations = append(b.reservations, reservations...)
	}

	if req.Side == domain.OrderSideBuy && a.cfg.CeilingUSD > 0 && b.req.SizeUSD >= a.cfg.CeilingUSD {
		a.takeAndFlushLocked(key, b, "ceiling")
		return
	}
	a.mu.Unlock()
}

// merge folds src into dst. The merged order keeps the first constituent's
// idempotency key; sizes accumulate and the limit stays marketable for every
// constituent.
func merge(dst *domain.OrderRequest, src domain.OrderRequest) {
	dst.SizeUSD += src.SizeUSD
	dst.SizeTokens += src.SizeTokens
	if dst.Side == domain.OrderSideBuy {
		if src.LimitPrice > dst.LimitPrice {
			dst.LimitPrice = src.LimitPrice
		}
	} else if src.LimitPrice < dst.LimitPrice {
		dst.LimitPrice = src.LimitPrice
	}
}

// flushKey is the timer path; losing the race against an earlier ceiling
// flush or Close is fine.
func (a *Aggregator) flushKey(key bucketKey) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	a.takeAndFlushLocked(key, b, "window")
}

// takeAndFlushLocked removes the bucket and delivers it outside the lock.
// Caller holds mu; the lock is released here.
func (a *Aggregator) takeAndFlushLocked(key bucketKey, b *bucket, trigger string) {
	delete(a.buckets, key)
	b.timer.Stop()
	a.mu.Unlock()

	a.logger.Debug("flushing aggregate",
		slog.String("asset_id", key.assetID),
		slog.String("side", string(key.side)),
		slog.String("trigger", trigger),
		slog.Int("orders", len(b.reservations)),
		slog.Float64("size_usd", b.req.SizeUSD))
	a.flush(b.req, b.reservations)
}

// Close stops all pending timers and returns unflushed reservations to the
// ledger. Pending partial buckets are dropped rather than rushed to the venue
// during shutdown.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := a.buckets
	a.buckets = make(map[bucketKey]*bucket)
	a.mu.Unlock()

	for _, b := range pending {
		b.timer.Stop()
		for _, r := range b.reservations {
			a.ledger.Release(r)
		}
	}
	if len(pending) > 0 {
		a.logger.Info("dropped pending aggregates on close", slog.Int("buckets", len(pending)))
	}
}
