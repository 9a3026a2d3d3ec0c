package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/risk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue scripts one response per Submit attempt and, when statusScript is
// set, one response per QueryStatus probe.
type fakeVenue struct {
	mu           sync.Mutex
	submits      []domain.OrderRequest
	script       []func(domain.OrderRequest) (domain.OrderResult, error)
	statuses     map[string]domain.OrderResult
	statusScript []domain.OrderResult
}

func (v *fakeVenue) Submit(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submits = append(v.submits, req)
	if len(v.script) == 0 {
		return domain.OrderResult{}, domain.ErrInvalidOrder
	}
	next := v.script[0]
	v.script = v.script[1:]
	return next(req)
}

func (v *fakeVenue) QueryStatus(_ context.Context, key string) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.statusScript) > 0 {
		res := v.statusScript[0]
		v.statusScript = v.statusScript[1:]
		return res, nil
	}
	if res, ok := v.statuses[key]; ok {
		return res, nil
	}
	return domain.OrderResult{}, domain.ErrNotFound
}

type memFillStore struct {
	mu    sync.Mutex
	fills map[string]domain.Fill
}

func newMemFillStore() *memFillStore {
	return &memFillStore{fills: make(map[string]domain.Fill)}
}

func (s *memFillStore) Record(_ context.Context, f domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[f.IdempotencyKey] = f
	return nil
}

func (s *memFillStore) Update(_ context.Context, f domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.fills[f.IdempotencyKey]
	f.CreatedAt = cur.CreatedAt
	f.Applied = cur.Applied
	s.fills[f.IdempotencyKey] = f
	return nil
}

func (s *memFillStore) GetByKey(_ context.Context, key string) (domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fills[key]
	if !ok {
		return domain.Fill{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *memFillStore) MarkApplied(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fills[key]
	f.Applied = true
	s.fills[key] = f
	return nil
}

func (s *memFillStore) ListUnapplied(_ context.Context) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Fill
	for _, f := range s.fills {
		if !f.Applied {
			out = append(out, f)
		}
	}
	return out, nil
}

type memCopyStore struct {
	mu      sync.Mutex
	records []domain.CopyTrade
}

func (s *memCopyStore) Insert(_ context.Context, ct domain.CopyTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, ct)
	return nil
}

func (s *memCopyStore) ListBefore(_ context.Context, t time.Time, limit int) ([]domain.CopyTrade, error) {
	return nil, nil
}

func (s *memCopyStore) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	return 0, nil
}

func (s *memCopyStore) SumExecutedSince(_ context.Context, _ time.Time, _ bool) (float64, error) {
	return 0, nil
}

type fillRecorder struct {
	mu       sync.Mutex
	fills    []domain.Fill
	reopened []string
}

func (h *fillRecorder) ApplyFill(_ context.Context, f domain.Fill) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fills = append(h.fills, f)
	return nil
}

func (h *fillRecorder) ReleaseClose(_ context.Context, assetID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reopened = append(h.reopened, assetID)
	return nil
}

func buyReq(usd float64) domain.OrderRequest {
	return domain.OrderRequest{
		IdempotencyKey: "key-1",
		Trader:         "0xTrader",
		MarketID:       "mkt-1",
		AssetID:        "asset-1",
		Outcome:        "Yes",
		Side:           domain.OrderSideBuy,
		SizeUSD:        usd,
		LimitPrice:     0.60,
		CreatedAt:      time.Now().UTC(),
	}
}

func filledResult(req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        req.IdempotencyKey,
		Status:         domain.OrderStatusFilled,
		FilledTokens:   req.SizeUSD / req.LimitPrice,
		FilledUSD:      req.SizeUSD,
		AvgFillPrice:   req.LimitPrice,
	}, nil
}

type harness struct {
	exec   *Executor
	venue  *fakeVenue
	fills  *memFillStore
	copies *memCopyStore
	hand   *fillRecorder
	ledger *risk.Ledger
}

func newHarness(t *testing.T, cfg Config, venue *fakeVenue) *harness {
	t.Helper()
	cfg.BaseBackoff = time.Millisecond
	h := &harness{
		venue:  venue,
		fills:  newMemFillStore(),
		copies: &memCopyStore{},
		hand:   &fillRecorder{},
		ledger: risk.NewLedger(risk.Limits{MaxDailyVolumeUSD: 10_000, MaxPositionUSD: 10_000}),
	}
	h.exec = New(cfg, venue, h.fills, h.copies, h.hand, h.ledger, nil, nil, discardLogger())
	return h
}

func TestPendingFillIsDurableBeforeSubmission(t *testing.T) {
	var seenPending bool
	h := newHarness(t, Config{}, nil)
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			f, err := h.fills.GetByKey(context.Background(), req.IdempotencyKey)
			seenPending = err == nil && f.Status == domain.OrderStatusPending
			return filledResult(req)
		},
	}}
	h.exec.venue = venue
	h.venue = venue

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.True(t, seenPending, "fill must be persisted before the venue call")
	f, err := h.fills.GetByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, f.Status)
	assert.True(t, f.Applied)
	require.Len(t, h.hand.fills, 1)
}

func TestTransientFailureRetriesWithSameKey(t *testing.T) {
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			return domain.OrderResult{Status: domain.OrderStatusFailed, ShouldRetry: true, Message: "rate limited"}, nil
		},
		filledResult,
	}}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	require.Len(t, venue.submits, 2)
	assert.Equal(t, venue.submits[0].IdempotencyKey, venue.submits[1].IdempotencyKey)

	snap := h.ledger.Snapshot()
	assert.InDelta(t, 60.0, snap.DailyVolumeUSD, 1e-9)
	assert.Equal(t, 0.0, snap.DailyHoldUSD)
}

func TestAmbiguousErrorResolvedByStatusQuery(t *testing.T) {
	// The submit errors out, but the order actually reached the book; the
	// status probe finds it and no second submit happens.
	venue := &fakeVenue{
		script: []func(domain.OrderRequest) (domain.OrderResult, error){
			func(req domain.OrderRequest) (domain.OrderResult, error) {
				return domain.OrderResult{}, domain.ErrWSDisconnect
			},
		},
		statuses: map[string]domain.OrderResult{
			"key-1": {
				IdempotencyKey: "key-1",
				OrderID:        "key-1",
				Status:         domain.OrderStatusFilled,
				FilledUSD:      60,
				FilledTokens:   100,
				AvgFillPrice:   0.60,
			},
		},
	}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.Len(t, venue.submits, 1)
	f, err := h.fills.GetByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, f.Status)
	assert.InDelta(t, 60.0, h.ledger.Snapshot().DailyVolumeUSD, 1e-9)
}

func TestRetriesExhaustedFlagsManualReview(t *testing.T) {
	fail := func(req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, domain.ErrWSDisconnect
	}
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){fail, fail, fail}}
	h := newHarness(t, Config{MaxRetries: 2}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	f, err := h.fills.GetByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, f.Status)

	// Budget returned, audit row written.
	snap := h.ledger.Snapshot()
	assert.Equal(t, 0.0, snap.DailyHoldUSD)
	assert.Equal(t, 0.0, snap.DailyVolumeUSD)
	require.Len(t, h.copies.records, 1)
	assert.Equal(t, "failed", h.copies.records[0].Status)
	assert.Empty(t, h.hand.fills)
}

func TestDefinitiveRejectionDoesNotRetry(t *testing.T) {
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "insufficient balance"}, nil
		},
	}}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.Len(t, venue.submits, 1)
	snap := h.ledger.Snapshot()
	assert.Equal(t, 0.0, snap.DailyVolumeUSD)
	assert.Equal(t, 0.0, snap.DailyHoldUSD)
	require.Len(t, h.copies.records, 1)
	assert.Equal(t, "rejected", h.copies.records[0].Status)
}

func TestPreviewModeSkipsVenueButPersistsState(t *testing.T) {
	venue := &fakeVenue{}
	h := newHarness(t, Config{Preview: true}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.Empty(t, venue.submits, "preview must never reach the venue")

	f, err := h.fills.GetByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, f.Preview)
	assert.Equal(t, domain.OrderStatusFilled, f.Status)
	assert.InDelta(t, 100.0, f.SizeTokens, 1e-9) // 60 USD at 0.60

	// Identical risk accounting to a live fill.
	assert.InDelta(t, 60.0, h.ledger.Snapshot().DailyVolumeUSD, 1e-9)
	require.Len(t, h.hand.fills, 1)
	require.Len(t, h.copies.records, 1)
	assert.True(t, h.copies.records[0].Preview)
}

func sellReq(tokens float64) domain.OrderRequest {
	return domain.OrderRequest{
		IdempotencyKey: "key-sell",
		MarketID:       "mkt-1",
		AssetID:        "asset-1",
		Side:           domain.OrderSideSell,
		SizeTokens:     tokens,
		LimitPrice:     0.50,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestFailedSellExitReopensPosition(t *testing.T) {
	// The exit order never reaches the venue; the position was claimed via
	// partially_closing before the enqueue and must be handed back so the
	// next TP/SL pass retries the exit.
	fail := func(req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, domain.ErrWSDisconnect
	}
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){fail, fail}}
	h := newHarness(t, Config{MaxRetries: 1}, venue)

	h.exec.process(context.Background(), submission{req: sellReq(100)})

	f, err := h.fills.GetByKey(context.Background(), "key-sell")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, f.Status)
	require.Equal(t, []string{"asset-1"}, h.hand.reopened)
}

func TestRejectedSellExitReopensPosition(t *testing.T) {
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "not enough balance / allowance"}, nil
		},
	}}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	h.exec.process(context.Background(), submission{req: sellReq(100)})

	require.Len(t, h.copies.records, 1)
	assert.Equal(t, "rejected", h.copies.records[0].Status)
	require.Equal(t, []string{"asset-1"}, h.hand.reopened)
	assert.Empty(t, h.hand.fills)
}

func TestRejectedBuyDoesNotTouchPositionState(t *testing.T) {
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "insufficient balance"}, nil
		},
	}}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.Empty(t, h.hand.reopened)
}

func TestRestingOrderProbedToFill(t *testing.T) {
	// The venue acknowledges the order as resting on the book. That is not
	// terminal: the executor probes until the order matches instead of
	// settling it as rejected.
	venue := &fakeVenue{
		script: []func(domain.OrderRequest) (domain.OrderResult, error){
			func(req domain.OrderRequest) (domain.OrderResult, error) {
				return domain.OrderResult{
					IdempotencyKey: req.IdempotencyKey,
					OrderID:        "ord-1",
					Status:         domain.OrderStatusPending,
				}, nil
			},
		},
		statusScript: []domain.OrderResult{
			{IdempotencyKey: "key-1", OrderID: "ord-1", Status: domain.OrderStatusPending},
			{
				IdempotencyKey: "key-1",
				OrderID:        "ord-1",
				Status:         domain.OrderStatusFilled,
				FilledUSD:      60,
				FilledTokens:   100,
				AvgFillPrice:   0.60,
			},
		},
	}
	h := newHarness(t, Config{MaxRetries: 3}, venue)

	req := buyReq(60)
	res, err := h.ledger.Reserve(req.MarketID, req.SizeUSD)
	require.NoError(t, err)
	h.exec.process(context.Background(), submission{req: req, reservations: []*risk.Reservation{res}})

	assert.Len(t, venue.submits, 1, "a resting order must never be resubmitted")

	f, err := h.fills.GetByKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, f.Status)
	assert.InDelta(t, 60.0, h.ledger.Snapshot().DailyVolumeUSD, 1e-9)

	require.Len(t, h.copies.records, 1)
	assert.Equal(t, "executed", h.copies.records[0].Status)
}

func TestSellFillReducesExposure(t *testing.T) {
	// Seed 80 USD of exposure from an earlier buy.
	venue := &fakeVenue{script: []func(domain.OrderRequest) (domain.OrderResult, error){
		func(req domain.OrderRequest) (domain.OrderResult, error) {
			return domain.OrderResult{
				IdempotencyKey: req.IdempotencyKey,
				OrderID:        req.IdempotencyKey,
				Status:         domain.OrderStatusFilled,
				FilledTokens:   req.SizeTokens,
				FilledUSD:      req.SizeTokens * 0.55,
				AvgFillPrice:   0.55,
			}, nil
		},
	}}
	h := newHarness(t, Config{}, venue)
	seed, err := h.ledger.Reserve("mkt-1", 80)
	require.NoError(t, err)
	h.ledger.Commit(seed, 80)

	req := domain.OrderRequest{
		IdempotencyKey: "key-sell",
		MarketID:       "mkt-1",
		AssetID:        "asset-1",
		Side:           domain.OrderSideSell,
		SizeTokens:     100,
		LimitPrice:     0.50,
		CreatedAt:      time.Now().UTC(),
	}
	h.exec.process(context.Background(), submission{req: req})

	snap := h.ledger.Snapshot()
	assert.InDelta(t, 25.0, snap.ExposureUSD["mkt-1"], 1e-9) // 80 - 55
	assert.InDelta(t, 135.0, snap.DailyVolumeUSD, 1e-9)      // 80 buy + 55 sell
}
