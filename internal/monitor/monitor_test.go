package monitor

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

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (s *memPositionStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.AssetID] = pos
	return nil
}

func (s *memPositionStore) GetByAsset(_ context.Context, assetID string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[assetID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListByStatus(_ context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func (s *memPositionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	return nil, nil
}

type staticPrices struct {
	prices map[string]float64
}

func (p *staticPrices) SetPrice(_ context.Context, assetID string, price float64, _ time.Time) error {
	p.prices[assetID] = price
	return nil
}

func (p *staticPrices) GetPrice(_ context.Context, assetID string) (float64, time.Time, error) {
	v, ok := p.prices[assetID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return v, time.Now(), nil
}

func (p *staticPrices) GetPrices(_ context.Context, assetIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range assetIDs {
		if v, ok := p.prices[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// managerRecorder records lifecycle calls; markClosingErr simulates losing
// the transition race.
type managerRecorder struct {
	mu             sync.Mutex
	closing        []string
	claimed        map[string]float64
	priced         map[string]float64
	markClosingErr error
}

func newManagerRecorder() *managerRecorder {
	return &managerRecorder{claimed: make(map[string]float64), priced: make(map[string]float64)}
}

func (m *managerRecorder) MarkClosing(_ context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markClosingErr != nil {
		return m.markClosingErr
	}
	m.closing = append(m.closing, assetID)
	return nil
}

func (m *managerRecorder) MarkClaimed(_ context.Context, assetID string, redeemedUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed[assetID] = redeemedUSD
	return nil
}

func (m *managerRecorder) UpdatePrice(_ context.Context, assetID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priced[assetID] = price
	return nil
}

type sellRecorder struct {
	mu    sync.Mutex
	calls []domain.Position
}

func (s *sellRecorder) sell(_ context.Context, pos domain.Position, _ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pos)
}

type notifyRecorder struct {
	mu     sync.Mutex
	events []string
}

func (n *notifyRecorder) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func openPosition(assetID string, entry float64) domain.Position {
	return domain.Position{
		ID:            "p-" + assetID,
		MarketID:      "mkt-1",
		AssetID:       assetID,
		Outcome:       "Yes",
		Size:          100,
		AvgEntryPrice: entry,
		Status:        domain.PositionStatusOpen,
	}
}

func newTPSLHarness(t *testing.T, cfg TPSLConfig) (*TPSL, *memPositionStore, *staticPrices, *managerRecorder, *sellRecorder, *notifyRecorder) {
	t.Helper()
	store := newMemPositionStore()
	prices := &staticPrices{prices: make(map[string]float64)}
	mgr := newManagerRecorder()
	sells := &sellRecorder{}
	notes := &notifyRecorder{}
	m := NewTPSL(cfg, store, prices, mgr, sells.sell, notes, discardLogger())
	return m, store, prices, mgr, sells, notes
}

func TestTakeProfitFiresAtBoundary(t *testing.T) {
	m, store, prices, mgr, sells, notes := newTPSLHarness(t, TPSLConfig{
		Enabled: true, TakeProfitPercent: 10, StopLossPercent: 10,
	})
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))
	prices.prices["asset-1"] = 0.55 // exactly +10%

	m.Check(context.Background())

	assert.Equal(t, []string{"asset-1"}, mgr.closing)
	require.Len(t, sells.calls, 1)
	assert.Equal(t, []string{"tp_triggered"}, notes.events)
}

func TestStopLossFiresAtBoundary(t *testing.T) {
	m, store, prices, mgr, sells, notes := newTPSLHarness(t, TPSLConfig{
		Enabled: true, TakeProfitPercent: 10, StopLossPercent: 10,
	})
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))
	prices.prices["asset-1"] = 0.45 // exactly -10%

	m.Check(context.Background())

	assert.Equal(t, []string{"asset-1"}, mgr.closing)
	require.Len(t, sells.calls, 1)
	assert.Equal(t, []string{"sl_triggered"}, notes.events)
}

func TestInsideBandDoesNotFire(t *testing.T) {
	m, store, prices, mgr, sells, _ := newTPSLHarness(t, TPSLConfig{
		Enabled: true, TakeProfitPercent: 10, StopLossPercent: 10,
	})
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))
	prices.prices["asset-1"] = 0.54 // +8%

	m.Check(context.Background())

	assert.Empty(t, mgr.closing)
	assert.Empty(t, sells.calls)
	// The mark was still refreshed.
	assert.InDelta(t, 0.54, mgr.priced["asset-1"], 1e-9)
}

func TestClosingPositionsAreNotReExited(t *testing.T) {
	m, store, prices, _, sells, _ := newTPSLHarness(t, TPSLConfig{
		Enabled: true, TakeProfitPercent: 10, StopLossPercent: 10,
	})
	pos := openPosition("asset-1", 0.50)
	pos.Status = domain.PositionStatusPartiallyClosing
	require.NoError(t, store.Upsert(context.Background(), pos))
	prices.prices["asset-1"] = 0.90

	m.Check(context.Background())
	assert.Empty(t, sells.calls)
}

func TestLostTransitionRaceSkipsSell(t *testing.T) {
	m, store, prices, mgr, sells, _ := newTPSLHarness(t, TPSLConfig{
		Enabled: true, TakeProfitPercent: 10, StopLossPercent: 10,
	})
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))
	prices.prices["asset-1"] = 0.90
	mgr.markClosingErr = &domain.InvalidTransitionError{
		PositionID: "p-asset-1",
		From:       domain.PositionStatusPartiallyClosing,
		To:         domain.PositionStatusPartiallyClosing,
	}

	m.Check(context.Background())
	assert.Empty(t, sells.calls)
}

type fakeRedeemer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeRedeemer) Redeem(_ context.Context, marketID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, marketID)
	return "0xtx", r.err
}

type fakeLocks struct {
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func redeemable(assetID string, size, curPrice float64) domain.TraderPosition {
	return domain.TraderPosition{
		MarketID:   "mkt-" + assetID,
		AssetID:    assetID,
		Size:       size,
		CurPrice:   curPrice,
		InitialUSD: size * 0.50,
		Redeemable: true,
	}
}

type staticAccount struct {
	positions []domain.TraderPosition
}

func (a *staticAccount) OwnPositions(_ context.Context) ([]domain.TraderPosition, error) {
	return a.positions, nil
}

func newClaimHarness(t *testing.T, account *staticAccount, redeemer *fakeRedeemer, locks domain.LockManager) (*AutoClaim, *memPositionStore, *managerRecorder, *notifyRecorder, *risk.Ledger) {
	t.Helper()
	store := newMemPositionStore()
	mgr := newManagerRecorder()
	notes := &notifyRecorder{}
	ledger := risk.NewLedger(risk.Limits{})
	a := NewAutoClaim(AutoClaimConfig{Enabled: true}, account, redeemer, mgr, store, locks, ledger, notes, discardLogger())
	return a, store, mgr, notes, ledger
}

func TestSweepRedeemsWinningPosition(t *testing.T) {
	account := &staticAccount{positions: []domain.TraderPosition{redeemable("asset-1", 100, 1.0)}}
	redeemer := &fakeRedeemer{}
	a, store, mgr, notes, _ := newClaimHarness(t, account, redeemer, nil)

	pos := openPosition("asset-1", 0.50)
	pos.MarketID = "mkt-asset-1"
	require.NoError(t, store.Upsert(context.Background(), pos))

	a.Sweep(context.Background())

	assert.Equal(t, []string{"mkt-asset-1"}, redeemer.calls)
	// 100 winning tokens settle at 1 USDC apiece.
	assert.InDelta(t, 100.0, mgr.claimed["asset-1"], 1e-9)
	assert.Equal(t, []string{"claim_succeeded"}, notes.events)
}

func TestSweepSkipsAlreadyClaimed(t *testing.T) {
	account := &staticAccount{positions: []domain.TraderPosition{redeemable("asset-1", 100, 1.0)}}
	redeemer := &fakeRedeemer{}
	a, store, mgr, _, _ := newClaimHarness(t, account, redeemer, nil)

	pos := openPosition("asset-1", 0.50)
	pos.Status = domain.PositionStatusClaimed
	require.NoError(t, store.Upsert(context.Background(), pos))

	a.Sweep(context.Background())

	assert.Empty(t, redeemer.calls, "claimed position must not be redeemed again")
	assert.Empty(t, mgr.claimed)
}

func TestSweepSkipsNonRedeemable(t *testing.T) {
	vp := redeemable("asset-1", 100, 0.80)
	vp.Redeemable = false
	account := &staticAccount{positions: []domain.TraderPosition{vp}}
	redeemer := &fakeRedeemer{}
	a, _, _, _, _ := newClaimHarness(t, account, redeemer, nil)

	a.Sweep(context.Background())
	assert.Empty(t, redeemer.calls)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	account := &staticAccount{positions: []domain.TraderPosition{redeemable("asset-1", 100, 1.0)}}
	redeemer := &fakeRedeemer{}
	locks := &fakeLocks{held: map[string]bool{"claim:mkt-asset-1": true}}
	a, store, mgr, _, _ := newClaimHarness(t, account, redeemer, locks)
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))

	a.Sweep(context.Background())

	assert.Empty(t, redeemer.calls)
	assert.Empty(t, mgr.claimed)
}

func TestSweepHandlesLosingPosition(t *testing.T) {
	account := &staticAccount{positions: []domain.TraderPosition{redeemable("asset-1", 100, 0.0)}}
	redeemer := &fakeRedeemer{}
	a, store, mgr, _, _ := newClaimHarness(t, account, redeemer, nil)
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))

	a.Sweep(context.Background())

	// Redeemed to clear the tokens, but the payout is zero.
	require.Len(t, redeemer.calls, 1)
	assert.Equal(t, 0.0, mgr.claimed["asset-1"])
}

func TestSweepToleratesAlreadyClaimedOnChain(t *testing.T) {
	account := &staticAccount{positions: []domain.TraderPosition{redeemable("asset-1", 100, 1.0)}}
	redeemer := &fakeRedeemer{err: domain.ErrAlreadyClaimed}
	a, store, mgr, _, _ := newClaimHarness(t, account, redeemer, nil)
	require.NoError(t, store.Upsert(context.Background(), openPosition("asset-1", 0.50)))

	a.Sweep(context.Background())

	// Local state converges even when the chain settled first.
	assert.InDelta(t, 100.0, mgr.claimed["asset-1"], 1e-9)
}
