package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polycopy/bot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position // by asset id
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
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
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
	return s.Record(context.Background(), f)
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

type staticVenue struct {
	positions []domain.TraderPosition
}

func (v *staticVenue) OwnPositions(_ context.Context) ([]domain.TraderPosition, error) {
	return v.positions, nil
}

func buyFill(key string, price, tokens float64) domain.Fill {
	return domain.Fill{
		IdempotencyKey: key,
		MarketID:       "mkt-1",
		AssetID:        "asset-1",
		Outcome:        "Yes",
		Side:           domain.OrderSideBuy,
		Price:          price,
		SizeTokens:     tokens,
		SizeUSD:        price * tokens,
		Status:         domain.OrderStatusFilled,
	}
}

func sellFill(key string, price, tokens float64) domain.Fill {
	f := buyFill(key, price, tokens)
	f.Side = domain.OrderSideSell
	return f
}

func newTracker(t *testing.T) (*Tracker, *memPositionStore, *memFillStore) {
	t.Helper()
	ps := newMemPositionStore()
	fs := newMemFillStore()
	return New(ps, fs, discardLogger()), ps, fs
}

func TestFirstBuyOpensPosition(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))

	pos, err := ps.GetByAsset(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 100.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.50, pos.AvgEntryPrice, 1e-9)
	assert.False(t, pos.OpenedAt.IsZero())
}

func TestBuysReweightAverageEntry(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.40, 100)))
	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k2", 0.60, 100)))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.InDelta(t, 200.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.50, pos.AvgEntryPrice, 1e-9)
}

func TestPartialSellRealizesPnL(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.MarkClosing(context.Background(), "asset-1"))
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.70, 40)))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 60.0, pos.Size, 1e-9)
	assert.InDelta(t, 8.0, pos.RealizedPnL, 1e-9) // (0.70-0.50)*40
	// Entry price does not move on sells.
	assert.InDelta(t, 0.50, pos.AvgEntryPrice, 1e-9)
}

func TestFullSellClosesPosition(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.45, 100)))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, 0.0, pos.Size)
	assert.InDelta(t, -5.0, pos.RealizedPnL, 1e-9)
	require.NotNil(t, pos.ClosedAt)
}

func TestDustRemainderCountsAsClosed(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.50, 99.99995)))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, 0.0, pos.Size)
}

func TestSellForUnknownPositionFails(t *testing.T) {
	tr, _, _ := newTracker(t)
	err := tr.ApplyFill(context.Background(), sellFill("k1", 0.50, 10))
	require.Error(t, err)
}

func TestMarkClosingRejectsClosedPosition(t *testing.T) {
	tr, _, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.50, 100)))

	err := tr.MarkClosing(context.Background(), "asset-1")
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, domain.PositionStatusClosed, ite.From)
}

func TestReleaseCloseReopensPendingExit(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.MarkClosing(context.Background(), "asset-1"))

	require.NoError(t, tr.ReleaseClose(context.Background(), "asset-1"))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 100.0, pos.Size, 1e-9)
}

func TestReleaseCloseIgnoresOtherStates(t *testing.T) {
	tr, ps, _ := newTracker(t)

	// Open position: nothing to release.
	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.ReleaseClose(context.Background(), "asset-1"))
	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)

	// Closed position stays closed.
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.50, 100)))
	require.NoError(t, tr.ReleaseClose(context.Background(), "asset-1"))
	pos, _ = ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)

	// Unknown asset is a no-op, not an error.
	require.NoError(t, tr.ReleaseClose(context.Background(), "asset-unknown"))
}

func TestMarkClaimedIsIdempotent(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, tr.ApplyFill(context.Background(), sellFill("k2", 0.99, 100)))

	require.NoError(t, tr.MarkClaimed(context.Background(), "asset-1", 0))
	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusClaimed, pos.Status)
	first := pos.ClaimedAt

	require.NoError(t, tr.MarkClaimed(context.Background(), "asset-1", 0))
	pos, _ = ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, first, pos.ClaimedAt)
}

func TestClaimOpenPositionRealizesSettlement(t *testing.T) {
	tr, ps, _ := newTracker(t)

	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.60, 100)))
	// Market resolved in our favor: 100 tokens redeem at 1.00.
	require.NoError(t, tr.MarkClaimed(context.Background(), "asset-1", 100))

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.Equal(t, domain.PositionStatusClaimed, pos.Status)
	assert.Equal(t, 0.0, pos.Size)
	assert.InDelta(t, 40.0, pos.RealizedPnL, 1e-9) // 100 - 0.60*100
}

func TestConcurrentFillsOnSameAssetSerialize(t *testing.T) {
	tr, ps, _ := newTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.ApplyFill(context.Background(), buyFill("k", 0.50, 10))
		}(i)
	}
	wg.Wait()

	pos, _ := ps.GetByAsset(context.Background(), "asset-1")
	assert.InDelta(t, 200.0, pos.Size, 1e-9)
	assert.InDelta(t, 0.50, pos.AvgEntryPrice, 1e-9)
}

func TestReconcileAdoptsVenueState(t *testing.T) {
	tr, ps, fs := newTracker(t)

	// Local: open position with a drifted size, plus one the venue no longer
	// reports.
	require.NoError(t, tr.ApplyFill(context.Background(), buyFill("k1", 0.50, 100)))
	require.NoError(t, ps.Upsert(context.Background(), domain.Position{
		ID:       "p-orphan",
		MarketID: "mkt-2",
		AssetID:  "asset-2",
		Size:     50,
		Status:   domain.PositionStatusOpen,
	}))
	// Pending fill left over from a crash mid-submission.
	require.NoError(t, fs.Record(context.Background(), domain.Fill{
		IdempotencyKey: "k-pending",
		AssetID:        "asset-1",
		Side:           domain.OrderSideBuy,
		Status:         domain.OrderStatusPending,
	}))

	venue := &staticVenue{positions: []domain.TraderPosition{
		{MarketID: "mkt-1", AssetID: "asset-1", Size: 120, AvgPrice: 0.52, CurPrice: 0.55},
		{MarketID: "mkt-3", AssetID: "asset-3", Outcome: "No", Size: 30, AvgPrice: 0.20, CurPrice: 0.25},
	}}
	require.NoError(t, tr.Reconcile(context.Background(), venue))

	// Drifted position adopted the venue numbers.
	p1, err := ps.GetByAsset(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.InDelta(t, 120.0, p1.Size, 1e-9)
	assert.InDelta(t, 0.52, p1.AvgEntryPrice, 1e-9)
	assert.Equal(t, domain.PositionStatusOpen, p1.Status)

	// Orphan closed.
	p2, err := ps.GetByAsset(context.Background(), "asset-2")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, p2.Status)
	assert.Equal(t, 0.0, p2.Size)

	// Untracked venue holding adopted.
	p3, err := ps.GetByAsset(context.Background(), "asset-3")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, p3.Status)
	assert.InDelta(t, 30.0, p3.Size, 1e-9)

	// Stranded fill retired.
	unapplied, err := fs.ListUnapplied(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unapplied)
}
