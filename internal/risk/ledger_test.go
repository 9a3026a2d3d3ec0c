package risk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polycopy/bot/internal/domain"
)

func TestReserveClipsToPositionHeadroom(t *testing.T) {
	l := NewLedger(Limits{MaxPositionUSD: 100})

	r1, err := l.Reserve("mkt-1", 80)
	require.NoError(t, err)
	assert.Equal(t, 80.0, r1.USD())

	// Only 20 left in this market; request is clipped, never expanded.
	r2, err := l.Reserve("mkt-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 20.0, r2.USD())

	// Zero headroom: rejected, not granted at size zero.
	_, err = l.Reserve("mkt-1", 10)
	var rr *domain.RiskRejection
	require.True(t, errors.As(err, &rr))
	assert.Equal(t, domain.RejectExceedsMaxPosition, rr.Reason)

	// Another market is unaffected.
	r3, err := l.Reserve("mkt-2", 50)
	require.NoError(t, err)
	assert.Equal(t, 50.0, r3.USD())
}

func TestReserveDailyVolumeUnderConcurrency(t *testing.T) {
	const limit = 1000.0
	l := NewLedger(Limits{MaxDailyVolumeUSD: limit})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted float64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve("mkt-1", 37.5)
			if err != nil {
				return
			}
			l.Commit(r, r.USD())
			mu.Lock()
			granted += r.USD()
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 64 * 37.5 = 2400 requested, but accepted volume never exceeds the
	// daily limit no matter the interleaving.
	assert.LessOrEqual(t, granted, limit)
	assert.InDelta(t, limit, l.Snapshot().DailyVolumeUSD, 1e-9)
}

func TestDailyVolumeResetsAtUTCBoundary(t *testing.T) {
	l := NewLedger(Limits{MaxDailyVolumeUSD: 100})

	now := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	r, err := l.Reserve("mkt-1", 100)
	require.NoError(t, err)
	l.Commit(r, 100)

	_, err = l.Reserve("mkt-1", 1)
	require.Error(t, err)

	// Past midnight UTC the budget is fresh.
	now = now.Add(20 * time.Minute)
	r2, err := l.Reserve("mkt-1", 60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, r2.USD())
}

func TestCommitReleasesUnspentRemainder(t *testing.T) {
	l := NewLedger(Limits{MaxPositionUSD: 100, MaxDailyVolumeUSD: 100})

	r, err := l.Reserve("mkt-1", 100)
	require.NoError(t, err)

	// Partial fill: only 40 of the 100 hold becomes exposure.
	l.Commit(r, 40)

	snap := l.Snapshot()
	assert.Equal(t, 40.0, snap.DailyVolumeUSD)
	assert.Equal(t, 0.0, snap.DailyHoldUSD)
	assert.Equal(t, 40.0, snap.ExposureUSD["mkt-1"])

	// The other 60 is available again.
	r2, err := l.Reserve("mkt-1", 60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, r2.USD())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewLedger(Limits{MaxDailyVolumeUSD: 100})

	r, err := l.Reserve("mkt-1", 70)
	require.NoError(t, err)

	l.Release(r)
	l.Release(r)
	l.Commit(r, 70) // ignored after release

	snap := l.Snapshot()
	assert.Equal(t, 0.0, snap.DailyVolumeUSD)
	assert.Equal(t, 0.0, snap.DailyHoldUSD)

	r2, err := l.Reserve("mkt-1", 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, r2.USD())
}

func TestSeededStateCountsAgainstLimits(t *testing.T) {
	l := NewLedger(Limits{MaxPositionUSD: 500, MaxDailyVolumeUSD: 1000})

	// State recovered at startup: a 400 USD holding and 600 USD already
	// traded today.
	l.SeedExposure("mkt-1", 400)
	l.SeedDailyVolume(600)

	// Only 100 of position headroom remains; a fresh process must not hand
	// the market a full budget again.
	r, err := l.Reserve("mkt-1", 500)
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.USD())

	// Daily headroom is 1000 - 600 - 100 held = 300, regardless of market.
	r2, err := l.Reserve("mkt-2", 500)
	require.NoError(t, err)
	assert.Equal(t, 300.0, r2.USD())
}

func TestReduceExposureFloorsAtZero(t *testing.T) {
	l := NewLedger(Limits{MaxPositionUSD: 100})

	r, err := l.Reserve("mkt-1", 50)
	require.NoError(t, err)
	l.Commit(r, 50)

	l.ReduceExposure("mkt-1", 80)
	assert.Empty(t, l.Snapshot().ExposureUSD)

	// Full headroom is available again.
	r2, err := l.Reserve("mkt-1", 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, r2.USD())
}
