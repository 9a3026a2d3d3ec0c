// Package risk implements the process-wide risk ledger: daily traded volume
// and per-market exposure accounting shared by every sizing decision.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// Limits holds the hard risk boundaries every accepted order must respect.
// Zero values disable the corresponding check.
type Limits struct {
	MaxOrderUSD       float64
	MinOrderUSD       float64
	MaxPositionUSD    float64 // per market
	MaxDailyVolumeUSD float64 // process-wide, resets at the UTC day boundary
}

// Ledger is the single source of truth for daily volume and per-market
// exposure. Every read-then-reserve sequence runs as one critical section
// under the mutex: two concurrent sizing calls can never double-book the same
// headroom.
type Ledger struct {
	mu sync.Mutex

	limits Limits
	now    func() time.Time

	day         time.Time // UTC midnight of the current accounting day
	dailyVolume float64   // committed volume for the current day
	dailyHold   float64   // reserved but not yet committed

	exposure map[string]float64 // committed exposure per market
	holds    map[string]float64 // reserved exposure per market
}

// NewLedger creates a Ledger with the given limits.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:   limits,
		now:      time.Now,
		exposure: make(map[string]float64),
		holds:    make(map[string]float64),
	}
}

// Reservation is a booked slice of risk headroom. It must be finalized
// exactly once with Commit or Release; both are idempotent afterwards.
type Reservation struct {
	ledger   *Ledger
	marketID string
	usd      float64
	done     bool
}

// USD returns the reserved notional.
func (r *Reservation) USD() float64 {
	if r == nil {
		return 0
	}
	return r.usd
}

// MarketID returns the market the reservation is booked against.
func (r *Reservation) MarketID() string {
	if r == nil {
		return ""
	}
	return r.marketID
}

// rollDay resets daily counters when the UTC date has changed. Caller holds mu.
func (l *Ledger) rollDay() {
	today := l.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(l.day) {
		l.day = today
		l.dailyVolume = 0
		l.dailyHold = 0
	}
}

// Reserve atomically books up to requestedUSD of headroom against the market
// exposure and daily volume limits. When full headroom is not available the
// reservation is clipped to what remains; it is never expanded. A
// *domain.RiskRejection is returned when no headroom remains at all.
func (l *Ledger) Reserve(marketID string, requestedUSD float64) (*Reservation, error) {
	if requestedUSD <= 0 {
		return nil, &domain.RiskRejection{
			Reason: domain.RejectBelowMinimum,
			Detail: fmt.Sprintf("requested %.2f USD", requestedUSD),
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()

	granted := requestedUSD

	if l.limits.MaxPositionUSD > 0 {
		used := l.exposure[marketID] + l.holds[marketID]
		headroom := l.limits.MaxPositionUSD - used
		if headroom <= 0 {
			return nil, &domain.RiskRejection{
				Reason: domain.RejectExceedsMaxPosition,
				Detail: fmt.Sprintf("market %s at %.2f/%.2f USD", marketID, used, l.limits.MaxPositionUSD),
			}
		}
		if granted > headroom {
			granted = headroom
		}
	}

	if l.limits.MaxDailyVolumeUSD > 0 {
		used := l.dailyVolume + l.dailyHold
		headroom := l.limits.MaxDailyVolumeUSD - used
		if headroom <= 0 {
			return nil, &domain.RiskRejection{
				Reason: domain.RejectExceedsDailyVolume,
				Detail: fmt.Sprintf("daily volume at %.2f/%.2f USD", used, l.limits.MaxDailyVolumeUSD),
			}
		}
		if granted > headroom {
			granted = headroom
		}
	}

	l.holds[marketID] += granted
	l.dailyHold += granted

	return &Reservation{ledger: l, marketID: marketID, usd: granted}, nil
}

// Commit converts a reservation into recorded volume and exposure at the
// realized fill amount. Any unspent remainder of the hold is released. Safe
// to call once; later calls are no-ops.
func (l *Ledger) Commit(r *Reservation, filledUSD float64) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.rollDay()

	if filledUSD < 0 {
		filledUSD = 0
	}
	if filledUSD > r.usd {
		filledUSD = r.usd
	}

	l.releaseHoldLocked(r)
	l.exposure[r.marketID] += filledUSD
	l.dailyVolume += filledUSD
}

// Release returns the whole reservation to the pool, e.g. when an aggregate
// is abandoned at shutdown or an order is rejected. Idempotent.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.releaseHoldLocked(r)
}

func (l *Ledger) releaseHoldLocked(r *Reservation) {
	l.holds[r.marketID] -= r.usd
	if l.holds[r.marketID] <= 0 {
		delete(l.holds, r.marketID)
	}
	l.dailyHold -= r.usd
	if l.dailyHold < 0 {
		l.dailyHold = 0
	}
}

// SeedExposure records exposure that predates this run, e.g. open positions
// found during startup reconciliation. Seeded notional counts against
// MaxPositionUSD exactly like committed fills, so a restart cannot double a
// market's budget.
func (l *Ledger) SeedExposure(marketID string, usd float64) {
	if usd <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exposure[marketID] += usd
}

// SeedDailyVolume restores volume already traded in the current UTC day, so
// MaxDailyVolumeUSD holds per calendar day rather than per process.
func (l *Ledger) SeedDailyVolume(usd float64) {
	if usd <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	l.dailyVolume += usd
}

// ReduceExposure lowers a market's recorded exposure after a sell fill or a
// redemption. Floors at zero.
func (l *Ledger) ReduceExposure(marketID string, usd float64) {
	if usd <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.exposure[marketID] -= usd
	if l.exposure[marketID] <= 0 {
		delete(l.exposure, marketID)
	}
}

// RecordSellVolume counts a closing order's notional against the daily volume
// budget without holding exposure.
func (l *Ledger) RecordSellVolume(usd float64) {
	if usd <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	l.dailyVolume += usd
}

// Snapshot is a point-in-time view of the ledger for logging and status.
type Snapshot struct {
	Day            time.Time
	DailyVolumeUSD float64
	DailyHoldUSD   float64
	ExposureUSD    map[string]float64
}

// Snapshot returns a copy of the current accounting state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()

	exp := make(map[string]float64, len(l.exposure))
	for k, v := range l.exposure {
		exp[k] = v
	}
	return Snapshot{
		Day:            l.day,
		DailyVolumeUSD: l.dailyVolume,
		DailyHoldUSD:   l.dailyHold,
		ExposureUSD:    exp,
	}
}

// Limits returns the configured limits.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
