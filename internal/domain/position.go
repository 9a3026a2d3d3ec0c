package domain

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a copied position.
type PositionStatus string

const (
	// PositionStatusOpening: first buy submitted, no confirmed fill yet.
	PositionStatusOpening PositionStatus = "opening"
	// PositionStatusOpen: at least one confirmed fill, quantity > 0.
	PositionStatusOpen PositionStatus = "open"
	// PositionStatusPartiallyClosing: a closing order is in flight.
	PositionStatusPartiallyClosing PositionStatus = "partially_closing"
	// PositionStatusClosed: quantity reached zero.
	PositionStatusClosed PositionStatus = "closed"
	// PositionStatusClaimed: market resolved and redemption succeeded.
	PositionStatusClaimed PositionStatus = "claimed"
)

// ZeroSizeThreshold is the quantity below which a position counts as fully
// closed; venue size arithmetic leaves sub-cent token dust behind.
const ZeroSizeThreshold = 0.0001

// Position is one copied holding per (market, outcome token). All mutation
// goes through the Position Tracker; nothing else writes these fields.
type Position struct {
	ID            string
	MarketID      string
	AssetID       string
	Outcome       string
	Trader        string // tracked trader the position was copied from
	Strategy      string
	Size          float64 // outcome tokens held
	AvgEntryPrice float64 // size-weighted across buy fills
	CurrentPrice  float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Status        PositionStatus
	OpenedAt      time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
	ClaimedAt     *time.Time
}

// PnLPercent returns the unrealized move from the weighted entry price in
// percent. Zero when the entry price is unusable.
func (p Position) PnLPercent(currentPrice float64) float64 {
	if p.AvgEntryPrice <= 0 || currentPrice <= 0 {
		return 0
	}
	return (currentPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
}

// CanTransition reports whether the status edge from -> to is part of the
// position lifecycle. The tracker rejects any other transition as a defect.
func CanTransition(from, to PositionStatus) bool {
	switch from {
	case PositionStatusOpening:
		return to == PositionStatusOpen || to == PositionStatusClosed
	case PositionStatusOpen:
		return to == PositionStatusOpen ||
			to == PositionStatusPartiallyClosing ||
			to == PositionStatusClosed ||
			to == PositionStatusClaimed
	case PositionStatusPartiallyClosing:
		return to == PositionStatusOpen || to == PositionStatusClosed
	case PositionStatusClosed:
		return to == PositionStatusClaimed
	case PositionStatusClaimed:
		return false
	}
	return false
}

// InvalidTransitionError reports a rejected status edge.
type InvalidTransitionError struct {
	PositionID string
	From, To   PositionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("position %s: invalid transition %s -> %s", e.PositionID, e.From, e.To)
}
