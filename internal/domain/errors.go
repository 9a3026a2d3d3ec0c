package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrSigningFailed  = errors.New("signing failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrAlreadyClaimed = errors.New("position already claimed")
)

// RejectReason classifies why the sizing engine declined an observed trade.
type RejectReason string

const (
	RejectBelowMinimum       RejectReason = "below_minimum"
	RejectExceedsMaxOrder    RejectReason = "exceeds_max_order"
	RejectExceedsMaxPosition RejectReason = "exceeds_max_position"
	RejectExceedsDailyVolume RejectReason = "exceeds_daily_volume"
	RejectStrategyDisabled   RejectReason = "strategy_disabled_for_trader"
	RejectStaleTrade         RejectReason = "stale_trade"
	RejectNoHolding          RejectReason = "no_holding_to_close"
)

// RiskRejection is returned when a proposed copy order fails a risk or sizing
// check. It is operator-visible and never fatal.
type RiskRejection struct {
	Reason RejectReason
	Detail string
}

func (r *RiskRejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("risk rejection: %s", r.Reason)
	}
	return fmt.Sprintf("risk rejection: %s (%s)", r.Reason, r.Detail)
}

// AsRiskRejection unwraps err into a *RiskRejection when possible.
func AsRiskRejection(err error) (*RiskRejection, bool) {
	var rr *RiskRejection
	if errors.As(err, &rr) {
		return rr, true
	}
	return nil, false
}
