package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the terminal (or in-flight) state of a submitted copy order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
)

// OrderRequest is a sized, risk-checked order ready for submission. The
// IdempotencyKey is generated once when the request is built and never changes
// across retries, so a resubmission after an ambiguous failure can be detected
// and collapsed venue-side.
type OrderRequest struct {
	IdempotencyKey string
	Trader         string // tracked trader this copy originates from
	MarketID       string
	AssetID        string
	Outcome        string
	Side           OrderSide
	SizeUSD        float64 // notional to spend on buys
	SizeTokens     float64 // tokens to sell on closing orders
	LimitPrice     float64 // price constraint including slippage band
	Strategy       string  // strategy name that sized this order
	CreatedAt      time.Time
}

// OrderResult is the outcome of one order submission.
type OrderResult struct {
	IdempotencyKey string
	OrderID        string // venue order id
	Status         OrderStatus
	FilledTokens   float64
	FilledUSD      float64
	AvgFillPrice   float64
	Message        string
	// ShouldRetry distinguishes transient venue failures (timeout, rate
	// limit) from definitive rejections (balance, allowance, bad market).
	ShouldRetry bool
}

// Terminal reports whether the result needs no further submission attempts.
func (r OrderResult) Terminal() bool {
	switch r.Status {
	case OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Fill is the durable record of an order submission and its realized fill,
// keyed by the idempotency key of the originating request. A Fill is written
// before submission (Status pending) and finalized once the venue reports a
// terminal result; Applied flips only after the Position Tracker has absorbed
// it. Startup reconciliation replays unapplied fills against venue state.
type Fill struct {
	IdempotencyKey string
	OrderID        string
	Trader         string
	MarketID       string
	AssetID        string
	Outcome        string
	Side           OrderSide
	Price          float64
	SizeTokens     float64
	SizeUSD        float64
	Status         OrderStatus
	Applied        bool
	Preview        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CopyTrade is the append-only audit record of one copy decision, accepted or
// rejected. Archived to object storage after the retention window.
type CopyTrade struct {
	ID          string
	TradeID     string // venue trade id of the observed trade
	Trader      string
	MarketID    string
	AssetID     string
	Side        OrderSide
	TraderUSD   float64 // observed trade notional
	CopyUSD     float64 // sized notional (0 when rejected)
	Price       float64
	Status      string // "executed", "aggregated", "rejected", "failed"
	Reason      string // rejection reason or failure message
	Preview     bool
	CreatedAt   time.Time
}
