package domain

import "time"

// TradeEvent is one observed trade by a tracked trader, normalized from the
// real-time activity stream. TradeID is the venue-assigned identifier and is
// the deduplication key: the stream is at-least-once, so the same trade may
// arrive more than once.
type TradeEvent struct {
	TradeID   string // venue trade id (transaction hash on Polymarket)
	Trader    string // proxy wallet of the tracked trader, lowercase hex
	MarketID  string // condition id
	AssetID   string // outcome token id
	Outcome   string // "Yes" / "No" / named outcome
	Side      OrderSide
	Price     float64
	Size      float64 // outcome tokens
	USDSize   float64 // price * size
	Title     string
	Slug      string
	Timestamp time.Time
}

// TraderPosition mirrors a tracked trader's position as reported by the venue
// data API. Used for sell-proportional sizing and operator visibility.
type TraderPosition struct {
	Trader      string
	MarketID    string
	AssetID     string
	Outcome     string
	Size        float64
	AvgPrice    float64
	CurPrice    float64
	CurrentUSD  float64
	InitialUSD  float64
	PercentPnL  float64
	Redeemable  bool
	Title       string
	Slug        string
	RefreshedAt time.Time
}
