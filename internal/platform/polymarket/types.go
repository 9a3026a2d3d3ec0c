// Package polymarket contains the venue clients: the real-time data socket
// that carries tracked traders' activity, the CLOB REST API for order entry,
// and the data API for positions and account value.
package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// Default endpoints.
const (
	DefaultRTDSURL = "wss://ws-live-data.polymarket.com"
	DefaultClobURL = "https://clob.polymarket.com"
	DefaultDataURL = "https://data-api.polymarket.com"
)

// rtdsCommand is the subscription envelope for the real-time data socket.
type rtdsCommand struct {
	Action        string             `json:"action"`
	Subscriptions []rtdsSubscription `json:"subscriptions"`
}

type rtdsSubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

// rtdsEnvelope is the outer shape of every RTDS message.
type rtdsEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ActivityTrade is one trade on the activity topic.
type ActivityTrade struct {
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Price           float64 `json:"price"`
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"` // "BUY" / "SELL"
	Size            float64 `json:"size"`
	Slug            string  `json:"slug"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	Title           string  `json:"title"`
	TransactionHash string  `json:"transactionHash"`
}

// ToDomain converts an activity trade to the normalized trade event.
func (t *ActivityTrade) ToDomain() domain.TradeEvent {
	side := domain.OrderSideBuy
	if strings.EqualFold(t.Side, "SELL") {
		side = domain.OrderSideSell
	}
	ts := t.Timestamp
	// Some payloads carry milliseconds.
	if ts > 1e12 {
		ts /= 1000
	}
	return domain.TradeEvent{
		TradeID:   t.TransactionHash,
		Trader:    strings.ToLower(t.ProxyWallet),
		MarketID:  t.ConditionID,
		AssetID:   t.Asset,
		Outcome:   t.Outcome,
		Side:      side,
		Price:     t.Price,
		Size:      t.Size,
		USDSize:   t.Price * t.Size,
		Title:     t.Title,
		Slug:      t.Slug,
		Timestamp: time.Unix(ts, 0).UTC(),
	}
}

// Valid reports whether the trade carries everything the pipeline needs.
// Malformed stream messages are dropped, never fatal.
func (t *ActivityTrade) Valid() bool {
	return t.TransactionHash != "" &&
		t.ProxyWallet != "" &&
		t.Asset != "" &&
		t.ConditionID != "" &&
		t.Price > 0 && t.Price < 1 &&
		t.Size > 0
}

// apiOrderResult is the CLOB response to an order submission.
type apiOrderResult struct {
	Success       bool     `json:"success"`
	ErrorMsg      string   `json:"errorMsg"`
	OrderID       string   `json:"orderID"`
	Status        string   `json:"status"`
	MakingAmount  string   `json:"makingAmount"`
	TakingAmount  string   `json:"takingAmount"`
	TransactionsH []string `json:"transactionsHashes"`
}

// apiPosition is one row from the data API /positions endpoint.
type apiPosition struct {
	ProxyWallet   string  `json:"proxyWallet"`
	Asset         string  `json:"asset"`
	ConditionID   string  `json:"conditionId"`
	Outcome       string  `json:"outcome"`
	Size          float64 `json:"size"`
	AvgPrice      float64 `json:"avgPrice"`
	CurPrice      float64 `json:"curPrice"`
	CurrentValue  float64 `json:"currentValue"`
	InitialValue  float64 `json:"initialValue"`
	PercentPnL    float64 `json:"percentPnl"`
	Redeemable    bool    `json:"redeemable"`
	Title         string  `json:"title"`
	Slug          string  `json:"slug"`
	EndDate       string  `json:"endDate"`
	NegativeRisk  bool    `json:"negativeRisk"`
	OppositeAsset string  `json:"oppositeAsset"`
}

func (p *apiPosition) toDomain() domain.TraderPosition {
	return domain.TraderPosition{
		Trader:      strings.ToLower(p.ProxyWallet),
		MarketID:    p.ConditionID,
		AssetID:     p.Asset,
		Outcome:     p.Outcome,
		Size:        p.Size,
		AvgPrice:    p.AvgPrice,
		CurPrice:    p.CurPrice,
		CurrentUSD:  p.CurrentValue,
		InitialUSD:  p.InitialValue,
		PercentPnL:  p.PercentPnL,
		Redeemable:  p.Redeemable,
		Title:       p.Title,
		Slug:        p.Slug,
		RefreshedAt: time.Now().UTC(),
	}
}
