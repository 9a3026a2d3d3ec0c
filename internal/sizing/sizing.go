// Package sizing converts an observed trade into a proposed copy order. The
// computation is pure except for the final risk-ledger reservation, which is
// the single side effect and runs as one atomic test-and-reserve.
package sizing

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polycopy/bot/internal/domain"
	"github.com/polycopy/bot/internal/risk"
)

// balanceReserve keeps a sliver of the balance unspent so fees and price
// movement between sizing and fill cannot overdraw the account.
const balanceReserve = 0.01

// Config holds the sizing parameters for one run.
type Config struct {
	Strategy       domain.CopyStrategy
	Tiers          []domain.MultiplierTier
	FlatMultiplier float64 // applied after tiers; <= 0 means disabled
	// DisabledTraders lists trader addresses whose trades are observed but
	// never copied.
	DisabledTraders []string
	// MaxTradeAge drops observed trades older than this; the stream replays
	// history after reconnects.
	MaxTradeAge time.Duration
}

// Engine sizes copy orders against the shared risk ledger.
type Engine struct {
	cfg      Config
	ledger   *risk.Ledger
	disabled map[string]bool
	logger   *slog.Logger
}

// NewEngine creates a sizing Engine.
func NewEngine(cfg Config, ledger *risk.Ledger, logger *slog.Logger) *Engine {
	disabled := make(map[string]bool, len(cfg.DisabledTraders))
	for _, t := range cfg.DisabledTraders {
		disabled[strings.ToLower(t)] = true
	}
	return &Engine{
		cfg:      cfg,
		ledger:   ledger,
		disabled: disabled,
		logger:   logger.With(slog.String("component", "sizing")),
	}
}

// SizeBuy sizes a copy of an observed buy. balanceUSD is the account's
// available collateral. On acceptance the returned reservation is already
// booked in the ledger and must be committed or released by the caller.
func (e *Engine) SizeBuy(ev domain.TradeEvent, balanceUSD float64) (domain.OrderRequest, *risk.Reservation, error) {
	if err := e.precheck(ev); err != nil {
		return domain.OrderRequest{}, nil, err
	}

	limits := e.ledger.Limits()

	raw := e.rawSize(ev.USDSize)
	raw *= domain.TierMultiplier(e.cfg.Tiers, ev.USDSize)
	if e.cfg.FlatMultiplier > 0 {
		raw *= e.cfg.FlatMultiplier
	}

	// Clamp to the max order size; reject below the minimum rather than
	// silently rounding up.
	if limits.MaxOrderUSD > 0 && raw > limits.MaxOrderUSD {
		raw = limits.MaxOrderUSD
	}
	if affordable := balanceUSD * (1 - balanceReserve); raw > affordable {
		raw = affordable
	}
	if raw < limits.MinOrderUSD {
		return domain.OrderRequest{}, nil, &domain.RiskRejection{
			Reason: domain.RejectBelowMinimum,
			Detail: fmt.Sprintf("sized %.2f USD, minimum %.2f", raw, limits.MinOrderUSD),
		}
	}

	// Atomic test-and-reserve against position and daily-volume headroom.
	res, err := e.ledger.Reserve(ev.MarketID, raw)
	if err != nil {
		return domain.OrderRequest{}, nil, err
	}
	if res.USD() < limits.MinOrderUSD {
		e.ledger.Release(res)
		return domain.OrderRequest{}, nil, &domain.RiskRejection{
			Reason: domain.RejectBelowMinimum,
			Detail: fmt.Sprintf("headroom clipped size to %.2f USD, minimum %.2f", res.USD(), limits.MinOrderUSD),
		}
	}

	req := domain.OrderRequest{
		IdempotencyKey: uuid.New().String(),
		Trader:         ev.Trader,
		MarketID:       ev.MarketID,
		AssetID:        ev.AssetID,
		Outcome:        ev.Outcome,
		Side:           domain.OrderSideBuy,
		SizeUSD:        res.USD(),
		LimitPrice:     LimitPrice(domain.OrderSideBuy, ev.Price),
		Strategy:       string(e.cfg.Strategy.Kind),
		CreatedAt:      time.Now().UTC(),
	}
	return req, res, nil
}

// SizeSell sizes a closing order proportional to the fraction of their
// holding the tracked trader just sold. traderRemaining is the trader's
// position size after the observed sale (negative when unknown, which closes
// our full holding).
func (e *Engine) SizeSell(ev domain.TradeEvent, held domain.Position, traderRemaining float64) (domain.OrderRequest, error) {
	if err := e.precheck(ev); err != nil {
		return domain.OrderRequest{}, err
	}
	if held.Size <= domain.ZeroSizeThreshold {
		return domain.OrderRequest{}, &domain.RiskRejection{
			Reason: domain.RejectNoHolding,
			Detail: fmt.Sprintf("no holding in asset %s", ev.AssetID),
		}
	}

	fraction := 1.0
	if traderRemaining >= 0 {
		total := traderRemaining + ev.Size
		if total > 0 {
			fraction = ev.Size / total
		}
	}
	tokens := held.Size * fraction
	if tokens > held.Size {
		tokens = held.Size
	}
	// Closing the tail entirely beats leaving unsellable dust behind.
	if held.Size-tokens <= domain.ZeroSizeThreshold {
		tokens = held.Size
	}

	return domain.OrderRequest{
		IdempotencyKey: uuid.New().String(),
		Trader:         ev.Trader,
		MarketID:       ev.MarketID,
		AssetID:        ev.AssetID,
		Outcome:        ev.Outcome,
		Side:           domain.OrderSideSell,
		SizeTokens:     tokens,
		LimitPrice:     LimitPrice(domain.OrderSideSell, ev.Price),
		Strategy:       string(e.cfg.Strategy.Kind),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// precheck applies the trader filter and staleness window.
func (e *Engine) precheck(ev domain.TradeEvent) error {
	if e.disabled[strings.ToLower(ev.Trader)] {
		return &domain.RiskRejection{
			Reason: domain.RejectStrategyDisabled,
			Detail: ev.Trader,
		}
	}
	if e.cfg.MaxTradeAge > 0 && !ev.Timestamp.IsZero() {
		if age := time.Since(ev.Timestamp); age > e.cfg.MaxTradeAge {
			return &domain.RiskRejection{
				Reason: domain.RejectStaleTrade,
				Detail: fmt.Sprintf("trade is %s old", age.Truncate(time.Second)),
			}
		}
	}
	return nil
}

// rawSize evaluates the active strategy variant before multipliers.
func (e *Engine) rawSize(traderUSD float64) float64 {
	switch e.cfg.Strategy.Kind {
	case domain.StrategyFixed:
		return e.cfg.Strategy.CopySize
	case domain.StrategyAdaptive:
		return traderUSD * e.adaptivePercent(traderUSD) / 100
	default: // percentage
		return traderUSD * e.cfg.Strategy.CopySize / 100
	}
}

// adaptivePercent interpolates linearly from AdaptiveMaxPercent at trade
// value 0 down to AdaptiveMinPercent at value >= the threshold. Monotonically
// non-increasing in the trade value.
func (e *Engine) adaptivePercent(traderUSD float64) float64 {
	s := e.cfg.Strategy
	if traderUSD >= s.AdaptiveThresholdUSD {
		return s.AdaptiveMinPercent
	}
	t := traderUSD / s.AdaptiveThresholdUSD
	return lerp(s.AdaptiveMaxPercent, s.AdaptiveMinPercent, t)
}

func lerp(a, b, t float64) float64 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return a + (b-a)*t
}

// LimitPrice widens the observed price into a marketable limit. Cheap outcome
// tokens move violently in relative terms, so the band tightens as the price
// rises. Results stay inside the venue's (0, 1) price range.
func LimitPrice(side domain.OrderSide, price float64) float64 {
	band := slippageBand(price)
	var limit float64
	if side == domain.OrderSideBuy {
		limit = price * (1 + band)
		if limit > 0.999 {
			limit = 0.999
		}
	} else {
		limit = price * (1 - band)
		if limit < 0.001 {
			limit = 0.001
		}
	}
	return limit
}

func slippageBand(price float64) float64 {
	switch {
	case price < 0.10:
		return 2.00
	case price < 0.20:
		return 0.80
	case price < 0.30:
		return 0.50
	case price < 0.40:
		return 0.30
	default:
		return 0.20
	}
}
