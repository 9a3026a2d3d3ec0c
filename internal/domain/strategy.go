package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StrategyKind selects how copy size is derived from an observed trade.
// Exactly one kind is active per run.
type StrategyKind string

const (
	// StrategyPercentage: copy size = trader size * (CopySize / 100).
	StrategyPercentage StrategyKind = "percentage"
	// StrategyFixed: copy size = CopySize USD, regardless of trader size.
	StrategyFixed StrategyKind = "fixed"
	// StrategyAdaptive: percent interpolates from AdaptiveMaxPercent at
	// trade value 0 down to AdaptiveMinPercent at value >= AdaptiveThreshold.
	StrategyAdaptive StrategyKind = "adaptive"
)

// CopyStrategy is the active sizing configuration.
type CopyStrategy struct {
	Kind StrategyKind
	// CopySize is the percent for percentage/adaptive kinds, or the flat USD
	// amount for the fixed kind.
	CopySize            float64
	AdaptiveMinPercent  float64
	AdaptiveMaxPercent  float64
	AdaptiveThresholdUSD float64
}

// Validate checks the strategy parameters for internal consistency.
func (s CopyStrategy) Validate() error {
	if s.CopySize <= 0 {
		return fmt.Errorf("strategy: copy_size must be positive")
	}
	switch s.Kind {
	case StrategyPercentage:
		if s.CopySize > 100 {
			return fmt.Errorf("strategy: percentage copy_size must be <= 100")
		}
	case StrategyFixed:
		// any positive amount is fine
	case StrategyAdaptive:
		if s.AdaptiveMinPercent <= 0 || s.AdaptiveMaxPercent <= 0 {
			return fmt.Errorf("strategy: adaptive requires min and max percent")
		}
		if s.AdaptiveMinPercent > s.AdaptiveMaxPercent {
			return fmt.Errorf("strategy: adaptive_min_percent %.2f > adaptive_max_percent %.2f",
				s.AdaptiveMinPercent, s.AdaptiveMaxPercent)
		}
		if s.AdaptiveThresholdUSD <= 0 {
			return fmt.Errorf("strategy: adaptive_threshold_usd must be positive")
		}
	default:
		return fmt.Errorf("strategy: unknown kind %q", s.Kind)
	}
	return nil
}

// MultiplierTier scales the strategy output based on the trader's original
// trade size. Max nil means no upper bound.
type MultiplierTier struct {
	Min        float64
	Max        *float64
	Multiplier float64
}

// ParseMultiplierTiers parses a tier definition string of the form
// "0-100:0.5,100-500:1.0,500+:2.0". Tiers are returned sorted by Min and must
// not overlap; an unbounded tier must be last. An empty string yields nil.
func ParseMultiplierTiers(s string) ([]MultiplierTier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var tiers []MultiplierTier
	for _, def := range strings.Split(s, ",") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		parts := strings.Split(def, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("strategy: tier %q: want \"min-max:multiplier\" or \"min+:multiplier\"", def)
		}
		mult, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("strategy: tier %q: bad multiplier: %w", def, err)
		}
		if mult < 0 {
			return nil, fmt.Errorf("strategy: tier %q: multiplier must be >= 0", def)
		}

		rng := strings.TrimSpace(parts[0])
		switch {
		case strings.HasSuffix(rng, "+"):
			min, err := strconv.ParseFloat(rng[:len(rng)-1], 64)
			if err != nil || min < 0 {
				return nil, fmt.Errorf("strategy: tier %q: bad minimum", def)
			}
			tiers = append(tiers, MultiplierTier{Min: min, Multiplier: mult})
		case strings.Contains(rng, "-"):
			i := strings.Index(rng, "-")
			min, errMin := strconv.ParseFloat(rng[:i], 64)
			max, errMax := strconv.ParseFloat(rng[i+1:], 64)
			if errMin != nil || errMax != nil || min < 0 {
				return nil, fmt.Errorf("strategy: tier %q: bad range", def)
			}
			if max <= min {
				return nil, fmt.Errorf("strategy: tier %q: max must exceed min", def)
			}
			tiers = append(tiers, MultiplierTier{Min: min, Max: &max, Multiplier: mult})
		default:
			return nil, fmt.Errorf("strategy: tier %q: want \"min-max\" or \"min+\"", def)
		}
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Min < tiers[j].Min })

	for i := 0; i < len(tiers)-1; i++ {
		if tiers[i].Max == nil {
			return nil, fmt.Errorf("strategy: unbounded tier %g+ must be last", tiers[i].Min)
		}
		if *tiers[i].Max > tiers[i+1].Min {
			return nil, fmt.Errorf("strategy: tiers overlap at %g", tiers[i+1].Min)
		}
	}
	return tiers, nil
}

// TierMultiplier returns the multiplier of the tier with the highest minimum
// not exceeding traderUSD. Sizes above a bounded tier's maximum but below the
// next tier's minimum still use that tier, not the one after it. Returns 1
// when no tiers are configured or traderUSD is below every minimum.
func TierMultiplier(tiers []MultiplierTier, traderUSD float64) float64 {
	mult := 1.0
	for _, t := range tiers { // sorted ascending by Min
		if traderUSD >= t.Min {
			mult = t.Multiplier
		}
	}
	return mult
}
