package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTiers(t *testing.T, def string) []MultiplierTier {
	t.Helper()
	tiers, err := ParseMultiplierTiers(def)
	require.NoError(t, err)
	return tiers
}

func TestTierMultiplierPicksContainingRange(t *testing.T) {
	tiers := mustTiers(t, "0-100:0.5,100-500:1.0,500+:2.0")

	assert.InDelta(t, 0.5, TierMultiplier(tiers, 50), 1e-9)
	assert.InDelta(t, 1.0, TierMultiplier(tiers, 100), 1e-9)
	assert.InDelta(t, 1.0, TierMultiplier(tiers, 499), 1e-9)
	assert.InDelta(t, 2.0, TierMultiplier(tiers, 10000), 1e-9)
}

func TestTierMultiplierGapUsesLowerTier(t *testing.T) {
	tiers := mustTiers(t, "0-100:0.5,200+:2.0")

	// $150 sits past the first tier's maximum but under the next minimum:
	// the highest minimum not exceeding the size wins.
	assert.InDelta(t, 0.5, TierMultiplier(tiers, 150), 1e-9)
	assert.InDelta(t, 2.0, TierMultiplier(tiers, 200), 1e-9)
}

func TestTierMultiplierAboveAllBoundedRanges(t *testing.T) {
	tiers := mustTiers(t, "0-100:0.5,100-500:1.5")

	assert.InDelta(t, 1.5, TierMultiplier(tiers, 900), 1e-9)
}

func TestTierMultiplierBelowLowestMin(t *testing.T) {
	tiers := mustTiers(t, "100-500:1.5,500+:2.0")

	assert.InDelta(t, 1.0, TierMultiplier(tiers, 50), 1e-9)
}

func TestTierMultiplierNoTiers(t *testing.T) {
	assert.InDelta(t, 1.0, TierMultiplier(nil, 123), 1e-9)
}
