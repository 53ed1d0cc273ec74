// Package pricing computes the bonding-curve price per share and payout
// multiplier for grid cells. It is stateless: cell share totals and clock
// values are passed as arguments, not stored.
//
// The curve has two components: a base price tier that steps up as the slot
// approaches, and a volume term that raises the price as shares accumulate
// in the cell, divided by the time-decayed liquidity parameter B. The very
// first bettor in a cell pays the raw tier with no volume term at all.
//
// Prices and multipliers are 10^18-scale fixed point (see internal/fixmath);
// wagers and share counts are carried at the 10^6 amount scale, so share
// totals large enough to matter stay well inside uint64.
package pricing

import (
	"errors"

	"github.com/tickgrid/bet-engine/internal/fixmath"
	"github.com/tickgrid/bet-engine/internal/grid"
)

var (
	// ErrSlotClosed is returned when pricing is requested for a slot whose
	// start time has passed. The action is rejected outright, never retried.
	ErrSlotClosed = errors.New("pricing: slot closed")

	// ErrInvalidPrice is returned when a multiplier is requested for a
	// price outside (0, 1.0].
	ErrInvalidPrice = errors.New("pricing: price must be in (0, 1.0]")

	// ErrInvalidWager is returned for non-positive wager amounts.
	ErrInvalidWager = errors.New("pricing: wager must be positive")
)

// Base price tiers by seconds until slot start, 10^18 scale.
const (
	tier40Plus  = 200_000_000_000_000_000 // 0.20
	tier25to40  = 350_000_000_000_000_000 // 0.35
	tier15to25  = 500_000_000_000_000_000 // 0.50
	tier0to15   = 660_000_000_000_000_000 // 0.66
	volumeFloor = tier40Plus              // 0.20 floor under the volume term
)

// BaseTier returns the time-urgency component of the price for an open
// slot. The caller is responsible for rejecting closed slots first.
func BaseTier(timeUntilStart int64) uint64 {
	switch {
	case timeUntilStart <= 15:
		return tier0to15
	case timeUntilStart <= 25:
		return tier15to25
	case timeUntilStart <= 40:
		return tier25to40
	default:
		return tier40Plus
	}
}

// PricePerShare returns the 10^18-scale price the next bettor pays per unit
// of eventual payout, given the shares already issued in the cell.
//
// The first bettor (existingShares == 0) pays the pure time-tier price. A
// subsequent bettor pays max(tier, 0.20) + existingShares/B: the floor keeps
// the price from dipping back when the volume term has already carried it
// past a more lenient tier. The result is capped at 1.0, full redemption
// value, since a higher price would lock in a guaranteed loss.
func PricePerShare(existingShares uint64, slot, now int64) (uint64, error) {
	until := slot - now
	if until <= 0 {
		return 0, ErrSlotClosed
	}

	tier := BaseTier(until)
	if existingShares == 0 {
		return tier, nil
	}

	base := tier
	if base < volumeFloor {
		base = volumeFloor
	}

	// Lift the 10^6-scale share total to 10^18 before dividing by B. Both
	// steps saturate rather than wrap, which feeds the 1.0 cap below.
	b := fixmath.Liquidity(slot, now)
	sharesFixed := fixmath.MulDiv(existingShares, fixmath.Precision/grid.AmountScale, 1)
	volume := fixmath.MulDiv(sharesFixed, fixmath.Precision, b)

	price := base + volume
	if price < base || price > fixmath.Precision { // addition overflow or cap
		price = fixmath.Precision
	}
	return price, nil
}

// QuickEstimate is the degradation fallback: the price evaluated with no
// existing volume. Callers use it when a cache miss or a share lookup
// failure must not stall the interactive path.
func QuickEstimate(slot, now int64) (uint64, error) {
	return PricePerShare(0, slot, now)
}

// Multiplier returns 1.0 / pricePerShare at full internal precision.
func Multiplier(pricePerShare uint64) (uint64, error) {
	if pricePerShare == 0 || pricePerShare > fixmath.Precision {
		return 0, ErrInvalidPrice
	}
	return fixmath.MulDiv(fixmath.Precision, fixmath.Precision, pricePerShare), nil
}

// SharesForWager returns the 10^6-scale shares issued for a 10^6-scale
// wager at the current cell price. wager / price is evaluated as a single
// arbitrary-precision expression, so no intermediate can wrap however large
// the wager.
func SharesForWager(existingShares uint64, wager int64, slot, now int64) (uint64, error) {
	if wager <= 0 {
		return 0, ErrInvalidWager
	}
	price, err := PricePerShare(existingShares, slot, now)
	if err != nil {
		return 0, err
	}
	return fixmath.MulDiv(uint64(wager), fixmath.Precision, price), nil
}
