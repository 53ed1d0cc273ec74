// Package fixmath implements the deterministic fixed-point math shared by
// every pricing implementation of the grid market: a truncated-Taylor
// exponential decay and the time-decayed liquidity parameter B.
//
// All values are unsigned integers at a fixed 10^18 scale, with no float64
// anywhere: clients, the backend ledger, and this engine must agree on
// every computed price bit for bit, and the polynomial below (not the true
// exponential) is the shared ground truth. Intermediate products of two
// 10^18-scale values exceed 64 bits, so mul/div routes through math/big.
package fixmath

import (
	"math"
	"math/big"
)

// Precision is the fixed-point scale: 1.0 == 10^18.
const Precision uint64 = 1_000_000_000_000_000_000

const (
	// decayCutoff is the input beyond which ExpDecay returns exactly 0.
	decayCutoff = 5 * Precision

	// decayRate scales the squared progress ratio fed into ExpDecay.
	decayRate = 3

	// liquidityWindow is the horizon, in seconds before slot start, over
	// which B decays from MaxB toward MinB.
	liquidityWindow = 300
)

// Liquidity parameter bounds, in 10^18-scale currency units.
const (
	MinB uint64 = 2 * Precision
	MaxB uint64 = 10 * Precision
)

// MulDiv computes a*b/den with a 128-bit-safe intermediate, truncating
// toward zero and saturating at the uint64 maximum. den must be non-zero.
func MulDiv(a, b, den uint64) uint64 {
	if den == 0 {
		panic("fixmath: division by zero")
	}
	p := new(big.Int).Mul(
		new(big.Int).SetUint64(a),
		new(big.Int).SetUint64(b),
	)
	p.Quo(p, new(big.Int).SetUint64(den))
	if !p.IsUint64() {
		return math.MaxUint64
	}
	return p.Uint64()
}

// ExpDecay approximates e^(-x) for a 10^18-scale x using the 5-term Taylor
// expansion 1 - x + x²/2! - x³/3! + x⁴/4! - x⁵/5!.
//
// The positive and negative terms are accumulated separately and combined
// with a single subtraction floored at zero, then clamped to Precision.
// Evaluated this way the partial sum is strictly decreasing in x, so the
// approximation is monotone even past the point where the raw polynomial
// turns negative. Inputs of 5.0 and above return exactly 0.
func ExpDecay(x uint64) uint64 {
	if x == 0 {
		return Precision
	}
	if x >= decayCutoff {
		return 0
	}

	prec := new(big.Int).SetUint64(Precision)
	xb := new(big.Int).SetUint64(x)

	pos := new(big.Int).Set(prec) // 1
	neg := new(big.Int).Set(xb)   // x

	// term_k = term_{k-1} * x / (k * Precision)
	term := new(big.Int).Set(xb)
	for k := int64(2); k <= 5; k++ {
		term.Mul(term, xb)
		term.Quo(term, new(big.Int).Mul(big.NewInt(k), prec))
		if k%2 == 0 {
			pos.Add(pos, term)
		} else {
			neg.Add(neg, term)
		}
	}

	res := pos.Sub(pos, neg)
	if res.Sign() < 0 {
		return 0
	}
	if res.Cmp(prec) > 0 {
		return Precision
	}
	return res.Uint64()
}

// Liquidity returns the liquidity parameter B for a slot as of now (both
// Unix seconds). B holds at MaxB until 300 seconds before slot start, then
// shrinks toward MinB, accelerating non-linearly near the deadline:
//
//	progress = (300 - timeUntilStart) / 300
//	B = MinB + (MaxB - MinB) * ExpDecay(3 * progress²)
func Liquidity(slot, now int64) uint64 {
	until := slot - now
	if until >= liquidityWindow {
		return MaxB
	}
	if until < 0 {
		until = 0
	}

	progress := MulDiv(uint64(liquidityWindow-until), Precision, liquidityWindow)
	x := decayRate * MulDiv(progress, progress, Precision)
	decay := ExpDecay(x)

	return MinB + MulDiv(MaxB-MinB, decay, Precision)
}
