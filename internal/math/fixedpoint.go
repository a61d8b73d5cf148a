// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// PriceConfig: prices are integers in cents (0.01).
	PriceConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

var wideIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return wideIntPool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	wideIntPool.Put(v)
}

// CheckedMul returns a*b and false if the product does not fit in 64 bits.
func CheckedMul(a, b uint64) (uint64, bool) {
	x := getWide()
	y := getWide()
	defer putWide(x)
	defer putWide(y)

	x.SetUint64(a)
	y.SetUint64(b)
	x.Mul(x, y)
	if x.Cmp(maxUint64) > 0 {
		return 0, false
	}
	return x.Uint64(), true
}

// CheckedAdd returns a+b and false on overflow.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// ObfuscatePrice computes price*factor + nonce, the form in which reference
// prices are stored. It fails on overflow.
func ObfuscatePrice(price, factor, nonce uint64) (uint64, bool) {
	scaled, ok := CheckedMul(price, factor)
	if !ok {
		return 0, false
	}
	return CheckedAdd(scaled, nonce)
}

// ComputePayout is the plaintext form of the settlement payoff. A position
// with entry price entry, amount and collateral settled at final receives
// collateral plus its profit, or collateral minus its loss, where the
// move (|final-entry| * amount / priceScale) is capped at collateral in
// both directions. The result is always in [0, 2*collateral].
func ComputePayout(final, entry, amount, collateral uint64, isLong bool, priceScale uint64) uint64 {
	up := final >= entry
	var diff uint64
	if up {
		diff = final - entry
	} else {
		diff = entry - final
	}

	move := getWide()
	defer putWide(move)
	move.SetUint64(diff)
	move.Mul(move, new(big.Int).SetUint64(amount))
	move.Quo(move, new(big.Int).SetUint64(priceScale))

	pnl := collateral
	if move.Cmp(new(big.Int).SetUint64(collateral)) < 0 {
		pnl = move.Uint64()
	}

	if up == isLong {
		return collateral + pnl
	}
	return collateral - pnl
}
