package vault

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"
)

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrMathOverflow
	}
	return diff, nil
}

func checkedInc32(v uint32) (uint32, error) {
	if v == math.MaxUint32 {
		return 0, ErrMathOverflow
	}
	return v + 1, nil
}

func checkedDec32(v uint32) (uint32, error) {
	if v == 0 {
		return 0, ErrMathOverflow
	}
	return v - 1, nil
}

// magnitude returns |v| without overflowing at math.MinInt64.
func magnitude(v int64) uint64 {
	if v >= 0 {
		return uint64(v)
	}
	return uint64(-(v + 1)) + 1
}

// applyPnL adds a signed profit-or-loss to balance. A loss larger than the
// balance fails with ErrInsufficientBalance.
func applyPnL(balance uint64, pnl int64) (uint64, error) {
	if pnl >= 0 {
		return checkedAdd(balance, uint64(pnl))
	}
	next, err := checkedSub(balance, magnitude(pnl))
	if err != nil {
		return 0, ErrInsufficientBalance
	}
	return next, nil
}

// PerformanceFee computes floor(profit * feeBps / BasisPointsDivisor). The
// product is formed in 256 bits so it cannot overflow; only the quotient is
// narrowed back to 64 bits.
func PerformanceFee(profit uint64, feeBps uint16) (uint64, error) {
	p := uint256.NewInt(profit)
	product, overflow := new(uint256.Int).MulOverflow(p, uint256.NewInt(uint64(feeBps)))
	if overflow {
		return 0, ErrMathOverflow
	}
	fee := new(uint256.Int).Div(product, uint256.NewInt(BasisPointsDivisor))
	if !fee.IsUint64() {
		return 0, ErrMathOverflow
	}
	return fee.Uint64(), nil
}
