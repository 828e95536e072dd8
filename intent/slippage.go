package intent

import (
	"fmt"
	"math/big"
)

const bpsDenominator = 10_000

// ApplySlippage returns the minimum acceptable output for amount given a
// caller-chosen tolerance in basis points, rounding down.
func ApplySlippage(amount *big.Int, toleranceBps uint32) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if toleranceBps >= bpsDenominator {
		return nil, fmt.Errorf("%w: tolerance %d bps leaves nothing to receive", ErrInvalidOrder, toleranceBps)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bpsDenominator-toleranceBps)))
	out.Quo(out, big.NewInt(bpsDenominator))
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount %s rounds to zero at %d bps", ErrInvalidOrder, amount, toleranceBps)
	}
	return out, nil
}
