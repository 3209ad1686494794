package escrow

import (
	"fmt"
	"math/big"
)

const feeDenominator = 10_000

// FeePolicy is the process-wide fee configuration applied to payouts. Changes
// take effect immediately for subsequent settlements; in-flight transactions
// are not reweighted retroactively.
type FeePolicy struct {
	BasisPoints uint32
	Collector   [20]byte
}

// Sanitize validates the policy against the fee cap.
func (p FeePolicy) Sanitize() (FeePolicy, error) {
	if p.BasisPoints > MaxFeeBasisPoints {
		return FeePolicy{}, fmt.Errorf("%w: fee basis points %d exceed cap %d", ErrInvalidAmount, p.BasisPoints, MaxFeeBasisPoints)
	}
	return p, nil
}

// Fee computes the protocol fee for the supplied amount, rounding down. A nil
// amount is treated as zero.
func Fee(amount *big.Int, basisPoints uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || basisPoints == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(basisPoints)))
	return fee.Div(fee, big.NewInt(feeDenominator))
}
