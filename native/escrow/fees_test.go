package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func TestFee(t *testing.T) {
	cases := []struct {
		name        string
		amount      *big.Int
		basisPoints uint32
		want        int64
	}{
		{"nil amount", nil, 100, 0},
		{"zero amount", big.NewInt(0), 100, 0},
		{"zero rate", big.NewInt(1_000_000), 0, 0},
		{"exact division", big.NewInt(1_000_000), 100, 10_000},
		{"rounds down", big.NewInt(999), 100, 9},
		{"small amount rounds to zero", big.NewInt(99), 100, 0},
		{"max rate", big.NewInt(1_000), 1_000, 100},
		{"single basis point", big.NewInt(10_000), 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Fee(tc.amount, tc.basisPoints)
			if got.Cmp(big.NewInt(tc.want)) != 0 {
				t.Fatalf("Fee(%v, %d) = %s, want %d", tc.amount, tc.basisPoints, got, tc.want)
			}
		})
	}
}

func TestFeeDoesNotMutateAmount(t *testing.T) {
	amount := big.NewInt(12_345)
	Fee(amount, 250)
	if amount.Cmp(big.NewInt(12_345)) != 0 {
		t.Fatalf("fee computation mutated the input amount: %s", amount)
	}
}

func TestFeePolicySanitize(t *testing.T) {
	if _, err := (FeePolicy{BasisPoints: MaxFeeBasisPoints}).Sanitize(); err != nil {
		t.Fatalf("cap value must be accepted: %v", err)
	}
	if _, err := (FeePolicy{BasisPoints: MaxFeeBasisPoints + 1}).Sanitize(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected %v above the cap, got %v", ErrInvalidAmount, err)
	}
}
