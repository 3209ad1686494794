package types

import "math/big"

// Account is a ledger entry addressed by a 20-byte account identifier. The
// balance is the only spendable value; escrowed funds sit under the custody
// account between creation and final payout.
type Account struct {
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults normalises nil fields so callers can operate on the account
// without per-field guards.
func (a *Account) EnsureDefaults() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
