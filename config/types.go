package config

import (
	"fmt"
	"math/big"
	"strings"

	"custos/crypto"
)

// Genesis describes the initial state applied the first time a node opens an
// empty database. Once state exists these values are ignored except for the
// logical clock settings, which must match the persisted anchor.
type Genesis struct {
	// GenesisTime anchors the logical clock as a unix timestamp. Zero lets
	// the node anchor at first startup.
	GenesisTime uint64 `toml:"GenesisTime"`
	// TickSeconds is the wall-clock length of one logical tick. Zero selects
	// the built-in default.
	TickSeconds uint64 `toml:"TickSeconds"`
	// Owner is the bech32 account administering arbitrators, fees and
	// pauses. Empty disables administration entirely.
	Owner string `toml:"Owner"`
	// FeeCollector is the bech32 account receiving protocol fees.
	FeeCollector string `toml:"FeeCollector"`
	// FeeBasisPoints is the initial protocol fee rate.
	FeeBasisPoints uint32 `toml:"FeeBasisPoints"`
	// Arbitrators lists bech32 accounts registered as dispute resolvers at
	// genesis.
	Arbitrators []string `toml:"Arbitrators"`
	// Alloc seeds account balances at genesis.
	Alloc []GenesisAccount `toml:"alloc"`
}

// GenesisAccount seeds one account balance. Balance is a base-10 string so
// operators can express amounts beyond the range of TOML integers.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Pauses carries the module pause toggles. The same structure is persisted in
// the on-chain parameter store, hence the JSON tags.
type Pauses struct {
	Escrow bool `toml:"Escrow" json:"escrow"`
}

// OwnerAccount parses the configured owner address. The second return value
// reports whether an owner is configured at all.
func (g Genesis) OwnerAccount() ([20]byte, bool, error) {
	trimmed := strings.TrimSpace(g.Owner)
	if trimmed == "" {
		return [20]byte{}, false, nil
	}
	account, err := crypto.ParseAccount(trimmed)
	if err != nil {
		return [20]byte{}, false, fmt.Errorf("config: invalid Owner: %w", err)
	}
	return account, true, nil
}

// CollectorAccount parses the configured fee collector address.
func (g Genesis) CollectorAccount() ([20]byte, bool, error) {
	trimmed := strings.TrimSpace(g.FeeCollector)
	if trimmed == "" {
		return [20]byte{}, false, nil
	}
	account, err := crypto.ParseAccount(trimmed)
	if err != nil {
		return [20]byte{}, false, fmt.Errorf("config: invalid FeeCollector: %w", err)
	}
	return account, true, nil
}

// ArbitratorAccounts parses the configured arbitrator addresses.
func (g Genesis) ArbitratorAccounts() ([][20]byte, error) {
	out := make([][20]byte, 0, len(g.Arbitrators))
	for _, raw := range g.Arbitrators {
		account, err := crypto.ParseAccount(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("config: invalid arbitrator %q: %w", raw, err)
		}
		out = append(out, account)
	}
	return out, nil
}

// AllocBalances parses the genesis allocations into account balances.
func (g Genesis) AllocBalances() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(g.Alloc))
	for _, entry := range g.Alloc {
		account, err := crypto.ParseAccount(strings.TrimSpace(entry.Address))
		if err != nil {
			return nil, fmt.Errorf("config: invalid alloc address %q: %w", entry.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(entry.Balance), 10)
		if !ok {
			return nil, fmt.Errorf("config: invalid alloc balance %q for %s", entry.Balance, entry.Address)
		}
		if balance.Sign() < 0 {
			return nil, fmt.Errorf("config: negative alloc balance for %s", entry.Address)
		}
		if _, exists := out[account]; exists {
			return nil, fmt.Errorf("config: duplicate alloc entry for %s", entry.Address)
		}
		out[account] = balance
	}
	return out, nil
}
