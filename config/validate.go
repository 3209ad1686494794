package config

import "fmt"

// MaxTickSeconds bounds the logical tick length to one day so a fat-fingered
// value cannot freeze the lifecycle windows.
var MaxTickSeconds = uint64(86_400)

// Validate rejects configurations the node could not start with. Address and
// balance fields are checked for parseability only; semantic limits such as
// the fee cap are enforced when the values are applied to state.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if cfg.Genesis.TickSeconds > MaxTickSeconds {
		return fmt.Errorf("genesis: TickSeconds %d exceeds maximum %d", cfg.Genesis.TickSeconds, MaxTickSeconds)
	}
	if _, _, err := cfg.Genesis.OwnerAccount(); err != nil {
		return err
	}
	if _, _, err := cfg.Genesis.CollectorAccount(); err != nil {
		return err
	}
	if _, err := cfg.Genesis.ArbitratorAccounts(); err != nil {
		return err
	}
	if _, err := cfg.Genesis.AllocBalances(); err != nil {
		return err
	}
	return nil
}
