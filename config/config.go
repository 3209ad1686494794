package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk daemon configuration.
type Config struct {
	// RPCAddress is the listen address for the JSON-RPC and websocket server.
	RPCAddress string `toml:"RPCAddress"`
	// DataDir holds the node database.
	DataDir string `toml:"DataDir"`
	// NetworkName labels the deployment in logs and metrics.
	NetworkName string `toml:"NetworkName"`
	// AllowMigrate tolerates a state schema version mismatch on startup so
	// operators can run manual migrations.
	AllowMigrate bool `toml:"AllowMigrate"`

	Genesis Genesis `toml:"genesis"`
	Pauses  Pauses  `toml:"pauses"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./custos-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "custos-local"
	}
	if c.Genesis.Arbitrators == nil {
		c.Genesis.Arbitrators = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./custos-data",
		NetworkName: "custos-local",
		Genesis: Genesis{
			Arbitrators: []string{},
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
