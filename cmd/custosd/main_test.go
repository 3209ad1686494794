package main

import (
	"errors"
	"net"
	"testing"
	"time"

	"custos/config"
	"custos/crypto"
)

func addr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestBuildNodeConfigMapsGenesis(t *testing.T) {
	owner := addr(0x01)
	collector := addr(0x02)
	arbitrator := addr(0x03)
	funded := addr(0x04)

	cfg := &config.Config{
		AllowMigrate: false,
		Genesis: config.Genesis{
			GenesisTime:    1_700_000_000,
			TickSeconds:    60,
			Owner:          crypto.FormatAccount(owner),
			FeeCollector:   crypto.FormatAccount(collector),
			FeeBasisPoints: 25,
			Arbitrators:    []string{crypto.FormatAccount(arbitrator)},
			Alloc: []config.GenesisAccount{
				{Address: crypto.FormatAccount(funded), Balance: "1000000"},
			},
		},
		Pauses: config.Pauses{Escrow: true},
	}

	nodeCfg, err := buildNodeConfig(cfg, true)
	if err != nil {
		t.Fatalf("buildNodeConfig: %v", err)
	}
	if nodeCfg.Owner != owner {
		t.Fatalf("owner not mapped: %x", nodeCfg.Owner)
	}
	if nodeCfg.GenesisTime != 1_700_000_000 || nodeCfg.TickSeconds != 60 {
		t.Fatalf("clock settings not mapped: %+v", nodeCfg)
	}
	if nodeCfg.FeePolicy.BasisPoints != 25 || nodeCfg.FeePolicy.Collector != collector {
		t.Fatalf("fee policy not mapped: %+v", nodeCfg.FeePolicy)
	}
	if len(nodeCfg.Arbitrators) != 1 || nodeCfg.Arbitrators[0] != arbitrator {
		t.Fatalf("arbitrators not mapped: %+v", nodeCfg.Arbitrators)
	}
	balance, ok := nodeCfg.Alloc[funded]
	if !ok || balance.String() != "1000000" {
		t.Fatalf("alloc not mapped: %+v", nodeCfg.Alloc)
	}
	if !nodeCfg.Paused {
		t.Fatal("pause toggle not mapped")
	}
	if !nodeCfg.AllowMigrate {
		t.Fatal("allow-migrate flag not honoured")
	}
}

func TestBuildNodeConfigRequiresCollectorForFee(t *testing.T) {
	cfg := &config.Config{
		Genesis: config.Genesis{FeeBasisPoints: 25},
	}
	if _, err := buildNodeConfig(cfg, false); err == nil {
		t.Fatal("expected error for fee without collector")
	}
}

func TestWaitForRPCStartupConnects(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer listener.Close()

	errCh := make(chan error, 1)
	if err := waitForRPCStartup(listener.Addr().String(), errCh, 2*time.Second); err != nil {
		t.Fatalf("expected startup confirmation, got %v", err)
	}
}

func TestWaitForRPCStartupPropagatesError(t *testing.T) {
	errCh := make(chan error, 1)
	boom := errors.New("listen tcp: address already in use")
	errCh <- boom
	close(errCh)

	err := waitForRPCStartup("127.0.0.1:1", errCh, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected propagated startup error, got %v", err)
	}
}
