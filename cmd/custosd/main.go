package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custos/config"
	"custos/core"
	"custos/native/escrow"
	"custos/observability"
	"custos/observability/logging"
	obsotel "custos/observability/otel"
	"custos/rpc"
	"custos/storage"
)

const (
	startupProbeTimeout = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	allowMigrateFlag := flag.Bool("allow-migrate", false, "Allow starting with a mismatched state schema (manual migrations only)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("custosd", cfg.NetworkName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if otelCfg, ok := obsotel.FromEnv("custosd", cfg.NetworkName); ok {
		shutdown, err := obsotel.Init(ctx, otelCfg)
		if err != nil {
			logger.Warn("telemetry init failed", slog.Any("error", err))
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Warn("telemetry shutdown failed", slog.Any("error", err))
				}
			}()
		}
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	nodeCfg, err := buildNodeConfig(cfg, *allowMigrateFlag)
	if err != nil {
		panic(fmt.Sprintf("Failed to build node configuration: %v", err))
	}
	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}

	go observeJournal(ctx, node, logger)

	rpcServer := rpc.NewServer(node)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rpcErrCh := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, startupProbeTimeout); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("custos node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.Uint64("tick", node.CurrentTick()),
		slog.Uint64("tickSeconds", node.TickSeconds()))

	select {
	case <-ctx.Done():
	case err, ok := <-rpcErrCh:
		if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
	logger.Info("custos node stopped")
}

// buildNodeConfig maps the on-disk configuration onto the genesis material the
// node applies when it opens an empty database.
func buildNodeConfig(cfg *config.Config, allowMigrateFlag bool) (core.NodeConfig, error) {
	owner, ownerSet, err := cfg.Genesis.OwnerAccount()
	if err != nil {
		return core.NodeConfig{}, err
	}
	collector, collectorSet, err := cfg.Genesis.CollectorAccount()
	if err != nil {
		return core.NodeConfig{}, err
	}
	if cfg.Genesis.FeeBasisPoints > 0 && !collectorSet {
		return core.NodeConfig{}, fmt.Errorf("genesis FeeCollector must be configured when FeeBasisPoints is non-zero")
	}
	arbitrators, err := cfg.Genesis.ArbitratorAccounts()
	if err != nil {
		return core.NodeConfig{}, err
	}
	alloc, err := cfg.Genesis.AllocBalances()
	if err != nil {
		return core.NodeConfig{}, err
	}

	nodeCfg := core.NodeConfig{
		GenesisTime: cfg.Genesis.GenesisTime,
		TickSeconds: cfg.Genesis.TickSeconds,
		FeePolicy: escrow.FeePolicy{
			BasisPoints: cfg.Genesis.FeeBasisPoints,
			Collector:   collector,
		},
		Arbitrators:  arbitrators,
		Alloc:        alloc,
		Paused:       cfg.Pauses.Escrow,
		AllowMigrate: cfg.AllowMigrate || allowMigrateFlag,
	}
	if ownerSet {
		nodeCfg.Owner = owner
	}
	return nodeCfg, nil
}

// observeJournal mirrors every committed journal entry into the event metrics
// so operators can watch lifecycle activity without scraping the RPC surface.
func observeJournal(ctx context.Context, node *core.Node, logger *slog.Logger) {
	updates, cancel, backlog, err := node.EventsSubscribe(ctx, "")
	if err != nil {
		logger.Warn("journal subscription unavailable", slog.Any("error", err))
		return
	}
	defer cancel()

	for _, entry := range backlog {
		observability.Events().RecordEvent(entry.Event.Type)
	}
	for entry := range updates {
		observability.Events().RecordEvent(entry.Event.Type)
		logger.Debug("journal event",
			slog.Uint64("sequence", entry.Sequence),
			slog.String("type", entry.Event.Type),
			slog.Uint64("tick", entry.Tick))
	}
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
