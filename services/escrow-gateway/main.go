package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	gatewayauth "custos/gateway/auth"
	"custos/observability/logging"
	obsotel "custos/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logging.Setup("escrow-gateway", "boot").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("escrow-gateway", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if otelCfg, ok := obsotel.FromEnv("escrow-gateway", cfg.Environment); ok {
		shutdown, err := obsotel.Init(ctx, otelCfg)
		if err != nil {
			logger.Error("init opentelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flush opentelemetry", "error", err)
			}
		}()
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var persistence NoncePersistence
	if cfg.NonceDatabasePath != "" {
		ldb, err := gatewayauth.NewLevelDBNoncePersistence(cfg.NonceDatabasePath)
		if err != nil {
			logger.Error("open nonce store", "path", cfg.NonceDatabasePath, "error", err)
			os.Exit(1)
		}
		defer ldb.Close()
		persistence = ldb
	}

	auth := newAuthenticator(cfg, persistence)
	if persistence != nil {
		cutoff := time.Now().Add(-cfg.NonceTTL)
		if err := auth.HydrateNonces(ctx, cutoff); err != nil {
			logger.Warn("hydrate nonce cache", "error", err)
		}
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.WebhookQueueCapacity),
		WithWebhookHistoryCapacity(cfg.WebhookHistorySize),
		WithWebhookTTL(cfg.WebhookQueueTTL),
	)
	limits := newKeyLimiters(cfg.RatePerMinute, cfg.RateOverrides())
	server := NewServer(auth, node, store, limits, logger)

	watcher := NewEventWatcher(node, store, queue, logger)
	watcher.pollInterval = cfg.PollInterval
	worker := NewWebhookWorker(store, queue, logger)
	go watcher.Run(ctx)
	go worker.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/v1/", server)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("escrow gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
