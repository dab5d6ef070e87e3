// The relayer binary: the off-chain core of the shielded pool. It indexes
// deposits from every configured chain, maintains the commitment tree and
// nullifier set, publishes tree roots on-chain, and relays withdrawal and
// transfer proofs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shieldpool/relayer/internal/api"
	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/config"
	"github.com/shieldpool/relayer/internal/metrics"
	"github.com/shieldpool/relayer/internal/relayer"
	"github.com/shieldpool/relayer/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(getenv("RELAYER_CONFIG", "config.yaml"))
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ledger, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("ledger store unavailable", "error", err)
		os.Exit(1)
	}

	wallet, err := chain.NewWallet(cfg.RelayerPrivateKey)
	if err != nil {
		logger.Error("relayer key invalid", "error", err)
		os.Exit(1)
	}
	logger.Info("relayer wallet loaded", "address", wallet.Address().Hex())

	adapters := make(map[uint64]chain.Adapter, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		adapter, err := chain.Dial(cc, wallet, logger)
		if err != nil {
			logger.Error("chain unreachable", "chain", cc.ChainID, "name", cc.Name, "error", err)
			os.Exit(1)
		}
		adapters[cc.ChainID] = adapter
		logger.Info("chain connected", "chain", cc.ChainID, "name", cc.Name)
	}

	// Optional Redis fee-quote cache; absence degrades to in-process caching.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, using in-process fee cache", "addr", cfg.Redis.Addr, "error", err)
		} else {
			redisClient = client
			defer redisClient.Close()
			logger.Info("redis fee cache connected", "addr", cfg.Redis.Addr)
		}
		cancel()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	svc := relayer.New(relayer.Options{
		Cfg:      cfg,
		Ledger:   ledger,
		Adapters: adapters,
		Metrics:  m,
		Redis:    redisClient,
		Logger:   logger,
	})

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := svc.Boot(bootCtx); err != nil {
		logger.Error("boot recovery failed", "error", err)
		os.Exit(1)
	}
	cancelBoot()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	server := api.NewServer(svc, registry, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	svc.Shutdown()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
