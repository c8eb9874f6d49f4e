// Hosting binary: wires config, storage, the exchange client, the trading
// engine, and the local status API, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maker-core/internal/api"
	"maker-core/internal/balance"
	"maker-core/internal/engine"
	"maker-core/internal/events"
	"maker-core/internal/executor"
	"maker-core/internal/fills"
	"maker-core/internal/ledger"
	"maker-core/pkg/config"
	"maker-core/pkg/exchange/rest"
	"maker-core/pkg/logging"
	"maker-core/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	log.Infow("starting maker-core",
		"owner", cfg.OwnerAddress, "account", cfg.TradingAccountID, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional bootstrap of strategy configs from a YAML seed file.
	if cfg.StrategyFile != "" {
		seeds, err := config.LoadStrategyFile(cfg.StrategyFile, cfg.OwnerAddress)
		if err != nil {
			return fmt.Errorf("strategy file: %w", err)
		}
		for _, seed := range seeds {
			if _, err := st.GetStrategyConfigByMarket(ctx, cfg.OwnerAddress, seed.MarketID); err == nil {
				continue // already present, do not overwrite user edits
			}
			if err := st.PutStrategyConfig(ctx, seed); err != nil {
				return fmt.Errorf("seed strategy %s: %w", seed.MarketID, err)
			}
			log.Infow("seeded strategy config", "market", seed.MarketID)
		}
	}

	client := rest.New(rest.Config{
		BaseURL:   cfg.APIBaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})

	bus := events.NewBus()
	balances := balance.New(client)
	led := ledger.New(st, cfg.FeeRate, logger)

	eng := engine.New(engine.Deps{
		Gateway:    client,
		MarketData: client,
		Balances:   balances,
		Store:      st,
		Ledger:     led,
		Executor:   executor.New(client, balances, logger),
		Fills:      fills.New(client, st, logger),
		Bus:        bus,
		Logger:     logger,
	})
	eng.Initialize(cfg.OwnerAddress, cfg.TradingAccountID)

	if err := eng.Start(ctx, true); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	server := api.NewServer(eng, st, bus, cfg.OwnerAddress, cfg.JWTSecret, logger)
	if token, err := api.GenerateToken(cfg.OwnerAddress, cfg.JWTSecret, time.Now().Add(24*time.Hour)); err == nil {
		log.Infow("status api token issued", "token", token)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("status api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("status api failed", "err", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infow("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	eng.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "err", err)
	}
	return nil
}
