// Polyarb is an automated arbitrage bot for Polymarket 15-minute binary
// prediction markets.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: discovery → tracker → queue → executor → settlement
//	market/discovery.go    — finds the live 15-minute up/down markets by time-window slug
//	market/book.go         — mirrors both sides' best quotes from WS, detects spread opportunities
//	strategy/executor.go   — the single trade write path: gate, size, dual-leg submit, persist
//	strategy/rebalancer.go — resolves partial fills: complete the hedge or flatten
//	exchange/client.go     — REST client for the CLOB API (orders, books, cancels)
//	exchange/dualleg.go    — the paired GTC entry primitive with pre-flight checks
//	exchange/chain.go      — on-chain redemption of resolved positions (CTF redeemPositions)
//	risk/manager.go        — trading mode: blackout, circuit breaker, dry-run, live
//	settle/worker.go       — periodic claim pass over resolved positions
//	store/                 — SQLite persistence: trades, positions, stats, PnL ledger
//
// How it makes money:
//
//	In a binary market YES + NO always redeems for exactly $1. When the two
//	asks momentarily sum below $1, buying equal share counts of both sides
//	locks in the difference regardless of outcome. The bot watches every
//	live 15-minute window, enters when the spread clears its threshold, and
//	redeems on-chain after resolution.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polyarb/internal/api"
	"polyarb/internal/config"
	"polyarb/internal/engine"
)

func main() {
	// Best-effort: secrets may come from a .env file in development.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, eng, eng.Store(), logger)
		eng.SetEmitter(apiServer.Emitter())
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
