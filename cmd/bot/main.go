// Polycopy — a copy-trading and arbitrage bot for prediction markets.
//
// It mirrors the fills of selected Polymarket wallets, scaled and
// filtered per wallet, and hunts price gaps between Polymarket and
// Kalshi for the same event. Every candidate trade passes market
// filters, wallet and market scoring, an advisor verdict and hard risk
// limits before execution; paper mode simulates fills, live mode sends
// real orders to the CLOB.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — wires stores, venues, ingest, pipeline and API; owns every goroutine
//	ingest/poller.go     — polls the Polymarket data API for each tracked wallet's fills
//	ingest/chain.go      — follows OrderFilled events on the exchange contract as a second feed
//	arb/detector.go      — compares Polymarket and Kalshi quotes across mapped markets
//	pipeline/            — dedup queue, decision context builder, orchestrator
//	advisor/             — LLM (or threshold fallback) verdict on each signal
//	risk/manager.go      — daily loss, exposure, trade size and slippage limits
//	exec/                — paper and live executors behind a mode router
//	orders/manager.go    — live order lifecycle: retries, repricing, cancellation
//	resolution/worker.go — settles open trades when their markets resolve
//	api/                 — operator REST surface plus a WebSocket event stream
//	store/               — SQLite persistence; cache/ holds volatile state in Redis or memory
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polycopy/internal/config"
	"polycopy/internal/engine"
)

func main() {
	// .env is for local runs; deployments set real environment variables.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Error("engine stopped on its own")
	}

	if err := eng.Stop(); err != nil {
		logger.Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
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
