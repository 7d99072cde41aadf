// Trading Kernel — the runtime core of an automated trading system.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + control plane, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires the bus, supervised tasks, guard chain, and router
//	bus/bus.go           — per-topic serial pub/sub with bounded drop-on-full queues
//	runner/              — supervised task restart with jittered backoff; stall watchdog
//	guard/chain.go       — ordered policy gates in front of the router (kill, quarantine, spread, ...)
//	policy/sizing.go     — regime score → risk mode → size/stop/concurrency decision
//	router/              — venue adapters (spot, futures) behind a qualified-symbol registry
//	bracket/governor.go  — fill-triggered reduce-only TP/SL placement
//	quarantine/          — persistent stop-loss quarantine (N stops in window → block)
//	depeg/guard.go       — confirmation-counted stable-parity watcher with halt actions
//	ops/                 — token/approver/idempotency-gated control endpoints + Prometheus
//	digest/job.go        — scheduled daily summary to the notification sink
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradekernel/internal/config"
	"tradekernel/internal/engine"
	"tradekernel/internal/ops"
)

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(2)
	}

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.New(cfg.Ops, eng, eng.Metrics(), logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("control plane failed", "error", err)
			}
		}()
		logger.Info("control plane started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Error("engine run failed", "error", err)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()

	if opsServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Shutdown(sctx); err != nil {
			logger.Error("failed to stop control plane", "error", err)
		}
		scancel()
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
