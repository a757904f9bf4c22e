// marketmaker runs the passive market-making engine for a single
// exchange symbol.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	internal/engine            — orchestrator: wires bus, order manager, price engine, strategy, execution, risk
//	internal/eventbus          — bounded-queue publish/subscribe dispatcher with per-subscriber ordering
//	internal/orders            — order lifecycle state machine and periodic reset
//	internal/priceengine       — TWAP/VWAP/HYBRID reference-price computation
//	internal/strategy          — deviation-based quote/modify/cancel decisions
//	internal/execution         — rate-limited, retrying dispatch to the exchange transport
//	internal/risk              — position, volatility, order-count, and daily-loss monitoring
//	internal/transport/rest    — REST transport implementation
//	internal/transport/auth    — HMAC request signing
//	internal/feed/wsfeed       — WebSocket market-data and order-notification feed
//
// There is no dashboard or control API; operate the engine via
// configuration and logs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketmaker/internal/config"
	"marketmaker/internal/engine"
	"marketmaker/internal/feed/wsfeed"
	"marketmaker/internal/transport/auth"
	"marketmaker/internal/transport/rest"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
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

	signer := auth.NewSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	tp := rest.NewClient(cfg.Exchange.BaseURL, signer, logger)
	feedSrc := wsfeed.New(cfg.Exchange.WSURL, cfg.Strategy.Symbol, tp, logger)

	eng := engine.New(logger, cfg, tp, feedSrc)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	logger.Info("market maker started",
		"symbol", cfg.Strategy.Symbol,
		"price_engine", cfg.PriceEngine.Method,
		"target_orders_per_side", cfg.Strategy.TargetOrdersPerSide,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
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
