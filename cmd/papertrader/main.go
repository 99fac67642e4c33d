package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"papertrader/internal/api"
	"papertrader/internal/broker"
	"papertrader/internal/config"
	"papertrader/internal/engine"
	"papertrader/internal/exchange"
	"papertrader/internal/store"
	"papertrader/pkg/types"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if env := os.Getenv("PAPER_CONFIG"); env != "" {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, types.Settings{
		TakerFee:                 cfg.Trading.TakerFee,
		MakerFee:                 cfg.Trading.MakerFee,
		BaseBalance:              cfg.Trading.BaseBalance,
		DefaultStopLossPercent:   cfg.Trading.DefaultStopLossPercent,
		DefaultTakeProfitPercent: cfg.Trading.DefaultTakeProfitPercent,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Store.Path)

	feed := exchange.NewFeed(cfg.Exchange.WSURL, logger)
	ticker := exchange.NewClient(cfg.Exchange.RESTURL, cfg.Exchange.RESTTimeout, logger)

	hub := engine.NewHub(cfg.Stream.ClientQueue)
	eng := engine.New(st, feed, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recovery runs before the feed connects: the symbols are queued and
	// go out in the first bulk SUBSCRIBE.
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price feed stopped", "error", err)
		}
	}()
	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("engine stopped", "error", err)
		}
	}()

	b := broker.New(st, feed, ticker, cfg.Trading.QuoteAsset, logger)
	server := api.NewServer(cfg.Server.Port, b, hub, feed, cfg.Stream.Heartbeat, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-feed.Terminated():
		logger.Error("price feed terminated after repeated failures, shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	feed.Close()
	hub.Close()
	logger.Info("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
