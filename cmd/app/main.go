package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"market_engine/internal/app"
	"market_engine/internal/engine"
	"market_engine/internal/event"
	"market_engine/internal/service"

	_ "net/http/pprof" // For pprof profiling
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	configPath := defaultConfigPath
	if p := os.Getenv("MARKET_ENGINE_CONFIG"); p != "" {
		configPath = p
	}
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Storage.Close()
	cfg := bootstrap.Config
	metrics := bootstrap.Metrics

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	event.Warmup()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Chart store and Sequencer (the single consumer goroutine)
	charts := service.NewChartStore(bootstrap.Adapters, cfg.Engine.MaxDatapoints)
	seq := engine.NewSequencer(cfg.Engine.InboxSize, charts, metrics)
	go seq.Run(ctx)
	slog.InfoContext(ctx, "✅ Sequencer started")

	// 5. Connection manager follows the chart store's stream set
	manager := engine.NewManager(ctx, bootstrap.Adapters, seq.Inbox(), engine.ConnOptions{
		TradeBufferLimit: cfg.Engine.TradeBufferLimit,
		PendingDiffLimit: cfg.Engine.PendingDiffLimit,
	}, metrics)
	defer manager.Stop()
	charts.OnStreamsChanged(manager.Apply)

	// 6. Instrument metadata, then the configured charts
	infos, err := bootstrap.SyncMetadata(ctx, app.SubscriptionExchanges(cfg.Subscriptions))
	if err != nil {
		slog.Error("❌ Metadata sync failed", slog.Any("error", err))
		os.Exit(1)
	}
	specs, err := app.ChartSpecs(cfg.Subscriptions, infos)
	if err != nil {
		slog.Error("❌ Invalid subscriptions", slog.Any("error", err))
		os.Exit(1)
	}
	for _, spec := range specs {
		if _, err := charts.AddChart(spec); err != nil {
			slog.Error("Failed to add chart", slog.String("chart", spec.ID()), slog.Any("error", err))
			continue
		}
		go func(id string) {
			if err := charts.Backfill(ctx, id); err != nil {
				slog.Warn("Backfill failed", slog.String("chart", id), slog.Any("error", err))
			}
		}(spec.ID())
	}

	// 7. 24h stats and open interest
	poller := service.NewStatsPoller(bootstrap.Adapters, charts, cfg.StatsPollInterval())
	if err := poller.Start(ctx); err != nil {
		slog.Error("Failed to start stats poller", slog.Any("error", err))
	}
	defer poller.Stop()

	slog.InfoContext(ctx, "✨ Market engine fully operational. Press Ctrl+C to exit.",
		slog.Int("charts", len(specs)),
		slog.Int("streams", manager.Streams().Len()))

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
