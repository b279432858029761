package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/internal/infra/binance"
	"market_engine/internal/infra/bybit"
	"market_engine/internal/infra/storage"
	"market_engine/internal/service"
	"market_engine/pkg/quant"

	"golang.org/x/sync/errgroup"
)

// metadataConcurrency caps parallel exchangeInfo fetches; each one costs
// heavy request weight.
const metadataConcurrency = 3

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Adapters map[domain.Venue]domain.MarketAdapter
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, adapters).
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping market engine...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Exchange adapters share the process metrics
	b.Metrics = infra.GlobalMetrics
	b.Adapters = NewAdapters(cfg, b.Metrics)
	slog.Info("✅ Exchange adapters ready", slog.Int("venues", len(b.Adapters)))

	return nil
}

// NewAdapters builds one adapter per venue, each owning its rate limiters.
func NewAdapters(cfg *infra.Config, m *infra.Metrics) map[domain.Venue]domain.MarketAdapter {
	adapters := make(map[domain.Venue]domain.MarketAdapter)
	for _, venue := range []domain.Venue{domain.VenueBinance, domain.VenueBybit} {
		switch venue {
		case domain.VenueBinance:
			adapters[venue] = binance.NewAdapter(cfg.Exchanges.Binance, m)
		case domain.VenueBybit:
			adapters[venue] = bybit.NewAdapter(cfg.Exchanges.Bybit, m)
		}
	}
	return adapters
}

// SyncMetadata loads instrument metadata for exchanges, preferring the
// SQLite cache and falling back to REST for stale or missing entries.
func (b *Bootstrap) SyncMetadata(ctx context.Context, exchanges []domain.Exchange) (map[domain.Ticker]domain.TickerInfo, error) {
	slog.Info("🔄 Starting metadata synchronization...", slog.Int("exchanges", len(exchanges)))
	return SyncMetadata(ctx, b.Adapters, b.Storage, exchanges, b.Config.TickerInfoTTL())
}

// SyncMetadata is the dependency-injected form of Bootstrap.SyncMetadata.
func SyncMetadata(ctx context.Context, adapters map[domain.Venue]domain.MarketAdapter, repo domain.TickerInfoRepository,
	exchanges []domain.Exchange, ttl time.Duration) (map[domain.Ticker]domain.TickerInfo, error) {
	var (
		mu  sync.Mutex
		all = make(map[domain.Ticker]domain.TickerInfo)
	)
	for _, ex := range exchanges {
		if _, ok := adapters[ex.Venue()]; !ok {
			return nil, fmt.Errorf("%w: no adapter for %s", domain.ErrUnsupported, ex)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataConcurrency)

	for _, ex := range exchanges {
		adapter := adapters[ex.Venue()]
		g.Go(func() error {
			infos, err := repo.LoadTickerInfo(gctx, ex, ttl)
			if err != nil {
				slog.Warn("Metadata cache read failed", slog.String("exchange", ex.String()), slog.Any("error", err))
			}
			if len(infos) == 0 {
				infos, err = adapter.FetchTickerInfo(gctx, ex.MarketKind())
				if err != nil {
					return fmt.Errorf("%s metadata: %w", ex, err)
				}
				list := make([]domain.TickerInfo, 0, len(infos))
				for _, info := range infos {
					list = append(list, info)
				}
				if err := repo.UpsertTickerInfo(gctx, list); err != nil {
					slog.Warn("Metadata cache write failed", slog.String("exchange", ex.String()), slog.Any("error", err))
				}
			}

			mu.Lock()
			for t, info := range infos {
				all[t] = info
			}
			mu.Unlock()
			slog.Info("✅ Metadata synced", slog.String("exchange", ex.String()), slog.Int("tickers", len(infos)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// SubscriptionExchanges lists the distinct exchanges named by subscriptions.
func SubscriptionExchanges(subs []infra.Subscription) []domain.Exchange {
	seen := make(map[domain.Exchange]bool)
	var out []domain.Exchange
	for _, s := range subs {
		ex, err := domain.ParseExchange(s.Exchange)
		if err != nil || seen[ex] {
			continue
		}
		seen[ex] = true
		out = append(out, ex)
	}
	return out
}

// ChartSpecs turns configured subscriptions into chart specs. A zero step
// falls back to the instrument tick size; subscriptions for unknown
// instruments are skipped with a warning.
func ChartSpecs(subs []infra.Subscription, infos map[domain.Ticker]domain.TickerInfo) ([]service.ChartSpec, error) {
	var out []service.ChartSpec
	for _, s := range subs {
		ex, err := domain.ParseExchange(s.Exchange)
		if err != nil {
			return nil, err
		}
		ticker := domain.NewTicker(ex, s.Symbol)
		info, known := infos[ticker]
		if !known {
			slog.Warn("Unknown instrument, skipping", slog.String("ticker", ticker.String()))
			continue
		}

		step := info.TickSize
		if !s.Step.IsZero() {
			p, err := quant.FromDecimal(s.Step)
			if err != nil {
				return nil, fmt.Errorf("%s step: %w", ticker, err)
			}
			if step, err = quant.NewPriceStep(p.Units()); err != nil {
				return nil, fmt.Errorf("%s step: %w", ticker, err)
			}
		}

		if s.Timeframe != "" {
			tf, err := domain.ParseTimeframe(s.Timeframe)
			if err != nil {
				return nil, err
			}
			out = append(out, service.ChartSpec{
				Ticker:       ticker,
				Kind:         service.ChartTime,
				Timeframe:    tf,
				Step:         step,
				OpenInterest: s.OpenInterest && ex.MarketKind().IsPerps(),
			})
		}
		if s.TickCount > 0 {
			out = append(out, service.ChartSpec{Ticker: ticker, Kind: service.ChartTick, TickCount: s.TickCount, Step: step})
		}
		if s.Heatmap {
			out = append(out, service.ChartSpec{Ticker: ticker, Kind: service.ChartHeatmap, Timeframe: domain.MS100, Step: step})
		}
	}
	return out, nil
}
