package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"

	"golang.org/x/sync/errgroup"
)

// StatsPoller refreshes 24h ticker statistics and open interest on a slow
// cadence, independent of the streaming feed.
type StatsPoller struct {
	adapters     map[domain.Venue]domain.MarketAdapter
	store        *ChartStore
	onUpdate     func(domain.Exchange, map[domain.Ticker]domain.TickerStats)
	pollInterval time.Duration

	mu    sync.RWMutex
	stats map[domain.Ticker]domain.TickerStats
	last  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewStatsPoller polls the exchanges the store currently streams.
func NewStatsPoller(adapters map[domain.Venue]domain.MarketAdapter, store *ChartStore, pollInterval time.Duration) *StatsPoller {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second // Default: 1 minute
	}
	return &StatsPoller{
		adapters:     adapters,
		store:        store,
		pollInterval: pollInterval,
		stats:        make(map[domain.Ticker]domain.TickerStats),
		logger:       infra.ModuleLogger("stats_poller"),
	}
}

// OnUpdate registers fn to receive each exchange's stats after a poll.
func (p *StatsPoller) OnUpdate(fn func(domain.Exchange, map[domain.Ticker]domain.TickerStats)) {
	p.onUpdate = fn
}

// Start polls once immediately and then on every interval until Stop.
func (p *StatsPoller) Start(ctx context.Context) error {
	// Create a cancellable context
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.Poll(ctx); err != nil {
		p.logger.Warn("Initial stats poll failed", slog.Any("error", err))
		// Continue anyway - will retry on next tick
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Stats polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Stats polling stopped")
				return
			case <-ticker.C:
				if err := p.Poll(ctx); err != nil {
					p.logger.Warn("Stats poll failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// Poll runs one round: 24h stats for every streamed exchange concurrently,
// then open interest for the charts that want it. One exchange failing does
// not stop the others. Failed fetches are not retried; the next round tries
// again.
func (p *StatsPoller) Poll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, ex := range p.store.Streams().Exchanges() {
		adapter, ok := p.adapters[ex.Venue()]
		if !ok {
			continue
		}
		g.Go(func() error {
			stats, err := adapter.FetchTickerStats(ctx, ex.MarketKind())
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s stats: %w", ex, err))
				mu.Unlock()
				return nil
			}
			p.store24h(ex, stats)
			return nil
		})
	}
	g.Wait()

	if err := p.store.RefreshOpenInterest(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *StatsPoller) store24h(ex domain.Exchange, stats map[domain.Ticker]domain.TickerStats) {
	p.mu.Lock()
	for t, s := range stats {
		p.stats[t.Key()] = s
	}
	p.last = time.Now()
	p.mu.Unlock()

	p.logger.Debug("Stats updated", slog.String("exchange", ex.String()), slog.Int("tickers", len(stats)))
	if p.onUpdate != nil {
		p.onUpdate(ex, stats)
	}
}

// Stats returns the latest 24h statistics of t.
func (p *StatsPoller) Stats(t domain.Ticker) (domain.TickerStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stats[t.Key()]
	return s, ok
}

// LastPoll returns when stats were last stored.
func (p *StatsPoller) LastPoll() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Stop stops the polling
func (p *StatsPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}
