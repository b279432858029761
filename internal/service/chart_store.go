package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"market_engine/internal/aggr"
	"market_engine/internal/domain"
	"market_engine/internal/event"
	"market_engine/internal/infra"
	"market_engine/pkg/quant"

	"golang.org/x/sync/errgroup"
)

// ChartKind selects how a chart buckets its data.
type ChartKind uint8

const (
	ChartTime ChartKind = iota + 1
	ChartTick
	ChartHeatmap
)

func (k ChartKind) String() string {
	switch k {
	case ChartTime:
		return "time"
	case ChartTick:
		return "tick"
	case ChartHeatmap:
		return "heatmap"
	default:
		return "unknown"
	}
}

// ChartSpec describes one consumer of market data.
type ChartSpec struct {
	Ticker       domain.Ticker
	Kind         ChartKind
	Timeframe    domain.Timeframe // time and heatmap charts
	TickCount    int              // tick charts
	Step         quant.PriceStep
	OpenInterest bool // time charts on perpetuals only
}

// ID identifies the chart, e.g. "binance_linear:BTCUSDT/time_1m".
func (s ChartSpec) ID() string {
	t := s.Ticker.Key()
	if s.Kind == ChartTick {
		return fmt.Sprintf("%s/tick_%d", t, s.TickCount)
	}
	return fmt.Sprintf("%s/%s_%s", t, s.Kind, s.Timeframe)
}

// Streams lists the websocket streams the chart needs. Every chart needs the
// depth stream for trades; time charts also follow the venue's candles.
func (s ChartSpec) Streams() []domain.StreamKind {
	out := []domain.StreamKind{domain.DepthStream(s.Ticker)}
	if s.Kind == ChartTime {
		out = append(out, domain.KlineStream(s.Ticker, s.Timeframe))
	}
	return out
}

// Validate rejects specs no series can be built for.
func (s ChartSpec) Validate() error {
	if s.Step.IsZero() {
		return fmt.Errorf("%s: price step is required", s.ID())
	}
	switch s.Kind {
	case ChartTime, ChartHeatmap:
		if s.Timeframe <= 0 {
			return fmt.Errorf("%s: timeframe is required", s.ID())
		}
	case ChartTick:
		if s.TickCount <= 0 {
			return fmt.Errorf("%s: tick count is required", s.ID())
		}
	default:
		return fmt.Errorf("%s: unknown chart kind", s.ID())
	}
	return nil
}

// Chart owns the series of one ChartSpec. Each mutation holds the write lock,
// so readers always observe a series between two events.
type Chart struct {
	Spec ChartSpec

	mu           sync.RWMutex
	series       *aggr.TimeSeries
	ticks        *aggr.TickAggr
	heatmap      *aggr.HeatmapSeries
	book         *domain.Depth
	openInterest []domain.OpenInterest
	maxPoints    int
	lastUpdate   int64
}

func newChart(spec ChartSpec, maxPoints int) *Chart {
	c := &Chart{Spec: spec, maxPoints: maxPoints}
	switch spec.Kind {
	case ChartTime:
		c.series = aggr.NewTimeSeries(spec.Timeframe, spec.Step, maxPoints)
	case ChartTick:
		c.ticks = aggr.NewTickAggr(spec.TickCount, spec.Step)
	case ChartHeatmap:
		c.heatmap = aggr.NewHeatmapSeries(spec.Timeframe, spec.Step, maxPoints)
	}
	return c
}

// ReadTimeSeries runs fn with the time series under the read lock. It
// returns false for other chart kinds.
func (c *Chart) ReadTimeSeries(fn func(*aggr.TimeSeries)) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.series == nil {
		return false
	}
	fn(c.series)
	return true
}

// ReadTicks runs fn with the tick series under the read lock.
func (c *Chart) ReadTicks(fn func(*aggr.TickAggr)) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ticks == nil {
		return false
	}
	fn(c.ticks)
	return true
}

// ReadHeatmap runs fn with the heatmap under the read lock.
func (c *Chart) ReadHeatmap(fn func(*aggr.HeatmapSeries)) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.heatmap == nil {
		return false
	}
	fn(c.heatmap)
	return true
}

// Book returns the latest order book. It is replaced, never mutated.
func (c *Chart) Book() *domain.Depth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.book
}

// LastUpdate returns the timestamp of the last applied event.
func (c *Chart) LastUpdate() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// OpenInterest returns a copy of the open-interest series.
func (c *Chart) OpenInterest() []domain.OpenInterest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.OpenInterest(nil), c.openInterest...)
}

func (c *Chart) applyDepth(e *event.DepthReceived) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var trades []domain.Trade
	if e.Trades != nil {
		trades = e.Trades.Trades
	}
	switch {
	case c.series != nil:
		c.series.InsertTrades(trades)
	case c.ticks != nil:
		c.ticks.InsertTrades(trades)
	case c.heatmap != nil:
		c.heatmap.Insert(e.Ts, e.Depth, trades)
	}
	c.book = e.Depth
	c.lastUpdate = e.Ts
}

func (c *Chart) applyKlines(klines []domain.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.series == nil || len(klines) == 0 {
		return
	}
	c.series.InsertKlines(klines)
	if t := klines[len(klines)-1].Time; t > c.lastUpdate {
		c.lastUpdate = t
	}
}

// mergeOpenInterest upserts points by time, keeping the newest maxPoints.
func (c *Chart) mergeOpenInterest(points []domain.OpenInterest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTime := make(map[int64]float64, len(c.openInterest)+len(points))
	for _, p := range c.openInterest {
		byTime[p.Time] = p.Value
	}
	for _, p := range points {
		byTime[p.Time] = p.Value
	}
	merged := make([]domain.OpenInterest, 0, len(byTime))
	for t, v := range byTime {
		merged = append(merged, domain.OpenInterest{Time: t, Value: v})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	if over := len(merged) - c.maxPoints; over > 0 {
		merged = merged[over:]
	}
	c.openInterest = merged
}

// ChartStore owns every chart, folds engine events into them and derives the
// set of streams the engine must keep open.
type ChartStore struct {
	mu        sync.RWMutex
	charts    map[string]*Chart
	byTicker  map[domain.Ticker][]*Chart
	connected map[domain.Exchange]bool

	adapters      map[domain.Venue]domain.MarketAdapter
	maxDatapoints int
	onStreams     func(domain.UniqueStreams) error
	logger        *slog.Logger
}

// NewChartStore creates an empty store.
func NewChartStore(adapters map[domain.Venue]domain.MarketAdapter, maxDatapoints int) *ChartStore {
	return &ChartStore{
		charts:        make(map[string]*Chart),
		byTicker:      make(map[domain.Ticker][]*Chart),
		connected:     make(map[domain.Exchange]bool),
		adapters:      adapters,
		maxDatapoints: maxDatapoints,
		logger:        infra.ModuleLogger("chart_store"),
	}
}

// OnStreamsChanged registers fn to receive the rebuilt stream set after every
// chart change, typically engine.Manager.Apply.
func (s *ChartStore) OnStreamsChanged(fn func(domain.UniqueStreams) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStreams = fn
}

// AddChart registers a chart. Adding an existing spec returns the live chart.
func (s *ChartStore) AddChart(spec ChartSpec) (*Chart, error) {
	spec.Ticker = spec.Ticker.Key()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.charts[spec.ID()]; ok {
		s.mu.Unlock()
		return c, nil
	}
	c := newChart(spec, s.maxDatapoints)
	s.charts[spec.ID()] = c
	s.byTicker[spec.Ticker] = append(s.byTicker[spec.Ticker], c)
	s.mu.Unlock()

	s.logger.Info("Chart added", slog.String("chart", spec.ID()))
	return c, s.publish()
}

// RemoveChart drops a chart; streams no other chart needs are released.
func (s *ChartStore) RemoveChart(id string) error {
	s.mu.Lock()
	c, ok := s.charts[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.charts, id)
	list := s.byTicker[c.Spec.Ticker]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byTicker, c.Spec.Ticker)
	} else {
		s.byTicker[c.Spec.Ticker] = list
	}
	s.mu.Unlock()

	s.logger.Info("Chart removed", slog.String("chart", id))
	return s.publish()
}

// Chart returns the chart with id.
func (s *ChartStore) Chart(id string) (*Chart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charts[id]
	return c, ok
}

// Specs lists registered charts sorted by id.
func (s *ChartStore) Specs() []ChartSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChartSpec, 0, len(s.charts))
	for _, c := range s.charts {
		out = append(out, c.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Streams rebuilds the deduplicated stream set from every chart.
func (s *ChartStore) Streams() domain.UniqueStreams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var kinds []domain.StreamKind
	for _, c := range s.charts {
		kinds = append(kinds, c.Spec.Streams()...)
	}
	return domain.NewUniqueStreams(kinds...)
}

func (s *ChartStore) publish() error {
	s.mu.RLock()
	fn := s.onStreams
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(s.Streams())
}

// IsConnected reports the last lifecycle event seen for ex.
func (s *ChartStore) IsConnected(ex domain.Exchange) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected[ex]
}

func (s *ChartStore) chartsFor(t domain.Ticker) []*Chart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Chart(nil), s.byTicker[t]...)
}

// OnDepth folds trades and the book into every chart of the ticker.
func (s *ChartStore) OnDepth(e *event.DepthReceived) {
	for _, c := range s.chartsFor(e.Stream.Ticker) {
		c.applyDepth(e)
	}
}

// OnKline upserts the candle into time charts of the same timeframe.
func (s *ChartStore) OnKline(e *event.KlineReceived) {
	for _, c := range s.chartsFor(e.Stream.Ticker) {
		if c.Spec.Kind == ChartTime && c.Spec.Timeframe == e.Stream.Timeframe {
			c.applyKlines([]domain.Kline{e.Kline})
		}
	}
}

func (s *ChartStore) OnConnected(e *event.Connected) {
	s.mu.Lock()
	s.connected[e.Exchange] = true
	s.mu.Unlock()
	s.logger.Info("Stream connected", slog.String("stream", e.Stream.String()))
}

func (s *ChartStore) OnDisconnected(e *event.Disconnected) {
	s.mu.Lock()
	s.connected[e.Exchange] = false
	s.mu.Unlock()
	s.logger.Warn("Stream disconnected",
		slog.String("stream", e.Stream.String()),
		slog.String("reason", e.Reason))
}

// Backfill loads the latest page of candles, and open interest when the chart
// asks for it, from REST. Unsupported features are skipped.
func (s *ChartStore) Backfill(ctx context.Context, id string) error {
	c, ok := s.Chart(id)
	if !ok {
		return fmt.Errorf("chart %s not found", id)
	}
	if c.Spec.Kind != ChartTime {
		return nil
	}
	adapter, ok := s.adapters[c.Spec.Ticker.Exchange.Venue()]
	if !ok {
		return fmt.Errorf("%w: no adapter for %s", domain.ErrUnsupported, c.Spec.Ticker.Exchange)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		klines, err := adapter.FetchKlines(gctx, c.Spec.Ticker, c.Spec.Timeframe, nil)
		if errors.Is(err, domain.ErrUnsupported) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("klines: %w", err)
		}
		c.applyKlines(klines)
		return nil
	})
	if c.Spec.OpenInterest {
		g.Go(func() error {
			return s.refreshOpenInterest(gctx, adapter, c, nil)
		})
	}
	return g.Wait()
}

// BackfillRange fetches candles for the gaps of [from, to]. Venues cap the
// page size, so gaps are recomputed after every round until none is left or
// a round fills nothing.
func (s *ChartStore) BackfillRange(ctx context.Context, id string, from, to int64) error {
	c, ok := s.Chart(id)
	if !ok {
		return fmt.Errorf("chart %s not found", id)
	}
	adapter, ok := s.adapters[c.Spec.Ticker.Exchange.Venue()]
	if !ok {
		return fmt.Errorf("%w: no adapter for %s", domain.ErrUnsupported, c.Spec.Ticker.Exchange)
	}

	missing, ok := c.missingRanges(from, to)
	if !ok {
		return nil
	}
	for len(missing) > 0 {
		for _, r := range missing {
			if err := ctx.Err(); err != nil {
				return err
			}
			klines, err := adapter.FetchKlines(ctx, c.Spec.Ticker, c.Spec.Timeframe, &r)
			if err != nil {
				return fmt.Errorf("klines %s: %w", r, err)
			}
			c.applyKlines(klines)
		}

		left, _ := c.missingRanges(from, to)
		if span(left, c.Spec.Timeframe) >= span(missing, c.Spec.Timeframe) {
			s.logger.Debug("Backfill stalled", slog.String("chart", id), slog.Int("gaps", len(left)))
			return nil
		}
		missing = left
	}
	return nil
}

func (c *Chart) missingRanges(from, to int64) ([]domain.TimeRange, bool) {
	var missing []domain.TimeRange
	ok := c.ReadTimeSeries(func(ts *aggr.TimeSeries) { missing = ts.MissingRanges(from, to) })
	return missing, ok
}

// span is the total width of inclusive bucket ranges in milliseconds.
func span(ranges []domain.TimeRange, tf domain.Timeframe) int64 {
	var total int64
	for _, r := range ranges {
		total += r.To - r.From + tf.Millis()
	}
	return total
}

func (s *ChartStore) refreshOpenInterest(ctx context.Context, adapter domain.MarketAdapter, c *Chart, r *domain.TimeRange) error {
	points, err := adapter.FetchOpenInterest(ctx, c.Spec.Ticker, c.Spec.Timeframe, r)
	if errors.Is(err, domain.ErrUnsupported) {
		s.logger.Debug("Open interest unsupported", slog.String("chart", c.Spec.ID()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open interest: %w", err)
	}
	c.mergeOpenInterest(points)
	return nil
}

// RefreshOpenInterest polls the latest open interest of every chart that
// asked for it.
func (s *ChartStore) RefreshOpenInterest(ctx context.Context) error {
	var targets []*Chart
	s.mu.RLock()
	for _, c := range s.charts {
		if c.Spec.OpenInterest && c.Spec.Kind == ChartTime && c.Spec.Ticker.Exchange.MarketKind().IsPerps() {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		adapter, ok := s.adapters[c.Spec.Ticker.Exchange.Venue()]
		if !ok {
			continue
		}
		if err := s.refreshOpenInterest(ctx, adapter, c, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Spec.ID(), err))
		}
	}
	return errors.Join(errs...)
}
