package bybit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/pkg/quant"
)

const (
	instrumentsPageLimit = 1000
	klineLimit           = 1000
	openInterestLimit    = 200
	snapshotLimit        = 200
	maxInstrumentPages   = 20
)

// FetchTickerInfo loads trading instruments of one category, following the
// page cursor until exhausted.
func (a *Adapter) FetchTickerInfo(ctx context.Context, market domain.MarketKind) (map[domain.Ticker]domain.TickerInfo, error) {
	ex := exchangeOf(market)
	out := make(map[domain.Ticker]domain.TickerInfo)
	cursor := ""

	for page := 0; page < maxInstrumentPages; page++ {
		q := url.Values{}
		q.Set("category", category(market))
		q.Set("limit", strconv.Itoa(instrumentsPageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var res instrumentsResult
		if err := a.get(ctx, ex, "ticker_info", "/v5/market/instruments-info", q, &res); err != nil {
			return nil, err
		}
		for _, s := range res.List {
			if info, ok := toTickerInfo(ex, s); ok {
				out[info.Ticker] = info
			}
		}
		if res.NextPageCursor == "" || res.NextPageCursor == cursor {
			break
		}
		cursor = res.NextPageCursor
	}

	a.logger.Info("Ticker info loaded", slog.String("market", market.String()), slog.Int("count", len(out)))
	return out, nil
}

func toTickerInfo(ex domain.Exchange, s instrumentInfo) (domain.TickerInfo, bool) {
	if s.Status != "Trading" {
		return domain.TickerInfo{}, false
	}
	if ex.MarketKind().IsPerps() && s.ContractType != "LinearPerpetual" && s.ContractType != "InversePerpetual" {
		return domain.TickerInfo{}, false
	}
	if !domain.MajorQuoteAssets[s.QuoteCoin] {
		return domain.TickerInfo{}, false
	}
	step, err := quant.ParsePriceStep(s.PriceFilter.TickSize)
	if err != nil || step.IsZero() {
		return domain.TickerInfo{}, false
	}
	minQty, _ := strconv.ParseFloat(s.LotSizeFilter.MinOrderQty, 64)

	info := domain.TickerInfo{
		Ticker:       domain.NewTicker(ex, s.Symbol),
		TickSize:     step,
		MinQty:       minQty,
		QuoteAsset:   s.QuoteCoin,
		ContractType: s.ContractType,
		Status:       s.Status,
	}
	if ex.MarketKind() == domain.MarketInversePerps {
		// Inverse contracts are 1 USD each.
		info.ContractSize = 1
	}
	return info, true
}

// FetchTickerStats loads 24h stats for every instrument of one category.
func (a *Adapter) FetchTickerStats(ctx context.Context, market domain.MarketKind) (map[domain.Ticker]domain.TickerStats, error) {
	ex := exchangeOf(market)
	q := url.Values{}
	q.Set("category", category(market))

	var res tickersResult
	if err := a.get(ctx, ex, "ticker_stats", "/v5/market/tickers", q, &res); err != nil {
		return nil, err
	}

	out := make(map[domain.Ticker]domain.TickerStats, len(res.List))
	for _, r := range res.List {
		last, err := quant.ParsePrice(r.LastPrice)
		if err != nil {
			continue
		}
		pct, _ := strconv.ParseFloat(r.Price24hPcnt, 64)
		turnover, _ := strconv.ParseFloat(r.Turnover24h, 64)
		out[domain.NewTicker(ex, r.Symbol)] = domain.TickerStats{
			LastPrice: last,
			ChangePct: pct * 100,
			Volume:    turnover,
		}
	}
	return out, nil
}

var klineIntervals = map[domain.Timeframe]string{
	domain.M1: "1", domain.M3: "3", domain.M5: "5", domain.M15: "15", domain.M30: "30",
	domain.H1: "60", domain.H2: "120", domain.H4: "240", domain.H6: "360", domain.H12: "720",
	domain.D1: "D",
}

// FetchKlines loads one page of candles, returned ascending. Bybit reports no
// taker split, so only Volume.Total is set.
func (a *Adapter) FetchKlines(ctx context.Context, t domain.Ticker, tf domain.Timeframe, r *domain.TimeRange) ([]domain.Kline, error) {
	interval, ok := klineIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("bybit klines %s: %w", tf, domain.ErrUnsupported)
	}

	q := url.Values{}
	q.Set("category", category(t.Exchange.MarketKind()))
	q.Set("symbol", t.Symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(klineLimit))
	if r != nil {
		q.Set("start", strconv.FormatInt(r.From, 10))
		q.Set("end", strconv.FormatInt(r.To, 10))
	}

	var res klineResult
	if err := a.get(ctx, t.Exchange, "klines", "/v5/market/kline", q, &res); err != nil {
		return nil, err
	}

	out := make([]domain.Kline, 0, len(res.List))
	for _, row := range res.List {
		k, err := rowToKline(row)
		if err != nil {
			return nil, &domain.FetchError{Exchange: t.Exchange, Op: "klines", Err: err}
		}
		out = append(out, k)
	}
	slices.Reverse(out)
	return out, nil
}

func rowToKline(row []string) (domain.Kline, error) {
	if len(row) < 6 {
		return domain.Kline{}, fmt.Errorf("%w: kline row has %d fields", domain.ErrMalformed, len(row))
	}
	start, err := infra.ParseMillis(row[0])
	if err != nil {
		return domain.Kline{}, err
	}
	k, err := infra.ParseOHLC(row[1], row[2], row[3], row[4])
	if err != nil {
		return domain.Kline{}, err
	}
	vol, err := infra.ParseFloat(row[5])
	if err != nil {
		return domain.Kline{}, err
	}
	k.Time = start
	k.Volume = domain.TotalVolume(vol)
	return k, nil
}

var openInterestIntervals = map[domain.Timeframe]string{
	domain.M5: "5min", domain.M15: "15min", domain.M30: "30min",
	domain.H1: "1h", domain.H4: "4h", domain.D1: "1d",
}

// FetchOpenInterest loads open interest of a perpetual, returned ascending.
func (a *Adapter) FetchOpenInterest(ctx context.Context, t domain.Ticker, tf domain.Timeframe, r *domain.TimeRange) ([]domain.OpenInterest, error) {
	if !t.Exchange.MarketKind().IsPerps() {
		return nil, fmt.Errorf("bybit open interest on %s: %w", t.Exchange, domain.ErrUnsupported)
	}
	interval, ok := openInterestIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("bybit open interest period %s: %w", tf, domain.ErrUnsupported)
	}

	q := url.Values{}
	q.Set("category", category(t.Exchange.MarketKind()))
	q.Set("symbol", t.Symbol)
	q.Set("intervalTime", interval)
	q.Set("limit", strconv.Itoa(openInterestLimit))
	if r != nil {
		q.Set("startTime", strconv.FormatInt(r.From, 10))
		q.Set("endTime", strconv.FormatInt(r.To, 10))
	}

	var res openInterestResult
	if err := a.get(ctx, t.Exchange, "open_interest", "/v5/market/open-interest", q, &res); err != nil {
		return nil, err
	}

	out := make([]domain.OpenInterest, 0, len(res.List))
	for _, p := range res.List {
		ts, err := infra.ParseMillis(p.Timestamp)
		if err != nil {
			return nil, &domain.FetchError{Exchange: t.Exchange, Op: "open_interest", Err: err}
		}
		v, err := infra.ParseFloat(p.OpenInterest)
		if err != nil {
			return nil, &domain.FetchError{Exchange: t.Exchange, Op: "open_interest", Err: err}
		}
		out = append(out, domain.OpenInterest{Time: ts, Value: v})
	}
	slices.Reverse(out)
	return out, nil
}

// FetchDepthSnapshot loads a REST book image. Streams receive their snapshot
// in-band; this serves consumers that want a one-off book.
func (a *Adapter) FetchDepthSnapshot(ctx context.Context, t domain.Ticker) (domain.DepthSnapshot, error) {
	q := url.Values{}
	q.Set("category", category(t.Exchange.MarketKind()))
	q.Set("symbol", t.Symbol)
	q.Set("limit", strconv.Itoa(snapshotLimit))

	var res orderbookResult
	if err := a.get(ctx, t.Exchange, "depth_snapshot", "/v5/market/orderbook", q, &res); err != nil {
		return domain.DepthSnapshot{}, err
	}
	bids, err := infra.ParseLevels(res.Bids)
	if err != nil {
		return domain.DepthSnapshot{}, &domain.FetchError{Exchange: t.Exchange, Op: "depth_snapshot", Err: err}
	}
	asks, err := infra.ParseLevels(res.Asks)
	if err != nil {
		return domain.DepthSnapshot{}, &domain.FetchError{Exchange: t.Exchange, Op: "depth_snapshot", Err: err}
	}
	return domain.DepthSnapshot{LastUpdateID: res.UpdateID, Time: res.Time, Bids: bids, Asks: asks}, nil
}
