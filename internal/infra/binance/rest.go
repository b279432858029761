package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/pkg/quant"
)

const (
	snapshotLimit     = 1000
	spotKlineLimit    = 1000
	futuresKlineLimit = 1500
	openInterestLimit = 500
	openInterestDays  = 30
)

// FetchTickerInfo loads trading instruments of one market, keeping perpetuals
// on futures markets and major quote assets everywhere.
func (a *Adapter) FetchTickerInfo(ctx context.Context, market domain.MarketKind) (map[domain.Ticker]domain.TickerInfo, error) {
	weight := 1
	if market == domain.MarketSpot {
		weight = 20
	}
	var resp exchangeInfoResponse
	req := infra.Request{
		Exchange: exchangeOf(market),
		Op:       "ticker_info",
		Path:     apiPrefix(market) + "/exchangeInfo",
		Weight:   weight,
	}
	if _, err := a.rest[market].GetJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	out := make(map[domain.Ticker]domain.TickerInfo, len(resp.Symbols))
	for _, s := range resp.Symbols {
		info, ok := toTickerInfo(market, s)
		if !ok {
			continue
		}
		out[info.Ticker] = info
	}
	a.logger.Info("Ticker info loaded", slog.String("market", market.String()), slog.Int("count", len(out)))
	return out, nil
}

func toTickerInfo(market domain.MarketKind, s symbolInfo) (domain.TickerInfo, bool) {
	status := s.Status
	if market == domain.MarketInversePerps {
		status = s.ContractStatus
	}
	if status != "TRADING" {
		return domain.TickerInfo{}, false
	}
	if market.IsPerps() && s.ContractType != "PERPETUAL" {
		return domain.TickerInfo{}, false
	}
	if !domain.MajorQuoteAssets[s.QuoteAsset] {
		return domain.TickerInfo{}, false
	}

	info := domain.TickerInfo{
		Ticker:       domain.NewTicker(exchangeOf(market), s.Symbol),
		QuoteAsset:   s.QuoteAsset,
		ContractType: s.ContractType,
		Status:       status,
	}
	if market == domain.MarketInversePerps {
		info.ContractSize = s.ContractSize
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			step, err := quant.ParsePriceStep(f.TickSize)
			if err != nil {
				return domain.TickerInfo{}, false
			}
			info.TickSize = step
		case "LOT_SIZE":
			info.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
		}
	}
	if info.TickSize.IsZero() {
		return domain.TickerInfo{}, false
	}
	return info, true
}

// FetchTickerStats loads 24h rolling stats for every instrument of one market.
func (a *Adapter) FetchTickerStats(ctx context.Context, market domain.MarketKind) (map[domain.Ticker]domain.TickerStats, error) {
	weight := 40
	if market == domain.MarketSpot {
		weight = 80
	}
	var resp []tickerStatsResponse
	req := infra.Request{
		Exchange: exchangeOf(market),
		Op:       "ticker_stats",
		Path:     apiPrefix(market) + "/ticker/24hr",
		Weight:   weight,
	}
	if _, err := a.rest[market].GetJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	out := make(map[domain.Ticker]domain.TickerStats, len(resp))
	for _, r := range resp {
		last, err := quant.ParsePrice(r.LastPrice)
		if err != nil {
			continue
		}
		change, _ := strconv.ParseFloat(r.PriceChangePercent, 64)
		// COIN-M reports volume in contracts and has no quote volume.
		vol := r.QuoteVolume
		if market == domain.MarketInversePerps {
			vol = r.Volume
		}
		volume, _ := strconv.ParseFloat(vol, 64)
		out[domain.NewTicker(exchangeOf(market), r.Symbol)] = domain.TickerStats{
			LastPrice: last,
			ChangePct: change,
			Volume:    volume,
		}
	}
	return out, nil
}

func klineWeight(market domain.MarketKind, limit int) int {
	if market == domain.MarketSpot {
		return 2
	}
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

// FetchKlines loads one page of candles. With a range, the page is sized to
// cover it up to the market's page limit.
func (a *Adapter) FetchKlines(ctx context.Context, t domain.Ticker, tf domain.Timeframe, r *domain.TimeRange) ([]domain.Kline, error) {
	if tf < domain.M1 {
		return nil, fmt.Errorf("binance klines %s: %w", tf, domain.ErrUnsupported)
	}
	market := t.Exchange.MarketKind()
	maxLimit := futuresKlineLimit
	if market == domain.MarketSpot {
		maxLimit = spotKlineLimit
	}
	limit := 500

	q := url.Values{}
	q.Set("symbol", t.Symbol)
	q.Set("interval", tf.String())
	if r != nil {
		q.Set("startTime", strconv.FormatInt(r.From, 10))
		q.Set("endTime", strconv.FormatInt(r.To, 10))
		limit = int((r.To-r.From)/tf.Millis()) + 1
		if limit > maxLimit {
			limit = maxLimit
		}
		if limit < 1 {
			limit = 1
		}
	}
	q.Set("limit", strconv.Itoa(limit))

	var rows []klineRow
	req := infra.Request{
		Exchange: t.Exchange,
		Op:       "klines",
		Path:     apiPrefix(market) + "/klines",
		Query:    q,
		Weight:   klineWeight(market, limit),
	}
	if _, err := a.rest[market].GetJSON(ctx, req, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.Kline, 0, len(rows))
	for _, row := range rows {
		k, err := row.toKline()
		if err != nil {
			return nil, &domain.FetchError{Exchange: t.Exchange, Op: "klines", Err: err}
		}
		out = append(out, k)
	}
	return out, nil
}

func (row klineRow) toKline() (domain.Kline, error) {
	if len(row) < 10 {
		return domain.Kline{}, fmt.Errorf("%w: kline row has %d fields", domain.ErrMalformed, len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return domain.Kline{}, fmt.Errorf("%w: open time", domain.ErrMalformed)
	}
	str := func(i int) string {
		var s string
		_ = json.Unmarshal(row[i], &s)
		return s
	}

	k, err := infra.ParseOHLC(str(1), str(2), str(3), str(4))
	if err != nil {
		return domain.Kline{}, err
	}
	k.Time = openTime

	total, err := infra.ParseFloat(str(5))
	if err != nil {
		return domain.Kline{}, err
	}
	buy, err := infra.ParseFloat(str(9))
	if err != nil {
		return domain.Kline{}, err
	}
	k.Volume = domain.SplitVolume(buy, total-buy)
	return k, nil
}

var openInterestPeriods = map[domain.Timeframe]bool{
	domain.M5: true, domain.M15: true, domain.M30: true,
	domain.H1: true, domain.H2: true, domain.H4: true,
	domain.H6: true, domain.H12: true, domain.D1: true,
}

// FetchOpenInterest loads the open-interest history of a perpetual.
// Spot markets and periods the venue does not aggregate return ErrUnsupported.
func (a *Adapter) FetchOpenInterest(ctx context.Context, t domain.Ticker, tf domain.Timeframe, r *domain.TimeRange) ([]domain.OpenInterest, error) {
	market := t.Exchange.MarketKind()
	if !market.IsPerps() {
		return nil, fmt.Errorf("binance open interest on %s: %w", t.Exchange, domain.ErrUnsupported)
	}
	if !openInterestPeriods[tf] {
		return nil, fmt.Errorf("binance open interest period %s: %w", tf, domain.ErrUnsupported)
	}

	q := url.Values{}
	if market == domain.MarketInversePerps {
		q.Set("pair", strings.TrimSuffix(t.Symbol, "_PERP"))
		q.Set("contractType", "PERPETUAL")
	} else {
		q.Set("symbol", t.Symbol)
	}
	q.Set("period", tf.String())
	q.Set("limit", strconv.Itoa(openInterestLimit))
	if r != nil {
		from := r.From
		if oldest := time.Now().Add(-openInterestDays * 24 * time.Hour).UnixMilli(); from < oldest {
			from = oldest
		}
		q.Set("startTime", strconv.FormatInt(from, 10))
		q.Set("endTime", strconv.FormatInt(r.To, 10))
	}

	var resp []openInterestResponse
	req := infra.Request{
		Exchange: t.Exchange,
		Op:       "open_interest",
		Path:     "/futures/data/openInterestHist",
		Query:    q,
		Weight:   1,
	}
	if _, err := a.rest[market].GetJSON(ctx, req, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.OpenInterest, 0, len(resp))
	for _, p := range resp {
		v, err := infra.ParseFloat(p.SumOpenInterest)
		if err != nil {
			return nil, &domain.FetchError{Exchange: t.Exchange, Op: "open_interest", Err: err}
		}
		out = append(out, domain.OpenInterest{Time: p.Timestamp, Value: v})
	}
	return out, nil
}

// FetchDepthSnapshot loads a bounded-depth book tagged with lastUpdateId.
func (a *Adapter) FetchDepthSnapshot(ctx context.Context, t domain.Ticker) (domain.DepthSnapshot, error) {
	market := t.Exchange.MarketKind()
	weight := 20
	if market == domain.MarketSpot {
		weight = 50
	}
	q := url.Values{}
	q.Set("symbol", t.Symbol)
	q.Set("limit", strconv.Itoa(snapshotLimit))

	var resp depthResponse
	req := infra.Request{
		Exchange: t.Exchange,
		Op:       "depth_snapshot",
		Path:     apiPrefix(market) + "/depth",
		Query:    q,
		Weight:   weight,
	}
	if _, err := a.rest[market].GetJSON(ctx, req, &resp); err != nil {
		return domain.DepthSnapshot{}, err
	}

	bids, err := infra.ParseLevels(resp.Bids)
	if err != nil {
		return domain.DepthSnapshot{}, &domain.FetchError{Exchange: t.Exchange, Op: "depth_snapshot", Err: err}
	}
	asks, err := infra.ParseLevels(resp.Asks)
	if err != nil {
		return domain.DepthSnapshot{}, &domain.FetchError{Exchange: t.Exchange, Op: "depth_snapshot", Err: err}
	}
	return domain.DepthSnapshot{
		LastUpdateID: resp.LastUpdateID,
		Time:         resp.EventTime,
		Bids:         bids,
		Asks:         asks,
	}, nil
}
