package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
)

const (
	spotReadTimeout    = 60 * time.Second
	futuresReadTimeout = 10 * time.Minute
	// Pongs to client pings extend the read deadline on quiet streams.
	clientPingInterval = 30 * time.Second
)

// Dialect maps stream kinds onto Binance combined-stream URLs and decodes
// their payloads. Binance pings every few minutes; the client also sends
// protocol pings of its own.
type Dialect struct {
	wsURL map[domain.MarketKind]string
}

var _ domain.StreamDialect = (*Dialect)(nil)

// NewDialect builds the dialect from configured websocket base URLs.
func NewDialect(cfg infra.BinanceConfig) *Dialect {
	return &Dialect{wsURL: map[domain.MarketKind]string{
		domain.MarketSpot:         strings.TrimRight(cfg.SpotWSURL, "/"),
		domain.MarketLinearPerps:  strings.TrimRight(cfg.LinearWSURL, "/"),
		domain.MarketInversePerps: strings.TrimRight(cfg.InverseWSURL, "/"),
	}}
}

func streamNames(kind domain.StreamKind) []string {
	sym := strings.ToLower(kind.Ticker.Symbol)
	switch kind.Type {
	case domain.StreamKline:
		return []string{sym + "@kline_" + kind.Timeframe.String()}
	default:
		trade := "@aggTrade"
		if kind.Exchange().MarketKind() == domain.MarketSpot {
			trade = "@trade"
		}
		return []string{sym + "@depth@100ms", sym + trade}
	}
}

func (d *Dialect) StreamURL(kind domain.StreamKind) string {
	return d.wsURL[kind.Exchange().MarketKind()] + "/stream?streams=" + strings.Join(streamNames(kind), "/")
}

// SubscribeFrames is empty: streams are named in the URL.
func (d *Dialect) SubscribeFrames(domain.StreamKind) [][]byte { return nil }

func (d *Dialect) KeepAlive(domain.StreamKind) (time.Duration, []byte) {
	return clientPingInterval, nil
}

func (d *Dialect) ReadTimeout(kind domain.StreamKind) time.Duration {
	if kind.Exchange().MarketKind() == domain.MarketSpot {
		return spotReadTimeout
	}
	return futuresReadTimeout
}

func (d *Dialect) SnapshotInStream(domain.StreamKind) bool { return false }

// ParseFrame decodes one combined-stream payload.
func (d *Dialect) ParseFrame(kind domain.StreamKind, payload []byte) (domain.Frame, error) {
	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if len(env.Data) == 0 {
		// Subscription acks and other control replies.
		return domain.Frame{Kind: domain.FrameIgnore}, nil
	}

	var hdr eventHeader
	if err := json.Unmarshal(env.Data, &hdr); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	switch hdr.Event {
	case "depthUpdate":
		return parseDepthUpdate(env.Data)
	case "aggTrade", "trade":
		return parseTrade(env.Data)
	case "kline":
		return parseKline(env.Data)
	default:
		return domain.Frame{Kind: domain.FrameIgnore}, nil
	}
}

func parseDepthUpdate(data []byte) (domain.Frame, error) {
	var u depthUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	bids, err := infra.ParseLevels(u.Bids)
	if err != nil {
		return domain.Frame{}, err
	}
	asks, err := infra.ParseLevels(u.Asks)
	if err != nil {
		return domain.Frame{}, err
	}

	// Spot diffs carry no pu; each diff must start right after the previous one.
	prev := u.FirstID - 1
	if u.PrevID != nil {
		prev = *u.PrevID
	}
	ts := u.TxTime
	if ts == 0 {
		ts = u.EventTime
	}
	return domain.Frame{
		Kind: domain.FrameDiff,
		Diff: domain.DepthDiff{
			FirstID: u.FirstID,
			LastID:  u.LastID,
			PrevID:  prev,
			Time:    ts,
			Bids:    bids,
			Asks:    asks,
		},
	}, nil
}

func parseTrade(data []byte) (domain.Frame, error) {
	var e tradeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	price, err := infra.ParsePrice(e.Price)
	if err != nil {
		return domain.Frame{}, err
	}
	qty, err := infra.ParseFloat(e.Qty)
	if err != nil {
		return domain.Frame{}, err
	}
	side := domain.SideBuy
	if e.BuyerIsMaker {
		side = domain.SideSell
	}
	return domain.Frame{
		Kind:   domain.FrameTrades,
		Trades: []domain.Trade{{Time: e.TradeTime, Price: price, Qty: qty, Side: side}},
	}, nil
}

func parseKline(data []byte) (domain.Frame, error) {
	var e klineEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	k, err := infra.ParseOHLC(e.Kline.Open, e.Kline.High, e.Kline.Low, e.Kline.Close)
	if err != nil {
		return domain.Frame{}, err
	}
	total, err := infra.ParseFloat(e.Kline.Volume)
	if err != nil {
		return domain.Frame{}, err
	}
	buy, err := infra.ParseFloat(e.Kline.TakerBuyVol)
	if err != nil {
		return domain.Frame{}, err
	}
	k.Time = e.Kline.Start
	k.Volume = domain.SplitVolume(buy, total-buy)
	return domain.Frame{Kind: domain.FrameKline, Klines: []domain.Kline{k}}, nil
}
