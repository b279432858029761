package bybit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	bookDepth    = "200"
)

var pingFrame = []byte(`{"op":"ping"}`)

// Dialect maps stream kinds onto Bybit v5 public topics. The order book
// snapshot arrives in-band; deltas chain with u = previous u + 1.
type Dialect struct {
	baseURL string
}

var _ domain.StreamDialect = (*Dialect)(nil)

// NewDialect builds the dialect from the configured public websocket base.
func NewDialect(cfg infra.BybitConfig) *Dialect {
	return &Dialect{baseURL: strings.TrimRight(cfg.WSURL, "/")}
}

func (d *Dialect) StreamURL(kind domain.StreamKind) string {
	return d.baseURL + "/" + category(kind.Exchange().MarketKind())
}

func topics(kind domain.StreamKind) []string {
	sym := kind.Ticker.Symbol
	if kind.Type == domain.StreamKline {
		return []string{"kline." + klineIntervals[kind.Timeframe] + "." + sym}
	}
	return []string{"orderbook." + bookDepth + "." + sym, "publicTrade." + sym}
}

func (d *Dialect) SubscribeFrames(kind domain.StreamKind) [][]byte {
	b, _ := json.Marshal(map[string]any{"op": "subscribe", "args": topics(kind)})
	return [][]byte{b}
}

func (d *Dialect) KeepAlive(domain.StreamKind) (time.Duration, []byte) {
	return pingInterval, pingFrame
}

func (d *Dialect) ReadTimeout(domain.StreamKind) time.Duration { return readTimeout }

func (d *Dialect) SnapshotInStream(domain.StreamKind) bool { return true }

// ParseFrame decodes one v5 public payload.
func (d *Dialect) ParseFrame(kind domain.StreamKind, payload []byte) (domain.Frame, error) {
	var msg wsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}

	switch msg.Op {
	case "ping", "pong":
		return domain.Frame{Kind: domain.FramePong}, nil
	case "subscribe":
		if msg.Success != nil && !*msg.Success {
			return domain.Frame{}, fmt.Errorf("subscribe rejected: %s", msg.RetMsg)
		}
		return domain.Frame{Kind: domain.FrameIgnore}, nil
	case "":
	default:
		return domain.Frame{Kind: domain.FrameIgnore}, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		return parseOrderbook(msg)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		return parseTrades(msg)
	case strings.HasPrefix(msg.Topic, "kline."):
		return parseKlines(msg)
	default:
		return domain.Frame{Kind: domain.FrameIgnore}, nil
	}
}

func parseOrderbook(msg wsMessage) (domain.Frame, error) {
	var ob wsOrderbook
	if err := json.Unmarshal(msg.Data, &ob); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	bids, err := infra.ParseLevels(ob.Bids)
	if err != nil {
		return domain.Frame{}, err
	}
	asks, err := infra.ParseLevels(ob.Asks)
	if err != nil {
		return domain.Frame{}, err
	}

	if msg.Type == "snapshot" {
		return domain.Frame{
			Kind: domain.FrameSnapshot,
			Snapshot: domain.DepthSnapshot{
				LastUpdateID: ob.UpdateID,
				Time:         msg.Ts,
				Bids:         bids,
				Asks:         asks,
			},
		}, nil
	}
	return domain.Frame{
		Kind: domain.FrameDiff,
		Diff: domain.DepthDiff{
			FirstID: ob.UpdateID,
			LastID:  ob.UpdateID,
			PrevID:  ob.UpdateID - 1,
			Time:    msg.Ts,
			Bids:    bids,
			Asks:    asks,
		},
	}, nil
}

func parseTrades(msg wsMessage) (domain.Frame, error) {
	var raw []wsTrade
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	trades := make([]domain.Trade, 0, len(raw))
	for _, r := range raw {
		price, err := infra.ParsePrice(r.Price)
		if err != nil {
			return domain.Frame{}, err
		}
		qty, err := infra.ParseFloat(r.Qty)
		if err != nil {
			return domain.Frame{}, err
		}
		side := domain.SideBuy
		if r.Side == "Sell" {
			side = domain.SideSell
		}
		trades = append(trades, domain.Trade{Time: r.Time, Price: price, Qty: qty, Side: side})
	}
	return domain.Frame{Kind: domain.FrameTrades, Trades: trades}, nil
}

func parseKlines(msg wsMessage) (domain.Frame, error) {
	var raw []wsKline
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	klines := make([]domain.Kline, 0, len(raw))
	for _, r := range raw {
		k, err := infra.ParseOHLC(r.Open, r.High, r.Low, r.Close)
		if err != nil {
			return domain.Frame{}, err
		}
		vol, err := infra.ParseFloat(r.Volume)
		if err != nil {
			return domain.Frame{}, err
		}
		k.Time = r.Start
		k.Volume = domain.TotalVolume(vol)
		klines = append(klines, k)
	}
	return domain.Frame{Kind: domain.FrameKline, Klines: klines}, nil
}
