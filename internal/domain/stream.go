package domain

import (
	"sort"
)

// StreamType is the kind of websocket subscription.
type StreamType uint8

const (
	StreamDepthAndTrades StreamType = iota + 1
	StreamKline
)

func (s StreamType) String() string {
	switch s {
	case StreamDepthAndTrades:
		return "depth"
	case StreamKline:
		return "kline"
	default:
		return "unknown"
	}
}

// StreamKind identifies one connection: (exchange, instrument, stream-kind).
// It doubles as the stream id carried on outbound events.
type StreamKind struct {
	Type      StreamType
	Ticker    Ticker
	Timeframe Timeframe // kline streams only
}

// DepthStream is the combined depth + trades stream for t.
func DepthStream(t Ticker) StreamKind {
	return StreamKind{Type: StreamDepthAndTrades, Ticker: t.Key()}
}

// KlineStream is the candle stream for t at tf.
func KlineStream(t Ticker, tf Timeframe) StreamKind {
	return StreamKind{Type: StreamKline, Ticker: t.Key(), Timeframe: tf}
}

// Exchange is shorthand for the ticker's exchange.
func (s StreamKind) Exchange() Exchange { return s.Ticker.Exchange }

func (s StreamKind) String() string {
	if s.Type == StreamKline {
		return s.Ticker.String() + "@kline_" + s.Timeframe.String()
	}
	return s.Ticker.String() + "@" + s.Type.String()
}

// UniqueStreams is the deduplicated set of streams active consumers need.
// It is never mutated after construction; callers rebuild it wholesale.
type UniqueStreams struct {
	streams map[Exchange]map[Ticker]map[StreamKind]struct{}
	count   int
}

// NewUniqueStreams builds the set from every consumer's requirements.
func NewUniqueStreams(kinds ...StreamKind) UniqueStreams {
	u := UniqueStreams{streams: make(map[Exchange]map[Ticker]map[StreamKind]struct{})}
	for _, k := range kinds {
		ex := k.Exchange()
		byTicker, ok := u.streams[ex]
		if !ok {
			byTicker = make(map[Ticker]map[StreamKind]struct{})
			u.streams[ex] = byTicker
		}
		set, ok := byTicker[k.Ticker]
		if !ok {
			set = make(map[StreamKind]struct{})
			byTicker[k.Ticker] = set
		}
		if _, dup := set[k]; dup {
			continue
		}
		set[k] = struct{}{}
		u.count++
	}
	return u
}

// Len returns the number of distinct streams.
func (u UniqueStreams) Len() int { return u.count }

// Contains reports whether k is required.
func (u UniqueStreams) Contains(k StreamKind) bool {
	_, ok := u.streams[k.Exchange()][k.Ticker][k]
	return ok
}

// Exchanges lists exchanges with at least one stream, in stable order.
func (u UniqueStreams) Exchanges() []Exchange {
	out := make([]Exchange, 0, len(u.streams))
	for ex := range u.streams {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForExchange lists the streams of one exchange, sorted by stream id.
func (u UniqueStreams) ForExchange(ex Exchange) []StreamKind {
	var out []StreamKind
	for _, set := range u.streams[ex] {
		for k := range set {
			out = append(out, k)
		}
	}
	sortStreams(out)
	return out
}

// All lists every stream, sorted by stream id.
func (u UniqueStreams) All() []StreamKind {
	out := make([]StreamKind, 0, u.count)
	for _, byTicker := range u.streams {
		for _, set := range byTicker {
			for k := range set {
				out = append(out, k)
			}
		}
	}
	sortStreams(out)
	return out
}

// Diff returns streams present here but not in prev (added) and present in
// prev but not here (removed).
func (u UniqueStreams) Diff(prev UniqueStreams) (added, removed []StreamKind) {
	for _, k := range u.All() {
		if !prev.Contains(k) {
			added = append(added, k)
		}
	}
	for _, k := range prev.All() {
		if !u.Contains(k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}

func sortStreams(s []StreamKind) {
	sort.Slice(s, func(i, j int) bool { return s[i].String() < s[j].String() })
}
