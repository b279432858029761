package domain

import (
	"context"
	"time"
)

// MarketAdapter is the capability set every venue implements.
type MarketAdapter interface {
	Venue() Venue
	FetchTickerInfo(ctx context.Context, market MarketKind) (map[Ticker]TickerInfo, error)
	FetchTickerStats(ctx context.Context, market MarketKind) (map[Ticker]TickerStats, error)
	// FetchKlines returns candles ascending by time. A nil range means the latest page.
	FetchKlines(ctx context.Context, t Ticker, tf Timeframe, r *TimeRange) ([]Kline, error)
	// FetchOpenInterest returns ErrUnsupported for spot markets.
	FetchOpenInterest(ctx context.Context, t Ticker, tf Timeframe, r *TimeRange) ([]OpenInterest, error)
	FetchDepthSnapshot(ctx context.Context, t Ticker) (DepthSnapshot, error)
	Dialect() StreamDialect
}

// StreamDialect holds everything wire-specific about a venue's websocket feed.
type StreamDialect interface {
	StreamURL(kind StreamKind) string
	// SubscribeFrames are written once after dial, in order.
	SubscribeFrames(kind StreamKind) [][]byte
	// KeepAlive returns the client ping cadence and payload. A zero interval
	// means the venue pings and the client only answers. An empty payload
	// sends a protocol-level ping frame.
	KeepAlive(kind StreamKind) (time.Duration, []byte)
	// ReadTimeout is the longest silence tolerated before the session is dropped.
	ReadTimeout(kind StreamKind) time.Duration
	// SnapshotInStream reports whether book snapshots arrive on the socket
	// rather than from FetchDepthSnapshot.
	SnapshotInStream(kind StreamKind) bool
	ParseFrame(kind StreamKind, payload []byte) (Frame, error)
}

// FrameKind classifies a decoded websocket payload.
type FrameKind uint8

const (
	FrameIgnore FrameKind = iota // acks, heartbeats without reply
	FrameDiff
	FrameSnapshot
	FrameTrades
	FrameKline
	FramePong
)

// Frame is one decoded websocket payload.
type Frame struct {
	Kind     FrameKind
	Diff     DepthDiff
	Snapshot DepthSnapshot
	Trades   []Trade
	Klines   []Kline
}

// TickerInfoRepository caches instrument metadata between runs.
type TickerInfoRepository interface {
	UpsertTickerInfo(ctx context.Context, infos []TickerInfo) error
	LoadTickerInfo(ctx context.Context, ex Exchange, maxAge time.Duration) (map[Ticker]TickerInfo, error)
}
