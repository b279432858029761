package domain

import (
	"fmt"
	"time"

	"market_engine/pkg/quant"
)

// Timeframe is a bucket width in milliseconds.
type Timeframe int64

const (
	MS100  Timeframe = 100
	MS200  Timeframe = 200
	MS500  Timeframe = 500
	MS1000 Timeframe = 1_000
	M1     Timeframe = 60_000
	M3     Timeframe = 3 * M1
	M5     Timeframe = 5 * M1
	M15    Timeframe = 15 * M1
	M30    Timeframe = 30 * M1
	H1     Timeframe = 60 * M1
	H2     Timeframe = 2 * H1
	H4     Timeframe = 4 * H1
	H6     Timeframe = 6 * H1
	H12    Timeframe = 12 * H1
	D1     Timeframe = 24 * H1
)

// KlineTimeframes are the candle widths served by exchange kline streams.
var KlineTimeframes = []Timeframe{M1, M3, M5, M15, M30, H1, H2, H4, H6, H12, D1}

// HeatmapTimeframes are the sub-second widths used for order-book history.
var HeatmapTimeframes = []Timeframe{MS100, MS200, MS500, MS1000}

// Millis returns the width in milliseconds.
func (tf Timeframe) Millis() int64 { return int64(tf) }

// Duration returns the width as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Millisecond
}

// BucketStart returns floor(t / tf) * tf.
func (tf Timeframe) BucketStart(t int64) int64 {
	w := int64(tf)
	if w <= 0 {
		return t
	}
	q := t / w
	if t%w != 0 && t < 0 {
		q--
	}
	return q * w
}

func (tf Timeframe) String() string {
	switch {
	case tf < MS1000:
		return fmt.Sprintf("%dms", int64(tf))
	case tf < M1:
		return fmt.Sprintf("%ds", int64(tf/MS1000))
	case tf < H1:
		return fmt.Sprintf("%dm", int64(tf/M1))
	case tf < D1:
		return fmt.Sprintf("%dh", int64(tf/H1))
	default:
		return fmt.Sprintf("%dd", int64(tf/D1))
	}
}

// ParseTimeframe parses the String form ("1m", "4h", "100ms").
func ParseTimeframe(s string) (Timeframe, error) {
	all := append(append([]Timeframe{}, HeatmapTimeframes...), KlineTimeframes...)
	for _, tf := range all {
		if tf.String() == s {
			return tf, nil
		}
	}
	return 0, fmt.Errorf("unknown timeframe %q", s)
}

// Volume is traded base quantity within a candle. Buy and Sell are zero when the
// venue reports only the total.
type Volume struct {
	Buy   float64 `json:"buy"`
	Sell  float64 `json:"sell"`
	Total float64 `json:"total"`
}

// SplitVolume builds a Volume with a known taker split.
func SplitVolume(buy, sell float64) Volume {
	return Volume{Buy: buy, Sell: sell, Total: buy + sell}
}

// TotalVolume builds a Volume when only the total is known.
func TotalVolume(total float64) Volume {
	return Volume{Total: total}
}

// HasSplit reports whether buy/sell volumes are meaningful.
func (v Volume) HasSplit() bool {
	return v.Total > 0 && v.Buy+v.Sell > 0
}

// Kline is one candle.
type Kline struct {
	Time   int64       `json:"time"` // open time, unix ms
	Open   quant.Price `json:"open"`
	High   quant.Price `json:"high"`
	Low    quant.Price `json:"low"`
	Close  quant.Price `json:"close"`
	Volume Volume      `json:"volume"`
}

// Covers reports whether p is within the candle's [Low, High] range.
func (k Kline) Covers(p quant.Price) bool {
	return k.Low <= p && p <= k.High
}

// TimeRange is an inclusive range of unix ms timestamps.
type TimeRange struct {
	From int64
	To   int64
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.From, r.To)
}
