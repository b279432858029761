package aggr

import (
	"github.com/google/btree"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

const (
	btreeDegree = 32
	// DefaultMaxDatapoints bounds time series that were not given a limit.
	DefaultMaxDatapoints = 5000
)

func bucketLess(a, b *Bucket) bool { return a.Kline.Time < b.Kline.Time }

// TimeSeries is a bounded, time-ordered map of buckets keyed by open time.
// It is single-writer; readers must not run concurrently with inserts.
type TimeSeries struct {
	interval  domain.Timeframe
	step      quant.PriceStep
	max       int
	points    *btree.BTreeG[*Bucket]
	evictions int
}

// NewTimeSeries creates an empty series. maxDatapoints <= 0 uses
// DefaultMaxDatapoints.
func NewTimeSeries(interval domain.Timeframe, step quant.PriceStep, maxDatapoints int) *TimeSeries {
	if maxDatapoints <= 0 {
		maxDatapoints = DefaultMaxDatapoints
	}
	return &TimeSeries{
		interval: interval,
		step:     step,
		max:      maxDatapoints,
		points:   btree.NewG(btreeDegree, bucketLess),
	}
}

func (ts *TimeSeries) Interval() domain.Timeframe { return ts.interval }
func (ts *TimeSeries) Step() quant.PriceStep      { return ts.step }
func (ts *TimeSeries) Len() int                   { return ts.points.Len() }
func (ts *TimeSeries) MaxDatapoints() int         { return ts.max }

// Evictions counts eviction passes so far.
func (ts *TimeSeries) Evictions() int { return ts.evictions }

func probe(t int64) *Bucket { return &Bucket{Kline: domain.Kline{Time: t}} }

// Get returns the bucket opening at t.
func (ts *TimeSeries) Get(t int64) (*Bucket, bool) {
	return ts.points.Get(probe(ts.interval.BucketStart(t)))
}

// Oldest returns the first bucket.
func (ts *TimeSeries) Oldest() (*Bucket, bool) { return ts.points.Min() }

// Latest returns the last bucket.
func (ts *TimeSeries) Latest() (*Bucket, bool) { return ts.points.Max() }

// InsertKlines upserts one bucket per candle. An existing bucket takes the
// new candle and keeps its footprint. PoC status is recomputed for the whole
// series. It returns true when an eviction pass ran.
func (ts *TimeSeries) InsertKlines(klines []domain.Kline) bool {
	if len(klines) == 0 {
		return false
	}
	for _, k := range klines {
		k.Time = ts.interval.BucketStart(k.Time)
		if b, ok := ts.points.Get(probe(k.Time)); ok {
			b.Kline = k
			continue
		}
		ts.points.ReplaceOrInsert(newBucket(k))
	}
	ts.resolve(0)
	return ts.evict()
}

// InsertTrades folds trades into the buckets covering their timestamps,
// creating buckets as needed. It returns true when an eviction pass ran.
func (ts *TimeSeries) InsertTrades(trades []domain.Trade) bool {
	if len(trades) == 0 {
		return false
	}
	earliest := int64(-1)
	touched := make(map[*Bucket]struct{}, 1)
	for _, t := range trades {
		start := ts.interval.BucketStart(t.Time)
		b, ok := ts.points.Get(probe(start))
		if !ok {
			b = openBucket(start, t)
			ts.points.ReplaceOrInsert(b)
		}
		b.addTrade(t, ts.step)
		touched[b] = struct{}{}
		if earliest < 0 || start < earliest {
			earliest = start
		}
	}
	for b := range touched {
		b.refreshPOC()
	}
	ts.resolve(earliest)
	return ts.evict()
}

// resolve recomputes PoC status for buckets at or after from.
func (ts *TimeSeries) resolve(from int64) {
	buckets := ts.slice()
	start := 0
	for start < len(buckets) && buckets[start].Kline.Time < from {
		start++
	}
	resolvePOCs(buckets, start)
}

func (ts *TimeSeries) slice() []*Bucket {
	out := make([]*Bucket, 0, ts.points.Len())
	ts.points.Ascend(func(b *Bucket) bool {
		out = append(out, b)
		return true
	})
	return out
}

// evict drops the oldest buckets once the series exceeds its maximum, leaving
// at most 90% of it.
func (ts *TimeSeries) evict() bool {
	n := evictOldest(ts.points, ts.max)
	if n == 0 {
		return false
	}
	ts.evictions++
	return true
}

// evictOldest trims tree to 90% of limit when it holds more than limit items and
// returns the number removed.
func evictOldest[T any](tree *btree.BTreeG[T], limit int) int {
	if tree.Len() <= limit {
		return 0
	}
	target := limit * 9 / 10
	removed := 0
	for tree.Len() > target {
		tree.DeleteMin()
		removed++
	}
	return removed
}

// Range calls fn for each bucket with from <= open time <= to, ascending,
// until fn returns false.
func (ts *TimeSeries) Range(from, to int64, fn func(*Bucket) bool) {
	if to < from {
		return
	}
	ts.points.AscendRange(probe(from), probe(to+1), btree.ItemIteratorG[*Bucket](fn))
}

// Klines returns the candles with from <= open time <= to.
func (ts *TimeSeries) Klines(from, to int64) []domain.Kline {
	var out []domain.Kline
	ts.Range(from, to, func(b *Bucket) bool {
		out = append(out, b.Kline)
		return true
	})
	return out
}

// ChangeStep switches the footprint granularity. Trades were rounded on
// insert and cannot be re-bucketed, so footprints and PoCs are cleared.
func (ts *TimeSeries) ChangeStep(step quant.PriceStep) {
	if step == ts.step {
		return
	}
	ts.step = step
	ts.points.Ascend(func(b *Bucket) bool {
		b.Footprint = make(Footprint)
		b.POC = nil
		return true
	})
}

// MissingRanges lists the stretches of [from, to] with no bucket, as
// inclusive ranges of bucket open times.
func (ts *TimeSeries) MissingRanges(from, to int64) []domain.TimeRange {
	w := ts.interval.Millis()
	if w <= 0 || to < from {
		return nil
	}
	var (
		out    []domain.TimeRange
		cursor = ts.interval.BucketStart(from)
		end    = ts.interval.BucketStart(to)
	)
	ts.Range(cursor, end, func(b *Bucket) bool {
		if b.Kline.Time > cursor {
			out = append(out, domain.TimeRange{From: cursor, To: b.Kline.Time - w})
		}
		cursor = b.Kline.Time + w
		return true
	})
	if cursor <= end {
		out = append(out, domain.TimeRange{From: cursor, To: end})
	}
	return out
}

// NakedPOCs returns the naked points of control with open time in [from, to].
func (ts *TimeSeries) NakedPOCs(from, to int64) []PointOfControl {
	var out []PointOfControl
	ts.Range(from, to, func(b *Bucket) bool {
		if b.POC != nil && b.POC.Status == PocNaked {
			out = append(out, *b.POC)
		}
		return true
	})
	return out
}
