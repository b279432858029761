package aggr

import (
	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

// TickBucket is a bucket closed after a fixed number of trades.
type TickBucket struct {
	Bucket
	TickCount int `json:"tick_count"`
}

// TickAggr is a dense, index-ordered series of tick buckets. It has no
// eviction policy.
type TickAggr struct {
	interval int
	step     quant.PriceStep
	buckets  []*TickBucket
}

// NewTickAggr creates an aggregator closing a bucket every interval trades.
func NewTickAggr(interval int, step quant.PriceStep) *TickAggr {
	if interval <= 0 {
		interval = 1
	}
	return &TickAggr{interval: interval, step: step}
}

func (ta *TickAggr) Interval() int         { return ta.interval }
func (ta *TickAggr) Step() quant.PriceStep { return ta.step }
func (ta *TickAggr) Len() int              { return len(ta.buckets) }

// At returns the bucket at index i, oldest first.
func (ta *TickAggr) At(i int) (*TickBucket, bool) {
	if i < 0 || i >= len(ta.buckets) {
		return nil, false
	}
	return ta.buckets[i], true
}

// Latest returns the open bucket.
func (ta *TickAggr) Latest() (*TickBucket, bool) {
	return ta.At(len(ta.buckets) - 1)
}

// InsertTrades appends trades, rolling to a new bucket whenever the current
// one reaches the tick count.
func (ta *TickAggr) InsertTrades(trades []domain.Trade) {
	if len(trades) == 0 {
		return
	}
	first := len(ta.buckets) - 1
	for _, t := range trades {
		n := len(ta.buckets)
		if n == 0 || ta.buckets[n-1].TickCount >= ta.interval {
			ta.buckets = append(ta.buckets, &TickBucket{Bucket: *openBucket(t.Time, t)})
			n++
		}
		b := ta.buckets[n-1]
		b.addTrade(t, ta.step)
		b.TickCount++
	}
	if first < 0 {
		first = 0
	}
	for _, b := range ta.buckets[first:] {
		b.refreshPOC()
	}
	ta.resolve(first)
}

func (ta *TickAggr) resolve(start int) {
	buckets := make([]*Bucket, len(ta.buckets))
	for i, b := range ta.buckets {
		buckets[i] = &b.Bucket
	}
	resolvePOCs(buckets, start)
}

// Range calls fn for buckets with from <= index <= to, ascending, until fn
// returns false.
func (ta *TickAggr) Range(from, to int, fn func(int, *TickBucket) bool) {
	from = max(from, 0)
	to = min(to, len(ta.buckets)-1)
	for i := from; i <= to; i++ {
		if !fn(i, ta.buckets[i]) {
			return
		}
	}
}

// ChangeStep switches the footprint granularity, clearing footprints.
func (ta *TickAggr) ChangeStep(step quant.PriceStep) {
	if step == ta.step {
		return
	}
	ta.step = step
	for _, b := range ta.buckets {
		b.Footprint = make(Footprint)
		b.POC = nil
	}
}

// ChangeInterval restarts aggregation at a new tick count.
func (ta *TickAggr) ChangeInterval(interval int) {
	if interval <= 0 || interval == ta.interval {
		return
	}
	ta.interval = interval
	ta.buckets = nil
}
