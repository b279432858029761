package aggr

import (
	"github.com/google/btree"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

// HeatmapPoint holds the trades of one heatmap column. Buy trades are
// grouped at the step ceiling and sell trades at the step floor.
type HeatmapPoint struct {
	Time    int64     `json:"time"`
	Trades  Footprint `json:"-"`
	BuyQty  float64   `json:"buy_qty"`
	SellQty float64   `json:"sell_qty"`
}

func heatmapLess(a, b *HeatmapPoint) bool { return a.Time < b.Time }

// HeatmapSeries is a time-bucketed trade series with a companion depth
// history. Evicting old columns prunes the history by the same cutoff.
type HeatmapSeries struct {
	interval domain.Timeframe
	step     quant.PriceStep
	max      int
	points   *btree.BTreeG[*HeatmapPoint]
	depth    *HistoricalDepth
}

// NewHeatmapSeries creates an empty heatmap. maxDatapoints <= 0 uses
// DefaultMaxDatapoints.
func NewHeatmapSeries(interval domain.Timeframe, step quant.PriceStep, maxDatapoints int) *HeatmapSeries {
	if maxDatapoints <= 0 {
		maxDatapoints = DefaultMaxDatapoints
	}
	return &HeatmapSeries{
		interval: interval,
		step:     step,
		max:      maxDatapoints,
		points:   btree.NewG(btreeDegree, heatmapLess),
		depth:    NewHistoricalDepth(),
	}
}

func (hs *HeatmapSeries) Interval() domain.Timeframe { return hs.interval }
func (hs *HeatmapSeries) Step() quant.PriceStep      { return hs.step }
func (hs *HeatmapSeries) Len() int                   { return hs.points.Len() }
func (hs *HeatmapSeries) Depth() *HistoricalDepth    { return hs.depth }

func (hs *HeatmapSeries) point(t int64) *HeatmapPoint {
	start := hs.interval.BucketStart(t)
	p, ok := hs.points.Get(&HeatmapPoint{Time: start})
	if !ok {
		p = &HeatmapPoint{Time: start, Trades: make(Footprint)}
		hs.points.ReplaceOrInsert(p)
	}
	return p
}

// Insert folds one DepthReceived into the heatmap: the trades into their
// columns and the step-grouped book into the depth history at time t.
// It returns true when an eviction pass ran.
func (hs *HeatmapSeries) Insert(t int64, book *domain.Depth, trades []domain.Trade) bool {
	for _, tr := range trades {
		p := hs.point(tr.Time)
		if tr.IsSell() {
			p.Trades.Add(tr.Price.FloorToStep(hs.step), tr)
			p.SellQty += tr.Qty
		} else {
			p.Trades.Add(tr.Price.CeilToStep(hs.step), tr)
			p.BuyQty += tr.Qty
		}
	}
	if book != nil {
		hs.point(t)
		hs.depth.Insert(hs.interval.BucketStart(t), book.Grouped(hs.step))
	}
	return hs.evict()
}

func (hs *HeatmapSeries) evict() bool {
	if evictOldest(hs.points, hs.max) == 0 {
		return false
	}
	if oldest, ok := hs.points.Min(); ok {
		hs.depth.Prune(oldest.Time)
	}
	return true
}

// Range calls fn for each column with from <= time <= to, ascending, until
// fn returns false.
func (hs *HeatmapSeries) Range(from, to int64, fn func(*HeatmapPoint) bool) {
	if to < from {
		return
	}
	hs.points.AscendRange(&HeatmapPoint{Time: from}, &HeatmapPoint{Time: to + 1}, btree.ItemIteratorG[*HeatmapPoint](fn))
}

// ChangeStep restarts the heatmap empty since trades and depth were grouped
// on insert.
func (hs *HeatmapSeries) ChangeStep(step quant.PriceStep) {
	if step == hs.step {
		return
	}
	hs.step = step
	hs.points.Clear(false)
	hs.depth = NewHistoricalDepth()
}

// OrderRun is a stretch of time a price level rested with a constant quantity.
type OrderRun struct {
	Start int64   `json:"start"`
	Until int64   `json:"until"`
	Qty   float64 `json:"qty"`
	IsBid bool    `json:"is_bid"`
}

type levelRuns struct {
	price quant.Price
	runs  []OrderRun
}

func levelRunsLess(a, b *levelRuns) bool { return a.price < b.price }

// HistoricalDepth records how each price level's resting quantity evolved.
type HistoricalDepth struct {
	levels *btree.BTreeG[*levelRuns]
	last   int64
}

// NewHistoricalDepth creates an empty history.
func NewHistoricalDepth() *HistoricalDepth {
	return &HistoricalDepth{levels: btree.NewG(btreeDegree, levelRunsLess)}
}

// Levels returns the number of price levels with at least one run.
func (hd *HistoricalDepth) Levels() int { return hd.levels.Len() }

// Insert records book at time t. A level whose side and quantity are
// unchanged since the previous insert extends its open run.
func (hd *HistoricalDepth) Insert(t int64, book *domain.Depth) {
	prev := hd.last
	add := func(isBid bool) func(domain.Level) bool {
		return func(l domain.Level) bool {
			hd.record(prev, t, l, isBid)
			return true
		}
	}
	book.Bids(add(true))
	book.Asks(add(false))
	hd.last = t
}

func (hd *HistoricalDepth) record(prev, t int64, l domain.Level, isBid bool) {
	lr, ok := hd.levels.Get(&levelRuns{price: l.Price})
	if !ok {
		lr = &levelRuns{price: l.Price}
		hd.levels.ReplaceOrInsert(lr)
	}
	if n := len(lr.runs); n > 0 {
		open := &lr.runs[n-1]
		if open.Until == prev && open.IsBid == isBid && open.Qty == l.Qty {
			open.Until = t
			return
		}
		if open.Start == t {
			open.Qty, open.IsBid = l.Qty, isBid
			return
		}
	}
	lr.runs = append(lr.runs, OrderRun{Start: t, Until: t, Qty: l.Qty, IsBid: isBid})
}

// Prune drops runs that ended before oldest and levels left without runs.
func (hd *HistoricalDepth) Prune(oldest int64) {
	var empty []*levelRuns
	hd.levels.Ascend(func(lr *levelRuns) bool {
		keep := lr.runs[:0]
		for _, r := range lr.runs {
			if r.Until >= oldest {
				keep = append(keep, r)
			}
		}
		lr.runs = keep
		if len(keep) == 0 {
			empty = append(empty, lr)
		}
		return true
	})
	for _, lr := range empty {
		hd.levels.Delete(lr)
	}
}

// Runs calls fn for each run overlapping [from, to] at prices in [lo, hi],
// ascending by price.
func (hd *HistoricalDepth) Runs(from, to int64, lo, hi quant.Price, fn func(quant.Price, OrderRun) bool) {
	hd.levels.AscendRange(&levelRuns{price: lo}, &levelRuns{price: hi + 1}, func(lr *levelRuns) bool {
		for _, r := range lr.runs {
			if r.Until < from || r.Start > to {
				continue
			}
			if !fn(lr.price, r) {
				return false
			}
		}
		return true
	})
}

// Latest returns the quantity resting at p at the last insert, if any.
func (hd *HistoricalDepth) Latest(p quant.Price) (OrderRun, bool) {
	lr, ok := hd.levels.Get(&levelRuns{price: p})
	if !ok || len(lr.runs) == 0 {
		return OrderRun{}, false
	}
	r := lr.runs[len(lr.runs)-1]
	if r.Until != hd.last {
		return OrderRun{}, false
	}
	return r, true
}
