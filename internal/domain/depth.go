package domain

import (
	"market_engine/pkg/quant"

	"github.com/google/btree"
)

const depthDegree = 32

// Level is one price level of an order book side.
type Level struct {
	Price quant.Price `json:"price"`
	Qty   float64     `json:"qty"`
}

func levelLess(a, b Level) bool { return a.Price < b.Price }

// Depth is an order book: two price-ordered sides.
// No zero-quantity level is ever stored. Best bid/ask lookups are O(log n) and
// ranged iteration is O(log n + k).
type Depth struct {
	bids *btree.BTreeG[Level]
	asks *btree.BTreeG[Level]
}

// NewDepth returns an empty book.
func NewDepth() *Depth {
	return &Depth{
		bids: btree.NewG(depthDegree, levelLess),
		asks: btree.NewG(depthDegree, levelLess),
	}
}

// ReplaceAll discards both sides and seeds them from a snapshot.
func (d *Depth) ReplaceAll(bids, asks []Level) {
	d.bids.Clear(false)
	d.asks.Clear(false)
	d.Apply(bids, asks)
}

// Apply upserts every level, removing a level when its quantity is zero.
func (d *Depth) Apply(bids, asks []Level) {
	applySide(d.bids, bids)
	applySide(d.asks, asks)
}

func applySide(side *btree.BTreeG[Level], levels []Level) {
	for _, lvl := range levels {
		if lvl.Qty <= 0 {
			side.Delete(lvl)
			continue
		}
		side.ReplaceOrInsert(lvl)
	}
}

// BestBid returns the highest bid.
func (d *Depth) BestBid() (Level, bool) { return d.bids.Max() }

// BestAsk returns the lowest ask.
func (d *Depth) BestAsk() (Level, bool) { return d.asks.Min() }

// MidPrice returns the midpoint of best bid and best ask.
func (d *Depth) MidPrice() (quant.Price, bool) {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return quant.Price((int64(bid.Price) + int64(ask.Price)) / 2), true
}

// IsCrossed reports best bid >= best ask with both sides present.
func (d *Depth) IsCrossed() bool {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	return okBid && okAsk && bid.Price >= ask.Price
}

func (d *Depth) BidLen() int { return d.bids.Len() }
func (d *Depth) AskLen() int { return d.asks.Len() }

// IsEmpty reports whether both sides are empty.
func (d *Depth) IsEmpty() bool {
	return d.bids.Len() == 0 && d.asks.Len() == 0
}

// Bid returns the quantity resting at price p on the bid side.
func (d *Depth) Bid(p quant.Price) (float64, bool) {
	lvl, ok := d.bids.Get(Level{Price: p})
	return lvl.Qty, ok
}

// Ask returns the quantity resting at price p on the ask side.
func (d *Depth) Ask(p quant.Price) (float64, bool) {
	lvl, ok := d.asks.Get(Level{Price: p})
	return lvl.Qty, ok
}

// Bids visits bids from best (highest) to worst until fn returns false.
func (d *Depth) Bids(fn func(Level) bool) {
	d.bids.Descend(btree.ItemIteratorG[Level](fn))
}

// Asks visits asks from best (lowest) to worst until fn returns false.
func (d *Depth) Asks(fn func(Level) bool) {
	d.asks.Ascend(btree.ItemIteratorG[Level](fn))
}

// BidsInRange visits bids with lo <= price <= hi in ascending price order.
func (d *Depth) BidsInRange(lo, hi quant.Price, fn func(Level) bool) {
	d.bids.AscendRange(Level{Price: lo}, Level{Price: hi + 1}, btree.ItemIteratorG[Level](fn))
}

// AsksInRange visits asks with lo <= price <= hi in ascending price order.
func (d *Depth) AsksInRange(lo, hi quant.Price, fn func(Level) bool) {
	d.asks.AscendRange(Level{Price: lo}, Level{Price: hi + 1}, btree.ItemIteratorG[Level](fn))
}

// Levels copies both sides out, bids best-first and asks best-first.
func (d *Depth) Levels() (bids, asks []Level) {
	bids = make([]Level, 0, d.bids.Len())
	asks = make([]Level, 0, d.asks.Len())
	d.Bids(func(l Level) bool { bids = append(bids, l); return true })
	d.Asks(func(l Level) bool { asks = append(asks, l); return true })
	return bids, asks
}

// Clone returns a lazily copied book. The clone and the original may be used
// from different goroutines once Clone returns.
func (d *Depth) Clone() *Depth {
	return &Depth{bids: d.bids.Clone(), asks: d.asks.Clone()}
}

// Grouped aggregates the book onto a coarser grid: bids floor, asks ceil,
// quantities summed per bucket.
func (d *Depth) Grouped(step quant.PriceStep) *Depth {
	out := NewDepth()
	groupSide(d.bids, out.bids, step, true)
	groupSide(d.asks, out.asks, step, false)
	return out
}

func groupSide(src, dst *btree.BTreeG[Level], step quant.PriceStep, isBid bool) {
	src.Ascend(func(l Level) bool {
		p := l.Price.RoundToSide(step, isBid)
		cur, _ := dst.Get(Level{Price: p})
		dst.ReplaceOrInsert(Level{Price: p, Qty: cur.Qty + l.Qty})
		return true
	})
}

// DepthSnapshot is a bounded-depth book image tagged with the venue's update id.
type DepthSnapshot struct {
	LastUpdateID uint64
	Time         int64
	Bids         []Level
	Asks         []Level
}

// DepthDiff is one incremental book update.
// FirstID/LastID are the venue's U/u; PrevID is pu, or the id the venue
// implies must precede FirstID when it does not send pu.
type DepthDiff struct {
	FirstID uint64
	LastID  uint64
	PrevID  uint64
	Time    int64
	Bids    []Level
	Asks    []Level
}
