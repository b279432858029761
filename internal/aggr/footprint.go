// Package aggr folds trades and candles into the series consumers render:
// time-bucketed and tick-bucketed klines with footprints, and heatmaps.
package aggr

import (
	"sort"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

// GroupedTrades accumulates trades at one price level.
type GroupedTrades struct {
	BuyQty    float64 `json:"buy_qty"`
	SellQty   float64 `json:"sell_qty"`
	BuyCount  int     `json:"buy_count"`
	SellCount int     `json:"sell_count"`
	FirstTime int64   `json:"first_time"`
	LastTime  int64   `json:"last_time"`
}

// Add folds t into the level.
func (g *GroupedTrades) Add(t domain.Trade) {
	if g.BuyCount+g.SellCount == 0 || t.Time < g.FirstTime {
		g.FirstTime = t.Time
	}
	if t.Time > g.LastTime {
		g.LastTime = t.Time
	}
	if t.IsSell() {
		g.SellQty += t.Qty
		g.SellCount++
	} else {
		g.BuyQty += t.Qty
		g.BuyCount++
	}
}

// Total is buy plus sell quantity.
func (g GroupedTrades) Total() float64 { return g.BuyQty + g.SellQty }

// Delta is buy minus sell quantity.
func (g GroupedTrades) Delta() float64 { return g.BuyQty - g.SellQty }

// PriceLevel pairs a price with its accumulated trades.
type PriceLevel struct {
	Price  quant.Price   `json:"price"`
	Trades GroupedTrades `json:"trades"`
}

// Footprint is a candle's traded volume broken down by price level.
type Footprint map[quant.Price]*GroupedTrades

// Add accumulates t at price p, which the caller has already rounded.
func (f Footprint) Add(p quant.Price, t domain.Trade) {
	g, ok := f[p]
	if !ok {
		g = &GroupedTrades{}
		f[p] = g
	}
	g.Add(t)
}

// AddRounded accumulates t at its price rounded to the nearest step, ties up.
func (f Footprint) AddRounded(t domain.Trade, step quant.PriceStep) {
	f.Add(t.Price.RoundToStep(step), t)
}

// Levels returns the footprint sorted by descending price.
func (f Footprint) Levels() []PriceLevel {
	out := make([]PriceLevel, 0, len(f))
	for p, g := range f {
		out = append(out, PriceLevel{Price: p, Trades: *g})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// MaxVolume returns the price with the largest combined volume. Ties go to
// the higher price so the result does not depend on map order.
func (f Footprint) MaxVolume() (quant.Price, float64, bool) {
	var (
		best  quant.Price
		bestV float64
		found bool
	)
	for p, g := range f {
		v := g.Total()
		if !found || v > bestV || (v == bestV && p > best) {
			best, bestV, found = p, v, true
		}
	}
	return best, bestV, found
}

// PocStatus tracks whether a point of control was revisited.
type PocStatus uint8

const (
	PocUndetermined PocStatus = iota
	PocNaked
	PocFilled
)

func (s PocStatus) String() string {
	switch s {
	case PocNaked:
		return "naked"
	case PocFilled:
		return "filled"
	default:
		return "undetermined"
	}
}

// PointOfControl is the highest-volume price of a closed bucket.
type PointOfControl struct {
	Price    quant.Price `json:"price"`
	Volume   float64     `json:"volume"`
	Status   PocStatus   `json:"status"`
	FilledAt int64       `json:"filled_at,omitempty"` // open time of the first covering bucket
}

// Bucket is one aggregation unit: a candle, its footprint and its PoC.
type Bucket struct {
	Kline     domain.Kline    `json:"kline"`
	Footprint Footprint       `json:"-"`
	POC       *PointOfControl `json:"poc,omitempty"`
}

func newBucket(k domain.Kline) *Bucket {
	return &Bucket{Kline: k, Footprint: make(Footprint)}
}

// openBucket starts a candle at the first trade.
func openBucket(start int64, t domain.Trade) *Bucket {
	return newBucket(domain.Kline{Time: start, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price})
}

// addTrade updates the candle and footprint with t.
func (b *Bucket) addTrade(t domain.Trade, step quant.PriceStep) {
	k := &b.Kline
	if t.Price > k.High {
		k.High = t.Price
	}
	if t.Price < k.Low || k.Low == 0 {
		k.Low = t.Price
	}
	if k.Open == 0 {
		k.Open = t.Price
	}
	k.Close = t.Price
	if t.IsSell() {
		k.Volume.Sell += t.Qty
	} else {
		k.Volume.Buy += t.Qty
	}
	k.Volume.Total += t.Qty
	b.Footprint.AddRounded(t, step)
}

// refreshPOC recomputes the PoC price from the footprint. The status is left
// for resolvePOCs.
func (b *Bucket) refreshPOC() {
	p, v, ok := b.Footprint.MaxVolume()
	if !ok {
		b.POC = nil
		return
	}
	if b.POC == nil {
		b.POC = &PointOfControl{}
	}
	b.POC.Price, b.POC.Volume = p, v
}

// Clone copies the bucket, footprint included.
func (b *Bucket) Clone() Bucket {
	out := Bucket{Kline: b.Kline, Footprint: make(Footprint, len(b.Footprint))}
	for p, g := range b.Footprint {
		cp := *g
		out.Footprint[p] = &cp
	}
	if b.POC != nil {
		poc := *b.POC
		out.POC = &poc
	}
	return out
}

// resolvePOCs sets naked/filled status on buckets (ascending by time). Only
// buckets from index start on changed since the last pass, and their ranges
// only grew, so earlier PoCs need to look no further back than start.
func resolvePOCs(buckets []*Bucket, start int) {
	last := len(buckets) - 1
	if last < 0 {
		return
	}
	start = min(max(start, 0), last)
	for i, b := range buckets {
		poc := b.POC
		if poc == nil {
			continue
		}
		if i == last {
			poc.Status, poc.FilledAt = PocUndetermined, 0
			continue
		}
		from := i + 1
		if i < start {
			from = start
			if poc.Status == PocFilled {
				// Only a changed bucket opening before the current fill can move it.
				for _, later := range buckets[from:] {
					if later.Kline.Time >= poc.FilledAt {
						break
					}
					if later.Kline.Covers(poc.Price) {
						poc.FilledAt = later.Kline.Time
						break
					}
				}
				continue
			}
		}
		poc.Status, poc.FilledAt = PocNaked, 0
		for _, later := range buckets[from:] {
			if later.Kline.Covers(poc.Price) {
				poc.Status, poc.FilledAt = PocFilled, later.Kline.Time
				break
			}
		}
	}
}
