package domain

import (
	"testing"

	"market_engine/pkg/quant"
)

func px(s string) quant.Price { return quant.MustParsePrice(s) }

func lv(price string, qty float64) Level { return Level{Price: px(price), Qty: qty} }

func TestDepth_ApplyAndBest(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll(
		[]Level{lv("99.5", 1), lv("100", 2), lv("99", 3)},
		[]Level{lv("101", 1), lv("100.5", 4)},
	)

	bid, ok := d.BestBid()
	if !ok || bid.Price != px("100") || bid.Qty != 2 {
		t.Fatalf("BestBid = %+v, %v", bid, ok)
	}
	ask, ok := d.BestAsk()
	if !ok || ask.Price != px("100.5") {
		t.Fatalf("BestAsk = %+v, %v", ask, ok)
	}

	t.Run("zero quantity removes level", func(t *testing.T) {
		d.Apply([]Level{lv("100", 0)}, nil)
		if _, ok := d.Bid(px("100")); ok {
			t.Error("level 100 should be removed")
		}
		bid, _ := d.BestBid()
		if bid.Price != px("99.5") {
			t.Errorf("BestBid = %v, want 99.5", bid.Price)
		}
	})

	t.Run("removing absent level is a no-op", func(t *testing.T) {
		before := d.BidLen()
		d.Apply([]Level{lv("50", 0)}, nil)
		if d.BidLen() != before {
			t.Errorf("BidLen = %d, want %d", d.BidLen(), before)
		}
	})

	t.Run("upsert replaces quantity", func(t *testing.T) {
		d.Apply(nil, []Level{lv("101", 7)})
		q, ok := d.Ask(px("101"))
		if !ok || q != 7 {
			t.Errorf("Ask(101) = %v, %v; want 7", q, ok)
		}
	})
}

func TestDepth_OrderedIteration(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll(
		[]Level{lv("1", 1), lv("3", 1), lv("2", 1)},
		[]Level{lv("6", 1), lv("4", 1), lv("5", 1)},
	)
	bids, asks := d.Levels()

	for i := 1; i < len(bids); i++ {
		if bids[i-1].Price <= bids[i].Price {
			t.Fatalf("bids not descending: %v", bids)
		}
	}
	for i := 1; i < len(asks); i++ {
		if asks[i-1].Price >= asks[i].Price {
			t.Fatalf("asks not ascending: %v", asks)
		}
	}
	if d.IsCrossed() {
		t.Error("book should not be crossed")
	}
	mid, ok := d.MidPrice()
	if !ok || mid != px("3.5") {
		t.Errorf("MidPrice = %v, want 3.5", mid)
	}
}

func TestDepth_RangeIteration(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll(nil, []Level{lv("10", 1), lv("11", 1), lv("12", 1), lv("13", 1)})

	var got []quant.Price
	d.AsksInRange(px("11"), px("12"), func(l Level) bool {
		got = append(got, l.Price)
		return true
	})
	if len(got) != 2 || got[0] != px("11") || got[1] != px("12") {
		t.Errorf("AsksInRange = %v, want [11 12]", got)
	}

	var first []quant.Price
	d.Asks(func(l Level) bool {
		first = append(first, l.Price)
		return len(first) < 2
	})
	if len(first) != 2 {
		t.Errorf("early stop visited %d levels, want 2", len(first))
	}
}

func TestDepth_Crossed(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll([]Level{lv("100", 1)}, []Level{lv("101", 1)})
	d.Apply([]Level{lv("101", 1)}, nil)
	if !d.IsCrossed() {
		t.Error("bid at best ask should be crossed")
	}
}

func TestDepth_CloneIsIndependent(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll([]Level{lv("100", 1)}, []Level{lv("101", 1)})
	c := d.Clone()
	d.Apply([]Level{lv("100", 0)}, nil)

	if _, ok := c.Bid(px("100")); !ok {
		t.Error("clone should keep the removed level")
	}
	if d.BidLen() != 0 {
		t.Errorf("original BidLen = %d, want 0", d.BidLen())
	}
}

func TestDepth_Grouped(t *testing.T) {
	d := NewDepth()
	d.ReplaceAll(
		[]Level{lv("100.04", 1), lv("100.01", 2), lv("99.99", 4)},
		[]Level{lv("100.06", 1), lv("100.09", 3)},
	)
	g := d.Grouped(quant.MustParsePriceStep("0.1"))

	if q, _ := g.Bid(px("100")); q != 3 {
		t.Errorf("grouped bid 100 = %v, want 3", q)
	}
	if q, _ := g.Bid(px("99.9")); q != 4 {
		t.Errorf("grouped bid 99.9 = %v, want 4", q)
	}
	if q, _ := g.Ask(px("100.1")); q != 4 {
		t.Errorf("grouped ask 100.1 = %v, want 4", q)
	}
}
