package aggr

import (
	"testing"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

func TestTickAggr_Rolls(t *testing.T) {
	ta := NewTickAggr(2, quant.MustParsePriceStep("1"))
	ta.InsertTrades([]domain.Trade{
		buy(1, "100", 1),
		sell(2, "100", 1),
		buy(3, "101", 1),
	})
	ta.InsertTrades([]domain.Trade{
		buy(4, "102", 1),
		sell(5, "100", 1),
	})

	if ta.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ta.Len())
	}
	wantCounts := []int{2, 2, 1}
	ta.Range(0, 10, func(i int, b *TickBucket) bool {
		if b.TickCount != wantCounts[i] {
			t.Errorf("bucket %d TickCount = %d, want %d", i, b.TickCount, wantCounts[i])
		}
		return true
	})

	b0, _ := ta.At(0)
	if b0.Kline.Time != 1 || b0.Kline.Volume.Buy != 1 || b0.Kline.Volume.Sell != 1 {
		t.Errorf("bucket 0 kline = %+v", b0.Kline)
	}
	if b0.POC == nil || b0.POC.Status != PocFilled || b0.POC.FilledAt != 5 {
		t.Errorf("bucket 0 POC = %+v, want filled at 5", b0.POC)
	}

	b1, _ := ta.At(1)
	if b1.POC == nil || b1.POC.Price != px("102") || b1.POC.Status != PocNaked {
		t.Errorf("bucket 1 POC = %+v, want naked at 102", b1.POC)
	}

	latest, _ := ta.Latest()
	if latest.POC.Status != PocUndetermined {
		t.Errorf("open bucket POC = %v", latest.POC.Status)
	}
}

func TestTickAggr_RangeBounds(t *testing.T) {
	ta := NewTickAggr(1, quant.MustParsePriceStep("1"))
	ta.InsertTrades([]domain.Trade{buy(1, "1", 1), buy(2, "1", 1), buy(3, "1", 1)})

	var seen []int
	ta.Range(-5, 1, func(i int, _ *TickBucket) bool {
		seen = append(seen, i)
		return true
	})
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("seen = %v", seen)
	}
	if _, ok := ta.At(3); ok {
		t.Error("At past the end")
	}
}

func TestTickAggr_ChangeInterval(t *testing.T) {
	ta := NewTickAggr(2, quant.MustParsePriceStep("1"))
	ta.InsertTrades([]domain.Trade{buy(1, "1", 1)})

	ta.ChangeInterval(5)
	if ta.Len() != 0 || ta.Interval() != 5 {
		t.Errorf("Len=%d Interval=%d", ta.Len(), ta.Interval())
	}
}
