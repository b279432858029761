package event

import (
	"testing"

	"market_engine/internal/domain"
)

func TestTradeBatchPool(t *testing.T) {
	b := AcquireTradeBatch()
	if b.Len() != 0 {
		t.Fatalf("fresh batch Len = %d", b.Len())
	}
	b.Trades = append(b.Trades, domain.Trade{Time: 1, Qty: 2, Side: domain.SideBuy})
	ReleaseTradeBatch(b)

	again := AcquireTradeBatch()
	if again.Len() != 0 {
		t.Errorf("pooled batch not reset, Len = %d", again.Len())
	}
	ReleaseTradeBatch(nil)

	var nilBatch *TradeBatch
	if nilBatch.Len() != 0 {
		t.Error("nil batch Len should be 0")
	}
}

func TestEventTypes(t *testing.T) {
	stream := domain.DepthStream(domain.NewTicker(domain.BinanceSpot, "BTCUSDT"))
	evs := []struct {
		ev   Event
		want Type
	}{
		{&DepthReceived{BaseEvent: BaseEvent{Seq: 1, Stream: stream}}, EvDepthReceived},
		{&KlineReceived{BaseEvent: BaseEvent{Seq: 2, Stream: stream}}, EvKlineReceived},
		{&Connected{BaseEvent: BaseEvent{Seq: 3, Stream: stream}}, EvConnected},
		{&Disconnected{BaseEvent: BaseEvent{Seq: 4, Stream: stream}, Reason: "eof"}, EvDisconnected},
	}
	for i, tt := range evs {
		if tt.ev.GetType() != tt.want {
			t.Errorf("GetType = %v, want %v", tt.ev.GetType(), tt.want)
		}
		if tt.ev.GetSeq() != uint64(i+1) || tt.ev.GetStream() != stream {
			t.Errorf("base fields not promoted for %v", tt.want)
		}
	}
}
