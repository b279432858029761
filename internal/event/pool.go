package event

import (
	"sync"

	"market_engine/internal/domain"
)

const tradeBatchCap = 256

// TradeBatch is a pooled slice of trades buffered between two accepted diffs.
type TradeBatch struct {
	Trades []domain.Trade
}

// Len returns the number of buffered trades.
func (b *TradeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Trades)
}

// tradeBatchPool provides sync.Pool for trade buffers on the hotpath.
//
// Usage:
//
//	batch := AcquireTradeBatch()
//	batch.Trades = append(batch.Trades, t)
//	// ... hand over in a DepthReceived ...
//	ReleaseTradeBatch(batch) // after the consumer is done with it
var tradeBatchPool = sync.Pool{
	New: func() interface{} {
		return &TradeBatch{Trades: make([]domain.Trade, 0, tradeBatchCap)}
	},
}

// AcquireTradeBatch gets an empty TradeBatch from the pool.
func AcquireTradeBatch() *TradeBatch {
	return tradeBatchPool.Get().(*TradeBatch)
}

// ReleaseTradeBatch returns a TradeBatch to the pool.
// Oversized buffers are dropped so one burst does not pin memory.
func ReleaseTradeBatch(b *TradeBatch) {
	if b == nil {
		return
	}
	if cap(b.Trades) > 16*tradeBatchCap {
		return
	}
	b.Trades = b.Trades[:0]
	tradeBatchPool.Put(b)
}

// Warmup pre-allocates trade batches to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 64

	batches := make([]*TradeBatch, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		batches = append(batches, AcquireTradeBatch())
	}
	for _, b := range batches {
		ReleaseTradeBatch(b)
	}
}
