package domain

import "market_engine/pkg/quant"

// Side is the aggressor side of a trade.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Trade is an executed trade as reported by the exchange.
type Trade struct {
	Time  int64       `json:"time"` // unix ms
	Price quant.Price `json:"price"`
	Qty   float64     `json:"qty"`
	Side  Side        `json:"side"`
}

// IsSell reports whether the aggressor was a seller.
func (t Trade) IsSell() bool {
	return t.Side == SideSell
}
