// Package event defines what the engine emits to consumers.
package event

import (
	"market_engine/internal/domain"
)

// Type identifies an event kind.
type Type uint8

const (
	EvDepthReceived Type = iota + 1
	EvKlineReceived
	EvConnected
	EvDisconnected
)

func (t Type) String() string {
	switch t {
	case EvDepthReceived:
		return "DEPTH_RECEIVED"
	case EvKlineReceived:
		return "KLINE_RECEIVED"
	case EvConnected:
		return "CONNECTED"
	case EvDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is anything delivered through the sequencer.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
	GetStream() domain.StreamKind
}

// BaseEvent carries the per-stream sequence number and the exchange timestamp.
// Seq starts at 1 for each connection and increases by one per delivered event.
type BaseEvent struct {
	Seq    uint64            `json:"seq"`
	Ts     int64             `json:"ts"` // unix ms
	Stream domain.StreamKind `json:"stream"`
}

func (e BaseEvent) GetSeq() uint64               { return e.Seq }
func (e BaseEvent) GetTs() int64                 { return e.Ts }
func (e BaseEvent) GetStream() domain.StreamKind { return e.Stream }

// DepthReceived is one accepted diff: the book after applying it and every
// trade buffered since the previous accepted diff.
// Depth is a private copy; Trades is pooled and released after delivery.
type DepthReceived struct {
	BaseEvent
	Depth  *domain.Depth
	Trades *TradeBatch
}

func (e *DepthReceived) GetType() Type { return EvDepthReceived }

// KlineReceived is one in-progress or closed candle.
type KlineReceived struct {
	BaseEvent
	Kline domain.Kline
}

func (e *KlineReceived) GetType() Type { return EvKlineReceived }

// Connected is emitted when a stream becomes live after being down.
type Connected struct {
	BaseEvent
	Exchange domain.Exchange
}

func (e *Connected) GetType() Type { return EvConnected }

// Disconnected is emitted when a session is lost to a network, parse or
// timeout error. Resyncs never emit it.
type Disconnected struct {
	BaseEvent
	Exchange domain.Exchange
	Reason   string
}

func (e *Disconnected) GetType() Type { return EvDisconnected }
