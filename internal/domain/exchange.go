package domain

import (
	"fmt"
	"strings"
)

// Venue is the operator of one or more markets. Rate limits and wire dialects are per venue.
type Venue uint8

const (
	VenueBinance Venue = iota + 1
	VenueBybit
)

func (v Venue) String() string {
	switch v {
	case VenueBinance:
		return "binance"
	case VenueBybit:
		return "bybit"
	default:
		return "unknown"
	}
}

// MarketKind distinguishes spot books from perpetual contracts.
type MarketKind uint8

const (
	MarketSpot MarketKind = iota + 1
	MarketLinearPerps
	MarketInversePerps
)

func (m MarketKind) String() string {
	switch m {
	case MarketSpot:
		return "spot"
	case MarketLinearPerps:
		return "linear"
	case MarketInversePerps:
		return "inverse"
	default:
		return "unknown"
	}
}

// IsPerps reports whether the market trades perpetual contracts.
func (m MarketKind) IsPerps() bool {
	return m == MarketLinearPerps || m == MarketInversePerps
}

// Exchange is the (venue, market) tag every ticker and stream is keyed by.
type Exchange uint8

const (
	BinanceSpot Exchange = iota + 1
	BinanceLinear
	BinanceInverse
	BybitSpot
	BybitLinear
	BybitInverse
)

// AllExchanges lists every supported exchange in a stable order.
var AllExchanges = []Exchange{
	BinanceSpot, BinanceLinear, BinanceInverse,
	BybitSpot, BybitLinear, BybitInverse,
}

// Venue returns the operator of this exchange.
func (e Exchange) Venue() Venue {
	switch e {
	case BinanceSpot, BinanceLinear, BinanceInverse:
		return VenueBinance
	case BybitSpot, BybitLinear, BybitInverse:
		return VenueBybit
	default:
		return 0
	}
}

// MarketKind returns the market this exchange tag refers to.
func (e Exchange) MarketKind() MarketKind {
	switch e {
	case BinanceSpot, BybitSpot:
		return MarketSpot
	case BinanceLinear, BybitLinear:
		return MarketLinearPerps
	case BinanceInverse, BybitInverse:
		return MarketInversePerps
	default:
		return 0
	}
}

func (e Exchange) String() string {
	if e.Venue() == 0 {
		return "unknown"
	}
	return e.Venue().String() + "_" + e.MarketKind().String()
}

// ExchangeOf builds the tag from its parts.
func ExchangeOf(v Venue, m MarketKind) (Exchange, error) {
	for _, e := range AllExchanges {
		if e.Venue() == v && e.MarketKind() == m {
			return e, nil
		}
	}
	return 0, fmt.Errorf("no exchange for %s/%s", v, m)
}

// ParseExchange parses names such as "binance_linear".
func ParseExchange(s string) (Exchange, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range AllExchanges {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown exchange %q", ErrInvalidSymbol, s)
}
