// Package quant holds the fixed-point price type used as the exact key for
// order-book levels and footprint buckets.
package quant

import (
	"errors"
	"fmt"
	"math"

	"market_engine/pkg/safe"

	"github.com/shopspring/decimal"
)

const (
	// PriceExp is the number of fractional decimal digits carried by Price.
	PriceExp = 8
	// PriceScale is the number of atomic units in 1.0.
	PriceScale int64 = 100_000_000
)

var (
	ErrPriceRange   = errors.New("price out of range")
	ErrInvalidStep  = errors.New("price step must be positive")
	ErrInvalidPrice = errors.New("invalid price")
)

// Price is a signed fixed-point number of 10^-8 atomic units.
// It is totally ordered, hashable and compares exactly.
type Price int64

// ParsePrice parses a decimal string such as "100.004" without going through float64.
// Digits beyond the eighth fractional place are rounded half away from zero.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidPrice, s, err)
	}
	return FromDecimal(d)
}

// MustParsePrice is ParsePrice for literals. Panics on error.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromDecimal converts a decimal to Price.
func FromDecimal(d decimal.Decimal) (Price, error) {
	scaled := d.Shift(PriceExp).Round(0)
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrPriceRange, d.String())
	}
	return Price(bi.Int64()), nil
}

// FromFloat converts a float, rounding to the nearest atomic unit.
func FromFloat(f float64) Price {
	return Price(math.Round(f * float64(PriceScale)))
}

// Units returns the raw atomic unit count.
func (p Price) Units() int64 { return int64(p) }

// Float64 returns an approximate float value for display or volume math.
func (p Price) Float64() float64 {
	return float64(p) / float64(PriceScale)
}

// Decimal returns the exact decimal value.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceExp)
}

func (p Price) String() string {
	return p.Decimal().String()
}

// MarshalText encodes the price as its exact decimal string.
func (p Price) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a decimal string.
func (p *Price) UnmarshalText(b []byte) error {
	v, err := ParsePrice(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Price) Add(o Price) Price { return Price(safe.SafeAdd(int64(p), int64(o))) }
func (p Price) Sub(o Price) Price { return Price(safe.SafeSub(int64(p), int64(o))) }
func (p Price) Mul(n int64) Price { return Price(safe.SafeMul(int64(p), n)) }

// RoundMode selects how a price snaps onto a PriceStep grid.
type RoundMode uint8

const (
	// RoundNearest snaps to the closest multiple; exact ties go to the higher multiple.
	RoundNearest RoundMode = iota
	// RoundFloor snaps down. Used for bid-side and sell-side aggregation.
	RoundFloor
	// RoundCeil snaps up. Used for ask-side and buy-side aggregation.
	RoundCeil
)

func (m RoundMode) String() string {
	switch m {
	case RoundNearest:
		return "nearest"
	case RoundFloor:
		return "floor"
	case RoundCeil:
		return "ceil"
	default:
		return "unknown"
	}
}

// SideMode returns the order-book aggregation mode: bids floor, asks ceil.
func SideMode(isBid bool) RoundMode {
	if isBid {
		return RoundFloor
	}
	return RoundCeil
}

// PriceStep is a positive rounding granularity.
type PriceStep struct {
	units int64
}

// NewPriceStep builds a step from atomic units.
func NewPriceStep(units int64) (PriceStep, error) {
	if units <= 0 {
		return PriceStep{}, fmt.Errorf("%w: %d", ErrInvalidStep, units)
	}
	return PriceStep{units: units}, nil
}

// ParsePriceStep parses a decimal tick size such as "0.01".
func ParsePriceStep(s string) (PriceStep, error) {
	p, err := ParsePrice(s)
	if err != nil {
		return PriceStep{}, err
	}
	return NewPriceStep(int64(p))
}

// MustParsePriceStep is ParsePriceStep for literals. Panics on error.
func MustParsePriceStep(s string) PriceStep {
	step, err := ParsePriceStep(s)
	if err != nil {
		panic(err)
	}
	return step
}

// StepFromFloat converts a float tick size (e.g. from a venue that reports numbers).
func StepFromFloat(f float64) (PriceStep, error) {
	return NewPriceStep(int64(FromFloat(f)))
}

// Units returns the step in atomic units.
func (s PriceStep) Units() int64 { return s.units }

// IsZero reports whether the step is the unset zero value.
func (s PriceStep) IsZero() bool { return s.units == 0 }

// Price returns the step as a Price.
func (s PriceStep) Price() Price { return Price(s.units) }

// Mul returns n steps.
func (s PriceStep) Mul(n int64) PriceStep {
	return PriceStep{units: safe.SafeMul(s.units, n)}
}

// Decimals returns the fractional digits needed to print prices on this grid.
func (s PriceStep) Decimals() int {
	d := PriceExp
	u := s.units
	for d > 0 && u%10 == 0 {
		u /= 10
		d--
	}
	return d
}

func (s PriceStep) String() string {
	return Price(s.units).String()
}

// Round snaps p onto the step grid using mode. A zero step returns p unchanged.
func (p Price) Round(step PriceStep, mode RoundMode) Price {
	if step.units <= 1 {
		return p
	}
	s := step.units
	switch mode {
	case RoundFloor:
		return Price(safe.FloorDiv(int64(p), s) * s)
	case RoundCeil:
		return Price(-safe.FloorDiv(-int64(p), s) * s)
	default:
		// floor((2p + s) / 2s) * s keeps exact ties rounding up for odd and even steps.
		twice := safe.SafeAdd(safe.SafeMul(int64(p), 2), s)
		return Price(safe.FloorDiv(twice, 2*s) * s)
	}
}

// FloorToStep is Round with RoundFloor.
func (p Price) FloorToStep(step PriceStep) Price { return p.Round(step, RoundFloor) }

// CeilToStep is Round with RoundCeil.
func (p Price) CeilToStep(step PriceStep) Price { return p.Round(step, RoundCeil) }

// RoundToStep is Round with RoundNearest.
func (p Price) RoundToStep(step PriceStep) Price { return p.Round(step, RoundNearest) }

// RoundToSide applies the order-book side rule.
func (p Price) RoundToSide(step PriceStep, isBid bool) Price {
	return p.Round(step, SideMode(isBid))
}
