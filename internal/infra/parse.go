package infra

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

var errNotFinite = errors.New("not a finite number")

// ParseLevels converts venue [price, qty] string pairs into book levels.
func ParseLevels(raw [][]string) ([]domain.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: level %v", domain.ErrMalformed, pair)
		}
		price, err := quant.ParsePrice(pair[0])
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", domain.ErrMalformed, pair[0])
		}
		qty, err := parseFinite(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: qty %q", domain.ErrMalformed, pair[1])
		}
		out = append(out, domain.Level{Price: price, Qty: qty})
	}
	return out, nil
}

// ParseFloat parses a decimal string, treating "" as zero.
func ParseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := parseFinite(s)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", domain.ErrMalformed, s)
	}
	return f, nil
}

// parseFinite rejects NaN and infinities, which strconv accepts.
func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotFinite
	}
	return f, nil
}

// ParsePrice parses a price string, wrapping failures as malformed.
func ParsePrice(s string) (quant.Price, error) {
	p, err := quant.ParsePrice(s)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q", domain.ErrMalformed, s)
	}
	return p, nil
}

// ParseOHLC parses the four candle prices in order.
func ParseOHLC(o, h, l, c string) (domain.Kline, error) {
	var k domain.Kline
	var err error
	if k.Open, err = ParsePrice(o); err != nil {
		return k, err
	}
	if k.High, err = ParsePrice(h); err != nil {
		return k, err
	}
	if k.Low, err = ParsePrice(l); err != nil {
		return k, err
	}
	if k.Close, err = ParsePrice(c); err != nil {
		return k, err
	}
	return k, nil
}

// ParseMillis parses a unix-ms timestamp given as a decimal string.
func ParseMillis(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q", domain.ErrMalformed, s)
	}
	return n, nil
}
