package domain

import (
	"strings"

	"market_engine/pkg/quant"
)

// Ticker identifies one instrument on one exchange. It is a comparable value
// and is used directly as a map key.
type Ticker struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"`            // venue symbol, e.g. "BTCUSDT"
	Display  string   `json:"display,omitempty"` // optional display symbol
}

// NewTicker normalizes the symbol to upper case.
func NewTicker(ex Exchange, symbol string) Ticker {
	return Ticker{Exchange: ex, Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// WithDisplay returns a copy carrying a display symbol.
func (t Ticker) WithDisplay(display string) Ticker {
	t.Display = display
	return t
}

// DisplaySymbol prefers the display symbol when one was set.
func (t Ticker) DisplaySymbol() string {
	if t.Display != "" {
		return t.Display
	}
	return t.Symbol
}

// Key drops the display symbol so two tickers naming the same instrument compare equal.
func (t Ticker) Key() Ticker {
	t.Display = ""
	return t
}

func (t Ticker) String() string {
	return t.Exchange.String() + ":" + t.Symbol
}

// TickerInfo is immutable per-instrument metadata fetched once per exchange.
type TickerInfo struct {
	Ticker       Ticker
	TickSize     quant.PriceStep
	MinQty       float64
	ContractSize float64 // zero when the venue has no contract multiplier
	QuoteAsset   string
	ContractType string
	Status       string
}

// HasContractSize reports whether quantities are in contracts.
func (i TickerInfo) HasContractSize() bool {
	return i.ContractSize > 0
}

// TickerStats is the 24h rolling summary for one instrument.
type TickerStats struct {
	LastPrice quant.Price
	ChangePct float64
	Volume    float64 // quote-denominated 24h volume
}

// OpenInterest is one point of the open-interest series.
type OpenInterest struct {
	Time  int64   `json:"time"` // bucket start, unix ms
	Value float64 `json:"value"`
}

// MajorQuoteAssets are the quote currencies kept when filtering instrument metadata.
var MajorQuoteAssets = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"USD":   true,
	"FDUSD": true,
}
