package domain

import (
	"errors"
	"testing"
)

func TestExchange_RoundTrip(t *testing.T) {
	for _, ex := range AllExchanges {
		t.Run(ex.String(), func(t *testing.T) {
			got, err := ParseExchange(ex.String())
			if err != nil || got != ex {
				t.Fatalf("ParseExchange(%q) = %v, %v", ex.String(), got, err)
			}
			back, err := ExchangeOf(ex.Venue(), ex.MarketKind())
			if err != nil || back != ex {
				t.Errorf("ExchangeOf = %v, %v", back, err)
			}
		})
	}
}

func TestParseExchange_Unknown(t *testing.T) {
	_, err := ParseExchange("kraken_spot")
	if !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("err = %v, want ErrInvalidSymbol", err)
	}
}

func TestMarketKind_IsPerps(t *testing.T) {
	tests := []struct {
		ex   Exchange
		want bool
	}{
		{BinanceSpot, false},
		{BinanceLinear, true},
		{BybitInverse, true},
		{BybitSpot, false},
	}
	for _, tt := range tests {
		if got := tt.ex.MarketKind().IsPerps(); got != tt.want {
			t.Errorf("%v.IsPerps() = %v, want %v", tt.ex, got, tt.want)
		}
	}
}

func TestTicker_Key(t *testing.T) {
	a := NewTicker(BinanceSpot, " btcusdt ")
	b := a.WithDisplay("BTC/USDT")
	if a.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", a.Symbol)
	}
	if a == b {
		t.Error("display symbol should distinguish raw values")
	}
	if a.Key() != b.Key() {
		t.Error("Key should ignore display symbol")
	}
	if b.DisplaySymbol() != "BTC/USDT" || a.DisplaySymbol() != "BTCUSDT" {
		t.Error("DisplaySymbol fallback broken")
	}
}

func TestTimeframe(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		str  string
		t    int64
		want int64
	}{
		{MS100, "100ms", 1234, 1200},
		{MS1000, "1s", 1999, 1000},
		{M1, "1m", 61_500, 60_000},
		{H4, "4h", 4*3_600_000 + 1, 4 * 3_600_000},
		{D1, "1d", 0, 0},
		{M1, "1m", -1, -60_000},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if tt.tf.String() != tt.str {
				t.Errorf("String = %q, want %q", tt.tf.String(), tt.str)
			}
			parsed, err := ParseTimeframe(tt.str)
			if err != nil || parsed != tt.tf {
				t.Errorf("ParseTimeframe(%q) = %v, %v", tt.str, parsed, err)
			}
			if got := tt.tf.BucketStart(tt.t); got != tt.want {
				t.Errorf("BucketStart(%d) = %d, want %d", tt.t, got, tt.want)
			}
		})
	}
}
