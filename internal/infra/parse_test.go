package infra

import (
	"errors"
	"testing"

	"market_engine/internal/domain"
	"market_engine/pkg/quant"
)

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][]string{{"100.5", "2"}, {"99.25", "0"}})
	if err != nil {
		t.Fatalf("ParseLevels: %v", err)
	}
	if len(levels) != 2 || levels[0].Price != quant.MustParsePrice("100.5") || levels[1].Qty != 0 {
		t.Errorf("levels = %+v", levels)
	}

	for _, bad := range [][][]string{{{"1"}}, {{"x", "1"}}, {{"1", "y"}}, {{"1", "NaN"}}, {{"1", "+Inf"}}} {
		if _, err := ParseLevels(bad); !errors.Is(err, domain.ErrMalformed) {
			t.Errorf("ParseLevels(%v) err = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestParseOHLC(t *testing.T) {
	k, err := ParseOHLC("1", "3", "0.5", "2")
	if err != nil {
		t.Fatalf("ParseOHLC: %v", err)
	}
	if k.High != quant.MustParsePrice("3") || k.Low != quant.MustParsePrice("0.5") {
		t.Errorf("kline = %+v", k)
	}
	if _, err := ParseOHLC("1", "nan?", "0", "0"); err == nil {
		t.Error("expected error for bad high")
	}
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"", 0, false},
		{"1.25", 1.25, false},
		{"abc", 0, true},
		{"NaN", 0, true},
		{"Inf", 0, true},
		{"-infinity", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFloat(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrMalformed) {
					t.Errorf("err = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseFloat(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
		})
	}
}
