package bybit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/pkg/quant"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := infra.DefaultConfig().Exchanges.Bybit
	cfg.RestURL = srv.URL
	return NewAdapter(cfg, infra.NewMetrics())
}

func ok(result string) string {
	return `{"retCode":0,"retMsg":"OK","result":` + result + `,"time":1}`
}

func TestFetchTickerInfo_Paged(t *testing.T) {
	pages := 0
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		if r.URL.Query().Get("category") != "linear" {
			t.Errorf("category = %q", r.URL.Query().Get("category"))
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(ok(`{"category":"linear","nextPageCursor":"p2","list":[
				{"symbol":"BTCUSDT","status":"Trading","contractType":"LinearPerpetual","quoteCoin":"USDT",
				 "priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"minOrderQty":"0.001"}}]}`)))
		default:
			w.Write([]byte(ok(`{"category":"linear","nextPageCursor":"","list":[
				{"symbol":"BTC-27JUN25","status":"Trading","contractType":"LinearFutures","quoteCoin":"USDC",
				 "priceFilter":{"tickSize":"0.5"},"lotSizeFilter":{"minOrderQty":"0.001"}},
				{"symbol":"ETHUSDT","status":"Trading","contractType":"LinearPerpetual","quoteCoin":"USDT",
				 "priceFilter":{"tickSize":"0.01"},"lotSizeFilter":{"minOrderQty":"0.01"}}]}`)))
		}
	})

	infos, err := a.FetchTickerInfo(context.Background(), domain.MarketLinearPerps)
	if err != nil {
		t.Fatalf("FetchTickerInfo: %v", err)
	}
	if pages != 2 {
		t.Errorf("fetched %d pages, want 2", pages)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d instruments, want 2", len(infos))
	}
	eth := infos[domain.NewTicker(domain.BybitLinear, "ETHUSDT")]
	if eth.TickSize != quant.MustParsePriceStep("0.01") || eth.MinQty != 0.01 {
		t.Errorf("eth = %+v", eth)
	}
}

func TestFetchKlines_Ascending(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "5" {
			t.Errorf("interval = %q", r.URL.Query().Get("interval"))
		}
		w.Write([]byte(ok(`{"list":[
			["600000","2","3","1","2.5","4","10"],
			["300000","1","2","0.5","2","3","6"]]}`)))
	})

	klines, err := a.FetchKlines(context.Background(), domain.NewTicker(domain.BybitSpot, "BTCUSDT"), domain.M5, nil)
	if err != nil {
		t.Fatalf("FetchKlines: %v", err)
	}
	if len(klines) != 2 || klines[0].Time != 300000 || klines[1].Time != 600000 {
		t.Fatalf("klines not ascending: %+v", klines)
	}
	if klines[0].Volume != domain.TotalVolume(3) {
		t.Errorf("volume = %+v", klines[0].Volume)
	}
}

func TestFetchOpenInterest(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ok(`{"list":[{"openInterest":"20","timestamp":"600000"},{"openInterest":"10","timestamp":"300000"}]}`)))
	})

	oi, err := a.FetchOpenInterest(context.Background(), domain.NewTicker(domain.BybitInverse, "BTCUSD"), domain.M5, nil)
	if err != nil {
		t.Fatalf("FetchOpenInterest: %v", err)
	}
	if len(oi) != 2 || oi[0].Value != 10 || oi[1].Time != 600000 {
		t.Errorf("oi = %+v", oi)
	}

	_, err = a.FetchOpenInterest(context.Background(), domain.NewTicker(domain.BybitSpot, "BTCUSDT"), domain.M5, nil)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("spot err = %v, want ErrUnsupported", err)
	}
}

func TestFetch_RetCodes(t *testing.T) {
	t.Run("rate limit violation", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{},"time":1}`))
		})
		_, err := a.FetchTickerStats(context.Background(), domain.MarketSpot)
		if !errors.Is(err, domain.ErrRateLimited) {
			t.Errorf("err = %v, want ErrRateLimited", err)
		}
	})

	t.Run("business error", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{},"time":1}`))
		})
		_, err := a.FetchTickerStats(context.Background(), domain.MarketSpot)
		var fe *domain.FetchError
		if !errors.As(err, &fe) || fe.Op != "ticker_stats" {
			t.Errorf("err = %v, want FetchError", err)
		}
	})

	t.Run("ip ban", func(t *testing.T) {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, err := a.FetchTickerStats(context.Background(), domain.MarketSpot)
		if !errors.Is(err, domain.ErrBanned) {
			t.Errorf("err = %v, want ErrBanned", err)
		}
	})
}

func TestFetchTickerStats(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ok(`{"list":[{"symbol":"BTCUSDT","lastPrice":"50000.5","price24hPcnt":"0.5","turnover24h":"1000000"}]}`)))
	})
	stats, err := a.FetchTickerStats(context.Background(), domain.MarketLinearPerps)
	if err != nil {
		t.Fatalf("FetchTickerStats: %v", err)
	}
	s := stats[domain.NewTicker(domain.BybitLinear, "BTCUSDT")]
	if s.LastPrice != quant.MustParsePrice("50000.5") || s.ChangePct != 50 || s.Volume != 1e6 {
		t.Errorf("stats = %+v", s)
	}
}
