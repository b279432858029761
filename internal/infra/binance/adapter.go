// Package binance implements market data access for Binance spot, USDⓈ-M and
// COIN-M perpetual markets.
package binance

import (
	"log/slog"
	"net/http"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/internal/limiter"
)

const usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// Adapter is the Binance MarketAdapter. Each market has its own weight budget,
// so each gets its own limiter and REST client.
type Adapter struct {
	rest    map[domain.MarketKind]*infra.RESTClient
	dialect *Dialect
	logger  *slog.Logger
}

var _ domain.MarketAdapter = (*Adapter)(nil)

// NewAdapter wires limiters and REST clients from cfg.
func NewAdapter(cfg infra.BinanceConfig, m *infra.Metrics) *Adapter {
	bucket := func(limit int) limiter.Limiter {
		return limiter.NewDynamicBucket(limiter.DynamicConfig{
			Limit:     limit,
			Header:    usedWeightHeader,
			BanStatus: http.StatusTeapot,
		})
	}
	return &Adapter{
		rest: map[domain.MarketKind]*infra.RESTClient{
			domain.MarketSpot:         infra.NewRESTClient("binance", cfg.SpotRestURL, bucket(cfg.SpotWeightLimit), m),
			domain.MarketLinearPerps:  infra.NewRESTClient("binance", cfg.LinearRestURL, bucket(cfg.FuturesWeightLimit), m),
			domain.MarketInversePerps: infra.NewRESTClient("binance", cfg.InverseRestURL, bucket(cfg.FuturesWeightLimit), m),
		},
		dialect: NewDialect(cfg),
		logger:  slog.Default().With("module", "binance"),
	}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueBinance }

func (a *Adapter) Dialect() domain.StreamDialect { return a.dialect }

// REST path prefixes per market.
func apiPrefix(m domain.MarketKind) string {
	switch m {
	case domain.MarketLinearPerps:
		return "/fapi/v1"
	case domain.MarketInversePerps:
		return "/dapi/v1"
	default:
		return "/api/v3"
	}
}

func exchangeOf(m domain.MarketKind) domain.Exchange {
	ex, _ := domain.ExchangeOf(domain.VenueBinance, m)
	return ex
}
