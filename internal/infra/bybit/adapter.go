// Package bybit implements market data access for Bybit v5 spot, linear and
// inverse markets.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/infra"
	"market_engine/internal/limiter"
)

const (
	remainingHeader = "X-Bapi-Limit-Status"
	retCodeTooMany  = 10006
)

// Adapter is the Bybit MarketAdapter. The request budget is per IP across all
// categories, so a single fixed-window limiter paces every market.
type Adapter struct {
	rest    *infra.RESTClient
	dialect *Dialect
	logger  *slog.Logger
}

var _ domain.MarketAdapter = (*Adapter)(nil)

// NewAdapter wires the limiter and REST client from cfg.
func NewAdapter(cfg infra.BybitConfig, m *infra.Metrics) *Adapter {
	l := limiter.NewFixedWindowBucket(limiter.FixedWindowConfig{
		Capacity:        cfg.RequestsPerWindow,
		Interval:        time.Duration(cfg.WindowSec) * time.Second,
		RemainingHeader: remainingHeader,
		BanStatus:       http.StatusForbidden,
	})
	return &Adapter{
		rest:    infra.NewRESTClient("bybit", cfg.RestURL, l, m),
		dialect: NewDialect(cfg),
		logger:  slog.Default().With("module", "bybit"),
	}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueBybit }

func (a *Adapter) Dialect() domain.StreamDialect { return a.dialect }

func category(m domain.MarketKind) string {
	switch m {
	case domain.MarketLinearPerps:
		return "linear"
	case domain.MarketInversePerps:
		return "inverse"
	default:
		return "spot"
	}
}

func exchangeOf(m domain.MarketKind) domain.Exchange {
	ex, _ := domain.ExchangeOf(domain.VenueBybit, m)
	return ex
}

// get performs one request and unwraps the v5 envelope into result.
func (a *Adapter) get(ctx context.Context, ex domain.Exchange, op, path string, q url.Values, result any) error {
	var env envelope
	header, err := a.rest.GetJSON(ctx, infra.Request{
		Exchange: ex,
		Op:       op,
		Path:     path,
		Query:    q,
		Weight:   1,
	}, &env)
	if err != nil {
		return err
	}

	switch {
	case env.RetCode == retCodeTooMany:
		a.rest.ReportViolation(header)
		return &domain.FetchError{Exchange: ex, Op: op, Status: http.StatusOK, Err: domain.ErrRateLimited}
	case env.RetCode != 0:
		return &domain.FetchError{Exchange: ex, Op: op, Status: http.StatusOK,
			Err: fmt.Errorf("retCode=%d: %s", env.RetCode, env.RetMsg)}
	}

	if err := json.Unmarshal(env.Result, result); err != nil {
		return &domain.FetchError{Exchange: ex, Op: op, Status: http.StatusOK,
			Err: errors.Join(domain.ErrMalformed, err)}
	}
	return nil
}
