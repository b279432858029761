package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"market_engine/internal/domain"
	"market_engine/internal/limiter"
)

const maxErrorBody = 512

// defaultBanCooldown applies when a ban response carries no Retry-After.
const defaultBanCooldown = 2 * time.Minute

// RESTClient performs rate-limited public GET requests against one venue.
// One client exists per limiter; it is shared by every market of that limit scope.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    limiter.Limiter
	metrics    *Metrics
	venue      string
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	bannedUntil time.Time
}

// NewRESTClient creates a client for baseURL paced by l.
func NewRESTClient(venue, baseURL string, l limiter.Limiter, m *Metrics) *RESTClient {
	if m == nil {
		m = GlobalMetrics
	}
	return &RESTClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: l,
		metrics: m,
		venue:   venue,
		logger:  slog.Default().With("module", venue+"_rest"),
		now:     time.Now,
	}
}

// Request describes one GET call.
type Request struct {
	Exchange domain.Exchange
	Op       string // metric and error label
	Path     string
	Query    url.Values
	Weight   int
}

// GetJSON reserves weight, performs the request, records the response and
// decodes a 2xx body into out. Failures are returned as *domain.FetchError.
func (c *RESTClient) GetJSON(ctx context.Context, r Request, out any) (http.Header, error) {
	fail := func(status int, err error) error {
		return &domain.FetchError{Exchange: r.Exchange, Op: r.Op, Status: status, Err: err}
	}

	if c.Banned() {
		return nil, fail(0, domain.ErrBanned)
	}

	start := time.Now()
	if err := limiter.Wait(ctx, c.limiter, r.Weight); err != nil {
		return nil, fail(0, err)
	}
	c.metrics.RecordRateLimitWait(c.venue, time.Since(start))

	reqURL := c.baseURL + r.Path
	if len(r.Query) > 0 {
		reqURL += "?" + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fail(0, err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(r.Exchange.String(), r.Op, 0)
		return nil, fail(0, domain.NewNetworkError("get", err))
	}
	defer resp.Body.Close()
	c.metrics.RecordRequest(r.Exchange.String(), r.Op, resp.StatusCode)

	lr := limiter.FromHTTP(resp)
	if c.limiter.MustAbort(lr) {
		until := c.ban(lr.RetryAfter())
		c.logger.Error("Venue reported IP ban, REST suspended",
			slog.Int("status", resp.StatusCode), slog.Time("until", until))
		return resp.Header, fail(resp.StatusCode, domain.ErrBanned)
	}
	c.limiter.Record(lr, r.Weight)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, fail(resp.StatusCode, domain.NewNetworkError("read", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("Rate limit violation", slog.String("op", r.Op))
		return resp.Header, fail(resp.StatusCode, domain.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return resp.Header, fail(resp.StatusCode, errors.New(string(body)))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.Header, fail(resp.StatusCode, fmt.Errorf("%w: %v", domain.ErrMalformed, err))
		}
	}
	return resp.Header, nil
}

// ReportViolation records a limit violation the venue signalled in the body
// of a successful response.
func (c *RESTClient) ReportViolation(header http.Header) {
	c.limiter.Record(limiter.Violation(header), 0)
	c.logger.Warn("Rate limit violation reported in body")
}

// Banned reports whether a ban response suspended the client and the ban
// has not expired yet.
func (c *RESTClient) Banned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.bannedUntil)
}

func (c *RESTClient) ban(d time.Duration) time.Time {
	if d <= 0 {
		d = defaultBanCooldown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := c.now().Add(d); until.After(c.bannedUntil) {
		c.bannedUntil = until
	}
	return c.bannedUntil
}

// SetHTTPClient replaces the transport, used by tests.
func (c *RESTClient) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}
