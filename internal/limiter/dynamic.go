package limiter

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DynamicBucket tracks a server-reported used-weight counter against a
// one-minute window. The local count is an estimate between responses; the
// header value, when present, replaces it.
type DynamicBucket struct {
	mu          sync.Mutex
	limit       int
	header      string
	banStatus   int
	window      time.Duration
	used        int
	windowStart time.Time
	esc         escalation
	now         func() time.Time
}

// DynamicConfig configures a DynamicBucket.
type DynamicConfig struct {
	Limit     int    // weight per window
	Header    string // used-weight response header, e.g. X-MBX-USED-WEIGHT-1M
	BanStatus int    // status meaning the IP is banned, e.g. 418
}

// NewDynamicBucket creates a bucket with a one-minute window.
func NewDynamicBucket(cfg DynamicConfig) *DynamicBucket {
	if cfg.BanStatus == 0 {
		cfg.BanStatus = http.StatusTeapot
	}
	return &DynamicBucket{
		limit:     cfg.Limit,
		header:    cfg.Header,
		banStatus: cfg.BanStatus,
		window:    time.Minute,
		esc:       newEscalation(),
		now:       time.Now,
	}
}

func (b *DynamicBucket) roll(now time.Time) {
	start := now.Truncate(b.window)
	if start.After(b.windowStart) {
		b.windowStart = start
		b.used = 0
	}
}

func (b *DynamicBucket) Reserve(weight int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if d := b.esc.remaining(now); d > 0 {
		return d
	}
	b.roll(now)
	if weight > b.limit {
		weight = b.limit
	}
	if b.used+weight > b.limit {
		return b.windowStart.Add(b.window).Sub(now)
	}
	b.used += weight
	return 0
}

func (b *DynamicBucket) Record(resp Response, weight int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)
	if resp.Header != nil && b.header != "" {
		if v := resp.Header.Get(b.header); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				b.used = n
			}
		}
	}

	switch {
	case resp.isViolation():
		b.used = b.limit
		floor := resp.RetryAfter()
		if next := b.windowStart.Add(b.window).Sub(now); floor < next {
			floor = next
		}
		b.esc.violate(now, floor)
	case resp.isSuccess():
		b.esc.reset()
	}
}

func (b *DynamicBucket) MustAbort(resp Response) bool {
	return resp.Status == b.banStatus
}

// Used returns the current estimate of consumed weight.
func (b *DynamicBucket) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(b.now())
	return b.used
}

// Violations returns the total number of violations recorded.
func (b *DynamicBucket) Violations() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.esc.total
}
