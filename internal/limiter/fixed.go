package limiter

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// FixedWindowBucket holds a local token count refilled at a fixed cadence.
// A violation suspends the bucket until the next window at least.
type FixedWindowBucket struct {
	mu              sync.Mutex
	capacity        int
	interval        time.Duration
	remainingHeader string
	banStatus       int
	tokens          int
	windowStart     time.Time
	esc             escalation
	now             func() time.Time
}

// FixedWindowConfig configures a FixedWindowBucket.
type FixedWindowConfig struct {
	Capacity        int           // requests per window
	Interval        time.Duration // window length
	RemainingHeader string        // optional header carrying the venue's remaining count
	BanStatus       int           // status meaning the IP is banned, e.g. 403
}

// NewFixedWindowBucket creates a full bucket.
func NewFixedWindowBucket(cfg FixedWindowConfig) *FixedWindowBucket {
	if cfg.BanStatus == 0 {
		cfg.BanStatus = http.StatusForbidden
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &FixedWindowBucket{
		capacity:        cfg.Capacity,
		interval:        cfg.Interval,
		remainingHeader: cfg.RemainingHeader,
		banStatus:       cfg.BanStatus,
		tokens:          cfg.Capacity,
		esc:             newEscalation(),
		now:             time.Now,
	}
}

func (b *FixedWindowBucket) roll(now time.Time) {
	if now.Before(b.windowStart.Add(b.interval)) {
		return
	}
	b.windowStart = now.Truncate(b.interval)
	b.tokens = b.capacity
}

func (b *FixedWindowBucket) nextWindow(now time.Time) time.Duration {
	return b.windowStart.Add(b.interval).Sub(now)
}

func (b *FixedWindowBucket) Reserve(weight int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if d := b.esc.remaining(now); d > 0 {
		return d
	}
	b.roll(now)
	if weight > b.capacity {
		weight = b.capacity
	}
	if b.tokens < weight {
		return b.nextWindow(now)
	}
	b.tokens -= weight
	return 0
}

func (b *FixedWindowBucket) Record(resp Response, weight int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)
	if resp.Header != nil && b.remainingHeader != "" {
		if v := resp.Header.Get(b.remainingHeader); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < b.tokens {
				b.tokens = n
			}
		}
	}

	switch {
	case resp.isViolation():
		b.tokens = 0
		floor := resp.RetryAfter()
		if next := b.nextWindow(now); floor < next {
			floor = next
		}
		b.esc.violate(now, floor)
	case resp.isSuccess():
		b.esc.reset()
	}
}

func (b *FixedWindowBucket) MustAbort(resp Response) bool {
	return resp.Status == b.banStatus
}

// Tokens returns the tokens left in the current window.
func (b *FixedWindowBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(b.now())
	return b.tokens
}

// Violations returns the total number of violations recorded.
func (b *FixedWindowBucket) Violations() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.esc.total
}
