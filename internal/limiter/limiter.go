// Package limiter paces REST requests against per-venue rate limits.
//
// Every REST call reserves its weight before sending and records the response
// after receiving it. Violations reported by the venue escalate to a cooldown
// during which Reserve refuses all weight, so callers wait instead of retrying.
package limiter

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Limiter is the pacing contract shared by all strategies.
type Limiter interface {
	// Reserve claims weight and returns zero, or returns how long to wait
	// before asking again. Nothing is claimed when the wait is non-zero.
	Reserve(weight int) time.Duration
	// Record folds the venue's response into the local estimate.
	Record(resp Response, weight int)
	// MustAbort reports a response that forbids any further request (IP ban).
	MustAbort(resp Response) bool
}

// Response is the part of an HTTP reply a limiter inspects.
type Response struct {
	Status int
	Header http.Header
}

// FromHTTP extracts the limiter-relevant part of resp.
func FromHTTP(resp *http.Response) Response {
	if resp == nil {
		return Response{}
	}
	return Response{Status: resp.StatusCode, Header: resp.Header}
}

// Violation builds a synthetic response for venues that report limit
// violations in the body of a 200 reply.
func Violation(header http.Header) Response {
	return Response{Status: http.StatusTooManyRequests, Header: header}
}

func (r Response) isViolation() bool {
	return r.Status == http.StatusTooManyRequests
}

func (r Response) isSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// RetryAfter parses a Retry-After header given in seconds, 0 when absent.
func (r Response) RetryAfter() time.Duration {
	if r.Header == nil {
		return 0
	}
	v := r.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Wait blocks until l grants weight or ctx ends.
func Wait(ctx context.Context, l Limiter, weight int) error {
	for {
		d := l.Reserve(weight)
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

const (
	defaultCooldownBase = 5 * time.Second
	defaultCooldownMax  = 5 * time.Minute
)

// escalation tracks consecutive violations and the cooldown they imposed.
type escalation struct {
	violations int
	total      uint64
	until      time.Time
	base       time.Duration
	max        time.Duration
}

func newEscalation() escalation {
	return escalation{base: defaultCooldownBase, max: defaultCooldownMax}
}

// violate extends the cooldown. floor is the minimum suspension the venue or
// the window boundary demands; repeated violations double on top of it.
func (e *escalation) violate(now time.Time, floor time.Duration) {
	e.violations++
	e.total++
	d := floor
	if e.violations > 1 {
		backoff := e.base << (e.violations - 2)
		if backoff > e.max || backoff <= 0 {
			backoff = e.max
		}
		if backoff > d {
			d = backoff
		}
	}
	if d <= 0 {
		d = e.base
	}
	if until := now.Add(d); until.After(e.until) {
		e.until = until
	}
}

func (e *escalation) reset() {
	e.violations = 0
}

func (e *escalation) remaining(now time.Time) time.Duration {
	if now.Before(e.until) {
		return e.until.Sub(now)
	}
	return 0
}
