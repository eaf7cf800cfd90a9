// Package throttle gates outbound requests behind a token bucket and
// a server-signaled cooldown.
//
// Two states: normal issuance, where tokens refill at a steady rate up
// to a burst cap, and cooling, where nothing is issued until the
// cooldown deadline passes. A 429 or 503 moves the throttler into
// cooling; overlapping signals extend the deadline to the furthest one
// rather than restarting it.
package throttle

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	// Rate is the steady issuance rate in tokens per second.
	Rate float64
	// Capacity is the burst size of the bucket.
	Capacity float64
	// JitterFraction is the mean random delay added after a token is
	// issued, as a fraction of the nominal inter-request interval
	// (1/Rate). The delay is drawn uniformly from
	// [0, 2*JitterFraction/Rate), since a negative delay cannot be
	// applied. Zero disables jitter.
	JitterFraction float64
	// DefaultCooldown applies when a backpressure response carries no
	// usable Retry-After header.
	DefaultCooldown time.Duration
}

func (o *Options) fillDefaults() {
	if o.Rate <= 0 {
		// ~1 request per 1.5s, matching the polite default the forum
		// tolerates well
		o.Rate = 0.67
	}
	if o.Capacity <= 0 {
		o.Capacity = 8
	}
	if o.JitterFraction < 0 {
		o.JitterFraction = 0
	}
	if o.DefaultCooldown <= 0 {
		o.DefaultCooldown = 2 * time.Second
	}
}

// Snapshot is a copy of the throttler's telemetry counters.
type Snapshot struct {
	Successes int64
	Throttled int64
	Cooldowns int64
	TotalWait time.Duration
}

// Throttler is shared by every worker in a scrape run; a single
// instance enforces the site-wide request budget.
type Throttler struct {
	mu           sync.Mutex
	opts         Options
	tokens       float64
	last         time.Time
	coolingUntil time.Time

	// swapped out in tests
	now func() time.Time

	successes atomic.Int64
	throttled atomic.Int64
	cooldowns atomic.Int64
	waitNanos atomic.Int64
}

func New(opts Options) *Throttler {
	opts.fillDefaults()
	t := &Throttler{
		opts:   opts,
		tokens: opts.Capacity,
		now:    time.Now,
	}
	t.last = t.now()
	return t
}

// Acquire blocks until a token is available and any active cooldown
// has elapsed, then sleeps a small random jitter before releasing the
// caller. Returns early with the context error on cancellation.
func (t *Throttler) Acquire(ctx context.Context) error {
	for {
		t.mu.Lock()
		now := t.now()

		if now.Before(t.coolingUntil) {
			wait := t.coolingUntil.Sub(now)
			t.mu.Unlock()
			t.throttled.Add(1)
			t.waitNanos.Add(int64(wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		elapsed := now.Sub(t.last).Seconds()
		t.tokens = min(t.opts.Capacity, t.tokens+elapsed*t.opts.Rate)
		t.last = now

		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			if jitter := t.jitter(); jitter > 0 {
				t.waitNanos.Add(int64(jitter))
				if err := sleepCtx(ctx, jitter); err != nil {
					return err
				}
			}
			return nil
		}

		wait := time.Duration((1 - t.tokens) / t.opts.Rate * float64(time.Second))
		t.mu.Unlock()
		t.throttled.Add(1)
		t.waitNanos.Add(int64(wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (t *Throttler) jitter() time.Duration {
	if t.opts.JitterFraction <= 0 {
		return 0
	}
	interval := float64(time.Second) / t.opts.Rate
	return time.Duration(interval * t.opts.JitterFraction * 2 * rand.Float64())
}

// ReportSuccess records a request that completed normally.
func (t *Throttler) ReportSuccess() {
	t.successes.Add(1)
}

// ReportRateLimit enters (or extends) the cooldown after an HTTP 429.
// A non-positive duration falls back to the configured default.
func (t *Throttler) ReportRateLimit(retryAfter time.Duration) {
	t.enterCooldown(retryAfter)
}

// ReportServiceUnavailable enters (or extends) the cooldown after an
// HTTP 503.
func (t *Throttler) ReportServiceUnavailable(retryAfter time.Duration) {
	t.enterCooldown(retryAfter)
}

func (t *Throttler) enterCooldown(d time.Duration) {
	if d <= 0 {
		d = t.opts.DefaultCooldown
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	until := now.Add(d)
	if !now.Before(t.coolingUntil) {
		// fresh activation, not an extension of an ongoing one
		t.cooldowns.Add(1)
	}
	// overlapping triggers keep the later deadline
	if until.After(t.coolingUntil) {
		t.coolingUntil = until
	}
}

func (t *Throttler) coolingRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.coolingUntil.Sub(t.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *Throttler) Stats() Snapshot {
	return Snapshot{
		Successes: t.successes.Load(),
		Throttled: t.throttled.Load(),
		Cooldowns: t.cooldowns.Load(),
		TotalWait: time.Duration(t.waitNanos.Load()),
	}
}

// ParseRetryAfter reads a Retry-After header value, which servers send
// either as delay seconds or as an HTTP date. Returns zero when the
// value is absent or unparseable, letting the caller fall back to its
// configured default.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
