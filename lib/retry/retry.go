// Package retry wraps a single request attempt with failure
// classification and exponential backoff.
//
// Classification:
//   - 2xx: returned immediately.
//   - 429/503: reported to the throttler (which enters cooldown using
//     the Retry-After header when present), then retried after backoff.
//   - other 5xx: transient, retried after backoff.
//   - network errors and timeouts: retried after backoff.
//   - other 4xx: fatal, surfaced immediately without retrying.
//
// Backoff doubles on every retry starting from InitialBackoff and is
// additive to whatever wait the throttler imposes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"forumminer/lib/throttle"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("forumminer/retry")

// Reason labels why a request ultimately failed; used to aggregate
// exhaustion counts in the run summary.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonUnavailable Reason = "service_unavailable"
	ReasonServerError Reason = "server_error"
	ReasonTimeout     Reason = "timeout"
	ReasonNetwork     Reason = "network"
)

// ExhaustedError reports that every allowed attempt failed, carrying
// the classification of the last failure.
type ExhaustedError struct {
	Reason   Reason
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (%s)", e.Attempts, e.Reason)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// FatalStatusError is a non-retryable HTTP failure (4xx other than
// 429). The record it belongs to is skipped; the run continues.
type FatalStatusError struct {
	StatusCode int
	URL        string
}

func (e *FatalStatusError) Error() string {
	return fmt.Sprintf("http %d for %s", e.StatusCode, e.URL)
}

type Policy struct {
	// MaxRetries is the number of retries after the initial attempt,
	// so MaxRetries=3 allows 4 attempts in total.
	MaxRetries     int
	InitialBackoff time.Duration
	Throttler      *throttle.Throttler
}

func (p *Policy) fillDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 2 * time.Second
	}
}

// AttemptFunc performs one HTTP attempt. A nil error with a response
// means the transport produced a status code; a non-nil error means
// the request never completed (DNS, dial, reset, timeout).
type AttemptFunc func(ctx context.Context) (*resty.Response, error)

// Do runs fn under the policy, gating every attempt through the
// shared throttler first.
func Do(ctx context.Context, p Policy, fn AttemptFunc) (*resty.Response, error) {
	p.fillDefaults()

	ctx, span := tracer.Start(ctx, "retry:Do")
	defer span.End()

	backoff := p.InitialBackoff
	var lastReason Reason
	var lastErr error

	attempts := 0
	for attempts <= p.MaxRetries {
		if p.Throttler != nil {
			if err := p.Throttler.Acquire(ctx); err != nil {
				return nil, err
			}
		}

		res, err := fn(ctx)
		attempts++

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastReason = classifyNetErr(err)
			lastErr = err
		} else {
			status := res.StatusCode()
			switch {
			case status >= 200 && status < 300:
				if p.Throttler != nil {
					p.Throttler.ReportSuccess()
				}
				span.SetAttributes(attribute.Int("attempts", attempts))
				return res, nil
			case status == 429:
				retryAfter := throttle.ParseRetryAfter(res.Header().Get("Retry-After"))
				if p.Throttler != nil {
					p.Throttler.ReportRateLimit(retryAfter)
				}
				lastReason = ReasonRateLimited
				lastErr = fmt.Errorf("http 429 for %s", res.Request.URL)
			case status == 503:
				retryAfter := throttle.ParseRetryAfter(res.Header().Get("Retry-After"))
				if p.Throttler != nil {
					p.Throttler.ReportServiceUnavailable(retryAfter)
				}
				lastReason = ReasonUnavailable
				lastErr = fmt.Errorf("http 503 for %s", res.Request.URL)
			case status >= 500:
				// transient per the upstream contract; treating these
				// as fatal is a known mis-implementation
				lastReason = ReasonServerError
				lastErr = fmt.Errorf("http %d for %s", status, res.Request.URL)
			default:
				fatal := &FatalStatusError{StatusCode: status, URL: res.Request.URL}
				span.SetStatus(codes.Error, fatal.Error())
				return res, fatal
			}
		}

		if attempts > p.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	exhausted := &ExhaustedError{
		Reason:   lastReason,
		Attempts: attempts,
		Last:     lastErr,
	}
	span.SetStatus(codes.Error, exhausted.Error())
	span.SetAttributes(attribute.String("reason", string(lastReason)))
	return nil, exhausted
}

func classifyNetErr(err error) Reason {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return ReasonTimeout
	}
	return ReasonNetwork
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
