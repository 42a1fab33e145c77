package usage

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBackoff caps the wait requested by Retry-After and RateLimit-Reset.
const maxBackoff = 2 * time.Minute

// RateLimiter paces requests to the usage API with a local token bucket and
// honours Retry-After and RateLimit-* response headers.
// It is safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	local *rate.Limiter

	// backoffUntil is the time until which requests wait because the API
	// asked us to slow down.
	backoffUntil time.Time

	// headerRemaining is the last observed RateLimit-Remaining value.
	headerRemaining int

	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second and burst.
// A zero or negative rps disables local rate limiting (unlimited).
func NewRateLimiter(rps int, burst int, logger *logrus.Entry) *RateLimiter {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:           limiter,
		headerRemaining: -1, // unknown
		logger:          logger,
	}
}

// Wait blocks until the local token bucket allows one more request. It
// returns ctx.Err() if the context expires while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.local.Wait(ctx)
}

// WaitBackoff blocks until any header-derived backoff has passed, capped at
// maxBackoff. It returns ctx.Err() if the context expires while waiting.
func (rl *RateLimiter) WaitBackoff(ctx context.Context) error {
	delay := rl.BackoffDelay(maxBackoff)
	if delay <= 0 {
		return nil
	}
	rl.logger.WithField("delay", delay.Round(time.Millisecond)).
		Debug("rate limiter: waiting for header-based backoff")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackoffDelay returns how long the API asked us to wait from now on, at
// most limit. It is zero when no backoff is pending.
func (rl *RateLimiter) BackoffDelay(limit time.Duration) time.Duration {
	delay := time.Until(rl.BackoffUntil())
	if delay <= 0 {
		return 0
	}
	if delay > limit {
		return limit
	}
	return delay
}

// UpdateFromHeaders inspects the HTTP response headers and extends the
// backoff when the API signals it is throttling us.
//
// Recognised headers:
//
//	Retry-After         – seconds or HTTP date to wait (429/503 responses).
//	RateLimit-Remaining – number of requests remaining in the current window.
//	RateLimit-Reset     – Unix epoch timestamp when the window resets.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ra := headers.Get("Retry-After"); ra != "" {
		var until time.Time
		if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
			until = time.Now().Add(time.Duration(sec) * time.Second)
		} else if at, err := http.ParseTime(ra); err == nil {
			until = at
		}
		if until.After(rl.backoffUntil) {
			rl.backoffUntil = until
			rl.logger.WithField("until", until.Format(time.RFC3339)).
				Warn("rate limiter: usage API asked to retry later, backing off")
		}
		return
	}

	remaining, err := strconv.Atoi(headers.Get("RateLimit-Remaining"))
	if err != nil {
		return
	}
	rl.headerRemaining = remaining
	if remaining > 0 {
		return
	}

	resetEpoch, err := strconv.ParseInt(headers.Get("RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	reset := time.Unix(resetEpoch, 0)
	if reset.After(rl.backoffUntil) {
		rl.backoffUntil = reset
		rl.logger.Warn("rate limiter: remote limit exhausted, backing off until reset")
	}
}

// Remaining returns the last observed RateLimit-Remaining value, or -1 if
// no header has been seen yet.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerRemaining
}

// BackoffUntil returns the time before which no request is sent.
func (rl *RateLimiter) BackoffUntil() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.backoffUntil
}

// pacedTransport waits for the local token bucket before every round trip and
// feeds the response headers back into the RateLimiter. Header-derived
// backoff is waited out between attempts, outside the per-attempt timeout.
type pacedTransport struct {
	next    http.RoundTripper
	limiter *RateLimiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		t.limiter.UpdateFromHeaders(resp.Header)
	}
	return resp, err
}
