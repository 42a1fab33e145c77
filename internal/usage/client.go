// Package usage fetches usage metrics from the application API and turns the
// response into a Record.
package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/csp-billing-adapter/csp-billing-adapter-local/internal/config"
)

// MaxAttempts is the number of GET requests made before giving up.
const MaxAttempts = 5

// maxErrorBody caps how much of a failed response is read for error messages.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// RetryDelay is the wait between two attempts. Zero retries immediately.
	RetryDelay time.Duration
	// MaxRequestsPerSecond paces attempts; zero or negative disables pacing.
	MaxRequestsPerSecond int
	// BurstRequests is the token bucket size used with MaxRequestsPerSecond.
	BurstRequests int
	// OnAttempt, if set, is called before every attempt with its 1-based number.
	OnAttempt func(attempt int)
	// Transport overrides the underlying HTTP transport.
	Transport http.RoundTripper
}

// Client performs usage requests with a bounded number of attempts.
type Client struct {
	http        *retryablehttp.Client
	rateLimiter *RateLimiter
	logger      *logrus.Entry
}

// New creates a Client. Every non-2xx status and every transport error is
// retried until MaxAttempts requests have been made.
func New(opts Options, logger *logrus.Entry) *Client {
	log := logger.WithField("component", "usage_client")
	rl := NewRateLimiter(opts.MaxRequestsPerSecond, opts.BurstRequests, log.WithField("component", "rate_limiter"))

	rc := retryablehttp.NewClient()
	rc.RetryMax = MaxAttempts - 1
	rc.RetryWaitMin = opts.RetryDelay
	rc.RetryWaitMax = opts.RetryDelay
	rc.Backoff = backoffFor(rl)
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = giveUp
	rc.Logger = leveledLogger{entry: log}

	next := opts.Transport
	if next == nil {
		next = rc.HTTPClient.Transport
	}
	rc.HTTPClient.Transport = &pacedTransport{next: next, limiter: rl}
	rc.HTTPClient.Timeout = opts.Timeout

	onAttempt := opts.OnAttempt
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, retry int) {
		attempt := retry + 1
		log.WithFields(logrus.Fields{
			"fetch_id": req.Header.Get("X-Request-Id"),
			"attempt":  attempt,
		}).Debug("requesting usage data")
		if onAttempt != nil {
			onAttempt(attempt)
		}
	}

	return &Client{
		http:        rc,
		rateLimiter: rl,
		logger:      log,
	}
}

// RateLimiter returns the rate limiter pacing this client's requests.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// GetUsageData fetches the usage metrics served at endpointURL and validates
// them against the expected metric names.
func (c *Client) GetUsageData(ctx context.Context, endpointURL string, expected []string) (Record, error) {
	fetchID := uuid.NewString()
	log := c.logger.WithFields(logrus.Fields{
		"fetch_id": fetchID,
		"url":      config.RedactURL(endpointURL),
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", fetchID)

	start := time.Now()
	if err := c.rateLimiter.WaitBackoff(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if !errors.Is(err, ErrRequestFailed) {
			err = fmt.Errorf("%w: %w", ErrRequestFailed, err)
		}
		log.WithError(err).Error("usage request failed")
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %w", ErrRequestFailed, err)
	}

	record, err := Extract(body, expected, log)
	if err != nil {
		log.WithError(err).Error("invalid usage response")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"metrics":  len(record),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("usage data retrieved")

	return record, nil
}

// retryPolicy retries transport errors and any non-2xx status. Context
// cancellation stops the loop.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, nil
	}
	return false, nil
}

// backoffFor waits the configured delay between attempts, or longer when the
// last response asked for it through Retry-After or RateLimit-Reset.
func backoffFor(rl *RateLimiter) retryablehttp.Backoff {
	return func(delay, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return max(delay, rl.BackoffDelay(maxBackoff))
	}
}

// giveUp builds the error returned once all attempts failed.
func giveUp(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrRequestFailed, numTries, err)
	}
	reason := "unknown error"
	if resp != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reason = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, summarizeBody(body))
	}
	return nil, fmt.Errorf("%w after %d attempt(s): %s", ErrRequestFailed, numTries, reason)
}

// leveledLogger adapts a logrus entry to retryablehttp.LeveledLogger.
// Failed attempts are logged as warnings; the final outcome is reported by
// GetUsageData.
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) with(keysAndValues []interface{}) *logrus.Entry {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}
