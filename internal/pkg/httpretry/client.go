// Package httpretry wraps an HTTP client with bounded retries for the
// panel fetcher. Backoff stays short so a full retry cycle fits inside
// the roster fetch timeout instead of eating the whole refresh interval.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/sentinelops/banhammer/internal/pkg/logger"
)

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// HTTPDoer executes one HTTP request. *http.Client and *RetryClient both
// satisfy it, so callers can layer or swap transports in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures with jittered exponential backoff.
type RetryClient struct {
	inner      HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        *logger.Logger
}

// NewRetryClient wraps client with up to maxRetries retries after the first
// attempt. A nil client gets a default with a 30s timeout; maxRetries <= 0
// means 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		inner:      client,
		maxRetries: maxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		log:        logger.With("httpretry"),
	}
}

// Do executes the request, retrying network errors and the transient status
// codes (429, 500, 502, 503, 504). Client errors return immediately, and the
// final attempt's response comes back as-is so the caller can read the body.
// The request context bounds the whole cycle, sleeps included.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := rc.inner.Do(req)
		switch {
		case err != nil:
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
		case !retryableStatus(resp.StatusCode):
			return resp, nil
		case attempt == rc.maxRetries:
			return resp, nil
		default:
			// Drain so the transport can reuse the connection.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("httpretry: transient status %d", resp.StatusCode)
		}

		if attempt == rc.maxRetries {
			return nil, lastErr
		}

		delay := rc.backoff(attempt)
		rc.log.Debug("retrying request",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt+1,
			"max", rc.maxRetries,
			"delay", delay.String(),
			"error", fmt.Sprint(lastErr),
		)

		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, lastErr
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("httpretry: reset request body: %w", err)
			}
			req.Body = body
		}
	}
}

// backoff doubles baseDelay per attempt up to maxDelay, then applies equal
// jitter: half the delay fixed, half random. Never less than half the base,
// so a flapping upstream cannot be hammered.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	d := rc.baseDelay << uint(attempt)
	if d > rc.maxDelay || d <= 0 {
		d = rc.maxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
