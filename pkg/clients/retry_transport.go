package clients

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/metrics"
	"github.com/plk-sync/hissync/pkg/retry"
)

// maxRetryAfter caps how long a Retry-After header can stall a request.
const maxRetryAfter = time.Minute

// RetryTransport retries a single request on transport errors and on the
// configured status codes, for the configured methods only. When retries
// are exhausted the last response is returned as is, so callers observe a
// plain non-2xx response rather than an error.
type RetryTransport struct {
	base     http.RoundTripper
	policy   retry.Policy
	statuses map[int]struct{}
	methods  map[string]struct{}
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	attempts int64
	retries  int64
}

// NewRetryTransport wraps base. timeout bounds each attempt; zero disables it.
func NewRetryTransport(base http.RoundTripper, cfg RetryConfig, timeout time.Duration,
	logger *zap.Logger, sleeper retry.Sleeper, m *metrics.Metrics) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &RetryTransport{
		base:     base,
		policy:   retry.NewPolicy(cfg.Total, cfg.Backoff).WithSleeper(sleeper),
		statuses: make(map[int]struct{}, len(cfg.Statuses)),
		methods:  make(map[string]struct{}, len(cfg.Methods)),
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
	for _, code := range cfg.Statuses {
		t.statuses[code] = struct{}{}
	}
	for _, method := range cfg.Methods {
		t.methods[strings.ToUpper(method)] = struct{}{}
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempts := t.policy.Attempts()
	if !t.canRetry(req) {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		last := attempt >= attempts-1

		r, err := t.prepare(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.once(r)
		atomic.AddInt64(&t.attempts, 1)

		if err != nil {
			t.metrics.HTTPAttempt(req.Method, "error")
			if last || req.Context().Err() != nil {
				return nil, err
			}
			t.logger.Debug("request failed, retrying",
				zap.String("url", req.URL.Redacted()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if werr := t.wait(req.Context(), attempt, 0); werr != nil {
				return nil, err
			}
			continue
		}

		t.metrics.HTTPAttempt(req.Method, strconv.Itoa(resp.StatusCode))
		if _, retryable := t.statuses[resp.StatusCode]; !retryable || last {
			return resp, nil
		}

		t.logger.Debug("retryable status, retrying",
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1))

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if werr := t.wait(req.Context(), attempt, retryAfter); werr != nil {
			return nil, werr
		}
	}
}

// Attempts returns the number of round trips made.
func (t *RetryTransport) Attempts() int64 { return atomic.LoadInt64(&t.attempts) }

// Retries returns the number of round trips that were repeats.
func (t *RetryTransport) Retries() int64 { return atomic.LoadInt64(&t.retries) }

func (t *RetryTransport) canRetry(req *http.Request) bool {
	if _, ok := t.methods[req.Method]; !ok {
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// prepare returns the request for the given attempt. Retries get a clone
// with a fresh body.
func (t *RetryTransport) prepare(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 {
		return req, nil
	}
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

// once performs one attempt bounded by the per-attempt timeout. The timeout
// stays armed until the response body is closed.
func (t *RetryTransport) once(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (t *RetryTransport) wait(ctx context.Context, attempt int, floor time.Duration) error {
	atomic.AddInt64(&t.retries, 1)
	if floor > t.policy.Delay(attempt) {
		sleep := t.policy.Sleep
		if sleep == nil {
			sleep = retry.SleepContext
		}
		return sleep(ctx, floor)
	}
	return t.policy.Wait(ctx, attempt)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
