// Package fetch acquires remote documents for extraction. It layers
// per-host rate limiting, robots.txt gating, conditional requests, bounded
// retries with jittered backoff, and a hard body size cap over net/http.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// Recorder receives fetch lifecycle events for the audit trail.
type Recorder interface {
	RecordFetchEvent(ctx context.Context, tenantID, runID, sourceID, eventType string, detail map[string]any) error
}

// Event types recorded per fetch.
const (
	EventFetchStarted   = "fetch_started"
	EventFetchSucceeded = "fetch_succeeded"
	EventFetchFailed    = "fetch_failed"
	EventRetryScheduled = "retry_scheduled"
	EventRetryExhausted = "retry_exhausted"
	EventRobotsBlocked  = "robots_blocked"
)

// Options tune the fetcher.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	MaxRedirects int
	MaxRetries   int
	RetryBase    time.Duration
	RetryJitter  time.Duration
	RetryCap     time.Duration
}

// DefaultOptions match the engine configuration defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:    "prospector-research-bot/1.0",
		Timeout:      30 * time.Second,
		MaxBodyBytes: 2 << 20,
		MaxRedirects: 5,
		MaxRetries:   3,
		RetryBase:    500 * time.Millisecond,
		RetryJitter:  250 * time.Millisecond,
		RetryCap:     60 * time.Second,
	}
}

// Conditional carries validators from an earlier fetch of the same URL.
type Conditional struct {
	ETag         string
	LastModified string
}

// Result is the outcome of a successful fetch (including a 304 revalidation).
type Result struct {
	StatusCode   int
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	FinalURL     string
	NotModified  bool
	Attempts     int
}

// Fetcher downloads one URL at a time, respecting robots and rate limits.
type Fetcher struct {
	client  *http.Client
	opts    Options
	limiter HostLimiter
	robots  *RobotsGate
	rec     Recorder
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher. recorder may be nil when no audit trail is wanted.
func New(opts Options, limiter HostLimiter, recorder Recorder, log *slog.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = def.MaxRedirects
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = def.RetryCap
	}
	if limiter == nil {
		limiter = NewLocalHostLimiter(2, 2)
	}
	if log == nil {
		log = slog.Default()
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
			}
			return nil
		},
	}

	return &Fetcher{
		client:  client,
		opts:    opts,
		limiter: limiter,
		robots:  NewRobotsGate(&http.Client{Timeout: opts.Timeout}, opts.UserAgent),
		rec:     recorder,
		log:     log.With("component", "fetch"),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Scope identifies the source a fetch belongs to, for event recording.
type Scope struct {
	TenantID string
	RunID    string
	SourceID string
}

// Fetch downloads rawURL. Transient failures (network errors, 5xx, 408, 429)
// retry with exponential backoff and jitter up to MaxRetries; other 4xx are
// terminal. A 429 Retry-After header overrides the computed backoff.
func (f *Fetcher) Fetch(ctx context.Context, scope Scope, rawURL string, cond Conditional) (*Result, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, contracts.NewError(contracts.KindValidation, "unfetchable url %q", rawURL).
			WithCode("INVALID_URL")
	}

	f.record(ctx, scope, EventFetchStarted, map[string]any{"url": rawURL})

	if !f.robots.Allowed(ctx, target) {
		f.record(ctx, scope, EventRobotsBlocked, map[string]any{"url": rawURL})
		return nil, contracts.NewError(contracts.KindUpstream, "robots.txt disallows %s", rawURL).
			WithCode("ROBOTS_DISALLOWED")
	}

	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxRetries+1; attempt++ {
		if err := f.limiter.Wait(ctx, target.Host); err != nil {
			return nil, err
		}

		res, retryAfter, err := f.attempt(ctx, rawURL, cond)
		if err == nil {
			res.Attempts = attempt
			f.record(ctx, scope, EventFetchSucceeded, map[string]any{
				"url": rawURL, "status": res.StatusCode, "attempt": attempt,
				"not_modified": res.NotModified,
			})
			return res, nil
		}
		lastErr = err

		// Only transient attempt failures (network errors, 5xx, 408, 429)
		// retry; plain 4xx are terminal on the first response.
		if contracts.KindOf(err) != contracts.KindTransient || attempt > f.opts.MaxRetries {
			break
		}

		delay := f.backoff(attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}
		f.record(ctx, scope, EventRetryScheduled, map[string]any{
			"url": rawURL, "attempt": attempt, "delay_ms": delay.Milliseconds(),
			"error": err.Error(),
		})
		f.log.Debug("fetch retry", "url", rawURL, "attempt", attempt, "delay", delay)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	event := EventFetchFailed
	if contracts.KindOf(lastErr) == contracts.KindTransient {
		event = EventRetryExhausted
	}
	f.record(ctx, scope, event, map[string]any{"url": rawURL, "error": lastErr.Error()})
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, cond Conditional) (*Result, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, contracts.WrapError(contracts.KindValidation, err, "build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.5")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, contracts.WrapError(contracts.KindTransient, err, "fetch %s", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{
			StatusCode:   resp.StatusCode,
			NotModified:  true,
			ETag:         cond.ETag,
			LastModified: cond.LastModified,
			FinalURL:     resp.Request.URL.String(),
		}, 0, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
		if err != nil {
			return nil, 0, contracts.WrapError(contracts.KindTransient, err, "read body of %s", rawURL)
		}
		if int64(len(body)) > f.opts.MaxBodyBytes {
			return nil, 0, contracts.NewError(contracts.KindLimitExceeded,
				"body of %s exceeds %d bytes", rawURL, f.opts.MaxBodyBytes).
				WithCode("FETCH_BODY_TOO_LARGE").
				WithDetails(map[string]any{"max_body_bytes": f.opts.MaxBodyBytes})
		}
		return &Result{
			StatusCode:   resp.StatusCode,
			Body:         body,
			ContentType:  resp.Header.Get("Content-Type"),
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FinalURL:     resp.Request.URL.String(),
		}, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			contracts.NewError(contracts.KindTransient, "fetch %s: status %d", rawURL, resp.StatusCode).
				WithCode("UPSTREAM_THROTTLED").
				WithDetails(map[string]any{"status_code": resp.StatusCode})

	case resp.StatusCode >= 500:
		return nil, 0, contracts.NewError(contracts.KindTransient,
			"fetch %s: status %d", rawURL, resp.StatusCode).WithCode("UPSTREAM_5XX").
			WithDetails(map[string]any{"status_code": resp.StatusCode})

	default:
		return nil, 0, contracts.NewError(contracts.KindUpstream,
			"fetch %s: status %d", rawURL, resp.StatusCode).WithCode("UPSTREAM_4XX").
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := time.Duration(float64(f.opts.RetryBase) * math.Pow(2, float64(attempt-1)))
	if d > f.opts.RetryCap || d <= 0 {
		d = f.opts.RetryCap
	}
	if f.opts.RetryJitter > 0 {
		d += time.Duration(rand.Int63n(int64(f.opts.RetryJitter)))
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (f *Fetcher) record(ctx context.Context, scope Scope, event string, detail map[string]any) {
	if f.rec == nil {
		return
	}
	if err := f.rec.RecordFetchEvent(ctx, scope.TenantID, scope.RunID, scope.SourceID, event, detail); err != nil {
		f.log.Warn("record fetch event", "event", event, "error", err)
	}
}

// IsNotModified reports whether the result reused a cached body.
func (r *Result) IsNotModified() bool { return r != nil && r.NotModified }
