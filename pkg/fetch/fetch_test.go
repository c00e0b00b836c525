package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

type memRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *memRecorder) RecordFetchEvent(_ context.Context, _, _, _, eventType string, _ map[string]any) error {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestFetcher(rec Recorder) *Fetcher {
	opts := DefaultOptions()
	opts.MaxRetries = 2
	f := New(opts, NewLocalHostLimiter(1000, 1000), rec, nil)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestFetch_SuccessRecordsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Mar 2026 10:00:00 GMT")
		_, _ = w.Write([]byte("<html>Helio Labs</html>"))
	}))
	defer srv.Close()

	rec := &memRecorder{}
	f := newTestFetcher(rec)

	res, err := f.Fetch(context.Background(), Scope{TenantID: "t1", RunID: "r1"}, srv.URL+"/page", Conditional{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("<html>Helio Labs</html>"), res.Body)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{EventFetchStarted, EventFetchSucceeded}, rec.list())
}

func TestFetch_ConditionalNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("body"))
	}))
	defer srv.Close()

	f := newTestFetcher(nil)
	res, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{ETag: `"v1"`})
	require.NoError(t, err)
	assert.True(t, res.IsNotModified())
	assert.Empty(t, res.Body)
	assert.Equal(t, `"v1"`, res.ETag)
}

func TestFetch_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rec := &memRecorder{}
	f := newTestFetcher(rec)

	res, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{
		EventFetchStarted, EventRetryScheduled, EventRetryScheduled, EventFetchSucceeded,
	}, rec.list())
}

func TestFetch_4xxIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	f := newTestFetcher(rec)

	_, err := f.Fetch(context.Background(), Scope{}, srv.URL+"/missing", Conditional{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindUpstream))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	assert.Equal(t, []string{EventFetchStarted, EventFetchFailed}, rec.list())
}

func TestFetch_RetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	f := newTestFetcher(rec)

	_, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{})
	require.Error(t, err)
	events := rec.list()
	assert.Equal(t, EventRetryExhausted, events[len(events)-1])
}

func TestFetch_429HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var slept []time.Duration
	f := newTestFetcher(nil)
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestFetch_BodySizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.MaxBodyBytes = 1024
	f := New(opts, NewLocalHostLimiter(1000, 1000), nil, nil)

	_, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindLimitExceeded))
}

func TestFetch_RobotsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rec := &memRecorder{}
	f := newTestFetcher(rec)

	// Disallowed path is blocked without touching the page.
	_, err := f.Fetch(context.Background(), Scope{}, srv.URL+"/private/doc", Conditional{})
	require.Error(t, err)
	assert.Contains(t, rec.list(), EventRobotsBlocked)

	// Allowed path goes through, served from the cached robots group.
	res, err := f.Fetch(context.Background(), Scope{}, srv.URL+"/public", Conditional{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFetch_RobotsFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(nil)
	res, err := f.Fetch(context.Background(), Scope{}, srv.URL, Conditional{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFetch_RedirectCap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.MaxRetries = 0
	f := New(opts, NewLocalHostLimiter(1000, 1000), nil, nil)

	_, err := f.Fetch(context.Background(), Scope{}, srv.URL+"/loop", Conditional{})
	require.Error(t, err)
}

func TestRobotsGate_CachesPerHost(t *testing.T) {
	var robotsCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		robotsCalls.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /admin\n"))
	}))
	defer srv.Close()

	gate := NewRobotsGate(srv.Client(), "prospector-research-bot/1.0")
	u, err := url.Parse(srv.URL + "/admin")
	require.NoError(t, err)

	assert.False(t, gate.Allowed(context.Background(), u))
	assert.False(t, gate.Allowed(context.Background(), u))
	assert.Equal(t, int32(1), robotsCalls.Load())

	// Cache expires after the TTL.
	gate.now = func() time.Time { return time.Now().Add(2 * robotsCacheTTL) }
	assert.False(t, gate.Allowed(context.Background(), u))
	assert.Equal(t, int32(2), robotsCalls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 20*time.Second)
}

func TestLocalHostLimiter_Throttles(t *testing.T) {
	lim := NewLocalHostLimiter(100, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, lim.Wait(ctx, "example.com"))
	}
	// Two waits at 100 rps after the initial burst: at least ~20ms.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// Distinct hosts have independent buckets.
	start = time.Now()
	require.NoError(t, lim.Wait(ctx, "other.com"))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}
