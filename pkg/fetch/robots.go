package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const robotsCacheTTL = time.Hour

// robotsEntry caches one host's parsed robots.txt. A nil group means the host
// had no usable robots file and everything is allowed.
type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// RobotsGate answers "may we fetch this URL" per robots.txt, with a per-host
// cache. Failures to obtain robots.txt fail open: a site that cannot serve
// its policy does not block acquisition.
type RobotsGate struct {
	client    *http.Client
	userAgent string
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]robotsEntry
}

// NewRobotsGate creates a gate using the given client and user agent string.
func NewRobotsGate(client *http.Client, userAgent string) *RobotsGate {
	return &RobotsGate{
		client:    client,
		userAgent: userAgent,
		now:       func() time.Time { return time.Now().UTC() },
		hosts:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether the target URL may be fetched.
func (g *RobotsGate) Allowed(ctx context.Context, target *url.URL) bool {
	group := g.groupFor(ctx, target)
	if group == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (g *RobotsGate) groupFor(ctx context.Context, target *url.URL) *robotstxt.Group {
	key := target.Scheme + "://" + target.Host

	g.mu.Lock()
	entry, ok := g.hosts[key]
	g.mu.Unlock()
	if ok && g.now().Sub(entry.fetchedAt) < robotsCacheTTL {
		return entry.group
	}

	group := g.fetchGroup(ctx, key)
	g.mu.Lock()
	g.hosts[key] = robotsEntry{group: group, fetchedAt: g.now()}
	g.mu.Unlock()
	return group
}

func (g *RobotsGate) fetchGroup(ctx context.Context, origin string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	// 4xx means "no policy" per the robots convention; 5xx we treat the
	// same rather than stalling acquisition behind a broken site.
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}
	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return robots.FindGroup(g.userAgent)
}
