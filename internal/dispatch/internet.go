package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	internetProbeURL   = "https://connectivitycheck.gstatic.com/generate_204"
	internetCacheTTL   = 30 * time.Second
	internetProbeLimit = 5 * time.Second
)

// InternetChecker answers "is the internet reachable" from a cached probe.
// Online() is lock-free so the dispatch path never blocks on a probe; a
// stale cache triggers one background refresh at a time. Callers prime the
// cache with CheckNow at startup so the first gated command does not read
// the zero-value verdict.
type InternetChecker struct {
	log      *slog.Logger
	client   *http.Client
	probeURL string

	online    atomic.Bool
	checkedAt atomic.Int64 // unix millis

	mu         sync.Mutex
	refreshing bool
}

func NewInternetChecker(log *slog.Logger, client *http.Client) *InternetChecker {
	if client == nil {
		client = &http.Client{Timeout: internetProbeLimit}
	}
	return &InternetChecker{log: log, client: client, probeURL: internetProbeURL}
}

// Online returns the cached reachability verdict, kicking off a background
// refresh when the cache has expired.
func (c *InternetChecker) Online(ctx context.Context) bool {
	checked := time.UnixMilli(c.checkedAt.Load())
	if time.Since(checked) > internetCacheTTL {
		c.refreshAsync(ctx)
	}
	return c.online.Load()
}

// CheckNow probes synchronously and updates the cache.
func (c *InternetChecker) CheckNow(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, internetProbeLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		return c.store(false)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.store(false)
	}
	resp.Body.Close()
	return c.store(resp.StatusCode < 500)
}

func (c *InternetChecker) refreshAsync(ctx context.Context) {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()
		was := c.online.Load()
		now := c.CheckNow(context.WithoutCancel(ctx))
		if was != now {
			c.log.Info("internet reachability changed", "online", now)
		}
	}()
}

func (c *InternetChecker) store(online bool) bool {
	c.online.Store(online)
	c.checkedAt.Store(time.Now().UnixMilli())
	return online
}
