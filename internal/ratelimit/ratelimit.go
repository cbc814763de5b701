package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats counts limiter decisions.
type Stats struct {
	TotalSends     int64
	TotalThrottled int64
}

// ThrottleRate is the fraction of requests that were throttled.
func (s Stats) ThrottleRate() float64 {
	total := s.TotalSends + s.TotalThrottled
	if total == 0 {
		return 0
	}
	return float64(s.TotalThrottled) / float64(total)
}

// Global enforces a floor between any two outbound sends.
type Global struct {
	mu    sync.Mutex
	floor time.Duration
	last  time.Time
	stats Stats
	now   func() time.Time
}

func NewGlobal(floor time.Duration) *Global {
	return &Global{floor: floor, now: time.Now}
}

// CanSend reports whether a send is allowed now, and if not, the remaining
// wait. It does not record anything.
func (g *Global) CanSend() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.IsZero() {
		return true, 0
	}
	elapsed := g.now().Sub(g.last)
	if elapsed >= g.floor {
		return true, 0
	}
	return false, g.floor - elapsed
}

func (g *Global) RecordSend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = g.now()
	g.stats.TotalSends++
}

func (g *Global) RecordThrottle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.TotalThrottled++
}

func (g *Global) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// BotTX serializes transmissions by sleeping until the TX floor has elapsed.
type BotTX struct {
	mu    sync.Mutex
	floor time.Duration
	last  time.Time
	stats Stats
	now   func() time.Time
}

func NewBotTX(floor time.Duration) *BotTX {
	return &BotTX{floor: floor, now: time.Now}
}

// WaitForTX blocks until the floor since the previous transmission has
// elapsed, then records this transmission. A single timed wait, not a poll
// loop.
func (t *BotTX) WaitForTX(ctx context.Context) error {
	t.mu.Lock()
	var remaining time.Duration
	if !t.last.IsZero() {
		if elapsed := t.now().Sub(t.last); elapsed < t.floor {
			remaining = t.floor - elapsed
		}
	}
	t.mu.Unlock()

	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.mu.Lock()
	t.last = t.now()
	t.stats.TotalSends++
	if remaining > 0 {
		t.stats.TotalThrottled++
	}
	t.mu.Unlock()
	return nil
}

func (t *BotTX) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// PerUser enforces a floor per sender key, holding at most maxEntries keys.
// Eviction drops the least recently used key; a previously limited user may
// be released slightly early when capacity forces them out. That is a
// memory-pressure property, not a correctness one.
type PerUser struct {
	mu    sync.Mutex
	floor time.Duration
	cache *lru.Cache[string, time.Time]
	stats Stats
	now   func() time.Time
}

func NewPerUser(floor time.Duration, maxEntries int) (*PerUser, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, err
	}
	return &PerUser{floor: floor, cache: cache, now: time.Now}, nil
}

// Allow reports whether the key may send now and the remaining wait if not.
func (p *PerUser) Allow(key string) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.cache.Get(key)
	if !ok {
		return true, 0
	}
	elapsed := p.now().Sub(last)
	if elapsed >= p.floor {
		return true, 0
	}
	p.stats.TotalThrottled++
	return false, p.floor - elapsed
}

func (p *PerUser) Record(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(key, p.now())
	p.stats.TotalSends++
}

func (p *PerUser) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

func (p *PerUser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Nominatim guards calls to the upstream geocoder, which allows at most one
// request per second. The default floor keeps a safety margin above that.
type Nominatim struct {
	mu    sync.Mutex
	floor time.Duration
	last  time.Time
	stats Stats
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

const DefaultNominatimFloor = 1100 * time.Millisecond

func NewNominatim(floor time.Duration) *Nominatim {
	if floor <= 0 {
		floor = DefaultNominatimFloor
	}
	return &Nominatim{floor: floor, now: time.Now, sleep: sleepContext}
}

// WaitAndRequest atomically waits out the floor and records the request.
// The mutex is held across the wait so two concurrent callers are spaced by
// the full floor.
func (n *Nominatim) WaitAndRequest(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.last.IsZero() {
		if elapsed := n.now().Sub(n.last); elapsed < n.floor {
			if err := n.sleep(ctx, n.floor-elapsed); err != nil {
				return err
			}
			n.stats.TotalThrottled++
		}
	}
	n.last = n.now()
	n.stats.TotalSends++
	return nil
}

func (n *Nominatim) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
