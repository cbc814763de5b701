package rfcache

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 1000
	DefaultTimeout    = 15 * time.Second

	fullSweepInterval = 60 * time.Second
	minPrefixMatch    = 16 // hex chars
)

// RoutingInfo is the decoded routing summary attached to an RF entry.
type RoutingInfo struct {
	RouteType string
	PathKind  string
	PathNodes []string
	PathLen   int
}

// Entry is one RX-log observation: raw bytes plus RF-layer readings that
// the higher-level message events do not carry.
type Entry struct {
	Timestamp    time.Time
	PacketPrefix string // first 32 hex chars of the raw frame
	PubkeyPrefix string // from driver metadata, may be empty
	SNR          float64
	RSSI         int
	RawHex       string
	PayloadHex   string
	Routing      *RoutingInfo
	PacketHash   string
}

// Cache holds recent RF entries in three parallel indexes: arrival order,
// by packet prefix and by pubkey prefix. All three are updated inside one
// critical section. Entries age out after the timeout; every insert runs a
// timeout filter and a full resize sweep runs at most once a minute.
type Cache struct {
	mu sync.Mutex

	entries  []*Entry
	byPacket map[string][]*Entry
	byPubkey map[string][]*Entry

	maxEntries int
	timeout    time.Duration

	lastFullSweep time.Time
	pending       map[string]*pendingWait

	logger *slog.Logger
	now    func() time.Time
}

type pendingWait struct {
	packetPrefix string
	pubkeyPrefix string
	expires      time.Time
	ch           chan *Entry
	delivered    bool
}

func New(logger *slog.Logger, maxEntries int, timeout time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Cache{
		byPacket:   map[string][]*Entry{},
		byPubkey:   map[string][]*Entry{},
		maxEntries: maxEntries,
		timeout:    timeout,
		pending:    map[string]*pendingWait{},
		logger:     logger,
		now:        time.Now,
	}
}

// Add inserts an RF entry, offers it to any pending correlation waiters and
// enforces the cache bounds. Never blocks on cache pressure.
func (c *Cache) Add(e *Entry) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	e.PacketPrefix = strings.ToLower(e.PacketPrefix)
	e.PubkeyPrefix = strings.ToLower(e.PubkeyPrefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, e)
	if e.PacketPrefix != "" {
		c.byPacket[e.PacketPrefix] = append(c.byPacket[e.PacketPrefix], e)
	}
	if e.PubkeyPrefix != "" {
		c.byPubkey[e.PubkeyPrefix] = append(c.byPubkey[e.PubkeyPrefix], e)
	}

	c.offerToPendingLocked(e)
	c.sweepLocked()
}

// Len is the current arrival-index size.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup finds the RF entry for a message using the correlation key order:
// exact packet prefix, exact pubkey prefix, long prefix match, none.
func (c *Cache) Lookup(packetPrefix, pubkeyPrefix string, window time.Duration) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(strings.ToLower(packetPrefix), strings.ToLower(pubkeyPrefix), window)
}

func (c *Cache) lookupLocked(packetPrefix, pubkeyPrefix string, window time.Duration) (*Entry, bool) {
	cutoff := c.now().Add(-window)

	if packetPrefix != "" {
		if e := newestAfter(c.byPacket[packetPrefix], cutoff); e != nil {
			return e, true
		}
	}
	if pubkeyPrefix != "" {
		if e := newestAfter(c.byPubkey[pubkeyPrefix], cutoff); e != nil {
			return e, true
		}
	}
	if len(packetPrefix) >= minPrefixMatch {
		var best *Entry
		for _, e := range c.entries {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			if strings.HasPrefix(e.PacketPrefix, packetPrefix[:minPrefixMatch]) ||
				strings.HasPrefix(packetPrefix, trimTo(e.PacketPrefix, minPrefixMatch)) {
				if best == nil || e.Timestamp.After(best.Timestamp) {
					best = e
				}
			}
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

// MostRecent is the last-resort fallback: the newest entry within window.
func (c *Cache) MostRecent(window time.Duration) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-window)
	for i := len(c.entries) - 1; i >= 0; i-- {
		if !c.entries[i].Timestamp.Before(cutoff) {
			return c.entries[i], true
		}
	}
	return nil, false
}

// Snapshot copies the arrival index for read-only consumers.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

func newestAfter(entries []*Entry, cutoff time.Time) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Timestamp.Before(cutoff) {
			return entries[i]
		}
	}
	return nil
}

func trimTo(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// sweepLocked filters timed-out entries on every write and resizes down to
// the hard cap, dropping the oldest. The full re-index runs at most once
// per minute.
func (c *Cache) sweepLocked() {
	now := c.now()
	cutoff := now.Add(-c.timeout)

	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = kept

	if len(c.entries) > c.maxEntries {
		sort.SliceStable(c.entries, func(i, j int) bool {
			return c.entries[i].Timestamp.Before(c.entries[j].Timestamp)
		})
		c.entries = c.entries[len(c.entries)-c.maxEntries:]
	}

	if now.Sub(c.lastFullSweep) >= fullSweepInterval {
		c.lastFullSweep = now
		c.rebuildIndexesLocked()
	}

	for key, p := range c.pending {
		if now.After(p.expires) {
			delete(c.pending, key)
		}
	}
}

func (c *Cache) rebuildIndexesLocked() {
	c.byPacket = make(map[string][]*Entry, len(c.entries))
	c.byPubkey = make(map[string][]*Entry, len(c.entries))
	for _, e := range c.entries {
		if e.PacketPrefix != "" {
			c.byPacket[e.PacketPrefix] = append(c.byPacket[e.PacketPrefix], e)
		}
		if e.PubkeyPrefix != "" {
			c.byPubkey[e.PubkeyPrefix] = append(c.byPubkey[e.PubkeyPrefix], e)
		}
	}
}
