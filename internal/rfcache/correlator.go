package rfcache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCorrelationTimeout bounds how long a message may sit in the
	// pending map waiting for its RF entry.
	DefaultCorrelationTimeout = 10 * time.Second

	// lateArrivalGrace is the single short wait granted on a first miss
	// before falling back to the most recent entry.
	lateArrivalGrace = 100 * time.Millisecond
)

// Correlate resolves the RF entry for a message. Key preference order:
// exact packet prefix, exact pubkey prefix, long packet-prefix match. On a
// miss it waits briefly for a late RX-log arrival, then falls back to the
// most recent entry within the window. The message is never blocked longer
// than the grace period.
func (c *Cache) Correlate(ctx context.Context, packetPrefix, pubkeyPrefix string, window time.Duration) (*Entry, bool) {
	if window <= 0 {
		window = c.timeout
	}
	packetPrefix = strings.ToLower(packetPrefix)
	pubkeyPrefix = strings.ToLower(pubkeyPrefix)

	c.mu.Lock()
	if e, ok := c.lookupLocked(packetPrefix, pubkeyPrefix, window); ok {
		c.mu.Unlock()
		return e, true
	}
	wait := c.registerPendingLocked(packetPrefix, pubkeyPrefix)
	c.mu.Unlock()

	timer := time.NewTimer(lateArrivalGrace)
	defer timer.Stop()
	select {
	case e := <-wait.ch:
		return e, true
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.removePendingLocked(wait)
	c.mu.Unlock()

	return c.MostRecent(window)
}

func (c *Cache) registerPendingLocked(packetPrefix, pubkeyPrefix string) *pendingWait {
	p := &pendingWait{
		packetPrefix: packetPrefix,
		pubkeyPrefix: pubkeyPrefix,
		expires:      c.now().Add(DefaultCorrelationTimeout),
		ch:           make(chan *Entry, 1),
	}
	key := fmt.Sprintf("%s|%s_%d", packetPrefix, pubkeyPrefix, c.now().UnixMilli())
	c.pending[key] = p
	return p
}

func (c *Cache) removePendingLocked(target *pendingWait) {
	for key, p := range c.pending {
		if p == target {
			delete(c.pending, key)
			return
		}
	}
}

// offerToPendingLocked hands a fresh RF entry to every waiting message it
// matches; matched waiters are marked processed and removed.
func (c *Cache) offerToPendingLocked(e *Entry) {
	for key, p := range c.pending {
		if p.delivered {
			continue
		}
		if pendingMatches(p, e) {
			p.delivered = true
			p.ch <- e
			delete(c.pending, key)
		}
	}
}

func pendingMatches(p *pendingWait, e *Entry) bool {
	if p.packetPrefix != "" && p.packetPrefix == e.PacketPrefix {
		return true
	}
	if p.pubkeyPrefix != "" && p.pubkeyPrefix == e.PubkeyPrefix {
		return true
	}
	if len(p.packetPrefix) >= minPrefixMatch && strings.HasPrefix(e.PacketPrefix, p.packetPrefix[:minPrefixMatch]) {
		return true
	}
	return false
}
