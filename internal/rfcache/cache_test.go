package rfcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLookupPrefersExactPacketPrefix(t *testing.T) {
	c := New(testLogger(), 10, time.Minute)
	c.Add(&Entry{PacketPrefix: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", PubkeyPrefix: "11", SNR: 1})
	c.Add(&Entry{PacketPrefix: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", PubkeyPrefix: "22", SNR: 2})

	e, ok := c.Lookup("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "22", time.Minute)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.SNR != 1 {
		t.Fatalf("packet prefix must win over pubkey prefix, got SNR=%v", e.SNR)
	}
}

func TestLookupFallsBackToPubkeyThenLongPrefix(t *testing.T) {
	c := New(testLogger(), 10, time.Minute)
	c.Add(&Entry{PacketPrefix: "cccccccccccccccc0000000000000000", PubkeyPrefix: "33", SNR: 3})

	if e, ok := c.Lookup("", "33", time.Minute); !ok || e.SNR != 3 {
		t.Fatalf("pubkey lookup failed: ok=%v", ok)
	}

	// 16-char prefix match against a different full packet prefix.
	if e, ok := c.Lookup("ccccccccccccccccffffffffffffffff", "", time.Minute); !ok || e.SNR != 3 {
		t.Fatalf("long prefix lookup failed: ok=%v", ok)
	}

	if _, ok := c.Lookup("dddddddddddddddd0000000000000000", "99", time.Minute); ok {
		t.Fatal("unrelated keys must not match")
	}
}

func TestEntriesAgeOut(t *testing.T) {
	c := New(testLogger(), 10, 15*time.Second)
	base := time.Unix(1_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Add(&Entry{Timestamp: base, PubkeyPrefix: "44"})
	now = base.Add(20 * time.Second)
	c.Add(&Entry{Timestamp: now, PubkeyPrefix: "55"})

	if c.Len() != 1 {
		t.Fatalf("timed-out entry must be swept on write, len=%d", c.Len())
	}
	if _, ok := c.Lookup("", "44", 15*time.Second); ok {
		t.Fatal("aged entry must not correlate")
	}
}

func TestHardCapDropsOldest(t *testing.T) {
	c := New(testLogger(), 5, time.Hour)
	base := time.Unix(1_000_000, 0)
	for i := 0; i < 20; i++ {
		c.Add(&Entry{Timestamp: base.Add(time.Duration(i) * time.Second), PubkeyPrefix: fmt.Sprintf("%02x", i)})
	}
	if c.Len() > 6 {
		t.Fatalf("cache exceeded cap: %d", c.Len())
	}
	snap := c.Snapshot()
	for _, e := range snap {
		if e.Timestamp.Before(base.Add(14 * time.Second)) {
			t.Fatalf("oldest entries must be dropped first, found %v", e.Timestamp)
		}
	}
}

func TestCorrelateDeliversLateArrival(t *testing.T) {
	c := New(testLogger(), 10, time.Minute)

	done := make(chan *Entry, 1)
	go func() {
		e, ok := c.Correlate(context.Background(), "", "77", time.Minute)
		if !ok {
			done <- nil
			return
		}
		done <- e
	}()

	time.Sleep(20 * time.Millisecond)
	c.Add(&Entry{PubkeyPrefix: "77", SNR: 7})

	select {
	case e := <-done:
		if e == nil || e.SNR != 7 {
			t.Fatalf("late arrival not delivered: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("correlate did not return")
	}
}

func TestCorrelateFallsBackToMostRecent(t *testing.T) {
	c := New(testLogger(), 10, time.Minute)
	c.Add(&Entry{PubkeyPrefix: "88", SNR: 8})

	start := time.Now()
	e, ok := c.Correlate(context.Background(), "", "99", time.Minute)
	if !ok || e.SNR != 8 {
		t.Fatalf("expected most-recent fallback, ok=%v", ok)
	}
	if time.Since(start) > time.Second {
		t.Fatal("correlate must not block beyond the grace period")
	}
}
