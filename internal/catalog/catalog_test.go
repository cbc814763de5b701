package catalog

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
	"github.com/jtstockton/meshcore-bot/internal/radio"
)

type fakeAdder struct {
	added []radio.Contact
}

func (f *fakeAdder) AddContact(_ context.Context, c radio.Contact) error {
	f.added = append(f.added, c)
	return nil
}

type fixture struct {
	ctx    context.Context
	mgr    *Manager
	nodes  *persistence.CatalogRepo
	paths  *persistence.PathsRepo
	adder  *fakeAdder
	cancel context.CancelFunc
}

func newFixture(t *testing.T, mode Mode, purgeAfter time.Duration) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := slog.New(slog.DiscardHandler)
	writer := persistence.NewWriterQueue(log, 16)
	writer.Start(ctx)

	nodes := persistence.NewCatalogRepo(db)
	paths := persistence.NewPathsRepo(db)
	adder := &fakeAdder{}
	mgr := NewManager(log, nodes, paths, writer, adder, mode, purgeAfter)
	return &fixture{ctx: ctx, mgr: mgr, nodes: nodes, paths: paths, adder: adder, cancel: cancel}
}

func signedAdvert(t *testing.T, advertType uint8, name string, ts uint32) *protocol.Advert {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := protocol.BuildAdvertPayload(priv, ts, advertType, 47.6, -122.3, name)
	adv, err := protocol.ParseAdvert(payload)
	if err != nil {
		t.Fatalf("parse advert: %v", err)
	}
	return adv
}

// waitForNode polls until the async writer has landed the row.
func (f *fixture) waitForNode(t *testing.T, key string) domain.CatalogNode {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, ok, err := f.nodes.Get(f.ctx, key)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if ok {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never persisted", key)
	return domain.CatalogNode{}
}

func TestIngestAdvertZeroHopRecordsRF(t *testing.T) {
	f := newFixture(t, ModeOff, 0)
	adv := signedAdvert(t, protocol.AdvertTypeChat, "Alice", 1000)
	pkt := &protocol.Packet{PathLen: 0, Hash: "aabbccdd11223344"}

	res, err := f.mgr.IngestAdvert(f.ctx, adv, pkt, 7.25, -92, time.Now())
	if err != nil || !res.Recorded || !res.Verified {
		t.Fatalf("ingest: res=%+v err=%v", res, err)
	}

	n := f.waitForNode(t, adv.PublicKeyHex())
	if n.Name != "Alice" || n.Role != "companion" {
		t.Fatalf("unexpected node: %+v", n)
	}
	if n.SNR == nil || *n.SNR != 7.25 || n.RSSI == nil || *n.RSSI != -92 {
		t.Fatalf("zero-hop RF readings missing: %+v", n)
	}
	if n.Latitude == nil || *n.Latitude < 47.59 || *n.Latitude > 47.61 {
		t.Fatalf("advert position missing: %+v", n)
	}
}

func TestIngestAdvertMultiHopOmitsRF(t *testing.T) {
	f := newFixture(t, ModeOff, 0)
	adv := signedAdvert(t, protocol.AdvertTypeRepeater, "Hilltop", 1000)
	pkt := &protocol.Packet{PathLen: 2, PathBytes: []byte{0x10, 0x20}, Hash: "1122334455667788"}

	res, err := f.mgr.IngestAdvert(f.ctx, adv, pkt, 3.0, -80, time.Now())
	if err != nil || !res.Recorded {
		t.Fatalf("ingest: res=%+v err=%v", res, err)
	}

	n := f.waitForNode(t, adv.PublicKeyHex())
	if n.SNR != nil || n.RSSI != nil {
		t.Fatalf("RF readings recorded for relayed advert: %+v", n)
	}
	if n.Hops == nil || *n.Hops != 2 {
		t.Fatalf("hop count missing: %+v", n)
	}
	if n.Role != "repeater" {
		t.Fatalf("unexpected role: %q", n.Role)
	}

	// The routed advert also yields an observed path row.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := f.paths.ForNode(f.ctx, adv.PublicKeyHex(), 5)
		if err != nil {
			t.Fatalf("paths: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].PathHex != "1020" || rows[0].PacketType != "advert" {
				t.Fatalf("unexpected path row: %+v", rows[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("observed path never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIngestAdvertReplayGate(t *testing.T) {
	f := newFixture(t, ModeOff, 0)
	adv := signedAdvert(t, protocol.AdvertTypeChat, "Alice", 2000)
	pkt := &protocol.Packet{PathLen: 0}

	if res, _ := f.mgr.IngestAdvert(f.ctx, adv, pkt, 0, 0, time.Now()); !res.Recorded {
		t.Fatal("first advert must process")
	}
	if res, _ := f.mgr.IngestAdvert(f.ctx, adv, pkt, 0, 0, time.Now()); res.Recorded {
		t.Fatal("same timestamp must be treated as a replay")
	}
}

func TestIngestAdvertUnverifiedStillRecorded(t *testing.T) {
	f := newFixture(t, ModeOff, 0)
	adv := signedAdvert(t, protocol.AdvertTypeChat, "Mallory", 3000)
	adv.Signature[0] ^= 0xFF

	res, err := f.mgr.IngestAdvert(f.ctx, adv, &protocol.Packet{}, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Recorded || res.Verified {
		t.Fatalf("tampered advert handled wrong: %+v", res)
	}

	// It still lands in the catalog; only uploads are gated on Verified.
	n := f.waitForNode(t, adv.PublicKeyHex())
	if n.Name != "Mallory" {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestBotModeAddsCompanionsOnly(t *testing.T) {
	f := newFixture(t, ModeBot, 0)
	chat := signedAdvert(t, protocol.AdvertTypeChat, "Alice", 1000)
	repeater := signedAdvert(t, protocol.AdvertTypeRepeater, "Hilltop", 1000)

	if res, _ := f.mgr.IngestAdvert(f.ctx, chat, &protocol.Packet{}, 0, 0, time.Now()); !res.Recorded {
		t.Fatal("chat advert must process")
	}
	if res, _ := f.mgr.IngestAdvert(f.ctx, repeater, &protocol.Packet{}, 0, 0, time.Now()); !res.Recorded {
		t.Fatal("repeater advert must process")
	}

	if len(f.adder.added) != 1 || f.adder.added[0].Name != "Alice" {
		t.Fatalf("device adds wrong: %+v", f.adder.added)
	}
}

func TestDeviceModeDoesNotAddContacts(t *testing.T) {
	f := newFixture(t, ModeDevice, 0)
	chat := signedAdvert(t, protocol.AdvertTypeChat, "Alice", 1000)

	if res, _ := f.mgr.IngestAdvert(f.ctx, chat, &protocol.Packet{}, 0, 0, time.Now()); !res.Recorded {
		t.Fatal("chat advert must process")
	}
	if len(f.adder.added) != 0 {
		t.Fatalf("device mode must not add contacts: %+v", f.adder.added)
	}
}

func TestPurgeRemovesStaleCompanions(t *testing.T) {
	f := newFixture(t, ModeOff, 24*time.Hour)
	now := time.Now()
	stale := now.Add(-48 * time.Hour)

	rows := []domain.CatalogNode{
		{PublicKey: "aa01", Name: "Old", Role: "companion", FirstHeard: stale, LastHeard: stale},
		{PublicKey: "bb02", Name: "Fresh", Role: "companion", FirstHeard: now, LastHeard: now},
		{PublicKey: "cc03", Name: "OldRepeater", Role: "repeater", FirstHeard: stale, LastHeard: stale},
		{PublicKey: "dd04", Name: "Starred", Role: "companion", FirstHeard: stale, LastHeard: stale, IsStarred: true},
	}
	for _, n := range rows {
		if err := f.nodes.Upsert(f.ctx, n); err != nil {
			t.Fatalf("seed %s: %v", n.Name, err)
		}
	}

	purged, err := f.mgr.Purge(f.ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, ok, _ := f.nodes.Get(f.ctx, "aa01"); ok {
		t.Fatal("stale companion survived purge")
	}
	for _, key := range []string{"bb02", "cc03", "dd04"} {
		if _, ok, _ := f.nodes.Get(f.ctx, key); !ok {
			t.Fatalf("node %s wrongly purged", key)
		}
	}
}

func TestIngestContactFromDevice(t *testing.T) {
	f := newFixture(t, ModeOff, 0)
	c := radio.Contact{
		PublicKey:  "ee05aa",
		Name:       "RoomOne",
		Type:       protocol.AdvertTypeRoom,
		OutPathLen: 1,
		LastAdvert: 5000,
		AdvLat:     51.5,
		AdvLon:     -0.12,
	}
	f.mgr.IngestContact(f.ctx, c, time.Now())

	n := f.waitForNode(t, "ee05aa")
	if n.Role != "roomserver" || n.Name != "RoomOne" {
		t.Fatalf("unexpected node: %+v", n)
	}
	if n.Hops == nil || *n.Hops != 1 {
		t.Fatalf("out path length not recorded: %+v", n)
	}
}
