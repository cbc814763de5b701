package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/bus"
	"github.com/jtstockton/meshcore-bot/internal/capture"
	"github.com/jtstockton/meshcore-bot/internal/catalog"
	"github.com/jtstockton/meshcore-bot/internal/command"
	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/dispatch"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/handler"
	"github.com/jtstockton/meshcore-bot/internal/i18n"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
	"github.com/jtstockton/meshcore-bot/internal/radio"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
	"github.com/jtstockton/meshcore-bot/internal/rfcache"
	"github.com/jtstockton/meshcore-bot/internal/topology"
	"github.com/jtstockton/meshcore-bot/internal/tracker"
)

type fakeDriver struct {
	mu       sync.Mutex
	contacts map[string]radio.Contact
	dms      []string // "prefix|text"
	chanMsgs []string // "idx|text"
	adverts  int
}

func newFakeDriver(contacts ...radio.Contact) *fakeDriver {
	d := &fakeDriver{contacts: map[string]radio.Contact{}}
	for _, c := range contacts {
		d.contacts[c.PublicKey] = c
	}
	return d
}

func (d *fakeDriver) Connect(context.Context) error { return nil }
func (d *fakeDriver) Disconnect() error             { return nil }
func (d *fakeDriver) IsConnected() bool             { return true }

func (d *fakeDriver) SendMsg(_ context.Context, dest radio.Contact, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dms = append(d.dms, dest.Prefix()+"|"+text)
	return nil
}

func (d *fakeDriver) SendMsgWithRetry(ctx context.Context, dest radio.Contact, text string, _ radio.RetryOptions) error {
	return d.SendMsg(ctx, dest, text)
}

func (d *fakeDriver) SendChanMsg(_ context.Context, channelIdx int, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chanMsgs = append(d.chanMsgs, fmt.Sprintf("%d|%s", channelIdx, text))
	return nil
}

func (d *fakeDriver) SendAdvert(context.Context, bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adverts++
	return nil
}

func (d *fakeDriver) GetTime(context.Context) (time.Time, error) { return time.Now(), nil }
func (d *fakeDriver) SetTime(context.Context, time.Time) error   { return nil }
func (d *fakeDriver) SetName(context.Context, string) error      { return nil }

func (d *fakeDriver) AddContact(_ context.Context, c radio.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.PublicKey] = c
	return nil
}

func (d *fakeDriver) GetContactByName(name string) (radio.Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.contacts {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return radio.Contact{}, false
}

func (d *fakeDriver) GetContactByPrefix(prefix string) (radio.Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix = strings.ToLower(prefix)
	for key, c := range d.contacts {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			return c, true
		}
	}
	return radio.Contact{}, false
}

func (d *fakeDriver) Contacts() []radio.Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]radio.Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	return out
}

func (d *fakeDriver) sentDMs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dms...)
}

func (d *fakeDriver) sentChanMsgs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.chanMsgs...)
}

type testRig struct {
	ctx     context.Context
	cfg     *config.Config
	bus     *bus.PubSubBus
	driver  *fakeDriver
	gw      *Gateway
	nodes   *persistence.CatalogRepo
	chanOps *persistence.ChanOpsRepo
}

func newTestRig(t *testing.T, extraINI string, contacts ...radio.Contact) *testRig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	body := `[Connection]
type = serial
serial_port = /dev/ttyUSB0

[Bot]
name = TestBot
respond_to_dms = true
rate_limit_seconds = 0
bot_tx_rate_limit_seconds = 0
per_user_rate_limit_enabled = false
message_correlation_timeout = 0.2

[Channels]
monitor_channels = general
` + extraINI
	path := filepath.Join(t.TempDir(), "bot.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	log := slog.New(slog.DiscardHandler)
	db, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	writer := persistence.NewWriterQueue(log, 64)
	writer.Start(ctx)

	nodes := persistence.NewCatalogRepo(db)
	paths := persistence.NewPathsRepo(db)
	graph := persistence.NewGraphRepo(db)
	stats := persistence.NewStatsRepo(db)
	stream := persistence.NewStreamRepo(db)
	chanOps := persistence.NewChanOpsRepo(db)
	kv := persistence.NewKVRepo(db)

	b := bus.New(log)
	driver := newFakeDriver(contacts...)
	cache := rfcache.New(log, 100, 15*time.Second)
	h := handler.New(log, cfg, cache, ContactLookup{Driver: driver}, nil)
	trk := tracker.New(log, stream, writer, "fe")
	cat := catalog.NewManager(log, nodes, paths, writer, driver, catalog.ModeOff, 0)
	topo := topology.NewLearner(log, nodes, paths, graph, writer, "fe", 0)
	capt := capture.NewHooks(log, stream, writer, capture.Options{})
	global := ratelimit.NewGlobal(0)
	botTX := ratelimit.NewBotTX(0)

	gw := New(Deps{
		Log:      log,
		Cfg:      cfg,
		Bus:      b,
		Driver:   driver,
		Cache:    cache,
		Handler:  h,
		Tracker:  trk,
		Catalog:  cat,
		Topology: topo,
		Nodes:    nodes,
		Graph:    graph,
		Stats:    stats,
		KV:       kv,
		Writer:   writer,
		Capture:  capt,
		Global:   global,
		BotTX:    botTX,
		Channels: NewChannelTable(cfg.Channels.MonitorChannels),
	})

	translator := i18n.New(log, t.TempDir(), "en")
	registry := command.NewRegistry(command.Deps{
		Log:        log,
		Cfg:        cfg,
		Translator: translator,
		Nodes:      nodes,
		Graph:      graph,
		Stats:      stats,
		HTTP:       http.DefaultClient,
		StartTime:  time.Now(),
	})
	registry.BuildAll()

	perUser, err := ratelimit.NewPerUser(time.Second, 10)
	if err != nil {
		t.Fatalf("per-user limiter: %v", err)
	}
	formatter := dispatch.NewFormatter(gw.MeshInfo(), nil)
	internet := dispatch.NewInternetChecker(log, http.DefaultClient)
	disp := dispatch.New(log, cfg, registry, translator, formatter, internet, gw, perUser, stats, writer)
	gw.SetDispatcher(disp)

	go gw.Run(ctx)
	go disp.Run(ctx)
	// Let the subscriptions land before tests publish.
	time.Sleep(20 * time.Millisecond)

	return &testRig{ctx: ctx, cfg: cfg, bus: b, driver: driver, gw: gw, nodes: nodes, chanOps: chanOps}
}

func waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContact(name string) radio.Contact {
	key := strings.Repeat("aa", 32)
	return radio.Contact{PublicKey: key, Name: name, OutPathLen: 0}
}

func TestPingDMAnsweredWithPong(t *testing.T) {
	rig := newTestRig(t, "", testContact("Alice"))

	rig.bus.Publish(bus.TopicContactMsgRecv, radio.ContactMessageEvent{
		PubkeyPrefix:    strings.Repeat("aa", 6),
		SenderTimestamp: uint32(time.Now().Unix()),
		Text:            "ping",
		ReceivedAt:      time.Now(),
	})

	waitFor(t, "pong dm", func() bool {
		for _, sent := range rig.driver.sentDMs() {
			if strings.Contains(sent, "Pong!") {
				return true
			}
		}
		return false
	})
}

func TestChannelPingOnMonitoredChannel(t *testing.T) {
	rig := newTestRig(t, "")

	rig.bus.Publish(bus.TopicChannelMsgRecv, radio.ChannelMessageEvent{
		ChannelIdx:      0,
		SenderTimestamp: uint32(time.Now().Unix()),
		Text:            "Bob: !ping",
		ReceivedAt:      time.Now(),
	})

	waitFor(t, "pong on channel 0", func() bool {
		for _, sent := range rig.driver.sentChanMsgs() {
			if strings.HasPrefix(sent, "0|") && strings.Contains(sent, "Pong!") {
				return true
			}
		}
		return false
	})
}

func TestUnmonitoredChannelIsSilent(t *testing.T) {
	rig := newTestRig(t, "")

	rig.bus.Publish(bus.TopicChannelMsgRecv, radio.ChannelMessageEvent{
		ChannelIdx:      5,
		SenderTimestamp: uint32(time.Now().Unix()),
		Text:            "Bob: !ping",
		ReceivedAt:      time.Now(),
	})

	time.Sleep(400 * time.Millisecond)
	if sent := rig.driver.sentChanMsgs(); len(sent) != 0 {
		t.Fatalf("unwatched channel answered: %v", sent)
	}
}

func TestBacklogDMNotAnswered(t *testing.T) {
	rig := newTestRig(t, "", testContact("Alice"))

	rig.bus.Publish(bus.TopicConnStatus, radio.ConnStatusEvent{Connected: true})
	time.Sleep(50 * time.Millisecond)

	rig.bus.Publish(bus.TopicContactMsgRecv, radio.ContactMessageEvent{
		PubkeyPrefix:    strings.Repeat("aa", 6),
		SenderTimestamp: uint32(time.Now().Add(-time.Hour).Unix()),
		Text:            "ping",
		ReceivedAt:      time.Now(),
	})

	time.Sleep(400 * time.Millisecond)
	if sent := rig.driver.sentDMs(); len(sent) != 0 {
		t.Fatalf("backlog message answered: %v", sent)
	}
}

func TestChannelRetryResendsWithoutEcho(t *testing.T) {
	rig := newTestRig(t, `[Bot]
channel_retry_enabled = true
channel_retry_max_attempts = 1
channel_retry_echo_window = 0.05
`)

	if err := rig.gw.SendChannel(rig.ctx, "general", "hello mesh"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "echo retry", func() bool {
		return len(rig.driver.sentChanMsgs()) == 2
	})
	// Attempts are exhausted; no third send.
	time.Sleep(200 * time.Millisecond)
	if sent := rig.driver.sentChanMsgs(); len(sent) != 2 {
		t.Fatalf("retry chain did not stop: %v", sent)
	}
}

func TestChannelRetrySkippedWhenEchoHeard(t *testing.T) {
	rig := newTestRig(t, `[Bot]
channel_retry_enabled = true
channel_retry_max_attempts = 1
channel_retry_echo_window = 0.15
`)

	if err := rig.gw.SendChannel(rig.ctx, "general", "hello mesh"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// A GRP_TXT frame heard on the air confirms the pending send.
	frame := []byte{0x01 | byte(protocol.PayloadTypeGrpTxt)<<2, 0x00, 0xde, 0xad, 0xbe, 0xef}
	rig.bus.Publish(bus.TopicRxLogData, radio.RxLogEvent{
		SNR:        4.5,
		RSSI:       -90,
		RawHex:     hex.EncodeToString(frame),
		ReceivedAt: time.Now(),
	})

	time.Sleep(400 * time.Millisecond)
	if sent := rig.driver.sentChanMsgs(); len(sent) != 1 {
		t.Fatalf("echoed send retried anyway: %v", sent)
	}
}

func TestAdvertOnAirLandsInCatalog(t *testing.T) {
	rig := newTestRig(t, "")

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := protocol.BuildAdvertPayload(priv, uint32(time.Now().Unix()), protocol.AdvertTypeRepeater, 47.6, -122.3, "Hilltop")
	frame := append([]byte{0x01 | byte(protocol.PayloadTypeAdvert)<<2, 0x00}, payload...)

	rig.bus.Publish(bus.TopicRxLogData, radio.RxLogEvent{
		SNR:        6.0,
		RSSI:       -85,
		RawHex:     hex.EncodeToString(frame),
		ReceivedAt: time.Now(),
	})

	key := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	var node domain.CatalogNode
	waitFor(t, "catalog row", func() bool {
		n, ok, err := rig.nodes.Get(rig.ctx, key)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		node = n
		return ok
	})
	if node.Name != "Hilltop" || node.Role != "repeater" {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func TestApplyChannelOps(t *testing.T) {
	rig := newTestRig(t, "")

	if _, err := rig.chanOps.Enqueue(rig.ctx, domain.ChannelOperation{
		Type: "add", ChannelIdx: 3, ChannelName: "newchan",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rig.gw.ApplyChannelOps(rig.ctx, rig.chanOps)

	if idx, ok := rig.gw.channels.Resolve("newchan"); !ok || idx != 3 {
		t.Fatalf("channel not mapped: idx=%d ok=%v", idx, ok)
	}
	pending, err := rig.chanOps.Pending(rig.ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("op not resolved: %+v", pending)
	}
}

func TestChannelTableMappings(t *testing.T) {
	tbl := NewChannelTable([]string{"General", "backup"})
	if idx, ok := tbl.Resolve("general"); !ok || idx != 0 {
		t.Fatalf("case-insensitive resolve failed: idx=%d ok=%v", idx, ok)
	}
	if name := tbl.Name(1); name != "backup" {
		t.Fatalf("name lookup wrong: %q", name)
	}
	tbl.Set("general", 2)
	if name := tbl.Name(0); name != "" {
		t.Fatalf("stale index mapping kept: %q", name)
	}
	tbl.Remove(2)
	if _, ok := tbl.Resolve("general"); ok {
		t.Fatal("removed channel still resolves")
	}
}

func TestFramePrefixPrefersPayload(t *testing.T) {
	long := strings.Repeat("ab", 40)
	if got := framePrefix(long, ""); len(got) != packetPrefixLen {
		t.Fatalf("prefix length wrong: %d", len(got))
	}
	if got := framePrefix(long, "0xDEADBEEF"); got != "deadbeef" {
		t.Fatalf("payload preference wrong: %q", got)
	}
}
