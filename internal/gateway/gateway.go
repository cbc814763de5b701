// Package gateway wires the radio event bus to the message pipeline: RF
// correlation, catalog and topology learning, transmission tracking, and
// the dispatcher. It is also the outbound side: every response, scheduled
// message and advert leaves the bot through here.
package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/bus"
	"github.com/jtstockton/meshcore-bot/internal/capture"
	"github.com/jtstockton/meshcore-bot/internal/catalog"
	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/dispatch"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/geocode"
	"github.com/jtstockton/meshcore-bot/internal/handler"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
	"github.com/jtstockton/meshcore-bot/internal/radio"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
	"github.com/jtstockton/meshcore-bot/internal/rfcache"
	"github.com/jtstockton/meshcore-bot/internal/topology"
	"github.com/jtstockton/meshcore-bot/internal/tracker"
)

const (
	// packetPrefixLen is how much of the raw frame keys the RF cache.
	packetPrefixLen = 32

	// summaryInterval paces the cached mesh summary and health snapshot.
	summaryInterval = 60 * time.Second

	dmAckTimeout    = 12 * time.Second
	dmMaxAttempts   = 3
	dmFloodAfter    = 2
	dmFloodAttempts = 1
)

// Deps collects the collaborators the gateway orchestrates.
type Deps struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Bus      bus.MessageBus
	Driver   radio.Driver
	Cache    *rfcache.Cache
	Handler  *handler.Handler
	Tracker  *tracker.Tracker
	Catalog  *catalog.Manager
	Topology *topology.Learner
	Nodes    *persistence.CatalogRepo
	Graph    *persistence.GraphRepo
	Stats    *persistence.StatsRepo
	KV       *persistence.KVRepo
	Writer   *persistence.WriterQueue
	Capture  *capture.Hooks
	Geocoder *geocode.Resolver // optional
	Global   *ratelimit.Global
	BotTX    *ratelimit.BotTX
	Channels *ChannelTable
}

type Gateway struct {
	log      *slog.Logger
	bus      bus.MessageBus
	driver   radio.Driver
	cache    *rfcache.Cache
	handler  *handler.Handler
	tracker  *tracker.Tracker
	catalog  *catalog.Manager
	topology *topology.Learner
	nodes    *persistence.CatalogRepo
	stats    *persistence.StatsRepo
	kv       *persistence.KVRepo
	writer   *persistence.WriterQueue
	capture  *capture.Hooks
	geocoder *geocode.Resolver
	global   *ratelimit.Global
	botTX    *ratelimit.BotTX
	channels *ChannelTable
	mesh     *meshState

	mu         sync.Mutex
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	runCtx     context.Context
}

func New(d Deps) *Gateway {
	return &Gateway{
		log:      d.Log,
		cfg:      d.Cfg,
		bus:      d.Bus,
		driver:   d.Driver,
		cache:    d.Cache,
		handler:  d.Handler,
		tracker:  d.Tracker,
		catalog:  d.Catalog,
		topology: d.Topology,
		nodes:    d.Nodes,
		stats:    d.Stats,
		kv:       d.KV,
		writer:   d.Writer,
		capture:  d.Capture,
		geocoder: d.Geocoder,
		global:   d.Global,
		botTX:    d.BotTX,
		channels: d.Channels,
		mesh:     newMeshState(d.Log, d.Nodes, d.Graph, connectionInfo(d.Cfg)),
		runCtx:   context.Background(),
	}
}

// SetDispatcher installs the dispatcher after construction; the dispatcher
// needs the gateway as its responder, so the two are tied together in two
// steps.
func (g *Gateway) SetDispatcher(d *dispatch.Dispatcher) {
	g.mu.Lock()
	g.dispatcher = d
	g.mu.Unlock()
}

// MeshInfo exposes the cached mesh view for the response formatter.
func (g *Gateway) MeshInfo() dispatch.MeshInfo {
	return g.mesh
}

// ApplyConfig swaps in a reloaded configuration and refreshes the channel
// table from the monitor list.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	for i, name := range cfg.Channels.MonitorChannels {
		g.channels.Set(name, i)
	}
}

func (g *Gateway) config() *config.Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Run subscribes the bus topics and processes events until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	g.mesh.seedPositions(ctx)
	g.mesh.refreshSummary(ctx, time.Now())

	contactMsgs := g.bus.Subscribe(bus.TopicContactMsgRecv)
	channelMsgs := g.bus.Subscribe(bus.TopicChannelMsgRecv)
	rxLogs := g.bus.Subscribe(bus.TopicRxLogData)
	rawData := g.bus.Subscribe(bus.TopicRawData)
	contacts := g.bus.Subscribe(bus.TopicNewContact)
	selfInfo := g.bus.Subscribe(bus.TopicSelfInfo)
	connStatus := g.bus.Subscribe(bus.TopicConnStatus)
	defer func() {
		g.bus.Unsubscribe(contactMsgs)
		g.bus.Unsubscribe(channelMsgs)
		g.bus.Unsubscribe(rxLogs)
		g.bus.Unsubscribe(rawData)
		g.bus.Unsubscribe(contacts)
		g.bus.Unsubscribe(selfInfo)
		g.bus.Unsubscribe(connStatus)
	}()

	summary := time.NewTicker(summaryInterval)
	defer summary.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-contactMsgs:
			if ev, ok := raw.(radio.ContactMessageEvent); ok {
				go g.onContactMessage(ctx, ev)
			}
		case raw := <-channelMsgs:
			if ev, ok := raw.(radio.ChannelMessageEvent); ok {
				go g.onChannelMessage(ctx, ev)
			}
		case raw := <-rxLogs:
			if ev, ok := raw.(radio.RxLogEvent); ok {
				g.onRxLog(ctx, ev)
			}
		case raw := <-rawData:
			if ev, ok := raw.(radio.RawDataEvent); ok {
				g.onRawData(ev)
			}
		case raw := <-contacts:
			if ev, ok := raw.(radio.NewContactEvent); ok {
				g.onNewContact(ctx, ev)
			}
		case raw := <-selfInfo:
			if ev, ok := raw.(radio.SelfInfoEvent); ok {
				g.onSelfInfo(ev)
			}
		case raw := <-connStatus:
			if ev, ok := raw.(radio.ConnStatusEvent); ok {
				g.onConnStatus(ctx, ev)
			}
		case now := <-summary.C:
			g.mesh.refreshSummary(ctx, now)
			g.writeHealthSnapshot(now)
		}
	}
}

// onRxLog feeds the RF cache, matches the bot's own transmissions and routes
// decoded packets to the catalog and topology learners.
func (g *Gateway) onRxLog(ctx context.Context, ev radio.RxLogEvent) {
	entry := &rfcache.Entry{
		Timestamp:    ev.ReceivedAt,
		PacketPrefix: framePrefix(ev.RawHex, ev.PayloadHex),
		SNR:          ev.SNR,
		RSSI:         ev.RSSI,
		RawHex:       ev.RawHex,
		PayloadHex:   ev.PayloadHex,
	}

	pkt, err := protocol.Decode(ev.RawHex, ev.PayloadHex)
	if err != nil {
		g.log.Debug("undecodable frame", "error", err)
		g.cache.Add(entry)
		return
	}
	entry.PacketHash = pkt.Hash
	entry.Routing = &rfcache.RoutingInfo{
		RouteType: pkt.RouteType.String(),
		PathKind:  string(pkt.PathKind),
		PathNodes: pkt.PathNodes,
		PathLen:   pkt.PathLen,
	}
	g.cache.Add(entry)

	commandID := g.matchOwnTransmission(pkt)
	g.capture.Packet(pkt, ev.SNR, ev.RSSI, commandID)
	g.capture.Routing(pkt)

	switch pkt.PayloadType {
	case protocol.PayloadTypeAdvert:
		g.ingestAdvert(ctx, pkt, ev)
	case protocol.PayloadTypeTrace:
		g.learnTrace(ctx, pkt, ev.ReceivedAt)
	}
}

// matchOwnTransmission checks a heard frame against pending and confirmed
// sends. The first copy of a pending send confirms it; later copies count as
// repeater echoes.
func (g *Gateway) matchOwnTransmission(pkt *protocol.Packet) string {
	if pkt.PayloadType == protocol.PayloadTypeTxtMsg || pkt.PayloadType == protocol.PayloadTypeGrpTxt ||
		pkt.PayloadType == protocol.PayloadTypeAdvert {
		if rec, ok := g.tracker.Confirm(pkt.Hash, ""); ok {
			g.log.Debug("own transmission heard", "command_id", rec.CommandID, "hash", pkt.Hash)
			return rec.CommandID
		}
	}
	if rec, ok := g.tracker.ObserveRepeat(pkt.Hash, pkt.PathBytes); ok {
		return rec.CommandID
	}
	return ""
}

func (g *Gateway) onRawData(ev radio.RawDataEvent) {
	g.cache.Add(&rfcache.Entry{
		Timestamp:    ev.ReceivedAt,
		PacketPrefix: framePrefix(ev.Hex, ""),
		RawHex:       ev.Hex,
	})
}

func (g *Gateway) onContactMessage(ctx context.Context, ev radio.ContactMessageEvent) {
	msg := g.handler.NormalizeDM(ctx, ev)
	g.tapMessageStats(msg.SenderID, true, "")

	if len(msg.PathNodes) > 0 {
		fromPrefix := ""
		if len(msg.SenderPubkey) >= 2 {
			fromPrefix = strings.ToLower(msg.SenderPubkey[:2])
		}
		g.topology.LearnFromMessagePath(ctx, fromPrefix, prefixesToBytes(msg.PathNodes), msg.PacketHash, ev.ReceivedAt)
	}

	if g.greet(ctx, msg) {
		return
	}
	verdict, reason := g.handler.Judge(msg)
	switch verdict {
	case handler.VerdictProcess:
		g.dispatch(ctx, msg)
	case handler.VerdictReadOnly:
		g.log.Info("backlog dm acknowledged read-only", "sender", msg.SenderID)
	default:
		g.log.Debug("dm dropped", "sender", msg.SenderID, "reason", reason)
	}
}

func (g *Gateway) onChannelMessage(ctx context.Context, ev radio.ChannelMessageEvent) {
	cfg := g.config()
	name := g.channels.Name(ev.ChannelIdx)
	if name == "" {
		name = fmt.Sprintf("channel-%d", ev.ChannelIdx)
	}
	msg := g.handler.NormalizeChannel(ctx, ev, name)

	// The device decodes the bot's own channel sends back to us; that is the
	// echo, not a message to answer.
	if strings.EqualFold(msg.SenderID, cfg.Bot.Name) {
		if msg.PacketHash != "" {
			g.tracker.Confirm(msg.PacketHash, ev.Text)
		}
		return
	}

	g.tapMessageStats(msg.SenderID, false, name)
	if len(msg.PathNodes) > 0 {
		g.topology.LearnFromMessagePath(ctx, "", prefixesToBytes(msg.PathNodes), msg.PacketHash, ev.ReceivedAt)
	}

	if g.greet(ctx, msg) {
		return
	}
	verdict, reason := g.handler.Judge(msg)
	switch verdict {
	case handler.VerdictProcess:
		g.dispatch(ctx, msg)
	case handler.VerdictReadOnly:
		g.log.Info("backlog channel message acknowledged read-only", "channel", name)
	default:
		g.log.Debug("channel message dropped", "channel", name, "reason", reason)
	}
}

func (g *Gateway) onNewContact(ctx context.Context, ev radio.NewContactEvent) {
	c := ev.Contact
	g.catalog.IngestContact(ctx, c, time.Now())
	if c.AdvLat != 0 || c.AdvLon != 0 {
		g.mesh.learnPosition(c.PublicKey, c.AdvLat, c.AdvLon)
	}
	detail := fmt.Sprintf("device learned contact %s (%s)", c.Prefix(), c.Name)
	g.writer.Enqueue("contact discovery log", func(wctx context.Context) error {
		return g.nodes.LogPurgeAction(wctx, "new_contact", detail)
	})
}

// onSelfInfo teaches the tracker and the topology learner the bot's own
// on-air prefix so its echoes never count as repeaters or mesh edges.
func (g *Gateway) onSelfInfo(ev radio.SelfInfoEvent) {
	prefix := ev.Contact.Prefix()
	if prefix == "" {
		return
	}
	g.log.Info("radio identity", "prefix", prefix, "name", ev.Contact.Name)
	g.tracker.SetSelfPrefix(prefix)
	g.topology.SetSelfPrefix(prefix)
}

func (g *Gateway) onConnStatus(ctx context.Context, ev radio.ConnStatusEvent) {
	if ev.Connected {
		now := time.Now()
		g.handler.SetConnectionTime(now)
		g.log.Info("radio connected")
		go func() {
			if err := g.driver.SetTime(ctx, now); err != nil {
				g.log.Warn("device clock sync failed", "error", err)
			}
		}()
		return
	}
	g.log.Warn("radio disconnected", "error", ev.Err)
	g.tracker.CancelEchoChecks()
}

func (g *Gateway) ingestAdvert(ctx context.Context, pkt *protocol.Packet, ev radio.RxLogEvent) {
	adv, err := protocol.ParseAdvert(pkt.Payload)
	if err != nil {
		g.log.Debug("advert parse failed", "error", err)
		return
	}
	res, err := g.catalog.IngestAdvert(ctx, adv, pkt, ev.SNR, ev.RSSI, ev.ReceivedAt)
	if err != nil {
		g.log.Warn("advert ingest failed", "error", err)
		return
	}
	if !res.Recorded {
		return
	}

	key := adv.PublicKeyHex()
	if adv.HasLatLon {
		g.mesh.learnPosition(key, adv.Lat, adv.Lon)
		if g.geocoder != nil {
			go g.geocoder.EnrichNode(g.backgroundCtx(), key, adv.Lat, adv.Lon)
		}
	}
	if pkt.PathLen > 0 {
		g.topology.LearnFromAdvertPath(ctx, adv.Prefix(), pkt.PathBytes, ev.ReceivedAt)
	}
	// Only signature-verified adverts leave the mesh via the viewer upload.
	if res.Verified {
		if node, ok, err := g.nodes.Get(ctx, key); err == nil && ok {
			g.capture.NodeUpdate(ctx, node)
		}
	}
}

// learnTrace folds a completed trace into the topology: the payload carries
// the real routing path, last prefix being the trace target.
func (g *Gateway) learnTrace(ctx context.Context, pkt *protocol.Packet, now time.Time) {
	if len(pkt.PathHashes) == 0 {
		return
	}
	target := pkt.PathHashes[len(pkt.PathHashes)-1]
	g.topology.LearnFromTrace(ctx, target, pkt.PathHashes[:len(pkt.PathHashes)-1], now)
}

// greet offers a message to the greeter ahead of any filtering, so a hello
// on a channel the bot does not otherwise monitor is still answered.
func (g *Gateway) greet(ctx context.Context, msg *domain.MeshMessage) bool {
	g.mu.Lock()
	d := g.dispatcher
	g.mu.Unlock()
	if d == nil {
		return false
	}
	return d.Greet(ctx, msg)
}

func (g *Gateway) dispatch(ctx context.Context, msg *domain.MeshMessage) {
	g.mu.Lock()
	d := g.dispatcher
	g.mu.Unlock()
	if d == nil {
		g.log.Warn("no dispatcher installed, message dropped")
		return
	}
	d.Dispatch(ctx, msg)
}

// tapMessageStats records a message_stats row before any filtering.
func (g *Gateway) tapMessageStats(senderID string, isDM bool, channel string) {
	g.writer.Enqueue("message stat", func(wctx context.Context) error {
		return g.stats.RecordMessage(wctx, senderID, isDM, channel)
	})
}

// SendDM delivers a direct message, resolving the destination through the
// device contact table.
func (g *Gateway) SendDM(ctx context.Context, pubkey, text string) error {
	c, ok := g.driver.GetContactByPrefix(pubkey)
	if !ok {
		return fmt.Errorf("no device contact for %.12s", pubkey)
	}
	if err := g.waitForSendSlot(ctx); err != nil {
		return err
	}

	g.tracker.RecordSend(text, c.Prefix(), false)
	err := g.driver.SendMsgWithRetry(ctx, c, text, radio.RetryOptions{
		MaxAttempts:      dmMaxAttempts,
		MaxFloodAttempts: dmFloodAttempts,
		FloodAfter:       dmFloodAfter,
		AckTimeout:       dmAckTimeout,
	})
	if err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	g.global.RecordSend()
	return nil
}

// SendChannel delivers a channel message and, when enabled, arms the
// echo-verified retry chain.
func (g *Gateway) SendChannel(ctx context.Context, channel, text string) error {
	idx, ok := g.channels.Resolve(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	if err := g.waitForSendSlot(ctx); err != nil {
		return err
	}

	rec := g.tracker.RecordSend(text, channel, true)
	if err := g.driver.SendChanMsg(ctx, idx, text); err != nil {
		return fmt.Errorf("send channel message: %w", err)
	}
	g.global.RecordSend()

	cfg := g.config()
	if cfg.Bot.ChannelRetryEnabled {
		g.armChannelRetry(rec, idx, channel, text, cfg.Bot.ChannelRetryMaxAttempts)
	}
	return nil
}

// SendChannelMessage satisfies the scheduler's sender interface.
func (g *Gateway) SendChannelMessage(ctx context.Context, channel, text string) error {
	return g.SendChannel(ctx, channel, text)
}

// SendAdvert floods a self-advert.
func (g *Gateway) SendAdvert(ctx context.Context) error {
	if err := g.botTX.WaitForTX(ctx); err != nil {
		return err
	}
	if err := g.driver.SendAdvert(ctx, true); err != nil {
		return fmt.Errorf("send advert: %w", err)
	}
	g.global.RecordSend()
	return nil
}

// armChannelRetry schedules an echo check for a channel send; an unheard
// send is retransmitted and the check chains until attempts run out.
func (g *Gateway) armChannelRetry(rec *tracker.Record, idx int, channel, text string, attemptsLeft int) {
	if attemptsLeft <= 0 {
		return
	}
	cfg := g.config()
	window := time.Duration(cfg.Bot.ChannelRetryEchoWindow * float64(time.Second))
	g.tracker.ScheduleEchoCheck(g.backgroundCtx(), rec, window, func(tctx context.Context) {
		if err := g.botTX.WaitForTX(tctx); err != nil {
			return
		}
		retry := g.tracker.RecordSend(text, channel, true)
		if err := g.driver.SendChanMsg(tctx, idx, text); err != nil {
			g.log.Warn("channel retry failed", "channel", channel, "error", err)
			return
		}
		g.global.RecordSend()
		g.armChannelRetry(retry, idx, channel, text, attemptsLeft-1)
	})
}

// ApplyChannelOps drains the channel_operations queue against the channel
// table, for the scheduler's 5 s worker.
func (g *Gateway) ApplyChannelOps(ctx context.Context, repo *persistence.ChanOpsRepo) {
	ops, err := repo.Pending(ctx)
	if err != nil {
		g.log.Warn("channel ops read failed", "error", err)
		return
	}
	for _, op := range ops {
		status, result := persistence.ChanOpCompleted, "applied"
		switch op.Type {
		case "add":
			g.channels.Set(op.ChannelName, op.ChannelIdx)
		case "remove":
			g.channels.Remove(op.ChannelIdx)
		default:
			status, result = persistence.ChanOpFailed, fmt.Sprintf("unknown operation %q", op.Type)
		}
		if err := repo.Resolve(ctx, op.ID, status, result); err != nil {
			g.log.Warn("channel op resolve failed", "id", op.ID, "error", err)
		}
	}
}

// waitForSendSlot runs the outbound limiter chain: global floor check, TX
// serialization, then the configured settle delay.
func (g *Gateway) waitForSendSlot(ctx context.Context) error {
	cfg := g.config()
	if ok, wait := g.global.CanSend(); !ok {
		g.global.RecordThrottle()
		return fmt.Errorf("global rate limit: %s remaining", wait.Round(time.Millisecond))
	}
	if err := g.botTX.WaitForTX(ctx); err != nil {
		return err
	}
	if cfg.Bot.TxDelayMs > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(cfg.Bot.TxDelayMs) * time.Millisecond):
		}
	}
	return nil
}

func (g *Gateway) writeHealthSnapshot(now time.Time) {
	snapshot := fmt.Sprintf(`{"time":%q,"connected":%t,"rf_cache":%d,"sends":%d,"throttled":%d}`,
		now.UTC().Format(time.RFC3339), g.driver.IsConnected(), g.cache.Len(),
		g.global.Stats().TotalSends, g.global.Stats().TotalThrottled)
	g.writer.Enqueue("health snapshot", func(wctx context.Context) error {
		return g.kv.Set(wctx, persistence.KVHealthSnapshot, snapshot)
	})
}

// backgroundCtx outlives individual events but dies with the gateway run.
func (g *Gateway) backgroundCtx() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runCtx
}

func connectionInfo(cfg *config.Config) string {
	switch cfg.Connection.Type {
	case config.ConnectionSerial:
		return fmt.Sprintf("serial %s", cfg.Connection.SerialPort)
	case config.ConnectionBLE:
		return fmt.Sprintf("ble %s", cfg.Connection.BLEAddress)
	case config.ConnectionTCP:
		return fmt.Sprintf("tcp %s:%d", cfg.Connection.Host, cfg.Connection.Port)
	default:
		return string(cfg.Connection.Type)
	}
}

// framePrefix is the cache key of a frame: the first 32 hex chars of the
// body Decode would pick.
func framePrefix(rawHex, payloadHex string) string {
	body := strings.TrimSpace(payloadHex)
	if body == "" {
		body = strings.TrimSpace(rawHex)
	}
	body = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(body, "0x"), "0X"))
	if len(body) > packetPrefixLen {
		return body[:packetPrefixLen]
	}
	return body
}

// ContactLookup adapts the driver's contact table to the handler's
// context-aware lookup interface.
type ContactLookup struct {
	Driver radio.Driver
}

func (l ContactLookup) GetContactByPrefix(_ context.Context, prefix string) (radio.Contact, error) {
	c, ok := l.Driver.GetContactByPrefix(prefix)
	if !ok {
		return radio.Contact{}, fmt.Errorf("contact %q not in device table", prefix)
	}
	return c, nil
}

func (l ContactLookup) GetContactByName(_ context.Context, name string) (radio.Contact, error) {
	c, ok := l.Driver.GetContactByName(name)
	if !ok {
		return radio.Contact{}, fmt.Errorf("contact %q not in device table", name)
	}
	return c, nil
}

func prefixesToBytes(nodes []string) []byte {
	out := make([]byte, 0, len(nodes))
	for _, n := range nodes {
		b, err := hex.DecodeString(n)
		if err != nil || len(b) != 1 {
			continue
		}
		out = append(out, b[0])
	}
	return out
}
