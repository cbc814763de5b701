// Package catalog tracks every node the bot has ever heard, fed by on-air
// adverts and the device's own contact table.
package catalog

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/protocol"
	"github.com/jtstockton/meshcore-bot/internal/radio"
)

// Mode controls whether heard nodes are pushed to the device contact table,
// kept only in the bot database, or left unmanaged.
type Mode string

const (
	ModeDevice Mode = "device"
	ModeBot    Mode = "bot"
	ModeOff    Mode = "false"
)

func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "device":
		return ModeDevice
	case "bot", "true":
		return ModeBot
	default:
		return ModeOff
	}
}

// ContactAdder is the slice of the radio driver the catalog needs.
type ContactAdder interface {
	AddContact(ctx context.Context, c radio.Contact) error
}

type Manager struct {
	log    *slog.Logger
	nodes  *persistence.CatalogRepo
	paths  *persistence.PathsRepo
	writer *persistence.WriterQueue
	driver ContactAdder
	mode   Mode

	purgeAfter time.Duration

	mu         sync.Mutex
	lastAdvert map[string]uint32
}

func NewManager(log *slog.Logger, nodes *persistence.CatalogRepo, paths *persistence.PathsRepo,
	writer *persistence.WriterQueue, driver ContactAdder, mode Mode, purgeAfter time.Duration) *Manager {
	return &Manager{
		log:        log,
		nodes:      nodes,
		paths:      paths,
		writer:     writer,
		driver:     driver,
		mode:       mode,
		purgeAfter: purgeAfter,
		lastAdvert: make(map[string]uint32),
	}
}

// IngestResult reports what became of one ingested advert.
type IngestResult struct {
	Recorded bool // false when the advert is a replay
	Verified bool // Ed25519 signature checked out; required for uploads
}

// IngestAdvert processes one decoded on-air advert. An advert whose
// signature does not verify is still recorded in the catalog, but flagged so
// it never reaches external uploads. Replays of an already-seen timestamp
// are dropped.
func (m *Manager) IngestAdvert(ctx context.Context, adv *protocol.Advert, pkt *protocol.Packet,
	snr float64, rssi int, receivedAt time.Time) (IngestResult, error) {
	key := adv.PublicKeyHex()

	verified := adv.Verify()
	if !verified {
		m.log.Warn("advert signature did not verify", "node", key[:8])
	}
	if m.isReplay(ctx, key, adv.Timestamp) {
		m.log.Debug("advert replay ignored", "node", key[:8], "advert_ts", adv.Timestamp)
		return IngestResult{Verified: verified}, nil
	}

	node := domain.CatalogNode{
		PublicKey:           key,
		Name:                adv.Name,
		Role:                string(adv.Role()),
		FirstHeard:          receivedAt,
		LastHeard:           receivedAt,
		LastAdvertTimestamp: adv.Timestamp,
	}
	if adv.HasLatLon {
		lat, lon := adv.Lat, adv.Lon
		node.Latitude, node.Longitude = &lat, &lon
	}
	hops := pkt.PathLen
	node.Hops = &hops
	// RF readings describe the last hop, so they only characterize the
	// advertiser itself on a zero-hop advert.
	if pkt.PathLen == 0 {
		s, r := snr, rssi
		node.SNR, node.RSSI = &s, &r
	}

	m.writer.Enqueue("catalog upsert", func(wctx context.Context) error {
		return m.nodes.Upsert(wctx, node)
	})

	if pkt.PathLen > 0 && len(pkt.PathBytes) > 0 {
		path := domain.ObservedPath{
			PublicKey:  key,
			PacketHash: pkt.Hash,
			FromPrefix: adv.Prefix(),
			ToPrefix:   lastHopPrefix(pkt.PathBytes),
			PathHex:    hex.EncodeToString(pkt.PathBytes),
			PathLength: pkt.PathLen,
			PacketType: "advert",
			FirstSeen:  receivedAt,
			LastSeen:   receivedAt,
		}
		m.writer.Enqueue("advert path", func(wctx context.Context) error {
			return m.paths.RecordAdvertPath(wctx, path)
		})
	}

	m.maybeAddToDevice(ctx, adv)
	return IngestResult{Recorded: true, Verified: verified}, nil
}

// IngestContact records a contact learned by the device.
func (m *Manager) IngestContact(ctx context.Context, c radio.Contact, receivedAt time.Time) {
	node := domain.CatalogNode{
		PublicKey:           c.PublicKey,
		Name:                c.Name,
		Role:                string(protocol.RoleForAdvertType(c.Type)),
		FirstHeard:          receivedAt,
		LastHeard:           receivedAt,
		LastAdvertTimestamp: c.LastAdvert,
	}
	if c.AdvLat != 0 || c.AdvLon != 0 {
		lat, lon := c.AdvLat, c.AdvLon
		node.Latitude, node.Longitude = &lat, &lon
	}
	if c.OutPathLen != radio.PathLenUnknown {
		hops := c.OutPathLen
		node.Hops = &hops
	}
	m.writer.Enqueue("contact upsert", func(wctx context.Context) error {
		return m.nodes.Upsert(wctx, node)
	})
}

// Purge removes companion nodes silent beyond the retention window and logs
// every removal. Starred nodes and infrastructure roles are kept.
func (m *Manager) Purge(ctx context.Context, now time.Time) (int, error) {
	if m.purgeAfter <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-m.purgeAfter)
	keys, err := m.nodes.PurgeOlderThan(ctx, cutoff, string(protocol.RoleCompanion))
	if err != nil {
		return len(keys), err
	}
	for _, key := range keys {
		m.mu.Lock()
		delete(m.lastAdvert, key)
		m.mu.Unlock()
		detail := fmt.Sprintf("node %s silent since %s", key, cutoff.UTC().Format(time.RFC3339))
		if err := m.nodes.LogPurgeAction(ctx, "purge_stale_companion", detail); err != nil {
			m.log.Warn("purge log write failed", "error", err)
		}
	}
	if len(keys) > 0 {
		m.log.Info("purged stale companions", "count", len(keys))
	}
	return len(keys), nil
}

func (m *Manager) isReplay(ctx context.Context, key string, ts uint32) bool {
	m.mu.Lock()
	last, cached := m.lastAdvert[key]
	m.mu.Unlock()

	if !cached {
		if n, ok, err := m.nodes.Get(ctx, key); err == nil && ok {
			last = n.LastAdvertTimestamp
		}
	}
	if ts <= last && last != 0 {
		return true
	}
	m.mu.Lock()
	m.lastAdvert[key] = ts
	m.mu.Unlock()
	return false
}

// maybeAddToDevice pushes a newly heard companion onto the radio's contact
// table. Only bot mode adds explicitly; in device mode the radio does its
// own auto-add and the bot just purges.
func (m *Manager) maybeAddToDevice(ctx context.Context, adv *protocol.Advert) {
	if m.mode != ModeBot || m.driver == nil {
		return
	}
	// Repeater-class nodes stay out of the device contact table: they are
	// routing infrastructure, not messaging peers.
	if adv.AdvertType != protocol.AdvertTypeChat && adv.AdvertType != protocol.AdvertTypeSensor {
		return
	}
	c := radio.Contact{
		PublicKey:  adv.PublicKeyHex(),
		Name:       adv.Name,
		Type:       adv.AdvertType,
		OutPathLen: radio.PathLenUnknown,
		LastAdvert: adv.Timestamp,
		AdvLat:     adv.Lat,
		AdvLon:     adv.Lon,
	}
	if err := m.driver.AddContact(ctx, c); err != nil {
		m.log.Warn("device contact add failed", "node", c.Prefix(), "error", err)
	}
}

func lastHopPrefix(pathBytes []byte) string {
	if len(pathBytes) == 0 {
		return ""
	}
	return hex.EncodeToString(pathBytes[len(pathBytes)-1:])
}
