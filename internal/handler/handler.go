// Package handler turns raw radio events into normalized mesh messages and
// decides which of them the dispatcher may see.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/i18n"
	"github.com/jtstockton/meshcore-bot/internal/radio"
	"github.com/jtstockton/meshcore-bot/internal/rfcache"
)

// staleGrace is how far a message's sender timestamp may precede the radio
// connection before the message is treated as device backlog.
const staleGrace = 5 * time.Second

// clockSkewLimit is the plausibility bound on sender timestamps: anything
// further in the future is a broken clock, not a real send time.
const clockSkewLimit = time.Hour

// Verdict says what to do with a normalized message.
type Verdict int

const (
	// VerdictProcess hands the message to the dispatcher.
	VerdictProcess Verdict = iota
	// VerdictReadOnly marks device backlog: acknowledged but never answered.
	VerdictReadOnly
	// VerdictDrop discards the message silently.
	VerdictDrop
)

// ContactLookup is the slice of the radio driver the handler needs.
type ContactLookup interface {
	GetContactByPrefix(ctx context.Context, prefix string) (radio.Contact, error)
	GetContactByName(ctx context.Context, name string) (radio.Contact, error)
}

type Handler struct {
	log        *slog.Logger
	cfg        *config.Config
	cache      *rfcache.Cache
	contacts   ContactLookup
	translator *i18n.Translator

	window time.Duration

	mu             sync.Mutex
	connectionTime time.Time
	// extraChannels are channels some command is scoped to beyond the
	// monitor list, rebuilt from config on reload.
	extraChannels map[string]bool
}

func New(log *slog.Logger, cfg *config.Config, cache *rfcache.Cache, contacts ContactLookup, translator *i18n.Translator) *Handler {
	h := &Handler{
		log:        log,
		cfg:        cfg,
		cache:      cache,
		contacts:   contacts,
		translator: translator,
		window:     time.Duration(cfg.Bot.MessageCorrelationTimeout * float64(time.Second)),
	}
	h.rebuildChannelScope(cfg)
	return h
}

// SetConnectionTime records when the radio link came up; messages older than
// that are device backlog.
func (h *Handler) SetConnectionTime(t time.Time) {
	h.mu.Lock()
	h.connectionTime = t
	h.mu.Unlock()
}

// ApplyConfig refreshes filter state after a config reload.
func (h *Handler) ApplyConfig(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.window = time.Duration(cfg.Bot.MessageCorrelationTimeout * float64(time.Second))
	h.mu.Unlock()
	h.rebuildChannelScope(cfg)
}

// NormalizeDM builds a MeshMessage from a direct message event, resolving
// the sender through the device contact table and attaching RF readings from
// the correlator.
func (h *Handler) NormalizeDM(ctx context.Context, ev radio.ContactMessageEvent) *domain.MeshMessage {
	msg := &domain.MeshMessage{
		Content:    ev.Text,
		IsDM:       true,
		Timestamp:  time.Unix(int64(ev.SenderTimestamp), 0),
		ReceivedAt: ev.ReceivedAt,
		Elapsed:    h.elapsedLabel(ev.SenderTimestamp, ev.ReceivedAt),
		Hops:       ev.PathLen,
		Path:       "unknown",
	}

	if c, err := h.contacts.GetContactByPrefix(ctx, ev.PubkeyPrefix); err == nil {
		msg.SenderID = c.Name
		msg.SenderPubkey = c.PublicKey
		msg.Path = contactPathLabel(c)
		msg.PathNodes = contactPathNodes(c)
	} else {
		msg.SenderID = ev.PubkeyPrefix
		h.log.Debug("dm sender not in contacts", "prefix", ev.PubkeyPrefix)
	}

	h.attachRF(ctx, msg, "", ev.PubkeyPrefix)
	return msg
}

// NormalizeChannel builds a MeshMessage from a channel message event. The
// conventional "SENDER: text" framing is split into sender and content; a
// message without it keeps the whole text and an empty sender. The sender
// name is resolved against the device contact table so downstream consumers
// (admin checks, DM replies) get the full public key when one is known.
func (h *Handler) NormalizeChannel(ctx context.Context, ev radio.ChannelMessageEvent, channelName string) *domain.MeshMessage {
	sender, content := splitSender(ev.Text)
	msg := &domain.MeshMessage{
		Content:    content,
		SenderID:   sender,
		Channel:    channelName,
		Timestamp:  time.Unix(int64(ev.SenderTimestamp), 0),
		ReceivedAt: ev.ReceivedAt,
		Elapsed:    h.elapsedLabel(ev.SenderTimestamp, ev.ReceivedAt),
		Hops:       ev.PathLen,
		Path:       "unknown",
	}
	if sender != "" {
		if c, err := h.contacts.GetContactByName(ctx, sender); err == nil {
			msg.SenderPubkey = c.PublicKey
		}
	}
	h.attachRF(ctx, msg, "", "")
	return msg
}

// Judge applies the pre-dispatch filters in order: backlog, bans, DM policy,
// channel scope.
func (h *Handler) Judge(msg *domain.MeshMessage) (Verdict, string) {
	h.mu.Lock()
	cfg := h.cfg
	connectedAt := h.connectionTime
	extra := h.extraChannels
	h.mu.Unlock()

	if h.isStale(msg, connectedAt) {
		return VerdictReadOnly, "device backlog from before connection"
	}
	for _, banned := range cfg.BannedUsers {
		if bannedNameMatch(msg.SenderID, banned) {
			return VerdictDrop, "sender is banned"
		}
	}
	if msg.IsDM {
		if !cfg.Bot.RespondToDMs {
			return VerdictDrop, "direct messages disabled"
		}
		return VerdictProcess, ""
	}
	for _, ch := range cfg.Channels.MonitorChannels {
		if strings.EqualFold(ch, msg.Channel) {
			return VerdictProcess, ""
		}
	}
	if extra[strings.ToLower(msg.Channel)] {
		return VerdictProcess, ""
	}
	return VerdictDrop, "channel not watched"
}

func (h *Handler) isStale(msg *domain.MeshMessage, connectedAt time.Time) bool {
	if connectedAt.IsZero() {
		return false
	}
	ts := msg.Timestamp
	// Only a plausible timestamp can prove the message predates the
	// connection; a zero or far-future clock proves nothing.
	if ts.Unix() <= 0 || ts.After(msg.ReceivedAt.Add(clockSkewLimit)) {
		return false
	}
	return ts.Before(connectedAt.Add(-staleGrace))
}

func (h *Handler) attachRF(ctx context.Context, msg *domain.MeshMessage, packetPrefix, pubkeyPrefix string) {
	h.mu.Lock()
	window := h.window
	h.mu.Unlock()

	e, ok := h.cache.Correlate(ctx, packetPrefix, pubkeyPrefix, window)
	if !ok {
		return
	}
	msg.SNR = e.SNR
	msg.RSSI = e.RSSI
	msg.PacketHash = e.PacketHash
	if e.Routing != nil && len(e.Routing.PathNodes) > 0 {
		msg.PathNodes = e.Routing.PathNodes
		msg.Path = strings.Join(e.Routing.PathNodes, ",")
		msg.Hops = e.Routing.PathLen
	}
}

func (h *Handler) rebuildChannelScope(cfg *config.Config) {
	extra := map[string]bool{}
	for _, section := range cfg.CommandSections {
		for _, ch := range strings.Split(section["allowed_channels"], ",") {
			if t := strings.TrimSpace(strings.ToLower(ch)); t != "" {
				extra[t] = true
			}
		}
	}
	h.mu.Lock()
	h.extraChannels = extra
	h.mu.Unlock()
}

// elapsedLabel renders transit time, or a clock advisory when the sender
// timestamp cannot be trusted.
func (h *Handler) elapsedLabel(senderTS uint32, receivedAt time.Time) string {
	if senderTS == 0 {
		return h.translator.Translate("sender clock unset", nil)
	}
	sent := time.Unix(int64(senderTS), 0)
	if sent.After(receivedAt.Add(clockSkewLimit)) {
		return h.translator.Translate("sender clock ahead, sync needed", nil)
	}
	d := receivedAt.Sub(sent)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// bannedNameMatch reports whether the sender name starts with the banned
// name at a word boundary: banning "BadUser" drops "BadUser" and
// "BadUser 🛑" but not "BadUserson".
func bannedNameMatch(sender, banned string) bool {
	banned = strings.TrimSpace(banned)
	if banned == "" || sender == "" {
		return false
	}
	ls, lb := strings.ToLower(sender), strings.ToLower(banned)
	if !strings.HasPrefix(ls, lb) {
		return false
	}
	rest := ls[len(lb):]
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func splitSender(text string) (sender, content string) {
	if i := strings.Index(text, ": "); i > 0 {
		return text[:i], text[i+2:]
	}
	return "", text
}

func contactPathLabel(c radio.Contact) string {
	switch {
	case c.OutPathLen == 0:
		return "Direct"
	case c.OutPathLen == radio.PathLenUnknown:
		return "unknown"
	default:
		return strings.Join(contactPathNodes(c), ",")
	}
}

func contactPathNodes(c radio.Contact) []string {
	if c.OutPathLen <= 0 || c.OutPathLen == radio.PathLenUnknown {
		return nil
	}
	nodes := make([]string, 0, len(c.OutPath))
	for _, b := range c.OutPath {
		nodes = append(nodes, fmt.Sprintf("%02x", b))
	}
	return nodes
}
