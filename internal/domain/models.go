package domain

import "time"

// MeshMessage is the dispatch-facing normalized event for both direct and
// channel messages.
type MeshMessage struct {
	Content      string
	SenderID     string // human name
	SenderPubkey string // full hex key when resolvable
	Channel      string // empty for DMs
	IsDM         bool
	Timestamp    time.Time // sender-claimed, may be bogus
	SNR          float64
	RSSI         int
	Hops         int
	Path         string // comma-joined node prefixes or human label
	PathNodes    []string
	Elapsed      string // "Nms" or a clock-sync advisory
	PacketHash   string
	ReceivedAt   time.Time
}

// SenderKey is the rate-limit and cooldown key: pubkey when known,
// otherwise the sender name.
func (m *MeshMessage) SenderKey() string {
	if m.SenderPubkey != "" {
		return m.SenderPubkey
	}
	return m.SenderID
}

// CatalogNode is one row of complete_contact_tracking: every node the bot
// has ever heard, keyed by full public key.
type CatalogNode struct {
	PublicKey           string
	Name                string
	Role                string
	FirstHeard          time.Time
	LastHeard           time.Time
	LastAdvertTimestamp uint32
	Latitude            *float64
	Longitude           *float64
	City                string
	State               string
	Country             string
	SNR                 *float64
	RSSI                *int
	Hops                *int
	IsStarred           bool
}

// Prefix is the node's 2-hex-char on-air identifier.
func (n CatalogNode) Prefix() string {
	if len(n.PublicKey) < 2 {
		return ""
	}
	return n.PublicKey[:2]
}

// ObservedPath is one row of observed_paths.
type ObservedPath struct {
	ID               int64
	PublicKey        string // empty for message paths
	PacketHash       string
	FromPrefix       string
	ToPrefix         string
	PathHex          string
	PathLength       int
	PacketType       string // advert, message or trace
	FirstSeen        time.Time
	LastSeen         time.Time
	ObservationCount int
}

// MeshEdge is a directed edge of the learned topology graph.
type MeshEdge struct {
	FromPrefix       string
	ToPrefix         string
	HopPosition      int
	Distance         *float64 // km
	FromPublicKey    string   // only when the prefix is unique in the recency window
	ToPublicKey      string
	LastSeen         time.Time
	ObservationCount int
}

// ChannelOperation is a queued device channel change.
type ChannelOperation struct {
	ID            int64
	Type          string // add or remove
	ChannelIdx    int
	ChannelName   string
	ChannelKeyHex string
	Status        string // pending, completed or failed
	Result        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
