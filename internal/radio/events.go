package radio

import "time"

// PathLenUnknown marks a contact whose outbound path the device has not
// learned yet.
const PathLenUnknown = 255

// Contact is one row of the device's contact table.
type Contact struct {
	PublicKey  string // full 64-char hex
	Name       string
	Type       uint8 // advert-type nibble
	OutPathLen int   // 0 direct, >0 hops, PathLenUnknown unknown
	OutPath    []byte
	LastAdvert uint32
	AdvLat     float64
	AdvLon     float64
}

// Prefix is the 2-hex-char on-air identifier of the contact.
func (c Contact) Prefix() string {
	if len(c.PublicKey) < 2 {
		return ""
	}
	return c.PublicKey[:2]
}

// ContactMessageEvent is a decrypted direct message delivered by the device.
type ContactMessageEvent struct {
	PubkeyPrefix    string // 12 hex chars of the sender key
	PathLen         int
	TxtType         uint8
	SenderTimestamp uint32
	Text            string
	ReceivedAt      time.Time
}

// ChannelMessageEvent is a message on a shared-key channel.
type ChannelMessageEvent struct {
	ChannelIdx      int
	PathLen         int
	TxtType         uint8
	SenderTimestamp uint32
	Text            string
	ReceivedAt      time.Time
}

// RxLogEvent is a low-level RX log record: RF readings plus the raw frame.
type RxLogEvent struct {
	SNR        float64
	RSSI       int
	RawHex     string
	PayloadHex string
	ReceivedAt time.Time
}

// RawDataEvent carries an undecoded frame seen over the air.
type RawDataEvent struct {
	Hex        string
	ReceivedAt time.Time
}

// NewContactEvent fires when the device learns a contact.
type NewContactEvent struct {
	Contact Contact
}

// SelfInfoEvent carries the radio's own identity, sent after APP_START.
type SelfInfoEvent struct {
	Contact Contact
}

// ConnStatusEvent reports transport connection state changes.
type ConnStatusEvent struct {
	Connected bool
	Err       error
}
