package protocol

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Advert flag byte layout: low nibble is the advert type, high nibble the
// optional-field feature bits.
const (
	AdvertTypeChat     = 1
	AdvertTypeRepeater = 2
	AdvertTypeRoom     = 3
	AdvertTypeSensor   = 4

	advertLatLonMask = 0x10
	advertFeat1Mask  = 0x20
	advertFeat2Mask  = 0x40
	advertNameMask   = 0x80

	advertFixedSize   = 32 + 4 + 64 // pubkey, timestamp, signature
	advertMinPayload  = advertFixedSize + 1
	advertLatLonScale = 1e-6
)

var ErrAdvertTooShort = errors.New("advert payload shorter than 101 bytes")

// NodeRole classifies a node by its advert type.
type NodeRole string

const (
	RoleCompanion  NodeRole = "companion"
	RoleRepeater   NodeRole = "repeater"
	RoleRoomServer NodeRole = "roomserver"
	RoleSensor     NodeRole = "sensor"
)

// RoleForAdvertType maps the advert-type nibble onto a catalog role.
func RoleForAdvertType(t uint8) NodeRole {
	switch t {
	case AdvertTypeRepeater:
		return RoleRepeater
	case AdvertTypeRoom:
		return RoleRoomServer
	case AdvertTypeSensor:
		return RoleSensor
	default:
		return RoleCompanion
	}
}

// Advert is the parsed payload of a PayloadTypeAdvert packet.
type Advert struct {
	PublicKey  []byte // 32 bytes
	Timestamp  uint32
	Signature  []byte // 64 bytes
	AppData    []byte // flags byte onward, the signed trailer
	Flags      uint8
	AdvertType uint8
	HasLatLon  bool
	Lat        float64
	Lon        float64
	HasFeat1   bool
	Feat1      uint16
	HasFeat2   bool
	Feat2      uint16
	Name       string

	// Truncated marks a flag-declared field that ran past the payload end.
	// The partial record is still returned for catalog purposes.
	Truncated bool
}

// PublicKeyHex is the full lowercase hex public key.
func (a *Advert) PublicKeyHex() string {
	return hex.EncodeToString(a.PublicKey)
}

// Prefix is the 2-hex-char on-air node prefix of the advertiser.
func (a *Advert) Prefix() string {
	if len(a.PublicKey) == 0 {
		return ""
	}
	return hex.EncodeToString(a.PublicKey[:1])
}

// Role derives the catalog role from the advert type nibble.
func (a *Advert) Role() NodeRole {
	return RoleForAdvertType(a.AdvertType)
}

// ParseAdvert splits an ADVERT payload into its fixed header and the
// flag-variable app data. Field parsing is strictly bounded: a declared
// field that does not fit marks the advert Truncated instead of failing.
func ParseAdvert(payload []byte) (*Advert, error) {
	if len(payload) < advertMinPayload {
		return nil, fmt.Errorf("%w: %d", ErrAdvertTooShort, len(payload))
	}

	a := &Advert{
		PublicKey: payload[:32],
		Timestamp: binary.LittleEndian.Uint32(payload[32:36]),
		Signature: payload[36:100],
		AppData:   payload[100:],
	}
	a.Flags = a.AppData[0]
	a.AdvertType = a.Flags & 0x0F

	rest := a.AppData[1:]
	if a.Flags&advertLatLonMask != 0 {
		if len(rest) < 8 {
			a.Truncated = true
			return a, nil
		}
		a.HasLatLon = true
		a.Lat = float64(int32(binary.LittleEndian.Uint32(rest[0:4]))) * advertLatLonScale
		a.Lon = float64(int32(binary.LittleEndian.Uint32(rest[4:8]))) * advertLatLonScale
		rest = rest[8:]
	}
	if a.Flags&advertFeat1Mask != 0 {
		if len(rest) < 2 {
			a.Truncated = true
			return a, nil
		}
		a.HasFeat1 = true
		a.Feat1 = binary.LittleEndian.Uint16(rest[0:2])
		rest = rest[2:]
	}
	if a.Flags&advertFeat2Mask != 0 {
		if len(rest) < 2 {
			a.Truncated = true
			return a, nil
		}
		a.HasFeat2 = true
		a.Feat2 = binary.LittleEndian.Uint16(rest[0:2])
		rest = rest[2:]
	}
	if a.Flags&advertNameMask != 0 {
		a.Name = strings.TrimRight(string(rest), "\x00")
	}

	return a, nil
}

// Verify checks the Ed25519 signature over pubkey || timestamp || app_data.
func (a *Advert) Verify() bool {
	if len(a.PublicKey) != ed25519.PublicKeySize || len(a.Signature) != ed25519.SignatureSize {
		return false
	}
	msg := make([]byte, 0, 32+4+len(a.AppData))
	msg = append(msg, a.PublicKey...)
	msg = binary.LittleEndian.AppendUint32(msg, a.Timestamp)
	msg = append(msg, a.AppData...)
	return ed25519.Verify(ed25519.PublicKey(a.PublicKey), msg, a.Signature)
}

// BuildAdvertPayload assembles and signs an advert payload for the bot's own
// flood adverts. The inverse of ParseAdvert for the fields the bot sets.
func BuildAdvertPayload(priv ed25519.PrivateKey, timestamp uint32, advertType uint8, lat, lon float64, name string) []byte {
	flags := advertType & 0x0F
	appData := []byte{0}
	if lat != 0 || lon != 0 {
		flags |= advertLatLonMask
		appData = binary.LittleEndian.AppendUint32(appData, uint32(int32(lat/advertLatLonScale)))
		appData = binary.LittleEndian.AppendUint32(appData, uint32(int32(lon/advertLatLonScale)))
	}
	if name != "" {
		flags |= advertNameMask
		appData = append(appData, []byte(name)...)
	}
	appData[0] = flags

	pub := priv.Public().(ed25519.PublicKey)
	msg := make([]byte, 0, 32+4+len(appData))
	msg = append(msg, pub...)
	msg = binary.LittleEndian.AppendUint32(msg, timestamp)
	msg = append(msg, appData...)
	sig := ed25519.Sign(priv, msg)

	payload := make([]byte, 0, advertFixedSize+len(appData))
	payload = append(payload, pub...)
	payload = binary.LittleEndian.AppendUint32(payload, timestamp)
	payload = append(payload, sig...)
	payload = append(payload, appData...)

	return payload
}
