package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShortFrame         = errors.New("frame shorter than two bytes")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
	ErrTruncated          = errors.New("frame truncated")
)

const traceHeaderSize = 9 // 4-byte tag + 4-byte auth + 1-byte flags

// Decode parses a raw hex frame into a Packet. When payloadHex is non-empty
// it is preferred as the packet body: the RF driver sometimes delivers a
// stripped inner frame there. Decode is purely computational and never
// panics; malformed input yields an error the caller logs and drops.
func Decode(rawHex, payloadHex string) (*Packet, error) {
	body := strings.TrimSpace(payloadHex)
	if body == "" {
		body = strings.TrimSpace(rawHex)
	}
	body = strings.TrimPrefix(strings.TrimPrefix(body, "0x"), "0X")

	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode frame hex: %w", err)
	}
	if len(raw) < 2 {
		return nil, ErrShortFrame
	}

	header := raw[0]
	pkt := &Packet{
		HeaderByte:     header,
		RouteType:      RouteType(header & 0x03),
		PayloadType:    PayloadType((header >> 2) & 0x0F),
		PayloadVersion: PayloadVersion((header >> 6) & 0x03),
	}
	if pkt.PayloadVersion != PayloadVersion1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, pkt.PayloadVersion)
	}

	offset := 1
	if pkt.RouteType.HasTransportCodes() {
		if len(raw) < offset+4 {
			return nil, fmt.Errorf("%w: missing transport codes", ErrTruncated)
		}
		pkt.HasTransportCodes = true
		pkt.TransportCodes = raw[offset : offset+4]
		offset += 4
	}

	if len(raw) < offset+1 {
		return nil, fmt.Errorf("%w: missing path length", ErrTruncated)
	}
	pkt.PathLen = int(raw[offset])
	offset++

	if len(raw) < offset+pkt.PathLen {
		return nil, fmt.Errorf("%w: path length %d exceeds frame", ErrTruncated, pkt.PathLen)
	}
	pkt.PathBytes = raw[offset : offset+pkt.PathLen]
	offset += pkt.PathLen
	pkt.Payload = raw[offset:]

	if pkt.RouteType.IsFlood() {
		pkt.PathKind = PathHistoricalRoute
	} else {
		pkt.PathKind = PathRoutingInstructions
	}

	if pkt.PayloadType == PayloadTypeTrace {
		// The path field of a TRACE carries per-hop SNR in signed quarter dB;
		// the routing path lives inside the payload after the trace header.
		pkt.SNRReadings = make([]float64, 0, len(pkt.PathBytes))
		for _, b := range pkt.PathBytes {
			if b > 127 {
				pkt.SNRReadings = append(pkt.SNRReadings, (float64(b)-256)/4)
			} else {
				pkt.SNRReadings = append(pkt.SNRReadings, float64(b)/4)
			}
		}
		if len(pkt.Payload) > traceHeaderSize {
			pkt.PathHashes = prefixesFromBytes(pkt.Payload[traceHeaderSize:])
		}
	} else {
		pkt.PathNodes = prefixesFromBytes(pkt.PathBytes)
	}

	pkt.Hash = HashPacket(pkt.PayloadType, pkt.Payload)

	return pkt, nil
}

// HashPacket derives the 8-byte echo-detection fingerprint of a packet.
//
// The function is fixed as SHA-256 over a single payload-type byte followed
// by the payload bytes, hex-encoding the first 8 digest bytes. The header
// and path are deliberately excluded: every repeater rewrites the path, so
// a hash covering it would never match an echo of the same logical packet.
// Changing the definition would orphan every packet_hash already persisted,
// so treat it as part of the storage format.
func HashPacket(payloadType PayloadType, payload []byte) string {
	if len(payload) == 0 {
		return ZeroHash
	}
	h := sha256.New()
	h.Write([]byte{byte(payloadType)})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// HashHex is HashPacket over hex-encoded payload bytes, tolerating a 0x
// prefix. Undecodable hex yields the zero hash.
func HashHex(payloadType PayloadType, payloadHex string) string {
	body := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(payloadHex), "0x"), "0X")
	raw, err := hex.DecodeString(body)
	if err != nil {
		return ZeroHash
	}
	return HashPacket(payloadType, raw)
}
