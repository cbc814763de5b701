package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// RouteType is the low two bits of the packet header.
type RouteType uint8

const (
	RouteTransportFlood  RouteType = 0
	RouteFlood           RouteType = 1
	RouteDirect          RouteType = 2
	RouteTransportDirect RouteType = 3
)

func (r RouteType) String() string {
	switch r {
	case RouteTransportFlood:
		return "transport_flood"
	case RouteFlood:
		return "flood"
	case RouteDirect:
		return "direct"
	case RouteTransportDirect:
		return "transport_direct"
	default:
		return fmt.Sprintf("route(%d)", uint8(r))
	}
}

// HasTransportCodes reports whether four transport-code bytes follow the header.
func (r RouteType) HasTransportCodes() bool {
	return r == RouteTransportFlood || r == RouteTransportDirect
}

// IsFlood reports whether the path field is a historical route (appended as
// the packet floods) rather than a routing instruction consumed hop by hop.
func (r RouteType) IsFlood() bool {
	return r == RouteFlood || r == RouteTransportFlood
}

// PayloadVersion is bits 6-7 of the header. Only version 1 is decoded.
type PayloadVersion uint8

const PayloadVersion1 PayloadVersion = 0

// PayloadType is bits 2-5 of the header.
type PayloadType uint8

const (
	PayloadTypeReq       PayloadType = 0
	PayloadTypeResponse  PayloadType = 1
	PayloadTypeTxtMsg    PayloadType = 2
	PayloadTypeAck       PayloadType = 3
	PayloadTypeAdvert    PayloadType = 4
	PayloadTypeGrpTxt    PayloadType = 5
	PayloadTypeGrpData   PayloadType = 6
	PayloadTypeAnonReq   PayloadType = 7
	PayloadTypePath      PayloadType = 8
	PayloadTypeTrace     PayloadType = 9
	PayloadTypeMultipart PayloadType = 10
	PayloadTypeRawCustom PayloadType = 15
)

func (p PayloadType) String() string {
	switch p {
	case PayloadTypeReq:
		return "REQ"
	case PayloadTypeResponse:
		return "RESPONSE"
	case PayloadTypeTxtMsg:
		return "TXT_MSG"
	case PayloadTypeAck:
		return "ACK"
	case PayloadTypeAdvert:
		return "ADVERT"
	case PayloadTypeGrpTxt:
		return "GRP_TXT"
	case PayloadTypeGrpData:
		return "GRP_DATA"
	case PayloadTypeAnonReq:
		return "ANON_REQ"
	case PayloadTypePath:
		return "PATH"
	case PayloadTypeTrace:
		return "TRACE"
	case PayloadTypeMultipart:
		return "MULTIPART"
	case PayloadTypeRawCustom:
		return "RAW_CUSTOM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PathKind distinguishes the two meanings the on-air path field can have.
type PathKind string

const (
	PathRoutingInstructions PathKind = "routing_instructions"
	PathHistoricalRoute     PathKind = "historical_route"
)

// ZeroHash marks an unknown or not-applicable packet hash.
const ZeroHash = "0000000000000000"

// Packet is a decoded MeshCore v1 over-the-air frame.
type Packet struct {
	HeaderByte     uint8
	RouteType      RouteType
	PayloadType    PayloadType
	PayloadVersion PayloadVersion

	HasTransportCodes bool
	TransportCodes    []byte // 4 bytes when present

	PathLen   int
	PathBytes []byte
	PathNodes []string // 2-hex-char node prefixes
	PathKind  PathKind

	Payload []byte

	// TRACE only: per-hop SNR readings decoded from the path bytes, and the
	// real routing path recovered from inside the payload.
	SNRReadings []float64
	PathHashes  []string

	Hash string
}

// PathString renders the path as comma-joined node prefixes.
func (p *Packet) PathString() string {
	return strings.Join(p.PathNodes, ",")
}

func prefixesFromBytes(raw []byte) []string {
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		out = append(out, hex.EncodeToString([]byte{b}))
	}
	return out
}
