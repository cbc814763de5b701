package radio

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Companion protocol command codes (app -> radio).
const (
	cmdAppStart          = 1
	cmdSendTxtMsg        = 2
	cmdSendChannelTxtMsg = 3
	cmdGetContacts       = 4
	cmdGetDeviceTime     = 5
	cmdSetDeviceTime     = 6
	cmdSendSelfAdvert    = 7
	cmdSetAdvertName     = 8
	cmdAddUpdateContact  = 9
)

// Companion protocol response and push codes (radio -> app).
const (
	respOK             = 0
	respErr            = 1
	respContactsStart  = 2
	respContact        = 3
	respEndOfContacts  = 4
	respSelfInfo       = 5
	respMsgSent        = 6
	respContactMsgRecv = 7
	respChannelMsgRecv = 8
	respCurrTime       = 9

	pushAdvert        = 0x80
	pushPathUpdated   = 0x81
	pushSendConfirmed = 0x82
	pushMsgWaiting    = 0x83
	pushRawData       = 0x84
	pushLogRxData     = 0x88
)

const (
	contactNameSize    = 32
	contactOutPathSize = 64
	pubkeyPrefixBytes  = 6
)

// Frame is one decoded radio->app companion frame.
type Frame struct {
	Code byte

	ContactMsg *ContactMessageEvent
	ChannelMsg *ChannelMessageEvent
	RxLog      *RxLogEvent
	Raw        *RawDataEvent
	Contact    *Contact
	Self       *Contact
	MsgSent    *MsgSentInfo
	Confirmed  *SendConfirmation
	DeviceTime time.Time

	EndOfContacts bool
	MsgWaiting    bool
	OK            bool
	ErrCode       int
}

// MsgSentInfo acknowledges an outbound send and names the ack to wait for.
type MsgSentInfo struct {
	ExpectedAck uint32
	EstTimeout  time.Duration
}

// SendConfirmation is the delivery ack push for a previously sent message.
type SendConfirmation struct {
	Ack       uint32
	RoundTrip time.Duration
}

var errShortFrame = errors.New("companion frame too short")

// Codec translates between companion wire frames and driver events.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodeAppStart(appName string) []byte {
	out := []byte{cmdAppStart, 1} // protocol version
	return append(out, []byte(appName)...)
}

func (c *Codec) EncodeSendTxtMsg(dest Contact, text string, attempt int, timestamp uint32, flood bool) ([]byte, error) {
	key, err := hex.DecodeString(dest.PublicKey)
	if err != nil || len(key) < pubkeyPrefixBytes {
		return nil, fmt.Errorf("invalid destination public key %q", dest.PublicKey)
	}
	txtType := byte(0)
	if flood {
		txtType = 1
	}
	out := []byte{cmdSendTxtMsg, txtType, byte(attempt)}
	out = binary.LittleEndian.AppendUint32(out, timestamp)
	out = append(out, key[:pubkeyPrefixBytes]...)
	out = append(out, []byte(text)...)
	return out, nil
}

func (c *Codec) EncodeSendChannelTxtMsg(channelIdx int, text string, timestamp uint32) ([]byte, error) {
	if channelIdx < 0 || channelIdx > 255 {
		return nil, fmt.Errorf("channel index out of range: %d", channelIdx)
	}
	out := []byte{cmdSendChannelTxtMsg, 0, byte(channelIdx)}
	out = binary.LittleEndian.AppendUint32(out, timestamp)
	out = append(out, []byte(text)...)
	return out, nil
}

func (c *Codec) EncodeGetContacts() []byte {
	return []byte{cmdGetContacts}
}

func (c *Codec) EncodeGetDeviceTime() []byte {
	return []byte{cmdGetDeviceTime}
}

func (c *Codec) EncodeSetDeviceTime(t time.Time) []byte {
	out := []byte{cmdSetDeviceTime}
	return binary.LittleEndian.AppendUint32(out, uint32(t.Unix()))
}

func (c *Codec) EncodeSendSelfAdvert(flood bool) []byte {
	b := byte(0)
	if flood {
		b = 1
	}
	return []byte{cmdSendSelfAdvert, b}
}

func (c *Codec) EncodeSetAdvertName(name string) []byte {
	return append([]byte{cmdSetAdvertName}, []byte(name)...)
}

func (c *Codec) EncodeAddUpdateContact(ct Contact) ([]byte, error) {
	key, err := hex.DecodeString(ct.PublicKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("invalid contact public key %q", ct.PublicKey)
	}
	out := []byte{cmdAddUpdateContact}
	out = append(out, key...)
	out = append(out, ct.Type)
	out = append(out, 0) // flags
	out = append(out, byte(ct.OutPathLen))
	path := make([]byte, contactOutPathSize)
	copy(path, ct.OutPath)
	out = append(out, path...)
	name := make([]byte, contactNameSize)
	copy(name, ct.Name)
	out = append(out, name...)
	out = binary.LittleEndian.AppendUint32(out, ct.LastAdvert)
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(ct.AdvLat*1e6)))
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(ct.AdvLon*1e6)))
	return out, nil
}

// DecodeFromRadio parses a radio->app frame. Unknown codes return an error
// the service logs and skips.
func (c *Codec) DecodeFromRadio(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, errShortFrame
	}
	f := Frame{Code: payload[0]}
	body := payload[1:]
	now := time.Now()

	switch f.Code {
	case respOK:
		f.OK = true
	case respErr:
		if len(body) > 0 {
			f.ErrCode = int(body[0])
		}
	case respContactsStart:
		// count follows, nothing to surface
	case respContact:
		ct, err := decodeContact(body)
		if err != nil {
			return Frame{}, err
		}
		f.Contact = ct
	case respEndOfContacts:
		f.EndOfContacts = true
	case respSelfInfo:
		self, err := decodeSelfInfo(body)
		if err != nil {
			return Frame{}, err
		}
		f.Self = self
	case respMsgSent:
		if len(body) < 9 {
			return Frame{}, errShortFrame
		}
		f.MsgSent = &MsgSentInfo{
			ExpectedAck: binary.LittleEndian.Uint32(body[1:5]),
			EstTimeout:  time.Duration(binary.LittleEndian.Uint32(body[5:9])) * time.Millisecond,
		}
	case respContactMsgRecv:
		if len(body) < pubkeyPrefixBytes+6 {
			return Frame{}, errShortFrame
		}
		f.ContactMsg = &ContactMessageEvent{
			PubkeyPrefix:    strings.ToLower(hex.EncodeToString(body[:pubkeyPrefixBytes])),
			PathLen:         int(body[pubkeyPrefixBytes]),
			TxtType:         body[pubkeyPrefixBytes+1],
			SenderTimestamp: binary.LittleEndian.Uint32(body[pubkeyPrefixBytes+2 : pubkeyPrefixBytes+6]),
			Text:            string(body[pubkeyPrefixBytes+6:]),
			ReceivedAt:      now,
		}
	case respChannelMsgRecv:
		if len(body) < 7 {
			return Frame{}, errShortFrame
		}
		f.ChannelMsg = &ChannelMessageEvent{
			ChannelIdx:      int(body[0]),
			PathLen:         int(body[1]),
			TxtType:         body[2],
			SenderTimestamp: binary.LittleEndian.Uint32(body[3:7]),
			Text:            string(body[7:]),
			ReceivedAt:      now,
		}
	case respCurrTime:
		if len(body) < 4 {
			return Frame{}, errShortFrame
		}
		f.DeviceTime = time.Unix(int64(binary.LittleEndian.Uint32(body[:4])), 0)
	case pushAdvert:
		ct, err := decodeContact(body)
		if err != nil {
			return Frame{}, err
		}
		f.Contact = ct
	case pushPathUpdated:
		ct, err := decodeContact(body)
		if err != nil {
			return Frame{}, err
		}
		f.Contact = ct
	case pushSendConfirmed:
		if len(body) < 8 {
			return Frame{}, errShortFrame
		}
		f.Confirmed = &SendConfirmation{
			Ack:       binary.LittleEndian.Uint32(body[0:4]),
			RoundTrip: time.Duration(binary.LittleEndian.Uint32(body[4:8])) * time.Millisecond,
		}
	case pushMsgWaiting:
		f.MsgWaiting = true
	case pushRawData:
		f.Raw = &RawDataEvent{Hex: strings.ToLower(hex.EncodeToString(body)), ReceivedAt: now}
	case pushLogRxData:
		if len(body) < 2 {
			return Frame{}, errShortFrame
		}
		f.RxLog = &RxLogEvent{
			SNR:        float64(int8(body[0])) / 4,
			RSSI:       int(int8(body[1])),
			RawHex:     strings.ToLower(hex.EncodeToString(body[2:])),
			ReceivedAt: now,
		}
	default:
		return Frame{}, fmt.Errorf("unknown companion frame code 0x%02x", f.Code)
	}

	return f, nil
}

// decodeSelfInfo parses the SELF_INFO response that follows APP_START:
// advert type, two reserved bytes, the radio's full public key, its
// advertised position and name.
func decodeSelfInfo(body []byte) (*Contact, error) {
	need := 1 + 2 + 32 + 4 + 4
	if len(body) < need {
		return nil, errShortFrame
	}
	off := 0
	ctype := body[off]
	off += 3 // type + reserved
	key := body[off : off+32]
	off += 32
	lat := int32(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	lon := int32(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4

	return &Contact{
		PublicKey: strings.ToLower(hex.EncodeToString(key)),
		Name:      strings.TrimRight(string(body[off:]), "\x00"),
		Type:      ctype,
		AdvLat:    float64(lat) / 1e6,
		AdvLon:    float64(lon) / 1e6,
	}, nil
}

func decodeContact(body []byte) (*Contact, error) {
	need := 32 + 1 + 1 + 1 + contactOutPathSize + contactNameSize + 4 + 4 + 4
	if len(body) < need {
		return nil, errShortFrame
	}
	off := 0
	key := body[off : off+32]
	off += 32
	ctype := body[off]
	off += 2 // type + flags
	pathLen := int(body[off])
	off++
	rawPath := body[off : off+contactOutPathSize]
	off += contactOutPathSize
	name := strings.TrimRight(string(body[off:off+contactNameSize]), "\x00")
	off += contactNameSize
	lastAdvert := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	lat := int32(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	lon := int32(binary.LittleEndian.Uint32(body[off : off+4]))

	ct := &Contact{
		PublicKey:  strings.ToLower(hex.EncodeToString(key)),
		Name:       name,
		Type:       ctype,
		OutPathLen: pathLen,
		LastAdvert: lastAdvert,
		AdvLat:     float64(lat) / 1e6,
		AdvLon:     float64(lon) / 1e6,
	}
	if pathLen > 0 && pathLen != PathLenUnknown && pathLen <= contactOutPathSize {
		ct.OutPath = make([]byte, pathLen)
		copy(ct.OutPath, rawPath[:pathLen])
	}
	return ct, nil
}
