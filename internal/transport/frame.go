package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MeshCore companion serial framing: one marker byte, little-endian u16
// length, then the payload. The app sends '<' frames, the radio sends '>'.
const (
	frameMarkerOut = 0x3C // '<'
	frameMarkerIn  = 0x3E // '>'
)

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}

	frame := make([]byte, 3+len(payload))
	frame[0] = frameMarkerOut
	// #nosec G115 -- length is bounded by math.MaxUint16 above.
	payloadLen := uint16(len(payload))
	binary.LittleEndian.PutUint16(frame[1:3], payloadLen)
	copy(frame[3:], payload)

	return frame, nil
}

func readFrame(readFull readFullFunc) ([]byte, error) {
	if err := resyncToMarker(readFull); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.LittleEndian.Uint16(lenBuf[:]))
	if ln <= 0 {
		return nil, fmt.Errorf("invalid frame length: %d", ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// resyncToMarker skips noise bytes until the inbound frame marker.
func resyncToMarker(readFull readFullFunc) error {
	buf := make([]byte, 1)
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame marker: %w", err)
		}
		if buf[0] == frameMarkerIn {
			return nil
		}
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
