package protocol

import (
	"encoding/hex"
	"testing"

	"pgregory.net/rapid"
)

func buildFrame(route RouteType, ptype PayloadType, path, payload []byte) []byte {
	p := &Packet{
		RouteType:      route,
		PayloadType:    ptype,
		PayloadVersion: PayloadVersion1,
		PathBytes:      path,
		Payload:        payload,
	}
	if route.HasTransportCodes() {
		p.TransportCodes = []byte{1, 2, 3, 4}
	}
	return Encode(p)
}

func TestDecodeFloodTextMessage(t *testing.T) {
	frame := buildFrame(RouteFlood, PayloadTypeTxtMsg, []byte{0xA1, 0xB2}, []byte("hi"))
	pkt, err := Decode(hex.EncodeToString(frame), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if pkt.PayloadType != PayloadTypeTxtMsg {
		t.Fatalf("expected TXT_MSG, got %v", pkt.PayloadType)
	}
	if pkt.PathLen != 2 || len(pkt.PathNodes) != 2 {
		t.Fatalf("expected 2 path nodes, got len=%d nodes=%v", pkt.PathLen, pkt.PathNodes)
	}
	if pkt.PathNodes[0] != "a1" || pkt.PathNodes[1] != "b2" {
		t.Fatalf("unexpected path nodes: %v", pkt.PathNodes)
	}
	if pkt.PathKind != PathHistoricalRoute {
		t.Fatalf("flood path should be historical route, got %v", pkt.PathKind)
	}
	if string(pkt.Payload) != "hi" {
		t.Fatalf("unexpected payload: %q", pkt.Payload)
	}
	if pkt.Hash == ZeroHash || len(pkt.Hash) != 16 {
		t.Fatalf("unexpected hash: %q", pkt.Hash)
	}
}

func TestDecodePrefersStrippedPayloadHex(t *testing.T) {
	inner := buildFrame(RouteDirect, PayloadTypeReq, nil, []byte{0xFF})
	pkt, err := Decode("deadbeef", hex.EncodeToString(inner))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if pkt.PathKind != PathRoutingInstructions {
		t.Fatalf("direct path should be routing instructions, got %v", pkt.PathKind)
	}
	if pkt.PathLen != 0 {
		t.Fatalf("expected empty path, got %d", pkt.PathLen)
	}
}

func TestDecodeTransportCodes(t *testing.T) {
	frame := buildFrame(RouteTransportDirect, PayloadTypeAck, []byte{0x01}, []byte{9, 9, 9, 9})
	pkt, err := Decode("0x"+hex.EncodeToString(frame), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !pkt.HasTransportCodes {
		t.Fatal("expected transport codes")
	}
	if got := pkt.TransportCodes; len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("unexpected transport codes: %v", got)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	frame := buildFrame(RouteFlood, PayloadTypeTxtMsg, nil, []byte("x"))
	frame[0] |= 0x40 // version 1 -> 2 on the wire
	if _, err := Decode(hex.EncodeToString(frame), ""); err == nil {
		t.Fatal("expected version error")
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"odd hex", "abc"},
		{"single byte", "11"},
		{"path overruns frame", "06ff"}, // path_len=255 with no bytes
		{"missing transport codes", hex.EncodeToString([]byte{0x00, 0x01})},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.raw, ""); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecodeTraceSplitsSNRAndPathHashes(t *testing.T) {
	// Path bytes are SNR quarter-dB readings; routing path follows the
	// 9-byte tag/auth/flags preamble inside the payload.
	payload := append(make([]byte, traceHeaderSize), 0xA1, 0xB2, 0xC3)
	frame := buildFrame(RouteFlood, PayloadTypeTrace, []byte{0x28, 0xF0}, payload)
	pkt, err := Decode(hex.EncodeToString(frame), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(pkt.SNRReadings) != 2 {
		t.Fatalf("expected 2 SNR readings, got %v", pkt.SNRReadings)
	}
	if pkt.SNRReadings[0] != 10 { // 0x28 = 40 quarter-dB
		t.Fatalf("expected 10 dB, got %v", pkt.SNRReadings[0])
	}
	if pkt.SNRReadings[1] != -4 { // 0xF0 = 240 -> (240-256)/4
		t.Fatalf("expected -4 dB, got %v", pkt.SNRReadings[1])
	}
	want := []string{"a1", "b2", "c3"}
	if len(pkt.PathHashes) != len(want) {
		t.Fatalf("unexpected path hashes: %v", pkt.PathHashes)
	}
	for i, p := range want {
		if pkt.PathHashes[i] != p {
			t.Fatalf("path hash %d: got %q want %q", i, pkt.PathHashes[i], p)
		}
	}
	if len(pkt.PathNodes) != 0 {
		t.Fatalf("trace path bytes must not become path nodes: %v", pkt.PathNodes)
	}
}

func TestDecodeTraceShortPayloadHasNoHashes(t *testing.T) {
	frame := buildFrame(RouteFlood, PayloadTypeTrace, []byte{0x10}, make([]byte, 5))
	pkt, err := Decode(hex.EncodeToString(frame), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(pkt.PathHashes) != 0 {
		t.Fatalf("expected no path hashes, got %v", pkt.PathHashes)
	}
}

func TestHashStableAndZeroForEmpty(t *testing.T) {
	a := HashHex(PayloadTypeTxtMsg, "0xdeadbeef")
	b := HashHex(PayloadTypeTxtMsg, "deadbeef")
	if a != b {
		t.Fatalf("hash not stable across 0x prefix: %q vs %q", a, b)
	}
	if c := HashHex(PayloadTypeAck, "deadbeef"); c == a {
		t.Fatal("payload type must contribute to the hash")
	}
	if HashPacket(PayloadTypeTxtMsg, nil) != ZeroHash {
		t.Fatal("empty body must hash to the zero hash")
	}
	if HashHex(PayloadTypeTxtMsg, "zz") != ZeroHash {
		t.Fatal("undecodable hex must hash to the zero hash")
	}
}

func TestHashStableAcrossPaths(t *testing.T) {
	// Every repeater appends its own hop to the path, so two copies of one
	// logical packet arrive with different path bytes. The fingerprint must
	// still match or echoes and repeats are never recognized.
	payload := []byte("hello world")
	oneHop := buildFrame(RouteFlood, PayloadTypeGrpTxt, []byte{0xAA}, payload)
	twoHops := buildFrame(RouteFlood, PayloadTypeGrpTxt, []byte{0xAA, 0xBB}, payload)

	a, err := Decode(hex.EncodeToString(oneHop), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	b, err := Decode(hex.EncodeToString(twoHops), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("hash changed with the path: %q vs %q", a.Hash, b.Hash)
	}
	if a.Hash == ZeroHash {
		t.Fatalf("unexpected zero hash")
	}

	other, err := Decode(hex.EncodeToString(buildFrame(RouteFlood, PayloadTypeGrpTxt, []byte{0xAA}, []byte("other text"))), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if other.Hash == a.Hash {
		t.Fatal("different payloads must not collide")
	}
}

func TestHeaderBitCombinationsNeverPanic(t *testing.T) {
	for header := 0; header < 256; header++ {
		raw := []byte{byte(header), 0x00, 0xAA}
		_, _ = Decode(hex.EncodeToString(raw), "")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		route := RouteType(rapid.IntRange(0, 3).Draw(t, "route"))
		ptypes := []PayloadType{
			PayloadTypeReq, PayloadTypeResponse, PayloadTypeTxtMsg, PayloadTypeAck,
			PayloadTypeGrpTxt, PayloadTypeGrpData, PayloadTypeAnonReq, PayloadTypePath,
		}
		ptype := ptypes[rapid.IntRange(0, len(ptypes)-1).Draw(t, "ptype")]
		path := rapid.SliceOfN(rapid.Byte(), 0, 16).Draw(t, "path")
		payload := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "payload")

		frame := buildFrame(route, ptype, path, payload)
		pkt, err := Decode(hex.EncodeToString(frame), "")
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if pkt.RouteType != route || pkt.PayloadType != ptype {
			t.Fatalf("header mismatch: %v/%v", pkt.RouteType, pkt.PayloadType)
		}
		if len(pkt.PathNodes) != pkt.PathLen {
			t.Fatalf("path nodes %d != path len %d", len(pkt.PathNodes), pkt.PathLen)
		}
		reencoded := Encode(pkt)
		if hex.EncodeToString(reencoded) != hex.EncodeToString(frame) {
			t.Fatalf("round trip mismatch")
		}
	})
}
