package protocol

// Encode serializes a packet back into MeshCore v1 wire bytes. Only packets
// the bot itself produces (adverts, trace probes) are encoded; inbound
// frames keep their original bytes.
func Encode(p *Packet) []byte {
	header := byte(p.RouteType)&0x03 |
		(byte(p.PayloadType)&0x0F)<<2 |
		(byte(p.PayloadVersion)&0x03)<<6

	size := 1 + 1 + len(p.PathBytes) + len(p.Payload)
	if p.RouteType.HasTransportCodes() {
		size += 4
	}

	out := make([]byte, 0, size)
	out = append(out, header)
	if p.RouteType.HasTransportCodes() {
		codes := p.TransportCodes
		if len(codes) != 4 {
			codes = []byte{0, 0, 0, 0}
		}
		out = append(out, codes...)
	}
	out = append(out, byte(len(p.PathBytes)))
	out = append(out, p.PathBytes...)
	out = append(out, p.Payload...)

	return out
}
