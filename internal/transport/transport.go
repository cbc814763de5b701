// Package transport carries companion-protocol frames between the bot and a
// MeshCore radio. Three links are supported: a USB serial port, a TCP socket
// (companion WiFi firmware), and BLE via the Nordic UART service. Serial and
// TCP use the '<'/'>' marker framing; BLE delivers whole frames per
// notification.
package transport

import "context"

// Transport is one framed link to the companion radio. ReadFrame blocks
// until a complete frame arrives or ctx ends; WriteFrame is safe for
// concurrent use.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}
