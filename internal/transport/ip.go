package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// defaultTCPPort is the companion WiFi firmware's listen port.
const defaultTCPPort = 5000

const tcpDialTimeout = 6 * time.Second

// TCPTransport talks to a companion radio running the WiFi firmware. The
// socket carries the same marker framing as serial.
type TCPTransport struct {
	host string
	port int

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTCPTransport(host string, port int) *TCPTransport {
	if port == 0 {
		port = defaultTCPPort
	}
	return &TCPTransport{host: host, port: port}
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

func (t *TCPTransport) addr() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := linkLogger("tcp", "addr", t.addr())
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if t.host == "" {
		return errors.New("tcp host is empty")
	}

	dialer := net.Dialer{Timeout: tcpDialTimeout}
	logger.Info("dialing")
	conn, err := dialer.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		logger.Warn("dial failed", "error", err)
		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	logger := linkLogger("tcp", "addr", t.addr())
	if err != nil {
		logger.Warn("close failed", "error", err)
		return err
	}
	logger.Info("closed")
	return nil
}

func (t *TCPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	payload, err := readFrame(ioReadFullFunc(conn))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *TCPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		linkLogger("tcp", "addr", t.addr()).Warn("write frame failed",
			"payload_len", len(payload), "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}
	return t.conn, nil
}
