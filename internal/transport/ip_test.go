package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		// Push one inbound frame, with leading noise the client must skip.
		payload := []byte{0x01, 0x02, 0x03}
		out := []byte{0x00, 0xFF, frameMarkerIn}
		var ln16 [2]byte
		binary.LittleEndian.PutUint16(ln16[:], uint16(len(payload)))
		out = append(out, ln16[:]...)
		out = append(out, payload...)
		if _, err := conn.Write(out); err != nil {
			serverDone <- err
			return
		}

		// Then read back the client's outbound frame.
		head := make([]byte, 3)
		if _, err := io.ReadFull(conn, head); err != nil {
			serverDone <- err
			return
		}
		if head[0] != frameMarkerOut {
			serverDone <- io.ErrUnexpectedEOF
			return
		}
		body := make([]byte, binary.LittleEndian.Uint16(head[1:3]))
		if _, err := io.ReadFull(conn, body); err != nil {
			serverDone <- err
			return
		}
		if string(body) != "ping" {
			serverDone <- io.ErrUnexpectedEOF
			return
		}
		serverDone <- nil
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	tr := NewTCPTransport(host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()
	if tr.Name() != "tcp" {
		t.Fatalf("unexpected name %q", tr.Name())
	}

	got, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(got) != 3 || got[0] != 0x01 || got[2] != 0x03 {
		t.Fatalf("unexpected frame: %x", got)
	}

	if err := tr.WriteFrame(ctx, []byte("ping")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestTCPTransportRequiresConnection(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1", 0)
	if _, err := tr.ReadFrame(context.Background()); err == nil {
		t.Fatal("read on unconnected transport must fail")
	}
	if err := tr.WriteFrame(context.Background(), []byte{0x01}); err == nil {
		t.Fatal("write on unconnected transport must fail")
	}
}
