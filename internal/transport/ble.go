package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// MeshCore companion BLE service (Nordic UART layout): the radio notifies
// complete frames on TX and accepts complete frames on RX, no length
// framing on the wire.
var (
	bleServiceUUID = mustUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	bleRxCharUUID  = mustUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e") // app -> radio
	bleTxCharUUID  = mustUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e") // radio -> app
)

const (
	bleFrameQueueSize = 128
	bleScanTimeout    = 15 * time.Second
)

type BLETransport struct {
	address string

	mu      sync.Mutex
	device  *bluetooth.Device
	rxChar  bluetooth.DeviceCharacteristic
	frames  chan []byte
	writeMu sync.Mutex
}

func NewBLETransport(address string) *BLETransport {
	return &BLETransport{address: address}
}

func (t *BLETransport) Name() string {
	return "ble"
}

func (t *BLETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := linkLogger("ble", "address", t.address)
	if t.device != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if strings.TrimSpace(t.address) == "" {
		return errors.New("ble address is empty")
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable ble adapter: %w", err)
	}

	addr, err := t.scanForAddress(ctx, adapter)
	if err != nil {
		return err
	}

	logger.Info("connecting")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect ble device: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("discover ble service: %w", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleRxCharUUID, bleTxCharUUID})
	if err != nil || len(chars) < 2 {
		_ = device.Disconnect()
		return fmt.Errorf("discover ble characteristics: %w", err)
	}

	var rxChar, txChar bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case bleRxCharUUID:
			rxChar = c
		case bleTxCharUUID:
			txChar = c
		}
	}

	frames := make(chan []byte, bleFrameQueueSize)
	err = txChar.EnableNotifications(func(buf []byte) {
		payload := make([]byte, len(buf))
		copy(payload, buf)
		select {
		case frames <- payload:
		default:
			// Reader fell behind; drop the oldest queued frame.
			select {
			case <-frames:
			default:
			}
			frames <- payload
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("enable ble notifications: %w", err)
	}

	t.device = &device
	t.rxChar = rxChar
	t.frames = frames
	logger.Info("connected")

	return nil
}

func (t *BLETransport) scanForAddress(ctx context.Context, adapter *bluetooth.Adapter) (bluetooth.Address, error) {
	var (
		found bluetooth.Address
		ok    bool
	)
	scanCtx, cancel := context.WithTimeout(ctx, bleScanTimeout)
	defer cancel()

	go func() {
		<-scanCtx.Done()
		_ = adapter.StopScan()
	}()

	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if strings.EqualFold(result.Address.String(), t.address) {
			found = result.Address
			ok = true
			_ = a.StopScan()
		}
	})
	if err != nil && !ok {
		return bluetooth.Address{}, fmt.Errorf("ble scan: %w", err)
	}
	if !ok {
		return bluetooth.Address{}, fmt.Errorf("ble device %s not found", t.address)
	}
	return found, nil
}

func (t *BLETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil
	}
	err := t.device.Disconnect()
	t.device = nil
	t.frames = nil
	return err
}

func (t *BLETransport) ReadFrame(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	frames := t.frames
	t.mu.Unlock()
	if frames == nil {
		return nil, errors.New("transport is not connected")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, open := <-frames:
		if !open {
			return nil, errors.New("ble notification stream closed")
		}
		return payload, nil
	}
}

func (t *BLETransport) WriteFrame(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	device := t.device
	rxChar := t.rxChar
	t.mu.Unlock()
	if device == nil {
		return errors.New("transport is not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := rxChar.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("write ble frame: %w", err)
	}
	return nil
}

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
