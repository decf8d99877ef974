package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshlink/provisioner/pkg/connector"
)

var _ connector.Bearer = &Connection{}

type fakeWriter struct {
	lock    sync.Mutex
	mtu     int
	mtuErr  error
	written [][]byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.written = append(w.written, append([]byte{}, p...))
	return len(p), nil
}

func (w *fakeWriter) MTU(rxMTU int) (int, error) {
	if w.mtuErr != nil {
		return 0, w.mtuErr
	}
	return min(rxMTU, w.mtu), nil
}

type fakeDevice struct {
	writer       *fakeWriter
	callback     func([]byte)
	disconnected chan struct{}
	closed       atomic.Int32
	missingChar  bool
}

func newFakeDevice(mtu int) *fakeDevice {
	return &fakeDevice{writer: &fakeWriter{mtu: mtu}, disconnected: make(chan struct{})}
}

func (d *fakeDevice) Service(_ context.Context, id uint16) (Service, error) {
	if id != ProvisioningServiceUUID {
		return nil, errors.New("no such service")
	}
	return d, nil
}

func (d *fakeDevice) Rx(id uint16, callback func([]byte)) error {
	if id != DataOutUUID {
		return errors.New("wrong characteristic")
	}
	d.callback = callback
	return nil
}

func (d *fakeDevice) Tx(id uint16) (Writer, error) {
	if id != DataInUUID || d.missingChar {
		return nil, errors.New("characteristic not found")
	}
	return d.writer, nil
}

func (d *fakeDevice) Disconnected() <-chan struct{} { return d.disconnected }

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

type fakeAdapter struct {
	beacons []*Beacon
	device  *fakeDevice
}

func (a *fakeAdapter) Scan(ctx context.Context, found func(*Beacon) bool) error {
	for _, b := range a.beacons {
		if !found(b) {
			return nil
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *fakeAdapter) Connect(_ context.Context, _ *Beacon) (Device, error) {
	return a.device, nil
}

func (a *fakeAdapter) Close() error { return nil }

func TestParseServiceData(t *testing.T) {
	id := uuid.MustParse("70cf7c97-32a3-45b6-9149-4810d2e9cbf4")
	data := append(id[:], 0x00, 0x20)
	parsed, oobInfo, err := ParseServiceData(data)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id || oobInfo != 0x0020 {
		t.Errorf("unexpected beacon %s 0x%04x", parsed, oobInfo)
	}
	if _, _, err := ParseServiceData(data[:17]); err == nil {
		t.Error("expected error for short service data")
	}
}

func TestFilter(t *testing.T) {
	b := &Beacon{Address: "aa:bb", LocalName: "node", UUID: uuid.New()}
	if !(Filter{}).Match(b) {
		t.Error("zero filter should match")
	}
	if !(Filter{UUID: b.UUID, Address: "aa:bb"}).Match(b) {
		t.Error("filter should match")
	}
	if (Filter{UUID: uuid.New()}).Match(b) {
		t.Error("different UUID should not match")
	}
	if (Filter{LocalName: "other"}).Match(b) {
		t.Error("different name should not match")
	}
}

func TestConnectionSegmentsAndReassembles(t *testing.T) {
	target := &Beacon{Address: "aa:bb", Connectable: true, UUID: uuid.New()}
	device := newFakeDevice(defaultMTU)
	adapter := &fakeAdapter{beacons: []*Beacon{{Address: "cc:dd", Connectable: true}, target}, device: device}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := NewConnection(ctx, adapter, Filter{UUID: target.UUID})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if conn.Name() != "aa:bb" {
		t.Errorf("connected to %s", conn.Name())
	}

	pdu := make([]byte, 65)
	pdu[0] = 0x03
	if err := conn.Send(ctx, pdu); err != nil {
		t.Fatal(err)
	}
	if n := len(device.writer.written); n != 4 {
		t.Fatalf("expected 4 writes, got %d", n)
	}
	for _, segment := range device.writer.written {
		if len(segment) > defaultMTU-attHeaderSize {
			t.Errorf("segment of %d bytes exceeds the ATT payload", len(segment))
		}
		device.callback(segment)
	}
	select {
	case got := <-conn.Receive():
		if !bytes.Equal(got, pdu) {
			t.Errorf("reassembled %x", got)
		}
	case <-ctx.Done():
		t.Fatal("no PDU received")
	}
}

func TestConnectionIgnoresBadSegments(t *testing.T) {
	device := newFakeDevice(64)
	conn, err := newConnection(context.Background(), "aa:bb", device)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	device.callback([]byte{0x00, 0x01})
	device.callback([]byte{0x83, 0x01})
	device.callback([]byte{0x03, 0x08})
	if got := <-conn.Receive(); !bytes.Equal(got, []byte{0x08}) {
		t.Errorf("unexpected PDU %x", got)
	}
}

func TestConnectionMTUFallback(t *testing.T) {
	device := newFakeDevice(64)
	device.writer.mtuErr = errors.New("not supported")
	conn, err := newConnection(context.Background(), "aa:bb", device)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if conn.blockLength != defaultMTU-attHeaderSize {
		t.Errorf("unexpected block length %d", conn.blockLength)
	}
}

func TestConnectionDisconnect(t *testing.T) {
	device := newFakeDevice(64)
	conn, err := newConnection(context.Background(), "aa:bb", device)
	if err != nil {
		t.Fatal(err)
	}
	close(device.disconnected)
	select {
	case _, ok := <-conn.Receive():
		if ok {
			t.Error("expected closed inbox")
		}
	case <-time.After(time.Second):
		t.Fatal("inbox not closed after disconnect")
	}
	if err := conn.Send(context.Background(), []byte{0x00, 0x00}); !errors.Is(err, connector.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	// Late notifications after the link dropped must not panic.
	device.callback([]byte{0x03, 0x08})
	conn.Close()
	waitDeviceClosed(t, device)
}

func waitDeviceClosed(t *testing.T, device *fakeDevice) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for device.closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give a second Close a chance to show up.
	time.Sleep(10 * time.Millisecond)
	if n := device.closed.Load(); n != 1 {
		t.Errorf("device closed %d times", n)
	}
}

func TestConnectionFullInboxDisconnects(t *testing.T) {
	device := newFakeDevice(64)
	conn, err := newConnection(context.Background(), "aa:bb", device)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= connector.BufferSize; i++ {
		device.callback([]byte{0x03, 0x08, byte(i)})
	}
	for i := 0; i < connector.BufferSize; i++ {
		if pdu, ok := <-conn.Receive(); !ok || !bytes.Equal(pdu, []byte{0x08, byte(i)}) {
			t.Fatalf("unexpected PDU %d: %x", i, pdu)
		}
	}
	select {
	case _, ok := <-conn.Receive():
		if ok {
			t.Error("expected closed inbox after overflow")
		}
	case <-time.After(time.Second):
		t.Fatal("inbox not closed after overflow")
	}
	if err := conn.Send(context.Background(), []byte{0x00, 0x00}); !errors.Is(err, connector.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	conn.Close()
	waitDeviceClosed(t, device)
}

func TestConnectionClose(t *testing.T) {
	device := newFakeDevice(64)
	conn, err := newConnection(context.Background(), "aa:bb", device)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	conn.Close()
	if n := device.closed.Load(); n != 1 {
		t.Errorf("device closed %d times", n)
	}
}

func TestConnectFailures(t *testing.T) {
	if _, err := NewConnectionFromBeacon(context.Background(), &Beacon{}, &fakeAdapter{}); !errors.Is(err, ErrNotConnectable) {
		t.Errorf("expected ErrNotConnectable, got %v", err)
	}
	device := newFakeDevice(64)
	device.missingChar = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewConnectionFromBeacon(ctx, &Beacon{Connectable: true}, &fakeAdapter{device: device})
	if err == nil {
		t.Fatal("expected error")
	}
	if device.closed.Load() == 0 {
		t.Error("failed connection attempt should close the device")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := Scan(ctx, &fakeAdapter{}, Filter{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}
}
