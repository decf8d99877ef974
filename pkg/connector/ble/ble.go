// Package ble implements the PB-GATT provisioning bearer: provisioning PDUs are carried in proxy
// PDUs over the Data In and Data Out characteristics of the Mesh Provisioning Service.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/connector"
)

var ErrNotConnectable = errors.New("ble: device does not accept connections")

const (
	defaultMTU    = 23
	maxBLEMTUSize = 512 + 3
	attHeaderSize = 3
)

// Connection is a PB-GATT bearer.
type Connection struct {
	name   string
	inbox  chan []byte
	device Device
	writer Writer

	blockLength int

	txLock sync.Mutex

	rxLock      sync.Mutex
	reassembler Reassembler
	closed      bool
	done        chan struct{}
}

// Scan returns the first beacon matching filter.
func Scan(ctx context.Context, adapter Adapter, filter Filter) (*Beacon, error) {
	var result *Beacon
	err := adapter.Scan(ctx, func(b *Beacon) bool {
		if !filter.Match(b) {
			return true
		}
		result = b
		return false
	})
	if result != nil {
		return result, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("ble: scan ended without a matching device")
	}
	return nil, err
}

// NewConnection scans for a device matching filter and connects to it.
func NewConnection(ctx context.Context, adapter Adapter, filter Filter) (*Connection, error) {
	beacon, err := Scan(ctx, adapter, filter)
	if err != nil {
		return nil, err
	}
	return NewConnectionFromBeacon(ctx, beacon, adapter)
}

// NewConnectionFromBeacon connects to a previously scanned device, retrying until ctx expires.
func NewConnectionFromBeacon(ctx context.Context, beacon *Beacon, adapter Adapter) (*Connection, error) {
	if !beacon.Connectable {
		return nil, ErrNotConnectable
	}
	var lastError error
	for {
		conn, err := tryToConnect(ctx, beacon, adapter)
		if err == nil {
			return conn, nil
		}
		log.Warning("BLE connection attempt to %s failed: %+v", beacon.Address, err)
		if err := ctx.Err(); err != nil {
			if lastError != nil {
				return nil, lastError
			}
			return nil, err
		}
		lastError = err
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, lastError
		}
	}
}

func tryToConnect(ctx context.Context, beacon *Beacon, adapter Adapter) (*Connection, error) {
	device, err := adapter.Connect(ctx, beacon)
	if err != nil {
		return nil, err
	}
	conn, err := newConnection(ctx, beacon.Address, device)
	if err != nil {
		if closeErr := device.Close(); closeErr != nil {
			log.Warning("ble: failed to close device: %s", closeErr)
		}
		return nil, err
	}
	return conn, nil
}

func newConnection(ctx context.Context, name string, device Device) (*Connection, error) {
	service, err := device.Service(ctx, ProvisioningServiceUUID)
	if err != nil {
		return nil, err
	}
	writer, err := service.Tx(DataInUUID)
	if err != nil {
		return nil, err
	}
	txMtu, err := writer.MTU(maxBLEMTUSize)
	if err != nil {
		log.Warning("ble: failed to exchange MTU: %s", err)
		txMtu = defaultMTU
	}

	conn := &Connection{
		name:        name,
		inbox:       make(chan []byte, connector.BufferSize),
		device:      device,
		writer:      writer,
		blockLength: txMtu - attHeaderSize,
		done:        make(chan struct{}),
	}
	if err := service.Rx(DataOutUUID, conn.rx); err != nil {
		return nil, err
	}
	go conn.watch(device.Disconnected())
	log.Debug("ble: connected to %s, block length %d", name, conn.blockLength)
	return conn, nil
}

func (c *Connection) watch(disconnected <-chan struct{}) {
	select {
	case <-disconnected:
		log.Warning("ble: %s disconnected", c.name)
		if c.shutdown() {
			c.closeDevice()
		}
	case <-c.done:
	}
}

func (c *Connection) Receive() <-chan []byte {
	return c.inbox
}

func (c *Connection) Send(ctx context.Context, pdu []byte) error {
	segments, err := Segment(pdu, c.blockLength)
	if err != nil {
		return err
	}
	c.txLock.Lock()
	defer c.txLock.Unlock()
	log.Debug("TX: %02x", pdu)
	for _, segment := range segments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return connector.ErrClosed
		}
		n, err := c.writer.Write(segment)
		if err != nil {
			return err
		} else if n != len(segment) {
			return fmt.Errorf("ble: failed to write %d bytes", len(segment))
		}
	}
	return nil
}

func (c *Connection) Close() {
	if c.shutdown() {
		c.closeDevice()
	}
}

func (c *Connection) closeDevice() {
	if err := c.device.Close(); err != nil {
		log.Warning("ble: failed to close device: %s", err)
	}
}

// shutdown closes the inbox. It returns false if the connection was already shut down.
func (c *Connection) shutdown() bool {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	return c.shutdownLocked()
}

// shutdownLocked must be called with c.rxLock held.
func (c *Connection) shutdownLocked() bool {
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	close(c.inbox)
	return true
}

func (c *Connection) isClosed() bool {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	return c.closed
}

// MTU returns the largest provisioning PDU the bearer reassembles; segmentation is transparent.
func (c *Connection) MTU() int {
	return MaxMessageSize
}

func (c *Connection) Name() string {
	return c.name
}

func (c *Connection) rx(p []byte) {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	if c.closed {
		return
	}
	pdu, err := c.reassembler.Push(p, time.Now())
	if err != nil {
		log.Warning("ble: dropping proxy PDU %02x: %s", p, err)
		return
	}
	if pdu == nil {
		return
	}
	log.Debug("RX: %02x", pdu)
	select {
	case c.inbox <- pdu:
	default:
		// The bearer is a reliable channel; losing a PDU ends the link.
		log.Error("ble: inbox full, disconnecting from %s", c.name)
		if c.shutdownLocked() {
			// rx runs on the notification path of the device, so close it elsewhere.
			go c.closeDevice()
		}
	}
}
