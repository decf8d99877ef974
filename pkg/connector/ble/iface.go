package ble

import (
	"context"
)

// Adapter is a local Bluetooth controller.
type Adapter interface {
	// Scan calls found for every unprovisioned device beacon until ctx is done or found returns
	// false.
	Scan(ctx context.Context, found func(*Beacon) bool) error
	Connect(ctx context.Context, beacon *Beacon) (Device, error)
	Close() error
}

// Device is a connected GATT server.
type Device interface {
	Service(ctx context.Context, uuid uint16) (Service, error)
	// Disconnected is closed when the link drops.
	Disconnected() <-chan struct{}
	Close() error
}

type Service interface {
	Rx(uuid uint16, callback func(buf []byte)) error
	Tx(uuid uint16) (Writer, error)
}

type Writer interface {
	Write(p []byte) (int, error)
	MTU(rxMTU int) (txMTU int, err error)
}
