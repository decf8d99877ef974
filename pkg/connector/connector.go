// Package connector defines the bearer abstraction that carries provisioning PDUs between a
// provisioner and an unprovisioned device.
package connector

import (
	"context"
	"errors"
	"time"
)

// BufferSize is the number of inbound PDUs that can be queued.
const BufferSize = 5

// DefaultLinkTimeout bounds a single Send when the caller's context has no deadline.
const DefaultLinkTimeout = 10 * time.Second

// ErrClosed is returned by Send after the bearer was closed.
var ErrClosed = errors.New("bearer closed")

//go:generate mockgen -destination=../../mocks/connector.go -package=mocks -mock_names=Bearer=Bearer . Bearer

// Bearer sends and receives complete provisioning PDUs ([]byte). Segmentation, if the underlying
// transport needs it, is handled by the Bearer.
type Bearer interface {
	// Receive returns a read-only channel of PDUs sent by the peer. The channel is closed when the
	// link is lost or the bearer is closed.
	//
	// Implementations must be thread safe.
	Receive() <-chan []byte

	// Send transmits one PDU.
	//
	// Implementations must be thread safe.
	Send(ctx context.Context, pdu []byte) error

	// Close terminates the link. Repeated calls to Close() must be idempotent, but the behavior of
	// the interface is otherwise undefined after calling this method.
	Close()

	// MTU returns the largest PDU the bearer can carry, or 0 if it is unlimited.
	MTU() int

	// Name identifies the peer in log lines, for example a Bluetooth address.
	Name() string
}
