// Package memory implements an in-process bearer pair. It is used by tests and by the simulate
// command, which runs a provisioner and a device in the same process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/connector"
)

// ErrQueueFull is returned when the receiving end does not drain its inbox.
var ErrQueueFull = errors.New("memory: peer inbox full")

// Tap observes every PDU crossing the pipe. It returns the PDU to deliver, which may be modified,
// and false to drop it.
type Tap func(from string, pdu []byte) ([]byte, bool)

type pipe struct {
	lock   sync.Mutex
	closed bool
	mtu    int
	tap    Tap
}

// Bearer is one end of a pipe.
type Bearer struct {
	name  string
	pipe  *pipe
	inbox chan []byte
	peer  *Bearer
}

// NewPipe returns two connected bearers. A PDU sent on one is received on the other. Closing
// either end closes both, which the peer observes as link loss.
func NewPipe(mtu int) (*Bearer, *Bearer) {
	p := &pipe{mtu: mtu}
	a := &Bearer{name: "memory-a", pipe: p, inbox: make(chan []byte, 4*connector.BufferSize)}
	b := &Bearer{name: "memory-b", pipe: p, inbox: make(chan []byte, 4*connector.BufferSize)}
	a.peer, b.peer = b, a
	return a, b
}

// SetTap installs t on the pipe. Passing nil removes the tap.
func SetTap(b *Bearer, t Tap) {
	b.pipe.lock.Lock()
	defer b.pipe.lock.Unlock()
	b.pipe.tap = t
}

// SetName changes the name reported by b.
func (b *Bearer) SetName(name string) {
	b.name = name
}

func (b *Bearer) Receive() <-chan []byte {
	return b.inbox
}

func (b *Bearer) Send(ctx context.Context, pdu []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := b.pipe
	if p.mtu > 0 && len(pdu) > p.mtu {
		return fmt.Errorf("memory: %d byte PDU exceeds MTU of %d", len(pdu), p.mtu)
	}
	buf := append([]byte{}, pdu...)

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return connector.ErrClosed
	}
	if p.tap != nil {
		var deliver bool
		if buf, deliver = p.tap(b.name, buf); !deliver {
			log.Debug("memory: dropped PDU from %s", b.name)
			return nil
		}
	}
	select {
	case b.peer.inbox <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Bearer) Close() {
	p := b.pipe
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(b.inbox)
	close(b.peer.inbox)
}

// Closed reports whether either end has been closed.
func (b *Bearer) Closed() bool {
	b.pipe.lock.Lock()
	defer b.pipe.lock.Unlock()
	return b.pipe.closed
}

func (b *Bearer) MTU() int {
	return b.pipe.mtu
}

func (b *Bearer) Name() string {
	return b.name
}
