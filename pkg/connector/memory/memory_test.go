package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/meshlink/provisioner/pkg/connector"
)

var _ connector.Bearer = &Bearer{}

func TestPipeDelivers(t *testing.T) {
	a, b := NewPipe(0)
	defer a.Close()
	msg := []byte{0x00, 0x05}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	msg[1] = 0xff
	got := <-b.Receive()
	if len(got) != 2 || got[1] != 0x05 {
		t.Errorf("sender's buffer was not copied: %x", got)
	}
	if err := b.Send(context.Background(), []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if got := <-a.Receive(); got[0] != 0x01 {
		t.Errorf("unexpected PDU %x", got)
	}
}

func TestPipeMTU(t *testing.T) {
	a, b := NewPipe(3)
	defer b.Close()
	if err := a.Send(context.Background(), []byte{1, 2, 3, 4}); err == nil {
		t.Error("expected MTU error")
	}
	if a.MTU() != 3 {
		t.Errorf("unexpected MTU %d", a.MTU())
	}
}

func TestPipeClose(t *testing.T) {
	a, b := NewPipe(0)
	b.Close()
	b.Close()
	if _, ok := <-a.Receive(); ok {
		t.Error("peer inbox should be closed")
	}
	if err := a.Send(context.Background(), []byte{0}); !errors.Is(err, connector.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if !a.Closed() {
		t.Error("Closed() should report true")
	}
}

func TestPipeTap(t *testing.T) {
	a, b := NewPipe(0)
	defer a.Close()
	SetTap(a, func(from string, pdu []byte) ([]byte, bool) {
		if pdu[0] == 0xff {
			return nil, false
		}
		pdu[0] ^= 1
		return pdu, true
	})
	if err := a.Send(context.Background(), []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(context.Background(), []byte{0x02}); err != nil {
		t.Fatal(err)
	}
	if got := <-b.Receive(); got[0] != 0x03 {
		t.Errorf("tap did not run, got %x", got)
	}
	select {
	case extra := <-b.Receive():
		t.Errorf("dropped PDU was delivered: %x", extra)
	default:
	}
}

func TestPipeCancelledContext(t *testing.T) {
	a, b := NewPipe(0)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, []byte{0}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
