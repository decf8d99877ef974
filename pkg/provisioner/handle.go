package provisioner

import (
	"context"
	"errors"

	"github.com/meshlink/provisioner/internal/dispatcher"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
	"github.com/meshlink/provisioner/pkg/provisioning"
)

// Handle refers to one running or terminated session.
type Handle struct {
	d         *dispatcher.Dispatcher
	node      *provisioning.UnprovisionedNode
	owner     *Provisioner
	exclusive bool
	reported  chan struct{}
}

func (h *Handle) events(callbacks Callbacks) dispatcher.Events {
	h.reported = make(chan struct{})
	var events dispatcher.Events
	if callbacks.OnStateChange != nil {
		events.OnStateChange = func(s provisioning.State) { callbacks.OnStateChange(h, s) }
	}
	if callbacks.OnInputRequired != nil {
		events.OnInputRequired = func(sel oob.Selection) { callbacks.OnInputRequired(h, sel) }
	}
	if callbacks.OnDisplay != nil {
		events.OnDisplay = func(v oob.AuthValue) { callbacks.OnDisplay(h, v) }
	}
	return events
}

// report delivers the outcome once the session terminated.
func (h *Handle) report(callbacks Callbacks) {
	defer close(h.reported)
	<-h.d.Done()
	h.owner.remove(h)
	credentials, err := h.d.Wait(context.Background())
	if err != nil {
		var provErr *protocol.ProvisioningError
		if !errors.As(err, &provErr) {
			provErr = protocol.NewLocalError(protocol.ReasonUnexpectedError, err)
		}
		if callbacks.OnFailed != nil {
			callbacks.OnFailed(h, provErr)
		}
		return
	}
	if callbacks.OnComplete != nil {
		callbacks.OnComplete(h, *credentials)
	}
}

// ID returns the session ID that tags log lines and trace events.
func (h *Handle) ID() string {
	return h.d.ID()
}

// Node returns the node being provisioned. Its Capabilities and Selection are filled in as the
// session progresses and must only be read after the session terminated.
func (h *Handle) Node() *provisioning.UnprovisionedNode {
	return h.node
}

func (h *Handle) State() provisioning.State {
	return h.d.State()
}

// AwaitingInput reports whether the session waits for an authentication value.
func (h *Handle) AwaitingInput() bool {
	return h.d.AwaitingInput()
}

// SupplyOOBAuthValue parses text, as typed by the user, according to the negotiated method and
// hands it to the session.
func (h *Handle) SupplyOOBAuthValue(text string) error {
	return h.d.SupplyOOBAuthValue(text)
}

func (h *Handle) SupplyAuthValue(value oob.AuthValue) error {
	return h.d.SupplyAuthValue(value)
}

// Cancel aborts the session. OnFailed is called with protocol.ReasonCancelled unless the session
// already terminated.
func (h *Handle) Cancel() {
	h.d.Cancel()
}

// Done is closed after the session terminated and its OnComplete or OnFailed callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.reported
}

// Wait blocks until the session terminates and returns its credentials, or its
// *protocol.ProvisioningError.
func (h *Handle) Wait(ctx context.Context) (*provisioning.NetworkCredentials, error) {
	select {
	case <-h.reported:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.d.Wait(context.Background())
}
