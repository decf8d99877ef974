// Package dispatcher supervises provisioning sessions. A Dispatcher owns one bearer and one
// provisioning.Machine and drives the machine from a single goroutine: PDUs from the bearer, OOB
// input from the user, deadlines and cancellation are all delivered to that goroutine over
// channels, so the machine itself needs no locking.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/meshlink/provisioner/internal/log"
	"github.com/meshlink/provisioner/pkg/connector"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
	"github.com/meshlink/provisioner/pkg/provisioning"
	"github.com/meshlink/provisioner/pkg/trace"
)

var (
	// ErrInputPending is returned if an authentication value was supplied but not yet consumed.
	ErrInputPending = errors.New("authentication value already supplied")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("dispatcher already started")
)

// Timeouts bound how long a session may wait.
type Timeouts struct {
	// Step is the maximum time between two state changes.
	Step time.Duration
	// UserInput replaces Step while the local user has to enter an authentication value.
	UserInput time.Duration
	// Link bounds a single bearer send.
	Link time.Duration
}

// DefaultTimeouts returns the provisioning timer of the Mesh Profile (60 s), five minutes for user
// input and connector.DefaultLinkTimeout per send.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Step:      60 * time.Second,
		UserInput: 5 * time.Minute,
		Link:      connector.DefaultLinkTimeout,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Step <= 0 {
		t.Step = d.Step
	}
	if t.UserInput <= 0 {
		t.UserInput = d.UserInput
	}
	if t.Link <= 0 {
		t.Link = d.Link
	}
	return t
}

// Events are invoked from the dispatcher goroutine. They must not block; in particular an
// authentication value requested by OnInputRequired may be supplied from inside the callback.
type Events struct {
	OnStateChange   func(provisioning.State)
	OnInputRequired func(oob.Selection)
	OnDisplay       func(oob.AuthValue)
}

// Options configure a Dispatcher.
type Options struct {
	Timeouts Timeouts
	Recorder trace.Recorder
	Events   Events
}

// Dispatcher runs one provisioning session over one bearer.
type Dispatcher struct {
	id       string
	bearer   connector.Bearer
	machine  *provisioning.Machine
	timeouts Timeouts
	recorder trace.Recorder
	events   Events
	logger   log.Logger

	input chan oob.AuthValue
	done  chan struct{}

	// userPhase is the state in which the local user was asked to display or enter a value; it
	// is governed by the UserInput timeout. Only accessed by the session goroutine.
	userPhase    provisioning.State
	userPhaseSet bool

	lock          sync.Mutex
	started       bool
	cancel        context.CancelFunc
	state         provisioning.State
	awaitingInput bool
	selection     oob.Selection
	credentials   *provisioning.NetworkCredentials
	err           *protocol.ProvisioningError
}

// New creates a Dispatcher. The Dispatcher takes ownership of bearer and machine: both are closed
// when the session ends.
func New(bearer connector.Bearer, machine *provisioning.Machine, opts Options) *Dispatcher {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = trace.NoopRecorder{}
	}
	id := ksuid.New().String()
	return &Dispatcher{
		id:       id,
		bearer:   bearer,
		machine:  machine,
		timeouts: opts.Timeouts.withDefaults(),
		recorder: recorder,
		events:   opts.Events,
		logger:   log.WithPrefix(id),
		input:    make(chan oob.AuthValue, 1),
		done:     make(chan struct{}),
		state:    machine.State(),
	}
}

// ID returns the session ID used in log lines and traces.
func (d *Dispatcher) ID() string {
	return d.id
}

// Start launches the session goroutine. The session is cancelled when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
	return nil
}

// Cancel aborts the session. No PDU is sent after cancellation.
func (d *Dispatcher) Cancel() {
	d.lock.Lock()
	cancel := d.cancel
	d.lock.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the session has terminated and the bearer is closed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the session terminates or ctx is done. It returns the credentials of a
// completed session or the *protocol.ProvisioningError of a failed one.
func (d *Dispatcher) Wait(ctx context.Context) (*provisioning.NetworkCredentials, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.credentials, nil
}

// State returns the most recent state of the session.
func (d *Dispatcher) State() provisioning.State {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state
}

// AwaitingInput reports whether the session waits for SupplyAuthValue.
func (d *Dispatcher) AwaitingInput() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.awaitingInput
}

// SupplyAuthValue hands the value entered by the user to the session. The value is checked against
// the negotiated method before it is queued.
func (d *Dispatcher) SupplyAuthValue(value oob.AuthValue) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.state.Terminal() {
		return provisioning.ErrTerminated
	}
	if !d.awaitingInput {
		return provisioning.ErrNotAwaitingInput
	}
	if !value.Matches(d.selection) {
		return fmt.Errorf("%w: expected %s", oob.ErrInvalidAuthValue, d.selection)
	}
	select {
	case d.input <- value:
		d.awaitingInput = false
		return nil
	default:
		return ErrInputPending
	}
}

// SupplyOOBAuthValue parses text as entered by a user and supplies it.
func (d *Dispatcher) SupplyOOBAuthValue(text string) error {
	d.lock.Lock()
	sel := d.selection
	d.lock.Unlock()
	value, err := oob.Parse(sel, text)
	if err != nil {
		return err
	}
	return d.SupplyAuthValue(value)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.bearer.Close()
	defer d.machine.Close()

	d.logger.Info("Session with %s started (%s)", d.bearer.Name(), d.machine.Role())
	if d.machine.Role() == provisioning.RoleProvisioner && !d.cancelled(ctx) {
		result, err := d.machine.Start()
		d.handle(ctx, result, err)
	}

	timer := time.NewTimer(d.deadline())
	defer timer.Stop()
	for !d.machine.State().Terminal() {
		if d.cancelled(ctx) {
			break
		}
		before := d.machine.State()
		select {
		case raw, open := <-d.bearer.Receive():
			// Cancellation takes precedence over queued PDUs and link loss.
			if d.cancelled(ctx) {
				break
			}
			if !open {
				d.abort(ctx, protocol.ReasonLinkLost, errors.New("bearer closed by peer"))
				break
			}
			d.recordPDU(trace.DirectionIn, raw)
			d.logger.Debug("RX %02x", raw)
			result, err := d.machine.Receive(raw)
			d.handle(ctx, result, err)
		case value := <-d.input:
			if d.cancelled(ctx) {
				value.Wipe()
				break
			}
			d.recorder.Record(d.event(trace.KindInput))
			result, err := d.machine.SupplyAuthValue(value)
			value.Wipe()
			if err != nil && !d.machine.State().Terminal() {
				d.logger.Warning("Rejected authentication value: %s", err)
				d.publish(provisioning.Result{AwaitingInput: true})
				continue
			}
			d.handle(ctx, result, err)
		case <-timer.C:
			d.abort(ctx, protocol.ReasonTimeout, fmt.Errorf("no progress in state %s", before))
		case <-ctx.Done():
			d.abort(ctx, protocol.ReasonCancelled, ctx.Err())
		}
		if d.machine.State() != before {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.deadline())
		}
	}
	d.finish()
}

func (d *Dispatcher) deadline() time.Duration {
	if d.machine.AwaitingInput() || (d.userPhaseSet && d.machine.State() == d.userPhase) {
		return d.timeouts.UserInput
	}
	return d.timeouts.Step
}

// handle sends the outbound PDUs of result and publishes the new state.
func (d *Dispatcher) handle(ctx context.Context, result provisioning.Result, err error) {
	if err != nil {
		var provErr *protocol.ProvisioningError
		if errors.As(err, &provErr) {
			d.logger.Warning("Session failed: %s", provErr)
		} else {
			d.logger.Error("Unexpected error: %s", err)
		}
	}
	for _, pdu := range result.Outbound {
		if sendErr := d.send(ctx, pdu); sendErr != nil {
			if d.machine.State().Terminal() {
				d.logger.Warning("Failed to send %s after the session ended: %s", pdu.Opcode(), sendErr)
				break
			}
			d.logger.Warning("Failed to send %s: %s", pdu.Opcode(), sendErr)
			if ctx.Err() != nil {
				d.machine.Fail(protocol.ReasonCancelled, ctx.Err())
			} else {
				d.machine.Fail(protocol.ReasonBearerError, sendErr)
			}
			result.AwaitingInput = false
			result.Display = nil
			break
		}
	}
	d.publish(result)
}

func (d *Dispatcher) send(ctx context.Context, pdu protocol.PDU) error {
	raw, err := protocol.Encode(pdu, d.bearer.MTU())
	if err != nil {
		return err
	}
	// A Failed PDU is still sent when the session was aborted locally, so it must not depend on
	// the session context.
	if pdu.Opcode() == protocol.OpFailed {
		ctx = context.WithoutCancel(ctx)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeouts.Link)
	defer cancel()
	d.logger.Debug("TX %02x", raw)
	if err := d.bearer.Send(sendCtx, raw); err != nil {
		return err
	}
	d.recordPDU(trace.DirectionOut, raw)
	return nil
}

// cancelled fails the session with ReasonCancelled if ctx is done.
func (d *Dispatcher) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if !d.machine.State().Terminal() {
		d.abort(ctx, protocol.ReasonCancelled, ctx.Err())
	}
	return true
}

// abort fails the session for a reason detected by the dispatcher. None of these reasons has a
// wire code, so no Failed PDU is sent.
func (d *Dispatcher) abort(ctx context.Context, reason protocol.Reason, err error) {
	result, provErr := d.machine.Fail(reason, err)
	d.logger.Warning("Session aborted: %s", provErr)
	d.handle(ctx, result, nil)
}

func (d *Dispatcher) publish(result provisioning.Result) {
	state := d.machine.State()
	d.lock.Lock()
	changed := state != d.state
	d.state = state
	d.awaitingInput = result.AwaitingInput && !state.Terminal()
	d.selection = d.machine.Method()
	d.lock.Unlock()

	if (result.Display != nil || result.AwaitingInput) && !state.Terminal() {
		d.userPhase, d.userPhaseSet = state, true
	}
	if changed {
		d.logger.Info("State %s", state)
		d.recorder.Record(d.event(trace.KindState))
		if d.events.OnStateChange != nil {
			d.events.OnStateChange(state)
		}
	}
	if result.Display != nil && !state.Terminal() {
		if d.events.OnDisplay != nil {
			d.events.OnDisplay(*result.Display)
		}
		result.Display.Wipe()
	}
	if result.AwaitingInput && !state.Terminal() && d.events.OnInputRequired != nil {
		d.events.OnInputRequired(d.machine.Method())
	}
}

func (d *Dispatcher) finish() {
	d.lock.Lock()
	d.state = d.machine.State()
	d.awaitingInput = false
	d.err = d.machine.Err()
	d.credentials = d.machine.Credentials()
	d.lock.Unlock()

	e := d.event(trace.KindResult)
	if d.err != nil {
		e.Reason = d.err.Reason.String()
		d.logger.Info("Session with %s failed: %s", d.bearer.Name(), d.err)
	} else {
		d.logger.Info("Session with %s complete", d.bearer.Name())
	}
	d.recorder.Record(e)
}

func (d *Dispatcher) event(kind trace.Kind) trace.Event {
	return trace.Event{
		Timestamp: time.Now(),
		SessionID: d.id,
		Kind:      kind,
		Opcode:    -1,
		State:     d.machine.State().String(),
		Peer:      d.bearer.Name(),
	}
}

func (d *Dispatcher) recordPDU(direction trace.Direction, raw []byte) {
	e := d.event(trace.KindPDU)
	e.Direction = direction
	if len(raw) > 0 {
		e.Opcode = int(raw[0])
		e.Payload = append([]byte{}, raw[1:]...)
	}
	d.recorder.Record(e)
}
