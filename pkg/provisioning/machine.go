package provisioning

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/meshlink/provisioner/internal/authentication"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

var (
	// ErrTerminated is returned for any input after the machine reached Complete or Failed.
	ErrTerminated = errors.New("provisioning session already terminated")
	// ErrNotAwaitingInput indicates an authentication value was supplied when none was requested.
	ErrNotAwaitingInput = errors.New("session is not waiting for OOB input")
	// ErrWrongRole indicates an operation that the machine's role does not perform.
	ErrWrongRole = errors.New("operation not available in this role")
)

// Config holds the parameters of one session. It is not modified by the Machine.
type Config struct {
	// Policy chooses the authentication method (provisioner only).
	Policy oob.Policy
	// AttentionDuration is sent in the Invite PDU (provisioner only).
	AttentionDuration uint8
	// Data is handed to the device (provisioner only).
	Data *ProvisioningData
	// StaticValue is the 16-byte static OOB value, if any.
	StaticValue []byte
	// Capabilities are advertised to the provisioner (device only).
	Capabilities *protocol.Capabilities
	// PrivateKey is the static key of a device advertising an OOB public key. When nil a fresh
	// key is generated for the session, which is what a provisioner should always do.
	PrivateKey authentication.ECDHPrivateKey
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// Result describes what the caller of a Machine must do after an input was processed.
type Result struct {
	// Outbound PDUs must be sent in order.
	Outbound []protocol.PDU
	// AwaitingInput is true if the local user must supply an authentication value through
	// SupplyAuthValue.
	AwaitingInput bool
	// Display is an authentication value the local side must output (display, blink, ...).
	Display *oob.AuthValue
	// Credentials is set once, when the session completes.
	Credentials *NetworkCredentials
}

func (r *Result) send(pdus ...protocol.PDU) {
	r.Outbound = append(r.Outbound, pdus...)
}

// Machine is a single provisioning session. It is not safe for concurrent use.
type Machine struct {
	role  Role
	node  *UnprovisionedNode
	cfg   Config
	rng   io.Reader
	state State

	err *protocol.ProvisioningError

	caps          *protocol.Capabilities
	sel           oob.Selection
	authValue     *oob.AuthValue
	awaitingInput bool
	dataSent      bool
	attention     uint8
	credentials   *NetworkCredentials

	keys session
}

// NewMachine creates a session for role. node describes the peer (provisioner role) or the local
// device (device role) and may be nil for a device.
func NewMachine(role Role, node *UnprovisionedNode, cfg Config) (*Machine, error) {
	if node == nil {
		node = &UnprovisionedNode{}
	}
	switch role {
	case RoleProvisioner:
		if cfg.Data == nil {
			return nil, fmt.Errorf("%w: no provisioning data", ErrInvalidData)
		}
		if err := cfg.Data.Validate(0); err != nil {
			return nil, err
		}
		if len(cfg.Policy.Order) == 0 {
			cfg.Policy = oob.DefaultPolicy()
		}
		if node.PublicKey != nil {
			if err := authentication.ValidatePublicKey(node.PublicKey); err != nil {
				return nil, err
			}
		}
	case RoleDevice:
		if cfg.Capabilities == nil {
			return nil, errors.New("device role requires capabilities")
		}
		if cfg.Capabilities.NumElements == 0 {
			return nil, errors.New("device must have at least one element")
		}
		if cfg.Capabilities.PublicKeyType&oob.PublicKeyOOB != 0 && cfg.PrivateKey == nil {
			return nil, errors.New("device advertising an OOB public key requires its private key")
		}
	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}
	if cfg.StaticValue != nil && len(cfg.StaticValue) != oob.AuthValueSize {
		return nil, fmt.Errorf("%w: static OOB must be %d bytes", oob.ErrInvalidAuthValue, oob.AuthValueSize)
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Reader
	}
	return &Machine{role: role, node: node, cfg: cfg, rng: rng, state: StateIdle}, nil
}

func (m *Machine) Role() Role { return m.role }

func (m *Machine) State() State { return m.state }

func (m *Machine) Node() *UnprovisionedNode { return m.node }

// Reason returns the failure reason, or ReasonNone if the machine has not failed.
func (m *Machine) Reason() protocol.Reason {
	if m.err == nil {
		return protocol.ReasonNone
	}
	return m.err.Reason
}

// Err returns the terminal error of a failed session.
func (m *Machine) Err() *protocol.ProvisioningError { return m.err }

// Credentials returns the credentials of a completed session.
func (m *Machine) Credentials() *NetworkCredentials { return m.credentials }

// Method returns the negotiated authentication method.
func (m *Machine) Method() oob.Selection { return m.sel }

// AttentionDuration returns the attention timer received in the Invite PDU (device role).
func (m *Machine) AttentionDuration() uint8 { return m.attention }

// AwaitingInput returns true while the machine waits for SupplyAuthValue.
func (m *Machine) AwaitingInput() bool { return m.awaitingInput }

// ExpectedOpcode returns the only PDU, besides Failed, that the machine accepts next.
func (m *Machine) ExpectedOpcode() (protocol.Opcode, bool) {
	if m.state.Terminal() {
		return 0, false
	}
	return expectedOpcode(m.role, m.state, m.sel)
}

func (m *Machine) advance(to State) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

func (m *Machine) advanceAll(states ...State) error {
	for _, s := range states {
		if err := m.advance(s); err != nil {
			return err
		}
	}
	return nil
}

// Start sends the Invite PDU. Only provisioners start a session; a device waits for the Invite.
func (m *Machine) Start() (Result, error) {
	if m.state.Terminal() {
		return Result{}, ErrTerminated
	}
	if m.role != RoleProvisioner {
		return Result{}, ErrWrongRole
	}
	if m.state != StateIdle {
		return Result{}, fmt.Errorf("session already started (state %s)", m.state)
	}
	invite := &protocol.Invite{AttentionDuration: m.cfg.AttentionDuration}
	if err := m.record(invite); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StateInviteSent); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	var r Result
	r.send(invite)
	return r, nil
}

// record appends the payload of pdu to the confirmation inputs.
func (m *Machine) record(pdu protocol.PDU) error {
	payload, err := protocol.Payload(pdu)
	if err != nil {
		return err
	}
	m.keys.appendTranscript(payload)
	return nil
}

// Receive processes one raw PDU from the peer.
func (m *Machine) Receive(raw []byte) (Result, error) {
	if m.state.Terminal() {
		return Result{}, ErrTerminated
	}
	op, err := protocol.DecodeOpcode(raw)
	if err != nil {
		return m.fail(protocol.ReasonInvalidPDU, err)
	}
	if op == protocol.OpFailed {
		pdu, err := protocol.Decode(raw)
		if err != nil {
			return m.fail(protocol.ReasonInvalidFormat, err)
		}
		return m.remoteFailure(pdu.(*protocol.Failed).Code)
	}
	if expected, ok := m.ExpectedOpcode(); !ok || op != expected {
		return m.fail(protocol.ReasonUnexpectedPDU, fmt.Errorf("received %s in state %s", op, m.state))
	}
	pdu, err := protocol.Decode(raw)
	if err != nil {
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	if m.role == RoleProvisioner {
		return m.provisionerReceive(pdu)
	}
	return m.deviceReceive(pdu)
}

// SupplyAuthValue provides the authentication value entered by the local user.
func (m *Machine) SupplyAuthValue(value oob.AuthValue) (Result, error) {
	if m.state.Terminal() {
		return Result{}, ErrTerminated
	}
	if !m.awaitingInput {
		return Result{}, ErrNotAwaitingInput
	}
	if !value.Matches(m.sel) {
		return Result{}, fmt.Errorf("%w: expected %s", oob.ErrInvalidAuthValue, m.sel)
	}
	m.awaitingInput = false
	m.authValue = &value
	if m.role == RoleProvisioner {
		return m.sendConfirmation()
	}
	return m.inputComplete()
}

// Fail aborts the session with a locally detected reason. The Result carries a Failed PDU if the
// reason has a wire code. Failing a terminated machine has no effect.
func (m *Machine) Fail(reason protocol.Reason, err error) (Result, *protocol.ProvisioningError) {
	if m.state.Terminal() {
		return Result{}, m.err
	}
	r, _ := m.fail(reason, err)
	return r, m.err
}

// Close releases all key material. A session that has not terminated is cancelled.
func (m *Machine) Close() {
	if !m.state.Terminal() {
		m.Fail(protocol.ReasonCancelled, nil)
	}
	m.release()
}

func (m *Machine) fail(reason protocol.Reason, err error) (Result, error) {
	provErr := protocol.NewLocalError(reason, err)
	provErr.DataSent = m.dataSent
	var r Result
	if code, ok := reason.Code(); ok {
		r.send(&protocol.Failed{Code: code})
	}
	m.terminate(provErr)
	return r, provErr
}

func (m *Machine) remoteFailure(code protocol.FailureCode) (Result, error) {
	provErr := protocol.NewRemoteError(code)
	provErr.DataSent = m.dataSent
	m.terminate(provErr)
	return Result{}, provErr
}

func (m *Machine) terminate(err *protocol.ProvisioningError) {
	m.err = err
	m.state = StateFailed
	m.awaitingInput = false
	m.release()
}

func (m *Machine) release() {
	m.keys.wipe()
	if m.authValue != nil {
		m.authValue.Wipe()
		m.authValue = nil
	}
}

func (m *Machine) complete(r *Result, credentials *NetworkCredentials) error {
	if err := m.advance(StateComplete); err != nil {
		return err
	}
	m.credentials = credentials
	r.Credentials = credentials
	m.release()
	return nil
}

// exchangeKeys runs ECDH once both public keys are known.
func (m *Machine) exchangeKeys(remote []byte) (Result, error) {
	if err := m.keys.exchange(remote); err != nil {
		if errors.Is(err, authentication.ErrInvalidPeerPublicKey) {
			return m.fail(protocol.ReasonInvalidPeerPublicKey, err)
		}
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StatePublicKeyExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	return Result{}, nil
}

func (m *Machine) localKey() error {
	if m.cfg.PrivateKey != nil {
		m.keys.private = m.cfg.PrivateKey
		return nil
	}
	key, err := authentication.NewECDHPrivateKey(m.rng)
	if err != nil {
		return err
	}
	m.keys.private = key
	return nil
}

func (m *Machine) ownPublicKey() (*protocol.PublicKey, error) {
	return protocol.NewPublicKey(m.keys.private.PublicBytes())
}

func (m *Machine) staticAuthValue() (*oob.AuthValue, error) {
	v, err := oob.NewStaticAuthValue(m.cfg.StaticValue)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
