package provisioning

import (
	"errors"
	"fmt"

	"github.com/meshlink/provisioner/internal/authentication"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

func (m *Machine) deviceReceive(pdu protocol.PDU) (Result, error) {
	switch p := pdu.(type) {
	case *protocol.Invite:
		return m.onInvite(p)
	case *protocol.Start:
		return m.onStart(p)
	case *protocol.PublicKey:
		return m.onProvisionerPublicKey(p)
	case *protocol.Confirmation:
		return m.onProvisionerConfirmation(p)
	case *protocol.Random:
		return m.onProvisionerRandom(p)
	case *protocol.Data:
		return m.onData(p)
	}
	return m.fail(protocol.ReasonUnexpectedPDU, fmt.Errorf("no handler for %s", pdu.Opcode()))
}

func (m *Machine) onInvite(p *protocol.Invite) (Result, error) {
	m.attention = p.AttentionDuration
	m.caps = m.cfg.Capabilities
	m.node.Capabilities = m.caps
	if err := m.record(p); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.record(m.caps); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advanceAll(StateInviteSent, StateCapabilitiesReceived); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	var r Result
	r.send(m.caps)
	return r, nil
}

func (m *Machine) onStart(p *protocol.Start) (Result, error) {
	if err := oob.ValidateStart(m.caps, p); err != nil {
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	m.sel = oob.SelectionFromStart(p)
	if m.sel.Method == oob.MethodStatic && m.cfg.StaticValue == nil {
		return m.fail(protocol.ReasonInvalidFormat, errors.New("no static OOB value configured"))
	}
	m.node.Selection = m.sel
	if err := m.record(p); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StateStartSent); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	return Result{}, nil
}

func (m *Machine) onProvisionerPublicKey(p *protocol.PublicKey) (Result, error) {
	m.keys.provisionerPublic = p.Bytes()
	if err := authentication.ValidatePublicKey(m.keys.provisionerPublic); err != nil {
		return m.fail(protocol.ReasonInvalidPeerPublicKey, err)
	}
	if err := m.localKey(); err != nil {
		return m.fail(protocol.ReasonOutOfResources, err)
	}
	publicKey, err := m.ownPublicKey()
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	m.keys.devicePublic = publicKey.Bytes()
	if failed, err := m.exchangeKeys(m.keys.provisionerPublic); err != nil {
		return failed, err
	}

	var r Result
	if !m.sel.OOBPublicKey {
		r.send(publicKey)
	}
	switch m.sel.Method {
	case oob.MethodNone:
		v := oob.NoAuthValue()
		m.authValue = &v
	case oob.MethodStatic:
		v, err := m.staticAuthValue()
		if err != nil {
			return m.fail(protocol.ReasonUnexpectedError, err)
		}
		m.authValue = v
	case oob.MethodOutput:
		v, err := oob.Generate(m.rng, m.sel)
		if err != nil {
			return m.fail(protocol.ReasonOutOfResources, err)
		}
		m.authValue = &v
		display := v
		r.Display = &display
	case oob.MethodInput:
		if err := m.advance(StateOOBInputWait); err != nil {
			return m.fail(protocol.ReasonUnexpectedError, err)
		}
		m.awaitingInput = true
		r.AwaitingInput = true
		return r, nil
	}
	if err := m.advance(StateConfirmationExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	return r, nil
}

// inputComplete is called once the user entered the value the provisioner displayed.
func (m *Machine) inputComplete() (Result, error) {
	if err := m.advance(StateConfirmationExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	var r Result
	r.send(&protocol.InputComplete{})
	return r, nil
}

func (m *Machine) onProvisionerConfirmation(p *protocol.Confirmation) (Result, error) {
	m.keys.remoteConfirmation = append([]byte{}, p.Value[:]...)
	confirmation, err := m.keys.confirm(m.rng, m.authValue.Value[:])
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if m.keys.reflected() {
		return m.fail(protocol.ReasonConfirmationFailed, errors.New("provisioner confirmation equals the device confirmation"))
	}
	if err := m.advance(StateRandomExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	pdu := &protocol.Confirmation{}
	copy(pdu.Value[:], confirmation)
	var r Result
	r.send(pdu)
	return r, nil
}

func (m *Machine) onProvisionerRandom(p *protocol.Random) (Result, error) {
	m.keys.remoteRandom = append([]byte{}, p.Value[:]...)
	ok, err := m.keys.verify(m.authValue.Value[:])
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if !ok {
		return m.fail(protocol.ReasonConfirmationFailed, errors.New("provisioner confirmation does not match its random value"))
	}
	if err := m.keys.deriveSessionKeys(m.keys.remoteRandom, m.keys.localRandom); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StateDataExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	pdu := &protocol.Random{}
	copy(pdu.Value[:], m.keys.localRandom)
	var r Result
	r.send(pdu)
	return r, nil
}

func (m *Machine) onData(p *protocol.Data) (Result, error) {
	plaintext, err := authentication.OpenData(m.keys.sessionKey, m.keys.sessionNonce, p.Sealed())
	if err != nil {
		return m.fail(protocol.ReasonDecryptionFailed, err)
	}
	defer authentication.Wipe(plaintext)
	data, err := ParseProvisioningData(plaintext)
	if err != nil {
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	if err := data.Validate(m.caps.NumElements); err != nil {
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	credentials := &NetworkCredentials{ProvisioningData: *data, Elements: m.caps.NumElements}
	copy(credentials.DeviceKey[:], m.keys.deviceKey)
	var r Result
	r.send(&protocol.Complete{})
	if err := m.complete(&r, credentials); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	return r, nil
}
