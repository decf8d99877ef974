package provisioning

import (
	"errors"
	"fmt"

	"github.com/meshlink/provisioner/internal/authentication"
	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

func (m *Machine) provisionerReceive(pdu protocol.PDU) (Result, error) {
	switch p := pdu.(type) {
	case *protocol.Capabilities:
		return m.onCapabilities(p)
	case *protocol.PublicKey:
		return m.onDevicePublicKey(p)
	case *protocol.InputComplete:
		return m.sendConfirmation()
	case *protocol.Confirmation:
		return m.onDeviceConfirmation(p)
	case *protocol.Random:
		return m.onDeviceRandom(p)
	case *protocol.Complete:
		return m.onComplete()
	}
	return m.fail(protocol.ReasonUnexpectedPDU, fmt.Errorf("no handler for %s", pdu.Opcode()))
}

func (m *Machine) onCapabilities(caps *protocol.Capabilities) (Result, error) {
	if caps.NumElements == 0 {
		return m.fail(protocol.ReasonInvalidFormat, errors.New("device reports zero elements"))
	}
	if err := m.cfg.Data.Validate(caps.NumElements); err != nil {
		if errors.Is(err, ErrCannotAssignAddresses) {
			return m.fail(protocol.ReasonCannotAssignAddresses, err)
		}
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	local := oob.Local{StaticValue: m.cfg.StaticValue, PublicKeyKnown: m.node.PublicKey != nil}
	sel, err := m.cfg.Policy.Select(caps, local)
	if err != nil {
		return m.fail(protocol.ReasonInvalidFormat, err)
	}
	m.caps = caps
	m.sel = sel
	m.node.Capabilities = caps
	m.node.Selection = sel

	start := sel.Start()
	if err := m.record(caps); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.record(start); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.localKey(); err != nil {
		return m.fail(protocol.ReasonOutOfResources, err)
	}
	publicKey, err := m.ownPublicKey()
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	m.keys.provisionerPublic = publicKey.Bytes()
	if err := m.advanceAll(StateCapabilitiesReceived, StateStartSent); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}

	var r Result
	r.send(start, publicKey)
	if !sel.OOBPublicKey {
		return r, nil
	}
	// The device does not send its public key; use the one obtained out of band.
	m.keys.devicePublic = append([]byte{}, m.node.PublicKey...)
	if failed, err := m.exchangeKeys(m.node.PublicKey); err != nil {
		return failed, err
	}
	return m.authenticate(r)
}

func (m *Machine) onDevicePublicKey(p *protocol.PublicKey) (Result, error) {
	m.keys.devicePublic = p.Bytes()
	if err := authentication.ValidatePublicKey(m.keys.devicePublic); err != nil {
		return m.fail(protocol.ReasonInvalidPeerPublicKey, err)
	}
	if failed, err := m.exchangeKeys(m.keys.devicePublic); err != nil {
		return failed, err
	}
	return m.authenticate(Result{})
}

// authenticate sets up the authentication value after the key exchange. Output OOB waits for the
// user to type what the device shows; input OOB displays a value and waits for InputComplete.
func (m *Machine) authenticate(r Result) (Result, error) {
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
		if err := m.advance(StateOOBInputWait); err != nil {
			return m.fail(protocol.ReasonUnexpectedError, err)
		}
		m.awaitingInput = true
		r.AwaitingInput = true
		return r, nil
	case oob.MethodInput:
		v, err := oob.Generate(m.rng, m.sel)
		if err != nil {
			return m.fail(protocol.ReasonOutOfResources, err)
		}
		if err := m.advance(StateOOBInputWait); err != nil {
			return m.fail(protocol.ReasonUnexpectedError, err)
		}
		m.authValue = &v
		display := v
		r.Display = &display
		return r, nil
	}
	next, err := m.sendConfirmation()
	if err != nil {
		return next, err
	}
	next.Outbound = append(r.Outbound, next.Outbound...)
	return next, nil
}

func (m *Machine) sendConfirmation() (Result, error) {
	confirmation, err := m.keys.confirm(m.rng, m.authValue.Value[:])
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StateConfirmationExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	pdu := &protocol.Confirmation{}
	copy(pdu.Value[:], confirmation)
	var r Result
	r.send(pdu)
	return r, nil
}

func (m *Machine) onDeviceConfirmation(p *protocol.Confirmation) (Result, error) {
	m.keys.remoteConfirmation = append([]byte{}, p.Value[:]...)
	if m.keys.reflected() {
		return m.fail(protocol.ReasonConfirmationFailed, errors.New("device echoed the provisioner confirmation"))
	}
	if err := m.advance(StateRandomExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	pdu := &protocol.Random{}
	copy(pdu.Value[:], m.keys.localRandom)
	var r Result
	r.send(pdu)
	return r, nil
}

func (m *Machine) onDeviceRandom(p *protocol.Random) (Result, error) {
	m.keys.remoteRandom = append([]byte{}, p.Value[:]...)
	ok, err := m.keys.verify(m.authValue.Value[:])
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if !ok {
		return m.fail(protocol.ReasonConfirmationFailed, errors.New("device confirmation does not match its random value"))
	}
	if err := m.keys.deriveSessionKeys(m.keys.localRandom, m.keys.remoteRandom); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}

	plaintext := m.cfg.Data.Marshal()
	defer authentication.Wipe(plaintext)
	sealed, err := authentication.SealData(m.keys.sessionKey, m.keys.sessionNonce, plaintext)
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	pdu, err := protocol.NewData(sealed)
	if err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	if err := m.advance(StateDataExchanged); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	m.dataSent = true
	var r Result
	r.send(pdu)
	return r, nil
}

func (m *Machine) onComplete() (Result, error) {
	credentials := &NetworkCredentials{
		ProvisioningData: *m.cfg.Data,
		Elements:         m.caps.NumElements,
	}
	copy(credentials.DeviceKey[:], m.keys.deviceKey)
	var r Result
	if err := m.complete(&r, credentials); err != nil {
		return m.fail(protocol.ReasonUnexpectedError, err)
	}
	return r, nil
}
