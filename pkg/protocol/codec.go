package protocol

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

var (
	// ErrUnrecognizedPDU indicates an empty message or an opcode outside 0x00-0x09.
	ErrUnrecognizedPDU = errors.New("unrecognized provisioning PDU")
	// ErrInvalidFormat indicates a PDU whose payload length or field values do not match its
	// opcode.
	ErrInvalidFormat = errors.New("invalid provisioning PDU format")
	// ErrExceedsMTU indicates the encoded PDU does not fit into the bearer's MTU.
	ErrExceedsMTU = errors.New("provisioning PDU exceeds bearer MTU")
)

// Encode serializes pdu as opcode || payload. An mtu of zero or less means the bearer imposes no
// limit.
func Encode(pdu PDU, mtu int) ([]byte, error) {
	if pdu == nil {
		return nil, fmt.Errorf("%w: nil PDU", ErrInvalidFormat)
	}
	size, ok := pdu.Opcode().PayloadSize()
	if !ok {
		return nil, ErrUnrecognizedPDU
	}
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, 1+size))
	b.AddUint8(uint8(pdu.Opcode()))
	pdu.marshal(b)
	encoded, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if len(encoded) != 1+size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrInvalidFormat, pdu.Opcode(), len(encoded)-1)
	}
	if mtu > 0 && len(encoded) > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrExceedsMTU, len(encoded), mtu)
	}
	return encoded, nil
}

// Payload returns the encoded PDU without its opcode byte.
func Payload(pdu PDU) ([]byte, error) {
	encoded, err := Encode(pdu, 0)
	if err != nil {
		return nil, err
	}
	return encoded[1:], nil
}

// DecodeOpcode returns the opcode of raw without decoding the payload.
func DecodeOpcode(raw []byte) (Opcode, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrUnrecognizedPDU)
	}
	op := Opcode(raw[0])
	if !op.Known() {
		return op, fmt.Errorf("%w: opcode 0x%02x", ErrUnrecognizedPDU, raw[0])
	}
	return op, nil
}

func newPDU(op Opcode) PDU {
	switch op {
	case OpInvite:
		return &Invite{}
	case OpCapabilities:
		return &Capabilities{}
	case OpStart:
		return &Start{}
	case OpPublicKey:
		return &PublicKey{}
	case OpInputComplete:
		return &InputComplete{}
	case OpConfirmation:
		return &Confirmation{}
	case OpRandom:
		return &Random{}
	case OpData:
		return &Data{}
	case OpComplete:
		return &Complete{}
	case OpFailed:
		return &Failed{}
	}
	return nil
}

// Decode parses a single provisioning PDU. Unknown opcodes return ErrUnrecognizedPDU; a payload
// whose length differs from the opcode's fixed length returns ErrInvalidFormat.
func Decode(raw []byte) (PDU, error) {
	op, err := DecodeOpcode(raw)
	if err != nil {
		return nil, err
	}
	size, _ := op.PayloadSize()
	if len(raw)-1 != size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, expected %d", ErrInvalidFormat, op, len(raw)-1, size)
	}
	pdu := newPDU(op)
	s := cryptobyte.String(raw[1:])
	if !pdu.unmarshal(&s) || !s.Empty() {
		return nil, fmt.Errorf("%w: malformed %s", ErrInvalidFormat, op)
	}
	return pdu, nil
}
