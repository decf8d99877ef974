package protocol

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Opcode identifies a provisioning PDU.
type Opcode uint8

const (
	OpInvite        Opcode = 0x00
	OpCapabilities  Opcode = 0x01
	OpStart         Opcode = 0x02
	OpPublicKey     Opcode = 0x03
	OpInputComplete Opcode = 0x04
	OpConfirmation  Opcode = 0x05
	OpRandom        Opcode = 0x06
	OpData          Opcode = 0x07
	OpComplete      Opcode = 0x08
	OpFailed        Opcode = 0x09
)

const (
	CapabilitiesSize = 11
	StartSize        = 5
	PublicKeySize    = 64
	ValueSize        = 16
	DataSize         = 25
	DataMICSize      = 8
)

var opcodeNames = map[Opcode]string{
	OpInvite:        "Invite",
	OpCapabilities:  "Capabilities",
	OpStart:         "Start",
	OpPublicKey:     "PublicKey",
	OpInputComplete: "InputComplete",
	OpConfirmation:  "Confirmation",
	OpRandom:        "Random",
	OpData:          "Data",
	OpComplete:      "Complete",
	OpFailed:        "Failed",
}

// payloadSizes is the exact payload length of every opcode. Decode rejects any other length.
var payloadSizes = map[Opcode]int{
	OpInvite:        1,
	OpCapabilities:  CapabilitiesSize,
	OpStart:         StartSize,
	OpPublicKey:     PublicKeySize,
	OpInputComplete: 0,
	OpConfirmation:  ValueSize,
	OpRandom:        ValueSize,
	OpData:          DataSize + DataMICSize,
	OpComplete:      0,
	OpFailed:        1,
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Known returns true if o is a defined provisioning opcode.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// PayloadSize returns the payload length (excluding the opcode byte) of PDUs with opcode o.
func (o Opcode) PayloadSize() (int, bool) {
	size, ok := payloadSizes[o]
	return size, ok
}

// PDU is a single provisioning message.
type PDU interface {
	Opcode() Opcode
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) bool
}

// Invite asks a device to start provisioning and to attract attention for AttentionDuration
// seconds.
type Invite struct {
	AttentionDuration uint8
}

func (*Invite) Opcode() Opcode { return OpInvite }

func (p *Invite) marshal(b *cryptobyte.Builder) { b.AddUint8(p.AttentionDuration) }

func (p *Invite) unmarshal(s *cryptobyte.String) bool { return s.ReadUint8(&p.AttentionDuration) }

// Capabilities is the device's capability advertisement.
type Capabilities struct {
	NumElements      uint8
	Algorithms       uint16
	PublicKeyType    uint8
	StaticOOBType    uint8
	OutputOOBSize    uint8
	OutputOOBActions uint16
	InputOOBSize     uint8
	InputOOBActions  uint16
}

func (*Capabilities) Opcode() Opcode { return OpCapabilities }

func (p *Capabilities) marshal(b *cryptobyte.Builder) {
	b.AddUint8(p.NumElements)
	b.AddUint16(p.Algorithms)
	b.AddUint8(p.PublicKeyType)
	b.AddUint8(p.StaticOOBType)
	b.AddUint8(p.OutputOOBSize)
	b.AddUint16(p.OutputOOBActions)
	b.AddUint8(p.InputOOBSize)
	b.AddUint16(p.InputOOBActions)
}

func (p *Capabilities) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&p.NumElements) &&
		s.ReadUint16(&p.Algorithms) &&
		s.ReadUint8(&p.PublicKeyType) &&
		s.ReadUint8(&p.StaticOOBType) &&
		s.ReadUint8(&p.OutputOOBSize) &&
		s.ReadUint16(&p.OutputOOBActions) &&
		s.ReadUint8(&p.InputOOBSize) &&
		s.ReadUint16(&p.InputOOBActions)
}

// Start records the algorithm and authentication method chosen by the provisioner.
type Start struct {
	Algorithm  uint8
	PublicKey  uint8
	AuthMethod uint8
	AuthAction uint8
	AuthSize   uint8
}

func (*Start) Opcode() Opcode { return OpStart }

func (p *Start) marshal(b *cryptobyte.Builder) {
	b.AddUint8(p.Algorithm)
	b.AddUint8(p.PublicKey)
	b.AddUint8(p.AuthMethod)
	b.AddUint8(p.AuthAction)
	b.AddUint8(p.AuthSize)
}

func (p *Start) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&p.Algorithm) &&
		s.ReadUint8(&p.PublicKey) &&
		s.ReadUint8(&p.AuthMethod) &&
		s.ReadUint8(&p.AuthAction) &&
		s.ReadUint8(&p.AuthSize)
}

// PublicKey carries an uncompressed P-256 point.
type PublicKey struct {
	X [32]byte
	Y [32]byte
}

// NewPublicKey splits a 64-byte X||Y encoding.
func NewPublicKey(xy []byte) (*PublicKey, error) {
	if len(xy) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidFormat, PublicKeySize)
	}
	p := &PublicKey{}
	copy(p.X[:], xy[:32])
	copy(p.Y[:], xy[32:])
	return p, nil
}

// Bytes returns the X||Y encoding.
func (p *PublicKey) Bytes() []byte {
	buff := make([]byte, 0, PublicKeySize)
	buff = append(buff, p.X[:]...)
	return append(buff, p.Y[:]...)
}

func (*PublicKey) Opcode() Opcode { return OpPublicKey }

func (p *PublicKey) marshal(b *cryptobyte.Builder) {
	b.AddBytes(p.X[:])
	b.AddBytes(p.Y[:])
}

func (p *PublicKey) unmarshal(s *cryptobyte.String) bool {
	return s.CopyBytes(p.X[:]) && s.CopyBytes(p.Y[:])
}

// InputComplete tells the provisioner that the device finished collecting input OOB.
type InputComplete struct{}

func (*InputComplete) Opcode() Opcode                    { return OpInputComplete }
func (*InputComplete) marshal(*cryptobyte.Builder)       {}
func (*InputComplete) unmarshal(*cryptobyte.String) bool { return true }

type Confirmation struct {
	Value [ValueSize]byte
}

func (*Confirmation) Opcode() Opcode                        { return OpConfirmation }
func (p *Confirmation) marshal(b *cryptobyte.Builder)       { b.AddBytes(p.Value[:]) }
func (p *Confirmation) unmarshal(s *cryptobyte.String) bool { return s.CopyBytes(p.Value[:]) }

type Random struct {
	Value [ValueSize]byte
}

func (*Random) Opcode() Opcode                        { return OpRandom }
func (p *Random) marshal(b *cryptobyte.Builder)       { b.AddBytes(p.Value[:]) }
func (p *Random) unmarshal(s *cryptobyte.String) bool { return s.CopyBytes(p.Value[:]) }

// Data carries the encrypted provisioning data and its MIC.
type Data struct {
	Encrypted [DataSize]byte
	MIC       [DataMICSize]byte
}

// NewData splits the output of an AES-CCM seal operation.
func NewData(sealed []byte) (*Data, error) {
	if len(sealed) != DataSize+DataMICSize {
		return nil, fmt.Errorf("%w: sealed data must be %d bytes", ErrInvalidFormat, DataSize+DataMICSize)
	}
	p := &Data{}
	copy(p.Encrypted[:], sealed[:DataSize])
	copy(p.MIC[:], sealed[DataSize:])
	return p, nil
}

// Sealed returns Encrypted||MIC.
func (p *Data) Sealed() []byte {
	buff := make([]byte, 0, DataSize+DataMICSize)
	buff = append(buff, p.Encrypted[:]...)
	return append(buff, p.MIC[:]...)
}

func (*Data) Opcode() Opcode { return OpData }

func (p *Data) marshal(b *cryptobyte.Builder) {
	b.AddBytes(p.Encrypted[:])
	b.AddBytes(p.MIC[:])
}

func (p *Data) unmarshal(s *cryptobyte.String) bool {
	return s.CopyBytes(p.Encrypted[:]) && s.CopyBytes(p.MIC[:])
}

type Complete struct{}

func (*Complete) Opcode() Opcode                    { return OpComplete }
func (*Complete) marshal(*cryptobyte.Builder)       {}
func (*Complete) unmarshal(*cryptobyte.String) bool { return true }

// Failed reports why the sender aborted provisioning.
type Failed struct {
	Code FailureCode
}

func (*Failed) Opcode() Opcode                  { return OpFailed }
func (p *Failed) marshal(b *cryptobyte.Builder) { b.AddUint8(uint8(p.Code)) }

func (p *Failed) unmarshal(s *cryptobyte.String) bool {
	var code uint8
	if !s.ReadUint8(&code) {
		return false
	}
	p.Code = FailureCode(code)
	return true
}
