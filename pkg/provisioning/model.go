package provisioning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"

	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

const (
	// MaxUnicastAddress is the highest unicast address of a mesh network.
	MaxUnicastAddress = 0x7fff
	// MaxKeyIndex is the largest 12-bit global key index.
	MaxKeyIndex = 0x0fff
)

var (
	// ErrInvalidData indicates provisioning data with out-of-range fields.
	ErrInvalidData = errors.New("invalid provisioning data")
	// ErrCannotAssignAddresses indicates the node's elements do not fit into the unicast range
	// starting at the assigned address.
	ErrCannotAssignAddresses = errors.New("cannot assign unicast addresses")
)

// Flags is the flags field of the provisioning data.
type Flags uint8

const (
	FlagKeyRefresh Flags = 0x01
	FlagIVUpdate   Flags = 0x02

	flagsMask = FlagKeyRefresh | FlagIVUpdate
)

func (f Flags) KeyRefresh() bool { return f&FlagKeyRefresh != 0 }
func (f Flags) IVUpdate() bool   { return f&FlagIVUpdate != 0 }

// UnprovisionedNode is a device discovered through its beacon.
type UnprovisionedNode struct {
	UUID uuid.UUID
	// OOBInfo is the OOB information field of the beacon.
	OOBInfo uint16
	// PublicKey is the device's 64-byte public key if it was obtained out of band.
	PublicKey []byte
	// Capabilities and Selection are filled in during provisioning.
	Capabilities *protocol.Capabilities
	Selection    oob.Selection
}

func (n *UnprovisionedNode) String() string {
	return n.UUID.String()
}

// ProvisioningData is the plaintext of the Data PDU.
type ProvisioningData struct {
	NetKey         [16]byte
	KeyIndex       uint16
	Flags          Flags
	IVIndex        uint32
	UnicastAddress uint16
}

// Validate checks that every field is in range. elements is the number of elements of the node;
// zero skips the address range check.
func (d *ProvisioningData) Validate(elements uint8) error {
	if d.KeyIndex > MaxKeyIndex {
		return fmt.Errorf("%w: key index 0x%04x", ErrInvalidData, d.KeyIndex)
	}
	if d.Flags&^flagsMask != 0 {
		return fmt.Errorf("%w: flags 0x%02x", ErrInvalidData, uint8(d.Flags))
	}
	if d.UnicastAddress == 0 || d.UnicastAddress > MaxUnicastAddress {
		return fmt.Errorf("%w: 0x%04x is not a unicast address", ErrInvalidData, d.UnicastAddress)
	}
	if elements > 0 && uint32(d.UnicastAddress)+uint32(elements)-1 > MaxUnicastAddress {
		return fmt.Errorf("%w: %d elements at 0x%04x", ErrCannotAssignAddresses, elements, d.UnicastAddress)
	}
	return nil
}

// Marshal returns the 25-byte big-endian encoding.
func (d *ProvisioningData) Marshal() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, protocol.DataSize))
	b.AddBytes(d.NetKey[:])
	b.AddUint16(d.KeyIndex)
	b.AddUint8(uint8(d.Flags))
	b.AddUint32(d.IVIndex)
	b.AddUint16(d.UnicastAddress)
	return b.BytesOrPanic()
}

// ParseProvisioningData decodes a decrypted Data PDU payload.
func ParseProvisioningData(plaintext []byte) (*ProvisioningData, error) {
	if len(plaintext) != protocol.DataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidData, len(plaintext))
	}
	var d ProvisioningData
	var flags uint8
	s := cryptobyte.String(plaintext)
	if !s.CopyBytes(d.NetKey[:]) ||
		!s.ReadUint16(&d.KeyIndex) ||
		!s.ReadUint8(&flags) ||
		!s.ReadUint32(&d.IVIndex) ||
		!s.ReadUint16(&d.UnicastAddress) {
		return nil, ErrInvalidData
	}
	d.Flags = Flags(flags)
	return &d, nil
}

// NetworkCredentials are the result of a successful provisioning session. They are produced
// exactly once and owned by the caller afterwards.
type NetworkCredentials struct {
	ProvisioningData
	DeviceKey [16]byte
	// Elements is the element count advertised by the node; the node occupies the addresses
	// UnicastAddress through UnicastAddress+Elements-1.
	Elements uint8
}

func (c *NetworkCredentials) String() string {
	return fmt.Sprintf("unicast=0x%04x elements=%d keyIndex=%d ivIndex=%d flags=0x%02x",
		c.UnicastAddress, c.Elements, c.KeyIndex, c.IVIndex, uint8(c.Flags))
}
