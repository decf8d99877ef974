package ble

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// ProvisioningServiceUUID is the 16-bit UUID of the Mesh Provisioning Service.
	ProvisioningServiceUUID = 0x1827
	// DataInUUID is written by the provisioner.
	DataInUUID = 0x2adb
	// DataOutUUID notifies the provisioner.
	DataOutUUID = 0x2adc

	serviceDataSize = 18
)

// Beacon describes an unprovisioned device advertising the Mesh Provisioning Service.
type Beacon struct {
	Address     string
	LocalName   string
	RSSI        int16
	Connectable bool
	UUID        uuid.UUID
	OOBInfo     uint16
}

func (b *Beacon) String() string {
	name := b.LocalName
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("%s %s uuid=%s oob=0x%04x rssi=%d", b.Address, name, b.UUID, b.OOBInfo, b.RSSI)
}

// ParseServiceData extracts the device UUID and OOB information from the service data of a
// Mesh Provisioning Service advertisement.
func ParseServiceData(data []byte) (uuid.UUID, uint16, error) {
	if len(data) != serviceDataSize {
		return uuid.Nil, 0, fmt.Errorf("ble: provisioning service data is %d bytes, expected %d", len(data), serviceDataSize)
	}
	id, err := uuid.FromBytes(data[:16])
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, binary.BigEndian.Uint16(data[16:]), nil
}

// Filter selects beacons during a scan. A zero Filter matches every unprovisioned device.
type Filter struct {
	UUID      uuid.UUID
	Address   string
	LocalName string
}

func (f Filter) Match(b *Beacon) bool {
	if f.UUID != uuid.Nil && f.UUID != b.UUID {
		return false
	}
	if f.Address != "" && f.Address != b.Address {
		return false
	}
	if f.LocalName != "" && f.LocalName != b.LocalName {
		return false
	}
	return true
}
