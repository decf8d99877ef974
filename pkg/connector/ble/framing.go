package ble

import (
	"errors"
	"fmt"
	"time"
)

// Proxy PDU message types. Only provisioning PDUs are carried by a provisioning bearer.
const (
	MessageNetworkPDU         = 0x00
	MessageMeshBeacon         = 0x01
	MessageProxyConfiguration = 0x02
	MessageProvisioningPDU    = 0x03
)

// SAR values of the proxy PDU header.
const (
	sarComplete     = 0x00
	sarFirst        = 0x01
	sarContinuation = 0x02
	sarLast         = 0x03
)

const (
	// MaxMessageSize caps the size of a reassembled PDU.
	MaxMessageSize = 1024

	// DefaultSARTimeout is the maximum interval between two segments of one PDU.
	DefaultSARTimeout = 20 * time.Second

	headerSize = 1
)

var (
	ErrEmptySegment        = errors.New("ble: empty proxy PDU")
	ErrMessageType         = errors.New("ble: proxy PDU is not a provisioning PDU")
	ErrUnexpectedSegment   = errors.New("ble: proxy PDU segment out of order")
	ErrMessageTooLong      = errors.New("ble: reassembled PDU too long")
	ErrBlockLengthTooSmall = errors.New("ble: block length leaves no room for payload")
)

func header(sar, messageType byte) byte {
	return sar<<6 | messageType&0x3f
}

// Segment splits a provisioning PDU into proxy PDUs of at most blockLength bytes each.
func Segment(pdu []byte, blockLength int) ([][]byte, error) {
	if len(pdu) == 0 {
		return nil, ErrEmptySegment
	}
	if len(pdu) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	if blockLength <= headerSize {
		return nil, ErrBlockLengthTooSmall
	}
	payload := blockLength - headerSize
	if len(pdu) <= payload {
		segment := make([]byte, 0, headerSize+len(pdu))
		segment = append(segment, header(sarComplete, MessageProvisioningPDU))
		return [][]byte{append(segment, pdu...)}, nil
	}

	var segments [][]byte
	for offset := 0; offset < len(pdu); offset += payload {
		end := min(offset+payload, len(pdu))
		sar := byte(sarContinuation)
		if offset == 0 {
			sar = sarFirst
		} else if end == len(pdu) {
			sar = sarLast
		}
		segment := make([]byte, 0, headerSize+end-offset)
		segment = append(segment, header(sar, MessageProvisioningPDU))
		segments = append(segments, append(segment, pdu[offset:end]...))
	}
	return segments, nil
}

// Reassembler rebuilds provisioning PDUs from proxy PDU segments. The zero value uses
// DefaultSARTimeout.
type Reassembler struct {
	Timeout time.Duration

	buffer []byte
	active bool
	lastRx time.Time
}

func (r *Reassembler) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultSARTimeout
	}
	return r.Timeout
}

// Reset discards a partially reassembled PDU.
func (r *Reassembler) Reset() {
	r.buffer = nil
	r.active = false
}

// Pending reports whether a PDU is partially reassembled.
func (r *Reassembler) Pending() bool {
	return r.active
}

// Push adds one proxy PDU received at now. It returns the complete provisioning PDU once the last
// segment arrives and nil while more segments are expected. After an error the partial PDU is
// discarded.
func (r *Reassembler) Push(segment []byte, now time.Time) ([]byte, error) {
	if len(segment) == 0 {
		return nil, ErrEmptySegment
	}
	if r.active && now.Sub(r.lastRx) > r.timeout() {
		r.Reset()
	}
	sar := segment[0] >> 6
	messageType := segment[0] & 0x3f
	if messageType != MessageProvisioningPDU {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMessageType, messageType)
	}
	payload := segment[headerSize:]
	r.lastRx = now

	switch sar {
	case sarComplete:
		if r.active {
			r.Reset()
			return nil, fmt.Errorf("%w: complete PDU interrupts a segmented one", ErrUnexpectedSegment)
		}
		if len(payload) == 0 {
			return nil, ErrEmptySegment
		}
		return append([]byte{}, payload...), nil
	case sarFirst:
		if r.active {
			r.Reset()
			return nil, fmt.Errorf("%w: first segment while reassembling", ErrUnexpectedSegment)
		}
		r.active = true
		r.buffer = append([]byte{}, payload...)
	case sarContinuation, sarLast:
		if !r.active {
			return nil, fmt.Errorf("%w: segment without a first segment", ErrUnexpectedSegment)
		}
		r.buffer = append(r.buffer, payload...)
	}
	if len(r.buffer) > MaxMessageSize {
		r.Reset()
		return nil, ErrMessageTooLong
	}
	if sar == sarLast {
		pdu := r.buffer
		r.Reset()
		return pdu, nil
	}
	return nil, nil
}
