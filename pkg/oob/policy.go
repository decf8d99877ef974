package oob

import (
	"errors"
	"fmt"

	"github.com/meshlink/provisioner/pkg/protocol"
)

var (
	// ErrNoCommonAlgorithm indicates the device does not support FIPS P-256.
	ErrNoCommonAlgorithm = errors.New("device does not support any known provisioning algorithm")
	// ErrNoCommonMethod indicates no method of the policy's order is supported by both sides.
	ErrNoCommonMethod = errors.New("no mutually supported authentication method")
	// ErrProhibitedStart indicates a Start PDU inconsistent with the advertised capabilities.
	ErrProhibitedStart = errors.New("start parameters not allowed by capabilities")
)

// Local describes what the provisioner can do on its side.
type Local struct {
	// StaticValue is the 16-byte static OOB value of the device, if known.
	StaticValue []byte
	// PublicKeyKnown is true if the device's public key was obtained out of band.
	PublicKeyKnown bool
}

// Selection is the outcome of negotiation. For output and input methods Action holds the
// OutputAction or InputAction value of the Start PDU.
type Selection struct {
	Method       Method
	Action       uint8
	Size         uint8
	OOBPublicKey bool
}

// Start returns the Start PDU announcing s.
func (s Selection) Start() *protocol.Start {
	start := &protocol.Start{
		Algorithm:  StartAlgorithmFIPSP256,
		PublicKey:  StartPublicKeyNone,
		AuthMethod: uint8(s.Method),
	}
	if s.OOBPublicKey {
		start.PublicKey = StartPublicKeyOOB
	}
	if s.Method == MethodOutput || s.Method == MethodInput {
		start.AuthAction = s.Action
		start.AuthSize = s.Size
	}
	return start
}

// SelectionFromStart recovers the Selection announced by a Start PDU.
func SelectionFromStart(start *protocol.Start) Selection {
	return Selection{
		Method:       Method(start.AuthMethod),
		Action:       start.AuthAction,
		Size:         start.AuthSize,
		OOBPublicKey: start.PublicKey == StartPublicKeyOOB,
	}
}

// Alphanumeric returns true if the authentication value is a string of characters.
func (s Selection) Alphanumeric() bool {
	switch s.Method {
	case MethodOutput:
		return OutputAction(s.Action) == OutputAlphanumeric
	case MethodInput:
		return InputAction(s.Action) == InputAlphanumeric
	}
	return false
}

// Counted returns true for actions where the value is a count of events (blinks, pushes...) and
// therefore may not be zero.
func (s Selection) Counted() bool {
	switch s.Method {
	case MethodOutput:
		a := OutputAction(s.Action)
		return a == Blink || a == Beep || a == Vibrate
	case MethodInput:
		a := InputAction(s.Action)
		return a == Push || a == Twist
	}
	return false
}

func (s Selection) String() string {
	switch s.Method {
	case MethodOutput:
		return fmt.Sprintf("%s(%s, size %d)", s.Method, OutputAction(s.Action), s.Size)
	case MethodInput:
		return fmt.Sprintf("%s(%s, size %d)", s.Method, InputAction(s.Action), s.Size)
	}
	return s.Method.String()
}

// Policy decides which method is selected when a device supports several.
type Policy struct {
	// Order lists methods from most to least preferred. Methods absent from Order are never
	// selected.
	Order []Method
	// OutputActions and InputActions rank actions of the same method.
	OutputActions []OutputAction
	InputActions  []InputAction
	// MaxSize caps the OOB size. Zero means MaxSize (8).
	MaxSize uint8
}

// DefaultPolicy prefers static OOB, then output OOB, then input OOB, and falls back to no OOB.
// Numeric actions are preferred over alphanumeric ones, which are preferred over counted ones.
func DefaultPolicy() Policy {
	return Policy{
		Order:         []Method{MethodStatic, MethodOutput, MethodInput, MethodNone},
		OutputActions: []OutputAction{OutputNumeric, OutputAlphanumeric, Blink, Beep, Vibrate},
		InputActions:  []InputAction{InputNumeric, InputAlphanumeric, Push, Twist},
	}
}

func (p Policy) size(advertised uint8) uint8 {
	size := advertised
	limit := p.MaxSize
	if limit == 0 || limit > MaxSize {
		limit = MaxSize
	}
	if size > limit {
		size = limit
	}
	return size
}

func (p Policy) selectOutput(caps *protocol.Capabilities) (OutputAction, bool) {
	if caps.OutputOOBSize == 0 {
		return 0, false
	}
	advertised := OutputActions(caps.OutputOOBActions)
	for _, preferred := range p.OutputActions {
		for _, a := range advertised {
			if a == preferred {
				return a, true
			}
		}
	}
	return 0, false
}

func (p Policy) selectInput(caps *protocol.Capabilities) (InputAction, bool) {
	if caps.InputOOBSize == 0 {
		return 0, false
	}
	advertised := InputActions(caps.InputOOBActions)
	for _, preferred := range p.InputActions {
		for _, a := range advertised {
			if a == preferred {
				return a, true
			}
		}
	}
	return 0, false
}

// Select returns the first method of p.Order supported by both the device and local.
func (p Policy) Select(caps *protocol.Capabilities, local Local) (Selection, error) {
	if caps.Algorithms&AlgorithmFIPSP256 == 0 {
		return Selection{}, ErrNoCommonAlgorithm
	}
	sel := Selection{
		OOBPublicKey: caps.PublicKeyType&PublicKeyOOB != 0 && local.PublicKeyKnown,
	}
	for _, method := range p.Order {
		switch method {
		case MethodStatic:
			if caps.StaticOOBType&StaticOOB != 0 && len(local.StaticValue) == AuthValueSize {
				sel.Method = MethodStatic
				return sel, nil
			}
		case MethodOutput:
			if a, ok := p.selectOutput(caps); ok {
				sel.Method, sel.Action, sel.Size = MethodOutput, uint8(a), p.size(caps.OutputOOBSize)
				return sel, nil
			}
		case MethodInput:
			if a, ok := p.selectInput(caps); ok {
				sel.Method, sel.Action, sel.Size = MethodInput, uint8(a), p.size(caps.InputOOBSize)
				return sel, nil
			}
		case MethodNone:
			sel.Method = MethodNone
			return sel, nil
		}
	}
	return Selection{}, ErrNoCommonMethod
}

// ValidateStart checks that start only uses what caps advertised.
func ValidateStart(caps *protocol.Capabilities, start *protocol.Start) error {
	if start.Algorithm != StartAlgorithmFIPSP256 || caps.Algorithms&AlgorithmFIPSP256 == 0 {
		return fmt.Errorf("%w: algorithm 0x%02x", ErrProhibitedStart, start.Algorithm)
	}
	switch start.PublicKey {
	case StartPublicKeyNone:
	case StartPublicKeyOOB:
		if caps.PublicKeyType&PublicKeyOOB == 0 {
			return fmt.Errorf("%w: OOB public key not available", ErrProhibitedStart)
		}
	default:
		return fmt.Errorf("%w: public key type 0x%02x", ErrProhibitedStart, start.PublicKey)
	}
	switch Method(start.AuthMethod) {
	case MethodNone, MethodStatic:
		if start.AuthAction != 0 || start.AuthSize != 0 {
			return fmt.Errorf("%w: action and size must be zero", ErrProhibitedStart)
		}
		if Method(start.AuthMethod) == MethodStatic && caps.StaticOOBType&StaticOOB == 0 {
			return fmt.Errorf("%w: static OOB not available", ErrProhibitedStart)
		}
	case MethodOutput:
		bit := OutputAction(start.AuthAction).Bit()
		if bit == 0 || caps.OutputOOBActions&bit == 0 {
			return fmt.Errorf("%w: output action %d", ErrProhibitedStart, start.AuthAction)
		}
		if start.AuthSize == 0 || start.AuthSize > caps.OutputOOBSize || start.AuthSize > MaxSize {
			return fmt.Errorf("%w: output size %d", ErrProhibitedStart, start.AuthSize)
		}
	case MethodInput:
		bit := InputAction(start.AuthAction).Bit()
		if bit == 0 || caps.InputOOBActions&bit == 0 {
			return fmt.Errorf("%w: input action %d", ErrProhibitedStart, start.AuthAction)
		}
		if start.AuthSize == 0 || start.AuthSize > caps.InputOOBSize || start.AuthSize > MaxSize {
			return fmt.Errorf("%w: input size %d", ErrProhibitedStart, start.AuthSize)
		}
	default:
		return fmt.Errorf("%w: method 0x%02x", ErrProhibitedStart, start.AuthMethod)
	}
	return nil
}
