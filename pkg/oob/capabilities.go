// Package oob negotiates the out-of-band authentication method of a provisioning session and
// encodes the resulting authentication values.
package oob

import (
	"fmt"
)

// Method is the authentication method carried in the Start PDU.
type Method uint8

const (
	MethodNone   Method = 0x00
	MethodStatic Method = 0x01
	MethodOutput Method = 0x02
	MethodInput  Method = 0x03
)

var methodNames = map[Method]string{
	MethodNone:   "NoOOB",
	MethodStatic: "StaticOOB",
	MethodOutput: "OutputOOB",
	MethodInput:  "InputOOB",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// Capability bits.
const (
	AlgorithmFIPSP256 uint16 = 0x0001
	PublicKeyOOB      uint8  = 0x01
	StaticOOB         uint8  = 0x01
)

// Start PDU field values.
const (
	StartAlgorithmFIPSP256 uint8 = 0x00
	StartPublicKeyNone     uint8 = 0x00
	StartPublicKeyOOB      uint8 = 0x01
)

// MaxSize is the largest output/input OOB size allowed by the protocol.
const MaxSize = 8

// OutputAction is the value of an output OOB action in the Start PDU.
type OutputAction uint8

const (
	Blink              OutputAction = 0
	Beep               OutputAction = 1
	Vibrate            OutputAction = 2
	OutputNumeric      OutputAction = 3
	OutputAlphanumeric OutputAction = 4
)

// InputAction is the value of an input OOB action in the Start PDU.
type InputAction uint8

const (
	Push              InputAction = 0
	Twist             InputAction = 1
	InputNumeric      InputAction = 2
	InputAlphanumeric InputAction = 3
)

type outputActionInfo struct {
	action OutputAction
	bit    uint16
	name   string
}

type inputActionInfo struct {
	action InputAction
	bit    uint16
	name   string
}

// outputActionTable maps advertised capability bits to Start PDU values.
var outputActionTable = []outputActionInfo{
	{Blink, 0x0001, "Blink"},
	{Beep, 0x0002, "Beep"},
	{Vibrate, 0x0004, "Vibrate"},
	{OutputNumeric, 0x0008, "OutputNumeric"},
	{OutputAlphanumeric, 0x0010, "OutputAlphanumeric"},
}

var inputActionTable = []inputActionInfo{
	{Push, 0x0001, "Push"},
	{Twist, 0x0002, "Twist"},
	{InputNumeric, 0x0004, "InputNumeric"},
	{InputAlphanumeric, 0x0008, "InputAlphanumeric"},
}

func lookupOutput(a OutputAction) (outputActionInfo, bool) {
	for _, info := range outputActionTable {
		if info.action == a {
			return info, true
		}
	}
	return outputActionInfo{}, false
}

func lookupInput(a InputAction) (inputActionInfo, bool) {
	for _, info := range inputActionTable {
		if info.action == a {
			return info, true
		}
	}
	return inputActionInfo{}, false
}

func (a OutputAction) String() string {
	if info, ok := lookupOutput(a); ok {
		return info.name
	}
	return fmt.Sprintf("OutputAction(%d)", uint8(a))
}

// Bit returns the capability bit advertising a, or zero if a is not defined.
func (a OutputAction) Bit() uint16 {
	info, _ := lookupOutput(a)
	return info.bit
}

func (a InputAction) String() string {
	if info, ok := lookupInput(a); ok {
		return info.name
	}
	return fmt.Sprintf("InputAction(%d)", uint8(a))
}

// Bit returns the capability bit advertising a, or zero if a is not defined.
func (a InputAction) Bit() uint16 {
	info, _ := lookupInput(a)
	return info.bit
}

// OutputActions returns every output action advertised in mask, in table order. Undefined bits
// are ignored.
func OutputActions(mask uint16) []OutputAction {
	var actions []OutputAction
	for _, info := range outputActionTable {
		if mask&info.bit != 0 {
			actions = append(actions, info.action)
		}
	}
	return actions
}

// InputActions returns every input action advertised in mask, in table order.
func InputActions(mask uint16) []InputAction {
	var actions []InputAction
	for _, info := range inputActionTable {
		if mask&info.bit != 0 {
			actions = append(actions, info.action)
		}
	}
	return actions
}

// OutputMask is the inverse of OutputActions.
func OutputMask(actions ...OutputAction) uint16 {
	var mask uint16
	for _, a := range actions {
		mask |= a.Bit()
	}
	return mask
}

// InputMask is the inverse of InputActions.
func InputMask(actions ...InputAction) uint16 {
	var mask uint16
	for _, a := range actions {
		mask |= a.Bit()
	}
	return mask
}
