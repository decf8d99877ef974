// Package provisioning implements the provisioning protocol state machine for both the
// provisioner and the device role.
//
// A Machine performs no I/O. It consumes raw PDUs and local triggers and returns the PDUs that
// must be sent in response; internal/dispatcher drives it from a bearer.
package provisioning

import (
	"fmt"

	"github.com/meshlink/provisioner/pkg/oob"
	"github.com/meshlink/provisioner/pkg/protocol"
)

// State is the position of a session in the provisioning exchange.
type State int

const (
	StateIdle State = iota
	StateInviteSent
	StateCapabilitiesReceived
	StateStartSent
	StatePublicKeyExchanged
	StateOOBInputWait
	StateConfirmationExchanged
	StateRandomExchanged
	StateDataExchanged
	StateComplete
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                  "Idle",
	StateInviteSent:            "InviteSent",
	StateCapabilitiesReceived:  "CapabilitiesReceived",
	StateStartSent:             "StartSent",
	StatePublicKeyExchanged:    "PublicKeyExchanged",
	StateOOBInputWait:          "OOBInputWait",
	StateConfirmationExchanged: "ConfirmationExchanged",
	StateRandomExchanged:       "RandomExchanged",
	StateDataExchanged:         "DataExchanged",
	StateComplete:              "Complete",
	StateFailed:                "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal returns true for Complete and Failed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// transitions lists the legal successors of every non-terminal state, except Failed which is
// reachable from all of them.
var transitions = map[State][]State{
	StateIdle:                  {StateInviteSent},
	StateInviteSent:            {StateCapabilitiesReceived},
	StateCapabilitiesReceived:  {StateStartSent},
	StateStartSent:             {StatePublicKeyExchanged},
	StatePublicKeyExchanged:    {StateOOBInputWait, StateConfirmationExchanged},
	StateOOBInputWait:          {StateConfirmationExchanged},
	StateConfirmationExchanged: {StateRandomExchanged},
	StateRandomExchanged:       {StateDataExchanged},
	StateDataExchanged:         {StateComplete},
}

// CanTransition returns true if the state machine may move from one state to the other.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role selects which side of the exchange a Machine implements.
type Role int

const (
	RoleProvisioner Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "provisioner"
}

// expectedOpcodes is the unique PDU each role accepts in a given state. States missing from the
// table accept nothing but a Failed PDU.
var expectedOpcodes = map[Role]map[State]protocol.Opcode{
	RoleProvisioner: {
		StateInviteSent:            protocol.OpCapabilities,
		StateStartSent:             protocol.OpPublicKey,
		StateOOBInputWait:          protocol.OpInputComplete,
		StateConfirmationExchanged: protocol.OpConfirmation,
		StateRandomExchanged:       protocol.OpRandom,
		StateDataExchanged:         protocol.OpComplete,
	},
	RoleDevice: {
		StateIdle:                  protocol.OpInvite,
		StateCapabilitiesReceived:  protocol.OpStart,
		StateStartSent:             protocol.OpPublicKey,
		StateConfirmationExchanged: protocol.OpConfirmation,
		StateRandomExchanged:       protocol.OpRandom,
		StateDataExchanged:         protocol.OpData,
	},
}

// expectedOpcode returns the opcode role accepts in state. While waiting for OOB input only a
// provisioner using input OOB waits on the peer; every other combination waits on the local user.
func expectedOpcode(role Role, state State, sel oob.Selection) (protocol.Opcode, bool) {
	if state == StateOOBInputWait && !(role == RoleProvisioner && sel.Method == oob.MethodInput) {
		return 0, false
	}
	op, ok := expectedOpcodes[role][state]
	return op, ok
}
