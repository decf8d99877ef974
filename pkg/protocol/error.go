package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the node might have accepted its credentials even though
	// the local side reports a failure. This happens when the link drops after the Data PDU was
	// sent but before Complete arrived.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. A
	// temporary failure allows the caller to restart provisioning from scratch with fresh key
	// material.
	Temporary() bool
}

// FailureCode is the single byte carried by a Failed PDU.
type FailureCode uint8

const (
	CodeProhibited            FailureCode = 0x00
	CodeInvalidPDU            FailureCode = 0x01
	CodeInvalidFormat         FailureCode = 0x02
	CodeUnexpectedPDU         FailureCode = 0x03
	CodeConfirmationFailed    FailureCode = 0x04
	CodeOutOfResources        FailureCode = 0x05
	CodeDecryptionFailed      FailureCode = 0x06
	CodeUnexpectedError       FailureCode = 0x07
	CodeCannotAssignAddresses FailureCode = 0x08
)

// Reason is the terminal reason of a failed provisioning session.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonProhibited
	ReasonInvalidPDU
	ReasonInvalidFormat
	ReasonUnexpectedPDU
	ReasonConfirmationFailed
	ReasonOutOfResources
	ReasonDecryptionFailed
	ReasonUnexpectedError
	ReasonCannotAssignAddresses
	// ReasonUnknown is a Failed PDU with an unassigned code.
	ReasonUnknown

	// Local reasons never travel on the wire as such.

	ReasonInvalidPeerPublicKey
	ReasonTimeout
	ReasonCancelled
	ReasonLinkLost
	ReasonBearerError
)

var codeReasons = map[FailureCode]Reason{
	CodeProhibited:            ReasonProhibited,
	CodeInvalidPDU:            ReasonInvalidPDU,
	CodeInvalidFormat:         ReasonInvalidFormat,
	CodeUnexpectedPDU:         ReasonUnexpectedPDU,
	CodeConfirmationFailed:    ReasonConfirmationFailed,
	CodeOutOfResources:        ReasonOutOfResources,
	CodeDecryptionFailed:      ReasonDecryptionFailed,
	CodeUnexpectedError:       ReasonUnexpectedError,
	CodeCannotAssignAddresses: ReasonCannotAssignAddresses,
}

var reasonCodes = map[Reason]FailureCode{
	ReasonProhibited:            CodeProhibited,
	ReasonInvalidPDU:            CodeInvalidPDU,
	ReasonInvalidFormat:         CodeInvalidFormat,
	ReasonUnexpectedPDU:         CodeUnexpectedPDU,
	ReasonConfirmationFailed:    CodeConfirmationFailed,
	ReasonOutOfResources:        CodeOutOfResources,
	ReasonDecryptionFailed:      CodeDecryptionFailed,
	ReasonUnexpectedError:       CodeUnexpectedError,
	ReasonCannotAssignAddresses: CodeCannotAssignAddresses,
	ReasonInvalidPeerPublicKey:  CodeInvalidFormat,
}

var reasonNames = map[Reason]string{
	ReasonNone:                  "None",
	ReasonProhibited:            "Prohibited",
	ReasonInvalidPDU:            "InvalidPDU",
	ReasonInvalidFormat:         "InvalidFormat",
	ReasonUnexpectedPDU:         "UnexpectedPDU",
	ReasonConfirmationFailed:    "ConfirmationFailed",
	ReasonOutOfResources:        "OutOfResources",
	ReasonDecryptionFailed:      "DecryptionFailed",
	ReasonUnexpectedError:       "UnexpectedError",
	ReasonCannotAssignAddresses: "CannotAssignAddresses",
	ReasonUnknown:               "Unknown",
	ReasonInvalidPeerPublicKey:  "InvalidPeerPublicKey",
	ReasonTimeout:               "Timeout",
	ReasonCancelled:             "Cancelled",
	ReasonLinkLost:              "LinkLost",
	ReasonBearerError:           "BearerError",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Code returns the failure code a locally originated Failed PDU carries for r. Timeouts,
// cancellation and bearer problems have no code: no Failed PDU is sent for them.
func (r Reason) Code() (FailureCode, bool) {
	code, ok := reasonCodes[r]
	return code, ok
}

// Temporary returns true for reasons that do not indicate a protocol or cryptographic failure.
func (r Reason) Temporary() bool {
	switch r {
	case ReasonTimeout, ReasonCancelled, ReasonLinkLost, ReasonBearerError:
		return true
	}
	return false
}

func (c FailureCode) String() string {
	return fmt.Sprintf("0x%02x (%s)", uint8(c), ReasonFromCode(c))
}

// ReasonFromCode decodes the code of a Failed PDU. Unassigned codes map to ReasonUnknown.
func ReasonFromCode(code FailureCode) Reason {
	if reason, ok := codeReasons[code]; ok {
		return reason
	}
	return ReasonUnknown
}

// ProvisioningError is the terminal error of a provisioning session.
type ProvisioningError struct {
	Reason Reason
	// Code is the wire code. For remote failures it is the raw byte the peer sent, including
	// unassigned values.
	Code FailureCode
	// Remote is true if the peer reported the failure through a Failed PDU.
	Remote bool
	// DataSent is true if the provisioning data already left the local side.
	DataSent bool
	Err      error
}

// NewLocalError returns a ProvisioningError for a failure detected locally.
func NewLocalError(reason Reason, err error) *ProvisioningError {
	code, _ := reason.Code()
	return &ProvisioningError{Reason: reason, Code: code, Err: err}
}

// NewRemoteError returns a ProvisioningError for a Failed PDU received from the peer.
func NewRemoteError(code FailureCode) *ProvisioningError {
	return &ProvisioningError{Reason: ReasonFromCode(code), Code: code, Remote: true}
}

func (e *ProvisioningError) Error() string {
	var msg string
	if e.Remote {
		msg = fmt.Sprintf("peer reported provisioning failure %s", e.Code)
	} else {
		msg = fmt.Sprintf("provisioning failed: %s", e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) MayHaveSucceeded() bool {
	return e.DataSent && e.Reason.Temporary()
}

func (e *ProvisioningError) Temporary() bool {
	return !e.Remote && e.Reason.Temporary()
}

// ReasonOf returns the Reason carried by err, or ReasonNone if err is not a ProvisioningError.
func ReasonOf(err error) Reason {
	var provErr *ProvisioningError
	if errors.As(err, &provErr) {
		return provErr.Reason
	}
	return ReasonNone
}

// MayHaveSucceeded returns true if err indicates the node may have received its credentials.
func MayHaveSucceeded(err error) bool {
	var e Error
	if errors.As(err, &e) && e.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates provisioning failed due to possibly transient
// conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) && e.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the caller should restart provisioning after err. Cryptographic and
// protocol failures are never retried; the node must be reset first.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
