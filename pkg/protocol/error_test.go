package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestReasonFromCode(t *testing.T) {
	expected := []Reason{
		ReasonProhibited,
		ReasonInvalidPDU,
		ReasonInvalidFormat,
		ReasonUnexpectedPDU,
		ReasonConfirmationFailed,
		ReasonOutOfResources,
		ReasonDecryptionFailed,
		ReasonUnexpectedError,
		ReasonCannotAssignAddresses,
	}
	for code, reason := range expected {
		if got := ReasonFromCode(FailureCode(code)); got != reason {
			t.Errorf("code 0x%02x decoded as %s, expected %s", code, got, reason)
		}
		if back, ok := reason.Code(); !ok || back != FailureCode(code) {
			t.Errorf("%s encodes as 0x%02x", reason, back)
		}
	}
	for code := 0x09; code <= 0xff; code++ {
		if got := ReasonFromCode(FailureCode(code)); got != ReasonUnknown {
			t.Errorf("code 0x%02x decoded as %s", code, got)
		}
	}
}

func TestLocalReasons(t *testing.T) {
	if code, ok := ReasonInvalidPeerPublicKey.Code(); !ok || code != CodeInvalidFormat {
		t.Errorf("InvalidPeerPublicKey should be reported as InvalidFormat, got 0x%02x", code)
	}
	for _, reason := range []Reason{ReasonTimeout, ReasonCancelled, ReasonLinkLost, ReasonBearerError} {
		if _, ok := reason.Code(); ok {
			t.Errorf("%s should not have a wire code", reason)
		}
		if !reason.Temporary() {
			t.Errorf("%s should be temporary", reason)
		}
	}
}

func TestRetriableError(t *testing.T) {
	type testCase struct {
		err         error
		shouldRetry bool
	}
	tests := []testCase{
		{nil, false},
		{errors.New("opaque"), false},
		{NewLocalError(ReasonTimeout, nil), true},
		{NewLocalError(ReasonCancelled, nil), true},
		{NewLocalError(ReasonLinkLost, nil), true},
		{NewLocalError(ReasonConfirmationFailed, nil), false},
		{NewLocalError(ReasonDecryptionFailed, nil), false},
		{NewLocalError(ReasonInvalidPeerPublicKey, nil), false},
		{NewRemoteError(CodeOutOfResources), false},
		{fmt.Errorf("wrapped: %w", NewLocalError(ReasonTimeout, nil)), true},
		{&ProvisioningError{Reason: ReasonLinkLost, DataSent: true}, false},
	}
	for _, test := range tests {
		if got := ShouldRetry(test.err); got != test.shouldRetry {
			t.Errorf("ShouldRetry(%v) = %v", test.err, got)
		}
	}
}

func TestReasonOf(t *testing.T) {
	err := fmt.Errorf("session abc: %w", NewRemoteError(0x77))
	if reason := ReasonOf(err); reason != ReasonUnknown {
		t.Errorf("unexpected reason %s", reason)
	}
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) || provErr.Code != 0x77 || !provErr.Remote {
		t.Errorf("raw code not preserved: %+v", provErr)
	}
	if reason := ReasonOf(errors.New("x")); reason != ReasonNone {
		t.Errorf("unexpected reason %s", reason)
	}
}

func TestProvisioningErrorMessage(t *testing.T) {
	err := NewLocalError(ReasonDecryptionFailed, errors.New("mic"))
	if msg := err.Error(); msg != "provisioning failed: DecryptionFailed: mic" {
		t.Errorf("unexpected message %q", msg)
	}
	if msg := NewRemoteError(CodeConfirmationFailed).Error(); msg != "peer reported provisioning failure 0x04 (ConfirmationFailed)" {
		t.Errorf("unexpected message %q", msg)
	}
}
