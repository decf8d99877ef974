package provisioning

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/meshlink/provisioner/internal/authentication"
)

var errAlreadyDerived = errors.New("derivation step already ran")

type step uint8

const (
	stepSharedSecret step = 1 << iota
	stepConfirmationKey
	stepSessionKeys
)

// session holds the key material of one provisioning exchange. All of it is wiped when the
// machine reaches a terminal state; the device key survives only as a copy inside the emitted
// credentials.
type session struct {
	private authentication.ECDHPrivateKey

	transcript []byte

	provisionerPublic []byte
	devicePublic      []byte
	sharedSecret      []byte

	confirmationSalt []byte
	confirmationKey  []byte

	localRandom        []byte
	remoteRandom       []byte
	localConfirmation  []byte
	remoteConfirmation []byte

	sessionKey   []byte
	sessionNonce []byte
	deviceKey    []byte

	derived step
}

func (s *session) once(st step) error {
	if s.derived&st != 0 {
		return errAlreadyDerived
	}
	s.derived |= st
	return nil
}

func (s *session) appendTranscript(payload []byte) {
	s.transcript = append(s.transcript, payload...)
}

// exchange computes the ECDH shared secret and then the confirmation salt and key. Both public
// keys must be known.
func (s *session) exchange(remote []byte) error {
	if err := s.once(stepSharedSecret); err != nil {
		return err
	}
	secret, err := s.private.Exchange(remote)
	if err != nil {
		return err
	}
	s.sharedSecret = secret
	// The private key is not needed past this point.
	s.private = nil

	if err := s.once(stepConfirmationKey); err != nil {
		return err
	}
	s.appendTranscript(s.provisionerPublic)
	s.appendTranscript(s.devicePublic)
	s.confirmationSalt = authentication.ConfirmationSalt(s.transcript)
	s.confirmationKey, err = authentication.ConfirmationKey(s.sharedSecret, s.confirmationSalt)
	return err
}

// confirm draws the local random value and computes the local confirmation.
func (s *session) confirm(rng io.Reader, authValue []byte) ([]byte, error) {
	if s.localRandom != nil {
		return nil, errAlreadyDerived
	}
	s.localRandom = make([]byte, authentication.KeySize)
	if _, err := io.ReadFull(rng, s.localRandom); err != nil {
		return nil, err
	}
	confirmation, err := authentication.ConfirmationValue(s.confirmationKey, s.localRandom, authValue)
	if err != nil {
		return nil, err
	}
	s.localConfirmation = confirmation
	return confirmation, nil
}

// reflected returns true if the peer echoed our own confirmation back.
func (s *session) reflected() bool {
	return s.localConfirmation != nil &&
		subtle.ConstantTimeCompare(s.localConfirmation, s.remoteConfirmation) == 1
}

// verify checks the peer's confirmation against its revealed random value.
func (s *session) verify(authValue []byte) (bool, error) {
	expected, err := authentication.ConfirmationValue(s.confirmationKey, s.remoteRandom, authValue)
	if err != nil {
		return false, err
	}
	defer authentication.Wipe(expected)
	return subtle.ConstantTimeCompare(expected, s.remoteConfirmation) == 1, nil
}

// deriveSessionKeys derives the session key, nonce and device key. provisionerRandom and
// deviceRandom are ordered by role, not by which side is local.
func (s *session) deriveSessionKeys(provisionerRandom, deviceRandom []byte) error {
	if err := s.once(stepSessionKeys); err != nil {
		return err
	}
	provisioningSalt := authentication.ProvisioningSalt(s.confirmationSalt, provisionerRandom, deviceRandom)
	defer authentication.Wipe(provisioningSalt)

	var err error
	if s.sessionKey, err = authentication.SessionKey(s.sharedSecret, provisioningSalt); err != nil {
		return fmt.Errorf("session key: %w", err)
	}
	if s.sessionNonce, err = authentication.SessionNonce(s.sharedSecret, provisioningSalt); err != nil {
		return fmt.Errorf("session nonce: %w", err)
	}
	if s.deviceKey, err = authentication.DeviceKey(s.sharedSecret, provisioningSalt); err != nil {
		return fmt.Errorf("device key: %w", err)
	}
	return nil
}

func (s *session) wipe() {
	s.private = nil
	for _, b := range [][]byte{
		s.transcript,
		s.provisionerPublic,
		s.devicePublic,
		s.sharedSecret,
		s.confirmationSalt,
		s.confirmationKey,
		s.localRandom,
		s.remoteRandom,
		s.localConfirmation,
		s.remoteConfirmation,
		s.sessionKey,
		s.sessionNonce,
		s.deviceKey,
	} {
		authentication.Wipe(b)
	}
	*s = session{derived: s.derived}
}
