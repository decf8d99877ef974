package authentication

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
)

func newCCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, newError(errCodeBadParameter, "session key must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, MICSize, NonceSize)
}

// SealData encrypts plaintext with AES-CCM and returns ciphertext || MIC.
func SealData(sessionKey, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newCCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, newError(errCodeBadParameter, "session nonce must be 13 bytes")
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenData authenticates and decrypts ciphertext || MIC. Any authentication failure is reported as
// ErrDecryptionFailed; no partial plaintext is returned.
func OpenData(sessionKey, nonce, sealed []byte) ([]byte, error) {
	aead, err := newCCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize || len(sealed) < MICSize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
