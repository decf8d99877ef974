package authentication

import (
	"errors"
)

// Key derivation labels. Each derived key uses its own label so that the device key can never
// collide with the session key.
const (
	labelConfirmationKey = "prck"
	labelSessionKey      = "prsk"
	labelSessionNonce    = "prsn"
	labelDeviceKey       = "prdk"
)

const (
	KeySize          = 16 // AES-128 keys, salts, confirmation and random values.
	NonceSize        = 13 // AES-CCM nonce used for the Data PDU.
	MICSize          = 8  // AES-CCM tag length of the Data PDU.
	PublicKeySize    = 64 // Uncompressed X||Y, without the SEC1 0x04 prefix.
	PrivateKeySize   = 32
	SharedSecretSize = 32
)

var (
	// ErrInvalidPeerPublicKey is an Error raised when a remote peer provides a public key that is
	// not a valid P-256 point.
	ErrInvalidPeerPublicKey = newError(errCodeInvalidPublicKey, "peer public key is not a P-256 point")
	// ErrDecryptionFailed indicates the Data PDU failed AES-CCM authentication.
	ErrDecryptionFailed = newError(errCodeDecryption, "data MIC check failed")
	// ErrInvalidPrivateKey indicates the local peer tried to load an unsupported or malformed
	// private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)
