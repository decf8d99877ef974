package authentication

import (
	"crypto/aes"

	"github.com/aead/cmac"
)

var zeroKey [KeySize]byte

// AESCMAC computes the 16-byte AES-CMAC of msg under key.
func AESCMAC(key, msg []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, newError(errCodeBadParameter, "AES-CMAC key must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, KeySize)
}

// S1 is the salt generation function: AES-CMAC with an all-zero key.
func S1(m []byte) []byte {
	salt, err := AESCMAC(zeroKey[:], m)
	if err != nil {
		// Unreachable: the key length is fixed.
		panic(err)
	}
	return salt
}

// K1 is the key derivation function: T = AES-CMAC_salt(n), K1 = AES-CMAC_T(p).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := AESCMAC(salt, n)
	if err != nil {
		return nil, err
	}
	defer Wipe(t)
	return AESCMAC(t, p)
}

// ConfirmationSalt hashes the confirmation inputs (the provisioning transcript).
func ConfirmationSalt(transcript []byte) []byte {
	return S1(transcript)
}

// ConfirmationKey derives the key used to compute both confirmation values.
func ConfirmationKey(sharedSecret, confirmationSalt []byte) ([]byte, error) {
	return K1(sharedSecret, confirmationSalt, []byte(labelConfirmationKey))
}

// ConfirmationValue computes AES-CMAC_key(random || authValue).
func ConfirmationValue(key, random, authValue []byte) ([]byte, error) {
	if len(random) != KeySize || len(authValue) != KeySize {
		return nil, newError(errCodeBadParameter, "random and authentication values must be 16 bytes")
	}
	msg := make([]byte, 0, 2*KeySize)
	msg = append(msg, random...)
	msg = append(msg, authValue...)
	defer Wipe(msg)
	return AESCMAC(key, msg)
}

// ProvisioningSalt binds the session keys to the confirmation salt and both random values.
func ProvisioningSalt(confirmationSalt, provisionerRandom, deviceRandom []byte) []byte {
	msg := make([]byte, 0, 3*KeySize)
	msg = append(msg, confirmationSalt...)
	msg = append(msg, provisionerRandom...)
	msg = append(msg, deviceRandom...)
	return S1(msg)
}

// SessionKey derives the AES-CCM key protecting the Data PDU.
func SessionKey(sharedSecret, provisioningSalt []byte) ([]byte, error) {
	return K1(sharedSecret, provisioningSalt, []byte(labelSessionKey))
}

// SessionNonce derives the 13-byte AES-CCM nonce of the Data PDU.
func SessionNonce(sharedSecret, provisioningSalt []byte) ([]byte, error) {
	full, err := K1(sharedSecret, provisioningSalt, []byte(labelSessionNonce))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, full[KeySize-NonceSize:])
	Wipe(full)
	return nonce, nil
}

// DeviceKey derives the per-node key handed to the configuration layer.
func DeviceKey(sharedSecret, provisioningSalt []byte) ([]byte, error) {
	return K1(sharedSecret, provisioningSalt, []byte(labelDeviceKey))
}
