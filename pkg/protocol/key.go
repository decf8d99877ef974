package protocol

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/meshlink/provisioner/internal/authentication"
)

// Expose some interfaces from the otherwise internal package

type ECDHPrivateKey authentication.ECDHPrivateKey

// ErrInvalidPublicKey indicates a key file or string does not hold a P-256 public key.
var ErrInvalidPublicKey = errors.New("invalid public key")

// GeneratePrivateKey returns a fresh P-256 key pair.
func GeneratePrivateKey() (ECDHPrivateKey, error) {
	return authentication.NewECDHPrivateKey(rand.Reader)
}

// LoadPrivateKey loads a P256 EC private key from a file.
func LoadPrivateKey(filename string) (ECDHPrivateKey, error) {
	return authentication.LoadExternalECDHKey(filename)
}

// SavePrivateKey writes skey to filename as an unencrypted PKCS8 PEM file.
func SavePrivateKey(skey ECDHPrivateKey, filename string) error {
	nativeKey, ok := skey.(*authentication.NativeECDHKey)
	if !ok {
		return fmt.Errorf("key is not exportable")
	}
	derKey, err := x509.MarshalPKCS8PrivateKey(nativeKey.PrivateKey)
	if err != nil {
		return err
	}
	pemKey := pem.Block{Type: "PRIVATE KEY", Bytes: derKey}
	return os.WriteFile(filename, pem.EncodeToMemory(&pemKey), 0600)
}

// LoadPublicKey loads a P256 EC public key from a file and returns its 64-byte X||Y encoding.
//
// The function is flexible, supporting the following formats (note that this list includes private
// key files, for convenience):
//   - PKIX PEM ("BEGIN PUBLIC KEY")
//   - Non-password protected PKCS8 PEM ("BEGIN PRIVATE KEY")
//   - SEC1 ("BEGIN EC PRIVATE KEY")
//   - Binary X||Y (64 bytes) or uncompressed SEC1 curve point (0x04, ..., 65 bytes)
//   - Hex encoding of either binary form, optionally followed by "\n"
func LoadPublicKey(filename string) ([]byte, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	switch len(contents) {
	case PublicKeySize, PublicKeySize + 1:
		return PublicKeyBytes(contents)
	}
	if trimmed := strings.TrimSpace(string(contents)); len(trimmed) == 2*PublicKeySize || len(trimmed) == 2*PublicKeySize+2 {
		if publicKey, err := PublicKeyBytesFromHex(trimmed); err == nil {
			return publicKey, nil
		}
		// Continue to decode as PEM. It's not going to work, but it might provide a more
		// descriptive error message.
	}

	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	var pkey *ecdh.PublicKey
	switch block.Type {
	case "EC PRIVATE KEY":
		skey, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if pkey, err = skey.PublicKey.ECDH(); err != nil {
			return nil, err
		}
	case "PRIVATE KEY":
		skey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecdsaPrivateKey, ok := skey.(*ecdsa.PrivateKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		if pkey, err = ecdsaPrivateKey.PublicKey.ECDH(); err != nil {
			return nil, err
		}
	case "PUBLIC KEY":
		publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecdsaPublicKey, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		if pkey, err = ecdsaPublicKey.ECDH(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unrecognized PEM block type %s", block.Type)
	}
	if pkey.Curve() != ecdh.P256() {
		return nil, ErrInvalidPublicKey
	}
	return pkey.Bytes()[1:], nil
}

// PublicKeyBytes accepts a 64-byte X||Y or 65-byte SEC1 encoding, verifies the point is on P-256
// and returns the 64-byte encoding.
func PublicKeyBytes(encoded []byte) ([]byte, error) {
	if len(encoded) == PublicKeySize+1 {
		if encoded[0] != 0x04 {
			return nil, ErrInvalidPublicKey
		}
		encoded = encoded[1:]
	}
	if err := authentication.ValidatePublicKey(encoded); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	return append([]byte{}, encoded...), nil
}

// PublicKeyBytesFromHex verifies h encodes a valid public key and returns the binary encoding.
func PublicKeyBytesFromHex(h string) ([]byte, error) {
	publicKeyBytes, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return PublicKeyBytes(publicKeyBytes)
}

func UnmarshalECDHPrivateKey(keyBytes []byte) ECDHPrivateKey {
	return authentication.UnmarshalECDHPrivateKey(keyBytes)
}
