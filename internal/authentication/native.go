package authentication

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
)

// NativeECDHKey implements the ECDHPrivateKey interface using native Go.
type NativeECDHKey struct {
	*ecdh.PrivateKey
}

// parsePublicKey converts the 64-byte provisioning encoding into a curve point. The standard
// library rejects points that are not on the curve, including the all-zero encoding.
func parsePublicKey(publicBytes []byte) (*ecdh.PublicKey, error) {
	if len(publicBytes) != PublicKeySize {
		return nil, ErrInvalidPeerPublicKey
	}
	encoded := make([]byte, 0, PublicKeySize+1)
	encoded = append(encoded, 0x04)
	encoded = append(encoded, publicBytes...)
	publicKey, err := ecdh.P256().NewPublicKey(encoded)
	if err != nil {
		return nil, ErrInvalidPeerPublicKey
	}
	return publicKey, nil
}

// ValidatePublicKey returns ErrInvalidPeerPublicKey if publicBytes is not a P-256 point in the
// 64-byte provisioning encoding.
func ValidatePublicKey(publicBytes []byte) error {
	_, err := parsePublicKey(publicBytes)
	return err
}

func (n *NativeECDHKey) Exchange(publicBytes []byte) ([]byte, error) {
	publicKey, err := parsePublicKey(publicBytes)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := n.PrivateKey.ECDH(publicKey)
	if err != nil {
		// The only failure mode left is a shared point at infinity.
		return nil, ErrInvalidPeerPublicKey
	}
	return sharedSecret, nil
}

func (n *NativeECDHKey) PublicBytes() []byte {
	encoded := n.PrivateKey.PublicKey().Bytes()
	buff := make([]byte, PublicKeySize)
	copy(buff, encoded[1:])
	return buff
}

// Scalar returns a copy of the private scalar. Callers are responsible for wiping it.
func (n *NativeECDHKey) Scalar() []byte {
	return n.PrivateKey.Bytes()
}

func NewECDHPrivateKey(rng io.Reader) (ECDHPrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &NativeECDHKey{key}, nil
}

// LoadExternalECDHKey reads a static P-256 private key from a PEM file (SEC1 or PKCS8).
func LoadExternalECDHKey(filename string) (ECDHPrivateKey, error) {
	pemBlock, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBlock)
	if block == nil {
		return nil, fmt.Errorf("%w: expected PEM encoding", ErrInvalidPrivateKey)
	}

	var ecdsaPrivateKey *ecdsa.PrivateKey

	if block.Type == "EC PRIVATE KEY" {
		ecdsaPrivateKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
	} else {
		privateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		var ok bool
		if ecdsaPrivateKey, ok = privateKey.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: only elliptic curve keys supported", ErrInvalidPrivateKey)
		}
	}

	key, err := ecdsaPrivateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrivateKey, err)
	}
	if key.Curve() != ecdh.P256() {
		return nil, fmt.Errorf("%w: only NIST-P256 keys supported", ErrInvalidPrivateKey)
	}
	return &NativeECDHKey{key}, nil
}

// UnmarshalECDHPrivateKey returns nil if privateScalar is not a valid P-256 scalar.
func UnmarshalECDHPrivateKey(privateScalar []byte) ECDHPrivateKey {
	if len(privateScalar) != PrivateKeySize {
		return nil
	}
	key, err := ecdh.P256().NewPrivateKey(privateScalar)
	if err != nil {
		return nil
	}
	return &NativeECDHKey{key}
}
