package authentication

// ECDHPrivateKey represents a local private key.
//
// Provisioners use a fresh key for every session. Devices that advertise an out-of-band public key
// use a static key instead, which is why the private scalar stays behind this interface rather
// than being passed around as bytes.
type ECDHPrivateKey interface {
	// Exchange returns the 32-byte ECDH shared secret (the X coordinate of the shared point).
	// remotePublicBytes uses the 64-byte X||Y provisioning encoding.
	Exchange(remotePublicBytes []byte) ([]byte, error)
	// PublicBytes returns the local public key in the 64-byte X||Y provisioning encoding.
	PublicBytes() []byte
}
