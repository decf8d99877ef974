package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePDUs() []PDU {
	publicKey := &PublicKey{}
	for i := range publicKey.X {
		publicKey.X[i] = byte(i)
		publicKey.Y[i] = byte(0xff - i)
	}
	data := &Data{}
	for i := range data.Encrypted {
		data.Encrypted[i] = byte(i + 1)
	}
	copy(data.MIC[:], []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04})
	return []PDU{
		&Invite{AttentionDuration: 5},
		&Capabilities{
			NumElements:      2,
			Algorithms:       0x0001,
			PublicKeyType:    0x01,
			StaticOOBType:    0x01,
			OutputOOBSize:    4,
			OutputOOBActions: 0x0018,
			InputOOBSize:     6,
			InputOOBActions:  0x000c,
		},
		&Start{Algorithm: 0, PublicKey: 0, AuthMethod: 2, AuthAction: 3, AuthSize: 4},
		publicKey,
		&InputComplete{},
		&Confirmation{Value: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		&Random{Value: [16]byte{0xff, 0xee}},
		data,
		&Complete{},
		&Failed{Code: CodeConfirmationFailed},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, pdu := range samplePDUs() {
		t.Run(pdu.Opcode().String(), func(t *testing.T) {
			encoded, err := Encode(pdu, 0)
			require.NoError(t, err)
			size, ok := pdu.Opcode().PayloadSize()
			require.True(t, ok)
			assert.Len(t, encoded, size+1)
			assert.Equal(t, byte(pdu.Opcode()), encoded[0])

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, pdu, decoded)
		})
	}
}

func TestCapabilitiesWireLayout(t *testing.T) {
	encoded, err := Encode(&Capabilities{
		NumElements:      1,
		Algorithms:       0x0102,
		PublicKeyType:    0x03,
		StaticOOBType:    0x04,
		OutputOOBSize:    0x05,
		OutputOOBActions: 0x0607,
		InputOOBSize:     0x08,
		InputOOBActions:  0x090a,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}, encoded)
}

func TestWrongLengthIsInvalidFormat(t *testing.T) {
	for _, pdu := range samplePDUs() {
		encoded, err := Encode(pdu, 0)
		require.NoError(t, err)

		longer := append(append([]byte{}, encoded...), 0x00)
		_, err = Decode(longer)
		assert.ErrorIs(t, err, ErrInvalidFormat, "%s with extra byte", pdu.Opcode())

		if len(encoded) > 1 {
			for n := 1; n < len(encoded); n++ {
				_, err = Decode(encoded[:n])
				assert.ErrorIs(t, err, ErrInvalidFormat, "%s truncated to %d bytes", pdu.Opcode(), n)
			}
		}
	}
}

func TestUnknownOpcode(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, {0x0a}, {0xff, 0x00}, {0x10}} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrUnrecognizedPDU, "%x", raw)
	}
	op, err := DecodeOpcode([]byte{0x06, 0x01})
	require.NoError(t, err)
	assert.Equal(t, OpRandom, op)
}

func TestEncodeRespectsMTU(t *testing.T) {
	publicKey := &PublicKey{}
	_, err := Encode(publicKey, 20)
	assert.ErrorIs(t, err, ErrExceedsMTU)
	_, err = Encode(publicKey, 65)
	assert.NoError(t, err)
	_, err = Encode(&Complete{}, 1)
	assert.NoError(t, err)
}

func TestPayload(t *testing.T) {
	payload, err := Payload(&Start{AuthMethod: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 0, 0}, payload)
}

func TestPublicKeyHelpers(t *testing.T) {
	xy := bytes.Repeat([]byte{0x5a}, PublicKeySize)
	p, err := NewPublicKey(xy)
	require.NoError(t, err)
	assert.Equal(t, xy, p.Bytes())
	_, err = NewPublicKey(xy[1:])
	assert.ErrorIs(t, err, ErrInvalidFormat)

	sealed := bytes.Repeat([]byte{0x11}, DataSize+DataMICSize)
	d, err := NewData(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, d.Sealed())
	_, err = NewData(sealed[:DataSize])
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFailedPreservesUnknownCode(t *testing.T) {
	decoded, err := Decode([]byte{0x09, 0x42})
	require.NoError(t, err)
	failed, ok := decoded.(*Failed)
	require.True(t, ok)
	assert.Equal(t, FailureCode(0x42), failed.Code)
	assert.Equal(t, ReasonUnknown, ReasonFromCode(failed.Code))
}
