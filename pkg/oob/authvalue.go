package oob

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
)

// AuthValueSize is the length of every authentication value fed into the confirmation function.
const AuthValueSize = 16

const alphanumericCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrInvalidAuthValue indicates user or device input that does not match the negotiated method.
var ErrInvalidAuthValue = errors.New("invalid OOB authentication value")

// AuthValue is an authentication value together with the method that produced it.
type AuthValue struct {
	Selection
	// Value is the 16-byte input of the confirmation function.
	Value [AuthValueSize]byte
	// Text is the human readable form (digits or characters) for output and input methods.
	Text string
}

// NoAuthValue returns the all-zero value used when no OOB is selected.
func NoAuthValue() AuthValue {
	return AuthValue{Selection: Selection{Method: MethodNone}}
}

// NewStaticAuthValue wraps a 16-byte static OOB value.
func NewStaticAuthValue(static []byte) (AuthValue, error) {
	if len(static) != AuthValueSize {
		return AuthValue{}, fmt.Errorf("%w: static OOB must be %d bytes", ErrInvalidAuthValue, AuthValueSize)
	}
	v := AuthValue{Selection: Selection{Method: MethodStatic}}
	copy(v.Value[:], static)
	return v, nil
}

// Bytes returns a copy of the 16-byte value.
func (v *AuthValue) Bytes() []byte {
	return append([]byte{}, v.Value[:]...)
}

// Wipe clears the value.
func (v *AuthValue) Wipe() {
	for i := range v.Value {
		v.Value[i] = 0
	}
	v.Text = ""
}

func (v AuthValue) String() string {
	return v.Text
}

// NumericAuthValue encodes n as a big-endian integer right-aligned in 16 bytes.
func NumericAuthValue(sel Selection, n uint64) AuthValue {
	v := AuthValue{Selection: sel, Text: strconv.FormatUint(n, 10)}
	binary.BigEndian.PutUint64(v.Value[AuthValueSize-8:], n)
	return v
}

// AlphanumericAuthValue encodes text as ASCII, left-aligned and padded with zero bytes.
func AlphanumericAuthValue(sel Selection, text string) AuthValue {
	v := AuthValue{Selection: sel, Text: text}
	copy(v.Value[:], text)
	return v
}

func maxNumeric(size uint8) uint64 {
	limit := uint64(1)
	for i := uint8(0); i < size; i++ {
		limit *= 10
	}
	return limit
}

// Generate produces a random authentication value for sel. The side that displays or outputs the
// value generates it: the device for output OOB, the provisioner for input OOB.
func Generate(rng io.Reader, sel Selection) (AuthValue, error) {
	if rng == nil {
		rng = rand.Reader
	}
	switch sel.Method {
	case MethodNone:
		return NoAuthValue(), nil
	case MethodStatic:
		return AuthValue{}, fmt.Errorf("%w: static values cannot be generated", ErrInvalidAuthValue)
	case MethodOutput, MethodInput:
	default:
		return AuthValue{}, fmt.Errorf("%w: method %s", ErrInvalidAuthValue, sel.Method)
	}
	if sel.Size == 0 || sel.Size > MaxSize {
		return AuthValue{}, fmt.Errorf("%w: size %d", ErrInvalidAuthValue, sel.Size)
	}
	if sel.Alphanumeric() {
		text := make([]byte, sel.Size)
		charsetLen := big.NewInt(int64(len(alphanumericCharset)))
		for i := range text {
			idx, err := rand.Int(rng, charsetLen)
			if err != nil {
				return AuthValue{}, err
			}
			text[i] = alphanumericCharset[idx.Int64()]
		}
		return AlphanumericAuthValue(sel, string(text)), nil
	}
	limit := maxNumeric(sel.Size)
	var n uint64
	if sel.Counted() {
		// [1, limit)
		r, err := rand.Int(rng, new(big.Int).SetUint64(limit-1))
		if err != nil {
			return AuthValue{}, err
		}
		n = r.Uint64() + 1
	} else {
		r, err := rand.Int(rng, new(big.Int).SetUint64(limit))
		if err != nil {
			return AuthValue{}, err
		}
		n = r.Uint64()
	}
	return NumericAuthValue(sel, n), nil
}

// Parse converts text entered by a user into an authentication value for sel. Static values are
// given as 32 hex digits.
func Parse(sel Selection, text string) (AuthValue, error) {
	text = strings.TrimSpace(text)
	switch sel.Method {
	case MethodNone:
		return NoAuthValue(), nil
	case MethodStatic:
		static, err := hex.DecodeString(text)
		if err != nil {
			return AuthValue{}, fmt.Errorf("%w: %s", ErrInvalidAuthValue, err)
		}
		return NewStaticAuthValue(static)
	case MethodOutput, MethodInput:
	default:
		return AuthValue{}, fmt.Errorf("%w: method %s", ErrInvalidAuthValue, sel.Method)
	}
	if text == "" {
		return AuthValue{}, fmt.Errorf("%w: empty value", ErrInvalidAuthValue)
	}
	if len(text) > int(sel.Size) {
		return AuthValue{}, fmt.Errorf("%w: more than %d characters", ErrInvalidAuthValue, sel.Size)
	}
	if sel.Alphanumeric() {
		text = strings.ToUpper(text)
		for _, c := range text {
			if !strings.ContainsRune(alphanumericCharset, c) {
				return AuthValue{}, fmt.Errorf("%w: character %q", ErrInvalidAuthValue, c)
			}
		}
		return AlphanumericAuthValue(sel, text), nil
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return AuthValue{}, fmt.Errorf("%w: %q is not a digit", ErrInvalidAuthValue, c)
		}
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return AuthValue{}, fmt.Errorf("%w: %s", ErrInvalidAuthValue, err)
	}
	if sel.Counted() && n == 0 {
		return AuthValue{}, fmt.Errorf("%w: count must not be zero", ErrInvalidAuthValue)
	}
	return NumericAuthValue(sel, n), nil
}

// Matches returns true if v was produced for sel.
func (v *AuthValue) Matches(sel Selection) bool {
	if v.Method != sel.Method {
		return false
	}
	if sel.Method == MethodOutput || sel.Method == MethodInput {
		return v.Action == sel.Action && v.Size == sel.Size
	}
	return true
}
