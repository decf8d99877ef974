package authentication

import (
	"fmt"
	"unicode"
)

type errCode int

const (
	errCodeOk errCode = iota
	errCodeInvalidPublicKey
	errCodeDecryption
	errCodeBadParameter
	errCodeInternal
)

var errCodeNames = map[errCode]string{
	errCodeOk:               "ERROR_NONE",
	errCodeInvalidPublicKey: "ERROR_INVALID_PUBLIC_KEY",
	errCodeDecryption:       "ERROR_DECRYPTION_FAILED",
	errCodeBadParameter:     "ERROR_BAD_PARAMETER",
	errCodeInternal:         "ERROR_INTERNAL",
}

// errCodeString returns a CamelCase error string for code.
func errCodeString(code errCode) string {
	// "ERROR_DECRYPTION_FAILED" -> "DecryptionFailed"
	const prefix = "ERROR_"
	name, ok := errCodeNames[code]
	if !ok {
		return fmt.Sprintf("Error%d", int(code))
	}
	allCaps := name[len(prefix):]
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else {
			if lowerCaseNext {
				camelCase = append(camelCase, unicode.ToLower(b))
			} else {
				camelCase = append(camelCase, b)
				lowerCaseNext = true
			}
		}
	}
	return string(camelCase)
}

// Error represents a cryptographic failure.
type Error struct {
	Code errCode
	Info string
}

func newError(code errCode, info string) error {
	return &Error{code, info}
}

func (e Error) Error() string {
	if e.Info == "" {
		return errCodeString(e.Code)
	}
	return fmt.Sprintf("%s: %s", errCodeString(e.Code), e.Info)
}
