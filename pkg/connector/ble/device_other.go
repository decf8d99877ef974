//go:build !linux && !darwin

package ble

import (
	"errors"

	goble "github.com/go-ble/ble"
)

func newDevice(_ string) (goble.Device, error) {
	return nil, errors.New("ble: not supported on this platform")
}
