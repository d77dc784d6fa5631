//go:build !linux

package ble

import (
	goble "github.com/go-ble/ble"
	"github.com/pkg/errors"
)

func newDevice() (goble.Device, error) {
	return nil, errors.New("bluetooth is only supported on linux")
}
