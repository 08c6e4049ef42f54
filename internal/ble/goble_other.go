//go:build !linux

package ble

import (
	"errors"

	goble "github.com/go-ble/ble"
)

func newGoBLEDevice() (goble.Device, error) {
	return nil, errors.New("ble: the goble backend needs a Linux HCI socket")
}
