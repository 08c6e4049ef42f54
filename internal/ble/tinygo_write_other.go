//go:build !darwin && !windows

package ble

import (
	"log/slog"

	"tinygo.org/x/bluetooth"
)

// writeChar falls back to a write command here: tinygo/bluetooth only has
// acknowledged writes on darwin and windows. A peer that refuses the value
// is then not reported as an error.
func writeChar(c *bluetooth.DeviceCharacteristic, value []byte, withResponse bool) error {
	if withResponse {
		slog.Debug("[BLE] write request sent as write command", "uuid", c.UUID().String())
	}
	_, err := c.WriteWithoutResponse(value)
	return err
}
