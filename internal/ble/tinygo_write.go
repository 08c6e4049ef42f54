//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

func writeChar(c *bluetooth.DeviceCharacteristic, value []byte, withResponse bool) error {
	var err error
	if withResponse {
		_, err = c.Write(value)
	} else {
		_, err = c.WriteWithoutResponse(value)
	}
	return err
}
