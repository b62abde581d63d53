//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeRequest writes with response. The chat characteristic only has the
// WRITE property, so a write command would be rejected.
func writeRequest(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
