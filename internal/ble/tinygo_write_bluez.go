//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeRequest goes through WriteWithoutResponse, the only write BlueZ
// exposes here. It calls WriteValue without a "type" option, and BlueZ sends
// that as a write request to a characteristic that only has WRITE.
func writeRequest(char *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
