//go:build !linux

package ble

// Only BlueZ lets tinygo-org/bluetooth publish services; elsewhere the
// adapter is central-only.

func (a *TinyGoAdapter) Address() string { return "" }

func (a *TinyGoAdapter) OpenServer(ServiceConfig, func(Device, bool)) (GattServer, error) {
	return nil, ErrUnsupported
}

func (a *TinyGoAdapter) StartAdvertising(AdvertiseOptions) error { return ErrUnsupported }

func (a *TinyGoAdapter) StopAdvertising() error { return nil }
