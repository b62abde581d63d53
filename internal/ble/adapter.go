// Package ble implements the blechat radio roles: scanning, advertising, the
// GATT client session and the GATT server session. The radio itself is
// reached through the Adapter and Peripheral interfaces so the state
// machines can run against tinygo-org/bluetooth or the in-memory simulator.
package ble

import (
	"context"
	"time"
)

// blechat GATT contract.
const (
	ServiceUUID    = "0000b81d-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "7db3e235-3608-41f3-a03c-955fcbd2ea4b"
	NotifyCharUUID = "7db3e235-3608-41f3-a03c-955fcbd2ea4c"
	// CCCDUUID is the Client Characteristic Configuration Descriptor.
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a remote GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the write response.
	Write(data []byte) error
	// Subscribe enables notifications and registers callback for them.
	Subscribe(callback func(data []byte)) error
}

// Device represents a remote BLE device as seen by the radio.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Address returns the address of the connected peripheral.
	Address() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// Missing services or characteristics yield an error wrapping
	// ErrAttributeNotFound.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the central side of the BLE radio.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Enabled reports whether the adapter is present and powered.
	Enabled() bool
	// Address returns the local radio address, or "" when unknown.
	Address() string
	// Scan reports advertising devices to onResult until ctx is cancelled.
	// An empty serviceUUID disables service filtering. Scan blocks.
	Scan(ctx context.Context, serviceUUID string, onResult func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// Properties are GATT characteristic properties.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
)

// AttributePermissions are GATT attribute access permissions.
type AttributePermissions uint8

const (
	PermRead AttributePermissions = 1 << iota
	PermWrite
)

// DescriptorConfig describes a descriptor attached to a local characteristic.
type DescriptorConfig struct {
	UUID        string
	Permissions AttributePermissions
}

// WriteRequest is an inbound write from a connected central.
type WriteRequest struct {
	Central        Device
	Characteristic string
	Offset         int
	Value          []byte
	ResponseNeeded bool
	// Respond acknowledges the request with status. It may be nil when the
	// platform acknowledges writes on its own.
	Respond func(status GattStatus) error
}

// CharacteristicConfig describes a characteristic of a local service.
type CharacteristicConfig struct {
	UUID        string
	Properties  Properties
	Permissions AttributePermissions
	Descriptors []DescriptorConfig
	// OnWrite handles writes to the characteristic. Nil for read-only ones.
	OnWrite func(req WriteRequest)
}

// ServiceConfig describes a primary service published by the local GATT server.
type ServiceConfig struct {
	UUID            string
	Characteristics []CharacteristicConfig
}

// GattServer is a published local service.
type GattServer interface {
	// Notify sends value as a notification of charUUID to one central.
	Notify(central, charUUID string, value []byte) error
	// Close unpublishes the service.
	Close() error
}

// AdvertiseMode trades advertising latency for power.
type AdvertiseMode int

const (
	AdvertiseLowPower AdvertiseMode = iota
	AdvertiseBalanced
	AdvertiseLowLatency
)

// Interval returns the advertising interval the mode stands for.
func (m AdvertiseMode) Interval() time.Duration {
	switch m {
	case AdvertiseLowLatency:
		return 100 * time.Millisecond
	case AdvertiseBalanced:
		return 250 * time.Millisecond
	default:
		return time.Second
	}
}

// TxPowerLevel is the advertising transmit power.
type TxPowerLevel int

const (
	TxPowerUltraLow TxPowerLevel = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

// AdvertiseOptions configures local advertising.
type AdvertiseOptions struct {
	LocalName         string
	ServiceUUIDs      []string
	Mode              AdvertiseMode
	TxPower           TxPowerLevel
	Connectable       bool
	IncludeDeviceName bool
	// Timeout stops advertising after the given duration; zero never stops.
	Timeout time.Duration
}

// Peripheral abstracts the peripheral side of the BLE radio.
type Peripheral interface {
	Enable() error
	Enabled() bool
	// OpenServer publishes svc. onCentral is called when a central connects
	// or disconnects.
	OpenServer(svc ServiceConfig, onCentral func(central Device, connected bool)) (GattServer, error)
	StartAdvertising(opts AdvertiseOptions) error
	StopAdvertising() error
}
