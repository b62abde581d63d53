package ble

// ChatService returns the blechat service definition: a write-only
// characteristic for messages from the central and a read/notify
// characteristic, guarded by a CCCD, for messages to it.
func ChatService(onWrite func(req WriteRequest)) ServiceConfig {
	return ServiceConfig{
		UUID: ServiceUUID,
		Characteristics: []CharacteristicConfig{
			{
				UUID:        WriteCharUUID,
				Properties:  PropWrite,
				Permissions: PermWrite,
				OnWrite:     onWrite,
			},
			{
				UUID:        NotifyCharUUID,
				Properties:  PropRead | PropNotify,
				Permissions: PermRead,
				Descriptors: []DescriptorConfig{
					{UUID: CCCDUUID, Permissions: PermRead | PermWrite},
				},
			},
		},
	}
}

// ChatAdvertisement returns the advertising policy for the chat service:
// low latency, connectable, high power, never timing out, with the device
// name and service UUID in the payload.
func ChatAdvertisement(localName string) AdvertiseOptions {
	return AdvertiseOptions{
		LocalName:         localName,
		ServiceUUIDs:      []string{ServiceUUID},
		Mode:              AdvertiseLowLatency,
		TxPower:           TxPowerHigh,
		Connectable:       true,
		IncludeDeviceName: true,
	}
}
