package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/gattmux/internal/device"
)

// CharacteristicConfig represents a characteristic configuration for the fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a service configuration for the fake peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile
type DeviceProfileConfig struct {
	Address  string          `json:"address,omitempty"`
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a FakePeripheral with a fluent or JSON configured profile
type PeripheralDeviceBuilder struct {
	profile DeviceProfileConfig
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Address:  "AA:BB:CC:DD:EE:FF",
			RSSI:     -50,
			Services: []ServiceConfig{},
		},
	}
}

// WithAddress sets the peripheral address
func (b *PeripheralDeviceBuilder) WithAddress(address string) *PeripheralDeviceBuilder {
	b.profile.Address = address
	return b
}

// WithName sets the advertised local name
func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.profile.Name = name
	return b
}

// WithRSSI sets the advertised signal strength
func (b *PeripheralDeviceBuilder) WithRSSI(rssi int) *PeripheralDeviceBuilder {
	b.profile.RSSI = rssi
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	lastServiceIdx := len(b.profile.Services) - 1
	b.profile.Services[lastServiceIdx].Characteristics = append(
		b.profile.Services[lastServiceIdx].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON fills the device profile from JSON; unspecified identity fields keep their defaults
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := b.profile
	config.Services = nil
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Build creates the fake peripheral
func (b *PeripheralDeviceBuilder) Build() *FakePeripheral {
	p := newFakePeripheral(b.profile.Address, b.profile.Name, b.profile.RSSI)

	for _, svcConfig := range b.profile.Services {
		svcUUID := device.NormalizeUUID(svcConfig.UUID)
		svc := device.ServiceDescriptor{UUID: svcUUID}

		for _, charConfig := range svcConfig.Characteristics {
			caps, err := parseCharacteristicProperties(charConfig.Properties)
			if err != nil {
				panic(fmt.Sprintf("PeripheralDeviceBuilder.Build: characteristic %s: %v", charConfig.UUID, err))
			}
			charUUID := device.NormalizeUUID(charConfig.UUID)
			svc.Characteristics = append(svc.Characteristics, device.CharacteristicDescriptor{
				UUID:         charUUID,
				ServiceUUID:  svcUUID,
				Capabilities: caps,
			})
			p.values[charUUID] = append([]byte(nil), charConfig.Value...)
		}
		p.services = append(p.services, svc)
	}

	return p
}

// parseCharacteristicProperties converts a property string to capabilities; empty means read,write,notify
func parseCharacteristicProperties(props string) (device.Capability, error) {
	if props == "" {
		return device.CapRead | device.CapWrite | device.CapNotify, nil
	}
	return device.ParseCapabilities(props)
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}

// KanoPeripheral returns a builder preconfigured like the Kano sensor kit used by the CLI defaults:
// an IR array (read,notify), two writable control characteristics and a write-without-response blast target.
func KanoPeripheral(address, name string) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithAddress(address).
		WithName(name).
		FromJSON(`
		{
			"services": [
				{
					"uuid": "11a70200-f691-4b93-a6f4-0968f5b648f8",
					"characteristics": [
						{ "uuid": "11a70201-f691-4b93-a6f4-0968f5b648f8", "properties": "read,notify", "value": [0, 0, 0, 0] }
					]
				},
				{
					"uuid": "11a70300-f691-4b93-a6f4-0968f5b648f8",
					"characteristics": [
						{ "uuid": "11a70301-f691-4b93-a6f4-0968f5b648f8", "properties": "read,write", "value": [0] },
						{ "uuid": "11a70302-f691-4b93-a6f4-0968f5b648f8", "properties": "read,write", "value": [0] },
						{ "uuid": "11a70304-f691-4b93-a6f4-0968f5b648f8", "properties": "read,write-without-response", "value": [0] }
					]
				},
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read", "value": [87] }
					]
				}
			]
		}`)
}
