package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/gattmux/internal/device"
)

// CapabilitiesFromProperty maps go-ble characteristic property bit flags onto the capability set.
// Broadcast, signed writes and extended properties have no session level operation and are ignored.
func CapabilitiesFromProperty(p ble.Property) device.Capability {
	var c device.Capability

	if p&ble.CharRead != 0 {
		c |= device.CapRead
	}
	if p&ble.CharWrite != 0 {
		c |= device.CapWrite
	}
	if p&ble.CharWriteNR != 0 {
		c |= device.CapWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		c |= device.CapNotify
	}
	if p&ble.CharIndicate != 0 {
		c |= device.CapIndicate
	}

	return c
}

// PropertyFromCapabilities is the inverse of CapabilitiesFromProperty
func PropertyFromCapabilities(c device.Capability) ble.Property {
	var p ble.Property

	if c.Has(device.CapRead) {
		p |= ble.CharRead
	}
	if c.Has(device.CapWrite) {
		p |= ble.CharWrite
	}
	if c.Has(device.CapWriteWithoutResponse) {
		p |= ble.CharWriteNR
	}
	if c.Has(device.CapNotify) {
		p |= ble.CharNotify
	}
	if c.Has(device.CapIndicate) {
		p |= ble.CharIndicate
	}

	return p
}
