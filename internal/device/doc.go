// Package device defines the vocabulary shared by every layer of gattmux:
// discovered device records, GATT service and characteristic descriptors,
// the capability set of a characteristic, the error taxonomy and the
// Transport/Link boundary that platform BLE stacks are adapted to.
//
// The package has no platform dependencies. The go-ble backed transport
// lives in the goble subpackage; tests use the in-memory transport from
// internal/testutils.
package device
