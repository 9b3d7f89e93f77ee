package registry

import (
	"slices"
	"strings"

	"github.com/srg/gattmux/internal/device"
)

// Filter decides whether a sighting belongs in the scan result
type Filter func(device.DeviceRecord) bool

// Any matches every device, named or not
func Any() Filter {
	return func(device.DeviceRecord) bool { return true }
}

// NamePrefix matches devices whose advertised name starts with prefix.
// Anonymous devices never match a non-empty prefix.
func NamePrefix(prefix string) Filter {
	return func(r device.DeviceRecord) bool {
		if prefix == "" {
			return true
		}
		return r.Name != "" && strings.HasPrefix(r.Name, prefix)
	}
}

// HasService matches devices advertising the given service UUID
func HasService(uuid string) Filter {
	want := device.NormalizeUUID(uuid)
	return func(r device.DeviceRecord) bool {
		return slices.Contains(r.Services, want)
	}
}

// Address matches an allow list of addresses
func Address(addresses ...string) Filter {
	allowed := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		allowed[device.NormalizeAddress(a)] = struct{}{}
	}
	return func(r device.DeviceRecord) bool {
		_, ok := allowed[r.Address]
		return ok
	}
}

// Not inverts a filter, e.g. Not(Address(blocked...)) for a block list
func Not(f Filter) Filter {
	return func(r device.DeviceRecord) bool { return !f(r) }
}

// And matches when every filter matches. Nil filters are skipped.
func And(filters ...Filter) Filter {
	return func(r device.DeviceRecord) bool {
		for _, f := range filters {
			if f != nil && !f(r) {
				return false
			}
		}
		return true
	}
}
