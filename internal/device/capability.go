package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Capability is the set of operations a characteristic supports
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapWriteWithoutResponse
	CapNotify
	CapIndicate
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapRead, "read"},
	{CapWrite, "write"},
	{CapWriteWithoutResponse, "write-without-response"},
	{CapNotify, "notify"},
	{CapIndicate, "indicate"},
}

// Has reports whether every flag in f is present
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

func (c Capability) Readable() bool { return c.Has(CapRead) }
func (c Capability) Writable() bool { return c.Has(CapWrite) }

// WritableWithoutResponse reports support for unacknowledged writes
func (c Capability) WritableWithoutResponse() bool { return c.Has(CapWriteWithoutResponse) }

// Notifiable reports whether the peripheral can push values, by notification or indication
func (c Capability) Notifiable() bool { return c&(CapNotify|CapIndicate) != 0 }

// String renders the set as a comma separated list, e.g. "read,notify"
func (c Capability) String() string {
	parts := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if c.Has(n.cap) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the set in its string form
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseCapabilities parses a comma separated list such as "read,write,notify".
// "write-nr" and "write_without_response" are accepted aliases.
func ParseCapabilities(s string) (Capability, error) {
	var c Capability
	for _, raw := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "read":
			c |= CapRead
		case "write":
			c |= CapWrite
		case "write-without-response", "write_without_response", "write-nr", "writenr":
			c |= CapWriteWithoutResponse
		case "notify":
			c |= CapNotify
		case "indicate":
			c |= CapIndicate
		default:
			return 0, fmt.Errorf("unknown capability %q", raw)
		}
	}
	return c, nil
}
