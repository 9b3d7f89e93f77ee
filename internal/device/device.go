package device

import (
	"context"
	"strings"
	"time"
)

// Advertisement is a single advertising packet as reported by a transport scan
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// DeviceRecord describes a peripheral seen during a scan.
// Records are values: a newer sighting produces a new record, never mutates an old one.
//
//nolint:revive // DeviceRecord reads better than Record at call sites (device.DeviceRecord vs device.Record)
type DeviceRecord struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	Services    []string  `json:"services,omitempty"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"last_seen"`
}

// DisplayName returns the advertised name or a placeholder for anonymous devices
func (r DeviceRecord) DisplayName() string {
	if r.Name == "" {
		return "(unknown)"
	}
	return r.Name
}

// NewDeviceRecord builds a record from an advertisement observed at the given time
func NewDeviceRecord(adv Advertisement, seenAt time.Time) DeviceRecord {
	services := adv.Services()
	normalized := make([]string, 0, len(services))
	for _, s := range services {
		normalized = append(normalized, NormalizeUUID(s))
	}

	return DeviceRecord{
		Address:     NormalizeAddress(adv.Addr()),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Services:    normalized,
		Connectable: adv.Connectable(),
		LastSeen:    seenAt,
	}
}

// CharacteristicDescriptor is a snapshot of a characteristic taken at discovery time
type CharacteristicDescriptor struct {
	UUID         string     `json:"uuid"`
	ServiceUUID  string     `json:"service_uuid"`
	Capabilities Capability `json:"capabilities"`
}

// ServiceDescriptor is a discovered GATT service with its characteristics in discovery order
type ServiceDescriptor struct {
	UUID            string                     `json:"uuid"`
	Characteristics []CharacteristicDescriptor `json:"characteristics"`
}

// Transport is the platform BLE stack as seen by the session manager.
// Implementations must be safe for concurrent use by different sessions.
type Transport interface {
	// Scan reports advertisements until ctx is done or the radio fails.
	// Cancellation through ctx is a normal end of scan and returns nil.
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error

	// Connect dials the peripheral; the deadline of ctx bounds the attempt.
	// Errors are *ConnectError.
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is one physical connection to a peripheral.
//
// A Link is not required to be safe for concurrent use; the session that owns
// it serializes every call. UUIDs passed in are normalized (see NormalizeUUID).
type Link interface {
	Address() string

	// DiscoverServices walks the remote GATT profile. Errors are *DiscoverError.
	DiscoverServices(ctx context.Context) ([]ServiceDescriptor, error)

	// Read, Write, Subscribe and Unsubscribe return *IoError on failure.
	Read(ctx context.Context, uuid string) ([]byte, error)
	Write(ctx context.Context, uuid string, data []byte, withResponse bool) error
	Subscribe(ctx context.Context, uuid string, handler func([]byte)) error
	Unsubscribe(ctx context.Context, uuid string) error

	// Disconnect releases the link. Calling it more than once is allowed.
	Disconnect() error

	// Disconnected is closed when the peripheral drops the link or Disconnect completes.
	Disconnected() <-chan struct{}
}

// SessionState is the lifecycle state of a connection session
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// NormalizeAddress canonicalizes a peripheral address for use as a map key.
// MAC addresses and CoreBluetooth identifiers are both compared case-insensitively.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
